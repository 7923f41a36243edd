// Command x402-client fetches x402 protected resources, paying through a remote signer.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/andrewreder/x402-gate/app"
	"github.com/andrewreder/x402-gate/client"
	"github.com/andrewreder/x402-gate/ledger/evm"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "x402-client",
		Usage: "Fetch x402 protected resources",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "WARN",
			},
		},
		Commands: []*cli.Command{
			fetchCmd,
			discoverCmd,
		},
	}
}

var fetchCmd = &cli.Command{
	Name:      "fetch",
	Usage:     "Request a resource, paying for it when the server answers 402",
	ArgsUsage: "<url>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "signer-url",
			Usage:    "wallet service that signs transfer intents",
			EnvVars:  []string{"X402_SIGNER_URL"},
			Required: true,
		},
		&cli.StringSliceFlag{
			Name:    "signer-kinds",
			Usage:   "scheme:network pairs the signer accepts",
			EnvVars: []string{"X402_SIGNER_KINDS"},
			Value:   cli.NewStringSlice("exact:base-sepolia"),
		},
		&cli.StringFlag{
			Name:    "rpc-url",
			Usage:   "EVM JSON-RPC endpoint; enables schemes where the client broadcasts the transfer",
			EnvVars: []string{"X402_RPC_URL"},
		},
		&cli.StringFlag{
			Name:    "max-amount",
			Usage:   "refuse options above this amount (asset smallest unit)",
			EnvVars: []string{"X402_MAX_AMOUNT"},
		},
		&cli.StringFlag{
			Name:  "method",
			Value: http.MethodGet,
		},
		&cli.StringFlag{
			Name:  "data",
			Usage: "JSON request body",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Value: 2 * time.Minute,
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return errors.New("expected exactly one url")
		}
		log := app.Logger(cctx.String("log-level"))
		defer func() { _ = log.Sync() }()

		kinds, err := client.ParseKinds(cctx.StringSlice("signer-kinds"))
		if err != nil {
			return err
		}
		httpClient := &http.Client{Timeout: cctx.Duration("timeout")}
		opts := []client.Option{
			client.WithHTTPClient(httpClient),
			client.WithLogger(log),
		}
		if raw := cctx.String("max-amount"); raw != "" {
			max, err := decimal.NewFromString(raw)
			if err != nil {
				return errors.Wrap(err, "max-amount")
			}
			opts = append(opts, client.WithMaxAmount(max))
		}
		if rpc := cctx.String("rpc-url"); rpc != "" {
			ledger, err := evm.Dial(cctx.Context, rpc, log.Named("ledger"))
			if err != nil {
				return err
			}
			opts = append(opts, client.WithLedger(ledger))
		}

		signer := client.NewRemoteSigner(cctx.String("signer-url"), kinds, httpClient)
		orchestrator := client.New(signer, opts...)

		var body io.Reader
		if data := cctx.String("data"); data != "" {
			body = strings.NewReader(data)
		}
		req, err := http.NewRequestWithContext(cctx.Context, strings.ToUpper(cctx.String("method")), cctx.Args().First(), body)
		if err != nil {
			return errors.Wrap(err, "build request")
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := orchestrator.Drive(cctx.Context, req)
		if err != nil {
			var rejected *client.PaymentRejectedAfterRetryError
			if errors.As(err, &rejected) && rejected.Required != nil {
				log.Warn("Payment rejected", zap.String("error", rejected.Required.Error))
			}
			return err
		}
		defer resp.Body.Close()

		out := cctx.App.Writer
		if pr, ok := client.PaymentResponseFrom(resp); ok {
			receipt, _ := json.Marshal(pr)
			fmt.Fprintf(out, "payment: %s\n", receipt)
		}
		fmt.Fprintf(out, "status: %d\n", resp.StatusCode)
		if _, err := io.Copy(out, resp.Body); err != nil {
			return errors.Wrap(err, "read body")
		}
		fmt.Fprintln(out)
		return nil
	},
}

var discoverCmd = &cli.Command{
	Name:      "discover",
	Usage:     "List the priced resources of an x402 server",
	ArgsUsage: "<server url>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return errors.New("expected exactly one server url")
		}
		endpoint := strings.TrimRight(cctx.Args().First(), "/") + "/discovery/resources"
		req, err := http.NewRequestWithContext(cctx.Context, http.MethodGet, endpoint, nil)
		if err != nil {
			return errors.Wrap(err, "build request")
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return errors.Wrap(err, "discover")
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errors.Errorf("discover: unexpected status %d", resp.StatusCode)
		}

		var listing struct {
			Resources []struct {
				Method string `json:"method"`
				URI    string `json:"uri"`
				Price  string `json:"price"`
			} `json:"resources"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
			return errors.Wrap(err, "decode listing")
		}
		for _, r := range listing.Resources {
			fmt.Fprintf(cctx.App.Writer, "%s\t%s\t%s\n", r.Method, r.URI, r.Price)
		}
		return nil
	},
}
