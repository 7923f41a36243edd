// Package facilitator is a client for x402 facilitators (/verify, /settle,
// /supported) built on the coinbase x402 HTTP facilitator client.
package facilitator

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	cache "github.com/Code-Hex/go-generics-cache"
	cx402 "github.com/coinbase/x402/go"
	x402http "github.com/coinbase/x402/go/http"
	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/andrewreder/x402-gate/x402"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultSupportedTTL = 5 * time.Minute

	supportedKey = "supported"

	reasonUnavailable = "facilitator_unavailable"
)

// Config configures a Client.
type Config struct {
	URL          string
	Timeout      time.Duration
	AuthProvider x402http.AuthProvider
	// HTTPClient overrides the pooled client built from Timeout.
	HTTPClient   *http.Client
	SupportedTTL time.Duration
	Logger       *zap.Logger
}

// Client talks to a facilitator over HTTP. It is safe for concurrent use.
type Client struct {
	remote    *x402http.HTTPFacilitatorClient
	timeout   time.Duration
	log       *zap.Logger
	ttl       time.Duration
	supported *cache.Cache[string, []x402.SupportedKind]
}

var _ x402.Facilitator = (*Client)(nil)

// NewClient creates a facilitator client.
func NewClient(cfg Config) *Client {
	c := &Client{
		timeout:   cfg.Timeout,
		log:       cfg.Logger,
		ttl:       cfg.SupportedTTL,
		supported: cache.New[string, []x402.SupportedKind](),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.ttl <= 0 {
		c.ttl = DefaultSupportedTTL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: c.timeout}
	}
	c.remote = x402http.NewHTTPFacilitatorClient(&x402http.FacilitatorConfig{
		URL:          strings.TrimRight(cfg.URL, "/"),
		HTTPClient:   httpClient,
		AuthProvider: correlated{inner: cfg.AuthProvider},
	})
	return c
}

// Verify asks the facilitator whether proof satisfies req. A refusal reported by the
// facilitator is a verdict; any other failure yields Valid=false together with an error
// wrapping x402.ErrFacilitatorUnavailable.
func (c *Client) Verify(ctx context.Context, proof x402.PaymentProof, req x402.PaymentRequirements) (res x402.VerificationResult, err error) {
	defer c.observe("verify", time.Now(), &err)

	payload, requirements, err := encode(proof, req)
	if err != nil {
		return x402.VerificationResult{Valid: false, Reason: reasonUnavailable}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.remote.Verify(ctx, payload, requirements)
	if err != nil {
		var refused *cx402.VerifyError
		if errors.As(err, &refused) && refused.InvalidReason != cx402.ErrInvalidResponse {
			return x402.VerificationResult{Valid: false, Reason: refused.InvalidReason, Payer: refused.Payer}, nil
		}
		return x402.VerificationResult{Valid: false, Reason: reasonUnavailable}, c.unavailable("verify", err)
	}
	return x402.VerificationResult{Valid: out.IsValid, Reason: out.InvalidReason, Payer: out.Payer}, nil
}

// Settle asks the facilitator to settle a verified proof. A refusal reported by the
// facilitator comes back as an unsuccessful receipt.
func (c *Client) Settle(ctx context.Context, proof x402.PaymentProof, req x402.PaymentRequirements) (receipt x402.SettlementReceipt, err error) {
	defer c.observe("settle", time.Now(), &err)

	payload, requirements, err := encode(proof, req)
	if err != nil {
		return x402.SettlementReceipt{Network: req.Network, Reason: reasonUnavailable}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.remote.Settle(ctx, payload, requirements)
	if err != nil {
		var refused *cx402.SettleError
		if errors.As(err, &refused) {
			return x402.SettlementReceipt{
				Network:     orNetwork(x402.Network(refused.Network), req.Network),
				Transaction: refused.Transaction,
				Payer:       refused.Payer,
				Reason:      refused.ErrorReason,
			}, nil
		}
		return x402.SettlementReceipt{Network: req.Network, Reason: reasonUnavailable}, c.unavailable("settle", err)
	}
	receipt = x402.SettlementReceipt{
		Success:     out.Success,
		Network:     orNetwork(x402.Network(out.Network), req.Network),
		Transaction: out.Transaction,
		Payer:       out.Payer,
		Reason:      out.ErrorReason,
	}
	if !receipt.Success && receipt.Reason == "" {
		receipt.Reason = "settlement_failed"
	}
	return receipt, nil
}

// Supported lists the kinds the facilitator handles. Results are cached for the
// configured TTL.
func (c *Client) Supported(ctx context.Context) (kinds []x402.SupportedKind, err error) {
	if kinds, ok := c.supported.Get(supportedKey); ok {
		return kinds, nil
	}
	defer c.observe("supported", time.Now(), &err)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.remote.GetSupported(ctx)
	if err != nil {
		return nil, c.unavailable("supported", err)
	}
	kinds = make([]x402.SupportedKind, 0, len(out.Kinds))
	for _, k := range out.Kinds {
		kinds = append(kinds, x402.SupportedKind{
			X402Version: k.X402Version,
			Scheme:      x402.Scheme(k.Scheme),
			Network:     x402.Network(k.Network),
			Extra:       k.Extra,
		})
	}
	c.supported.Set(supportedKey, kinds, cache.WithExpiration(c.ttl))
	return kinds, nil
}

func (c *Client) unavailable(op string, err error) error {
	c.log.Warn("facilitator request failed", zap.String("op", op), zap.Error(err))
	return errors.Wrapf(x402.ErrFacilitatorUnavailable, "%s: %v", op, err)
}

func (c *Client) observe(op string, start time.Time, err *error) {
	result := "ok"
	if *err != nil {
		result = "error"
	}
	requestDuration.With(prometheus.Labels{"op": op, "result": result}).Observe(time.Since(start).Seconds())
}

// encode produces the byte forms the remote client expects. A proof without a version
// is sent as the current protocol version.
func encode(proof x402.PaymentProof, req x402.PaymentRequirements) (payload, requirements []byte, err error) {
	if proof.X402Version == 0 {
		proof.X402Version = x402.X402Version
	}
	if payload, err = json.Marshal(proof); err != nil {
		return nil, nil, errors.Wrap(err, "marshal payment payload")
	}
	if requirements, err = json.Marshal(req); err != nil {
		return nil, nil, errors.Wrap(err, "marshal payment requirements")
	}
	return payload, requirements, nil
}

func orNetwork(n, fallback x402.Network) x402.Network {
	if n == "" {
		return fallback
	}
	return n
}
