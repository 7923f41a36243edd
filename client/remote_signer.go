package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-faster/errors"

	"github.com/andrewreder/x402-gate/x402"
)

// Kind is a scheme and network pair a signer can sign for.
type Kind struct {
	Scheme  x402.Scheme
	Network x402.Network
}

// ParseKinds parses "scheme:network" entries, e.g. "exact:base-sepolia" or
// "transfer:eip155:8453".
func ParseKinds(entries []string) ([]Kind, error) {
	kinds := make([]Kind, 0, len(entries))
	for _, e := range entries {
		scheme, network, ok := strings.Cut(strings.TrimSpace(e), ":")
		if !ok || scheme == "" || network == "" {
			return nil, errors.Errorf("invalid signer kind %q", e)
		}
		kinds = append(kinds, Kind{Scheme: x402.Scheme(scheme), Network: x402.Network(network)})
	}
	return kinds, nil
}

// RemoteSigner delegates signing to a wallet service over HTTP. The service receives
// the TransferIntent as JSON on POST and answers with a SignedTransfer. A 403 means the
// user declined.
type RemoteSigner struct {
	url   string
	kinds []Kind
	http  *http.Client
}

func NewRemoteSigner(url string, kinds []Kind, httpClient *http.Client) *RemoteSigner {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &RemoteSigner{url: url, kinds: kinds, http: httpClient}
}

func (s *RemoteSigner) Supports(scheme x402.Scheme, network x402.Network) bool {
	for _, k := range s.kinds {
		if k.Scheme == scheme && k.Network == network {
			return true
		}
	}
	return false
}

func (s *RemoteSigner) Sign(ctx context.Context, intent TransferIntent) (SignedTransfer, error) {
	body, err := json.Marshal(intent)
	if err != nil {
		return SignedTransfer{}, errors.Wrap(err, "marshal intent")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return SignedTransfer{}, errors.Wrap(err, "build sign request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return SignedTransfer{}, errors.Wrap(err, "call signer")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return SignedTransfer{}, ErrUserRejected
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return SignedTransfer{}, errors.Errorf("signer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var signed SignedTransfer
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		return SignedTransfer{}, errors.Wrap(err, "decode signed transfer")
	}
	if signed.Scheme == "" {
		signed.Scheme = intent.Scheme
	}
	if signed.Network == "" {
		signed.Network = intent.Network
	}
	return signed, nil
}
