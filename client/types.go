// Package client pays for x402 protected resources: it answers a 402 challenge with a
// signed payment and retries the request once.
package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/andrewreder/x402-gate/x402"
)

// TransferIntent describes the transfer a Signer is asked to authorize.
type TransferIntent struct {
	ID          string               `json:"id"`
	Scheme      x402.Scheme          `json:"scheme"`
	Network     x402.Network         `json:"network"`
	Amount      string               `json:"amount"`
	PayTo       string               `json:"payTo"`
	Asset       x402.AssetDescriptor `json:"asset"`
	Resource    string               `json:"resource"`
	Extra       map[string]any       `json:"extra,omitempty"`
	ValidAfter  time.Time            `json:"validAfter"`
	ValidBefore time.Time            `json:"validBefore"`
}

// SignedTransfer is the Signer's output. Raw carries a serialized ledger transaction for
// schemes where the payer broadcasts the transfer itself.
type SignedTransfer struct {
	Scheme        x402.Scheme     `json:"scheme"`
	Network       x402.Network    `json:"network"`
	Payer         string          `json:"payer"`
	Signature     string          `json:"signature,omitempty"`
	Authorization json.RawMessage `json:"authorization,omitempty"`
	Raw           []byte          `json:"raw,omitempty"`
}

// TxRef references a submitted ledger transaction.
type TxRef struct {
	Network x402.Network `json:"network"`
	Hash    string       `json:"hash"`
}

// Confirmation reports a transaction accepted by its ledger.
type Confirmation struct {
	TxRef
	Block uint64 `json:"block"`
}

// Signer authorizes transfers without exposing key material. Sign returns an error
// wrapping ErrUserRejected when the user or agent declines.
type Signer interface {
	Supports(scheme x402.Scheme, network x402.Network) bool
	Sign(ctx context.Context, intent TransferIntent) (SignedTransfer, error)
}

// LedgerClient submits signed transfers and waits for their acceptance. Confirm returns
// an error wrapping ErrConfirmationTimeout when timeout elapses first.
type LedgerClient interface {
	Submit(ctx context.Context, signed SignedTransfer) (TxRef, error)
	Confirm(ctx context.Context, ref TxRef, timeout time.Duration) (Confirmation, error)
}

// Signers combines several signers; Sign is routed to the first one supporting the
// intent's scheme and network.
type Signers []Signer

func (s Signers) Supports(scheme x402.Scheme, network x402.Network) bool {
	return s.pick(scheme, network) != nil
}

func (s Signers) Sign(ctx context.Context, intent TransferIntent) (SignedTransfer, error) {
	signer := s.pick(intent.Scheme, intent.Network)
	if signer == nil {
		return SignedTransfer{}, ErrUnsupportedScheme
	}
	return signer.Sign(ctx, intent)
}

func (s Signers) pick(scheme x402.Scheme, network x402.Network) Signer {
	for _, signer := range s {
		if signer.Supports(scheme, network) {
			return signer
		}
	}
	return nil
}
