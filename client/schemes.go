package client

import (
	"github.com/go-faster/errors"

	"github.com/andrewreder/x402-gate/x402"
)

// SchemeHandler knows how a payer answers one scheme: whether the signed transfer is
// broadcast by the payer and how the proof payload is assembled.
type SchemeHandler interface {
	Scheme() x402.Scheme
	// Submits reports whether the payer itself submits the transfer to the ledger.
	Submits() bool
	// Payload builds the proof payload. tx is nil unless Submits is true.
	Payload(signed SignedTransfer, tx *TxRef) (x402.ProofPayload, error)
}

// ExactHandler answers the exact scheme: the signed authorization is handed to the
// facilitator, which broadcasts it at settlement.
type ExactHandler struct{}

func (ExactHandler) Scheme() x402.Scheme { return x402.SchemeExact }

func (ExactHandler) Submits() bool { return false }

func (ExactHandler) Payload(signed SignedTransfer, _ *TxRef) (x402.ProofPayload, error) {
	if signed.Signature == "" {
		return x402.ProofPayload{}, errors.New("exact: signed transfer has no signature")
	}
	return x402.ProofPayload{
		Signature:     signed.Signature,
		Authorization: signed.Authorization,
		Payer:         signed.Payer,
	}, nil
}

// TransferHandler answers the transfer scheme: the payer broadcasts the transfer and
// the proof names the confirmed transaction.
type TransferHandler struct{}

func (TransferHandler) Scheme() x402.Scheme { return x402.SchemeTransfer }

func (TransferHandler) Submits() bool { return true }

func (TransferHandler) Payload(signed SignedTransfer, tx *TxRef) (x402.ProofPayload, error) {
	if tx == nil || tx.Hash == "" {
		return x402.ProofPayload{}, errors.New("transfer: missing transaction reference")
	}
	return x402.ProofPayload{
		Signature:   signed.Signature,
		Transaction: tx.Hash,
		Payer:       signed.Payer,
	}, nil
}

// Schemes maps scheme names to their client handlers.
type Schemes map[x402.Scheme]SchemeHandler

// NewSchemes indexes handlers by scheme.
func NewSchemes(handlers ...SchemeHandler) Schemes {
	s := make(Schemes, len(handlers))
	for _, h := range handlers {
		s[h.Scheme()] = h
	}
	return s
}

// DefaultSchemes handles exact and transfer.
func DefaultSchemes() Schemes {
	return NewSchemes(ExactHandler{}, TransferHandler{})
}
