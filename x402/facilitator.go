package x402

import (
	"context"
)

// Facilitator verifies and settles payment proofs on behalf of a resource server.
//
// Implementations must bound every call. Verify must return Valid=false alongside any
// error so that no caller can mistake a failure for a success.
type Facilitator interface {
	Verify(ctx context.Context, proof PaymentProof, req PaymentRequirements) (VerificationResult, error)
	Settle(ctx context.Context, proof PaymentProof, req PaymentRequirements) (SettlementReceipt, error)
	Supported(ctx context.Context) ([]SupportedKind, error)
}

// CheckSupported compares the kinds a policy advertises with those the facilitator
// reports and returns the ones it cannot handle.
func CheckSupported(ctx context.Context, f Facilitator, p *Policy) ([]SupportedKind, error) {
	kinds, err := f.Supported(ctx)
	if err != nil {
		return nil, err
	}
	type kindKey struct {
		scheme  Scheme
		network Network
	}
	have := make(map[kindKey]bool, len(kinds))
	for _, k := range kinds {
		have[kindKey{k.Scheme, k.Network}] = true
	}
	var missing []SupportedKind
	for _, k := range p.Kinds() {
		if !have[kindKey{k.Scheme, k.Network}] {
			missing = append(missing, k)
		}
	}
	return missing, nil
}
