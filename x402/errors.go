package x402

import (
	"github.com/go-faster/errors"
)

var (
	// ErrFacilitatorUnavailable marks transport, timeout and protocol failures talking to a
	// facilitator. Verifiers collapse it into a failed verification.
	ErrFacilitatorUnavailable = errors.New("facilitator unavailable")

	// ErrInvalidPolicy is returned when a price table cannot be turned into requirements.
	ErrInvalidPolicy = errors.New("invalid payment policy")

	// ErrInvalidAmount is returned for amounts that are not positive integers in smallest units.
	ErrInvalidAmount = errors.New("invalid amount")
)

// DecodeError reports a malformed X-PAYMENT value. It is caller correctable and never
// surfaced to the requester in detail.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return "decode payment proof: " + e.Reason + ": " + e.Err.Error()
	}
	return "decode payment proof: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err is, or wraps, a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
