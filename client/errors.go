package client

import (
	"fmt"

	"github.com/go-faster/errors"

	"github.com/andrewreder/x402-gate/x402"
)

var (
	ErrUnsupportedScheme         = errors.New("no mutually supported payment option")
	ErrSignerRejected            = errors.New("signer rejected payment")
	ErrLedgerSubmissionFailed    = errors.New("ledger submission failed")
	ErrPaymentRejectedAfterRetry = errors.New("payment rejected after retry")
	ErrMalformedChallenge        = errors.New("malformed 402 response")

	// ErrUserRejected is returned by Signer implementations when the transfer is declined.
	ErrUserRejected = errors.New("user rejected transfer")
	// ErrConfirmationTimeout is returned by LedgerClient.Confirm.
	ErrConfirmationTimeout = errors.New("confirmation timed out")
)

// UnsupportedSchemeError is returned when none of the offered options can be paid.
// Nothing was signed or submitted.
type UnsupportedSchemeError struct {
	Offered []x402.PaymentRequirements
}

func (e *UnsupportedSchemeError) Error() string {
	kinds := make([]string, 0, len(e.Offered))
	for _, o := range e.Offered {
		kinds = append(kinds, fmt.Sprintf("%s/%s", o.Scheme, o.Network))
	}
	return fmt.Sprintf("%v: offered %v", ErrUnsupportedScheme, kinds)
}

func (e *UnsupportedSchemeError) Is(target error) bool { return target == ErrUnsupportedScheme }

// SignerRejectedError is returned when the signer declined. The request is not retried.
type SignerRejectedError struct {
	Option x402.PaymentRequirements
	Err    error
}

func (e *SignerRejectedError) Error() string {
	return fmt.Sprintf("%v (%s/%s): %v", ErrSignerRejected, e.Option.Scheme, e.Option.Network, e.Err)
}

func (e *SignerRejectedError) Unwrap() error { return e.Err }

func (e *SignerRejectedError) Is(target error) bool { return target == ErrSignerRejected }

// LedgerSubmissionError wraps transport and ledger failures while submitting or
// confirming a transfer. Callers may retry the whole Drive.
type LedgerSubmissionError struct {
	Stage string
	Err   error
}

func (e *LedgerSubmissionError) Error() string {
	return fmt.Sprintf("%v at %s: %v", ErrLedgerSubmissionFailed, e.Stage, e.Err)
}

func (e *LedgerSubmissionError) Unwrap() error { return e.Err }

func (e *LedgerSubmissionError) Is(target error) bool { return target == ErrLedgerSubmissionFailed }

// PaymentRejectedAfterRetryError is returned when the server answers the paid retry with
// another 402. Required holds the second challenge when it could be parsed.
type PaymentRejectedAfterRetryError struct {
	Paid     x402.PaymentRequirements
	Required *x402.PaymentRequired
}

func (e *PaymentRejectedAfterRetryError) Error() string {
	return fmt.Sprintf("%v (%s/%s, %s)", ErrPaymentRejectedAfterRetry, e.Paid.Scheme, e.Paid.Network, e.Paid.MaxAmountRequired)
}

func (e *PaymentRejectedAfterRetryError) Is(target error) bool {
	return target == ErrPaymentRejectedAfterRetry
}
