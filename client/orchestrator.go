package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	x402types "github.com/coinbase/x402/go/types"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/andrewreder/x402-gate/x402"
)

const (
	maxChallengeBytes        = 1 << 20
	defaultMaxTimeoutSeconds = 60
)

type Option func(*Orchestrator)

// WithHTTPClient sets the client used for both the original request and the retry.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Orchestrator) {
		o.roundTrip = c.Do
	}
}

// WithLedger enables schemes where the payer submits the transfer itself.
func WithLedger(l LedgerClient) Option {
	return func(o *Orchestrator) {
		o.ledger = l
	}
}

func WithSchemes(s Schemes) Option {
	return func(o *Orchestrator) {
		o.schemes = s
	}
}

// WithMaxAmount skips options asking for more than max smallest units.
func WithMaxAmount(max decimal.Decimal) Option {
	return func(o *Orchestrator) {
		o.maxAmount = &max
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(o *Orchestrator) {
		o.log = log
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Orchestrator drives a request through the 402 flow: request, pick an option, sign,
// optionally submit and confirm, then retry once with the proof.
// It holds no per-request state and is safe for concurrent use.
type Orchestrator struct {
	signer    Signer
	ledger    LedgerClient
	schemes   Schemes
	maxAmount *decimal.Decimal
	roundTrip func(*http.Request) (*http.Response, error)
	log       *zap.Logger
	now       func() time.Time
}

func New(signer Signer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		signer:    signer,
		schemes:   DefaultSchemes(),
		roundTrip: http.DefaultClient.Do,
		log:       zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Get fetches url, paying for it if required.
func (o *Orchestrator) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	return o.Drive(ctx, req)
}

// Drive sends req and, on a 402, pays for it and retries exactly once. Any status other
// than 402 is returned unchanged. A second 402 yields *PaymentRejectedAfterRetryError.
func (o *Orchestrator) Drive(ctx context.Context, req *http.Request) (*http.Response, error) {
	return o.drive(ctx, req, o.roundTrip)
}

func (o *Orchestrator) drive(ctx context.Context, req *http.Request, send func(*http.Request) (*http.Response, error)) (*http.Response, error) {
	body, err := snapshotBody(req)
	if err != nil {
		return nil, err
	}

	first, err := cloneRequest(ctx, req, body)
	if err != nil {
		return nil, err
	}
	resp, err := send(first)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}
	receivedAt := o.now()

	required, err := readChallenge(resp)
	if err != nil {
		return nil, err
	}

	option, handler, ok := o.choose(required)
	if !ok {
		return nil, &UnsupportedSchemeError{Offered: required.Accepts}
	}
	log := o.log.With(
		zap.String("resource", option.Resource),
		zap.String("scheme", string(option.Scheme)),
		zap.String("network", string(option.Network)),
		zap.String("amount", option.MaxAmountRequired),
	)
	log.Debug("Paying for resource")

	proof, err := o.pay(ctx, required, option, handler, receivedAt)
	if err != nil {
		log.Info("Payment aborted", zap.Error(err))
		return nil, err
	}
	token, err := x402.EncodeProof(proof)
	if err != nil {
		return nil, err
	}

	retry, err := cloneRequest(ctx, req, body)
	if err != nil {
		return nil, err
	}
	retry.Header.Set(x402.HeaderPayment, token)
	resp, err = send(retry)
	if err != nil {
		return nil, errors.Wrap(err, "send paid request")
	}
	if resp.StatusCode == http.StatusPaymentRequired {
		rejected := &PaymentRejectedAfterRetryError{Paid: option}
		if again, err := readChallenge(resp); err == nil {
			rejected.Required = &again
		}
		log.Warn("Payment rejected after retry")
		return nil, rejected
	}
	return resp, nil
}

// choose returns the first offered option that has a handler, a willing signer, a
// ledger if the payer must submit, and an amount within the spend cap.
func (o *Orchestrator) choose(required x402.PaymentRequired) (x402.PaymentRequirements, SchemeHandler, bool) {
	for _, option := range required.Accepts {
		handler, ok := o.schemes[option.Scheme]
		if !ok {
			continue
		}
		if handler.Submits() && o.ledger == nil {
			continue
		}
		amount, err := x402.ParseAmount(option.MaxAmountRequired)
		if err != nil {
			continue
		}
		if o.maxAmount != nil && amount.GreaterThan(*o.maxAmount) {
			continue
		}
		if o.signer == nil || !o.signer.Supports(option.Scheme, option.Network) {
			continue
		}
		return option, handler, true
	}
	return x402.PaymentRequirements{}, nil, false
}

func (o *Orchestrator) pay(
	ctx context.Context,
	required x402.PaymentRequired,
	option x402.PaymentRequirements,
	handler SchemeHandler,
	receivedAt time.Time,
) (x402.PaymentProof, error) {
	timeout := option.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = defaultMaxTimeoutSeconds
	}
	window := time.Duration(timeout) * time.Second
	deadline := receivedAt.Add(window)
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	intent := TransferIntent{
		ID:          uuid.NewString(),
		Scheme:      option.Scheme,
		Network:     option.Network,
		Amount:      option.MaxAmountRequired,
		PayTo:       option.PayTo,
		Asset:       option.Asset,
		Resource:    option.Resource,
		Extra:       option.Extra,
		ValidAfter:  receivedAt,
		ValidBefore: deadline,
	}
	signed, err := o.signer.Sign(ctx, intent)
	if err != nil {
		if errors.Is(err, ErrUserRejected) {
			return x402.PaymentProof{}, &SignerRejectedError{Option: option, Err: err}
		}
		return x402.PaymentProof{}, errors.Wrap(err, "sign transfer")
	}

	var tx *TxRef
	if handler.Submits() {
		ref, err := o.ledger.Submit(ctx, signed)
		if err != nil {
			return x402.PaymentProof{}, &LedgerSubmissionError{Stage: "submit", Err: err}
		}
		if _, err := o.ledger.Confirm(ctx, ref, deadline.Sub(o.now())); err != nil {
			return x402.PaymentProof{}, &LedgerSubmissionError{Stage: "confirm", Err: err}
		}
		tx = &ref
	}

	payload, err := handler.Payload(signed, tx)
	if err != nil {
		return x402.PaymentProof{}, err
	}
	if payload.Payer == "" {
		payload.Payer = signed.Payer
	}

	version := required.X402Version
	if version == 0 {
		version = x402.X402Version
	}
	return x402.PaymentProof{
		X402Version:          version,
		Scheme:               option.Scheme,
		Network:              option.Network,
		Payload:              payload,
		RequirementsIssuedAt: required.IssuedAt,
		RequirementsMAC:      issuanceMAC(option),
		IssuedAt:             o.now().Unix(),
	}, nil
}

// readChallenge parses and closes a 402 body.
func readChallenge(resp *http.Response) (x402.PaymentRequired, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxChallengeBytes))
	if err != nil {
		return x402.PaymentRequired{}, errors.Wrap(err, "read 402 body")
	}
	version, err := x402types.DetectVersion(body)
	if err != nil {
		return x402.PaymentRequired{}, errors.Wrap(ErrMalformedChallenge, err.Error())
	}
	if version != x402.X402Version {
		return x402.PaymentRequired{}, errors.Wrapf(ErrMalformedChallenge, "unsupported x402Version %d", version)
	}
	var required x402.PaymentRequired
	if err := json.Unmarshal(body, &required); err != nil {
		return x402.PaymentRequired{}, errors.Wrap(ErrMalformedChallenge, err.Error())
	}
	if len(required.Accepts) == 0 {
		return x402.PaymentRequired{}, errors.Wrap(ErrMalformedChallenge, "no accepted options")
	}
	return required, nil
}

type bodySnapshot struct {
	data    []byte
	getBody func() (io.ReadCloser, error)
}

// snapshotBody makes the request body replayable for the paid retry.
func snapshotBody(req *http.Request) (*bodySnapshot, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		return &bodySnapshot{getBody: req.GetBody}, nil
	}
	defer req.Body.Close()
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read request body")
	}
	return &bodySnapshot{data: data}, nil
}

func (s *bodySnapshot) open() (io.ReadCloser, error) {
	if s.getBody != nil {
		return s.getBody()
	}
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

func cloneRequest(ctx context.Context, req *http.Request, body *bodySnapshot) (*http.Request, error) {
	out := req.Clone(ctx)
	if body == nil {
		return out, nil
	}
	rc, err := body.open()
	if err != nil {
		return nil, errors.Wrap(err, "reopen request body")
	}
	out.Body = rc
	out.GetBody = body.open
	return out, nil
}

// Transport returns a RoundTripper that pays for 402 responses transparently, sending
// both attempts through base.
func (o *Orchestrator) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &payingTransport{o: o, base: base}
}

type payingTransport struct {
	o    *Orchestrator
	base http.RoundTripper
}

func (t *payingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.o.drive(req.Context(), req, t.base.RoundTrip)
}

// PaymentResponseFrom decodes the X-PAYMENT-RESPONSE header of a paid response.
func PaymentResponseFrom(resp *http.Response) (x402.PaymentResponse, bool) {
	if resp == nil {
		return x402.PaymentResponse{}, false
	}
	header := resp.Header.Get(x402.HeaderPaymentResponse)
	if header == "" {
		return x402.PaymentResponse{}, false
	}
	pr, err := x402.DecodePaymentResponse(header)
	if err != nil {
		return x402.PaymentResponse{}, false
	}
	return pr, true
}

// issuanceMAC returns the issuance stamp a server attached to option, if any.
func issuanceMAC(option x402.PaymentRequirements) string {
	mac, _ := option.Extra[x402.ExtraIssuedAtMAC].(string)
	return mac
}
