package x402

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// OutcomeKind is the verifier's decision for one request.
type OutcomeKind int

const (
	OutcomePaymentRequired OutcomeKind = iota
	OutcomeAdmit
)

func (k OutcomeKind) String() string {
	if k == OutcomeAdmit {
		return "admit"
	}
	return "payment_required"
}

// Rejection reasons. They are recorded for logs and metrics and never sent to the requester.
const (
	ReasonNoProof          = "no_proof"
	ReasonUndecodable      = "undecodable"
	ReasonSchemeMismatch   = "scheme_mismatch"
	ReasonStale            = "stale"
	ReasonReplayed         = "replayed"
	ReasonFacilitatorError = "facilitator_error"
	ReasonInvalid          = "invalid"
)

// Outcome is the result of Admit. Required is always the requirements the request was
// checked against, unchanged.
type Outcome struct {
	Kind     OutcomeKind
	Required PaymentRequired
	Reason   string

	// Set only when Kind is OutcomeAdmit.
	Payer    string
	Proof    PaymentProof
	Selected PaymentRequirements
}

// Admitted reports whether the request may be served.
func (o Outcome) Admitted() bool {
	return o.Kind == OutcomeAdmit
}

// VerifierConfig tunes a Verifier.
type VerifierConfig struct {
	// VerifyTimeout bounds each facilitator call. Defaults to 10s.
	VerifyTimeout time.Duration
	// ClockSkew is tolerated on top of maxTimeoutSeconds when judging staleness.
	ClockSkew time.Duration
	// ReplayGuard optionally refuses proofs that were already admitted.
	ReplayGuard *ReplayGuard
	Logger      *zap.Logger
	// Now defaults to time.Now.
	Now func() time.Time
	// IssuanceKey binds challenges to this server. When set, a proof must echo a stamp
	// issued by Issue or it is judged stale.
	IssuanceKey []byte
}

// Verifier is the fail-closed admission gate. It holds no per-request state and is safe
// for concurrent use.
type Verifier struct {
	facilitator Facilitator
	timeout     time.Duration
	skew        time.Duration
	replay      *ReplayGuard
	log         *zap.Logger
	now         func() time.Time
	key         []byte
}

// NewVerifier creates a Verifier backed by the given facilitator.
func NewVerifier(f Facilitator, cfg VerifierConfig) *Verifier {
	v := &Verifier{
		facilitator: f,
		timeout:     cfg.VerifyTimeout,
		skew:        cfg.ClockSkew,
		replay:      cfg.ReplayGuard,
		log:         cfg.Logger,
		now:         cfg.Now,
		key:         cfg.IssuanceKey,
	}
	if v.timeout <= 0 {
		v.timeout = 10 * time.Second
	}
	if v.log == nil {
		v.log = zap.NewNop()
	}
	if v.now == nil {
		v.now = time.Now
	}
	return v
}

// Admit decides whether a request carrying token (the raw X-PAYMENT value, possibly
// empty) may be served under required.
func (v *Verifier) Admit(ctx context.Context, token string, required PaymentRequired) Outcome {
	if token == "" {
		return v.reject(required, ReasonNoProof, nil)
	}
	proof, err := DecodeProof(token)
	if err != nil {
		return v.reject(required, ReasonUndecodable, err)
	}
	return v.AdmitProof(ctx, proof, required)
}

// AdmitProof runs the checks that follow decoding.
func (v *Verifier) AdmitProof(ctx context.Context, proof PaymentProof, required PaymentRequired) Outcome {
	selected, ok := required.Match(proof.Scheme, proof.Network)
	if !ok {
		return v.reject(required, ReasonSchemeMismatch, nil)
	}
	if v.stale(proof, selected) {
		return v.reject(required, ReasonStale, nil)
	}
	if v.replay != nil && !v.replay.Claim(proof) {
		return v.reject(required, ReasonReplayed, nil)
	}

	vctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	result, err := v.facilitator.Verify(vctx, proof, selected)
	if err != nil || !result.Valid {
		if v.replay != nil {
			v.replay.Release(proof)
		}
		if err != nil {
			return v.reject(required, ReasonFacilitatorError, err)
		}
		v.log.Debug("facilitator rejected proof", zap.String("reason", result.Reason))
		return v.reject(required, ReasonInvalid, nil)
	}

	payer := result.Payer
	if payer == "" {
		payer = proof.Payload.Payer
	}
	admitOutcomes.WithLabelValues(OutcomeAdmit.String(), "").Inc()
	return Outcome{
		Kind:     OutcomeAdmit,
		Required: required,
		Payer:    payer,
		Proof:    proof,
		Selected: selected,
	}
}

// stale applies the maxTimeoutSeconds window measured from issuance of the requirements.
// With an issuance key the issuance time must carry our MAC. Without one, proofs lacking
// timestamps cannot be judged here and the authorization window checked by the
// facilitator applies to them.
func (v *Verifier) stale(p PaymentProof, req PaymentRequirements) bool {
	if len(v.key) > 0 && !v.issuedByUs(p, req) {
		return true
	}
	if p.RequirementsIssuedAt == 0 {
		return false
	}
	window := time.Duration(req.MaxTimeoutSeconds)*time.Second + v.skew
	issued := time.Unix(p.RequirementsIssuedAt, 0)
	if v.now().Sub(issued) > window {
		return true
	}
	if p.IssuedAt != 0 && time.Unix(p.IssuedAt, 0).Sub(issued) > window {
		return true
	}
	return false
}

func (v *Verifier) reject(required PaymentRequired, reason string, err error) Outcome {
	admitOutcomes.WithLabelValues(OutcomePaymentRequired.String(), reason).Inc()
	switch {
	case reason == ReasonFacilitatorError:
		v.log.Warn("payment verification failed", zap.String("reason", reason), zap.Error(err))
	case err != nil:
		v.log.Debug("payment rejected", zap.String("reason", reason), zap.Error(err))
	default:
		v.log.Debug("payment rejected", zap.String("reason", reason))
	}
	return Outcome{Kind: OutcomePaymentRequired, Required: required, Reason: reason}
}

// Forgo gives up an admitted outcome that will not be settled, so the proof can be
// presented again.
func (v *Verifier) Forgo(o Outcome) {
	if v.replay != nil && o.Admitted() {
		v.replay.Release(o.Proof)
	}
}
