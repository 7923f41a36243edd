package x402

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// SettlementMode decides whether settlement completes before the paid response is served.
type SettlementMode string

const (
	// SettleInline settles before the resource is served; a failed settlement turns the
	// request back into a 402.
	SettleInline SettlementMode = "inline"
	// SettleAsync serves the resource right after verification and settles in the
	// background. Failures are logged.
	SettleAsync SettlementMode = "async"
)

// ParseSettlementMode parses "inline" or "async".
func ParseSettlementMode(s string) (SettlementMode, error) {
	switch SettlementMode(s) {
	case SettleInline, SettleAsync:
		return SettlementMode(s), nil
	}
	return "", errors.Errorf("unknown settlement mode %q", s)
}

// Settler applies the configured settlement mode to admitted requests.
type Settler struct {
	facilitator Facilitator
	mode        SettlementMode
	timeout     time.Duration
	log         *zap.Logger
	wg          conc.WaitGroup
}

// NewSettler creates a Settler. A zero timeout means 30s.
func NewSettler(f Facilitator, mode SettlementMode, timeout time.Duration, log *zap.Logger) *Settler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	if mode == "" {
		mode = SettleInline
	}
	return &Settler{facilitator: f, mode: mode, timeout: timeout, log: log}
}

// Mode returns the configured settlement mode.
func (s *Settler) Mode() SettlementMode {
	return s.mode
}

// Settle settles an admitted outcome according to the mode. Inline mode returns the
// receipt or an error; async mode returns immediately with a pending response that
// carries no transaction and does not claim success.
func (s *Settler) Settle(ctx context.Context, o Outcome) (PaymentResponse, error) {
	if !o.Admitted() {
		return PaymentResponse{}, errors.New("settle: outcome not admitted")
	}
	if s.mode == SettleAsync {
		s.settleAsync(ctx, o)
		return PaymentResponse{Pending: true, Network: o.Selected.Network, Payer: o.Payer}, nil
	}

	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	receipt, err := s.facilitator.Settle(sctx, o.Proof, o.Selected)
	if err != nil {
		settlements.WithLabelValues(string(s.mode), "error").Inc()
		return PaymentResponse{}, errors.Wrap(err, "settle")
	}
	if !receipt.Success {
		settlements.WithLabelValues(string(s.mode), "failed").Inc()
		return PaymentResponse{}, errors.Errorf("settlement failed: %s", receipt.Reason)
	}
	settlements.WithLabelValues(string(s.mode), "ok").Inc()
	if receipt.Payer == "" {
		receipt.Payer = o.Payer
	}
	if receipt.Network == "" {
		receipt.Network = o.Selected.Network
	}
	return ResponseFromReceipt(receipt), nil
}

func (s *Settler) settleAsync(ctx context.Context, o Outcome) {
	// the request context ends with the response, settlement must outlive it
	base := context.WithoutCancel(ctx)
	s.wg.Go(func() {
		sctx, cancel := context.WithTimeout(base, s.timeout)
		defer cancel()
		receipt, err := s.facilitator.Settle(sctx, o.Proof, o.Selected)
		switch {
		case err != nil:
			settlements.WithLabelValues(string(s.mode), "error").Inc()
			s.log.Error("async settlement failed",
				zap.String("payer", o.Payer),
				zap.String("network", string(o.Selected.Network)),
				zap.Error(err))
		case !receipt.Success:
			settlements.WithLabelValues(string(s.mode), "failed").Inc()
			s.log.Error("async settlement rejected",
				zap.String("payer", o.Payer),
				zap.String("reason", receipt.Reason))
		default:
			settlements.WithLabelValues(string(s.mode), "ok").Inc()
			s.log.Info("payment settled",
				zap.String("payer", o.Payer),
				zap.String("network", string(receipt.Network)),
				zap.String("transaction", receipt.Transaction))
		}
	})
}

// Wait blocks until background settlements have finished.
func (s *Settler) Wait() {
	s.wg.Wait()
}
