package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/andrewreder/x402-gate/x402"
)

const ctxKeyPayer = "x402.payer"

// Payments holds what RequirePayment needs to gate routes.
type Payments struct {
	Policy   *x402.Policy
	Verifier *x402.Verifier
	Settler  *x402.Settler
	// BaseURL prefixes request paths to form the advertised resource URL.
	BaseURL string
	Logger  *zap.Logger
	// Now stamps issued challenges. Defaults to time.Now.
	Now func() time.Time
}

// RequirePayment gates every route the policy prices. Unpriced routes pass through.
// Rejections of any kind produce the same 402 body: the requirements the client must
// satisfy. The handler runs before settlement and its response is held back; a handler
// failure (status 400 or above) is sent as is and nothing is charged.
func RequirePayment(p Payments) gin.HandlerFunc {
	log := p.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}
	baseURL := strings.TrimRight(p.BaseURL, "/")

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		required, priced := p.Policy.Compute(x402.ResourceDescriptor{
			Method: c.Request.Method,
			Path:   path,
			URL:    baseURL + path,
		})
		if !priced {
			c.Next()
			return
		}
		required = p.Verifier.Issue(required, now())

		outcome := p.Verifier.Admit(c.Request.Context(), c.GetHeader(x402.HeaderPayment), required)
		if !outcome.Admitted() {
			abortPaymentRequired(c, outcome.Required)
			return
		}

		c.Set(ctxKeyPayer, outcome.Payer)
		capture := newResponseCapture(c.Writer)
		c.Writer = capture
		c.Next()
		c.Writer = capture.ResponseWriter

		if capture.Status() >= http.StatusBadRequest {
			p.Verifier.Forgo(outcome)
			log.Debug("Paid handler failed, not settling",
				zap.String("path", path),
				zap.Int("status", capture.Status()))
			capture.flush()
			return
		}

		resp, err := p.Settler.Settle(c.Request.Context(), outcome)
		if err != nil {
			log.Warn("Settlement failed, withholding response",
				zap.String("path", path),
				zap.String("payer", outcome.Payer),
				zap.Error(err))
			c.JSON(http.StatusPaymentRequired, required)
			return
		}
		header, err := x402.EncodePaymentResponse(resp)
		if err != nil {
			log.Error("Encode payment response", zap.Error(err))
			c.JSON(http.StatusPaymentRequired, required)
			return
		}
		c.Header(x402.HeaderPaymentResponse, header)
		capture.flush()
	}
}

func abortPaymentRequired(c *gin.Context, required x402.PaymentRequired) {
	c.AbortWithStatusJSON(http.StatusPaymentRequired, required)
}

// PayerFrom returns the payer admitted for the current request.
func PayerFrom(c *gin.Context) (string, bool) {
	payer := c.GetString(ctxKeyPayer)
	return payer, payer != ""
}
