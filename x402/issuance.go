package x402

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Extra keys carrying the issuance stamp of a challenge option.
const (
	ExtraIssuedAt    = "issuedAt"
	ExtraIssuedAtMAC = "issuedAtMac"
)

// Issue stamps a challenge with its issuance time. With an issuance key every option also
// carries a MAC over the time and the option's terms, which the proof must echo in
// RequirementsMAC.
func (v *Verifier) Issue(required PaymentRequired, at time.Time) PaymentRequired {
	required.IssuedAt = at.Unix()
	if len(v.key) == 0 {
		return required
	}
	accepts := make([]PaymentRequirements, len(required.Accepts))
	for i, option := range required.Accepts {
		extra := make(map[string]any, len(option.Extra)+2)
		for k, val := range option.Extra {
			extra[k] = val
		}
		extra[ExtraIssuedAt] = required.IssuedAt
		extra[ExtraIssuedAtMAC] = v.issuanceMAC(option, required.IssuedAt)
		option.Extra = extra
		accepts[i] = option
	}
	required.Accepts = accepts
	return required
}

// issuedByUs reports whether the proof echoes a stamp this verifier issued for option.
func (v *Verifier) issuedByUs(p PaymentProof, option PaymentRequirements) bool {
	if p.RequirementsIssuedAt == 0 || p.RequirementsMAC == "" {
		return false
	}
	want := v.issuanceMAC(option, p.RequirementsIssuedAt)
	return hmac.Equal([]byte(want), []byte(p.RequirementsMAC))
}

func (v *Verifier) issuanceMAC(option PaymentRequirements, issuedAt int64) string {
	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(strings.Join([]string{
		strconv.FormatInt(issuedAt, 10),
		string(option.Scheme),
		string(option.Network),
		option.Resource,
		option.MaxAmountRequired,
		option.PayTo,
		option.Asset.Address,
	}, "|")))
	return hex.EncodeToString(mac.Sum(nil))
}
