// Package x402 implements the server side of the x402 pay-per-request protocol:
// requirement issuance, the payment proof codec and the fail-closed verifier.
package x402

import (
	"encoding/json"
)

// Protocol constants shared by the server, the client and the MCP surface.
const (
	X402Version = 1

	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"

	MetaKeyPayment         = "x402/payment"
	MetaKeyPaymentResponse = "x402/payment-response"
	MetaKeyPaymentRequired = "x402/payment-required"

	defaultMaxTimeoutSeconds = 60
	paymentRequiredMessage   = "payment required"
)

// AssetDescriptor identifies the token a payment is denominated in.
type AssetDescriptor struct {
	Address  string `json:"address"`
	Decimals int32  `json:"decimals,omitempty"`
	Symbol   string `json:"symbol,omitempty"`
}

// UnmarshalJSON also accepts the bare address string used by older servers.
func (a *AssetDescriptor) UnmarshalJSON(b []byte) error {
	var addr string
	if err := json.Unmarshal(b, &addr); err == nil {
		*a = AssetDescriptor{Address: addr}
		return nil
	}
	type plain AssetDescriptor
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*a = AssetDescriptor(p)
	return nil
}

// PaymentRequirements is one acceptable way of paying for a resource.
// MaxAmountRequired is a decimal string in the asset's smallest unit.
type PaymentRequirements struct {
	Scheme            Scheme          `json:"scheme"`
	Network           Network         `json:"network"`
	MaxAmountRequired string          `json:"maxAmountRequired"`
	Resource          string          `json:"resource"`
	Description       string          `json:"description"`
	MimeType          string          `json:"mimeType"`
	PayTo             string          `json:"payTo"`
	MaxTimeoutSeconds int             `json:"maxTimeoutSeconds"`
	Asset             AssetDescriptor `json:"asset"`
	Extra             map[string]any  `json:"extra"`
}

// PaymentRequired is the body of a 402 response.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
	// IssuedAt is stamped by the transport when the challenge is handed out (unix seconds).
	IssuedAt int64 `json:"issuedAt,omitempty"`
}

// Match returns the first accepted option with the given scheme and network.
func (p PaymentRequired) Match(scheme Scheme, network Network) (PaymentRequirements, bool) {
	for _, req := range p.Accepts {
		if req.Scheme == scheme && req.Network == network {
			return req, true
		}
	}
	return PaymentRequirements{}, false
}

// ProofPayload is the scheme specific part of a proof. The core treats it as opaque
// apart from the payer address.
type ProofPayload struct {
	Signature     string          `json:"signature,omitempty"`
	Authorization json.RawMessage `json:"authorization,omitempty"`
	Transaction   string          `json:"transaction,omitempty"`
	Payer         string          `json:"payer,omitempty"`
}

// PaymentProof is the envelope carried in the X-PAYMENT header.
type PaymentProof struct {
	X402Version int          `json:"x402Version,omitempty"`
	Scheme      Scheme       `json:"scheme"`
	Network     Network      `json:"network"`
	Payload     ProofPayload `json:"payload"`
	// RequirementsIssuedAt echoes PaymentRequired.IssuedAt of the challenge being answered.
	RequirementsIssuedAt int64 `json:"requirementsIssuedAt,omitempty"`
	// RequirementsMAC echoes extra["issuedAtMac"] of the selected option.
	RequirementsMAC string `json:"requirementsMac,omitempty"`
	IssuedAt        int64  `json:"issuedAt,omitempty"`
}

// VerificationResult is the facilitator's verdict on a proof.
type VerificationResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	Payer  string `json:"payer,omitempty"`
}

// SettlementReceipt reports whether a verified payment cleared on its ledger.
type SettlementReceipt struct {
	Success     bool    `json:"success"`
	Network     Network `json:"network"`
	Transaction string  `json:"transaction,omitempty"`
	Payer       string  `json:"payer,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

// PaymentResponse is the payload of the X-PAYMENT-RESPONSE header. Pending marks a
// payment accepted for background settlement; Success stays false until a ledger
// confirms it.
type PaymentResponse struct {
	Success     bool    `json:"success"`
	Pending     bool    `json:"pending,omitempty"`
	Network     Network `json:"network"`
	Transaction string  `json:"transaction,omitempty"`
	Payer       string  `json:"payer,omitempty"`
}

// SupportedKind is a (scheme, network) pair a facilitator can verify and settle.
type SupportedKind struct {
	X402Version int            `json:"x402Version"`
	Scheme      Scheme         `json:"scheme"`
	Network     Network        `json:"network"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// ResponseFromReceipt converts a settlement receipt into its header form.
func ResponseFromReceipt(r SettlementReceipt) PaymentResponse {
	return PaymentResponse{
		Success:     r.Success,
		Network:     r.Network,
		Transaction: r.Transaction,
		Payer:       r.Payer,
	}
}

func cloneExtra(extra map[string]any) map[string]any {
	if extra == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(extra))
	for k, v := range extra {
		switch vv := v.(type) {
		case map[string]any:
			out[k] = cloneExtra(vv)
		case []any:
			cp := make([]any, len(vv))
			copy(cp, vv)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

func (r PaymentRequirements) clone() PaymentRequirements {
	r.Extra = cloneExtra(r.Extra)
	return r
}

func (p PaymentRequired) clone() PaymentRequired {
	accepts := make([]PaymentRequirements, len(p.Accepts))
	for i, req := range p.Accepts {
		accepts[i] = req.clone()
	}
	p.Accepts = accepts
	return p
}
