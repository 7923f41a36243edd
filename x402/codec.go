package x402

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/go-faster/errors"
)

// wireProof mirrors PaymentProof with a raw payload so missing fields can be told apart
// from zero values.
type wireProof struct {
	X402Version          int             `json:"x402Version"`
	Scheme               Scheme          `json:"scheme"`
	Network              Network         `json:"network"`
	Payload              json.RawMessage `json:"payload"`
	RequirementsIssuedAt int64           `json:"requirementsIssuedAt"`
	RequirementsMAC      string          `json:"requirementsMac"`
	IssuedAt             int64           `json:"issuedAt"`
}

// EncodeProof renders a proof as base64 encoded canonical JSON. The canonical form is
// compact: whitespace inside Payload.Authorization is dropped, so a proof decodes to its
// compacted self and re-encodes to the same token.
func EncodeProof(p PaymentProof) (string, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return "", errors.Wrap(err, "marshal payment proof")
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}

// DecodeProof parses an X-PAYMENT header value. Every failure is a *DecodeError.
// Unknown schemes are not rejected here.
func DecodeProof(token string) (PaymentProof, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return PaymentProof{}, &DecodeError{Reason: "empty token"}
	}
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(token)
		if err != nil {
			return PaymentProof{}, &DecodeError{Reason: "invalid base64", Err: err}
		}
	}
	return DecodeProofJSON(raw)
}

// DecodeProofJSON parses the JSON form of a proof, as carried in MCP request metadata.
func DecodeProofJSON(raw []byte) (PaymentProof, error) {
	var w wireProof
	if err := json.Unmarshal(raw, &w); err != nil {
		return PaymentProof{}, &DecodeError{Reason: "invalid json", Err: err}
	}
	if w.Scheme == "" {
		return PaymentProof{}, &DecodeError{Reason: "missing scheme"}
	}
	if w.Network == "" {
		return PaymentProof{}, &DecodeError{Reason: "missing network"}
	}
	trimmed := bytes.TrimSpace(w.Payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return PaymentProof{}, &DecodeError{Reason: "missing payload"}
	}
	if trimmed[0] != '{' {
		return PaymentProof{}, &DecodeError{Reason: "payload is not an object"}
	}
	var payload ProofPayload
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return PaymentProof{}, &DecodeError{Reason: "invalid payload", Err: err}
	}
	return PaymentProof{
		X402Version:          w.X402Version,
		Scheme:               w.Scheme,
		Network:              w.Network,
		Payload:              payload,
		RequirementsIssuedAt: w.RequirementsIssuedAt,
		RequirementsMAC:      w.RequirementsMAC,
		IssuedAt:             w.IssuedAt,
	}, nil
}

// EncodePaymentResponse renders the X-PAYMENT-RESPONSE header value.
func EncodePaymentResponse(r PaymentResponse) (string, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return "", errors.Wrap(err, "marshal payment response")
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}

// DecodePaymentResponse parses an X-PAYMENT-RESPONSE header value.
func DecodePaymentResponse(value string) (PaymentResponse, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimSpace(value))
		if err != nil {
			return PaymentResponse{}, errors.Wrap(err, "decode payment response")
		}
	}
	var resp PaymentResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return PaymentResponse{}, errors.Wrap(err, "unmarshal payment response")
	}
	return resp, nil
}
