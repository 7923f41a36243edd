package mcp

import (
	"encoding/json"
	"net/http"

	x402types "github.com/coinbase/x402/go/types"
	"github.com/go-faster/errors"

	"github.com/andrewreder/x402-gate/x402"
)

// proofFromMeta decodes the value found under _meta["x402/payment"].
func proofFromMeta(payment any) (x402.PaymentProof, error) {
	if _, ok := payment.(map[string]any); !ok {
		return x402.PaymentProof{}, errors.New("x402/payment metadata must be an object")
	}
	raw, err := json.Marshal(payment)
	if err != nil {
		return x402.PaymentProof{}, errors.Wrap(err, "marshal x402/payment")
	}
	if version, err := x402types.DetectVersion(raw); err == nil && version != x402.X402Version {
		return x402.PaymentProof{}, errors.Errorf("unsupported x402 version %d", version)
	}
	return x402.DecodeProofJSON(raw)
}

// paymentHeader re-encodes a meta payment as an X-PAYMENT header value.
func paymentHeader(payment any) (string, error) {
	proof, err := proofFromMeta(payment)
	if err != nil {
		return "", err
	}
	return x402.EncodeProof(proof)
}

func decodePaymentRequired(resp *http.Response, body []byte) *x402.PaymentRequired {
	if resp == nil || resp.StatusCode != http.StatusPaymentRequired || len(body) == 0 {
		return nil
	}
	if version, err := x402types.DetectVersion(body); err != nil || version != x402.X402Version {
		return nil
	}
	var required x402.PaymentRequired
	if err := json.Unmarshal(body, &required); err != nil || len(required.Accepts) == 0 {
		return nil
	}
	return &required
}

func decodePaymentResponse(resp *http.Response) *x402.PaymentResponse {
	if resp == nil {
		return nil
	}
	header := resp.Header.Get(x402.HeaderPaymentResponse)
	if header == "" {
		return nil
	}
	pr, err := x402.DecodePaymentResponse(header)
	if err != nil {
		return nil
	}
	return &pr
}
