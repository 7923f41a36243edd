package x402

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleProof() PaymentProof {
	return PaymentProof{
		X402Version: 1,
		Scheme:      SchemeExact,
		Network:     "base-sepolia",
		Payload: ProofPayload{
			Signature:     "0xdeadbeef",
			Authorization: json.RawMessage(`{"from":"0x857b06519E91e3A54538791bDbb0E22373e36b66","nonce":"0x01","value":"10000"}`),
			Payer:         "0x857b06519E91e3A54538791bDbb0E22373e36b66",
		},
		RequirementsIssuedAt: 1700000000,
		IssuedAt:             1700000005,
	}
}

func TestProofRoundTrip(t *testing.T) {
	t.Parallel()

	proofs := []PaymentProof{
		sampleProof(),
		{Scheme: SchemeTransfer, Network: "eip155:8453", Payload: ProofPayload{Transaction: "0xabc", Payer: "0x01"}},
		{Scheme: "future-scheme", Network: "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp", Payload: ProofPayload{Signature: "sig"}},
	}
	for _, p := range proofs {
		token, err := EncodeProof(p)
		require.NoError(t, err)

		decoded, err := DecodeProof(token)
		require.NoError(t, err)
		require.Equal(t, p, decoded)
	}
}

func TestProofEncodingIsCompact(t *testing.T) {
	t.Parallel()

	p := sampleProof()
	p.Payload.Authorization = json.RawMessage("{ \"value\": \"10000\",\n  \"nonce\": \"0x01\" }")

	token, err := EncodeProof(p)
	require.NoError(t, err)
	decoded, err := DecodeProof(token)
	require.NoError(t, err)
	require.Equal(t, `{"value":"10000","nonce":"0x01"}`, string(decoded.Payload.Authorization))

	again, err := EncodeProof(decoded)
	require.NoError(t, err)
	require.Equal(t, token, again)
}

func TestDecodeProofFailures(t *testing.T) {
	t.Parallel()

	b64 := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }
	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "whitespace", token: "   "},
		{name: "invalid base64", token: "%%%not-base64%%%"},
		{name: "base64 of non json", token: b64("hello world")},
		{name: "json array", token: b64(`[1,2,3]`)},
		{name: "missing scheme", token: b64(`{"network":"base","payload":{"payer":"0x1"}}`)},
		{name: "missing network", token: b64(`{"scheme":"exact","payload":{"payer":"0x1"}}`)},
		{name: "missing payload", token: b64(`{"scheme":"exact","network":"base"}`)},
		{name: "null payload", token: b64(`{"scheme":"exact","network":"base","payload":null}`)},
		{name: "string payload", token: b64(`{"scheme":"exact","network":"base","payload":"sig"}`)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeProof(tt.token)
			require.Error(t, err)
			require.True(t, IsDecodeError(err), "expected DecodeError, got %T", err)
		})
	}
}

func TestDecodeProofUnknownSchemeIsNotAnError(t *testing.T) {
	t.Parallel()

	token := base64.StdEncoding.EncodeToString([]byte(`{"scheme":"streaming","network":"base","payload":{"payer":"0x1"}}`))
	proof, err := DecodeProof(token)
	require.NoError(t, err)
	require.Equal(t, Scheme("streaming"), proof.Scheme)
	require.Equal(t, "0x1", proof.Payload.Payer)
}

func TestDecodeProofAcceptsUnpaddedBase64(t *testing.T) {
	t.Parallel()

	raw := `{"scheme":"exact","network":"base","payload":{"payer":"0x1"}}`
	proof, err := DecodeProof(base64.RawStdEncoding.EncodeToString([]byte(raw)))
	require.NoError(t, err)
	require.Equal(t, Network("base"), proof.Network)
}

func TestPaymentResponseRoundTrip(t *testing.T) {
	t.Parallel()

	in := PaymentResponse{Success: true, Network: "base", Transaction: "0xfeed", Payer: "0x1"}
	value, err := EncodePaymentResponse(in)
	require.NoError(t, err)

	out, err := DecodePaymentResponse(value)
	require.NoError(t, err)
	require.Equal(t, in, out)

	_, err = DecodePaymentResponse("***")
	require.Error(t, err)
}
