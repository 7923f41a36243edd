package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/require"

	"github.com/andrewreder/x402-gate/x402"
)

func TestRemoteSigner(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var intent TransferIntent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&intent))
		if intent.Amount != "10000" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(SignedTransfer{Payer: payer, Signature: "0xremote", Raw: []byte{0xde, 0xad}})
	}))
	defer srv.Close()

	kinds, err := ParseKinds([]string{"exact:base-sepolia", "transfer:eip155:84532"})
	require.NoError(t, err)
	s := NewRemoteSigner(srv.URL, kinds, nil)

	require.True(t, s.Supports(x402.SchemeExact, network))
	require.True(t, s.Supports(x402.SchemeTransfer, "eip155:84532"))
	require.False(t, s.Supports(x402.SchemeExact, "solana-devnet"))

	signed, err := s.Sign(context.Background(), TransferIntent{Scheme: x402.SchemeExact, Network: network, Amount: "10000"})
	require.NoError(t, err)
	require.Equal(t, "0xremote", signed.Signature)
	require.Equal(t, []byte{0xde, 0xad}, signed.Raw)
	require.Equal(t, network, signed.Network)

	_, err = s.Sign(context.Background(), TransferIntent{Scheme: x402.SchemeExact, Network: network, Amount: "99"})
	require.True(t, errors.Is(err, ErrUserRejected))
}

func TestParseKindsInvalid(t *testing.T) {
	t.Parallel()

	_, err := ParseKinds([]string{"exact"})
	require.Error(t, err)
	_, err = ParseKinds([]string{":base"})
	require.Error(t, err)
}

func TestSigners(t *testing.T) {
	t.Parallel()

	evm := &fakeSigner{kinds: []Kind{{x402.SchemeExact, network}}}
	svm := &fakeSigner{kinds: []Kind{{x402.SchemeExact, "solana-devnet"}}}
	s := Signers{evm, svm}

	require.True(t, s.Supports(x402.SchemeExact, "solana-devnet"))
	_, err := s.Sign(context.Background(), TransferIntent{Scheme: x402.SchemeExact, Network: "solana-devnet"})
	require.NoError(t, err)
	require.Zero(t, evm.calls.Load())
	require.Equal(t, int32(1), svm.calls.Load())

	_, err = s.Sign(context.Background(), TransferIntent{Scheme: x402.SchemeTransfer, Network: network})
	require.True(t, errors.Is(err, ErrUnsupportedScheme))
}
