package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"
	"github.com/stretchr/testify/require"

	"github.com/andrewreder/x402-gate/client"
	"github.com/andrewreder/x402-gate/x402"
)

const (
	testPayTo = "0x8D170Db9aB247E7013d024566093E13dc7b0f181"
	testUSDC  = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testPayer = "0x857b06519E91e3A54538791bDbb0E22373e36b66"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeFacilitator struct {
	verifyErr  error
	valid      bool
	settleOK   bool
	verifyHits atomic.Int32
	settleHits atomic.Int32
}

func (f *fakeFacilitator) Verify(_ context.Context, p x402.PaymentProof, _ x402.PaymentRequirements) (x402.VerificationResult, error) {
	f.verifyHits.Add(1)
	if f.verifyErr != nil {
		return x402.VerificationResult{Valid: false}, f.verifyErr
	}
	if !f.valid {
		return x402.VerificationResult{Valid: false, Reason: "invalid_exact_evm_payload_signature"}, nil
	}
	return x402.VerificationResult{Valid: true, Payer: p.Payload.Payer}, nil
}

func (f *fakeFacilitator) Settle(_ context.Context, p x402.PaymentProof, r x402.PaymentRequirements) (x402.SettlementReceipt, error) {
	f.settleHits.Add(1)
	if !f.settleOK {
		return x402.SettlementReceipt{Success: false, Reason: "insufficient_funds"}, nil
	}
	return x402.SettlementReceipt{Success: true, Network: r.Network, Transaction: "0xsettled", Payer: p.Payload.Payer}, nil
}

func (f *fakeFacilitator) Supported(context.Context) ([]x402.SupportedKind, error) {
	return []x402.SupportedKind{{X402Version: 1, Scheme: x402.SchemeExact, Network: "base-sepolia"}}, nil
}

type testSigner struct {
	calls atomic.Int32
}

func (s *testSigner) Supports(scheme x402.Scheme, network x402.Network) bool {
	return scheme == x402.SchemeExact && network == "base-sepolia"
}

func (s *testSigner) Sign(_ context.Context, intent client.TransferIntent) (client.SignedTransfer, error) {
	s.calls.Add(1)
	return client.SignedTransfer{
		Scheme:    intent.Scheme,
		Network:   intent.Network,
		Payer:     testPayer,
		Signature: "0xsigned",
	}, nil
}

func testRules() []x402.PriceRule {
	option := x402.PaymentOption{
		Scheme:  x402.SchemeExact,
		Network: "base-sepolia",
		Amount:  "10000",
		PayTo:   testPayTo,
		Asset:   x402.AssetDescriptor{Address: testUSDC, Decimals: 6, Symbol: "USDC"},
		Extra:   map[string]any{"name": "USDC", "version": "2"},
	}
	return []x402.PriceRule{
		{Resource: "GET /weather", Description: "Get synthetic weather data for a city", MimeType: "application/json", Accepts: []x402.PaymentOption{option}},
		{Resource: "POST /restaurants", Description: "Restaurant recommendations", MimeType: "application/json", Accepts: []x402.PaymentOption{option}},
		{Resource: "CALL /tools/get_weather", Description: "Weather tool", Accepts: []x402.PaymentOption{option}},
	}
}

func newTestRouter(t *testing.T, f *fakeFacilitator, mode x402.SettlementMode) (*gin.Engine, *x402.Settler) {
	t.Helper()
	return newRouterWithVerifier(t, f, mode, x402.VerifierConfig{VerifyTimeout: time.Second})
}

func newRouterWithVerifier(t *testing.T, f *fakeFacilitator, mode x402.SettlementMode, cfg x402.VerifierConfig) (*gin.Engine, *x402.Settler) {
	t.Helper()
	policy, err := x402.NewPolicy(testRules(), nil)
	require.NoError(t, err)
	settler := x402.NewSettler(f, mode, time.Second, nil)
	r := NewRouter(Deps{Payments: Payments{
		Policy:   policy,
		Verifier: x402.NewVerifier(f, cfg),
		Settler:  settler,
		BaseURL:  "http://api.test",
	}})
	return r, settler
}

func proofHeader(t *testing.T, issuedAt int64) string {
	t.Helper()
	token, err := x402.EncodeProof(x402.PaymentProof{
		X402Version:          1,
		Scheme:               x402.SchemeExact,
		Network:              "base-sepolia",
		Payload:              x402.ProofPayload{Signature: "0xsigned", Payer: testPayer},
		RequirementsIssuedAt: issuedAt,
		IssuedAt:             issuedAt,
	})
	require.NoError(t, err)
	return token
}

func decodeRequired(t *testing.T, body []byte) x402.PaymentRequired {
	t.Helper()
	var required x402.PaymentRequired
	require.NoError(t, json.Unmarshal(body, &required))
	return required
}

func TestRequirePaymentWithoutProof(t *testing.T) {
	t.Parallel()

	f := &fakeFacilitator{valid: true, settleOK: true}
	r, _ := newTestRouter(t, f, x402.SettleInline)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/weather?city=Lisbon", nil))

	require.Equal(t, http.StatusPaymentRequired, w.Code)
	required := decodeRequired(t, w.Body.Bytes())
	require.Equal(t, 1, required.X402Version)
	require.NotZero(t, required.IssuedAt)
	require.Len(t, required.Accepts, 1)
	require.Equal(t, "http://api.test/weather", required.Accepts[0].Resource)
	require.Equal(t, "10000", required.Accepts[0].MaxAmountRequired)
	require.Zero(t, f.verifyHits.Load())
}

func TestRequirePaymentFreeRoutePassesThrough(t *testing.T) {
	t.Parallel()

	f := &fakeFacilitator{}
	r, _ := newTestRouter(t, f, x402.SettleInline)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/discovery/resources", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Zero(t, f.verifyHits.Load())
}

func TestRequirePaymentRejectionsKeepRequirements(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		f     *fakeFacilitator
		proof func(t *testing.T) string
	}{
		"undecodable": {
			f:     &fakeFacilitator{valid: true, settleOK: true},
			proof: func(*testing.T) string { return "not-base64!!" },
		},
		"invalid signature": {
			f:     &fakeFacilitator{valid: false},
			proof: func(t *testing.T) string { return proofHeader(t, time.Now().Unix()) },
		},
		"facilitator down": {
			f:     &fakeFacilitator{verifyErr: errors.Wrap(x402.ErrFacilitatorUnavailable, "dial")},
			proof: func(t *testing.T) string { return proofHeader(t, time.Now().Unix()) },
		},
		"stale": {
			f:     &fakeFacilitator{valid: true, settleOK: true},
			proof: func(t *testing.T) string { return proofHeader(t, time.Now().Add(-time.Hour).Unix()) },
		},
		"settlement failed": {
			f:     &fakeFacilitator{valid: true, settleOK: false},
			proof: func(t *testing.T) string { return proofHeader(t, time.Now().Unix()) },
		},
	}
	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			r, _ := newTestRouter(t, tc.f, x402.SettleInline)

			req := httptest.NewRequest(http.MethodGet, "/weather?city=Lisbon", nil)
			req.Header.Set(x402.HeaderPayment, tc.proof(t))
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			require.Equal(t, http.StatusPaymentRequired, w.Code)
			require.Empty(t, w.Header().Get(x402.HeaderPaymentResponse))
			required := decodeRequired(t, w.Body.Bytes())
			require.Len(t, required.Accepts, 1)
			require.Equal(t, "10000", required.Accepts[0].MaxAmountRequired)
		})
	}
}

func TestRequirePaymentAdmits(t *testing.T) {
	t.Parallel()

	f := &fakeFacilitator{valid: true, settleOK: true}
	r, _ := newTestRouter(t, f, x402.SettleInline)

	req := httptest.NewRequest(http.MethodGet, "/weather?city=Lisbon", nil)
	req.Header.Set(x402.HeaderPayment, proofHeader(t, time.Now().Unix()))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var weather WeatherResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &weather))
	require.Equal(t, "Lisbon", weather.City)
	require.Equal(t, testPayer, weather.PaidBy)

	pr, err := x402.DecodePaymentResponse(w.Header().Get(x402.HeaderPaymentResponse))
	require.NoError(t, err)
	require.True(t, pr.Success)
	require.Equal(t, "0xsettled", pr.Transaction)
	require.Equal(t, int32(1), f.settleHits.Load())
}

func TestRequirePaymentAsyncSettlement(t *testing.T) {
	t.Parallel()

	f := &fakeFacilitator{valid: true, settleOK: true}
	r, settler := newTestRouter(t, f, x402.SettleAsync)

	req := httptest.NewRequest(http.MethodGet, "/weather?city=Lisbon", nil)
	req.Header.Set(x402.HeaderPayment, proofHeader(t, time.Now().Unix()))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	pr, err := x402.DecodePaymentResponse(w.Header().Get(x402.HeaderPaymentResponse))
	require.NoError(t, err)
	require.False(t, pr.Success)
	require.True(t, pr.Pending)
	require.Empty(t, pr.Transaction)

	settler.Wait()
	require.Equal(t, int32(1), f.settleHits.Load())
}

func TestRequirePaymentHandlerFailureIsNotCharged(t *testing.T) {
	t.Parallel()

	for _, mode := range []x402.SettlementMode{x402.SettleInline, x402.SettleAsync} {
		f := &fakeFacilitator{valid: true, settleOK: true}
		r, settler := newTestRouter(t, f, mode)

		req := httptest.NewRequest(http.MethodGet, "/weather", nil)
		req.Header.Set(x402.HeaderPayment, proofHeader(t, time.Now().Unix()))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		settler.Wait()

		require.Equal(t, http.StatusBadRequest, w.Code, mode)
		require.Contains(t, w.Body.String(), "city")
		require.Empty(t, w.Header().Get(x402.HeaderPaymentResponse))
		require.Equal(t, int32(1), f.verifyHits.Load())
		require.Zero(t, f.settleHits.Load())
	}
}

func TestRequirePaymentSettlementFailureWithholdsResponse(t *testing.T) {
	t.Parallel()

	f := &fakeFacilitator{valid: true, settleOK: false}
	r, _ := newTestRouter(t, f, x402.SettleInline)

	req := httptest.NewRequest(http.MethodGet, "/weather?city=Lisbon", nil)
	req.Header.Set(x402.HeaderPayment, proofHeader(t, time.Now().Unix()))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusPaymentRequired, w.Code)
	require.NotContains(t, w.Body.String(), "Lisbon")
	require.Equal(t, int32(1), f.settleHits.Load())
}

func TestRequirePaymentIssuanceBinding(t *testing.T) {
	t.Parallel()

	cfg := x402.VerifierConfig{VerifyTimeout: time.Second, IssuanceKey: []byte("issuance-secret")}

	challenge := func(t *testing.T, r *gin.Engine) x402.PaymentRequired {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/weather?city=Lisbon", nil))
		require.Equal(t, http.StatusPaymentRequired, w.Code)
		return decodeRequired(t, w.Body.Bytes())
	}
	pay := func(t *testing.T, r *gin.Engine, proof x402.PaymentProof) int {
		token, err := x402.EncodeProof(proof)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/weather?city=Lisbon", nil)
		req.Header.Set(x402.HeaderPayment, token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}
	base := func() x402.PaymentProof {
		return x402.PaymentProof{
			X402Version: 1,
			Scheme:      x402.SchemeExact,
			Network:     "base-sepolia",
			Payload:     x402.ProofPayload{Signature: "0xsigned", Payer: testPayer},
		}
	}

	t.Run("echoed stamp", func(t *testing.T) {
		t.Parallel()
		r, _ := newRouterWithVerifier(t, &fakeFacilitator{valid: true, settleOK: true}, x402.SettleInline, cfg)
		required := challenge(t, r)
		mac, ok := required.Accepts[0].Extra[x402.ExtraIssuedAtMAC].(string)
		require.True(t, ok)

		proof := base()
		proof.RequirementsIssuedAt = required.IssuedAt
		proof.RequirementsMAC = mac
		require.Equal(t, http.StatusOK, pay(t, r, proof))
	})
	t.Run("omitted stamp", func(t *testing.T) {
		t.Parallel()
		f := &fakeFacilitator{valid: true, settleOK: true}
		r, _ := newRouterWithVerifier(t, f, x402.SettleInline, cfg)
		require.Equal(t, http.StatusPaymentRequired, pay(t, r, base()))
		require.Zero(t, f.verifyHits.Load())
	})
	t.Run("restamped time", func(t *testing.T) {
		t.Parallel()
		f := &fakeFacilitator{valid: true, settleOK: true}
		r, _ := newRouterWithVerifier(t, f, x402.SettleInline, cfg)
		required := challenge(t, r)
		mac := required.Accepts[0].Extra[x402.ExtraIssuedAtMAC].(string)

		proof := base()
		proof.RequirementsIssuedAt = required.IssuedAt + 3600
		proof.RequirementsMAC = mac
		require.Equal(t, http.StatusPaymentRequired, pay(t, r, proof))
		require.Zero(t, f.verifyHits.Load())
	})
	t.Run("forged mac", func(t *testing.T) {
		t.Parallel()
		f := &fakeFacilitator{valid: true, settleOK: true}
		r, _ := newRouterWithVerifier(t, f, x402.SettleInline, cfg)
		proof := base()
		proof.RequirementsIssuedAt = time.Now().Unix()
		proof.RequirementsMAC = "00ff"
		require.Equal(t, http.StatusPaymentRequired, pay(t, r, proof))
		require.Zero(t, f.verifyHits.Load())
	})
	t.Run("client echoes stamp", func(t *testing.T) {
		t.Parallel()
		f := &fakeFacilitator{valid: true, settleOK: true}
		r, _ := newRouterWithVerifier(t, f, x402.SettleInline, cfg)
		srv := httptest.NewServer(r)
		defer srv.Close()

		resp, err := client.New(&testSigner{}).Get(context.Background(), srv.URL+"/weather?city=Porto")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestPaidRequestEndToEnd(t *testing.T) {
	t.Parallel()

	f := &fakeFacilitator{valid: true, settleOK: true}
	r, _ := newTestRouter(t, f, x402.SettleInline)
	srv := httptest.NewServer(r)
	defer srv.Close()

	signer := &testSigner{}
	o := client.New(signer)

	resp, err := o.Get(context.Background(), srv.URL+"/weather?city=Porto")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	pr, ok := client.PaymentResponseFrom(resp)
	require.True(t, ok)
	require.Equal(t, "0xsettled", pr.Transaction)
	require.Equal(t, int32(1), signer.calls.Load())
	require.Equal(t, int32(1), f.verifyHits.Load())

	body, err := json.Marshal(RestaurantRequest{City: "Porto", Food: "fish"})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/restaurants", io.NopCloser(bytes.NewReader(body)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp2, err := o.Drive(context.Background(), req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	var rr RestaurantResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&rr))
	require.Equal(t, "fish", rr.Food)
}

func TestPaidRequestRejectedEndToEnd(t *testing.T) {
	t.Parallel()

	f := &fakeFacilitator{valid: false}
	r, _ := newTestRouter(t, f, x402.SettleInline)
	srv := httptest.NewServer(r)
	defer srv.Close()

	_, err := client.New(&testSigner{}).Get(context.Background(), srv.URL+"/weather?city=Porto")
	var rejected *client.PaymentRejectedAfterRetryError
	require.True(t, errors.As(err, &rejected))
	require.NotNil(t, rejected.Required)
	require.Len(t, rejected.Required.Accepts, 1)
}

func TestDiscoveryX402(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, &fakeFacilitator{}, x402.SettleInline)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/discovery/x402", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var out struct {
		Entries []X402EndpointEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out.Entries, 2)
	require.Equal(t, "http://api.test/weather", out.Entries[0].Resource)
	require.Equal(t, "http", out.Entries[0].Type)
	require.Equal(t, x402.Network("base-sepolia"), out.Entries[0].Accepts[0].Network)
}

func TestDiscoveryResources(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, &fakeFacilitator{}, x402.SettleInline)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/discovery/resources", nil))

	var out struct {
		Resources []Resource `json:"resources"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out.Resources, 2)
	require.Equal(t, "get-weather", out.Resources[0].ID)
	require.Equal(t, "0.01 USDC", out.Resources[0].Price)
}
