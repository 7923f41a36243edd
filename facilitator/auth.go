package facilitator

import (
	"context"
	"strings"

	cdpjwt "github.com/coinbase/cdp-sdk/go/auth"
	x402http "github.com/coinbase/x402/go/http"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

const (
	CoinbaseFacilitatorBaseURL = "https://api.cdp.coinbase.com"
	CoinbaseFacilitatorRoute   = "/platform/v2/x402"

	// correlationContext identifies this gateway to the Coinbase facilitator. Keys are
	// sorted and values need no escaping.
	correlationContext = "sdk_language=go,sdk_version=1.29.0,source=x402-gate,source_version=0.1.0"
)

// StaticKeyAuth sends a shared API key in X-API-Key on every call.
type StaticKeyAuth struct {
	Key string
}

func (a StaticKeyAuth) GetAuthHeaders(context.Context) (x402http.AuthHeaders, error) {
	h := map[string]string{"X-API-Key": a.Key}
	return x402http.AuthHeaders{Verify: h, Settle: h, Supported: h}, nil
}

// correlated tags every facilitator call with a fresh X-Correlation-ID on top of the
// headers of inner, which may be nil.
type correlated struct {
	inner x402http.AuthProvider
}

func (c correlated) GetAuthHeaders(ctx context.Context) (x402http.AuthHeaders, error) {
	var base x402http.AuthHeaders
	if c.inner != nil {
		var err error
		if base, err = c.inner.GetAuthHeaders(ctx); err != nil {
			return x402http.AuthHeaders{}, errors.Wrap(err, "auth headers")
		}
	}
	id := uuid.NewString()
	return x402http.AuthHeaders{
		Verify:    withHeader(base.Verify, "X-Correlation-ID", id),
		Settle:    withHeader(base.Settle, "X-Correlation-ID", id),
		Supported: withHeader(base.Supported, "X-Correlation-ID", id),
	}, nil
}

// withHeader copies h; providers may share one map across operations.
func withHeader(h map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(h)+1)
	for k, v := range h {
		out[k] = v
	}
	out[key] = value
	return out
}

// CoinbaseAuthProvider signs facilitator requests with CDP API key JWTs.
type CoinbaseAuthProvider struct {
	apiKeyID     string
	apiKeySecret string
	requestHost  string
}

// NewCoinbaseAuthProvider builds a provider for Coinbase facilitator auth.
func NewCoinbaseAuthProvider(apiKeyID, apiKeySecret string) *CoinbaseAuthProvider {
	return &CoinbaseAuthProvider{
		apiKeyID:     apiKeyID,
		apiKeySecret: apiKeySecret,
		requestHost:  strings.TrimPrefix(CoinbaseFacilitatorBaseURL, "https://"),
	}
}

// GetAuthHeaders returns a fresh JWT per operation. Without credentials only the
// correlation header is sent.
func (p *CoinbaseAuthProvider) GetAuthHeaders(ctx context.Context) (x402http.AuthHeaders, error) {
	headers := x402http.AuthHeaders{
		Verify:    map[string]string{"Correlation-Context": correlationContext},
		Settle:    map[string]string{"Correlation-Context": correlationContext},
		Supported: map[string]string{"Correlation-Context": correlationContext},
	}
	if p.apiKeyID == "" || p.apiKeySecret == "" {
		return headers, nil
	}

	verify, err := p.authHeader("POST", CoinbaseFacilitatorRoute+"/verify")
	if err != nil {
		return x402http.AuthHeaders{}, err
	}
	settle, err := p.authHeader("POST", CoinbaseFacilitatorRoute+"/settle")
	if err != nil {
		return x402http.AuthHeaders{}, err
	}
	supported, err := p.authHeader("GET", CoinbaseFacilitatorRoute+"/supported")
	if err != nil {
		return x402http.AuthHeaders{}, err
	}
	headers.Verify["Authorization"] = verify
	headers.Settle["Authorization"] = settle
	headers.Supported["Authorization"] = supported
	return headers, nil
}

func (p *CoinbaseAuthProvider) authHeader(method, path string) (string, error) {
	jwt, err := cdpjwt.GenerateJWT(cdpjwt.JwtOptions{
		KeyID:         p.apiKeyID,
		KeySecret:     p.apiKeySecret,
		RequestMethod: method,
		RequestHost:   p.requestHost,
		RequestPath:   path,
	})
	if err != nil {
		return "", errors.Wrap(err, "generate JWT")
	}
	return "Bearer " + jwt, nil
}

// AuthFromCredentials picks an auth provider: CDP credentials win over a static key,
// neither yields nil.
func AuthFromCredentials(cdpKeyID, cdpKeySecret, apiKey string) x402http.AuthProvider {
	switch {
	case cdpKeyID != "" && cdpKeySecret != "":
		return NewCoinbaseAuthProvider(cdpKeyID, cdpKeySecret)
	case apiKey != "":
		return StaticKeyAuth{Key: apiKey}
	}
	return nil
}

// ResolveURL returns the facilitator URL to use, defaulting to Coinbase's hosted
// facilitator when CDP credentials are present.
func ResolveURL(configured, cdpKeyID, defaultURL string) string {
	if u := strings.TrimSpace(configured); u != "" {
		return u
	}
	if cdpKeyID != "" {
		return CoinbaseFacilitatorBaseURL + CoinbaseFacilitatorRoute
	}
	return defaultURL
}
