package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "github.com/NexusSwitchboard/nexus-core/pkg/logx"
)

const testSecret = "test-secret"

func hsToken(t *testing.T, scope string, exp time.Time, aud string) string {
	t.Helper()
	claims := &Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "https://issuer.test/",
		},
	}
	if aud != "" {
		claims.Audience = jwt.ClaimStrings{aud}
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := ClaimsFrom(r.Context())
		if ok {
			w.Header().Set("X-Scope", c.Scope)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func do(h http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New(Config{}, logx.Nop())
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = New(Config{Mode: "kerberos"}, logx.Nop())
	assert.Error(t, err)

	g, err := New(Config{Mode: ModeNone}, logx.Nop())
	require.NoError(t, err)
	assert.True(t, g.Disabled())
}

func TestMiddlewareHS256(t *testing.T) {
	g, err := New(Config{Secret: testSecret, Audience: "https://nexus.test", Issuer: "https://issuer.test/"}, logx.Nop())
	require.NoError(t, err)
	h := g.Middleware(okHandler())

	assert.Equal(t, http.StatusUnauthorized, do(h, "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, "garbage").Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, hsToken(t, "", time.Now().Add(-time.Hour), "https://nexus.test")).Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, hsToken(t, "", time.Now().Add(time.Hour), "https://other")).Code)

	rec := do(h, hsToken(t, "read admin", time.Now().Add(time.Hour), "https://nexus.test"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "read admin", rec.Header().Get("X-Scope"))
}

func TestRequireScope(t *testing.T) {
	g, err := New(Config{Secret: testSecret}, logx.Nop())
	require.NoError(t, err)
	h := g.RequireScope("admin")(okHandler())

	assert.Equal(t, http.StatusUnauthorized, do(h, "").Code)
	assert.Equal(t, http.StatusForbidden, do(h, hsToken(t, "read", time.Now().Add(time.Hour), "")).Code)
	assert.Equal(t, http.StatusOK, do(h, hsToken(t, "read admin", time.Now().Add(time.Hour), "")).Code)
}

func TestMiddlewareRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	g, err := New(Config{PublicKey: string(pubPEM)}, logx.Nop())
	require.NoError(t, err)

	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)

	h := g.Middleware(okHandler())
	assert.Equal(t, http.StatusOK, do(h, tok).Code)
	// HS256 tokens are not accepted when only an RSA key is configured.
	assert.Equal(t, http.StatusUnauthorized, do(h, hsToken(t, "", time.Now().Add(time.Hour), "")).Code)
}

func TestDisabledGatePassesThrough(t *testing.T) {
	g, err := New(Config{Mode: ModeNone}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, do(g.RequireScope("admin")(okHandler()), "").Code)
}
