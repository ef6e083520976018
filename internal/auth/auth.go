// Package auth provides the bearer-token gate placed in front of protected
// routes and the control API.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	logx "github.com/NexusSwitchboard/nexus-core/pkg/logx"
)

const (
	ModeJWT  = "jwt"
	ModeNone = "none"
)

// Config selects how bearer tokens are verified. HS256 tokens are checked
// against Secret (or the variable named by SecretEnv); RS256 tokens against
// the PEM public key in PublicKey or PublicKeyFile.
type Config struct {
	Mode          string   `json:"mode,omitempty"`
	Secret        string   `json:"secret,omitempty"`
	SecretEnv     string   `json:"secret_env,omitempty"`
	PublicKey     string   `json:"public_key,omitempty"`
	PublicKeyFile string   `json:"public_key_file,omitempty"`
	Audience      string   `json:"audience,omitempty"`
	Issuer        string   `json:"issuer,omitempty"`
	Algorithms    []string `json:"algorithms,omitempty"`
	Leeway        string   `json:"leeway,omitempty"`
}

// Claims are the token claims the gate understands.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether the space-delimited scope claim contains s.
func (c *Claims) HasScope(s string) bool {
	if c == nil {
		return false
	}
	for _, sc := range strings.Fields(c.Scope) {
		if sc == s {
			return true
		}
	}
	return false
}

type ctxKey struct{}

// ClaimsFrom returns the verified claims stored by the gate.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Claims)
	return c, ok && c != nil
}

var ErrNoKey = errors.New("auth: jwt mode requires a secret or a public key")

// Gate verifies bearer tokens on protected routes.
type Gate struct {
	mode    string
	hmacKey []byte
	rsaKey  *rsa.PublicKey
	opts    []jwt.ParserOption
	log     logx.Logger
}

// New builds a gate from cfg.
func New(cfg Config, log logx.Logger) (*Gate, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	g := &Gate{mode: strings.ToLower(strings.TrimSpace(cfg.Mode)), log: log}
	if g.mode == "" {
		g.mode = ModeJWT
	}
	switch g.mode {
	case ModeNone:
		log.Warn("authentication disabled; protected routes are open")
		return g, nil
	case ModeJWT:
	default:
		return nil, fmt.Errorf("auth: unknown mode %q", cfg.Mode)
	}

	secret := cfg.Secret
	if secret == "" && cfg.SecretEnv != "" {
		secret = os.Getenv(cfg.SecretEnv)
	}
	if secret != "" {
		g.hmacKey = []byte(secret)
	}

	pem := cfg.PublicKey
	if pem == "" && cfg.PublicKeyFile != "" {
		b, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("auth: read public key: %w", err)
		}
		pem = string(b)
	}
	if pem != "" {
		k, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
		if err != nil {
			return nil, fmt.Errorf("auth: parse public key: %w", err)
		}
		g.rsaKey = k
	}
	if g.hmacKey == nil && g.rsaKey == nil {
		return nil, ErrNoKey
	}

	algs := cfg.Algorithms
	if len(algs) == 0 {
		if g.rsaKey != nil {
			algs = append(algs, "RS256")
		}
		if g.hmacKey != nil {
			algs = append(algs, "HS256")
		}
	}
	g.opts = append(g.opts, jwt.WithValidMethods(algs), jwt.WithExpirationRequired())
	if cfg.Audience != "" {
		g.opts = append(g.opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Issuer != "" {
		g.opts = append(g.opts, jwt.WithIssuer(cfg.Issuer))
	}
	if strings.TrimSpace(cfg.Leeway) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(cfg.Leeway))
		if err != nil {
			return nil, fmt.Errorf("auth: leeway: %w", err)
		}
		g.opts = append(g.opts, jwt.WithLeeway(d))
	}
	return g, nil
}

// Disabled reports whether the gate lets every request through.
func (g *Gate) Disabled() bool { return g == nil || g.mode == ModeNone }

func (g *Gate) keyFunc(t *jwt.Token) (interface{}, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodRSA:
		if g.rsaKey != nil {
			return g.rsaKey, nil
		}
	case *jwt.SigningMethodHMAC:
		if g.hmacKey != nil {
			return g.hmacKey, nil
		}
	}
	return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
}

// Verify parses and validates a raw token.
func (g *Gate) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, g.keyFunc, g.opts...)
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	if g.Disabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			writeError(w, http.StatusUnauthorized, "missing or malformed authorization header")
			return
		}
		claims, err := g.Verify(strings.TrimSpace(parts[1]))
		if err != nil {
			g.log.Debug("token rejected", logx.String("path", r.URL.Path), logx.Err(err))
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, claims)))
	})
}

// RequireScope returns middleware that also demands scope on the token.
func (g *Gate) RequireScope(scope string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if g.Disabled() {
			return next
		}
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, _ := ClaimsFrom(r.Context())
			if !c.HasScope(scope) {
				writeError(w, http.StatusForbidden, "Cannot perform action. Missing scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
		return g.Middleware(inner)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": msg})
}
