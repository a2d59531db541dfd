package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc"

	"analytics-agent/backend/internal/config"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Principal is the authenticated caller.
type Principal struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
}

// DevPrincipal is the caller assumed when authentication is disabled.
var DevPrincipal = Principal{Subject: "dev", Email: "dev@localhost"}

type principalKey struct{}

// PrincipalFrom returns the caller stored by RequireAuth.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Auth verifies OpenID Connect bearer tokens on the chat surface.
type Auth struct {
	verifier *oidc.IDTokenVerifier
	logger   Logger
	bypass   bool
}

// New creates a new Auth object using values from the application
// configuration. Without an issuer, or in development with dev_bypass set,
// every request is let through as DevPrincipal.
func New(ctx context.Context, cfg *config.Config, logger Logger) (*Auth, error) {
	bypass := cfg.Auth.Issuer == "" || (cfg.Environment == config.EnvDevelopment && cfg.Auth.DevBypass)
	if bypass {
		if logger != nil {
			logger.Warn("auth: bearer verification disabled", "environment", cfg.Environment)
		}
		return &Auth{logger: logger, bypass: true}, nil
	}

	provider, err := oidc.NewProvider(ctx, cfg.Auth.Issuer)
	if err != nil {
		return nil, err
	}
	verifier := provider.Verifier(&oidc.Config{
		ClientID: cfg.Auth.Audience,
		// Access tokens without a configured audience are checked for issuer,
		// expiry and signature only.
		SkipClientIDCheck: cfg.Auth.Audience == "",
	})
	return &Auth{verifier: verifier, logger: logger}, nil
}

// NewWithVerifier creates an Auth around an existing verifier.
func NewWithVerifier(verifier *oidc.IDTokenVerifier, logger Logger) *Auth {
	return &Auth{verifier: verifier, logger: logger}
}

// Enabled reports whether bearer tokens are verified.
func (a *Auth) Enabled() bool { return !a.bypass }

// RequireAuth is middleware that ensures a valid bearer token is present and
// stores the caller in the request context.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.bypass {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, DevPrincipal)))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			unauthorized(w, "missing bearer token")
			return
		}
		token, err := a.verifier.Verify(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			if a.logger != nil {
				a.logger.Warn("auth: token rejected", "error", err)
			}
			unauthorized(w, "invalid token")
			return
		}

		var claims struct {
			Email string `json:"email"`
		}
		if err := token.Claims(&claims); err != nil {
			unauthorized(w, "failed to parse token claims")
			return
		}
		p := Principal{Subject: token.Subject, Email: claims.Email}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="analytics-agent"`)
	http.Error(w, msg, http.StatusUnauthorized)
}
