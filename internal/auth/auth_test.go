package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analytics-agent/backend/internal/config"
)

// NoOpLogger for testing
type NoOpLogger struct{}

func (l *NoOpLogger) Info(msg string, args ...any)  {}
func (l *NoOpLogger) Warn(msg string, args ...any)  {}
func (l *NoOpLogger) Error(msg string, args ...any) {}

// MockKeySet satisfies oidc.KeySet to bypass signature verification
type MockKeySet struct{}

func (m *MockKeySet) VerifySignature(ctx context.Context, jwtToken string) ([]byte, error) {
	parts := strings.Split(jwtToken, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed jwt")
	}
	return base64.RawURLEncoding.DecodeString(parts[1])
}

const (
	testIssuer   = "https://test-issuer.com"
	testAudience = "analytics-agent"
)

func fakeToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	header, err := json.Marshal(map[string]any{"alg": "RS256", "typ": "JWT", "kid": "test-key"})
	require.NoError(t, err)
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(header) + "." +
		base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString([]byte("fakesignature"))
}

func validClaims() map[string]any {
	return map[string]any{
		"iss":   testIssuer,
		"aud":   testAudience,
		"sub":   "user-1",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Add(-1 * time.Minute).Unix(),
		"email": "analyst@acme.com",
	}
}

func testAuth() *Auth {
	verifier := oidc.NewVerifier(testIssuer, &MockKeySet{}, &oidc.Config{ClientID: testAudience})
	return NewWithVerifier(verifier, &NoOpLogger{})
}

func serve(a *Auth, req *http.Request) (*httptest.ResponseRecorder, *Principal) {
	var seen *Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := PrincipalFrom(r.Context()); ok {
			seen = &p
		}
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	a.RequireAuth(next).ServeHTTP(rec, req)
	return rec, seen
}

func TestRequireAuth_BearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	req.Header.Set("Authorization", "Bearer "+fakeToken(t, validClaims()))

	rec, p := serve(testAuth(), req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, p)
	assert.Equal(t, Principal{Subject: "user-1", Email: "analyst@acme.com"}, *p)
}

func TestRequireAuth_Rejections(t *testing.T) {
	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	wrongAudience := validClaims()
	wrongAudience["aud"] = "someone-else"
	wrongIssuer := validClaims()
	wrongIssuer["iss"] = "https://evil.example"

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"basic scheme", "Basic dXNlcjpwYXNz"},
		{"malformed token", "Bearer not-a-jwt"},
		{"expired", "Bearer " + fakeToken(t, expired)},
		{"wrong audience", "Bearer " + fakeToken(t, wrongAudience)},
		{"wrong issuer", "Bearer " + fakeToken(t, wrongIssuer)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec, p := serve(testAuth(), req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
			assert.Nil(t, p)
		})
	}
}

func TestNew_BypassModes(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(*config.Config)
	}{
		{"no issuer", func(c *config.Config) { c.Environment = config.EnvProduction }},
		{"development bypass", func(c *config.Config) {
			c.Environment = config.EnvDevelopment
			c.Auth.Issuer = "https://unreachable.invalid"
			c.Auth.DevBypass = true
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{}
			tt.cfg(cfg)

			a, err := New(context.Background(), cfg, &NoOpLogger{})
			require.NoError(t, err)
			assert.False(t, a.Enabled())

			rec, p := serve(a, httptest.NewRequest(http.MethodPost, "/api/chat", nil))
			assert.Equal(t, http.StatusOK, rec.Code)
			require.NotNil(t, p)
			assert.Equal(t, DevPrincipal, *p)
		})
	}
}

func TestNew_DiscoveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	cfg := &config.Config{Environment: config.EnvProduction}
	cfg.Auth.Issuer = srv.URL
	_, err := New(context.Background(), cfg, &NoOpLogger{})
	assert.Error(t, err)
}
