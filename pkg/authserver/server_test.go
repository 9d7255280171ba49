package authserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testPolicy = `{
  "id": "security_policy",
  "jwt": {"secret_env": "TEST_JWT_SECRET", "expires_in": "1h", "issuer": "specforge-test"},
  "cors": {"allowlist_env": "TEST_CORS_ORIGINS", "allow_credentials": true},
  "rate_limit": {"window_ms": 60000, "max_requests": 20, "auth_max_requests": 10},
  "body": {"json_limit": "1kb"},
  "headers": {"helmet": true}
}`

const testEndpoints = `[
  {"id": "endpoint_login", "name": "login", "route": "/api/login", "method": "POST", "public": true, "inputs": ["email", "password"]},
  {"id": "endpoint_signup", "name": "signup", "route": "/api/signup", "method": "post", "public": true, "inputs": ["name", "email", "password"]},
  {"id": "endpoint_profile", "name": "profile", "route": "/api/profile", "method": "GET", "public": false},
  {"id": "endpoint_item", "name": "item", "route": "/api/items/:id", "method": "GET", "public": true}
]`

type fixture struct {
	srv *Server
	now time.Time
}

func (f *fixture) clock() time.Time { return f.now }

func newFixture(t *testing.T, allowlist ...string) *fixture {
	t.Helper()
	policy, err := ParsePolicy([]byte(testPolicy))
	require.NoError(t, err)
	endpoints, err := ParseEndpoints([]byte(testEndpoints))
	require.NoError(t, err)
	if allowlist == nil {
		allowlist = []string{"https://app.example"}
	}
	cfg := &Config{
		Env:           Env{Host: "127.0.0.1", Port: "0", AppEnv: "test"},
		JWTSecret:     "test-secret",
		CORSAllowlist: allowlist,
	}
	f := &fixture{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f.srv, err = New(policy, endpoints, cfg,
		WithClock(f.clock),
		WithBcryptCost(bcrypt.MinCost),
		WithLogger(discardLogger()),
	)
	require.NoError(t, err)
	return f
}

type response struct {
	Code   int
	Header http.Header
	Body   map[string]any
}

func (f *fixture) do(t *testing.T, method, path, body string, header map[string]string) response {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)

	out := response{Code: rec.Code, Header: rec.Header()}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out.Body), rec.Body.String())
	}
	return out
}

func TestSignupLoginScenario(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, "POST", "/api/signup", `{"email":"A@X.io","password":"p","name":"A"}`, nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body)
	assert.NotEmpty(t, res.Body["token"])
	assert.Equal(t, map[string]any{"email": "a@x.io", "name": "A"}, res.Body["user"])

	res = f.do(t, "POST", "/api/signup", `{"email":"a@x.io","password":"q","name":"B"}`, nil)
	assert.Equal(t, http.StatusConflict, res.Code)
	assert.Equal(t, "User already exists", res.Body["error"])

	res = f.do(t, "POST", "/api/login", `{"email":"a@x.io","password":"p"}`, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.NotEmpty(t, res.Body["token"])

	res = f.do(t, "POST", "/api/login", `{"email":"a@x.io","password":"wrong"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Equal(t, "Invalid credentials", res.Body["error"])

	res = f.do(t, "POST", "/api/login", `{"email":"nobody@x.io","password":"p"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Equal(t, "Invalid credentials", res.Body["error"])

	res = f.do(t, "GET", "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, map[string]any{"status": "ok", "security": "policy-enforced"}, res.Body)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.srv.metrics.authAttempts.WithLabelValues("signup", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.srv.metrics.authAttempts.WithLabelValues("login", "rejected")))
}

func TestMissingFields(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, "POST", "/api/login", `{"email":"a@x.io","password":"   "}`, nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)
	assert.Equal(t, "Missing field: password", res.Body["error"])

	res = f.do(t, "POST", "/api/signup", `{"email":"a@x.io","password":"p","name":7}`, nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)
	assert.Equal(t, "Missing field: name", res.Body["error"])

	res = f.do(t, "POST", "/api/login", "", nil)
	assert.Equal(t, "Missing field: email", res.Body["error"])

	res = f.do(t, "POST", "/api/login", `[1,2]`, nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)
	assert.Equal(t, "Invalid JSON body", res.Body["error"])
}

func TestAuthRateLimit(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 10; i++ {
		res := f.do(t, "POST", "/api/login", `{}`, nil)
		require.Equal(t, http.StatusBadRequest, res.Code, "request %d", i+1)
	}
	res := f.do(t, "POST", "/api/login", `{}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, res.Code)
	assert.Equal(t, "Too many requests", res.Body["error"])

	// Other routes keep their own buckets.
	res = f.do(t, "POST", "/api/signup", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)

	// The window resets once the clock passes its end.
	f.now = f.now.Add(61 * time.Second)
	res = f.do(t, "POST", "/api/login", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.srv.metrics.rateLimited.WithLabelValues("auth")))
}

func TestGlobalRateLimit(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 20; i++ {
		require.Equal(t, http.StatusOK, f.do(t, "GET", "/api/health", "", nil).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, "GET", "/api/health", "", nil).Code)
}

func TestProtectedEndpoint(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, "GET", "/api/profile", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Equal(t, "Missing bearer token", res.Body["error"])

	res = f.do(t, "GET", "/api/profile", "", map[string]string{"Authorization": "Bearer not-a-jwt"})
	assert.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Equal(t, "Invalid token", res.Body["error"])

	signup := f.do(t, "POST", "/api/signup", `{"email":"a@x.io","password":"p","name":"A"}`, nil)
	token := signup.Body["token"].(string)

	res = f.do(t, "GET", "/api/profile", "", map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusNotImplemented, res.Code)
	assert.Equal(t, map[string]any{"error": "Endpoint not implemented", "endpoint": "profile"}, res.Body)

	f.now = f.now.Add(2 * time.Hour)
	res = f.do(t, "GET", "/api/profile", "", map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, "Invalid token", res.Body["error"], "expired token")
}

func TestTokenFromOtherIssuerRejected(t *testing.T) {
	f := newFixture(t)
	other := NewAuthenticator("test-secret", "someone-else", time.Hour, bcrypt.MinCost, NewMemoryUserRepository(), f.clock)
	sess, err := other.session(&User{Email: "a@x.io", Name: "A"})
	require.NoError(t, err)

	_, err = f.srv.auth.Verify(sess.Token)
	var ae *AuthError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "Invalid token", ae.Message)

	claims, err := f.srv.auth.Verify(mustSession(t, f).Token)
	require.NoError(t, err)
	assert.Equal(t, "a@x.io", claims.Subject)
	assert.Equal(t, "A", claims.Name)
}

func mustSession(t *testing.T, f *fixture) *Session {
	t.Helper()
	sess, err := f.srv.auth.Signup(context.Background(), "A", "a@x.io", "p")
	require.NoError(t, err)
	return sess
}

func TestPublicStubAndRouteParams(t *testing.T) {
	f := newFixture(t)
	res := f.do(t, "GET", "/api/items/42", "", nil)
	assert.Equal(t, http.StatusNotImplemented, res.Code)
	assert.Equal(t, "item", res.Body["endpoint"])

	res = f.do(t, "GET", "/api/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestCORS(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, "GET", "/api/health", "", map[string]string{"Origin": "https://app.example"})
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "https://app.example", res.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", res.Header.Get("Access-Control-Allow-Credentials"))

	res = f.do(t, "GET", "/api/health", "", map[string]string{"Origin": "https://evil.example"})
	assert.Equal(t, http.StatusForbidden, res.Code)
	assert.Equal(t, "CORS blocked request origin", res.Body["error"])

	res = f.do(t, "OPTIONS", "/api/login", "", map[string]string{
		"Origin":                         "https://app.example",
		"Access-Control-Request-Method":  "POST",
		"Access-Control-Request-Headers": "Content-Type",
	})
	assert.Equal(t, http.StatusNoContent, res.Code)
	assert.Equal(t, "Content-Type", res.Header.Get("Access-Control-Allow-Headers"))
}

func TestCORSEmptyAllowlistDeniesAllOrigins(t *testing.T) {
	f := newFixture(t, []string{}...)

	res := f.do(t, "GET", "/api/health", "", map[string]string{"Origin": "https://app.example"})
	assert.Equal(t, http.StatusForbidden, res.Code)

	res = f.do(t, "GET", "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, res.Code, "requests without Origin are allowed")
}

func TestSecurityHeadersAndBodyLimit(t *testing.T) {
	f := newFixture(t)
	res := f.do(t, "GET", "/api/health", "", nil)
	assert.Equal(t, "nosniff", res.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "SAMEORIGIN", res.Header.Get("X-Frame-Options"))

	big := `{"email":"` + strings.Repeat("a", 2000) + `","password":"p"}`
	res = f.do(t, "POST", "/api/login", big, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, res.Code)
}

func TestRunRefusesProductionWithoutSecret(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("TEST_JWT_SECRET", "")

	err := Run(context.Background(), testEndpoints, testPolicy, WithLogger(discardLogger()))
	var se *StartupSecurityError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, "TEST_JWT_SECRET", se.EnvVar)
	assert.Contains(t, err.Error(), "Missing required JWT secret env var in production")
}

func TestLoadConfigDevelopmentFallbacks(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("TEST_JWT_SECRET", "")
	t.Setenv("TEST_CORS_ORIGINS", "")
	t.Setenv("PORT", "")
	t.Setenv("HOST", "")
	policy, err := ParsePolicy([]byte(testPolicy))
	require.NoError(t, err)

	cfg, err := LoadConfig(policy, discardLogger())
	require.NoError(t, err)
	assert.False(t, cfg.Production())
	assert.Equal(t, DevJWTSecret, cfg.JWTSecret)
	assert.Equal(t, DevCORSAllowlist, cfg.CORSAllowlist)

	t.Setenv("TEST_CORS_ORIGINS", " https://a.example, ,https://b.example ")
	t.Setenv("TEST_JWT_SECRET", "s3cret")
	t.Setenv("PORT", "8080")
	cfg, err = LoadConfig(policy, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowlist)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
}

func TestLoadConfigProductionEmptyAllowlist(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("TEST_JWT_SECRET", "s3cret")
	t.Setenv("TEST_CORS_ORIGINS", "")
	policy, err := ParsePolicy([]byte(testPolicy))
	require.NoError(t, err)

	cfg, err := LoadConfig(policy, discardLogger())
	require.NoError(t, err)
	assert.Empty(t, cfg.CORSAllowlist, "production never falls back to a development allowlist")
}
