package authserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestRateLimiterConcurrentAllow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewRateLimiter("auth", 50, time.Minute, 0, func() time.Time { return now })

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("10.0.0.1", "/api/login") {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), allowed.Load())
}

// serveConcurrently sends every request at once and returns the status codes.
func serveConcurrently(h http.Handler, reqs []*http.Request) []int {
	codes := make([]int, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req *http.Request) {
			defer wg.Done()
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			codes[i] = rec.Code
		}(i, req)
	}
	wg.Wait()
	return codes
}

func countCodes(codes []int) map[int]int {
	out := map[int]int{}
	for _, c := range codes {
		out[c]++
	}
	return out
}

func TestGlobalRateLimitUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	reqs := make([]*http.Request, 60)
	for i := range reqs {
		reqs[i] = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	}

	got := countCodes(serveConcurrently(f.srv.Handler(), reqs))
	assert.Equal(t, map[int]int{http.StatusOK: 20, http.StatusTooManyRequests: 40}, got)
}

func TestConcurrentDuplicateSignup(t *testing.T) {
	f := newFixture(t)
	reqs := make([]*http.Request, 16)
	for i := range reqs {
		email := "race@x.io"
		if i%2 == 1 {
			email = "RACE@x.io"
		}
		body := fmt.Sprintf(`{"email":%q,"password":"p","name":"R%d"}`, email, i)
		req := httptest.NewRequest(http.MethodPost, "/api/signup", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		// Distinct clients, so the auth limiter admits every request.
		req.RemoteAddr = fmt.Sprintf("10.0.1.%d:4000", i+1)
		reqs[i] = req
	}

	got := countCodes(serveConcurrently(f.srv.Handler(), reqs))
	assert.Equal(t, map[int]int{http.StatusOK: 1, http.StatusConflict: 15}, got)
}

func TestMemoryUserRepositoryConcurrentInsert(t *testing.T) {
	repo := NewMemoryUserRepository()
	ctx := context.Background()

	var created, conflicts atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := repo.Insert(ctx, &User{Email: "same@x.io", Name: fmt.Sprint(i)})
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, ErrUserExists):
				conflicts.Add(1)
			default:
				t.Errorf("insert: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), created.Load())
	assert.Equal(t, int64(49), conflicts.Load())
	u, err := repo.FindByEmail(ctx, "same@x.io")
	require.NoError(t, err)
	assert.NotEmpty(t, u.Name)
}

func TestMainExitsWhenProductionSecretMissing(t *testing.T) {
	if os.Getenv("AUTHSERVER_MAIN_CHILD") == "1" {
		os.Exit(Main(testEndpoints, testPolicy))
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestMainExitsWhenProductionSecretMissing$")
	cmd.Env = append(os.Environ(),
		"AUTHSERVER_MAIN_CHILD=1",
		"APP_ENV=production",
		"TEST_JWT_SECRET=",
		"PORT=0",
		"HOST=127.0.0.1",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()

	var exit *exec.ExitError
	require.True(t, errors.As(err, &exit), "got %v\n%s", err, stderr.String())
	assert.Equal(t, 1, exit.ExitCode())
	assert.Contains(t, stderr.String(), "Missing required JWT secret env var in production: TEST_JWT_SECRET")
}

func newLoggedServer(t *testing.T, host, port string) (*Server, *logtest.Hook) {
	t.Helper()
	policy, err := ParsePolicy([]byte(testPolicy))
	require.NoError(t, err)
	endpoints, err := ParseEndpoints([]byte(testEndpoints))
	require.NoError(t, err)
	logger, hook := logtest.NewNullLogger()
	cfg := &Config{
		Env:           Env{Host: host, Port: port, AppEnv: "test"},
		JWTSecret:     "test-secret",
		CORSAllowlist: []string{"https://app.example"},
	}
	srv, err := New(policy, endpoints, cfg, WithBcryptCost(bcrypt.MinCost), WithLogger(logrus.NewEntry(logger)))
	require.NoError(t, err)
	return srv, hook
}

func listening(hook *logtest.Hook) string {
	for _, e := range hook.AllEntries() {
		if e.Message == "Backend listening" {
			addr, _ := e.Data["addr"].(string)
			return addr
		}
	}
	return ""
}

func TestListenAndServePortConflict(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()
	_, port, err := net.SplitHostPort(taken.Addr().String())
	require.NoError(t, err)

	srv, hook := newLoggedServer(t, "127.0.0.1", port)
	err = srv.ListenAndServe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen 127.0.0.1:"+port)
	assert.Empty(t, listening(hook), "nothing is reported as listening")
}

func TestListenAndServeReportsBoundAddress(t *testing.T) {
	srv, hook := newLoggedServer(t, "127.0.0.1", "0")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	require.Eventually(t, func() bool { return listening(hook) != "" }, 5*time.Second, 10*time.Millisecond)
	addr := listening(hook)
	assert.NotEqual(t, "127.0.0.1:0", addr)

	res, err := http.Get("http://" + addr + "/api/health")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
