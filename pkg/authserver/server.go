// Package authserver is the runtime behind every generated backend. It
// serves the declared endpoints behind a fixed security pipeline: security
// headers, a JSON body limit, a CORS allowlist, fixed-window rate limits,
// bearer-token auth, and login/signup handlers backed by bcrypt and HS256
// tokens.
package authserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// Server wires policy and endpoints into an http.Handler.
type Server struct {
	policy    *Policy
	endpoints []Endpoint
	cfg       *Config
	log       *logrus.Entry

	auth        *Authenticator
	global      *RateLimiter
	authLimiter *RateLimiter
	bodyLimit   int64
	metrics     *metrics
	handler     http.Handler
}

type options struct {
	users       UserRepository
	now         func() time.Time
	bcryptCost  int
	limiterKeys int
	log         *logrus.Entry
}

// Option customises a Server.
type Option func(*options)

// WithUserRepository replaces the in-memory user store.
func WithUserRepository(r UserRepository) Option { return func(o *options) { o.users = r } }

// WithClock sets the time source for rate limits and tokens.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithBcryptCost overrides DefaultBcryptCost.
func WithBcryptCost(cost int) Option { return func(o *options) { o.bcryptCost = cost } }

// WithLimiterKeys bounds the buckets tracked by each rate limiter.
func WithLimiterKeys(n int) Option { return func(o *options) { o.limiterKeys = n } }

// WithLogger sets the logger.
func WithLogger(l *logrus.Entry) Option { return func(o *options) { o.log = l } }

// New builds a server for the given policy, endpoints and configuration.
func New(policy *Policy, endpoints []Endpoint, cfg *Config, opts ...Option) (*Server, error) {
	o := options{
		now: time.Now,
		log: logrus.WithField("component", "authserver"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.users == nil {
		o.users = NewMemoryUserRepository()
	}

	ttl, err := policy.TokenTTL()
	if err != nil {
		return nil, err
	}
	limit, err := policy.BodyLimit()
	if err != nil {
		return nil, err
	}

	s := &Server{
		policy:      policy,
		endpoints:   endpoints,
		cfg:         cfg,
		log:         o.log,
		auth:        NewAuthenticator(cfg.JWTSecret, policy.JWT.Issuer, ttl, o.bcryptCost, o.users, o.now),
		global:      NewRateLimiter("global", policy.MaxRequests(), policy.Window(), o.limiterKeys, o.now),
		authLimiter: NewRateLimiter("auth", policy.AuthMaxRequests(), policy.Window(), o.limiterKeys, o.now),
		bodyLimit:   limit,
		metrics:     newMetrics(),
	}
	s.handler, err = s.routes()
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Handler returns the request pipeline.
func (s *Server) Handler() http.Handler { return s.handler }

// MetricsHandler serves the server's Prometheus registry.
func (s *Server) MetricsHandler() http.Handler { return s.metrics.handler() }

// ---------------------------------------------------------------------------
// routing
// ---------------------------------------------------------------------------

var standardMethods = map[string]bool{
	http.MethodGet: true, http.MethodHead: true, http.MethodPost: true,
	http.MethodPut: true, http.MethodPatch: true, http.MethodDelete: true,
	http.MethodConnect: true, http.MethodOptions: true, http.MethodTrace: true,
}

func (s *Server) routes() (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.middleware)
	if s.policy.Headers.Helmet {
		r.Use(securityHeaders)
	}
	r.Use(s.limitBody)
	r.Use(s.cors)
	r.Use(s.global.Middleware(s.metrics.limited))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	limited := s.authLimiter.Middleware(s.metrics.limited)
	healthDeclared := false
	for _, ep := range s.endpoints {
		if !standardMethods[ep.Method] {
			chi.RegisterMethod(ep.Method)
		}
		pattern := chiPattern(ep.Route)
		if ep.Method == http.MethodGet && pattern == "/api/health" {
			healthDeclared = true
		}

		var h http.Handler
		switch ep.Name {
		case "login":
			h = s.handleLogin(ep)
		case "signup":
			h = s.handleSignup(ep)
		default:
			h = notImplemented(ep)
			if !ep.Public {
				h = s.requireAuth(h)
			}
		}
		r.With(limited).Method(ep.Method, pattern, h)
	}
	if !healthDeclared {
		r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "security": "policy-enforced"})
		})
	}
	return r, nil
}

var expressParam = regexp.MustCompile(`:([A-Za-z_][A-Za-z0-9_]*)`)

// chiPattern rewrites Express-style ":param" segments as "{param}".
func chiPattern(route string) string {
	return expressParam.ReplaceAllString(route, "{$1}")
}

// ---------------------------------------------------------------------------
// middleware
// ---------------------------------------------------------------------------

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Content-Security-Policy", "default-src 'self';base-uri 'self';frame-ancestors 'self';object-src 'none'")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		h.Set("Cross-Origin-Resource-Policy", "same-origin")
		h.Set("Origin-Agent-Cluster", "?1")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Strict-Transport-Security", "max-age=15552000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-DNS-Prefetch-Control", "off")
		h.Set("X-Download-Options", "noopen")
		h.Set("X-Frame-Options", "SAMEORIGIN")
		h.Set("X-Permitted-Cross-Domain-Policies", "none")
		h.Set("X-XSS-Protection", "0")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.bodyLimit)
		}
		next.ServeHTTP(w, r)
	})
}

// cors allows requests without an Origin header, denies every origin when the
// allowlist is empty, and otherwise allows listed origins only.
func (s *Server) cors(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.cfg.CORSAllowlist))
	for _, o := range s.cfg.CORSAllowlist {
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !allowed[origin] {
			writeError(w, http.StatusForbidden, "CORS blocked request origin")
			return
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
		if s.policy.CORS.AllowCredentials {
			h.Set("Access-Control-Allow-Credentials", "true")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET,HEAD,PUT,PATCH,POST,DELETE")
			if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
				h.Set("Access-Control-Allow-Headers", reqHeaders)
				h.Add("Vary", "Access-Control-Request-Headers")
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.auth.Verify(bearerToken(r))
		if err != nil {
			s.writeErr(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
	})
}

// ---------------------------------------------------------------------------
// handlers
// ---------------------------------------------------------------------------

func (s *Server) handleLogin(ep Endpoint) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := s.readBody(w, r)
		if !ok {
			return
		}
		if name := firstMissing(body, ep.Inputs); name != "" {
			s.writeErr(w, missingField(name))
			return
		}
		sess, err := s.auth.Login(r.Context(), stringField(body, "email"), stringField(body, "password"))
		s.finishAuth(w, "login", sess, err)
	})
}

func (s *Server) handleSignup(ep Endpoint) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := s.readBody(w, r)
		if !ok {
			return
		}
		if name := firstMissing(body, ep.Inputs); name != "" {
			s.writeErr(w, missingField(name))
			return
		}
		sess, err := s.auth.Signup(r.Context(), stringField(body, "name"), stringField(body, "email"), stringField(body, "password"))
		s.finishAuth(w, "signup", sess, err)
	})
}

func (s *Server) finishAuth(w http.ResponseWriter, op string, sess *Session, err error) {
	if err != nil {
		var ae *AuthError
		if errors.As(err, &ae) {
			s.metrics.auth(op, "rejected")
		} else {
			s.metrics.auth(op, "error")
		}
		s.writeErr(w, err)
		return
	}
	s.metrics.auth(op, "ok")
	writeJSON(w, http.StatusOK, sess)
}

func notImplemented(ep Endpoint) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotImplemented, map[string]string{
			"error":    "Endpoint not implemented",
			"endpoint": ep.Name,
		})
	})
}

// readBody decodes a JSON object body. An empty body is an empty object.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	body := map[string]any{}
	if r.Body == nil {
		return body, true
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return nil, false
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return body, true
	}
	if err := json.Unmarshal(data, &body); err != nil || body == nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return nil, false
	}
	return body, true
}

// firstMissing returns the first input that is not a non-blank string.
func firstMissing(body map[string]any, inputs []string) string {
	for _, key := range inputs {
		v, ok := body[key].(string)
		if !ok || strings.TrimSpace(v) == "" {
			return key
		}
	}
	return ""
}

func stringField(body map[string]any, key string) string {
	v, _ := body[key].(string)
	return v
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	var ae *AuthError
	if errors.As(err, &ae) {
		writeError(w, ae.Status, ae.Message)
		return
	}
	s.log.WithError(err).Error("request failed")
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ---------------------------------------------------------------------------
// lifecycle
// ---------------------------------------------------------------------------

// ListenAndServe binds every listener, then serves until ctx is cancelled
// and shuts down gracefully. A bind failure is returned before anything is
// served. When METRICS_ADDR is set, Prometheus metrics are served there.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	servers := []*http.Server{srv}
	if s.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.handler())
		servers = append(servers, &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second})
	}

	listeners := make([]net.Listener, 0, len(servers))
	for _, hs := range servers {
		ln, err := net.Listen("tcp", hs.Addr)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return fmt.Errorf("listen %s: %w", hs.Addr, err)
		}
		listeners = append(listeners, ln)
	}
	s.log.WithField("addr", listeners[0].Addr().String()).Info("Backend listening")
	if len(listeners) > 1 {
		s.log.WithField("addr", listeners[1].Addr().String()).Info("Metrics listening")
	}

	errc := make(chan error, len(servers))
	for i, hs := range servers {
		go func(hs *http.Server, ln net.Listener) {
			if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("serve %s: %w", ln.Addr(), err)
			}
		}(hs, listeners[i])
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, hs := range servers {
		_ = hs.Shutdown(shutdownCtx)
	}
	return err
}
