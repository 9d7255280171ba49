package authserver

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// DevJWTSecret is substituted outside production when the secret is unset.
const DevJWTSecret = "dev-insecure-jwt-secret"

// DevCORSAllowlist is used outside production when the allowlist is unset.
var DevCORSAllowlist = []string{
	"http://localhost:5201",
	"http://127.0.0.1:5201",
	"http://localhost:5173",
	"http://127.0.0.1:5173",
}

// StartupSecurityError aborts startup in production when the JWT secret is
// missing.
type StartupSecurityError struct {
	EnvVar string
}

func (e *StartupSecurityError) Error() string {
	return "Missing required JWT secret env var in production: " + e.EnvVar
}

// Env is the fixed part of the runtime environment.
type Env struct {
	Port        string `env:"PORT,default=3001"`
	Host        string `env:"HOST,default=0.0.0.0"`
	AppEnv      string `env:"APP_ENV,default=development"`
	MetricsAddr string `env:"METRICS_ADDR"`
}

// Config is the resolved runtime configuration.
type Config struct {
	Env
	JWTSecret     string
	CORSAllowlist []string
}

// Production reports whether APP_ENV selects production mode.
func (c *Config) Production() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// LoadConfig reads .env (if present) and the environment, resolving the
// policy's secret and allowlist variables. In production a missing JWT
// secret returns *StartupSecurityError; elsewhere development fallbacks are
// substituted and logged.
func LoadConfig(policy *Policy, log *logrus.Entry) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if err := envdecode.Decode(&cfg.Env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	cfg.JWTSecret = os.Getenv(policy.JWT.SecretEnv)
	if cfg.JWTSecret == "" {
		if cfg.Production() {
			return nil, &StartupSecurityError{EnvVar: policy.JWT.SecretEnv}
		}
		cfg.JWTSecret = DevJWTSecret
		log.WithField("env", policy.JWT.SecretEnv).Warn("JWT secret env var not set; using development fallback secret")
	}

	if policy.CORS.AllowlistEnv != "" {
		cfg.CORSAllowlist = splitAllowlist(os.Getenv(policy.CORS.AllowlistEnv))
	}
	if len(cfg.CORSAllowlist) == 0 && !cfg.Production() {
		cfg.CORSAllowlist = append([]string(nil), DevCORSAllowlist...)
		log.WithField("env", policy.CORS.AllowlistEnv).Warn("CORS allowlist env var not set; using localhost-only development allowlist")
	}
	return &cfg, nil
}

func splitAllowlist(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
