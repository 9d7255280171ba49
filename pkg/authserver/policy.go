package authserver

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Defaults applied when the policy leaves a limit unset.
const (
	DefaultWindowMS        = 60000
	DefaultMaxRequests     = 20
	DefaultAuthMaxRequests = 10
	DefaultJSONLimit       = "16kb"
)

// Policy is the security policy document embedded in a generated server.
type Policy struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Description string `json:"description"`

	JWT struct {
		SecretEnv string `json:"secret_env"`
		ExpiresIn string `json:"expires_in"`
		Issuer    string `json:"issuer"`
	} `json:"jwt"`
	CORS struct {
		AllowlistEnv     string `json:"allowlist_env"`
		AllowCredentials bool   `json:"allow_credentials"`
	} `json:"cors"`
	RateLimit struct {
		WindowMS        int64 `json:"window_ms"`
		MaxRequests     int   `json:"max_requests"`
		AuthMaxRequests int   `json:"auth_max_requests"`
	} `json:"rate_limit"`
	Body struct {
		JSONLimit string `json:"json_limit"`
	} `json:"body"`
	Headers struct {
		Helmet bool `json:"helmet"`
	} `json:"headers"`
}

// ParsePolicy decodes a policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse security policy: %w", err)
	}
	if p.JWT.SecretEnv == "" {
		return nil, fmt.Errorf("parse security policy: jwt.secret_env is required")
	}
	return &p, nil
}

// Window is the fixed rate-limit window.
func (p *Policy) Window() time.Duration {
	ms := p.RateLimit.WindowMS
	if ms <= 0 {
		ms = DefaultWindowMS
	}
	return time.Duration(ms) * time.Millisecond
}

// MaxRequests is the global per-window request budget.
func (p *Policy) MaxRequests() int {
	if p.RateLimit.MaxRequests <= 0 {
		return DefaultMaxRequests
	}
	return p.RateLimit.MaxRequests
}

// AuthMaxRequests is the per-window budget on auth and declared endpoints.
func (p *Policy) AuthMaxRequests() int {
	if p.RateLimit.AuthMaxRequests <= 0 {
		return DefaultAuthMaxRequests
	}
	return p.RateLimit.AuthMaxRequests
}

// decimalStyleUnit matches limits such as "16kb" or "1.5 MB".
var decimalStyleUnit = regexp.MustCompile(`(?i)^([0-9]+(?:\.[0-9]+)?)\s*([kmgtp])b$`)

// BodyLimit parses body.json_limit ("16kb", "1MiB", "2048"). The kb, mb, gb,
// tb and pb suffixes are 1024-based, so "16kb" is 16384 bytes.
func (p *Policy) BodyLimit() (int64, error) {
	limit := strings.TrimSpace(p.Body.JSONLimit)
	if limit == "" {
		limit = DefaultJSONLimit
	}
	if m := decimalStyleUnit.FindStringSubmatch(limit); m != nil {
		limit = m[1] + " " + strings.ToUpper(m[2]) + "iB"
	}
	n, err := humanize.ParseBytes(limit)
	if err != nil {
		return 0, fmt.Errorf("body.json_limit %q: %w", p.Body.JSONLimit, err)
	}
	return int64(n), nil
}

// TokenTTL parses jwt.expires_in. Accepts Go durations, a day suffix ("7d")
// and bare numbers of seconds. Empty means tokens do not expire.
func (p *Policy) TokenTTL() (time.Duration, error) {
	return parseExpiresIn(p.JWT.ExpiresIn)
}

func parseExpiresIn(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.ParseFloat(days, 64)
		if err != nil {
			return 0, fmt.Errorf("jwt.expires_in %q: invalid day count", s)
		}
		return time.Duration(n * float64(24*time.Hour)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("jwt.expires_in %q: %w", s, err)
	}
	return d, nil
}

// Endpoint is one sanitized endpoint embedded in a generated server.
type Endpoint struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Route     string   `json:"route"`
	Method    string   `json:"method"`
	Public    bool     `json:"public"`
	Inputs    []string `json:"inputs"`
	Outputs   []string `json:"outputs"`
	LogicRefs []string `json:"logic_refs"`
}

// ParseEndpoints decodes the embedded endpoint list.
func ParseEndpoints(data []byte) ([]Endpoint, error) {
	var eps []Endpoint
	if err := json.Unmarshal(data, &eps); err != nil {
		return nil, fmt.Errorf("parse endpoints: %w", err)
	}
	for i := range eps {
		eps[i].Method = strings.ToUpper(eps[i].Method)
		if eps[i].Method == "" {
			eps[i].Method = "GET"
		}
	}
	return eps, nil
}
