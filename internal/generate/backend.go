package generate

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"text/template"
	"time"

	"golang.org/x/tools/imports"

	"specforge/internal/invariant"
	"specforge/internal/spec"
	"specforge/pkg/authserver"
)

//go:embed templates
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// Generated backends are standalone modules. The runtime package is vendored
// into RuntimeDir so the output builds without specforge itself.
const (
	BackendModule = "backend"
	RuntimeDir    = "authserver"
	RuntimeImport = BackendModule + "/" + RuntimeDir
	GoModFile     = "go.mod"

	backendGoVersion = "1.24"
)

// runtimeRequires are the modules the vendored runtime imports.
var runtimeRequires = []string{
	"github.com/dustin/go-humanize v1.0.1",
	"github.com/go-chi/chi/v5 v5.2.1",
	"github.com/golang-jwt/jwt/v5 v5.2.2",
	"github.com/hashicorp/golang-lru/v2 v2.0.7",
	"github.com/joeshaw/envdecode v0.0.0-20200121155833-099f1fc765bd",
	"github.com/joho/godotenv v1.5.1",
	"github.com/prometheus/client_golang v1.20.2",
	"github.com/sirupsen/logrus v1.9.3",
	"golang.org/x/crypto v0.41.0",
}

const generatedHeader = "// Code generated by specforge build; DO NOT EDIT.\n\n"

// SideManifest describes a generated backend build.
type SideManifest struct {
	GeneratedAt string `json:"generated_at"`
	Source      struct {
		BackendManifest string `json:"backend_manifest"`
		EndpointDir     string `json:"endpoint_dir"`
		SecurityPolicy  string `json:"security_policy"`
	} `json:"source"`
	Middleware struct {
		Helmet           bool            `json:"helmet"`
		CORSAllowlistEnv string          `json:"cors_allowlist_env"`
		RateLimit        json.RawMessage `json:"rate_limit"`
		JWTSecretEnv     string          `json:"jwt_secret_env"`
		JWTExpiresIn     string          `json:"jwt_expires_in"`
		JWTIssuer        string          `json:"jwt_issuer"`
	} `json:"middleware"`
	Entities struct {
		ManifestEndpointIDs []string `json:"manifest_endpoint_ids"`
		EndpointCount       int      `json:"endpoint_count"`
	} `json:"entities"`
	Endpoints []authserver.Endpoint `json:"endpoints"`
}

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

type backend struct {
	server        []byte
	manifest      []byte
	goMod         []byte
	runtime       map[string][]byte
	endpointCount int
}

func buildBackend(r *invariant.Result, now time.Time) (*backend, error) {
	inv := r.Invariants
	if inv.SecurityPolicy == nil || r.PolicyRaw == nil {
		return nil, errors.New("backend build requires security_policy in the invariants configuration")
	}
	policy, err := authserver.ParsePolicy(r.PolicyRaw)
	if err != nil {
		return nil, &spec.SpecificationError{Path: inv.SecurityPolicy.Path, Err: err}
	}

	endpoints := SanitizeEndpoints(r.Endpoints, r.PublicFlag())

	server, err := renderServer(endpoints, r.PolicyRaw)
	if err != nil {
		return nil, err
	}
	goMod, err := renderGoMod()
	if err != nil {
		return nil, err
	}
	runtime, err := RuntimeSources()
	if err != nil {
		return nil, err
	}

	var m SideManifest
	m.GeneratedAt = now.UTC().Format(timestampLayout)
	m.Source.BackendManifest = inv.Backend.ManifestPath
	m.Source.EndpointDir = inv.EndpointDir()
	m.Source.SecurityPolicy = inv.SecurityPolicy.Path
	m.Middleware.Helmet = policy.Headers.Helmet
	m.Middleware.CORSAllowlistEnv = policy.CORS.AllowlistEnv
	m.Middleware.RateLimit = json.RawMessage("{}")
	if raw, ok := r.Policy.Raw("rate_limit"); ok {
		m.Middleware.RateLimit = raw
	}
	m.Middleware.JWTSecretEnv = policy.JWT.SecretEnv
	m.Middleware.JWTExpiresIn = policy.JWT.ExpiresIn
	m.Middleware.JWTIssuer = policy.JWT.Issuer
	m.Entities.ManifestEndpointIDs, _ = r.Backend.Strings("endpoints")
	if m.Entities.ManifestEndpointIDs == nil {
		m.Entities.ManifestEndpointIDs = []string{}
	}
	m.Entities.EndpointCount = len(endpoints)
	m.Endpoints = endpoints

	manifest, err := spec.MarshalIndent(m)
	if err != nil {
		return nil, fmt.Errorf("encode side manifest: %w", err)
	}
	return &backend{
		server:        server,
		manifest:      manifest,
		goMod:         goMod,
		runtime:       runtime,
		endpointCount: len(endpoints),
	}, nil
}

// SanitizeEndpoints normalizes endpoints for embedding: methods are
// upper-cased and default to GET, the public flag is read from publicFlag,
// and absent lists become empty.
func SanitizeEndpoints(eps []spec.Endpoint, publicFlag string) []authserver.Endpoint {
	out := make([]authserver.Endpoint, 0, len(eps))
	for _, ep := range eps {
		method := strings.ToUpper(strings.TrimSpace(ep.Method))
		if method == "" {
			method = "GET"
		}
		public, _ := ep.Flag(publicFlag)
		out = append(out, authserver.Endpoint{
			ID:        ep.ID,
			Name:      ep.Name,
			Route:     ep.Route,
			Method:    method,
			Public:    public,
			Inputs:    orEmpty(ep.Inputs),
			Outputs:   orEmpty(ep.Outputs),
			LogicRefs: orEmpty(ep.LogicRefs),
		})
	}
	return out
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// RuntimeSources returns the vendored runtime files keyed by their path
// inside the backend output directory.
func RuntimeSources() (map[string][]byte, error) {
	src, err := authserver.Sources()
	if err != nil {
		return nil, fmt.Errorf("read runtime sources: %w", err)
	}
	out := make(map[string][]byte, len(src))
	for name, data := range src {
		out[path.Join(RuntimeDir, name)] = append([]byte(generatedHeader), data...)
	}
	return out, nil
}

func renderGoMod() ([]byte, error) {
	var buf bytes.Buffer
	err := templates.ExecuteTemplate(&buf, "go.mod.tmpl", map[string]any{
		"Module":    BackendModule,
		"GoVersion": backendGoVersion,
		"Requires":  runtimeRequires,
	})
	if err != nil {
		return nil, fmt.Errorf("render go.mod: %w", err)
	}
	return buf.Bytes(), nil
}

func renderServer(endpoints []authserver.Endpoint, policyRaw []byte) ([]byte, error) {
	eps, err := spec.MarshalIndent(endpoints)
	if err != nil {
		return nil, fmt.Errorf("encode endpoints: %w", err)
	}
	var policy bytes.Buffer
	if err := json.Indent(&policy, policyRaw, "", "  "); err != nil {
		return nil, fmt.Errorf("encode security policy: %w", err)
	}

	var src bytes.Buffer
	err = templates.ExecuteTemplate(&src, "server.go.tmpl", map[string]string{
		"Runtime":   RuntimeImport,
		"Endpoints": goLiteral(strings.TrimRight(string(eps), "\n")),
		"Policy":    goLiteral(policy.String()),
	})
	if err != nil {
		return nil, fmt.Errorf("render server: %w", err)
	}
	out, err := imports.Process(ServerFile, src.Bytes(), &imports.Options{
		Comments:   true,
		TabIndent:  true,
		TabWidth:   8,
		FormatOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("format server: %w", err)
	}
	return out, nil
}

// goLiteral quotes s as a raw string literal when that preserves it.
func goLiteral(s string) string {
	if strings.ContainsAny(s, "`\r") {
		return strconv.Quote(s)
	}
	return "`" + s + "`"
}
