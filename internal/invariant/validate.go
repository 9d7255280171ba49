// Package invariant cross-checks the specification graph before any
// artifact is generated: manifest references, auth contract parity and the
// secure-by-default endpoint policy.
package invariant

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"specforge/internal/spec"
)

// Violation is a cross-document consistency failure.
type Violation struct {
	Rule    string // guidelines, backend_manifest, required_ids, auth_contract, security_policy, endpoint_shape, endpoint_security
	Subject string // offending file, id or field
	Message string
}

func (v *Violation) Error() string { return v.Message }

func violation(rule, subject, format string, args ...any) *Violation {
	return &Violation{Rule: rule, Subject: subject, Message: fmt.Sprintf(format, args...)}
}

// Result is the validated view of the specification consumed by the
// generator.
type Result struct {
	Invariants     *spec.Invariants
	Frontend       spec.Document
	Backend        spec.Document
	HasBackend     bool // backend manifest file exists
	BackendEnabled bool // backend manifest exists and lists endpoints

	// Set only when the backend is enabled.
	AuthContract *spec.AuthContract
	Policy       spec.Document
	PolicyRaw    []byte
	Endpoints    []spec.Endpoint
}

// PublicFlag returns the endpoint field marking unauthenticated access.
func (r *Result) PublicFlag() string { return r.Invariants.PublicFlag() }

// Validate loads the invariants configuration at invariantsPath and checks
// the specification against it. The first failing rule aborts validation.
func Validate(store *spec.Store, invariantsPath string) (*Result, error) {
	inv, err := store.Invariants(invariantsPath)
	if err != nil {
		return nil, err
	}
	r := &Result{Invariants: inv}

	r.Frontend, err = store.Document(inv.Frontend.ManifestPath)
	if err != nil {
		return nil, err
	}
	if err := detectBackend(store, inv, r); err != nil {
		return nil, err
	}

	if inv.RequiresGuidelines {
		if err := requireGuidelines(r.Frontend, inv.Frontend.ManifestPath); err != nil {
			return nil, err
		}
		if r.HasBackend {
			if err := requireGuidelines(r.Backend, inv.Backend.ManifestPath); err != nil {
				return nil, err
			}
		}
	}

	if err := requireManifestIDs(r.Frontend, inv.Frontend.RequiredManifestIDs, inv.Frontend.ManifestPath); err != nil {
		return nil, err
	}
	if !r.BackendEnabled {
		return r, nil
	}
	if err := requireManifestIDs(r.Backend, inv.Backend.RequiredManifestIDs, inv.Backend.ManifestPath); err != nil {
		return nil, err
	}

	if inv.Contracts.Auth != nil {
		r.AuthContract, err = checkAuthContract(store, inv.Contracts.Auth, inv.EndpointDir())
		if err != nil {
			return nil, err
		}
	}
	if inv.SecurityPolicy != nil {
		r.Policy, r.PolicyRaw, err = checkSecurityPolicy(store, inv.SecurityPolicy)
		if err != nil {
			return nil, err
		}
	}

	r.Endpoints, err = store.Endpoints(inv.EndpointDir())
	if err != nil {
		return nil, err
	}
	if err := checkEndpointShape(r.Endpoints, inv.PublicFlag()); err != nil {
		return nil, err
	}
	if inv.EndpointSecurity != nil {
		if err := checkEndpointSecurity(r.Endpoints, inv.EndpointSecurity, inv.PublicFlag()); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ---------------------------------------------------------------------------
// manifests
// ---------------------------------------------------------------------------

func detectBackend(store *spec.Store, inv *spec.Invariants, r *Result) error {
	path := inv.Backend.ManifestPath
	if !store.Exists(path) {
		if !inv.Backend.Optional {
			return violation("backend_manifest", path, "Missing required backend manifest: %s", path)
		}
		return nil
	}
	doc, err := store.Document(path)
	if err != nil {
		return err
	}
	r.Backend = doc
	r.HasBackend = true
	ids, err := doc.Strings("endpoints")
	r.BackendEnabled = err == nil && len(ids) > 0
	return nil
}

func requireGuidelines(manifest spec.Document, label string) error {
	var g spec.Guidelines
	if manifest.IsObject("llm_guidelines") {
		if err := manifest.Get("llm_guidelines", &g); err != nil {
			return violation("guidelines", label, "Malformed llm_guidelines in %s: %v", label, err)
		}
	}
	if len(g.Rules) == 0 {
		return violation("guidelines", label, "Missing llm_guidelines.rules in %s", label)
	}
	return nil
}

func requireManifestIDs(manifest spec.Document, required map[string][]string, label string) error {
	buckets := make([]string, 0, len(required))
	for b := range required {
		buckets = append(buckets, b)
	}
	sort.Strings(buckets)
	for _, bucket := range buckets {
		list, err := manifest.Strings(bucket)
		if err != nil {
			return violation("required_ids", label+"#"+bucket, "%s missing array: %s", label, bucket)
		}
		present := make(map[string]bool, len(list))
		for _, id := range list {
			present[id] = true
		}
		for _, id := range required[bucket] {
			if !present[id] {
				return violation("required_ids", id, "%s missing required id in %s: %s", label, bucket, id)
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// auth contract
// ---------------------------------------------------------------------------

func checkAuthContract(store *spec.Store, cs *spec.AuthContractSpec, fallbackDir string) (*spec.AuthContract, error) {
	contract, err := store.AuthContract(cs.Path)
	if err != nil {
		return nil, err
	}
	dir := cs.BackendEndpointDir
	if dir == "" {
		dir = fallbackDir
	}
	endpoints, err := store.Endpoints(dir)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]spec.Endpoint, len(endpoints))
	for _, ep := range endpoints {
		if _, dup := byName[ep.Name]; !dup {
			byName[ep.Name] = ep
		}
	}

	for _, name := range cs.Operations {
		op, ok, err := contract.Operation(name)
		if err != nil {
			return nil, &spec.SpecificationError{Path: cs.Path, Err: err}
		}
		if !ok {
			return nil, violation("auth_contract", name, "Auth contract missing operation block: %s", name)
		}
		ep, ok := byName[name]
		if !ok {
			return nil, violation("auth_contract", name, "Backend endpoint missing for auth operation: %s", name)
		}
		for _, field := range cs.CompareFields {
			if !fieldMatches(field, ep, op) {
				subject := name + "." + field
				return nil, violation("auth_contract", subject, "Auth contract mismatch for %s", subject)
			}
		}
	}
	return contract, nil
}

func fieldMatches(field string, ep spec.Endpoint, op spec.Operation) bool {
	switch field {
	case "inputs":
		return sameSet(ep.Inputs, op.Inputs)
	case "outputs":
		return sameSet(ep.Outputs, op.Outputs)
	case "route":
		return ep.Route == op.Route
	default:
		return strings.EqualFold(ep.FieldString(field), op.FieldString(field))
	}
}

// sameSet compares a and b as unordered sets.
func sameSet(a, b []string) bool {
	return strings.Join(normalizeSet(a), "\x00") == strings.Join(normalizeSet(b), "\x00")
}

func normalizeSet(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// ---------------------------------------------------------------------------
// security policy
// ---------------------------------------------------------------------------

func checkSecurityPolicy(store *spec.Store, ps *spec.SecurityPolicySpec) (spec.Document, []byte, error) {
	if !store.Exists(ps.Path) {
		return spec.Document{}, nil, violation("security_policy", ps.Path, "Missing security policy file: %s", ps.Path)
	}
	policy, err := store.Document(ps.Path)
	if err != nil {
		return spec.Document{}, nil, err
	}
	for _, key := range ps.RequiredKeys {
		if !policy.IsObject(key) {
			return spec.Document{}, nil, violation("security_policy", key, "Security policy missing object key: %s", key)
		}
	}

	var jwtBlock map[string]json.RawMessage
	if policy.IsObject("jwt") {
		_ = policy.Get("jwt", &jwtBlock)
	}
	for _, key := range ps.RequiredJWTKeys {
		if !nonEmptyString(jwtBlock[key]) {
			return spec.Document{}, nil, violation("security_policy", "jwt."+key, "Security policy missing jwt.%s", key)
		}
	}

	if ps.RequireCORSAllowlist {
		var corsBlock map[string]json.RawMessage
		if policy.IsObject("cors") {
			_ = policy.Get("cors", &corsBlock)
		}
		if !nonEmptyString(corsBlock["allowlist_env"]) {
			return spec.Document{}, nil, violation("security_policy", "cors.allowlist_env", "Security policy must define cors.allowlist_env")
		}
	}

	raw, err := policy.MarshalJSON()
	if err != nil {
		return spec.Document{}, nil, &spec.SpecificationError{Path: ps.Path, Err: err}
	}
	return policy, raw, nil
}

func nonEmptyString(raw json.RawMessage) bool {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return false
	}
	return strings.TrimSpace(s) != ""
}

// ---------------------------------------------------------------------------
// endpoints
// ---------------------------------------------------------------------------

// checkEndpointShape enforces what the generated runtime relies on for every
// endpoint, whether or not endpoint security rules are configured.
func checkEndpointShape(endpoints []spec.Endpoint, publicFlag string) error {
	for _, ep := range endpoints {
		if _, explicit := ep.Flag(publicFlag); !explicit {
			return violation("endpoint_shape", ep.Name, "Endpoint %s must declare explicit boolean %s", ep.Name, publicFlag)
		}
		if !strings.HasPrefix(ep.Route, "/") {
			return violation("endpoint_shape", ep.Name, "Endpoint %s has invalid route", ep.Name)
		}
		if strings.TrimSpace(ep.Method) == "" {
			return violation("endpoint_shape", ep.Name, "Endpoint %s has invalid method", ep.Name)
		}
	}
	return nil
}

func checkEndpointSecurity(endpoints []spec.Endpoint, es *spec.EndpointSecuritySpec, publicFlag string) error {
	for _, ep := range endpoints {
		public, explicit := ep.Flag(publicFlag)
		if es.RequireExplicitPublicFlag && !explicit {
			return violation("endpoint_security", ep.Name, "Endpoint %s must declare explicit boolean %s", ep.Name, publicFlag)
		}
		if public {
			continue
		}
		if !ep.HasLogic(es.RequireJWTLogic) {
			return violation("endpoint_security", ep.Name,
				"Endpoint %s must include %s in logic_refs or be marked %s:true", ep.Name, es.RequireJWTLogic, publicFlag)
		}
	}

	for _, name := range []string{"login", "signup"} {
		for _, ep := range endpoints {
			if ep.Name != name {
				continue
			}
			if !ep.HasLogic(es.RequireHashLogic) {
				return violation("endpoint_security", ep.Name, "Endpoint %s must include %s", ep.Name, es.RequireHashLogic)
			}
			if !ep.HasLogic(es.RequireTokenLogic) {
				return violation("endpoint_security", ep.Name, "Endpoint %s must include %s", ep.Name, es.RequireTokenLogic)
			}
			if public, _ := ep.Flag(publicFlag); !public {
				return violation("endpoint_security", ep.Name, "Endpoint %s must be explicitly %s:true", ep.Name, publicFlag)
			}
			break
		}
	}
	return nil
}
