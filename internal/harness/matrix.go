// Package harness runs the phases of the capability matrix: ordered shell
// steps gated by detected capabilities, the scope of a change and opt-in
// environment flags. In the dev phase, steps with a cache scope are skipped
// while the fingerprint of that scope is unchanged.
package harness

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/tidwall/gjson"

	"specforge/internal/spec"
)

// Detector types.
const (
	DetectManifestArray  = "manifest_array_non_empty"
	DetectAuthOperations = "auth_contract_operations"
)

// Capability is one detector of the capability matrix.
type Capability struct {
	Type       string   `json:"type"`
	Path       string   `json:"path"`
	Field      string   `json:"field,omitempty"`
	Operations []string `json:"operations,omitempty"`
}

// Step is one command of a phase.
type Step struct {
	Command    string   `json:"command"`
	When       string   `json:"when,omitempty"`
	ChangedIn  []string `json:"changed_in,omitempty"`
	EnvFlag    string   `json:"env_flag,omitempty"`
	CacheScope string   `json:"cache_scope,omitempty"`
}

// Matrix is harness/capability_matrix.json.
type Matrix struct {
	Capabilities map[string]Capability `json:"capabilities"`
	Phases       map[string][]Step     `json:"phases"`
}

// LoadMatrix reads the capability matrix at rel.
func LoadMatrix(store *spec.Store, rel string) (*Matrix, error) {
	if !store.Exists(rel) {
		return nil, fmt.Errorf("Missing %s", rel)
	}
	var m Matrix
	if err := store.Decode(rel, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Detect evaluates every capability of m. Capabilities are evaluated in
// sorted id order so the first failure is stable.
func Detect(store *spec.Store, m *Matrix) (map[string]bool, error) {
	ids := make([]string, 0, len(m.Capabilities))
	for id := range m.Capabilities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	caps := make(map[string]bool, len(ids))
	for _, id := range ids {
		ok, err := detect(store, m.Capabilities[id])
		if err != nil {
			return nil, fmt.Errorf("capability %s: %w", id, err)
		}
		caps[id] = ok
	}
	return caps, nil
}

func detect(store *spec.Store, c Capability) (bool, error) {
	switch c.Type {
	case DetectManifestArray, DetectAuthOperations:
	default:
		return false, fmt.Errorf("Unsupported capability detector type: %s", c.Type)
	}
	if !store.Exists(c.Path) {
		return false, nil
	}
	data, err := store.Workspace().ReadFile(c.Path)
	if err != nil {
		return false, err
	}
	if !gjson.ValidBytes(data) {
		return false, &spec.SpecificationError{Path: c.Path, Err: errors.New("invalid JSON")}
	}

	if c.Type == DetectManifestArray {
		field := gjson.GetBytes(data, gjson.Escape(c.Field))
		return field.IsArray() && len(field.Array()) > 0, nil
	}
	for _, op := range c.Operations {
		block := gjson.GetBytes(data, gjson.Escape(op))
		if !truthy(block) || !truthy(block.Get("method")) || !truthy(block.Get("route")) {
			return false, nil
		}
	}
	return true, nil
}

// truthy follows JavaScript truthiness for JSON values.
func truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.String:
		return r.Str != ""
	case gjson.Number:
		return r.Num != 0
	case gjson.True, gjson.JSON:
		return true
	}
	return false
}

// Steps returns the steps of phase that pass the scope, capability and
// environment filters, in matrix order.
func (m *Matrix) Steps(phase string, caps map[string]bool, scope Scope, strict bool, getenv func(string) string) ([]Step, error) {
	steps, ok := m.Phases[phase]
	if !ok {
		return nil, fmt.Errorf("Unknown harness phase: %s", phase)
	}
	var out []Step
	for _, s := range steps {
		if s.When != "" && !caps[s.When] {
			continue
		}
		if !s.inScope(scope) || !s.envAllowed(strict, getenv) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (s Step) inScope(scope Scope) bool {
	return len(s.ChangedIn) == 0 || scope == ScopeAll || slices.Contains(s.ChangedIn, string(scope))
}

func (s Step) envAllowed(strict bool, getenv func(string) string) bool {
	return s.EnvFlag == "" || strict || getenv(s.EnvFlag) == "1"
}
