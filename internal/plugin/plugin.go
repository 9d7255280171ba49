// Package plugin enables and disables optional feature packs. A pack copies
// files into the project and appends ids to manifest arrays; disabling it
// reverses both. Every change is computed as a Plan first and written only
// after the whole plan passes a pre-flight check.
package plugin

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"specforge/internal/spec"
)

// CorePlugin is always active and cannot be disabled.
const CorePlugin = "core"

// ErrUnknownPlugin is wrapped by lookups of unregistered plugin ids.
var ErrUnknownPlugin = errors.New("unknown plugin")

// DependencyCycleError reports a plugin reached again while its own
// dependencies were being resolved.
type DependencyCycleError struct {
	Plugin string
}

func (e *DependencyCycleError) Error() string {
	return "Dependency cycle detected at plugin: " + e.Plugin
}

// BlockedError reports a disable refused because active plugins depend on
// the target.
type BlockedError struct {
	Plugin     string
	Dependents []string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("Cannot disable %s; active dependents: %s", e.Plugin, strings.Join(e.Dependents, ", "))
}

// FileCopy copies From (relative to the pack's files/ directory in a
// manifest, relative to the project root in a plan) to To.
type FileCopy struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Mutation edits one array field of a JSON document.
type Mutation struct {
	File   string   `json:"file"`
	Field  string   `json:"field"`
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

// Manifest is a pack's plugin.json.
type Manifest struct {
	ID                string     `json:"id"`
	Dependencies      []string   `json:"dependencies"`
	Files             []FileCopy `json:"files"`
	ManifestMutations []Mutation `json:"manifest_mutations"`
	RemoveOnDisable   []string   `json:"remove_on_disable"`
	DefaultActive     bool       `json:"default_active"`
	Risk              string     `json:"risk"`

	// Path is the manifest's location relative to the project root.
	Path string `json:"-"`
}

// SourcePath returns the project-relative path of a file shipped by the pack.
func (m *Manifest) SourcePath(from string) string {
	return path.Join(path.Dir(m.Path), "files", from)
}

// RegistryEntry is one line of the plugin registry.
type RegistryEntry struct {
	ID            string `json:"id"`
	Manifest      string `json:"manifest"`
	DefaultActive bool   `json:"default_active"`
}

// Registry is the set of known plugins, in registry order.
type Registry struct {
	Entries []RegistryEntry `json:"plugins"`

	order   []string
	plugins map[string]*Manifest
}

// LoadRegistry reads the registry at rel and every manifest it lists.
// Plugins are keyed by the id declared in their manifest.
func LoadRegistry(store *spec.Store, rel string) (*Registry, error) {
	reg := &Registry{plugins: map[string]*Manifest{}}
	if err := store.Decode(rel, reg); err != nil {
		return nil, err
	}
	for _, e := range reg.Entries {
		var m Manifest
		if err := store.Decode(e.Manifest, &m); err != nil {
			return nil, fmt.Errorf("plugin %s: %w", e.ID, err)
		}
		if m.ID == "" {
			return nil, &spec.SpecificationError{Path: e.Manifest, Err: errors.New("plugin manifest has no id")}
		}
		m.Path = e.Manifest
		if _, dup := reg.plugins[m.ID]; !dup {
			reg.order = append(reg.order, m.ID)
		}
		reg.plugins[m.ID] = &m
	}
	return reg, nil
}

// IDs returns plugin ids in registry order.
func (r *Registry) IDs() []string { return append([]string(nil), r.order...) }

// Get returns the manifest of id.
func (r *Registry) Get(id string) (*Manifest, error) {
	m, ok := r.plugins[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, id)
	}
	return m, nil
}

// Defaults returns the ids marked default_active in the registry.
func (r *Registry) Defaults() []string {
	var ids []string
	for _, e := range r.Entries {
		if e.DefaultActive {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// ResolveDependencies returns id and its transitive dependencies in install
// order: every plugin after all of its dependencies.
func (r *Registry) ResolveDependencies(id string) ([]string, error) {
	var order []string
	done := map[string]bool{}
	visiting := map[string]bool{}

	var visit func(id string) error
	visit = func(id string) error {
		if done[id] {
			return nil
		}
		if visiting[id] {
			return &DependencyCycleError{Plugin: id}
		}
		m, err := r.Get(id)
		if err != nil {
			return err
		}
		visiting[id] = true
		for _, dep := range m.Dependencies {
			if dep == id {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		delete(visiting, id)
		done[id] = true
		order = append(order, id)
		return nil
	}

	if err := visit(id); err != nil {
		return nil, err
	}
	return order, nil
}

// Dependents returns the active plugins that list id as a dependency, in
// registry order.
func (r *Registry) Dependents(id string, active []string) []string {
	isActive := make(map[string]bool, len(active))
	for _, a := range active {
		isActive[a] = true
	}
	var out []string
	for _, pid := range r.order {
		if pid == id || !isActive[pid] {
			continue
		}
		for _, dep := range r.plugins[pid].Dependencies {
			if dep == id {
				out = append(out, pid)
				break
			}
		}
	}
	return out
}
