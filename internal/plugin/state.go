package plugin

import (
	"fmt"
	"slices"

	"specforge/internal/spec"
)

// State is the persisted set of active plugins and the files each copied
// into the project.
type State struct {
	Active       []string            `json:"active"`
	ManagedFiles map[string][]string `json:"managed_files"`
	UpdatedAt    string              `json:"updated_at"`
}

// IsActive reports whether id is active.
func (s *State) IsActive(id string) bool { return slices.Contains(s.Active, id) }

func (s *State) activate(id string) {
	if !s.IsActive(id) {
		s.Active = append(s.Active, id)
	}
}

func (s *State) deactivate(id string) {
	s.Active = spec.RemoveIDs(s.Active, []string{id})
	delete(s.ManagedFiles, id)
}

func (s *State) manage(id string, files []string) {
	if len(files) == 0 {
		return
	}
	s.ManagedFiles[id] = spec.AddIDs(s.ManagedFiles[id], files)
}

// loadState reads the state file, or derives a fresh state from the
// registry defaults when it does not exist yet. The core plugin is always
// active.
func loadState(store *spec.Store, rel string, reg *Registry) (*State, error) {
	var st State
	if store.Exists(rel) {
		if err := store.Decode(rel, &st); err != nil {
			return nil, err
		}
	} else {
		st.Active = reg.Defaults()
	}
	if st.Active == nil {
		st.Active = []string{}
	}
	if st.ManagedFiles == nil {
		st.ManagedFiles = map[string][]string{}
	}
	if !st.IsActive(CorePlugin) {
		st.Active = append([]string{CorePlugin}, st.Active...)
	}
	return &st, nil
}

func saveState(store *spec.Store, rel string, st *State) error {
	data, err := spec.MarshalIndent(st)
	if err != nil {
		return fmt.Errorf("encode plugin state: %w", err)
	}
	return store.Workspace().WriteFile(rel, data)
}
