package plugin

import (
	"errors"
	"fmt"

	"specforge/internal/spec"
)

// Mode is the direction of a plan.
type Mode string

const (
	ModeEnable  Mode = "enable"
	ModeDisable Mode = "disable"
)

// ParseMode accepts enable or disable; empty means enable.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeEnable:
		return ModeEnable, nil
	case ModeDisable:
		return ModeDisable, nil
	}
	return "", errors.New("Plan mode must be enable or disable")
}

// PlanPreconditionError reports a document that changed between planning
// and applying.
type PlanPreconditionError struct {
	File  string
	Field string
}

func (e *PlanPreconditionError) Error() string {
	return fmt.Sprintf("Plan precondition failed for %s#%s", e.File, e.Field)
}

// MutationPlan is one planned array edit. A nil Before carries no
// precondition; Error marks a mutation that could not be planned.
type MutationPlan struct {
	File   string   `json:"file"`
	Field  string   `json:"field"`
	Action Mode     `json:"action"`
	Before []string `json:"before"`
	After  []string `json:"after"`
	Error  string   `json:"error,omitempty"`
}

// Change is the planned effect of enabling one plugin.
type Change struct {
	Plugin            string         `json:"plugin"`
	Skipped           string         `json:"skipped,omitempty"`
	CopyFiles         []FileCopy     `json:"copy_files,omitempty"`
	ManifestMutations []MutationPlan `json:"manifest_mutations,omitempty"`
}

// Plan is the full effect of an enable or disable, computed without writing.
type Plan struct {
	PlanID       string   `json:"plan_id"`
	Command      Mode     `json:"command"`
	Plugin       string   `json:"plugin"`
	InstallOrder []string `json:"install_order,omitempty"`
	Changes      []Change `json:"changes,omitempty"`

	BlockedByDependents []string       `json:"blocked_by_dependents,omitempty"`
	RemoveFiles         []string       `json:"remove_files,omitempty"`
	ManifestMutations   []MutationPlan `json:"manifest_mutations,omitempty"`

	CreatedAt string `json:"created_at"`
}

// Blocked reports whether the plan is a refused disable.
func (p *Plan) Blocked() bool { return len(p.BlockedByDependents) > 0 }

// overlay reads documents from the store, letting earlier planned edits
// shadow the on-disk contents.
type overlay struct {
	store *spec.Store
	docs  map[string]spec.Document
	order []string
}

func newOverlay(store *spec.Store) *overlay {
	return &overlay{store: store, docs: map[string]spec.Document{}}
}

func (o *overlay) exists(file string) bool {
	_, ok := o.docs[file]
	return ok || o.store.Exists(file)
}

func (o *overlay) get(file string) (spec.Document, error) {
	if doc, ok := o.docs[file]; ok {
		return doc, nil
	}
	return o.store.Document(file)
}

func (o *overlay) set(file string, doc spec.Document) {
	if _, ok := o.docs[file]; !ok {
		o.order = append(o.order, file)
	}
	o.docs[file] = doc
}

// planMutation computes one array edit against the overlay and records its
// result there.
func (o *overlay) planMutation(mut Mutation, mode Mode) MutationPlan {
	mp := MutationPlan{File: mut.File, Field: mut.Field, Action: mode}
	if !o.exists(mut.File) {
		mp.Error = "target file missing"
		return mp
	}
	doc, err := o.get(mut.File)
	if err != nil {
		mp.Error = err.Error()
		return mp
	}
	before, err := doc.Strings(mut.Field)
	if err != nil {
		mp.Error = "target field is not an array"
		return mp
	}
	if before == nil {
		before = []string{}
	}
	if mode == ModeEnable {
		mp.After = spec.AddIDs(before, mut.Add)
	} else {
		mp.After = spec.RemoveIDs(before, mut.Remove)
	}
	if mp.After == nil {
		mp.After = []string{}
	}
	mp.Before = before
	o.set(mut.File, doc.SetIDs(mut.Field, mp.After))
	return mp
}

func (m *Manager) planEnable(reg *Registry, st *State, id string) (*Plan, error) {
	order, err := reg.ResolveDependencies(id)
	if err != nil {
		return nil, err
	}
	p := &Plan{Command: ModeEnable, Plugin: id, InstallOrder: order}
	ov := newOverlay(m.store)
	for _, pid := range order {
		if st.IsActive(pid) {
			p.Changes = append(p.Changes, Change{Plugin: pid, Skipped: "already active"})
			continue
		}
		man, _ := reg.Get(pid)
		ch := Change{Plugin: pid, CopyFiles: []FileCopy{}, ManifestMutations: []MutationPlan{}}
		for _, f := range man.Files {
			ch.CopyFiles = append(ch.CopyFiles, FileCopy{From: man.SourcePath(f.From), To: f.To})
		}
		for _, mut := range man.ManifestMutations {
			ch.ManifestMutations = append(ch.ManifestMutations, ov.planMutation(mut, ModeEnable))
		}
		p.Changes = append(p.Changes, ch)
	}
	return p, nil
}

// disableable refuses the core plugin, unknown ids and inactive plugins.
func disableable(reg *Registry, st *State, id string) (*Manifest, error) {
	if id == CorePlugin {
		return nil, errors.New("core plugin cannot be disabled")
	}
	man, err := reg.Get(id)
	if err != nil {
		return nil, err
	}
	if !st.IsActive(id) {
		return nil, fmt.Errorf("Plugin is not active: %s", id)
	}
	return man, nil
}

func (m *Manager) planDisable(reg *Registry, st *State, id string) (*Plan, error) {
	man, err := disableable(reg, st, id)
	if err != nil {
		return nil, err
	}
	p := &Plan{Command: ModeDisable, Plugin: id}
	if deps := reg.Dependents(id, st.Active); len(deps) > 0 {
		p.BlockedByDependents = deps
		return p, nil
	}
	p.RemoveFiles = spec.AddIDs(st.ManagedFiles[id], man.RemoveOnDisable)
	ov := newOverlay(m.store)
	p.ManifestMutations = []MutationPlan{}
	for _, mut := range man.ManifestMutations {
		p.ManifestMutations = append(p.ManifestMutations, ov.planMutation(mut, ModeDisable))
	}
	return p, nil
}
