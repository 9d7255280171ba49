package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"specforge/internal/config"
	"specforge/internal/spec"
)

// Options configures a Manager.
type Options struct {
	Log   *logrus.Entry
	Now   func() time.Time
	NewID func() string
}

// Manager runs plugin operations against one project.
type Manager struct {
	store  *spec.Store
	layout config.Layout
	log    *logrus.Entry
	now    func() time.Time
	newID  func() string
}

// NewManager returns a manager for the project behind store.
func NewManager(store *spec.Store, layout config.Layout, opts Options) *Manager {
	m := &Manager{store: store, layout: layout, log: opts.Log, now: opts.Now, newID: opts.NewID}
	if m.log == nil {
		m.log = logrus.NewEntry(logrus.StandardLogger())
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	return m
}

func (m *Manager) load() (*Registry, *State, error) {
	reg, err := LoadRegistry(m.store, m.layout.RegistryPath())
	if err != nil {
		return nil, nil, err
	}
	st, err := loadState(m.store, m.layout.StatePath(), reg)
	if err != nil {
		return nil, nil, err
	}
	return reg, st, nil
}

func (m *Manager) timestamp() string {
	return m.now().UTC().Format(time.RFC3339)
}

// Entry is one line of List.
type Entry struct {
	ID     string
	Risk   string
	Active bool
}

func (e Entry) String() string {
	mark := "[ ]"
	if e.Active {
		mark = "[x]"
	}
	risk := e.Risk
	if risk == "" {
		risk = "n/a"
	}
	return fmt.Sprintf("%s %s (%s)", mark, e.ID, risk)
}

// List returns every registered plugin in registry order.
func (m *Manager) List() ([]Entry, error) {
	reg, st, err := m.load()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(reg.order))
	for _, id := range reg.order {
		entries = append(entries, Entry{ID: id, Risk: reg.plugins[id].Risk, Active: st.IsActive(id)})
	}
	return entries, nil
}

// Status returns the current plugin state.
func (m *Manager) Status() (*State, error) {
	_, st, err := m.load()
	return st, err
}

// Plan computes the effect of enabling or disabling id without writing.
func (m *Manager) Plan(id string, mode Mode) (*Plan, error) {
	reg, st, err := m.load()
	if err != nil {
		return nil, err
	}
	return m.plan(reg, st, id, mode)
}

func (m *Manager) plan(reg *Registry, st *State, id string, mode Mode) (*Plan, error) {
	var (
		p   *Plan
		err error
	)
	switch mode {
	case ModeEnable:
		p, err = m.planEnable(reg, st, id)
	case ModeDisable:
		p, err = m.planDisable(reg, st, id)
	default:
		return nil, fmt.Errorf("unknown plan mode %q", mode)
	}
	if err != nil {
		return nil, err
	}
	p.PlanID = m.newID()
	p.CreatedAt = m.timestamp()
	return p, nil
}

// Enable activates id and its dependencies. Already active plugins are
// skipped, so enabling twice changes nothing.
func (m *Manager) Enable(id string, dryRun bool) (*Plan, error) {
	return m.run(id, ModeEnable, dryRun)
}

// Disable deactivates id. It refuses the core plugin, inactive plugins and
// plugins with active dependents, leaving everything untouched.
func (m *Manager) Disable(id string, dryRun bool) (*Plan, error) {
	return m.run(id, ModeDisable, dryRun)
}

func (m *Manager) run(id string, mode Mode, dryRun bool) (*Plan, error) {
	reg, st, err := m.load()
	if err != nil {
		return nil, err
	}
	p, err := m.plan(reg, st, id, mode)
	if err != nil {
		return nil, err
	}
	if err := m.apply(reg, st, p, dryRun); err != nil {
		return nil, err
	}
	return p, nil
}

// Apply executes a plan produced earlier. The whole plan is checked against
// the live documents first; any drift returns *PlanPreconditionError and
// nothing is written. A disable plan is also checked against the live
// plugin state, so plugins activated after planning still block it.
func (m *Manager) Apply(p *Plan, dryRun bool) error {
	reg, st, err := m.load()
	if err != nil {
		return err
	}
	return m.apply(reg, st, p, dryRun)
}

// LoadPlan reads a plan file. Relative paths resolve inside the project.
func (m *Manager) LoadPlan(file string) (*Plan, error) {
	var (
		data []byte
		err  error
	)
	if filepath.IsAbs(file) {
		data, err = os.ReadFile(file)
	} else {
		data, err = m.store.Workspace().ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("Plan file not found: %s: %w", file, err)
	}
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", file, err)
	}
	if p.Command != ModeEnable && p.Command != ModeDisable {
		return nil, errors.New("Unknown plan command; expected enable or disable")
	}
	return &p, nil
}

// ---------------------------------------------------------------------------
// apply
// ---------------------------------------------------------------------------

func (m *Manager) apply(reg *Registry, st *State, p *Plan, dryRun bool) error {
	if p.Command == ModeDisable {
		if p.Blocked() {
			return &BlockedError{Plugin: p.Plugin, Dependents: p.BlockedByDependents}
		}
		if _, err := disableable(reg, st, p.Plugin); err != nil {
			return err
		}
		if deps := reg.Dependents(p.Plugin, st.Active); len(deps) > 0 {
			return &BlockedError{Plugin: p.Plugin, Dependents: deps}
		}
	}

	ov, err := m.preflight(p)
	if err != nil {
		return err
	}

	log := m.log.WithFields(logrus.Fields{"plugin": p.Plugin, "plan_id": p.PlanID, "dry_run": dryRun})
	ws := m.store.Workspace()

	switch p.Command {
	case ModeEnable:
		for _, ch := range p.Changes {
			if ch.Skipped != "" {
				continue
			}
			copied := make([]string, 0, len(ch.CopyFiles))
			for _, c := range ch.CopyFiles {
				if !dryRun {
					if err := ws.CopyFile(c.From, c.To); err != nil {
						return fmt.Errorf("copy %s: %w", c.From, err)
					}
				}
				copied = append(copied, c.To)
			}
			st.activate(ch.Plugin)
			st.manage(ch.Plugin, copied)
		}
		for _, id := range p.InstallOrder {
			st.activate(id)
		}
	case ModeDisable:
		for _, f := range p.RemoveFiles {
			if !dryRun {
				if err := ws.Remove(f); err != nil {
					return fmt.Errorf("remove %s: %w", f, err)
				}
			}
		}
		st.deactivate(p.Plugin)
	}

	if !dryRun {
		for _, file := range ov.order {
			if err := m.store.Save(file, ov.docs[file]); err != nil {
				return err
			}
		}
		st.UpdatedAt = m.timestamp()
		if err := saveState(m.store, m.layout.StatePath(), st); err != nil {
			return err
		}
	}
	msg := "plugin enabled"
	if p.Command == ModeDisable {
		msg = "plugin disabled"
	}
	log.WithField("active", st.Active).Info(msg)
	return nil
}

// preflight replays the plan's mutations against an overlay of the live
// documents and checks every copy source. The returned overlay holds the
// documents to write.
func (m *Manager) preflight(p *Plan) (*overlay, error) {
	ov := newOverlay(m.store)
	var muts []MutationPlan
	switch p.Command {
	case ModeEnable:
		for _, ch := range p.Changes {
			if ch.Skipped != "" {
				continue
			}
			for _, c := range ch.CopyFiles {
				if _, err := m.store.Workspace().Abs(c.To); err != nil {
					return nil, fmt.Errorf("plan target %s: %w", c.To, err)
				}
				if !m.store.Exists(c.From) {
					return nil, fmt.Errorf("Plan source file not found: %s", c.From)
				}
			}
			muts = append(muts, ch.ManifestMutations...)
		}
	case ModeDisable:
		muts = p.ManifestMutations
	default:
		return nil, errors.New("Unknown plan command; expected enable or disable")
	}

	for _, mp := range muts {
		if mp.Error != "" {
			if p.Command == ModeDisable {
				continue
			}
			return nil, fmt.Errorf("cannot apply %s#%s: %s", mp.File, mp.Field, mp.Error)
		}
		if !ov.exists(mp.File) {
			return nil, fmt.Errorf("Plan target file not found: %s", mp.File)
		}
		doc, err := ov.get(mp.File)
		if err != nil {
			return nil, err
		}
		current, err := doc.Strings(mp.Field)
		if err != nil {
			return nil, fmt.Errorf("Plan target field is not array: %s#%s", mp.File, mp.Field)
		}
		if mp.Before != nil && !cmp.Equal(current, mp.Before, cmpopts.EquateEmpty()) {
			return nil, &PlanPreconditionError{File: mp.File, Field: mp.Field}
		}
		ov.set(mp.File, doc.SetIDs(mp.Field, mp.After))
	}
	return ov, nil
}
