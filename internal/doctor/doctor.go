// Package doctor checks that a project still has the shape specforge
// expects: required documents, manifest array fields and a consistent plugin
// registry. The deep mode also runs capability detection and the invariant
// validator.
package doctor

import (
	"fmt"
	"path"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"specforge/internal/config"
	"specforge/internal/harness"
	"specforge/internal/invariant"
	"specforge/internal/plugin"
	"specforge/internal/spec"
)

// Failure is the first check that did not pass.
type Failure struct {
	Check   string // files, manifests, plugins, deep
	Message string
	Err     error
}

func (f *Failure) Error() string { return f.Message }

func (f *Failure) Unwrap() error { return f.Err }

func fail(check, format string, args ...any) *Failure {
	return &Failure{Check: check, Message: fmt.Sprintf(format, args...)}
}

// Report is the outcome of a passing run.
type Report struct {
	Deep         bool
	Capabilities map[string]bool // deep mode only
}

// Mode returns "deep" or "quick".
func (r *Report) Mode() string {
	if r.Deep {
		return "deep"
	}
	return "quick"
}

// Run checks the project behind store. The first failing check is returned
// as *Failure; malformed documents surface as *spec.SpecificationError.
func Run(store *spec.Store, layout config.Layout, deep bool, log *logrus.Entry) (*Report, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := checkFiles(store, layout); err != nil {
		return nil, err
	}
	if err := checkManifests(store, layout); err != nil {
		return nil, err
	}
	if err := checkPlugins(store, layout); err != nil {
		return nil, err
	}
	rep := &Report{Deep: deep}
	if deep {
		caps, err := deepChecks(store, layout)
		if err != nil {
			return nil, err
		}
		rep.Capabilities = caps
	}
	log.WithField("mode", rep.Mode()).Debug("doctor passed")
	return rep, nil
}

func checkFiles(store *spec.Store, l config.Layout) error {
	required := []string{
		path.Join(l.FrontendDir, "manifest.json"),
		path.Join(l.BackendDir, "manifest.json"),
		l.Invariants,
		l.RegistryPath(),
		l.MatrixPath(),
	}
	for _, rel := range required {
		if !store.Exists(rel) {
			return fail("files", "Missing required file: %s", rel)
		}
	}
	return nil
}

var manifestFields = []struct {
	dir    func(config.Layout) string
	fields []string
}{
	{func(l config.Layout) string { return l.FrontendDir }, []string{"components", "routes", "styles", "contracts"}},
	{func(l config.Layout) string { return l.BackendDir }, []string{"endpoints", "logic", "models", "security"}},
}

func checkManifests(store *spec.Store, l config.Layout) error {
	for _, m := range manifestFields {
		rel := path.Join(m.dir(l), "manifest.json")
		data, err := store.Workspace().ReadFile(rel)
		if err != nil {
			return &spec.SpecificationError{Path: rel, Err: err}
		}
		if !gjson.ValidBytes(data) {
			return fail("manifests", "Invalid JSON in %s", rel)
		}
		for _, f := range m.fields {
			if !gjson.GetBytes(data, gjson.Escape(f)).IsArray() {
				return fail("manifests", "%s must contain array field: %s", rel, f)
			}
		}
	}
	return nil
}

func checkPlugins(store *spec.Store, l config.Layout) error {
	var reg plugin.Registry
	if err := store.Decode(l.RegistryPath(), &reg); err != nil {
		return err
	}
	known := map[string]bool{}
	for _, e := range reg.Entries {
		known[e.ID] = true
	}
	if !known[plugin.CorePlugin] {
		return fail("plugins", "Plugin registry must include core plugin")
	}

	// A project that never changed a plugin has no state file yet; its
	// state is the registry defaults.
	if store.Exists(l.StatePath()) {
		var st plugin.State
		if err := store.Decode(l.StatePath(), &st); err != nil {
			return err
		}
		for _, id := range st.Active {
			if !known[id] {
				return fail("plugins", "Active plugin not found in registry: %s", id)
			}
		}
		if !st.IsActive(plugin.CorePlugin) {
			return fail("plugins", "%s must include core plugin", l.StatePath())
		}
	}

	for _, e := range reg.Entries {
		if e.Manifest == "" {
			return fail("plugins", "Plugin entry missing manifest path: %s", e.ID)
		}
		if !store.Exists(e.Manifest) {
			return fail("plugins", "Plugin manifest file missing: %s", e.Manifest)
		}
		var m plugin.Manifest
		if err := store.Decode(e.Manifest, &m); err != nil {
			return err
		}
		m.Path = e.Manifest
		if m.ID == "" {
			return fail("plugins", "Plugin manifest missing id: %s", e.Manifest)
		}
		for _, dep := range m.Dependencies {
			if !known[dep] && dep != e.ID {
				return fail("plugins", "Plugin dependency missing from registry: %s -> %s", m.ID, dep)
			}
		}
		for _, f := range m.Files {
			if f.From == "" || f.To == "" {
				return fail("plugins", "Plugin file entry requires from/to: %s", m.ID)
			}
			if !store.Exists(m.SourcePath(f.From)) {
				return fail("plugins", "Plugin source file missing: %s -> %s", m.ID, f.From)
			}
		}
		for _, mut := range m.ManifestMutations {
			if mut.File == "" || mut.Field == "" {
				return fail("plugins", "Plugin mutation requires file/field: %s", m.ID)
			}
		}
	}
	return nil
}

func deepChecks(store *spec.Store, l config.Layout) (map[string]bool, error) {
	m, err := harness.LoadMatrix(store, l.MatrixPath())
	if err != nil {
		return nil, err
	}
	caps, err := harness.Detect(store, m)
	if err != nil {
		return nil, &Failure{Check: "deep", Message: "Deep check failed: capability detection: " + err.Error(), Err: err}
	}
	if _, err := invariant.Validate(store, l.Invariants); err != nil {
		return nil, &Failure{Check: "deep", Message: "Deep check failed: validate: " + err.Error(), Err: err}
	}
	return caps, nil
}
