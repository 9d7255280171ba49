package config

// settings.go: project configuration loaded from .specforge/settings.yaml.
//
// The settings file carries the project layout (where specification
// documents live and where artifacts are written) and a deny list of glob
// patterns for files specforge must not read when fingerprinting. Patterns
// may be written as bare globs ("spec/frontend/drafts/**") or wrapped in a
// Read() verb ("Read(./spec/frontend/drafts/**)").

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SettingsDir is the per-project directory holding settings.yaml.
const SettingsDir = ".specforge"

// Settings holds specforge configuration from .specforge/settings.yaml.
type Settings struct {
	Layout      Layout      `yaml:"layout"`
	Permissions Permissions `yaml:"permissions"`
}

// Layout locates specification inputs and generated outputs, relative to the
// project root, using forward slashes.
type Layout struct {
	FrontendDir string `yaml:"frontend_dir"`
	BackendDir  string `yaml:"backend_dir"`
	Invariants  string `yaml:"invariants"`
	HarnessDir  string `yaml:"harness_dir"`
	FrontendOut string `yaml:"frontend_out"`
	BackendOut  string `yaml:"backend_out"`
}

// Permissions controls which files specforge reads.
type Permissions struct {
	// Deny is a list of glob patterns for files specforge should not read.
	// Example: ["Read(./spec/frontend/drafts/**)"]
	Deny []string `yaml:"deny"`
}

// DefaultLayout returns the layout used when settings.yaml is absent or
// leaves a field empty.
func DefaultLayout() Layout {
	return Layout{
		FrontendDir: "spec/frontend",
		BackendDir:  "spec/backend",
		Invariants:  "spec/invariants.json",
		HarnessDir:  "harness",
		FrontendOut: "web/src",
		BackendOut:  "backend_dist",
	}
}

func (l *Layout) fillDefaults() {
	d := DefaultLayout()
	for _, f := range []struct{ dst *string; def string }{
		{&l.FrontendDir, d.FrontendDir},
		{&l.BackendDir, d.BackendDir},
		{&l.Invariants, d.Invariants},
		{&l.HarnessDir, d.HarnessDir},
		{&l.FrontendOut, d.FrontendOut},
		{&l.BackendOut, d.BackendOut},
	} {
		if strings.TrimSpace(*f.dst) == "" {
			*f.dst = f.def
		}
		*f.dst = strings.TrimSuffix(filepath.ToSlash(*f.dst), "/")
	}
}

// RegistryPath is the plugin registry document.
func (l Layout) RegistryPath() string { return l.HarnessDir + "/plugins/registry.json" }

// StatePath is the persisted plugin state document.
func (l Layout) StatePath() string { return l.HarnessDir + "/active_plugins.json" }

// MatrixPath is the capability matrix document.
func (l Layout) MatrixPath() string { return l.HarnessDir + "/capability_matrix.json" }

// CachePath is the dev-phase step cache.
func (l Layout) CachePath() string { return l.HarnessDir + "/.dev_cache.json" }

// LoadSettings reads .specforge/settings.yaml relative to root.
// A missing file yields default settings, not an error.
func LoadSettings(root string) (*Settings, error) {
	s := &Settings{}
	path := filepath.Join(root, SettingsDir, "settings.yaml")
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", path, err)
		}
	}
	s.Layout.fillDefaults()
	return s, nil
}

// Save writes s to .specforge/settings.yaml under root.
func (s *Settings) Save(root string) error {
	dir := filepath.Join(root, SettingsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "settings.yaml"), data, 0o644)
}

// IsDenied reports whether relPath (forward-slash, relative to root) matches
// any deny rule. Safe to call on a nil *Settings receiver.
func (s *Settings) IsDenied(relPath string) bool {
	if s == nil {
		return false
	}
	for _, rule := range s.Permissions.Deny {
		if matchDenyPattern(parseDenyRule(rule), relPath) {
			return true
		}
	}
	return false
}

// parseDenyRule extracts the path glob from a deny rule.
//
//	"Read(./spec/drafts/**)" → "spec/drafts/**"
//	"spec/drafts/**"         → "spec/drafts/**"
func parseDenyRule(rule string) string {
	if strings.HasPrefix(rule, "Read(") && strings.HasSuffix(rule, ")") {
		rule = rule[5 : len(rule)-1]
	}
	return strings.TrimPrefix(rule, "./")
}

// matchDenyPattern reports whether path matches a deny glob pattern.
//
// "prefix/**" matches the prefix directory itself and every path beneath it.
// All other patterns use filepath.Match semantics (single * does not cross /).
func matchDenyPattern(pattern, path string) bool {
	if strings.HasSuffix(pattern, "/**") {
		prefix := strings.TrimSuffix(pattern, "/**")
		return path == prefix || strings.HasPrefix(path, prefix+"/")
	}
	matched, _ := filepath.Match(pattern, path)
	return matched
}
