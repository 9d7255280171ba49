package harness

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"specforge/internal/config"
	"specforge/internal/spec"
	"specforge/internal/workspace"
)

// Scope is the part of the specification a change touched.
type Scope string

const (
	ScopeAll      Scope = "all"
	ScopeFrontend Scope = "frontend"
	ScopeBackend  Scope = "backend"
)

// ClassifyScope maps a changed path to a scope. Paths under the backend
// spec directory are backend, paths under the frontend spec directory are
// frontend, anything else (including no path) is all. The path may be
// relative to the project root or absolute.
func ClassifyScope(layout config.Layout, changed string) Scope {
	p := strings.ToLower(strings.ReplaceAll(changed, `\`, "/"))
	if p == "" {
		return ScopeAll
	}
	p = strings.TrimPrefix(p, "./")
	switch {
	case under(p, layout.BackendDir):
		return ScopeBackend
	case under(p, layout.FrontendDir):
		return ScopeFrontend
	}
	return ScopeAll
}

func under(p, dir string) bool {
	d := strings.ToLower(strings.Trim(path.Clean(dir), "/"))
	return strings.HasPrefix(p, d+"/") || strings.Contains(p, "/"+d+"/")
}

// CacheEntry records the fingerprint a step last ran against.
type CacheEntry struct {
	Scope       string `json:"scope"`
	Fingerprint string `json:"fingerprint"`
	UpdatedAt   string `json:"updated_at"`
}

// DevCache is harness/.dev_cache.json, keyed by "<phase>:<command>".
type DevCache struct {
	Steps map[string]CacheEntry `json:"steps"`

	dirty bool
}

// loadCache reads the cache at rel. A missing or unreadable cache is empty.
func loadCache(ws *workspace.Workspace, rel string) *DevCache {
	c := &DevCache{}
	if data, err := ws.ReadFile(rel); err == nil {
		_ = json.Unmarshal(data, c)
	}
	if c.Steps == nil {
		c.Steps = map[string]CacheEntry{}
	}
	return c
}

// record stores fp for key and reports whether it was already current.
func (c *DevCache) record(key, scope, fp, now string) (unchanged bool) {
	if prev, ok := c.Steps[key]; ok && prev.Fingerprint == fp {
		return true
	}
	c.Steps[key] = CacheEntry{Scope: scope, Fingerprint: fp, UpdatedAt: now}
	c.dirty = true
	return false
}

func (c *DevCache) save(ws *workspace.Workspace, rel string) error {
	if !c.dirty {
		return nil
	}
	data, err := spec.MarshalIndent(c)
	if err != nil {
		return fmt.Errorf("encode dev cache: %w", err)
	}
	return ws.WriteFile(rel, data)
}

// Fingerprint hashes the relative path, modification time and size of every
// .json file in the spec trees of scope. Files matching a settings deny rule
// are left out.
func Fingerprint(ws *workspace.Workspace, settings *config.Settings, scope string) (string, error) {
	var dirs []string
	switch Scope(scope) {
	case ScopeFrontend:
		dirs = []string{settings.Layout.FrontendDir}
	case ScopeBackend:
		dirs = []string{settings.Layout.BackendDir}
	default:
		dirs = []string{settings.Layout.FrontendDir, settings.Layout.BackendDir}
	}

	seen := map[string]bool{}
	var files []string
	for _, dir := range dirs {
		found, err := ws.ListFiles(dir, ".json")
		if err != nil {
			return "", err
		}
		for _, f := range found {
			if seen[f] || settings.IsDenied(f) {
				continue
			}
			seen[f] = true
			files = append(files, f)
		}
	}
	sort.Strings(files)

	h := xxhash.New()
	for _, f := range files {
		info, err := ws.Stat(f)
		if err != nil {
			return "", fmt.Errorf("fingerprint %s: %w", f, err)
		}
		h.WriteString(f)
		h.WriteString("\x00")
		h.WriteString(strconv.FormatInt(info.ModTime().UnixNano(), 10))
		h.WriteString("\x00")
		h.WriteString(strconv.FormatInt(info.Size(), 10))
		h.WriteString("\n")
	}
	return strconv.FormatUint(h.Sum64(), 16), nil
}
