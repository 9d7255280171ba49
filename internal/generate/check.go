package generate

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/dop251/goja"

	"specforge/internal/config"
	"specforge/internal/invariant"
	"specforge/internal/spec"
	"specforge/pkg/authserver"
)

// ArtifactError reports a generated artifact that is missing, malformed or
// out of date with the specification.
type ArtifactError struct {
	Path    string
	Message string
}

func (e *ArtifactError) Error() string {
	return fmt.Sprintf("artifact check failed for %s: %s", e.Path, e.Message)
}

// serverMarkers must appear in a generated server.
var serverMarkers = []string{
	"DO NOT EDIT",
	RuntimeImport,
	"authserver.Main(endpointsJSON, policyJSON)",
}

// Check verifies the artifacts on disk against a validation result: the
// bundle parses as JavaScript, the stylesheet exists, and, when the backend
// is enabled, the side manifest matches the endpoint sources, the server
// carries the runtime wiring and the vendored runtime is current.
func Check(store *spec.Store, r *invariant.Result, layout config.Layout) error {
	if err := checkFrontend(store, layout); err != nil {
		return err
	}
	if !r.BackendEnabled {
		return nil
	}
	return checkBackend(store, r, layout)
}

func checkFrontend(store *spec.Store, layout config.Layout) error {
	ws := store.Workspace()
	bundlePath := path.Join(layout.FrontendOut, BundleFile)
	src, err := ws.ReadFile(bundlePath)
	if err != nil {
		return &ArtifactError{Path: bundlePath, Message: "missing bundle; run specforge build first"}
	}
	if err := ParseScript(bundlePath, src); err != nil {
		return &ArtifactError{Path: bundlePath, Message: err.Error()}
	}
	stylePath := path.Join(layout.FrontendOut, StyleFile)
	if !ws.Exists(stylePath) {
		return &ArtifactError{Path: stylePath, Message: "missing stylesheet; run specforge build first"}
	}
	return nil
}

// ParseScript compiles a bundle with its module import lines removed.
func ParseScript(name string, src []byte) error {
	var body strings.Builder
	sc := bufio.NewScanner(bytes.NewReader(src))
	sc.Buffer(make([]byte, 0, 64*1024), len(src)+1)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "import ") {
			body.WriteString("\n")
			continue
		}
		body.WriteString(line)
		body.WriteString("\n")
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if _, err := goja.Compile(name, body.String(), false); err != nil {
		return fmt.Errorf("syntax error: %w", err)
	}
	return nil
}

func checkBackend(store *spec.Store, r *invariant.Result, layout config.Layout) error {
	ws := store.Workspace()
	manifestPath := path.Join(layout.BackendOut, ManifestFile)
	data, err := ws.ReadFile(manifestPath)
	if err != nil {
		return &ArtifactError{Path: manifestPath, Message: "missing generated backend manifest; run specforge build first"}
	}
	var m SideManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return &ArtifactError{Path: manifestPath, Message: "malformed generated backend manifest: " + err.Error()}
	}
	if m.Endpoints == nil {
		return &ArtifactError{Path: manifestPath, Message: "generated backend manifest missing endpoints array"}
	}
	if len(m.Endpoints) != len(r.Endpoints) {
		return &ArtifactError{Path: manifestPath, Message: fmt.Sprintf(
			"generated endpoint count %d does not match source endpoint count %d", len(m.Endpoints), len(r.Endpoints))}
	}

	generated := make(map[string]authserver.Endpoint, len(m.Endpoints))
	for _, ep := range m.Endpoints {
		generated[ep.Name] = ep
	}
	for _, src := range r.Endpoints {
		g, ok := generated[src.Name]
		if !ok {
			return &ArtifactError{Path: manifestPath, Message: "missing generated endpoint for " + src.Name}
		}
		if g.Route != src.Route {
			return &ArtifactError{Path: manifestPath, Message: "route drift for endpoint " + src.Name}
		}
		if !strings.EqualFold(g.Method, src.Method) {
			return &ArtifactError{Path: manifestPath, Message: "method drift for endpoint " + src.Name}
		}
		if public, _ := src.Flag(r.PublicFlag()); g.Public != public {
			return &ArtifactError{Path: manifestPath, Message: "public flag drift for endpoint " + src.Name}
		}
	}

	serverPath := path.Join(layout.BackendOut, ServerFile)
	server, err := ws.ReadFile(serverPath)
	if err != nil {
		return &ArtifactError{Path: serverPath, Message: "missing generated server; run specforge build first"}
	}
	for _, marker := range serverMarkers {
		if !bytes.Contains(server, []byte(marker)) {
			return &ArtifactError{Path: serverPath, Message: fmt.Sprintf("generated server missing %q", marker)}
		}
	}
	return checkRuntime(store, layout)
}

// checkRuntime compares the backend's go.mod and vendored runtime with what
// this build of specforge would write.
func checkRuntime(store *spec.Store, layout config.Layout) error {
	ws := store.Workspace()
	goModPath := path.Join(layout.BackendOut, GoModFile)
	goMod, err := ws.ReadFile(goModPath)
	if err != nil {
		return &ArtifactError{Path: goModPath, Message: "missing generated go.mod; run specforge build first"}
	}
	want, err := renderGoMod()
	if err != nil {
		return err
	}
	if !bytes.Equal(goMod, want) {
		return &ArtifactError{Path: goModPath, Message: "go.mod is out of date; run specforge build"}
	}

	runtime, err := RuntimeSources()
	if err != nil {
		return err
	}
	names := make([]string, 0, len(runtime))
	for name := range runtime {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := path.Join(layout.BackendOut, name)
		got, err := ws.ReadFile(p)
		if err != nil {
			return &ArtifactError{Path: p, Message: "missing vendored runtime file; run specforge build first"}
		}
		if !bytes.Equal(got, runtime[name]) {
			return &ArtifactError{Path: p, Message: "vendored runtime is out of date; run specforge build"}
		}
	}
	return nil
}
