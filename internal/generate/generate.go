// Package generate compiles a validated specification into runnable
// artifacts: a standalone backend module (server source, go.mod, vendored
// runtime and side manifest) and the frontend script bundle with its
// stylesheet.
//
// Generation is a pure function of the validated input. Only the side
// manifest's generated_at field depends on the clock, which is injected
// through Options.
package generate

import (
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"specforge/internal/config"
	"specforge/internal/invariant"
	"specforge/internal/spec"
	"specforge/internal/workspace"
)

// Target selects which half of the product is built.
type Target string

const (
	TargetAll      Target = "all"
	TargetFrontend Target = "frontend"
	TargetBackend  Target = "backend"
)

// ParseTarget accepts "", all, frontend or backend.
func ParseTarget(s string) (Target, error) {
	switch Target(s) {
	case "", TargetAll:
		return TargetAll, nil
	case TargetFrontend, TargetBackend:
		return Target(s), nil
	}
	return "", fmt.Errorf("unknown build target %q (want all, frontend or backend)", s)
}

func (t Target) frontend() bool { return t == TargetAll || t == TargetFrontend }
func (t Target) backend() bool  { return t == TargetAll || t == TargetBackend }

// Output file names inside the layout's output directories.
const (
	BundleFile   = "main.js"
	StyleFile    = "style.css"
	ServerFile   = "main.go"
	ManifestFile = "manifest.generated.json"
)

// Options controls a generation run.
type Options struct {
	Target Target
	Layout config.Layout
	Now    func() time.Time
	Log    *logrus.Entry
}

func (o *Options) fill() {
	if o.Target == "" {
		o.Target = TargetAll
	}
	if o.Layout == (config.Layout{}) {
		o.Layout = config.DefaultLayout()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Log == nil {
		o.Log = logrus.NewEntry(logrus.StandardLogger())
	}
}

// Artifacts holds generated file contents. A nil field was not generated.
type Artifacts struct {
	Server   []byte
	Manifest []byte
	GoMod    []byte
	Runtime  map[string][]byte // vendored runtime, relative to the backend output
	Bundle   []byte
	Style    []byte

	layout config.Layout
}

// Files maps each generated artifact to its path relative to the project
// root.
func (a *Artifacts) Files() map[string][]byte {
	files := make(map[string][]byte, 5+len(a.Runtime))
	add := func(dir, name string, data []byte) {
		if data != nil {
			files[path.Join(dir, name)] = data
		}
	}
	add(a.layout.FrontendOut, BundleFile, a.Bundle)
	add(a.layout.FrontendOut, StyleFile, a.Style)
	add(a.layout.BackendOut, ServerFile, a.Server)
	add(a.layout.BackendOut, ManifestFile, a.Manifest)
	add(a.layout.BackendOut, GoModFile, a.GoMod)
	for name, data := range a.Runtime {
		add(a.layout.BackendOut, name, data)
	}
	return files
}

// Write stores every artifact in ws, in sorted path order.
func (a *Artifacts) Write(ws *workspace.Workspace) ([]string, error) {
	files := a.Files()
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if err := ws.WriteFile(p, files[p]); err != nil {
			return nil, fmt.Errorf("write %s: %w", p, err)
		}
	}
	return paths, nil
}

// Generate renders the artifacts selected by opts.Target from a validation
// result. Backend artifacts are produced only when the backend is enabled.
func Generate(store *spec.Store, r *invariant.Result, opts Options) (*Artifacts, error) {
	opts.fill()
	a := &Artifacts{layout: opts.Layout}

	if opts.Target.frontend() {
		fe, err := buildFrontend(store, r, opts.Layout.FrontendDir)
		if err != nil {
			return nil, err
		}
		a.Bundle, a.Style = fe.bundle, fe.style
		opts.Log.WithFields(logrus.Fields{
			"auth_enabled": fe.authEnabled,
			"styles":       fe.styleCount,
		}).Debug("frontend generated")
	}

	if opts.Target.backend() {
		if !r.BackendEnabled {
			opts.Log.Info("backend disabled; skipping backend artifacts")
			return a, nil
		}
		be, err := buildBackend(r, opts.Now())
		if err != nil {
			return nil, err
		}
		a.Server, a.Manifest = be.server, be.manifest
		a.GoMod, a.Runtime = be.goMod, be.runtime
		opts.Log.WithField("endpoints", be.endpointCount).Debug("backend generated")
	}
	return a, nil
}
