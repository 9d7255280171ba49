// Package scaffold writes a complete, valid starter specification store:
// frontend and backend documents, invariants, plugin registry with packs, and
// a capability matrix.
package scaffold

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"text/template"

	"specforge/internal/config"
	"specforge/internal/workspace"
)

//go:embed starter
var starter embed.FS

// Question describes a single prompt asked by `specforge init`.
type Question struct {
	Key     string
	Prompt  string
	Default string
}

// Answers parameterise the starter store.
type Answers struct {
	AppTitle     string
	Issuer       string
	SecretEnv    string
	AllowlistEnv string
}

// Questions returns the prompts for every Answers field, in order.
func Questions() []Question {
	d := Defaults()
	return []Question{
		{Key: "app_title", Prompt: "Application title", Default: d.AppTitle},
		{Key: "issuer", Prompt: "JWT issuer", Default: d.Issuer},
		{Key: "secret_env", Prompt: "JWT secret environment variable", Default: d.SecretEnv},
		{Key: "allowlist_env", Prompt: "CORS allowlist environment variable", Default: d.AllowlistEnv},
	}
}

// Defaults returns the answers used by `specforge init --defaults`.
func Defaults() Answers {
	return Answers{
		AppTitle:     "Specforge App",
		Issuer:       "specforge-app",
		SecretEnv:    "JWT_SECRET",
		AllowlistEnv: "CORS_ORIGINS",
	}
}

// AnswersFrom builds Answers from prompt results keyed by Question.Key.
// Blank answers fall back to defaults.
func AnswersFrom(m map[string]string) Answers {
	a := Defaults()
	pick := func(key string, dst *string) {
		if v := strings.TrimSpace(m[key]); v != "" {
			*dst = v
		}
	}
	pick("app_title", &a.AppTitle)
	pick("issuer", &a.Issuer)
	pick("secret_env", &a.SecretEnv)
	pick("allowlist_env", &a.AllowlistEnv)
	return a
}

// Write renders the starter store into ws using layout and a, then records
// the layout in .specforge/settings.yaml. Existing files are overwritten.
func Write(ws *workspace.Workspace, layout config.Layout, a Answers) error {
	data := struct {
		L config.Layout
		A Answers
	}{layout, a}

	err := fs.WalkDir(starter, "starter", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		src, err := starter.ReadFile(p)
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(p, "starter/")
		out, err := render(rel, src, data)
		if err != nil {
			return err
		}
		return ws.WriteFile(targetPath(layout, rel), out)
	})
	if err != nil {
		return fmt.Errorf("scaffold: %w", err)
	}

	settings := &config.Settings{Layout: layout}
	return settings.Save(ws.Root)
}

// targetPath maps a starter file to its location under layout.
func targetPath(l config.Layout, rel string) string {
	switch {
	case rel == "invariants.json":
		return l.Invariants
	case strings.HasPrefix(rel, "frontend/"):
		return path.Join(l.FrontendDir, strings.TrimPrefix(rel, "frontend/"))
	case strings.HasPrefix(rel, "backend/"):
		return path.Join(l.BackendDir, strings.TrimPrefix(rel, "backend/"))
	case strings.HasPrefix(rel, "harness/"):
		return path.Join(l.HarnessDir, strings.TrimPrefix(rel, "harness/"))
	}
	return rel
}

var funcs = template.FuncMap{
	"join": path.Join,
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}

func render(name string, src []byte, data any) ([]byte, error) {
	tmpl, err := template.New(name).Delims("<%", "%>").Funcs(funcs).Parse(string(src))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}
