package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"specforge/internal/scaffold"
)

// helpText calls the help function and returns the output as a string.
func helpText() string {
	var sb strings.Builder
	printUsage(&sb)
	return sb.String()
}

// longHelpText returns the long help for a named command.
func longHelpText(name string) string {
	var sb strings.Builder
	printCommandHelp(&sb, name)
	return sb.String()
}

// captureStdout redirects command output for the rest of the test.
func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = prev })
	return &buf
}

func TestHelpContainsAllCommands(t *testing.T) {
	help := helpText()
	if !strings.Contains(help, "Usage:") {
		t.Error("help output missing 'Usage:' header")
	}
	for _, cmd := range commands {
		if !strings.Contains(help, cmd.name) {
			t.Errorf("help output missing command %q", cmd.name)
		}
		if !strings.Contains(help, cmd.short) {
			t.Errorf("help output missing short description for %q", cmd.short)
		}
	}
}

func TestLongHelpForKnownCommands(t *testing.T) {
	for _, cmd := range commands {
		t.Run(cmd.name, func(t *testing.T) {
			out := longHelpText(cmd.name)
			if !strings.Contains(out, cmd.usage) {
				t.Errorf("long help for %q missing usage line %q\ngot: %s", cmd.name, cmd.usage, out)
			}
		})
	}
	if out := longHelpText("no-such-command"); !strings.Contains(out, "unknown command") {
		t.Errorf("expected unknown-command message, got: %s", out)
	}
}

func TestDispatchHelpForms(t *testing.T) {
	captureStdout(t)
	for _, args := range [][]string{nil, {"--help"}, {"-h"}, {"help"}, {"help", "plugin"}} {
		if err := dispatch(args); err != nil {
			t.Errorf("dispatch(%q) returned error: %v", args, err)
		}
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	err := dispatch([]string{"no-such-command-xyz-abc"})
	if err == nil {
		t.Fatal("expected error for unknown command, got nil")
	}
	if !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("expected 'unknown command' in error, got: %s", err)
	}
}

func TestSubcommandBadArgsGivesUsage(t *testing.T) {
	cases := [][]string{
		{"validate", "extra"},
		{"build", "frontend", "backend"},
		{"init"},
		{"harness"},
		{"doctor", "--verbose"},
		{"harness", "dev", "--changed"},
	}
	for _, args := range cases {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			err := dispatch(args)
			if err == nil {
				t.Fatalf("dispatch(%q) should return error", args)
			}
			if strings.Contains(err.Error(), "unknown command") {
				t.Errorf("dispatch(%q) gave 'unknown command', expected subcommand error", args)
			}
		})
	}
}

func TestCommandsHaveRequiredFields(t *testing.T) {
	if len(commands) == 0 {
		t.Fatal("commands slice is empty")
	}
	for _, cmd := range commands {
		if cmd.name == "" || cmd.short == "" || cmd.usage == "" || cmd.run == nil {
			t.Errorf("command %q is missing a field", cmd.name)
		}
	}
}

func TestParseArgs(t *testing.T) {
	pos, flags, err := parseArgs([]string{"dev", "--changed", "spec/backend/x.json", "--strict"}, []string{"strict"}, []string{"changed"})
	if err != nil {
		t.Fatal(err)
	}
	if len(pos) != 1 || pos[0] != "dev" {
		t.Errorf("positionals = %q", pos)
	}
	if flags["changed"] != "spec/backend/x.json" || flags["strict"] != "true" {
		t.Errorf("flags = %v", flags)
	}
	if _, _, err := parseArgs([]string{"--bogus"}, nil, nil); err == nil {
		t.Error("expected error for unknown flag")
	}
}

func key(t tea.KeyType) tea.KeyMsg { return tea.KeyMsg{Type: t} }

func typed(text string) tea.KeyMsg { return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(text)} }

func TestInitFormCollectsAnswers(t *testing.T) {
	questions := scaffold.Questions()
	var m tea.Model = newInitForm(questions)

	m, _ = m.Update(typed("Acme"))
	for range questions {
		m, _ = m.Update(key(tea.KeyEnter))
	}
	final := m.(initForm)
	if !final.finished {
		t.Fatal("form should be finished after the last question")
	}
	got := final.answers()
	if got.AppTitle != "Acme" {
		t.Errorf("AppTitle = %q, want Acme", got.AppTitle)
	}
	if got.Issuer != scaffold.Defaults().Issuer {
		t.Errorf("blank answer should fall back to default, got %q", got.Issuer)
	}
}

func TestInitFormGoesBack(t *testing.T) {
	var m tea.Model = newInitForm(scaffold.Questions())
	m, _ = m.Update(typed("First"))
	m, _ = m.Update(key(tea.KeyEnter))
	m, _ = m.Update(typed("issuer-x"))
	m, _ = m.Update(key(tea.KeyUp))

	f := m.(initForm)
	if f.pos != 0 || f.input.Value() != "First" {
		t.Fatalf("after Up: pos=%d value=%q, want 0 and the earlier answer", f.pos, f.input.Value())
	}
	if !strings.Contains(f.View(), "(1/4) Application title") {
		t.Errorf("view should show the first question, got %q", f.View())
	}

	m, _ = m.Update(key(tea.KeyEnter))
	if f := m.(initForm); f.input.Value() != "issuer-x" {
		t.Errorf("returning forward should restore the typed issuer, got %q", f.input.Value())
	}
	m, _ = m.Update(key(tea.KeyEsc))
	if f := m.(initForm); !f.cancelled || f.finished {
		t.Error("Esc should cancel the form")
	}
}

func TestProjectLifecycle(t *testing.T) {
	out := captureStdout(t)
	root := filepath.Join(t.TempDir(), "app")
	t.Setenv("SPECFORGE_ROOT", root)

	steps := []struct {
		args []string
		want string
	}{
		{[]string{"init", root, "--defaults"}, "created specforge project"},
		{[]string{"validate"}, "backend enabled, 3 endpoints"},
		{[]string{"build"}, "wrote backend_dist/main.go"},
		{[]string{"check"}, "artifact check passed"},
		{[]string{"plugin", "enable", "activity-api", "--dry-run"}, "[plugin] Enabled: activity-feed (dry run)"},
		{[]string{"plugin", "enable", "activity-api"}, "[plugin] Enabled: activity-api"},
		{[]string{"plugin", "list"}, "[x] activity-feed (low)"},
		{[]string{"plugin", "status"}, `"activity-api"`},
		{[]string{"plugin", "plan", "activity-feed", "disable"}, `"blocked_by_dependents"`},
		{[]string{"build", "frontend"}, "wrote web/src/main.js"},
		{[]string{"doctor", "--deep"}, "template doctor passed (deep)."},
		{[]string{"harness", "detect", "--changed", "spec/backend/manifest.json"}, "[harness] Changed scope: backend"},
	}
	for _, s := range steps {
		out.Reset()
		if err := dispatch(s.args); err != nil {
			t.Fatalf("specforge %s: %v", strings.Join(s.args, " "), err)
		}
		if !strings.Contains(out.String(), s.want) {
			t.Errorf("specforge %s: output missing %q\ngot: %s", strings.Join(s.args, " "), s.want, out.String())
		}
	}

	// The artifacts predate enabling activity-api, so check sees the drift.
	if err := dispatch([]string{"check"}); err == nil {
		t.Error("check should fail after the endpoint set changed without a backend build")
	}
	if err := dispatch([]string{"plugin", "disable", "activity-feed"}); err == nil || !strings.Contains(err.Error(), "active dependents: activity-api") {
		t.Errorf("disable with dependents: got %v", err)
	}
}
