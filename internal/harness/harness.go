package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"

	"specforge/internal/config"
	"specforge/internal/spec"
)

// PhaseDetect only reports capabilities and scope.
const PhaseDetect = "detect"

// cachedPhase is the only phase whose steps consult the dev cache.
const cachedPhase = "dev"

// PhaseError reports the step that failed a phase.
type PhaseError struct {
	Phase   string
	Command string
	Err     error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("Harness phase '%s' failed while running: %s", e.Phase, e.Command)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// Runner executes one step command in dir.
type Runner interface {
	Run(ctx context.Context, dir, command string) error
}

// ShellRunner runs commands through sh -c.
type ShellRunner struct {
	Stdout io.Writer
	Stderr io.Writer
}

func (r ShellRunner) Run(ctx context.Context, dir, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	return cmd.Run()
}

// Config wires an Orchestrator.
type Config struct {
	Settings *config.Settings
	Runner   Runner
	Out      io.Writer // progress lines; defaults to io.Discard
	Log      *logrus.Entry
	Now      func() time.Time
	Getenv   func(string) string
}

// Orchestrator runs capability matrix phases for one project.
type Orchestrator struct {
	store    *spec.Store
	settings *config.Settings
	runner   Runner
	out      io.Writer
	log      *logrus.Entry
	now      func() time.Time
	getenv   func(string) string
}

// New returns an orchestrator for the project behind store.
func New(store *spec.Store, cfg Config) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		settings: cfg.Settings,
		runner:   cfg.Runner,
		out:      cfg.Out,
		log:      cfg.Log,
		now:      cfg.Now,
		getenv:   cfg.Getenv,
	}
	if o.settings == nil {
		o.settings = &config.Settings{Layout: config.DefaultLayout()}
	}
	if o.runner == nil {
		o.runner = ShellRunner{Stdout: os.Stdout, Stderr: os.Stderr}
	}
	if o.out == nil {
		o.out = io.Discard
	}
	if o.log == nil {
		o.log = logrus.NewEntry(logrus.StandardLogger())
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.getenv == nil {
		o.getenv = os.Getenv
	}
	return o
}

// Options are the per-run flags of a phase.
type Options struct {
	ChangedPath string
	Strict      bool
}

// Report summarizes a phase run.
type Report struct {
	Phase        string
	Capabilities map[string]bool
	Scope        Scope
	Ran          []string
	Skipped      []string
}

// RunPhase detects capabilities, selects the phase's steps and runs them in
// order. The first failing step aborts the phase with *PhaseError; the dev
// cache is written only when the phase passes.
func (o *Orchestrator) RunPhase(ctx context.Context, phase string, opts Options) (*Report, error) {
	layout := o.settings.Layout
	m, err := LoadMatrix(o.store, layout.MatrixPath())
	if err != nil {
		return nil, err
	}
	caps, err := Detect(o.store, m)
	if err != nil {
		return nil, err
	}
	rep := &Report{Phase: phase, Capabilities: caps, Scope: ClassifyScope(layout, opts.ChangedPath)}
	capsJSON, _ := json.Marshal(caps)

	if phase == PhaseDetect {
		fmt.Fprintf(o.out, "[harness] Capabilities: %s\n", capsJSON)
		fmt.Fprintf(o.out, "[harness] Changed scope: %s\n", rep.Scope)
		return rep, nil
	}

	steps, err := m.Steps(phase, caps, rep.Scope, opts.Strict, o.getenv)
	if err != nil {
		return nil, err
	}
	ws := o.store.Workspace()
	cache := loadCache(ws, layout.CachePath())

	strict := "off"
	if opts.Strict {
		strict = "on"
	}
	fmt.Fprintf(o.out, "[harness] Phase: %s\n", phase)
	fmt.Fprintf(o.out, "[harness] Capabilities: %s\n", capsJSON)
	fmt.Fprintf(o.out, "[harness] Changed scope: %s\n", rep.Scope)
	fmt.Fprintf(o.out, "[harness] Strict mode: %s\n", strict)

	for _, s := range steps {
		if phase == cachedPhase && !opts.Strict && s.CacheScope != "" {
			fp, err := Fingerprint(ws, o.settings, s.CacheScope)
			if err != nil {
				return nil, err
			}
			ts := o.now().UTC().Format(time.RFC3339Nano)
			if cache.record(phase+":"+s.Command, s.CacheScope, fp, ts) {
				fmt.Fprintf(o.out, "[harness] Skip (cache hit): %s\n", s.Command)
				o.log.WithFields(logrus.Fields{"phase": phase, "command": s.Command, "scope": s.CacheScope}).Debug("step skipped by cache")
				rep.Skipped = append(rep.Skipped, s.Command)
				continue
			}
		}
		fmt.Fprintf(o.out, "[harness] Running: %s\n", s.Command)
		if err := o.runner.Run(ctx, ws.Root, s.Command); err != nil {
			return rep, &PhaseError{Phase: phase, Command: s.Command, Err: err}
		}
		rep.Ran = append(rep.Ran, s.Command)
	}

	if err := cache.save(ws, layout.CachePath()); err != nil {
		return rep, err
	}
	fmt.Fprintf(o.out, "[harness] Phase '%s' passed.\n", phase)
	return rep, nil
}
