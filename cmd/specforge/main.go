package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"

	"specforge/internal/config"
	"specforge/internal/doctor"
	"specforge/internal/generate"
	"specforge/internal/harness"
	"specforge/internal/invariant"
	"specforge/internal/logging"
	"specforge/internal/plugin"
	"specforge/internal/scaffold"
	"specforge/internal/spec"
	"specforge/internal/workspace"
	"specforge/pkg/authserver"
)

// command describes a CLI subcommand.
type command struct {
	name  string
	short string
	usage string
	long  string
	run   func(args []string) error
}

var commands = []command{
	{
		name:  "validate",
		short: "Check the specification against its invariants",
		usage: "specforge validate",
		long: `Load spec/invariants.json and cross-check the specification documents:
manifest ids, llm guidelines, auth contract parity with the backend
endpoints, security policy shape and the endpoint security rules.
`,
		run: runValidate,
	},
	{
		name:  "build",
		short: "Generate the frontend bundle and backend server",
		usage: "specforge build [all|frontend|backend]",
		long: `Validate the specification, then write the generated artifacts:

  frontend  web/src/main.js and web/src/style.css
  backend   backend_dist/main.go, go.mod, the vendored authserver runtime
            and manifest.generated.json

Backend output is skipped when the backend manifest lists no endpoints.
`,
		run: runBuild,
	},
	{
		name:  "check",
		short: "Verify generated artifacts match the specification",
		usage: "specforge check",
		long: `Compare the generated side manifest with the endpoint documents, look for
the runtime wiring in the generated server and parse the bundle script.
`,
		run: runCheck,
	},
	{
		name:  "plugin",
		short: "Enable, disable and inspect feature packs",
		usage: "specforge plugin list|status|enable <id> [--dry-run]|disable <id> [--dry-run]|plan <id> [enable|disable]|apply-plan <file> [--dry-run]",
		long: `Manage the optional feature packs listed in harness/plugins/registry.json.

  list                 registered plugins, [x] when active
  status               the plugin state as JSON
  enable <id>          activate id and its dependencies
  disable <id>         deactivate id; refused while active plugins depend on it
  plan <id> [mode]     print the plan for enable (default) or disable as JSON
  apply-plan <file>    apply a plan printed earlier; refused if documents changed

--dry-run reports the effect without writing anything.
`,
		run: runPlugin,
	},
	{
		name:  "harness",
		short: "Run a capability matrix phase",
		usage: "specforge harness <phase> [--changed <path>] [--strict]",
		long: `Run the steps of a phase from harness/capability_matrix.json.

Steps are gated by detected capabilities, by the scope of --changed and by
their env flag (set to 1, or pass --strict). In the dev phase, cached steps
are skipped while their spec files are unchanged; --strict disables the
cache. The detect phase prints capabilities and scope and runs nothing.
`,
		run: runHarness,
	},
	{
		name:  "doctor",
		short: "Check the project template for missing pieces",
		usage: "specforge doctor [--deep]",
		long: `Check required files, manifest array fields and the plugin registry.
--deep also runs capability detection and validation.
`,
		run: runDoctor,
	},
	{
		name:  "init",
		short: "Create a new project with a starter specification",
		usage: "specforge init <dir> [--defaults]",
		long: `Create <dir> and write a complete, valid starter specification: frontend
and backend documents, invariants, plugin registry with packs and a
capability matrix.

Prompts for the app title, JWT issuer and the names of the JWT secret and
CORS allowlist environment variables. --defaults skips the prompts.
`,
		run: runInit,
	},
	{
		name:  "serve",
		short: "Validate and run the auth server from the specification",
		usage: "specforge serve",
		long: `Validate the specification and serve the backend directly, without
building backend_dist. Reads PORT, HOST, APP_ENV, METRICS_ADDR and the JWT
secret and CORS allowlist variables named by the security policy.
`,
		run: runServe,
	},
}

// stdout receives command output.
var stdout io.Writer = os.Stdout

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "specforge builds a runnable frontend and backend from a JSON specification.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: specforge <command> [arguments]")
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, cmd := range commands {
		fmt.Fprintf(tw, "  %s\t%s\n", cmd.name, cmd.short)
	}
	tw.Flush()
	fmt.Fprintln(w)
	fmt.Fprintln(w, `Use "specforge help <command>" for the flags and behavior of one command.`)
}

func findCommand(name string) (*command, bool) {
	i := slices.IndexFunc(commands, func(c command) bool { return c.name == name })
	if i < 0 {
		return nil, false
	}
	return &commands[i], true
}

func printCommandHelp(w io.Writer, name string) {
	cmd, ok := findCommand(name)
	if !ok {
		fmt.Fprintf(w, "specforge: unknown command %q; see 'specforge help'\n", name)
		return
	}
	fmt.Fprintf(w, "Usage: %s\n\n%s", cmd.usage, cmd.long)
}

func dispatch(args []string) error {
	name := "help"
	if len(args) > 0 {
		name, args = args[0], args[1:]
	}
	switch name {
	case "help", "-h", "--help":
		if len(args) > 0 {
			printCommandHelp(stdout, args[0])
		} else {
			printUsage(stdout)
		}
		return nil
	}
	cmd, ok := findCommand(name)
	if !ok {
		return fmt.Errorf("unknown command %q; see 'specforge help'", name)
	}
	return cmd.run(args)
}

// parseArgs splits args into positionals and --flags. Boolean flags map to
// "true"; valued flags consume the next argument.
func parseArgs(args []string, boolFlags, valueFlags []string) ([]string, map[string]string, error) {
	var pos []string
	flags := map[string]string{}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "--") {
			pos = append(pos, a)
			continue
		}
		name := strings.TrimPrefix(a, "--")
		switch {
		case slices.Contains(boolFlags, name):
			flags[name] = "true"
		case slices.Contains(valueFlags, name):
			if i+1 >= len(args) {
				return nil, nil, fmt.Errorf("flag %s needs a value", a)
			}
			i++
			flags[name] = args[i]
		default:
			return nil, nil, fmt.Errorf("unknown flag %s", a)
		}
	}
	return pos, flags, nil
}

// ---------------------------------------------------------------------------
// project
// ---------------------------------------------------------------------------

type project struct {
	settings *config.Settings
	store    *spec.Store
}

func (p *project) layout() config.Layout { return p.settings.Layout }

// openProject opens the project at SPECFORGE_ROOT (default: the working
// directory) and loads its settings.
func openProject() (*project, error) {
	env, err := config.LoadEnv()
	if err != nil {
		return nil, err
	}
	ws, err := workspace.Open(env.Root)
	if err != nil {
		return nil, err
	}
	settings, err := config.LoadSettings(ws.Root)
	if err != nil {
		return nil, err
	}
	return &project{settings: settings, store: spec.NewStore(ws)}, nil
}

func (p *project) validate() (*invariant.Result, error) {
	return invariant.Validate(p.store, p.layout().Invariants)
}

func printJSON(v any) error {
	data, err := spec.MarshalIndent(v)
	if err != nil {
		return err
	}
	_, err = stdout.Write(data)
	return err
}

// ---------------------------------------------------------------------------
// validate / build / check
// ---------------------------------------------------------------------------

func runValidate(args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: specforge validate")
	}
	p, err := openProject()
	if err != nil {
		return err
	}
	r, err := p.validate()
	if err != nil {
		return err
	}
	if r.BackendEnabled {
		fmt.Fprintf(stdout, "validation passed (backend enabled, %d endpoints)\n", len(r.Endpoints))
	} else {
		fmt.Fprintln(stdout, "validation passed (backend disabled)")
	}
	return nil
}

func runBuild(args []string) error {
	if len(args) > 1 {
		return fmt.Errorf("usage: specforge build [all|frontend|backend]")
	}
	var target string
	if len(args) == 1 {
		target = args[0]
	}
	t, err := generate.ParseTarget(target)
	if err != nil {
		return err
	}
	p, err := openProject()
	if err != nil {
		return err
	}
	r, err := p.validate()
	if err != nil {
		return err
	}
	a, err := generate.Generate(p.store, r, generate.Options{
		Target: t,
		Layout: p.layout(),
		Log:    logging.New("generate"),
	})
	if err != nil {
		return err
	}
	written, err := a.Write(p.store.Workspace())
	if err != nil {
		return err
	}
	for _, f := range written {
		fmt.Fprintf(stdout, "wrote %s\n", f)
	}
	return nil
}

func runCheck(args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: specforge check")
	}
	p, err := openProject()
	if err != nil {
		return err
	}
	r, err := p.validate()
	if err != nil {
		return err
	}
	if err := generate.Check(p.store, r, p.layout()); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "artifact check passed")
	return nil
}

// ---------------------------------------------------------------------------
// plugin
// ---------------------------------------------------------------------------

func runPlugin(args []string) error {
	pos, flags, err := parseArgs(args, []string{"dry-run"}, nil)
	if err != nil {
		return err
	}
	sub := "list"
	if len(pos) > 0 {
		sub = pos[0]
		pos = pos[1:]
	}
	dryRun := flags["dry-run"] != ""

	p, err := openProject()
	if err != nil {
		return err
	}
	m := plugin.NewManager(p.store, p.layout(), plugin.Options{Log: logging.New("plugin")})

	switch sub {
	case "list":
		entries, err := m.List()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, "Plugins:")
		for _, e := range entries {
			fmt.Fprintln(stdout, e)
		}
		return nil

	case "status":
		st, err := m.Status()
		if err != nil {
			return err
		}
		return printJSON(st)

	case "enable", "disable":
		if len(pos) != 1 {
			return fmt.Errorf("usage: specforge plugin %s <id> [--dry-run]", sub)
		}
		run, verb := m.Enable, "Enabled"
		if sub == "disable" {
			run, verb = m.Disable, "Disabled"
		}
		plan, err := run(pos[0], dryRun)
		if err != nil {
			return err
		}
		printApplied(plan, verb, dryRun)
		return nil

	case "plan":
		if len(pos) < 1 || len(pos) > 2 {
			return fmt.Errorf("usage: specforge plugin plan <id> [enable|disable]")
		}
		var mode string
		if len(pos) == 2 {
			mode = pos[1]
		}
		md, err := plugin.ParseMode(mode)
		if err != nil {
			return err
		}
		plan, err := m.Plan(pos[0], md)
		if err != nil {
			return err
		}
		return printJSON(plan)

	case "apply-plan":
		if len(pos) != 1 {
			return fmt.Errorf("usage: specforge plugin apply-plan <file> [--dry-run]")
		}
		plan, err := m.LoadPlan(pos[0])
		if err != nil {
			return err
		}
		if err := m.Apply(plan, dryRun); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "[plugin] Applied %s plan for: %s%s\n", plan.Command, plan.Plugin, dryRunSuffix(dryRun))
		return nil
	}
	return fmt.Errorf("unknown plugin command %q\n\nRun 'specforge help plugin' for usage.", sub)
}

func printApplied(plan *plugin.Plan, verb string, dryRun bool) {
	if plan.Command == plugin.ModeDisable {
		fmt.Fprintf(stdout, "[plugin] %s: %s%s\n", verb, plan.Plugin, dryRunSuffix(dryRun))
		return
	}
	changed := false
	for _, ch := range plan.Changes {
		if ch.Skipped != "" {
			continue
		}
		changed = true
		fmt.Fprintf(stdout, "[plugin] %s: %s%s\n", verb, ch.Plugin, dryRunSuffix(dryRun))
	}
	if !changed {
		fmt.Fprintf(stdout, "[plugin] Already active: %s\n", plan.Plugin)
	}
}

func dryRunSuffix(dryRun bool) string {
	if dryRun {
		return " (dry run)"
	}
	return ""
}

// ---------------------------------------------------------------------------
// harness
// ---------------------------------------------------------------------------

func runHarness(args []string) error {
	pos, flags, err := parseArgs(args, []string{"strict"}, []string{"changed"})
	if err != nil {
		return err
	}
	if len(pos) != 1 {
		return fmt.Errorf("usage: specforge harness <phase> [--changed <path>] [--strict]")
	}
	p, err := openProject()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	o := harness.New(p.store, harness.Config{
		Settings: p.settings,
		Runner:   harness.ShellRunner{Stdout: os.Stdout, Stderr: os.Stderr},
		Out:      stdout,
		Log:      logging.New("harness"),
	})
	_, err = o.RunPhase(ctx, pos[0], harness.Options{
		ChangedPath: flags["changed"],
		Strict:      flags["strict"] != "",
	})
	return err
}

// ---------------------------------------------------------------------------
// doctor
// ---------------------------------------------------------------------------

func runDoctor(args []string) error {
	pos, flags, err := parseArgs(args, []string{"deep"}, nil)
	if err != nil {
		return err
	}
	if len(pos) != 0 {
		return fmt.Errorf("usage: specforge doctor [--deep]")
	}
	p, err := openProject()
	if err != nil {
		return err
	}
	rep, err := doctor.Run(p.store, p.layout(), flags["deep"] != "", logging.New("doctor"))
	if err != nil {
		return fmt.Errorf("template doctor failed: %w", err)
	}
	if rep.Deep {
		caps, _ := json.Marshal(rep.Capabilities)
		fmt.Fprintf(stdout, "capabilities: %s\n", caps)
	}
	fmt.Fprintf(stdout, "template doctor passed (%s).\n", rep.Mode())
	return nil
}

// ---------------------------------------------------------------------------
// init
// ---------------------------------------------------------------------------

func runInit(args []string) error {
	pos, flags, err := parseArgs(args, []string{"defaults"}, nil)
	if err != nil {
		return err
	}
	if len(pos) != 1 {
		return fmt.Errorf("usage: specforge init <dir> [--defaults]")
	}
	ws, err := workspace.Init(pos[0])
	if err != nil {
		return err
	}
	answers := scaffold.Defaults()
	if flags["defaults"] == "" {
		if answers, err = askInit(scaffold.Questions()); err != nil {
			return err
		}
	}
	if err := scaffold.Write(ws, config.DefaultLayout(), answers); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "created specforge project %q at %s\n", answers.AppTitle, ws.Root)
	return nil
}

// ---------------------------------------------------------------------------
// serve
// ---------------------------------------------------------------------------

func runServe(args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: specforge serve")
	}
	p, err := openProject()
	if err != nil {
		return err
	}
	r, err := p.validate()
	if err != nil {
		return err
	}
	if !r.BackendEnabled {
		return errors.New("backend is not enabled: the backend manifest lists no endpoints")
	}
	if r.PolicyRaw == nil {
		return errors.New("backend is enabled but invariants configure no security_policy")
	}
	endpoints, err := json.Marshal(generate.SanitizeEndpoints(r.Endpoints, r.PublicFlag()))
	if err != nil {
		return fmt.Errorf("encode endpoints: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return authserver.Run(ctx, string(endpoints), string(r.PolicyRaw), authserver.WithLogger(logging.New("authserver")))
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("specforge: ")

	env, err := config.LoadEnv()
	if err != nil {
		log.Fatal(err)
	}
	if err := logging.Setup(logging.Options{Level: env.LogLevel, Format: env.LogFormat}); err != nil {
		log.Fatal(err)
	}

	if err := dispatch(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}
