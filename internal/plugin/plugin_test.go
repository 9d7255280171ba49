package plugin_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specforge/internal/config"
	"specforge/internal/invariant"
	"specforge/internal/logging"
	"specforge/internal/plugin"
	"specforge/internal/scaffold"
	"specforge/internal/spec"
	"specforge/internal/workspace"
)

const (
	frontendManifest = "spec/frontend/manifest.json"
	homeRoute        = "spec/frontend/routes/Home.json"
	backendManifest  = "spec/backend/manifest.json"
	feedComponent    = "spec/frontend/components/ActivityFeed.json"
	activitiesFile   = "spec/backend/endpoints/activities.json"
	statePath        = "harness/active_plugins.json"
)

func newProject(t *testing.T) (*spec.Store, *plugin.Manager) {
	t.Helper()
	ws, err := workspace.Open(t.TempDir())
	require.NoError(t, err)
	layout := config.DefaultLayout()
	require.NoError(t, scaffold.Write(ws, layout, scaffold.Defaults()))
	store := spec.NewStore(ws)
	m := plugin.NewManager(store, layout, plugin.Options{
		Log:   logging.Discard(),
		Now:   func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
		NewID: func() string { return "plan-1" },
	})
	return store, m
}

func ids(t *testing.T, store *spec.Store, rel, field string) []string {
	t.Helper()
	doc, err := store.Document(rel)
	require.NoError(t, err)
	out, err := doc.Strings(field)
	require.NoError(t, err)
	return out
}

func read(t *testing.T, store *spec.Store, rel string) string {
	t.Helper()
	data, err := store.Workspace().ReadFile(rel)
	require.NoError(t, err)
	return string(data)
}

func TestListAndStatusOnFreshProject(t *testing.T) {
	store, m := newProject(t)

	entries, err := m.List()
	require.NoError(t, err)
	var lines []string
	for _, e := range entries {
		lines = append(lines, e.String())
	}
	assert.Equal(t, []string{"[x] core (low)", "[ ] activity-feed (low)", "[ ] activity-api (medium)"}, lines)

	st, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, []string{"core"}, st.Active)
	assert.False(t, store.Exists(statePath), "reading state never writes it")
}

func TestEnableWithDependencies(t *testing.T) {
	store, m := newProject(t)

	p, err := m.Enable("activity-api", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"core", "activity-feed", "activity-api"}, p.InstallOrder)
	assert.Equal(t, "already active", p.Changes[0].Skipped)

	assert.True(t, store.Exists(feedComponent))
	assert.True(t, store.Exists(activitiesFile))
	assert.Contains(t, ids(t, store, frontendManifest, "components"), "component_ActivityFeed")
	assert.Contains(t, ids(t, store, homeRoute, "components"), "component_ActivityFeed")
	assert.Contains(t, ids(t, store, backendManifest, "endpoints"), "endpoint_activities")

	st, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, []string{"core", "activity-feed", "activity-api"}, st.Active)
	assert.Equal(t, []string{feedComponent}, st.ManagedFiles["activity-feed"])
	assert.Equal(t, "2026-03-01T12:00:00Z", st.UpdatedAt)

	r, err := invariant.Validate(store, "spec/invariants.json")
	require.NoError(t, err, "enabled packs keep the specification valid")
	assert.Len(t, r.Endpoints, 4)
}

func TestEnableIsIdempotent(t *testing.T) {
	store, m := newProject(t)
	_, err := m.Enable("activity-feed", false)
	require.NoError(t, err)
	before := map[string]string{}
	for _, f := range []string{frontendManifest, homeRoute, feedComponent} {
		before[f] = read(t, store, f)
	}

	p, err := m.Enable("activity-feed", false)
	require.NoError(t, err)
	for _, ch := range p.Changes {
		assert.Equal(t, "already active", ch.Skipped, ch.Plugin)
	}
	for f, want := range before {
		assert.Equal(t, want, read(t, store, f), f)
	}
	assert.Equal(t, []string{"component_NavBar", "component_ActivityFeed"}, ids(t, store, homeRoute, "components"))
}

func TestDisableBlockedByDependents(t *testing.T) {
	store, m := newProject(t)
	_, err := m.Enable("activity-api", false)
	require.NoError(t, err)
	stateBefore := read(t, store, statePath)
	manifestBefore := read(t, store, frontendManifest)

	_, err = m.Disable("activity-feed", false)
	var blocked *plugin.BlockedError
	require.True(t, errors.As(err, &blocked), "got %v", err)
	assert.Equal(t, []string{"activity-api"}, blocked.Dependents)
	assert.Equal(t, "Cannot disable activity-feed; active dependents: activity-api", err.Error())

	assert.Equal(t, stateBefore, read(t, store, statePath))
	assert.Equal(t, manifestBefore, read(t, store, frontendManifest))
	assert.True(t, store.Exists(feedComponent))

	p, err := m.Plan("activity-feed", plugin.ModeDisable)
	require.NoError(t, err)
	assert.True(t, p.Blocked())
}

func TestDisableRefusals(t *testing.T) {
	_, m := newProject(t)

	_, err := m.Disable("core", false)
	assert.EqualError(t, err, "core plugin cannot be disabled")

	_, err = m.Disable("activity-feed", false)
	assert.EqualError(t, err, "Plugin is not active: activity-feed")

	_, err = m.Disable("nope", false)
	assert.ErrorIs(t, err, plugin.ErrUnknownPlugin)
}

func TestDisableReversesEnable(t *testing.T) {
	store, m := newProject(t)
	components := ids(t, store, frontendManifest, "components")
	endpoints := ids(t, store, backendManifest, "endpoints")

	_, err := m.Enable("activity-api", false)
	require.NoError(t, err)
	_, err = m.Disable("activity-api", false)
	require.NoError(t, err)
	_, err = m.Disable("activity-feed", false)
	require.NoError(t, err)

	assert.Equal(t, components, ids(t, store, frontendManifest, "components"))
	assert.Equal(t, endpoints, ids(t, store, backendManifest, "endpoints"))
	assert.False(t, store.Exists(feedComponent))
	assert.False(t, store.Exists(activitiesFile))

	st, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, []string{"core"}, st.Active)
	assert.Empty(t, st.ManagedFiles)
}

func TestPlanThenApplyEqualsEnable(t *testing.T) {
	storeA, a := newProject(t)
	storeB, b := newProject(t)

	p, err := a.Plan("activity-api", plugin.ModeEnable)
	require.NoError(t, err)
	assert.Equal(t, "plan-1", p.PlanID)
	assert.False(t, storeA.Exists(feedComponent), "planning writes nothing")
	require.NoError(t, a.Apply(p, false))

	_, err = b.Enable("activity-api", false)
	require.NoError(t, err)

	for _, f := range []string{frontendManifest, homeRoute, backendManifest, feedComponent, activitiesFile, statePath} {
		assert.Equal(t, read(t, storeB, f), read(t, storeA, f), f)
	}
}

func TestApplyRejectsDriftedPlan(t *testing.T) {
	store, m := newProject(t)
	p, err := m.Plan("activity-feed", plugin.ModeEnable)
	require.NoError(t, err)

	doc, err := store.Document(homeRoute)
	require.NoError(t, err)
	require.NoError(t, store.Save(homeRoute, doc.SetIDs("components", []string{"component_NavBar", "component_Other"})))
	manifestBefore := read(t, store, frontendManifest)

	err = m.Apply(p, false)
	var pre *plugin.PlanPreconditionError
	require.True(t, errors.As(err, &pre), "got %v", err)
	assert.Equal(t, homeRoute, pre.File)
	assert.Equal(t, "components", pre.Field)

	assert.Equal(t, manifestBefore, read(t, store, frontendManifest), "earlier mutations are not written either")
	assert.False(t, store.Exists(feedComponent))
	assert.False(t, store.Exists(statePath))
}

func TestDryRunWritesNothing(t *testing.T) {
	store, m := newProject(t)
	manifestBefore := read(t, store, frontendManifest)

	p, err := m.Enable("activity-api", true)
	require.NoError(t, err)
	assert.Len(t, p.Changes, 3)

	assert.Equal(t, manifestBefore, read(t, store, frontendManifest))
	assert.False(t, store.Exists(feedComponent))
	assert.False(t, store.Exists(statePath))
}

func TestApplyPlanFromFile(t *testing.T) {
	store, m := newProject(t)
	p, err := m.Plan("activity-feed", plugin.ModeEnable)
	require.NoError(t, err)
	data, err := spec.MarshalIndent(p)
	require.NoError(t, err)
	require.NoError(t, store.Workspace().WriteFile("plans/feed.json", data))

	loaded, err := m.LoadPlan("plans/feed.json")
	require.NoError(t, err)
	require.NoError(t, m.Apply(loaded, false))
	assert.Contains(t, ids(t, store, homeRoute, "components"), "component_ActivityFeed")

	require.NoError(t, store.Workspace().WriteFile("plans/bad.json", []byte(`{"command":"upgrade"}`)))
	_, err = m.LoadPlan("plans/bad.json")
	assert.EqualError(t, err, "Unknown plan command; expected enable or disable")
}

func TestApplyDisableChecksLiveState(t *testing.T) {
	store, m := newProject(t)
	_, err := m.Enable("activity-feed", false)
	require.NoError(t, err)
	p, err := m.Plan("activity-feed", plugin.ModeDisable)
	require.NoError(t, err)
	require.False(t, p.Blocked())

	_, err = m.Enable("activity-api", false)
	require.NoError(t, err)
	stateBefore := read(t, store, statePath)

	err = m.Apply(p, false)
	var blocked *plugin.BlockedError
	require.True(t, errors.As(err, &blocked), "got %v", err)
	assert.Equal(t, []string{"activity-api"}, blocked.Dependents)
	assert.Equal(t, stateBefore, read(t, store, statePath))
	assert.True(t, store.Exists(feedComponent))

	_, err = m.Disable("activity-api", false)
	require.NoError(t, err)
	_, err = m.Disable("activity-feed", false)
	require.NoError(t, err)
	assert.EqualError(t, m.Apply(p, false), "Plugin is not active: activity-feed", "an already applied disable is refused")

	core := &plugin.Plan{Command: plugin.ModeDisable, Plugin: plugin.CorePlugin}
	assert.EqualError(t, m.Apply(core, false), "core plugin cannot be disabled")
}

// writePack registers a pack whose only effect is adding add to the frontend
// manifest's components.
func writePack(t *testing.T, store *spec.Store, id string, deps []string, add string) {
	t.Helper()
	ws := store.Workspace()
	manifest := "harness/plugin_packs/" + id + "/plugin.json"
	pack, err := spec.MarshalIndent(plugin.Manifest{
		ID:           id,
		Dependencies: deps,
		ManifestMutations: []plugin.Mutation{
			{File: frontendManifest, Field: "components", Add: []string{add}, Remove: []string{add}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteFile(manifest, pack))

	reg, err := store.Document("harness/plugins/registry.json")
	require.NoError(t, err)
	var entries []plugin.RegistryEntry
	require.NoError(t, reg.Get("plugins", &entries))
	entries = append(entries, plugin.RegistryEntry{ID: id, Manifest: manifest})
	reg, err = reg.Set("plugins", entries)
	require.NoError(t, err)
	require.NoError(t, store.Save("harness/plugins/registry.json", reg))
}

func TestChainedMutationsOfOneField(t *testing.T) {
	store, m := newProject(t)
	writePack(t, store, "base-widgets", nil, "component_Base")
	writePack(t, store, "extra-widgets", []string{"base-widgets"}, "component_Extra")
	start := ids(t, store, frontendManifest, "components")

	p, err := m.Plan("extra-widgets", plugin.ModeEnable)
	require.NoError(t, err)
	require.Len(t, p.Changes, 2)
	first := p.Changes[0].ManifestMutations[0]
	second := p.Changes[1].ManifestMutations[0]
	assert.Equal(t, start, first.Before)
	assert.Equal(t, first.After, second.Before, "second mutation sees the first one's result")

	require.NoError(t, m.Apply(p, false))
	got := ids(t, store, frontendManifest, "components")
	assert.Equal(t, []string{"component_Base", "component_Extra"}, got[len(got)-2:])
}

func TestResolveDependencies(t *testing.T) {
	store, _ := newProject(t)
	writePack(t, store, "ping", []string{"pong"}, "component_Ping")
	writePack(t, store, "pong", []string{"ping"}, "component_Pong")

	reg, err := plugin.LoadRegistry(store, "harness/plugins/registry.json")
	require.NoError(t, err)

	order, err := reg.ResolveDependencies("activity-api")
	require.NoError(t, err)
	assert.Equal(t, []string{"core", "activity-feed", "activity-api"}, order)

	_, err = reg.ResolveDependencies("ping")
	var cycle *plugin.DependencyCycleError
	require.True(t, errors.As(err, &cycle), "got %v", err)
	assert.Equal(t, "ping", cycle.Plugin)
	assert.Equal(t, "Dependency cycle detected at plugin: ping", err.Error())

	_, err = reg.ResolveDependencies("ghost")
	assert.ErrorIs(t, err, plugin.ErrUnknownPlugin)
}
