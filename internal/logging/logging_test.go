package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupJSONIncludesComponent(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Setup(Options{Level: "debug", Format: "json", Out: &buf}))
	t.Cleanup(func() { _ = Setup(Options{}) })

	New("plugin").WithField("plugin", "core").Debug("enabled")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "plugin", line["component"])
	assert.Equal(t, "core", line["plugin"])
	assert.Equal(t, "enabled", line["msg"])
}

func TestSetupLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Setup(Options{Level: "warn", Out: &buf}))
	t.Cleanup(func() { _ = Setup(Options{}) })

	New("harness").Info("hidden")
	assert.Empty(t, buf.String())

	New("harness").Warn("shown")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "component=harness")
}

func TestSetupRejectsBadInput(t *testing.T) {
	assert.Error(t, Setup(Options{Level: "loud"}))
	assert.Error(t, Setup(Options{Format: "xml"}))
}
