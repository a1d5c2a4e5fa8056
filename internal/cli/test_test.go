package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powersync-ja/powersync-sqlite-core/internal/harness"
)

func TestTestCommandAllPass(t *testing.T) {
	dir := t.TempDir()
	writeScenarioFile(t, dir, "apply.yaml", passingScenarioYAML)

	out, err := execute("test", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Scenarios: 1 total, 1 passed, 0 failed")
}

func TestTestCommandReportsFailures(t *testing.T) {
	dir := t.TempDir()
	writeScenarioFile(t, dir, "apply.yaml", passingScenarioYAML)
	writeScenarioFile(t, dir, "missing.yaml", failingScenarioYAML)

	out, err := execute("test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Scenarios: 2 total, 1 passed, 1 failed")
	assert.Contains(t, out, "FAIL missing_row")
}

func TestTestCommandJSON(t *testing.T) {
	dir := t.TempDir()
	writeScenarioFile(t, dir, "apply.yaml", passingScenarioYAML)

	out, err := execute("test", dir, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string              `json:"status"`
		Data   harness.SuiteResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Total)
	assert.Equal(t, 1, resp.Data.Passed)
}

func TestTestCommandMissingDirectory(t *testing.T) {
	_, err := execute("test", "/no/such/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommandEmptyDirectory(t *testing.T) {
	_, err := execute("test", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
