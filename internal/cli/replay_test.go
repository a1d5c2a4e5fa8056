package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingScenarioYAML = `
name: checkpoint_apply
steps:
  - checkpoint:
      id: 1
      buckets:
        - bucket: b1
          target_op: 1
          checksum: 10
  - data:
      bucket: b1
      ops:
        - op_id: 1
          op: PUT
          type: todos
          id: t1
          data: '{"title":"one"}'
          checksum: 10
  - checkpoint_complete:
      id: 1
assertions:
  - type: row
    table: todos
    id: t1
    expect:
      title: one
  - type: watermark
    checkpoint: 1
`

const failingScenarioYAML = `
name: missing_row
steps:
  - checkpoint:
      id: 1
      buckets:
        - bucket: b1
          target_op: 1
          checksum: 10
  - data:
      bucket: b1
      ops:
        - op_id: 1
          op: PUT
          type: todos
          id: t1
          data: '{"title":"one"}'
          checksum: 10
  - checkpoint_complete:
      id: 1
assertions:
  - type: row
    table: todos
    id: t9
    expect:
      title: nine
`

func writeScenarioFile(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestReplayPassingScenario(t *testing.T) {
	path := writeScenarioFile(t, t.TempDir(), "pass.yaml", passingScenarioYAML)

	out, err := execute("replay", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Scenario checkpoint_apply: PASS")
	assert.Contains(t, out, "Applied checkpoint: 1, pending writes: 0")
}

func TestReplayFailingScenario(t *testing.T) {
	path := writeScenarioFile(t, t.TempDir(), "fail.yaml", failingScenarioYAML)

	out, err := execute("replay", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Scenario missing_row: FAIL")
}

func TestReplayMalformedScenario(t *testing.T) {
	path := writeScenarioFile(t, t.TempDir(), "bad.yaml", "name: broken\nsteps: []\n")

	_, err := execute("replay", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestReplayMissingScenarioFile(t *testing.T) {
	_, err := execute("replay", "/no/such/scenario.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
