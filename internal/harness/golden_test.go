package harness

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestScenarioGoldens replays every scenario under testdata/scenarios and
// compares its final-state snapshot against the matching golden file.
// Regenerate with: go test ./internal/harness -update
func TestScenarioGoldens(t *testing.T) {
	paths, err := DiscoverScenarios("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		scenario, err := LoadScenario(path)
		require.NoError(t, err, "load %s", path)

		t.Run(scenario.Name, func(t *testing.T) {
			RunWithGolden(t, scenario)
		})
	}
}
