package runner

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRegistry = `processes:
  generate_orders:
    schedule: "@every 30s"
    timeout: 2m
    dependencies: [price_feed]
  end_of_day_report:
    schedule: "5 18 * * *"
    daily: true
    entry: report
`

func writeRegistry(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "processes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRegistryLoad(t *testing.T) {
	r, err := NewRegistry(writeRegistry(t, sampleRegistry))
	require.NoError(t, err)

	snap := r.Snapshot()
	require.Len(t, snap.Jobs, 2)
	assert.Equal(t, int64(1), snap.Version)

	t.Run("Jobs Sorted By Name", func(t *testing.T) {
		assert.Equal(t, "end_of_day_report", snap.Jobs[0].Name)
		assert.Equal(t, "generate_orders", snap.Jobs[1].Name)
	})

	t.Run("Defaults Applied", func(t *testing.T) {
		gen, ok := r.Job("generate_orders")
		require.True(t, ok)
		assert.Equal(t, "generate_orders", gen.Entry, "entry defaults to name")
		assert.Equal(t, 2*time.Minute, gen.TimeoutDuration())
		assert.Equal(t, []string{"price_feed"}, gen.Dependencies)
		assert.Equal(t, 0, gen.MaxExecutions)

		rep, ok := r.Job("end_of_day_report")
		require.True(t, ok)
		assert.Equal(t, "report", rep.Entry)
		assert.Equal(t, 1, rep.MaxExecutions, "daily jobs default to one run per date")
		assert.Equal(t, DefaultJobTimeout, rep.TimeoutDuration())
	})

	t.Run("Next Activation", func(t *testing.T) {
		rep, _ := r.Job("end_of_day_report")
		from := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
		assert.Equal(t, time.Date(2026, 3, 2, 18, 5, 0, 0, time.UTC), rep.NextActivation(from))
	})
}

func TestRegistryRejectsBadFiles(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"Missing Schedule", "processes:\n  a:\n    timeout: 1m\n"},
		{"Bad Cron Expression", "processes:\n  a:\n    schedule: not-a-schedule\n"},
		{"Unknown Field", "processes:\n  a:\n    schedule: \"@every 1m\"\n    retries: 3\n"},
		{"Self Dependency", "processes:\n  a:\n    schedule: \"@every 1m\"\n    dependencies: [a]\n"},
		{"Negative Timeout", "processes:\n  a:\n    schedule: \"@every 1m\"\n    timeout: -5s\n"},
		{"Empty Registry", "processes: {}\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRegistry(writeRegistry(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestRegistryReload(t *testing.T) {
	path := writeRegistry(t, sampleRegistry)
	r, err := NewRegistry(path)
	require.NoError(t, err)

	var seen []Snapshot
	r.Subscribe(func(s Snapshot) { seen = append(seen, s) })
	require.Len(t, seen, 1, "subscribe delivers current snapshot")

	require.NoError(t, os.WriteFile(path, []byte("processes:\n  archive_orders:\n    schedule: \"10 0 * * *\"\n"), 0o644))
	require.NoError(t, r.reload())

	snap := r.Snapshot()
	assert.Equal(t, int64(2), snap.Version)
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, "archive_orders", snap.Jobs[0].Name)

	t.Run("Failed Reload Keeps Snapshot", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("processes:\n  broken:\n    schedule: nope\n"), 0o644))
		assert.Error(t, r.reload())
		assert.Equal(t, int64(2), r.Snapshot().Version)
	})
}
