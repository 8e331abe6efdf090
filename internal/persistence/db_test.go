package persistence

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cpmc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordRunRoundTrip(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.RecordRun("run-1", 4, `{"dt":0.05}`))

	var row struct {
		Nprocs     int    `db:"nprocs"`
		ConfigJSON string `db:"config_json"`
	}
	require.NoError(t, s.conn.Get(&row, `SELECT nprocs, config_json FROM runs WHERE id = ?`, "run-1"))
	assert.Equal(t, 4, row.Nprocs)
	assert.Equal(t, `{"dt":0.05}`, row.ConfigJSON)

	// Run ids are primary keys; a second registration is an error.
	require.Error(t, s.RecordRun("run-1", 4, `{}`))
}

func TestRecordMeasurementAppends(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.RecordRun("run-1", 1, `{}`))
	require.NoError(t, s.RecordMeasurement("run-1", 10, "energy", -1.5, 29.4, 30))
	require.NoError(t, s.RecordMeasurement("run-1", 20, "energy", -1.6, 30.1, 30))

	var values []float64
	require.NoError(t, s.conn.Select(&values,
		`SELECT value FROM measurements WHERE run_id = ? AND name = ? ORDER BY step`, "run-1", "energy"))
	assert.Equal(t, []float64{-1.5, -1.6}, values)
}

func TestRecordSummaryUpserts(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.RecordSummary("run-1", "energy", -1.5, 0.02, 100))
	require.NoError(t, s.RecordSummary("run-1", "energy", -1.55, 0.01, 200))

	var row struct {
		Mean    float64 `db:"mean"`
		StdErr  float64 `db:"std_err"`
		Samples int     `db:"samples"`
	}
	require.NoError(t, s.conn.Get(&row,
		`SELECT mean, std_err, samples FROM summaries WHERE run_id = ? AND name = ?`, "run-1", "energy"))
	assert.Equal(t, -1.55, row.Mean)
	assert.Equal(t, 0.01, row.StdErr)
	assert.Equal(t, 200, row.Samples)
}

func TestOpenCreatesSchemaIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpmc.db")
	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.RecordRun("run-1", 1, `{}`))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	var n int
	require.NoError(t, s2.conn.Get(&n, `SELECT COUNT(*) FROM runs`))
	assert.Equal(t, 1, n)
}
