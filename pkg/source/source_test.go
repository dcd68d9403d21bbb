package source

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededSource(t *testing.T) *SQLSource {
	t.Helper()
	src, err := Open("sqlite", filepath.Join(t.TempDir(), "kpi.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })

	_, err = src.db.Exec(`CREATE TABLE kpi (ts TEXT, operator TEXT, latency REAL)`)
	require.NoError(t, err)
	rows := []struct {
		ts       string
		operator interface{}
		latency  interface{}
	}{
		{"2025-01-01 00:00:00", "op-a", 12.5},
		{"2025-01-01 00:00:00", "op-b", 20},
		{"2025-01-02 00:00:00", nil, 7},
		{"2025-01-02 00:00:00", "op-a", nil},
		{"2025-01-03 00:00:00", "op-a", "NaN"},
		{"2025-02-01 00:00:00", "op-a", 99},
	}
	for _, r := range rows {
		_, err := src.db.Exec(`INSERT INTO kpi VALUES (?, ?, ?)`, r.ts, r.operator, r.latency)
		require.NoError(t, err)
	}
	return src
}

func TestFetchKeyedSeries(t *testing.T) {
	src := seededSource(t)
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)

	points, err := src.Fetch(context.Background(),
		`SELECT ts, operator, latency FROM kpi WHERE ts BETWEEN ? AND ? ORDER BY ts, operator`, from, to)
	require.NoError(t, err)

	// NULL and NaN values are dropped, February is out of range
	require.Len(t, points, 3)
	assert.Equal(t, from, points[0].Timestamp)
	assert.Equal(t, "op-a", points[0].SeriesKey)
	assert.Equal(t, 12.5, points[0].Value)
	assert.Equal(t, "", points[2].SeriesKey, "NULL series key becomes the unkeyed series")
	assert.Equal(t, 7.0, points[2].Value)
}

func TestFetchTwoColumns(t *testing.T) {
	src := seededSource(t)

	points, err := src.Fetch(context.Background(),
		`SELECT ts, latency FROM kpi WHERE operator = 'op-b' AND ts >= ? AND ts <= ?`,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Empty(t, points[0].SeriesKey)
	assert.Equal(t, 20.0, points[0].Value)
}

func TestFetchRejectsBadShapes(t *testing.T) {
	src := seededSource(t)
	ctx := context.Background()
	now := time.Now()

	_, err := src.Fetch(ctx, `SELECT latency FROM kpi WHERE ? IS NOT NULL AND ? IS NOT NULL`, now, now)
	assert.Error(t, err)

	_, err = src.Fetch(ctx, `SELECT 'yesterday', latency FROM kpi WHERE ? IS NOT NULL AND ? IS NOT NULL`, now, now)
	assert.ErrorContains(t, err, "unparseable timestamp")
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "root@/kpi", nil)
	assert.Error(t, err)
}

func TestToFloat(t *testing.T) {
	for _, v := range []interface{}{nil, "NaN", "abc", []byte("Inf")} {
		_, ok := toFloat(v)
		assert.False(t, ok, "%v", v)
	}
	f, ok := toFloat([]byte(" 3.25 "))
	assert.True(t, ok)
	assert.Equal(t, 3.25, f)
	f, ok = toFloat(int64(4))
	assert.True(t, ok)
	assert.Equal(t, 4.0, f)
}
