package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Moth-Balls/Hydro-Assist/src/report"
)

var start = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func open(t *testing.T, maxEntries int) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path, maxEntries)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func snapshot(i int) report.Snapshot {
	return report.Snapshot{
		Values:    map[string]float32{"ph": 6 + float32(i)/10, "ec": 1000 + float32(i)},
		Timestamp: start.Add(time.Duration(i) * time.Minute),
	}
}

func TestOpenRejectsBadLimit(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "h.db"), 0)
	assert.ErrorIs(t, err, ErrInvalidLimit)
}

func TestAppendAndList(t *testing.T) {
	s, _ := open(t, 10)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Append(snapshot(i)))
	}

	got, err := s.List()
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, snap := range got {
		assert.Equal(t, snapshot(i).Values, snap.Values)
		assert.True(t, snapshot(i).Timestamp.Equal(snap.Timestamp))
	}
	assert.Equal(t, 3, s.Len())
}

func TestEvictsOldest(t *testing.T) {
	s, _ := open(t, 5)

	for i := 0; i < 12; i++ {
		require.NoError(t, s.Append(snapshot(i)))
	}

	got, err := s.List()
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, float32(1007), got[0].Values["ec"])
	assert.Equal(t, float32(1011), got[4].Values["ec"])
	assert.Equal(t, 5, s.Len())
}

func TestClear(t *testing.T) {
	s, _ := open(t, 5)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Append(snapshot(i)))
	}

	require.NoError(t, s.Clear())
	got, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 0, s.Len())

	require.NoError(t, s.Append(snapshot(7)))
	got, err = s.List()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, float32(1007), got[0].Values["ec"])
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path, 4)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Append(snapshot(i)))
	}
	require.NoError(t, s.Close())

	s, err = Open(path, 4)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, 3, s.Len())

	require.NoError(t, s.Append(snapshot(3)))
	require.NoError(t, s.Append(snapshot(4)))
	got, err := s.List()
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, float32(1001), got[0].Values["ec"])
}

func TestPublish(t *testing.T) {
	s, _ := open(t, 5)

	require.NoError(t, s.Publish(report.Cycle{Time: start}))
	assert.Equal(t, 0, s.Len(), "empty cycles are not recorded")

	require.NoError(t, s.Publish(report.Cycle{
		Time:       start,
		Quantities: []report.Result{{Name: "ph", Estimate: 6.2}},
	}))
	got, err := s.List()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, map[string]float32{"ph": 6.2}, got[0].Values)
}
