package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-gasrig/logger"
)

func openMemory(t *testing.T) *Store {
	t.Helper()

	s, err := Open(MemoryPath, logger.NewNopMockLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestStore_CalibrationRoundTrip(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	co2, o2 := 0.40, 20.05
	started := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveCalibration(ctx, Calibration{
		RunID: "a", Kind: "zero", StartedAt: started, FinishedAt: started.Add(time.Minute),
		CO2Zero: &co2, O2Zero: &o2, Reads: 4,
	}))
	require.NoError(t, s.SaveCalibration(ctx, Calibration{
		RunID: "b", Kind: "span", StartedAt: started.Add(time.Hour), FinishedAt: started.Add(time.Hour),
		Error: "transport: timeout",
	}))

	recs, err := s.Calibrations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "b", recs[0].RunID)
	assert.Equal(t, "transport: timeout", recs[0].Error)
	assert.Nil(t, recs[0].O2Span)

	zero := recs[1]
	assert.Equal(t, "zero", zero.Kind)
	require.NotNil(t, zero.CO2Zero)
	assert.Equal(t, 0.40, *zero.CO2Zero)
	require.NotNil(t, zero.O2Zero)
	assert.Equal(t, 20.05, *zero.O2Zero)
	assert.Equal(t, 4, zero.Reads)
	assert.True(t, started.Equal(zero.StartedAt))
	assert.Equal(t, time.Minute, zero.FinishedAt.Sub(zero.StartedAt))

	latest, err := s.Calibrations(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, latest, 1)

	assert.Error(t, s.SaveCalibration(ctx, Calibration{}))
}

func TestStore_Events(t *testing.T) {
	s := openMemory(t)

	s.Emit("2024-05-01 09:00:00 pump on")
	s.Emit("2024-05-01 09:00:01 pump ready")

	events, err := s.Events(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "2024-05-01 09:00:01 pump ready", events[0].Message)
	assert.Greater(t, events[0].ID, events[1].ID)
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "journal.db")

	s, err := Open(path, logger.NewNopMockLogger())
	require.NoError(t, err)
	require.NoError(t, s.AddEvent(context.Background(), "persisted"))
	require.NoError(t, s.Close())

	reopened, err := Open(path, logger.NewNopMockLogger())
	require.NoError(t, err)
	defer reopened.Close()

	events, err := reopened.Events(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "persisted", events[0].Message)
}
