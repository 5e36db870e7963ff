package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yegors/zonewatch/pkg/logger"
)

func openJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := NewJournal(filepath.Join(t.TempDir(), "journal.db"), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestAircraftLookupOrAdd(t *testing.T) {
	t.Parallel()

	j := openJournal(t)
	ctx := context.Background()

	_, ok, err := j.LookupAircraft(ctx, "N123AB")
	require.NoError(t, err)
	assert.False(t, ok)

	id, err := j.LookupOrAddAircraft(ctx, "N123AB", "N123AB")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	again, err := j.LookupOrAddAircraft(ctx, "N123AB", "N123AB")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	dup, err := j.AddAircraft(ctx, "N123AB", "OTHER")
	require.NoError(t, err)
	assert.Equal(t, id, dup, "adding an existing registration keeps the first id")

	found, ok, err := j.LookupAircraft(ctx, "N123AB")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id, found)
}

func TestOperationsNewestFirst(t *testing.T) {
	t.Parallel()

	j := openJournal(t)
	ctx := context.Background()

	aircraft, err := j.AddAircraft(ctx, "N99999", "N99999")
	require.NoError(t, err)

	t0 := time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)
	_, err = j.AddOperation(ctx, Operation{AircraftID: aircraft, Time: t0, Type: "Takeoff", Zone: "Takeoff 31"})
	require.NoError(t, err)
	id, err := j.AddOperation(ctx, Operation{AircraftID: aircraft, Time: t0.Add(time.Hour), Type: "Landing", Scenic: true})
	require.NoError(t, err)
	assert.Positive(t, id)

	ops, err := j.Operations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 2)

	assert.Equal(t, "Landing", ops[0].Type)
	assert.True(t, ops[0].Scenic)
	assert.Equal(t, t0.Add(time.Hour), ops[0].Time)
	assert.Empty(t, ops[0].Zone)

	assert.Equal(t, "Takeoff", ops[1].Type)
	assert.False(t, ops[1].Scenic)
	assert.Equal(t, "Takeoff 31", ops[1].Zone)
	assert.Equal(t, aircraft, ops[1].AircraftID)
}

func TestOperationRequiresKnownAircraft(t *testing.T) {
	t.Parallel()

	j := openJournal(t)
	_, err := j.AddOperation(context.Background(), Operation{AircraftID: "missing", Time: time.Now(), Type: "Landing"})
	assert.Error(t, err)
}

func TestProximityEventLifecycle(t *testing.T) {
	t.Parallel()

	j := openJournal(t)
	ctx := context.Background()
	t0 := time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)

	id, err := j.AddProximityEvent(ctx, ProximityRecord{
		EventID:    "evt-1",
		FlightA:    "AAL1",
		FlightB:    "UAL2",
		AircraftA:  "a-id",
		LateralFt:  2430,
		AltFt:      200,
		Created:    t0,
		LastUpdate: t0,
	})
	require.NoError(t, err)

	require.NoError(t, j.FinalizeProximityEvent(ctx, id, 1215, 100, t0.Add(45*time.Second)))

	events, err := j.ProximityEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, "evt-1", e.EventID)
	assert.Equal(t, "a-id", e.AircraftA)
	assert.Empty(t, e.AircraftB)
	assert.Equal(t, 1215, e.LateralFt)
	assert.Equal(t, 100, e.AltFt)
	assert.Equal(t, t0, e.Created)
	assert.Equal(t, t0.Add(45*time.Second), e.LastUpdate)
	assert.True(t, e.Final)

	assert.Error(t, j.FinalizeProximityEvent(ctx, id+100, 0, 0, t0))
}
