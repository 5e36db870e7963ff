package proximity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yegors/zonewatch/internal/adsb"
	"github.com/yegors/zonewatch/internal/dispatch"
	"github.com/yegors/zonewatch/internal/tracking"
	"github.com/yegors/zonewatch/pkg/logger"
)

type fakeSink struct {
	mu        sync.Mutex
	created   []Event
	updated   []Event
	finalized []Event
	createErr error
	handle    string
}

func (s *fakeSink) ProximityCreated(_ context.Context, e Event) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, e)
	if s.createErr != nil {
		return "", s.createErr
	}
	return s.handle, nil
}

func (s *fakeSink) ProximityUpdated(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated = append(s.updated, e)
}

func (s *fakeSink) ProximityFinalized(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = append(s.finalized, e)
	return nil
}

// deferred queues jobs until run is called
type deferred struct {
	jobs []dispatch.Job
}

func (d *deferred) Submit(_ string, fn dispatch.Job) bool {
	d.jobs = append(d.jobs, fn)
	return true
}

func (d *deferred) run() {
	jobs := d.jobs
	d.jobs = nil
	for _, j := range jobs {
		j(context.Background())
	}
}

var t0 = time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)

func view(flight string) tracking.TrackView {
	return tracking.TrackView{Flight: flight}
}

func TestKeyForIsOrderIndependent(t *testing.T) {
	t.Parallel()

	assert.Equal(t, KeyFor("A", "B"), KeyFor("B", "A"))
	assert.Equal(t, Key{A: "AAL1", B: "UAL2"}, KeyFor("UAL2", "AAL1"))
	assert.Equal(t, "AAL1/UAL2", KeyFor("UAL2", "AAL1").String())
}

func TestRecordBothOrdersResolveToOneEvent(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{handle: "row-1"}
	tr := NewTracker(Config{}, sink, dispatch.Inline{}, logger.NewNop())

	tr.Record(view("B"), view("A"), 0.3, 200, t0)
	tr.Record(view("A"), view("B"), 0.2, 300, t0.Add(time.Second))

	require.Equal(t, 1, tr.Len())
	events := tr.Snapshot()
	e := events[0]
	assert.Equal(t, Key{A: "A", B: "B"}, e.Key)
	assert.Equal(t, "A", e.A.Flight)
	assert.Equal(t, "B", e.B.Flight)
	assert.Equal(t, "row-1", e.Handle)
	assert.Equal(t, 2, e.Updates)
	assert.NotEmpty(t, e.ID)

	assert.Len(t, sink.created, 1)
	assert.Len(t, sink.updated, 1)
}

func TestRecordTracksMinimums(t *testing.T) {
	t.Parallel()

	tr := NewTracker(Config{}, &fakeSink{}, dispatch.Inline{}, logger.NewNop())

	tr.Record(view("A"), view("B"), 0.40, 300, t0)
	tr.Record(view("A"), view("B"), 0.20, 400, t0.Add(time.Second))
	tr.Record(view("A"), view("B"), 0.45, 100, t0.Add(2*time.Second))

	e := tr.Snapshot()[0]
	assert.InDelta(t, 0.20, e.MinLateralNM, 1e-9)
	assert.Equal(t, 100, e.MinAltFt)
	assert.InDelta(t, 0.45, e.LateralNM, 1e-9)
	assert.Equal(t, 100, e.AltFt)
	assert.Equal(t, t0, e.Created)
	assert.Equal(t, t0.Add(2*time.Second), e.LastUpdate)
	assert.Equal(t, 2*time.Second, e.Duration())
}

func TestRecordIgnoresSelfPair(t *testing.T) {
	t.Parallel()

	tr := NewTracker(Config{}, &fakeSink{}, dispatch.Inline{}, logger.NewNop())
	tr.Record(view("A"), view("A"), 0.1, 0, t0)
	assert.Zero(t, tr.Len())
}

func TestReapFinalizesQuietEvents(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{handle: "row-7"}
	tr := NewTracker(Config{Quiescence: time.Minute}, sink, dispatch.Inline{}, logger.NewNop())

	tr.Record(view("A"), view("B"), 0.3, 200, t0)
	tr.Record(view("C"), view("D"), 0.3, 200, t0.Add(30*time.Second))

	assert.Zero(t, tr.Reap(t0.Add(time.Minute)), "exactly at the window is not quiet yet")
	assert.Equal(t, 1, tr.Reap(t0.Add(61*time.Second)))
	assert.Equal(t, 1, tr.Len())

	require.Len(t, sink.finalized, 1)
	f := sink.finalized[0]
	assert.Equal(t, Key{A: "A", B: "B"}, f.Key)
	assert.True(t, f.Final)
	assert.Equal(t, "row-7", f.Handle)
	assert.Equal(t, t0, f.Created)

	assert.Equal(t, 1, tr.Reap(t0.Add(2*time.Minute)))
	assert.Zero(t, tr.Len())
	assert.Len(t, sink.finalized, 2)
}

func TestReapWaitsForCreateHandle(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{handle: "row-9"}
	exec := &deferred{}
	tr := NewTracker(Config{Quiescence: time.Minute}, sink, exec, logger.NewNop())

	tr.Record(view("A"), view("B"), 0.3, 200, t0)
	assert.Empty(t, sink.created, "create push runs on the executor, not inline")

	assert.Zero(t, tr.Reap(t0.Add(2*time.Minute)), "create still in flight")

	exec.run()
	require.Len(t, sink.created, 1)

	assert.Equal(t, 1, tr.Reap(t0.Add(2*time.Minute)))
	exec.run()
	require.Len(t, sink.finalized, 1)
	assert.Equal(t, "row-9", sink.finalized[0].Handle)
}

func TestFlushWaitsForPendingCreates(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{handle: "row-3"}
	exec := &deferred{}
	tr := NewTracker(Config{Quiescence: time.Minute}, sink, exec, logger.NewNop())
	tr.Record(view("A"), view("B"), 0.3, 200, t0)

	flushed := make(chan int, 1)
	go func() {
		n, err := tr.Flush(context.Background(), t0.Add(time.Minute+time.Second))
		assert.NoError(t, err)
		flushed <- n
	}()

	select {
	case <-flushed:
		t.Fatal("flush returned before the create finished")
	case <-time.After(50 * time.Millisecond):
	}

	exec.run()
	assert.Equal(t, 1, <-flushed)

	exec.run()
	require.Len(t, sink.finalized, 1)
	assert.Equal(t, "row-3", sink.finalized[0].Handle)
	assert.True(t, sink.finalized[0].Final)
	assert.Zero(t, tr.Len())
}

func TestFlushGivesUpWhenContextEnds(t *testing.T) {
	t.Parallel()

	exec := &deferred{}
	tr := NewTracker(Config{Quiescence: time.Minute}, &fakeSink{}, exec, logger.NewNop())
	tr.Record(view("A"), view("B"), 0.3, 200, t0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := tr.Flush(ctx, t0.Add(2*time.Minute))
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
	assert.Equal(t, 1, tr.Len(), "the pending event is left open")

	exec.run()
}

type panickingSink struct {
	fakeSink
}

func (s *panickingSink) ProximityCreated(context.Context, Event) (string, error) {
	panic("sink exploded")
}

func TestCreatePanicStillAllowsReap(t *testing.T) {
	t.Parallel()

	sink := &panickingSink{}
	pool := dispatch.NewPool(1, 8, logger.NewNop())
	pool.Start(context.Background())
	defer pool.Stop()

	tr := NewTracker(Config{Quiescence: time.Minute}, sink, pool, logger.NewNop())
	tr.Record(view("A"), view("B"), 0.3, 200, t0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := tr.Flush(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pool.Stop()
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.finalized, 1)
	assert.Empty(t, sink.finalized[0].Handle)
	assert.Equal(t, int64(1), pool.Stats().Panicked)
}

func TestCreateFailureStillFinalizes(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{createErr: errors.New("remote down")}
	tr := NewTracker(Config{Quiescence: time.Minute}, sink, dispatch.Inline{}, logger.NewNop())

	tr.Record(view("A"), view("B"), 0.3, 200, t0)
	assert.Equal(t, 1, tr.Reap(t0.Add(2*time.Minute)))
	require.Len(t, sink.finalized, 1)
	assert.Empty(t, sink.finalized[0].Handle)
}

func TestRunUsesStreamTime(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	var mu sync.Mutex
	now := t0
	tr := NewTracker(Config{
		Quiescence:   time.Minute,
		ReapInterval: 5 * time.Millisecond,
		StreamTimeNow: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		},
	}, sink, dispatch.Inline{}, logger.NewNop())

	tr.Record(view("A"), view("B"), 0.3, 200, t0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tr.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, tr.Len(), "stream time has not advanced")

	mu.Lock()
	now = t0.Add(2 * time.Minute)
	mu.Unlock()

	assert.Eventually(t, func() bool { return tr.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestSinksFanOut(t *testing.T) {
	t.Parallel()

	first := &fakeSink{}
	second := &fakeSink{handle: "h2"}
	failing := &fakeSink{createErr: errors.New("nope")}
	sinks := Sinks{first, failing, second}

	h, err := sinks.ProximityCreated(context.Background(), Event{})
	assert.Error(t, err)
	assert.Equal(t, "h2", h)

	sinks.ProximityUpdated(Event{})
	require.NoError(t, sinks.ProximityFinalized(context.Background(), Event{}))
	assert.Len(t, first.updated, 1)
	assert.Len(t, second.finalized, 1)
}

func TestHooksRecordEachPairOnce(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	tr := NewTracker(Config{}, sink, dispatch.Inline{}, logger.NewNop())

	capture := &captureHooks{}
	reg := tracking.NewRegistry(nil, capture, tracking.DefaultOptions(), logger.NewNop())
	reg.AddSample(adsb.Sample{Flight: "A", Altitude: 1000, Time: t0})
	reg.AddSample(adsb.Sample{Flight: "B", Altitude: 1100, Time: t0.Add(time.Second)})
	a, b := capture.tracks["A"], capture.tracks["B"]
	require.NotNil(t, a)
	require.NotNil(t, b)

	h := Hooks{Tracker: tr}
	h.Proximity(a, b, 0.2, 100)
	h.Proximity(b, a, 0.2, 100)

	require.Equal(t, 1, tr.Len())
	e := tr.Snapshot()[0]
	assert.Equal(t, 1, e.Updates)
	assert.Equal(t, t0.Add(time.Second), e.Created, "uses the newer of the two samples")
	assert.True(t, a.Flag(tracking.FlagProximity))
	assert.True(t, b.Flag(tracking.FlagProximity))
	assert.Len(t, sink.created, 1)
}

type captureHooks struct {
	tracking.NopHooks
	tracks map[string]*tracking.Track
}

func (c *captureHooks) TrackCreated(t *tracking.Track) {
	if c.tracks == nil {
		c.tracks = make(map[string]*tracking.Track)
	}
	c.tracks[t.Flight()] = t
}
