package proximity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yegors/zonewatch/internal/dispatch"
	"github.com/yegors/zonewatch/internal/tracking"
	"github.com/yegors/zonewatch/pkg/logger"
)

// Key identifies a close-proximity event by its two participants in canonical order
type Key struct {
	A string `json:"a"`
	B string `json:"b"`
}

// KeyFor returns the canonical key for a pair of flights regardless of argument order
func KeyFor(a, b string) Key {
	if b < a {
		a, b = b, a
	}
	return Key{A: a, B: b}
}

func (k Key) String() string {
	return k.A + "/" + k.B
}

// Event is a close-proximity event between two aircraft. A is always the
// participant that sorts first.
type Event struct {
	ID           string             `json:"id"`
	Key          Key                `json:"key"`
	A            tracking.TrackView `json:"a"`
	B            tracking.TrackView `json:"b"`
	LateralNM    float64            `json:"lateral_nm"`
	MinLateralNM float64            `json:"min_lateral_nm"`
	AltFt        int                `json:"alt_ft"`
	MinAltFt     int                `json:"min_alt_ft"`
	Created      time.Time          `json:"created"`
	LastUpdate   time.Time          `json:"last_update"`
	Updates      int                `json:"updates"`
	Handle       string             `json:"handle,omitempty"`
	Final        bool               `json:"final"`

	creating bool
}

// Duration returns how long the event has been open
func (e Event) Duration() time.Duration {
	return e.LastUpdate.Sub(e.Created)
}

// Sink receives event lifecycle notifications. ProximityCreated and
// ProximityFinalized run on a worker and may do I/O; ProximityUpdated runs
// inline and must not block.
type Sink interface {
	ProximityCreated(ctx context.Context, e Event) (handle string, err error)
	ProximityUpdated(e Event)
	ProximityFinalized(ctx context.Context, e Event) error
}

// Sinks fans out to several sinks. The first non-empty handle wins.
type Sinks []Sink

func (s Sinks) ProximityCreated(ctx context.Context, e Event) (string, error) {
	var handle string
	var errs []error
	for _, sink := range s {
		h, err := sink.ProximityCreated(ctx, e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if handle == "" {
			handle = h
		}
	}
	return handle, errors.Join(errs...)
}

func (s Sinks) ProximityUpdated(e Event) {
	for _, sink := range s {
		sink.ProximityUpdated(e)
	}
}

func (s Sinks) ProximityFinalized(ctx context.Context, e Event) error {
	var errs []error
	for _, sink := range s {
		if err := sink.ProximityFinalized(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Config tunes the tracker
type Config struct {
	Quiescence    time.Duration // an event with no update for this long is finalized
	ReapInterval  time.Duration // how often the reaper runs
	StreamTimeNow func() time.Time
}

// Tracker manages the lifecycle of close-proximity events
type Tracker struct {
	mu     sync.Mutex
	events map[Key]*Event

	// creates counts create pushes that have not finished
	creates sync.WaitGroup

	sink   Sink
	exec   dispatch.Executor
	cfg    Config
	logger *logger.Logger
}

// NewTracker creates a tracker that pushes events to sink using exec
func NewTracker(cfg Config, sink Sink, exec dispatch.Executor, log *logger.Logger) *Tracker {
	if cfg.Quiescence <= 0 {
		cfg.Quiescence = 60 * time.Second
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 10 * time.Second
	}
	if cfg.StreamTimeNow == nil {
		cfg.StreamTimeNow = time.Now
	}
	if exec == nil {
		exec = dispatch.Inline{}
	}
	return &Tracker{
		events: make(map[Key]*Event),
		sink:   sink,
		exec:   exec,
		cfg:    cfg,
		logger: log.Named("proximity"),
	}
}

// Record notes a detection of a and b within proximity at time now. The first
// detection of a pair creates an event and pushes it to the sink on a worker;
// later detections only lower the recorded minimums.
func (t *Tracker) Record(a, b tracking.TrackView, lateralNM float64, altFt int, now time.Time) {
	key := KeyFor(a.Flight, b.Flight)
	if key.A == key.B {
		return
	}
	if a.Flight != key.A {
		a, b = b, a
	}

	t.mu.Lock()
	if e, ok := t.events[key]; ok {
		e.A, e.B = a, b
		e.LateralNM = lateralNM
		e.AltFt = altFt
		if lateralNM < e.MinLateralNM {
			e.MinLateralNM = lateralNM
		}
		if altFt < e.MinAltFt {
			e.MinAltFt = altFt
		}
		if now.After(e.LastUpdate) {
			e.LastUpdate = now
		}
		e.Updates++
		snap := *e
		t.mu.Unlock()

		if t.sink != nil {
			t.sink.ProximityUpdated(snap)
		}
		return
	}

	e := &Event{
		ID:           uuid.NewString(),
		Key:          key,
		A:            a,
		B:            b,
		LateralNM:    lateralNM,
		MinLateralNM: lateralNM,
		AltFt:        altFt,
		MinAltFt:     altFt,
		Created:      now,
		LastUpdate:   now,
		Updates:      1,
		creating:     t.sink != nil,
	}
	t.events[key] = e
	snap := *e
	t.mu.Unlock()

	t.logger.Info("Close proximity event opened",
		logger.String("a", key.A),
		logger.String("b", key.B),
		logger.Float64("lateral_nm", lateralNM),
		logger.Int("alt_ft", altFt))

	if t.sink == nil {
		return
	}

	t.creates.Add(1)
	ok := t.exec.Submit("proximity-create", func(ctx context.Context) {
		var handle string
		// runs even if the sink panics, so the event can still be reaped
		defer func() {
			t.setHandle(key, snap.ID, handle)
			t.creates.Done()
		}()

		h, err := t.sink.ProximityCreated(ctx, snap)
		if err != nil {
			t.logger.Error("Failed to push proximity event",
				logger.String("key", key.String()),
				logger.Error(err))
		}
		handle = h
	})
	if !ok {
		t.setHandle(key, snap.ID, "")
		t.creates.Done()
	}
}

func (t *Tracker) setHandle(key Key, id, handle string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.events[key]; ok && e.ID == id {
		e.Handle = handle
		e.creating = false
	}
}

// Reap finalizes and removes every event with no update within the
// quiescence window relative to now. Events whose create push is still in
// flight are left for the next pass so the finalize carries their handle.
func (t *Tracker) Reap(now time.Time) int {
	t.mu.Lock()
	var done []Event
	for key, e := range t.events {
		if e.creating || now.Sub(e.LastUpdate) <= t.cfg.Quiescence {
			continue
		}
		e.Final = true
		done = append(done, *e)
		delete(t.events, key)
	}
	t.mu.Unlock()

	sort.Slice(done, func(i, j int) bool { return done[i].Key.String() < done[j].Key.String() })
	for _, e := range done {
		t.logger.Info("Close proximity event closed",
			logger.String("a", e.Key.A),
			logger.String("b", e.Key.B),
			logger.Float64("min_lateral_nm", e.MinLateralNM),
			logger.Int("min_alt_ft", e.MinAltFt),
			logger.Duration("duration", e.Duration()))

		if t.sink == nil {
			continue
		}
		t.exec.Submit("proximity-finalize", func(ctx context.Context) {
			if err := t.sink.ProximityFinalized(ctx, e); err != nil {
				t.logger.Error("Failed to finalize proximity event",
					logger.String("key", e.Key.String()),
					logger.Error(err))
			}
		})
	}
	return len(done)
}

// Flush waits for in-flight create pushes, bounded by ctx, and then reaps at
// now. It is meant for shutdown: with now past every event's quiescence it
// finalizes everything still open. The executor must still be running.
func (t *Tracker) Flush(ctx context.Context, now time.Time) (int, error) {
	done := make(chan struct{})
	go func() {
		t.creates.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("failed to wait for proximity creates: %w", ctx.Err())
	}
	return t.Reap(now), err
}

// Run reaps quiet events every ReapInterval until ctx is cancelled
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := t.cfg.StreamTimeNow()
			if now.IsZero() {
				continue
			}
			t.Reap(now)
		case <-ctx.Done():
			return nil
		}
	}
}

// Snapshot returns the open events ordered by key
func (t *Tracker) Snapshot() []Event {
	t.mu.Lock()
	out := make([]Event, 0, len(t.events))
	for _, e := range t.events {
		out = append(out, *e)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Len returns the number of open events
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

// Hooks feeds registry proximity scans into the tracker. Each side of a pair
// is flagged; the pair is recorded once, from its canonical ordering.
type Hooks struct {
	tracking.NopHooks
	Tracker *Tracker
}

func (h Hooks) Proximity(a, b *tracking.Track, lateralNM float64, altFt int) {
	a.SetFlag(tracking.FlagProximity, true)
	if a.Flight() > b.Flight() {
		return
	}

	av, bv := a.View(), b.View()
	now := av.Last.Time
	if bv.Last.Time.After(now) {
		now = bv.Last.Time
	}
	h.Tracker.Record(av, bv, lateralNM, altFt, now)
}
