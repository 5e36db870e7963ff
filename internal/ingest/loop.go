package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yegors/zonewatch/internal/adsb"
	"github.com/yegors/zonewatch/internal/tracking"
	"github.com/yegors/zonewatch/pkg/logger"
)

// State is the connection state of the ingestion loop
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateReading
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateReading:
		return "reading"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const maxLineSize = 1 << 20

// Injector produces synthetic samples for the self-test
type Injector interface {
	Inject(now time.Time) []adsb.Sample
}

// Config tunes the ingestion loop
type Config struct {
	MaintenanceInterval time.Duration // stream time between expire/scan passes
	SelfTestInterval    time.Duration // stream time between self-test injections
	ReconnectDelay      time.Duration // first backoff step
	MaxReconnectDelay   time.Duration // backoff cap

	// MaxClockSkew bounds how far ahead of the later of stream time and the
	// wall clock a record may be stamped. Records beyond it are dropped and
	// counted as decode errors so one bad timestamp cannot pin the clock.
	MaxClockSkew time.Duration

	// Checkpoint adds fields to the maintenance checkpoint log line
	Checkpoint func() []logger.Field
}

// Stats is a point-in-time view of the loop counters
type Stats struct {
	State           string    `json:"state"`
	Source          string    `json:"source"`
	Lines           int64     `json:"lines"`
	Samples         int64     `json:"samples"`
	DecodeErrors    int64     `json:"decode_errors"`
	Reconnects      int64     `json:"reconnects"`
	StreamTime      time.Time `json:"stream_time"`
	LastMaintenance time.Time `json:"last_maintenance"`
	SelfTests       int64     `json:"self_tests"`
}

// Loop reads the feed, feeds the registry and drives maintenance from stream time
type Loop struct {
	src      Source
	reg      *tracking.Registry
	clock    *StreamClock
	injector Injector
	cfg      Config
	logger   *logger.Logger
	wallNow  func() time.Time

	state        atomic.Int32
	lines        atomic.Int64
	samples      atomic.Int64
	decodeErrors atomic.Int64
	reconnects   atomic.Int64
	selfTests    atomic.Int64

	mu              sync.Mutex
	lastMaintenance time.Time
	lastSelfTest    time.Time
}

// NewLoop creates an ingestion loop. injector may be nil to disable the self-test.
func NewLoop(src Source, reg *tracking.Registry, clock *StreamClock, injector Injector, cfg Config, log *logger.Logger) *Loop {
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = 10 * time.Second
	}
	if cfg.SelfTestInterval <= 0 {
		cfg.SelfTestInterval = time.Hour
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = 60 * time.Second
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = time.Hour
	}
	if clock == nil {
		clock = NewStreamClock()
	}
	return &Loop{
		src:      src,
		reg:      reg,
		clock:    clock,
		injector: injector,
		cfg:      cfg,
		logger:   log.Named("ingest"),
		wallNow:  time.Now,
	}
}

// Clock returns the stream clock driven by this loop
func (l *Loop) Clock() *StreamClock {
	return l.clock
}

// State returns the current connection state
func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) setState(s State) {
	if old := State(l.state.Swap(int32(s))); old != s {
		l.logger.Debug("Feed state changed",
			logger.String("from", old.String()),
			logger.String("to", s.String()))
	}
}

// Run connects to the source and processes records until ctx is cancelled.
// Transport failures reconnect with capped exponential backoff.
func (l *Loop) Run(ctx context.Context) error {
	defer l.setState(StateDisconnected)

	backoff := l.cfg.ReconnectDelay
	first := true

	for {
		if ctx.Err() != nil {
			return nil
		}

		if !first {
			l.setState(StateReconnecting)
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff *= 2
			if backoff > l.cfg.MaxReconnectDelay {
				backoff = l.cfg.MaxReconnectDelay
			}
			l.reconnects.Add(1)
		}
		first = false

		conn, err := l.src.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("Failed to connect to feed",
				logger.String("source", l.src.String()),
				logger.Duration("retry_in", backoff),
				logger.Error(err))
			continue
		}

		l.setState(StateConnected)
		l.logger.Info("Connected to feed", logger.String("source", l.src.String()))

		got, err := l.read(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			return nil
		}
		if got {
			backoff = l.cfg.ReconnectDelay
		}
		if err == nil {
			err = io.EOF
		}
		l.logger.Warn("Feed connection lost, reconnecting",
			logger.String("source", l.src.String()),
			logger.Error(err))
	}
}

// read consumes lines until the connection fails. It reports whether any
// line was read so the caller can reset its backoff.
func (l *Loop) read(ctx context.Context, conn io.ReadCloser) (bool, error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	l.setState(StateReading)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	got := false
	for scanner.Scan() {
		got = true
		l.lines.Add(1)

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		s, err := adsb.DecodeSample(line, time.Now())
		if err != nil {
			n := l.decodeErrors.Add(1)
			l.logger.Debug("Dropping undecodable record",
				logger.Int64("decode_errors", n),
				logger.Error(err))
			continue
		}
		l.Process(s)
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return got, fmt.Errorf("feed line exceeds %d bytes: %w", maxLineSize, err)
		}
		return got, fmt.Errorf("failed to read feed: %w", err)
	}
	return got, nil
}

// Process applies a decoded sample and runs any maintenance that is due at
// the resulting stream time
func (l *Loop) Process(s adsb.Sample) {
	if l.aheadOfClock(s.Time) {
		n := l.decodeErrors.Add(1)
		l.logger.Debug("Dropping record stamped too far ahead",
			logger.String("flight", s.Flight),
			logger.Time("time", s.Time),
			logger.Time("stream_time", l.clock.Now()),
			logger.Int64("decode_errors", n))
		return
	}
	if s.HasIdentity() {
		l.samples.Add(1)
	}
	l.clock.Advance(l.reg.AddSample(s))
	l.clock.Advance(s.Time)

	now := l.clock.Now()
	if now.IsZero() {
		return
	}
	l.tick(now)
}

// aheadOfClock reports whether t lies beyond the allowed skew past the later
// of stream time and the wall clock. Replays of old traces stay accepted
// because the wall clock is ahead of them.
func (l *Loop) aheadOfClock(t time.Time) bool {
	ref := l.wallNow()
	if now := l.clock.Now(); now.After(ref) {
		ref = now
	}
	return t.After(ref.Add(l.cfg.MaxClockSkew))
}

func (l *Loop) tick(now time.Time) {
	l.mu.Lock()
	first := l.lastMaintenance.IsZero()
	maintain := first || now.Sub(l.lastMaintenance) >= l.cfg.MaintenanceInterval
	if maintain {
		l.lastMaintenance = now
	}
	selfTest := l.injector != nil && maintain &&
		(l.lastSelfTest.IsZero() || now.Sub(l.lastSelfTest) >= l.cfg.SelfTestInterval)
	if selfTest {
		l.lastSelfTest = now
	}
	l.mu.Unlock()

	if !maintain {
		return
	}
	if !first {
		l.Maintain(now)
	}
	if selfTest {
		l.injectSelfTest(now)
	}
}

// Maintain expires idle tracks, scans for proximity and logs a checkpoint
func (l *Loop) Maintain(now time.Time) {
	expired := l.reg.ExpireOld(now)
	pairs := l.reg.ScanProximity(now)

	fields := []logger.Field{
		logger.Time("stream_time", now),
		logger.Int64("lines", l.lines.Load()),
		logger.Int64("samples", l.samples.Load()),
		logger.Int64("decode_errors", l.decodeErrors.Load()),
		logger.Int64("reconnects", l.reconnects.Load()),
		logger.Int("tracks", l.reg.Len()),
		logger.Int("expired", expired),
		logger.Int("proximity_pairs", pairs),
	}
	if l.cfg.Checkpoint != nil {
		fields = append(fields, l.cfg.Checkpoint()...)
	}
	l.logger.Info("Checkpoint", fields...)
}

func (l *Loop) injectSelfTest(now time.Time) {
	samples := l.injector.Inject(now)
	for _, s := range samples {
		l.reg.AddSample(s)
	}
	l.selfTests.Add(1)
	l.logger.Info("Injected self-test aircraft",
		logger.Int("samples", len(samples)),
		logger.Time("stream_time", now))
}

// Stats returns the current counters
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	last := l.lastMaintenance
	l.mu.Unlock()

	return Stats{
		State:           l.State().String(),
		Source:          l.src.String(),
		Lines:           l.lines.Load(),
		Samples:         l.samples.Load(),
		DecodeErrors:    l.decodeErrors.Load(),
		Reconnects:      l.reconnects.Load(),
		StreamTime:      l.clock.Now(),
		LastMaintenance: last,
		SelfTests:       l.selfTests.Load(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
