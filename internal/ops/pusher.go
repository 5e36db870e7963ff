package ops

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/yegors/zonewatch/internal/dispatch"
	"github.com/yegors/zonewatch/internal/physics"
	"github.com/yegors/zonewatch/internal/proximity"
	"github.com/yegors/zonewatch/internal/storage/sqlite"
	"github.com/yegors/zonewatch/internal/tracking"
	"github.com/yegors/zonewatch/pkg/logger"
)

// Operation types
const (
	Landing = "Landing"
	Takeoff = "Takeoff"
)

// Zone name fragments that drive operation bookkeeping
const (
	patternMarker = "Pattern"
	landingMarker = "Landing"
	takeoffMarker = "Takeoff"
)

const defaultCacheSize = 1024

// Journal is the record store the pusher writes to
type Journal interface {
	LookupOrAddAircraft(ctx context.Context, registration, flight string) (string, error)
	AddOperation(ctx context.Context, op sqlite.Operation) (int64, error)
	AddProximityEvent(ctx context.Context, rec sqlite.ProximityRecord) (int64, error)
	FinalizeProximityEvent(ctx context.Context, id int64, lateralFt, altFt int, lastUpdate time.Time) error
}

// Pusher records landings, takeoffs and close-proximity events. It is both a
// tracking.Hooks and a proximity.Sink; journal writes run on the executor.
type Pusher struct {
	tracking.NopHooks

	journal Journal
	exec    dispatch.Executor
	ids     *lru.Cache[string, string]
	logger  *logger.Logger
}

// NewPusher creates a pusher. cacheSize bounds the registration to aircraft id cache.
func NewPusher(journal Journal, exec dispatch.Executor, cacheSize int, log *logger.Logger) (*Pusher, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	ids, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create aircraft id cache: %w", err)
	}
	if exec == nil {
		exec = dispatch.Inline{}
	}
	return &Pusher{
		journal: journal,
		exec:    exec,
		ids:     ids,
		logger:  log.Named("ops"),
	}, nil
}

// ZoneChanged marks pattern work and records landings and takeoffs. A landing
// after the pattern flag was set is scenic, and consumes the flag.
func (p *Pusher) ZoneChanged(t *tracking.Track, c tracking.ZoneChange) {
	if t.Flag(tracking.FlagSynthetic) {
		return
	}

	dest := c.To
	if strings.Contains(dest, patternMarker) {
		t.SetFlag(tracking.FlagPatternSeen, true)
	}

	var opType string
	scenic := false
	switch {
	case strings.Contains(dest, landingMarker):
		opType = Landing
		scenic = t.TakeFlag(tracking.FlagPatternSeen)
	case strings.Contains(dest, takeoffMarker):
		opType = Takeoff
	default:
		return
	}

	op := sqlite.Operation{
		Time:   t.Last().Time,
		Type:   opType,
		Scenic: scenic,
		Flight: t.Flight(),
		Zone:   dest,
	}

	p.logger.Info("Recording operation",
		logger.String("flight", op.Flight),
		logger.String("tail", t.Tail()),
		logger.String("type", opType),
		logger.Bool("scenic", scenic),
		logger.String("zone", dest))

	p.exec.Submit("ops-"+strings.ToLower(opType), func(ctx context.Context) {
		id, err := t.ExternalID(func() (string, error) {
			return p.resolve(ctx, t.Identity(), t.Flight())
		})
		if err != nil {
			p.logger.Error("Failed to resolve aircraft",
				logger.String("flight", op.Flight),
				logger.Error(err))
			return
		}
		op.AircraftID = id
		if _, err := p.journal.AddOperation(ctx, op); err != nil {
			p.logger.Error("Failed to record operation",
				logger.String("flight", op.Flight),
				logger.String("type", opType),
				logger.Error(err))
		}
	})
}

// resolve maps a registration to an aircraft id through the cache, falling
// back to the journal
func (p *Pusher) resolve(ctx context.Context, registration, flight string) (string, error) {
	if id, ok := p.ids.Get(registration); ok {
		return id, nil
	}
	id, err := p.journal.LookupOrAddAircraft(ctx, registration, flight)
	if err != nil {
		return "", err
	}
	p.ids.Add(registration, id)
	return id, nil
}

func (p *Pusher) resolveView(ctx context.Context, v tracking.TrackView) string {
	if v.ExternalID != "" {
		return v.ExternalID
	}
	reg := v.Tail
	if reg == "" {
		reg = v.Flight
	}
	id, err := p.resolve(ctx, reg, v.Flight)
	if err != nil {
		p.logger.Warn("Failed to resolve aircraft for proximity event",
			logger.String("flight", v.Flight),
			logger.Error(err))
		return ""
	}
	return id
}

// ProximityCreated records a new event and returns its journal row id as the handle
func (p *Pusher) ProximityCreated(ctx context.Context, e proximity.Event) (string, error) {
	aircraftA := p.resolveView(ctx, e.A)
	aircraftB := p.resolveView(ctx, e.B)

	id, err := p.journal.AddProximityEvent(ctx, sqlite.ProximityRecord{
		EventID:    e.ID,
		FlightA:    e.Key.A,
		FlightB:    e.Key.B,
		AircraftA:  aircraftA,
		AircraftB:  aircraftB,
		LateralFt:  feet(e.LateralNM),
		AltFt:      e.AltFt,
		Created:    e.Created,
		LastUpdate: e.LastUpdate,
	})
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

func (p *Pusher) ProximityUpdated(proximity.Event) {}

// ProximityFinalized stores the minimum separations on the event's row
func (p *Pusher) ProximityFinalized(ctx context.Context, e proximity.Event) error {
	if e.Handle == "" {
		p.logger.Debug("Proximity event was never recorded, nothing to finalize",
			logger.String("key", e.Key.String()))
		return nil
	}
	id, err := strconv.ParseInt(e.Handle, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid proximity handle %q: %w", e.Handle, err)
	}
	return p.journal.FinalizeProximityEvent(ctx, id, feet(e.MinLateralNM), e.MinAltFt, e.LastUpdate)
}

func feet(nm float64) int {
	return int(math.Round(physics.NMToFeet(nm)))
}
