package tracking

import (
	"sort"
	"sync"
	"time"

	"github.com/yegors/zonewatch/internal/adsb"
	"github.com/yegors/zonewatch/internal/geofence"
	"github.com/yegors/zonewatch/internal/physics"
	"github.com/yegors/zonewatch/pkg/logger"
)

// Options tunes registry behaviour
type Options struct {
	ExpireAfter    time.Duration // idle time after which a track is removed
	FreshWithin    time.Duration // max sample age for a track to take part in proximity scans
	SeparationFt   int           // altitude separation below which a pair is a proximity candidate
	MinAltitudeFt  int           // both aircraft must be above this altitude
	LateralNM      float64       // lateral distance below which a pair is in proximity
	AltitudeWindow int           // samples kept for the altitude trend

	// Heading returns the heading used for zone heading bands.
	// Nil means the sample's true track.
	Heading func(adsb.Sample) float64
}

// DefaultOptions returns the stock registry tuning
func DefaultOptions() Options {
	return Options{
		ExpireAfter:    15 * time.Second,
		FreshWithin:    10 * time.Second,
		SeparationFt:   500,
		MinAltitudeFt:  300,
		LateralNM:      0.5,
		AltitudeWindow: 5,
	}
}

// Registry owns every live track. A single lock serializes all structural
// changes; hooks run after it is released.
type Registry struct {
	mu       sync.Mutex
	tracks   map[string]*Track
	lastSeen time.Time

	sets   []*geofence.ZoneSet
	hooks  Hooks
	opts   Options
	logger *logger.Logger
}

// NewRegistry creates a registry evaluating samples against the given zone sets
func NewRegistry(sets []*geofence.ZoneSet, hooks Hooks, opts Options, log *logger.Logger) *Registry {
	if hooks == nil {
		hooks = NopHooks{}
	}
	def := DefaultOptions()
	if opts.ExpireAfter <= 0 {
		opts.ExpireAfter = def.ExpireAfter
	}
	if opts.FreshWithin <= 0 {
		opts.FreshWithin = def.FreshWithin
	}
	if opts.AltitudeWindow <= 0 {
		opts.AltitudeWindow = def.AltitudeWindow
	}

	return &Registry{
		tracks: make(map[string]*Track),
		sets:   sets,
		hooks:  hooks,
		opts:   opts,
		logger: log.Named("registry"),
	}
}

// AddSample applies a sample to its track, creating the track if needed, and
// returns the sample's timestamp. Samples without an identity are ignored and
// the last-seen stream timestamp is returned instead.
func (r *Registry) AddSample(s adsb.Sample) time.Time {
	if !s.HasIdentity() {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.lastSeen
	}

	r.mu.Lock()

	heading := s.Track
	if r.opts.Heading != nil {
		heading = r.opts.Heading(s)
	}

	t, exists := r.tracks[s.Flight]
	if !exists {
		t = newTrack(s, len(r.sets), r.opts.AltitudeWindow)
		r.tracks[s.Flight] = t
	}

	t.mu.Lock()
	if exists {
		t.last = s
		t.updates++
		if t.tail == "" {
			t.tail = s.Tail
		}
	}
	if s.HasAltitude() {
		t.trackAltitudeLocked(s.Altitude)
	}

	var changes []ZoneChange
	for i, set := range r.sets {
		idx := set.Contains(s.Lat, s.Lon, heading, s.Altitude)
		if idx == t.zones[i] {
			continue
		}
		c := ZoneChange{
			SetIndex:  i,
			SetName:   set.Name,
			FromIndex: t.zones[i],
			ToIndex:   idx,
			From:      set.ZoneName(t.zones[i]),
			To:        set.ZoneName(idx),
		}
		c.Description = describeZoneChange(t, c)
		changes = append(changes, c)
		t.zones[i] = idx
	}
	t.mu.Unlock()

	if s.Time.After(r.lastSeen) {
		r.lastSeen = s.Time
	}
	r.mu.Unlock()

	for _, c := range changes {
		r.logger.Debug("Zone change",
			logger.String("flight", s.Flight),
			logger.String("description", c.Description))
		r.hooks.ZoneChanged(t, c)
	}
	if exists {
		r.hooks.TrackUpdated(t)
	} else {
		r.logger.Debug("New track", logger.String("flight", s.Flight), logger.String("tail", s.Tail))
		r.hooks.TrackCreated(t)
	}

	return s.Time
}

// ExpireOld removes every track whose last sample is older than the expiry
// threshold relative to now and returns how many were removed. TrackExpired
// fires once per stale track while it is still registered; the track is then
// removed unless a fresh sample revived it in the meantime.
func (r *Registry) ExpireOld(now time.Time) int {
	r.mu.Lock()
	var stale []*Track
	for _, t := range r.tracks {
		if !t.expiring && r.isStale(t, now) {
			t.expiring = true
			stale = append(stale, t)
		}
	}
	r.mu.Unlock()

	if len(stale) == 0 {
		return 0
	}

	sort.Slice(stale, func(i, j int) bool { return stale[i].flight < stale[j].flight })
	for _, t := range stale {
		r.logger.Debug("Track expired", logger.String("flight", t.flight))
		r.hooks.TrackExpired(t)
	}

	removed := 0
	r.mu.Lock()
	for _, t := range stale {
		t.expiring = false
		if r.tracks[t.flight] == t && r.isStale(t, now) {
			delete(r.tracks, t.flight)
			removed++
		}
	}
	r.mu.Unlock()
	return removed
}

func (r *Registry) isStale(t *Track, now time.Time) bool {
	return now.Sub(t.Last().Time) > r.opts.ExpireAfter
}

type proximityCandidate struct {
	track  *Track
	sample adsb.Sample
}

type proximityPair struct {
	a, b      *Track
	lateralNM float64
	altFt     int
}

// ScanProximity checks every pair of zoned, fresh tracks and fires Proximity
// for both orderings of each pair that is too close. It returns the number of
// pairs found. Only tracks inside some zone are considered, which keeps the
// quadratic scan small.
func (r *Registry) ScanProximity(now time.Time) int {
	r.mu.Lock()
	cands := make([]proximityCandidate, 0, len(r.tracks))
	for _, t := range r.tracks {
		t.mu.Lock()
		ok := t.inAnyZoneLocked() && now.Sub(t.last.Time) <= r.opts.FreshWithin
		s := t.last
		t.mu.Unlock()
		if ok {
			cands = append(cands, proximityCandidate{track: t, sample: s})
		}
	}
	r.mu.Unlock()

	sort.Slice(cands, func(i, j int) bool { return cands[i].track.flight < cands[j].track.flight })

	var pairs []proximityPair
	for i := 0; i < len(cands); i++ {
		a := cands[i].sample
		if !a.HasAltitude() || a.Altitude <= r.opts.MinAltitudeFt {
			continue
		}
		for j := i + 1; j < len(cands); j++ {
			b := cands[j].sample
			if !b.HasAltitude() || b.Altitude <= r.opts.MinAltitudeFt {
				continue
			}
			altDiff := a.Altitude - b.Altitude
			if altDiff < 0 {
				altDiff = -altDiff
			}
			if altDiff >= r.opts.SeparationFt {
				continue
			}
			lateral := physics.DistanceNM(a.Lat, a.Lon, b.Lat, b.Lon)
			if lateral >= r.opts.LateralNM {
				continue
			}
			pairs = append(pairs, proximityPair{a: cands[i].track, b: cands[j].track, lateralNM: lateral, altFt: altDiff})
		}
	}

	for _, p := range pairs {
		r.logger.Debug("Proximity",
			logger.String("a", p.a.flight),
			logger.String("b", p.b.flight),
			logger.Float64("lateral_nm", p.lateralNM),
			logger.Int("alt_ft", p.altFt))
		r.hooks.Proximity(p.a, p.b, p.lateralNM, p.altFt)
		r.hooks.Proximity(p.b, p.a, p.lateralNM, p.altFt)
	}
	return len(pairs)
}

// Tracks returns snapshots of every live track ordered by flight
func (r *Registry) Tracks() []TrackView {
	r.mu.Lock()
	tracks := make([]*Track, 0, len(r.tracks))
	for _, t := range r.tracks {
		tracks = append(tracks, t)
	}
	r.mu.Unlock()

	views := make([]TrackView, 0, len(tracks))
	for _, t := range tracks {
		views = append(views, t.View())
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Flight < views[j].Flight })
	return views
}

// Track returns a snapshot of one track
func (r *Registry) Track(flight string) (TrackView, bool) {
	r.mu.Lock()
	t, ok := r.tracks[flight]
	r.mu.Unlock()
	if !ok {
		return TrackView{}, false
	}
	return t.View(), true
}

// Len returns the number of live tracks
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracks)
}

// LastSeen returns the newest sample timestamp applied so far
func (r *Registry) LastSeen() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeen
}

// ZoneSets returns the zone sets the registry evaluates against
func (r *Registry) ZoneSets() []*geofence.ZoneSet {
	return r.sets
}
