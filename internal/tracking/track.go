package tracking

import (
	"sync"
	"time"

	"github.com/yegors/zonewatch/internal/adsb"
	"github.com/yegors/zonewatch/internal/geofence"
)

// Trend is the direction of an aircraft's altitude change
type Trend int

const (
	Descending Trend = -1
	Level      Trend = 0
	Climbing   Trend = 1
)

func (t Trend) String() string {
	switch t {
	case Climbing:
		return "climbing"
	case Descending:
		return "descending"
	default:
		return "level"
	}
}

// Well-known flag names used by collaborators
const (
	FlagPatternSeen = "pattern_seen"
	FlagProximity   = "proximity"
	FlagSynthetic   = "synthetic"
)

// Track is the mutable state kept for one aircraft. The registry owns it;
// mu guards every field below it so collaborators can read a consistent view
// from their own goroutines.
type Track struct {
	flight string

	// resolveMu serializes external-id lookups so that only one remote call
	// is ever in flight per track. It is never taken under the registry lock.
	resolveMu sync.Mutex

	mu         sync.Mutex
	tail       string
	first      adsb.Sample
	last       adsb.Sample
	updates    int
	altHistory []int
	altWindow  int
	trend      Trend
	zones      []int
	externalID string
	flags      map[string]bool

	// expiring is guarded by the registry lock
	expiring bool
}

func newTrack(s adsb.Sample, zoneSets, altWindow int) *Track {
	zones := make([]int, zoneSets)
	for i := range zones {
		zones[i] = geofence.None
	}
	if altWindow <= 0 {
		altWindow = 5
	}
	return &Track{
		flight:     s.Flight,
		tail:       s.Tail,
		first:      s,
		last:       s,
		updates:    1,
		altWindow:  altWindow,
		altHistory: make([]int, 0, altWindow),
		zones:      zones,
		flags:      make(map[string]bool),
	}
}

// Flight returns the callsign the track is keyed by
func (t *Track) Flight() string {
	return t.flight
}

// Tail returns the derived registration, which may be empty
func (t *Track) Tail() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tail
}

// Identity returns the tail number if known, else the callsign
func (t *Track) Identity() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tail != "" {
		return t.tail
	}
	return t.flight
}

// Last returns the most recently applied sample
func (t *Track) Last() adsb.Sample {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// First returns the sample that created the track
func (t *Track) First() adsb.Sample {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.first
}

// Trend returns the altitude trend computed on the last sample
func (t *Track) Trend() Trend {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trend
}

// ZoneIndex returns the zone index the track is inside for zone set i
func (t *Track) ZoneIndex(i int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.zones) {
		return geofence.None
	}
	return t.zones[i]
}

// InAnyZone reports whether the track is inside a zone of any zone set
func (t *Track) InAnyZone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inAnyZoneLocked()
}

func (t *Track) inAnyZoneLocked() bool {
	for _, z := range t.zones {
		if z != geofence.None {
			return true
		}
	}
	return false
}

// Flag returns the named annotation flag
func (t *Track) Flag(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flags[name]
}

// SetFlag sets or clears the named annotation flag
func (t *Track) SetFlag(name string, v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v {
		t.flags[name] = true
	} else {
		delete(t.flags, name)
	}
}

// TakeFlag clears the named flag and reports whether it was set
func (t *Track) TakeFlag(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.flags[name]
	delete(t.flags, name)
	return v
}

// ExternalID returns the cached external id, resolving it with resolve on
// first use. Concurrent callers wait for the first resolution instead of
// issuing their own. A failed resolution is not cached.
func (t *Track) ExternalID(resolve func() (string, error)) (string, error) {
	t.resolveMu.Lock()
	defer t.resolveMu.Unlock()

	t.mu.Lock()
	id := t.externalID
	t.mu.Unlock()
	if id != "" {
		return id, nil
	}

	id, err := resolve()
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	t.externalID = id
	t.mu.Unlock()
	return id, nil
}

// CachedExternalID returns the external id if it has been resolved
func (t *Track) CachedExternalID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.externalID
}

// TrackAltitude records an altitude and returns the trend against the mean
// of the previous window. With no history the mean is the altitude itself,
// so the first call is always Level.
func (t *Track) TrackAltitude(alt int) Trend {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trackAltitudeLocked(alt)
}

func (t *Track) trackAltitudeLocked(alt int) Trend {
	avg := alt
	if n := len(t.altHistory); n > 0 {
		sum := 0
		for _, a := range t.altHistory {
			sum += a
		}
		avg = sum / n
	}

	if len(t.altHistory) >= t.altWindow {
		t.altHistory = t.altHistory[1:]
	}
	t.altHistory = append(t.altHistory, alt)

	switch {
	case alt > avg:
		t.trend = Climbing
	case alt < avg:
		t.trend = Descending
	default:
		t.trend = Level
	}
	return t.trend
}

// TrackView is an immutable snapshot of a track
type TrackView struct {
	Flight     string          `json:"flight"`
	Tail       string          `json:"tail,omitempty"`
	ExternalID string          `json:"external_id,omitempty"`
	First      adsb.Sample     `json:"first"`
	Last       adsb.Sample     `json:"last"`
	Updates    int             `json:"updates"`
	Trend      string          `json:"trend"`
	Zones      []int           `json:"zones"`
	Flags      map[string]bool `json:"flags,omitempty"`
}

// Age returns how long ago the last sample was taken relative to now
func (v TrackView) Age(now time.Time) time.Duration {
	return now.Sub(v.Last.Time)
}

// View returns a snapshot of the track
func (t *Track) View() TrackView {
	t.mu.Lock()
	defer t.mu.Unlock()

	zones := make([]int, len(t.zones))
	copy(zones, t.zones)
	var flags map[string]bool
	if len(t.flags) > 0 {
		flags = make(map[string]bool, len(t.flags))
		for k, v := range t.flags {
			flags[k] = v
		}
	}

	return TrackView{
		Flight:     t.flight,
		Tail:       t.tail,
		ExternalID: t.externalID,
		First:      t.first,
		Last:       t.last,
		Updates:    t.updates,
		Trend:      t.trend.String(),
		Zones:      zones,
		Flags:      flags,
	}
}
