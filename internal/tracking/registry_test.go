package tracking

import (
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yegors/zonewatch/internal/adsb"
	"github.com/yegors/zonewatch/internal/geofence"
	"github.com/yegors/zonewatch/pkg/logger"
)

type proximityCall struct {
	a, b      string
	lateralNM float64
	altFt     int
}

type recorder struct {
	mu        sync.Mutex
	created   []string
	updated   []string
	changes   []ZoneChange
	expired   []string
	proximity []proximityCall
}

func (r *recorder) TrackCreated(t *Track) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, t.Flight())
}

func (r *recorder) TrackUpdated(t *Track) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, t.Flight())
}

func (r *recorder) ZoneChanged(t *Track, c ZoneChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) TrackExpired(t *Track) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired = append(r.expired, t.Flight())
}

func (r *recorder) Proximity(a, b *Track, lateralNM float64, altFt int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proximity = append(r.proximity, proximityCall{a: a.Flight(), b: b.Flight(), lateralNM: lateralNM, altFt: altFt})
}

var epoch = time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)

// testZones covers the area around 37.39,-121.95 for northbound-ish traffic
func testZones(t *testing.T) []*geofence.ZoneSet {
	t.Helper()
	l, err := geofence.ParseLabel("Nearby: 0-5000 0-180")
	require.NoError(t, err)
	z, err := geofence.NewZone(l, orb.Polygon{orb.Ring{
		{-122.0, 37.35}, {-121.9, 37.35}, {-121.9, 37.45}, {-122.0, 37.45}, {-122.0, 37.35},
	}})
	require.NoError(t, err)
	return []*geofence.ZoneSet{geofence.NewZoneSet("approach", z)}
}

func sample(flight string, alt int, lat, lon, track float64, at time.Time) adsb.Sample {
	return adsb.Sample{Flight: flight, Altitude: alt, Lat: lat, Lon: lon, Track: track, Time: at}
}

func newTestRegistry(t *testing.T) (*Registry, *recorder) {
	rec := &recorder{}
	return NewRegistry(testZones(t), rec, DefaultOptions(), logger.NewNop()), rec
}

func TestAddSampleRejectsMissingIdentity(t *testing.T) {
	t.Parallel()
	reg, rec := newTestRegistry(t)

	ts := reg.AddSample(sample("T1", 1000, 37.39, -121.95, 90, epoch))
	assert.Equal(t, epoch, ts)

	for _, flight := range []string{"", adsb.NoFlight} {
		got := reg.AddSample(sample(flight, 1000, 37.39, -121.95, 90, epoch.Add(time.Minute)))
		assert.Equal(t, epoch, got, "rejected sample returns the prior timestamp")
	}

	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, []string{"T1"}, rec.created)
	assert.Empty(t, rec.updated)
}

func TestLastSampleFollowsCallOrder(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t)

	reg.AddSample(sample("T1", 1000, 37.39, -121.95, 90, epoch.Add(10*time.Second)))
	// An older timestamp applied later still becomes the last sample
	reg.AddSample(sample("T1", 1200, 37.40, -121.95, 90, epoch))

	v, ok := reg.Track("T1")
	require.True(t, ok)
	assert.Equal(t, 1200, v.Last.Altitude)
	assert.Equal(t, 1000, v.First.Altitude)
	assert.Equal(t, 2, v.Updates)
}

func TestZoneMembershipIsIdempotent(t *testing.T) {
	t.Parallel()
	reg, rec := newTestRegistry(t)

	s := sample("T1", 1000, 37.39, -121.95, 90, epoch)
	reg.AddSample(s)
	reg.AddSample(s)
	reg.AddSample(s)

	require.Len(t, rec.changes, 1)
	assert.Equal(t, "none", rec.changes[0].From)
	assert.Equal(t, "Nearby", rec.changes[0].To)
	assert.True(t, rec.changes[0].Entered())
	assert.Equal(t, "T1 [approach]: none -> Nearby", rec.changes[0].Description)

	v, _ := reg.Track("T1")
	assert.Equal(t, []int{0}, v.Zones)
}

func TestEndToEndScenario(t *testing.T) {
	t.Parallel()
	reg, rec := newTestRegistry(t)

	reg.AddSample(sample("T1", 1000, 37.395647, -121.954186, 90, epoch))
	reg.AddSample(sample("T1", 1500, 37.434824, -122.185409, 90, epoch.Add(2*time.Second)))
	reg.AddSample(sample("T1", 1600, 37.44, -122.19, 90, epoch.Add(4*time.Second)))

	assert.Equal(t, []string{"T1"}, rec.created)
	assert.Equal(t, []string{"T1", "T1"}, rec.updated)
	require.Len(t, rec.changes, 2)
	assert.Equal(t, "Nearby", rec.changes[0].To)
	assert.Equal(t, "Nearby", rec.changes[1].From)
	assert.Equal(t, "none", rec.changes[1].To)
	assert.False(t, rec.changes[1].Entered())

	// Not idle long enough yet
	assert.Zero(t, reg.ExpireOld(epoch.Add(10*time.Second)))
	assert.Empty(t, rec.expired)

	assert.Equal(t, 1, reg.ExpireOld(epoch.Add(30*time.Second)))
	assert.Equal(t, []string{"T1"}, rec.expired)
	assert.Zero(t, reg.Len())
}

func TestExpireOld(t *testing.T) {
	t.Parallel()
	reg, rec := newTestRegistry(t)

	now := epoch.Add(time.Hour)
	reg.AddSample(sample("OLD", 1000, 37.39, -121.95, 90, now.Add(-16*time.Second)))
	reg.AddSample(sample("EDGE", 1000, 37.39, -121.95, 90, now.Add(-15*time.Second)))
	reg.AddSample(sample("NEW", 1000, 37.39, -121.95, 90, now.Add(-time.Millisecond)))

	assert.Equal(t, 1, reg.ExpireOld(now))
	assert.Equal(t, []string{"OLD"}, rec.expired)

	_, ok := reg.Track("EDGE")
	assert.True(t, ok, "a track exactly at the threshold survives")
	_, ok = reg.Track("NEW")
	assert.True(t, ok)

	// Expiring again does not fire a second time
	assert.Zero(t, reg.ExpireOld(now))
	assert.Len(t, rec.expired, 1)
}

type expiryLookup struct {
	NopHooks
	reg   *Registry
	found []bool
}

func (h *expiryLookup) TrackExpired(t *Track) {
	_, ok := h.reg.Track(t.Flight())
	h.found = append(h.found, ok)
}

func TestTrackExpiredFiresBeforeRemoval(t *testing.T) {
	t.Parallel()

	hooks := &expiryLookup{}
	reg := NewRegistry(testZones(t), hooks, DefaultOptions(), logger.NewNop())
	hooks.reg = reg

	reg.AddSample(sample("T1", 1000, 37.39, -121.95, 90, epoch))
	assert.Equal(t, 1, reg.ExpireOld(epoch.Add(time.Minute)))

	assert.Equal(t, []bool{true}, hooks.found, "the expiring track is still visible to the hook")
	_, ok := reg.Track("T1")
	assert.False(t, ok)
	assert.Zero(t, reg.Len())
}

type reviveOnExpiry struct {
	NopHooks
	reg *Registry
	at  time.Time
}

func (h *reviveOnExpiry) TrackExpired(t *Track) {
	h.reg.AddSample(sample(t.Flight(), 1000, 37.39, -121.95, 90, h.at))
}

func TestExpireOldKeepsTrackRevivedDuringHook(t *testing.T) {
	t.Parallel()

	now := epoch.Add(time.Minute)
	hooks := &reviveOnExpiry{at: now}
	reg := NewRegistry(testZones(t), hooks, DefaultOptions(), logger.NewNop())
	hooks.reg = reg

	reg.AddSample(sample("T1", 1000, 37.39, -121.95, 90, epoch))
	assert.Zero(t, reg.ExpireOld(now))

	v, ok := reg.Track("T1")
	require.True(t, ok)
	assert.Equal(t, now, v.Last.Time)
}

func TestScanProximity(t *testing.T) {
	t.Parallel()
	reg, rec := newTestRegistry(t)

	now := epoch
	reg.AddSample(sample("A", 1000, 37.3900, -121.95, 90, now))
	reg.AddSample(sample("B", 1000, 37.3916, -121.95, 90, now))
	// Same place and altitude as A but heading outside the zone's band
	reg.AddSample(sample("C", 1000, 37.3900, -121.95, 270, now))

	assert.Equal(t, 1, reg.ScanProximity(now.Add(time.Second)))
	require.Len(t, rec.proximity, 2)
	assert.Equal(t, "A", rec.proximity[0].a)
	assert.Equal(t, "B", rec.proximity[0].b)
	assert.Equal(t, "B", rec.proximity[1].a)
	assert.Equal(t, "A", rec.proximity[1].b)
	assert.Equal(t, 0, rec.proximity[0].altFt)
	assert.InDelta(t, 0.096, rec.proximity[0].lateralNM, 0.01)

	for _, p := range rec.proximity {
		assert.NotEqual(t, "C", p.a)
		assert.NotEqual(t, "C", p.b)
	}
}

func TestScanProximityFilters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		b    adsb.Sample
		now  time.Time
	}{
		{name: "stale", b: sample("B", 1000, 37.3916, -121.95, 90, epoch), now: epoch.Add(11 * time.Second)},
		{name: "vertically separated", b: sample("B", 1500, 37.3916, -121.95, 90, epoch), now: epoch},
		{name: "below floor", b: sample("B", 300, 37.3916, -121.95, 90, epoch), now: epoch},
		{name: "laterally separated", b: sample("B", 1000, 37.4300, -121.95, 90, epoch), now: epoch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, rec := newTestRegistry(t)
			a := sample("A", 1000, 37.3900, -121.95, 90, epoch)
			if tt.name == "below floor" {
				a.Altitude = 350
			}
			reg.AddSample(a)
			reg.AddSample(tt.b)

			assert.Zero(t, reg.ScanProximity(tt.now))
			assert.Empty(t, rec.proximity)
		})
	}
}

func TestMultipleZoneSetsTrackedIndependently(t *testing.T) {
	t.Parallel()

	sets := testZones(t)
	l, err := geofence.ParseLabel("High: 2000-10000 0-360")
	require.NoError(t, err)
	z, err := geofence.NewZone(l, orb.Polygon{orb.Ring{{-123, 37}, {-121, 37}, {-121, 38}, {-123, 38}, {-123, 37}}})
	require.NoError(t, err)
	sets = append(sets, geofence.NewZoneSet("enroute", z))

	rec := &recorder{}
	reg := NewRegistry(sets, rec, DefaultOptions(), logger.NewNop())

	reg.AddSample(sample("T1", 1000, 37.39, -121.95, 90, epoch))
	reg.AddSample(sample("T1", 6000, 37.39, -121.95, 90, epoch.Add(time.Second)))

	require.Len(t, rec.changes, 3)
	assert.Equal(t, "approach", rec.changes[0].SetName)
	assert.Equal(t, "approach", rec.changes[1].SetName)
	assert.Equal(t, "none", rec.changes[1].To)
	assert.Equal(t, "enroute", rec.changes[2].SetName)
	assert.Equal(t, "High", rec.changes[2].To)

	v, _ := reg.Track("T1")
	assert.Equal(t, []int{geofence.None, 0}, v.Zones)
}

func TestHeadingOverride(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	opts := DefaultOptions()
	opts.Heading = func(adsb.Sample) float64 { return 270 }
	reg := NewRegistry(testZones(t), rec, opts, logger.NewNop())

	reg.AddSample(sample("T1", 1000, 37.39, -121.95, 90, epoch))
	assert.Empty(t, rec.changes, "overridden heading is outside the band")
}

func TestRegistryConcurrentUse(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				flight := []string{"A", "B", "C", "D"}[(w+i)%4]
				reg.AddSample(sample(flight, 1000+i, 37.39, -121.95, 90, epoch.Add(time.Duration(i)*time.Second)))
				if i%50 == 0 {
					reg.ScanProximity(epoch.Add(time.Duration(i) * time.Second))
					_ = reg.Tracks()
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 4, reg.Len())
}
