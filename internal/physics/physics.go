package physics

import (
	"math"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/westphae/geomag/pkg/egm96"
	"github.com/westphae/geomag/pkg/wmm"
)

// Constants
const (
	MetersPerNM = 1852.0
	FeetPerNM   = 6076.12
	FeetToM     = 0.3048
)

// DistanceNM returns the great-circle distance between two lat/lon points in nautical miles
func DistanceNM(lat1, lon1, lat2, lon2 float64) float64 {
	return geo.DistanceHaversine(orb.Point{lon1, lat1}, orb.Point{lon2, lat2}) / MetersPerNM
}

// NMToFeet converts nautical miles to feet
func NMToFeet(nm float64) float64 {
	return nm * FeetPerNM
}

// Bearing returns the initial true bearing in degrees [0, 360) from the first point to the second
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	b := geo.Bearing(orb.Point{lon1, lat1}, orb.Point{lon2, lat2})
	if b < 0 {
		b += 360
	}
	return b
}

// DeadReckon advances a position along a true heading for the given speed (knots) and duration
func DeadReckon(lat, lon, headingDeg, speedKts float64, elapsed time.Duration) (float64, float64) {
	distanceM := speedKts * elapsed.Hours() * MetersPerNM
	p := geo.PointAtBearingAndDistance(orb.Point{lon, lat}, headingDeg, distanceM)
	return p.Lat(), p.Lon()
}

// CalculateMagneticVariation calculates the magnetic declination for a given position and time
// Returns declination in degrees (+East, -West)
func CalculateMagneticVariation(lat, lon, altFt float64, date time.Time) float64 {
	loc := egm96.NewLocationGeodetic(lat, lon, altFt*FeetToM)

	mag, err := wmm.CalculateWMMMagneticField(loc, date)
	if err != nil {
		// Return 0 for safety if calculation fails
		return 0.0
	}

	return mag.D()
}

// TrueToMagnetic converts a true heading to magnetic using the local declination
func TrueToMagnetic(trueDeg, declination float64) float64 {
	m := math.Mod(trueDeg-declination, 360)
	if m < 0 {
		m += 360
	}
	return m
}

// MagneticVariationCache memoizes declination on a coarse grid. Declination
// changes by well under a degree across a terminal area, so a 0.5° grid cell
// keyed by day is plenty for heading-band tests.
type MagneticVariationCache struct {
	entries map[magKey]float64
}

type magKey struct {
	lat, lon int
	day      int64
}

// NewMagneticVariationCache creates an empty cache. It is not safe for concurrent use.
func NewMagneticVariationCache() *MagneticVariationCache {
	return &MagneticVariationCache{entries: make(map[magKey]float64)}
}

// Declination returns the cached declination for the grid cell containing lat/lon
func (c *MagneticVariationCache) Declination(lat, lon float64, at time.Time) float64 {
	k := magKey{
		lat: int(math.Floor(lat * 2)),
		lon: int(math.Floor(lon * 2)),
		day: at.Unix() / 86400,
	}
	if d, ok := c.entries[k]; ok {
		return d
	}
	d := CalculateMagneticVariation(lat, lon, 0, at)
	c.entries[k] = d
	return d
}
