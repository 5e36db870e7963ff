package geofence

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// None is the index returned when no zone matches
const None = -1

// labelPattern matches "<name>: <minalt>-<maxalt> <minhdg>-<maxhdg>"
var labelPattern = regexp.MustCompile(`([\w\d\s]+):\s*(\d+)-(\d+) (\d+)-(\d+)`)

// Zone is a named polygon qualified by an altitude band and a heading band.
// Zones are immutable once loaded.
type Zone struct {
	Name         string      `json:"name"`
	MinAltitude  int         `json:"min_altitude"`
	MaxAltitude  int         `json:"max_altitude"`
	StartHeading int         `json:"start_heading"`
	EndHeading   int         `json:"end_heading"`
	Polygon      orb.Polygon `json:"-"`
}

// Label describes the zone in the same form it was parsed from
type Label struct {
	Name         string
	MinAltitude  int
	MaxAltitude  int
	StartHeading int
	EndHeading   int
}

// ParseLabel parses a zone label of the form "Landing 31: 0-1500 290-340"
func ParseLabel(s string) (Label, error) {
	m := labelPattern.FindStringSubmatch(s)
	if m == nil {
		return Label{}, fmt.Errorf("malformed zone label %q: want \"<name>: <minalt>-<maxalt> <minhdg>-<maxhdg>\"", s)
	}

	nums := make([]int, 4)
	for i := range nums {
		n, err := strconv.Atoi(m[i+2])
		if err != nil {
			return Label{}, fmt.Errorf("malformed zone label %q: %w", s, err)
		}
		nums[i] = n
	}

	l := Label{
		Name:         strings.TrimSpace(m[1]),
		MinAltitude:  nums[0],
		MaxAltitude:  nums[1],
		StartHeading: nums[2],
		EndHeading:   nums[3],
	}

	if l.Name == "" {
		return Label{}, fmt.Errorf("malformed zone label %q: empty name", s)
	}
	if l.MinAltitude >= l.MaxAltitude {
		return Label{}, fmt.Errorf("zone %q: altitude band %d-%d is empty", l.Name, l.MinAltitude, l.MaxAltitude)
	}
	if l.StartHeading > 360 || l.EndHeading > 360 {
		return Label{}, fmt.Errorf("zone %q: heading band %d-%d out of range", l.Name, l.StartHeading, l.EndHeading)
	}

	return l, nil
}

// NewZone builds a zone from a parsed label and a polygon
func NewZone(l Label, poly orb.Polygon) (*Zone, error) {
	if len(poly) == 0 || len(poly[0]) < 3 {
		return nil, fmt.Errorf("zone %q: polygon needs at least three vertices", l.Name)
	}

	// orb rings are expected closed
	for i, ring := range poly {
		if !ring.Closed() {
			closed := make(orb.Ring, len(ring), len(ring)+1)
			copy(closed, ring)
			poly[i] = append(closed, ring[0])
		}
	}

	return &Zone{
		Name:         l.Name,
		MinAltitude:  l.MinAltitude,
		MaxAltitude:  l.MaxAltitude,
		StartHeading: l.StartHeading,
		EndHeading:   l.EndHeading,
		Polygon:      poly,
	}, nil
}

// Contains reports whether the point, heading and altitude all fall inside the zone.
// The altitude band is inclusive at both ends.
func (z *Zone) Contains(lat, lon, heading float64, altitude int) bool {
	if altitude < z.MinAltitude || altitude > z.MaxAltitude {
		return false
	}
	if !z.HeadingInBand(heading) {
		return false
	}
	return planar.PolygonContains(z.Polygon, orb.Point{lon, lat})
}

// HeadingInBand reports whether heading lies in the zone's circular heading band.
// A band whose end is below its start wraps through north.
func (z *Zone) HeadingInBand(heading float64) bool {
	start, end := float64(z.StartHeading), float64(z.EndHeading)
	if end < start {
		return heading >= start || heading <= end
	}
	return heading >= start && heading <= end
}

// Bound returns the bounding box of the zone's outer ring
func (z *Zone) Bound() orb.Bound {
	return z.Polygon.Bound()
}

func (z *Zone) String() string {
	return fmt.Sprintf("%s: %d-%d %d-%d", z.Name, z.MinAltitude, z.MaxAltitude, z.StartHeading, z.EndHeading)
}
