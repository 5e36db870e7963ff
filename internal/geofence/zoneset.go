package geofence

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/simplify"
)

// ZoneSet is an ordered list of zones loaded from one geofence file.
// Order defines precedence.
type ZoneSet struct {
	Name  string
	Zones []*Zone
}

// NewZoneSet creates a zone set from already-built zones
func NewZoneSet(name string, zones ...*Zone) *ZoneSet {
	return &ZoneSet{Name: name, Zones: zones}
}

// Contains returns the index of the first zone, in load order, that contains
// the point, heading and altitude, or None. Overlapping zones resolve to the
// earliest one loaded.
func (s *ZoneSet) Contains(lat, lon, heading float64, altitude int) int {
	for i, z := range s.Zones {
		if z.Contains(lat, lon, heading, altitude) {
			return i
		}
	}
	return None
}

// ZoneName returns the name of the zone at index i, or "none"
func (s *ZoneSet) ZoneName(i int) string {
	if i < 0 || i >= len(s.Zones) {
		return "none"
	}
	return s.Zones[i].Name
}

// Len returns the number of zones in the set
func (s *ZoneSet) Len() int {
	return len(s.Zones)
}

// LoadFile loads a zone set from a .kml, .geojson or .json file. Loading is
// all-or-nothing: a single bad label fails the whole file.
func LoadFile(path string) (*ZoneSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read geofence file: %w", err)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	var placemarks []placemark
	switch strings.ToLower(filepath.Ext(path)) {
	case ".kml":
		placemarks, err = parseKML(data)
	case ".geojson", ".json":
		placemarks, err = parseGeoJSON(data)
	default:
		return nil, fmt.Errorf("unsupported geofence file type: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	set, err := buildZoneSet(name, placemarks)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return set, nil
}

// LoadFiles loads each file as its own zone set, failing on the first error
func LoadFiles(paths []string) ([]*ZoneSet, error) {
	sets := make([]*ZoneSet, 0, len(paths))
	for _, p := range paths {
		set, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return sets, nil
}

// placemark is a labelled polygon extracted from a geofence document
type placemark struct {
	label   string
	polygon orb.Polygon
}

func buildZoneSet(name string, placemarks []placemark) (*ZoneSet, error) {
	if len(placemarks) == 0 {
		return nil, fmt.Errorf("no polygons found")
	}

	set := &ZoneSet{Name: name}
	for _, pm := range placemarks {
		label, err := ParseLabel(pm.label)
		if err != nil {
			return nil, err
		}

		zone, err := NewZone(label, pm.polygon)
		if err != nil {
			return nil, err
		}
		set.Zones = append(set.Zones, zone)
	}
	return set, nil
}

// Simplify returns a copy of the set with every ring reduced by
// Douglas-Peucker at the given tolerance in degrees. Containment near zone
// edges can then differ from the source polygons by up to the tolerance.
// A tolerance of zero or less returns the set unchanged.
func (s *ZoneSet) Simplify(tolerance float64) *ZoneSet {
	if tolerance <= 0 {
		return s
	}

	dp := simplify.DouglasPeucker(tolerance)
	out := &ZoneSet{Name: s.Name, Zones: make([]*Zone, 0, len(s.Zones))}
	for _, z := range s.Zones {
		poly := make(orb.Polygon, 0, len(z.Polygon))
		for _, ring := range z.Polygon {
			// a ring collapsed below a triangle keeps its original shape
			if r, ok := dp.Simplify(ring.Clone()).(orb.Ring); ok && len(r) >= 4 {
				ring = r
			}
			poly = append(poly, ring)
		}
		zone := *z
		zone.Polygon = poly
		out.Zones = append(out.Zones, &zone)
	}
	return out
}

// Vertices returns the total ring vertex count across the set
func (s *ZoneSet) Vertices() int {
	n := 0
	for _, z := range s.Zones {
		for _, ring := range z.Polygon {
			n += len(ring)
		}
	}
	return n
}
