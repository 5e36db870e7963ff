package geofence

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

func getProp[T any](m map[string]interface{}, name string) (T, bool) {
	p, ok := m[name]
	if !ok {
		var t T
		return t, false
	}

	pv, ok := p.(T)
	if !ok {
		var t T
		return t, false
	}

	return pv, true
}

// parseGeoJSON reads a FeatureCollection whose features carry the zone label
// in their "name" property. MultiPolygons become one zone per member polygon.
func parseGeoJSON(data []byte) ([]placemark, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("invalid GeoJSON: %w", err)
	}

	var out []placemark
	for i, f := range fc.Features {
		name, ok := getProp[string](f.Properties, "name")
		if !ok {
			return nil, fmt.Errorf("feature %d has no name property", i)
		}

		switch g := f.Geometry.(type) {
		case orb.Polygon:
			out = append(out, placemark{label: name, polygon: g})
		case orb.MultiPolygon:
			for _, p := range g {
				out = append(out, placemark{label: name, polygon: p})
			}
		default:
			return nil, fmt.Errorf("feature %q: unexpected geometry %T", name, f.Geometry)
		}
	}
	return out, nil
}
