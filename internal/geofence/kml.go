package geofence

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// KML containers nest arbitrarily. Placemarks at one level are visited
// before any nested Folder or Document, which is the order Google Earth
// shows them in and the order zone precedence is defined by.
type kmlContainer struct {
	Placemarks []kmlPlacemark `xml:"Placemark"`
	Folders    []kmlContainer `xml:"Folder"`
	Documents  []kmlContainer `xml:"Document"`
}

type kmlPlacemark struct {
	Name          string       `xml:"name"`
	Polygons      []kmlPolygon `xml:"Polygon"`
	MultiGeometry struct {
		Polygons []kmlPolygon `xml:"Polygon"`
	} `xml:"MultiGeometry"`
}

type kmlPolygon struct {
	Outer struct {
		Coordinates string `xml:"LinearRing>coordinates"`
	} `xml:"outerBoundaryIs"`
	Inner []struct {
		Coordinates string `xml:"LinearRing>coordinates"`
	} `xml:"innerBoundaryIs"`
}

type kmlRoot struct {
	XMLName xml.Name `xml:"kml"`
	kmlContainer
}

func parseKML(data []byte) ([]placemark, error) {
	var root kmlRoot
	dec := xml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("invalid KML: %w", err)
	}

	var out []placemark
	if err := root.kmlContainer.collect(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *kmlContainer) collect(out *[]placemark) error {
	for _, pm := range c.Placemarks {
		polys := append(append([]kmlPolygon{}, pm.Polygons...), pm.MultiGeometry.Polygons...)
		for _, p := range polys {
			poly, err := p.polygon()
			if err != nil {
				return fmt.Errorf("placemark %q: %w", pm.Name, err)
			}
			*out = append(*out, placemark{label: strings.TrimSpace(pm.Name), polygon: poly})
		}
	}
	for i := range c.Folders {
		if err := c.Folders[i].collect(out); err != nil {
			return err
		}
	}
	for i := range c.Documents {
		if err := c.Documents[i].collect(out); err != nil {
			return err
		}
	}
	return nil
}

func (p kmlPolygon) polygon() (orb.Polygon, error) {
	outer, err := parseKMLCoordinates(p.Outer.Coordinates)
	if err != nil {
		return nil, err
	}
	poly := orb.Polygon{outer}
	for _, in := range p.Inner {
		ring, err := parseKMLCoordinates(in.Coordinates)
		if err != nil {
			return nil, err
		}
		poly = append(poly, ring)
	}
	return poly, nil
}

// parseKMLCoordinates parses whitespace separated "lon,lat[,alt]" tuples
func parseKMLCoordinates(s string) (orb.Ring, error) {
	fields := strings.Fields(s)
	ring := make(orb.Ring, 0, len(fields))
	for _, f := range fields {
		parts := strings.Split(f, ",")
		if len(parts) < 2 {
			return nil, fmt.Errorf("bad coordinate tuple %q", f)
		}
		lon, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return nil, fmt.Errorf("bad longitude in %q: %w", f, err)
		}
		lat, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("bad latitude in %q: %w", f, err)
		}
		ring = append(ring, orb.Point{lon, lat})
	}
	if len(ring) < 3 {
		return nil, fmt.Errorf("ring needs at least three vertices, got %d", len(ring))
	}
	return ring, nil
}
