package geofence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadKMLPreservesOrder(t *testing.T) {
	t.Parallel()

	set, err := LoadFile(filepath.Join("testdata", "approach.kml"))
	require.NoError(t, err)

	assert.Equal(t, "approach", set.Name)
	require.Equal(t, 2, set.Len())
	assert.Equal(t, "Landing 31", set.Zones[0].Name, "placemarks at a level come before nested folders")
	assert.Equal(t, "Nearby", set.Zones[1].Name)
	assert.True(t, set.Zones[0].Polygon[0].Closed())

	assert.Equal(t, 0, set.Contains(37.395647, -121.954186, 300, 1000))
	assert.Equal(t, 0, set.Contains(37.395647, -121.954186, 300, 1500))
	assert.Equal(t, 1, set.Contains(37.395647, -121.954186, 300, 1501))
	assert.Equal(t, 1, set.Contains(37.395647, -121.954186, 100, 1000))
	assert.Equal(t, None, set.Contains(37.434824, -122.185409, 300, 1500))
}

func TestLoadKMLBadLabelFailsWholeFile(t *testing.T) {
	t.Parallel()

	set, err := LoadFile(filepath.Join("testdata", "bad_label.kml"))
	require.Error(t, err)
	assert.Nil(t, set)
	assert.Contains(t, err.Error(), "Takeoff without bands")
}

func TestLoadGeoJSON(t *testing.T) {
	t.Parallel()

	set, err := LoadFile(filepath.Join("testdata", "ground.geojson"))
	require.NoError(t, err)

	assert.Equal(t, "ground", set.Name)
	require.Equal(t, 3, set.Len())
	assert.Equal(t, "Pattern", set.Zones[0].Name)
	assert.Equal(t, "Takeoff 13", set.Zones[1].Name)
	assert.Equal(t, "Takeoff 13", set.Zones[2].Name)
	assert.Equal(t, 500, set.Zones[0].MinAltitude)
	assert.Equal(t, 0, set.Contains(37.4, -121.95, 10, 800))
}

func TestLoadFileErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, err := LoadFile(filepath.Join(dir, "missing.kml"))
	assert.Error(t, err)

	txt := filepath.Join(dir, "zones.txt")
	require.NoError(t, os.WriteFile(txt, []byte("hello"), 0o644))
	_, err = LoadFile(txt)
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.kml")
	require.NoError(t, os.WriteFile(empty, []byte(`<kml><Document></Document></kml>`), 0o644))
	_, err = LoadFile(empty)
	assert.Error(t, err)

	noName := filepath.Join(dir, "noname.geojson")
	require.NoError(t, os.WriteFile(noName, []byte(`{"type":"FeatureCollection","features":[{"type":"Feature","properties":{},"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}}]}`), 0o644))
	_, err = LoadFile(noName)
	assert.Error(t, err)
}

func TestLoadFiles(t *testing.T) {
	t.Parallel()

	sets, err := LoadFiles([]string{
		filepath.Join("testdata", "approach.kml"),
		filepath.Join("testdata", "ground.geojson"),
	})
	require.NoError(t, err)
	require.Len(t, sets, 2)
	assert.Equal(t, "approach", sets[0].Name)
	assert.Equal(t, "ground", sets[1].Name)

	_, err = LoadFiles([]string{
		filepath.Join("testdata", "approach.kml"),
		filepath.Join("testdata", "bad_label.kml"),
	})
	assert.Error(t, err)
}

// dentedSquare writes a unit square whose bottom edge has many collinear
// vertices and one shallow dent at lon 0.5
func dentedSquare(t *testing.T, dentDeg float64) string {
	t.Helper()
	ring := make([][2]float64, 0, 110)
	for i := 0; i <= 100; i++ {
		y := 0.0
		if i == 50 {
			y = dentDeg
		}
		ring = append(ring, [2]float64{float64(i) / 100, y})
	}
	ring = append(ring, [2]float64{1, 1}, [2]float64{0, 1}, [2]float64{0, 0})

	doc, err := json.Marshal(map[string]any{
		"type": "FeatureCollection",
		"features": []any{map[string]any{
			"type":       "Feature",
			"properties": map[string]any{"name": "Dented: 0-5000 0-360"},
			"geometry":   map[string]any{"type": "Polygon", "coordinates": [][][2]float64{ring}},
		}},
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "dented.geojson")
	require.NoError(t, os.WriteFile(path, doc, 0o644))
	return path
}

func TestLoadKeepsPolygonsAsDrawn(t *testing.T) {
	t.Parallel()

	set, err := LoadFile(dentedSquare(t, 0.000005))
	require.NoError(t, err)

	assert.Equal(t, 104, set.Vertices())
	assert.Equal(t, None, set.Contains(0.000002, 0.5, 90, 1000), "inside the dent is outside the zone")
	assert.Equal(t, 0, set.Contains(0.000002, 0.3, 90, 1000))
}

func TestSimplifyIsOptIn(t *testing.T) {
	t.Parallel()

	set, err := LoadFile(dentedSquare(t, 0.000005))
	require.NoError(t, err)

	assert.Same(t, set, set.Simplify(0))

	simplified := set.Simplify(0.00001)
	assert.Less(t, simplified.Vertices(), set.Vertices())
	assert.True(t, simplified.Zones[0].Polygon[0].Closed())
	assert.Equal(t, 0, simplified.Contains(0.000002, 0.5, 90, 1000), "the dent is below the tolerance")
	assert.Equal(t, "Dented", simplified.Zones[0].Name)

	assert.Equal(t, 104, set.Vertices(), "the source set is not modified")
	assert.Equal(t, None, set.Contains(0.000002, 0.5, 90, 1000))
}
