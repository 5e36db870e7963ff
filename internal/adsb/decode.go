package adsb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// DecodeSample parses one feed line into a Sample. Only a line that is not a
// JSON object is an error; individual bad fields fall back to safe defaults.
// When the record carries no "now" timestamp, received is used instead.
func DecodeSample(line []byte, received time.Time) (Sample, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Sample{}, fmt.Errorf("failed to decode feed record: not a JSON object")
	}

	var rec FeedRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return Sample{}, fmt.Errorf("failed to decode feed record: %w", err)
	}

	return rec.Sample(received), nil
}

// Sample converts a wire record into a normalized Sample
func (r FeedRecord) Sample(received time.Time) Sample {
	s := Sample{
		Lat:         r.Lat.Float64(),
		Lon:         r.Lon.Float64(),
		Altitude:    AltitudeUnavailable,
		GroundSpeed: r.GS.Float64(),
		Track:       NormalizeHeading(r.Track.Float64()),
		Flight:      strings.TrimSpace(r.Flight.String()),
		Hex:         strings.ToLower(strings.TrimSpace(r.Hex.String())),
	}

	switch {
	case r.AltBaro.IsString("ground"):
		s.OnGround = true
	case r.AltBaro.IsSet():
		if alt, ok := parseAltitude(r.AltBaro); ok {
			s.Altitude = alt
		}
	}

	if s.Lat < -90 || s.Lat > 90 {
		s.Lat = 0
	}
	if s.Lon < -180 || s.Lon > 180 {
		s.Lon = 0
	}

	if now := r.Now.Float64(); now > 0 {
		sec, frac := math.Modf(now)
		s.Time = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	} else {
		s.Time = received.UTC()
	}

	if s.Hex != "" {
		s.Tail = ICAOToNNumber(s.Hex)
	}

	return s
}

func parseAltitude(f FlexibleField) (int, bool) {
	switch v := f.value.(type) {
	case float64:
		return int(v), true
	case string:
		alt := f.Float64()
		if alt == 0 && strings.TrimSpace(v) != "0" {
			return 0, false
		}
		return int(alt), true
	default:
		return 0, false
	}
}

// NormalizeHeading maps any heading in degrees into [0, 360)
func NormalizeHeading(deg float64) float64 {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return 0
	}
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}
