package adsb

import (
	"time"
)

// AltitudeUnavailable is the altitude reported for aircraft on the ground
// or without a usable barometric altitude
const AltitudeUnavailable = -1

// NoFlight is the identity placeholder used by feeds for records that carry
// no callsign, including the stream-time ticks emitted by the replay tool
const NoFlight = "N/A"

// FeedRecord is one line of the position feed as it appears on the wire.
// Every field is tolerant of numbers, strings, booleans and null.
type FeedRecord struct {
	Hex     FlexibleField `json:"hex"`
	Flight  FlexibleField `json:"flight"`
	AltBaro FlexibleField `json:"alt_baro"`
	GS      FlexibleField `json:"gs"`
	Track   FlexibleField `json:"track"`
	Lat     FlexibleField `json:"lat"`
	Lon     FlexibleField `json:"lon"`
	Now     FlexibleField `json:"now"`
}

// Sample is an immutable position report for a single aircraft
type Sample struct {
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	Altitude    int       `json:"alt_baro"` // feet, AltitudeUnavailable when on ground or unknown
	OnGround    bool      `json:"on_ground"`
	GroundSpeed float64   `json:"gs"`
	Track       float64   `json:"track"` // degrees true, [0, 360)
	Time        time.Time `json:"time"`
	Flight      string    `json:"flight"`
	Hex         string    `json:"hex"`
	Tail        string    `json:"tail,omitempty"` // US registration derived from Hex
}

// HasIdentity reports whether the sample can be attributed to a track
func (s Sample) HasIdentity() bool {
	return s.Flight != "" && s.Flight != NoFlight
}

// HasAltitude reports whether the altitude is a real barometric reading
func (s Sample) HasAltitude() bool {
	return s.Altitude != AltitudeUnavailable
}

// Identity returns the best human label for the aircraft: tail number if known, else callsign
func (s Sample) Identity() string {
	if s.Tail != "" {
		return s.Tail
	}
	return s.Flight
}
