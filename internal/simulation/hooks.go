package simulation

import "github.com/yegors/zonewatch/internal/tracking"

// Hooks flags self-test tracks as synthetic so downstream consumers can tell
// them apart from real traffic. It must run ahead of those consumers; a new
// track's zone changes fire before TrackCreated, so both mark it.
type Hooks struct {
	tracking.NopHooks
}

func (Hooks) TrackCreated(t *tracking.Track) { mark(t) }

func (Hooks) ZoneChanged(t *tracking.Track, _ tracking.ZoneChange) { mark(t) }

func mark(t *tracking.Track) {
	if IsSynthetic(t.Flight()) && !t.Flag(tracking.FlagSynthetic) {
		t.SetFlag(tracking.FlagSynthetic, true)
	}
}
