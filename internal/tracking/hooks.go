package tracking

import (
	"fmt"
)

// ZoneChange describes a track moving between zones of one zone set
type ZoneChange struct {
	SetIndex    int    `json:"set_index"`
	SetName     string `json:"set_name"`
	FromIndex   int    `json:"from_index"`
	ToIndex     int    `json:"to_index"`
	From        string `json:"from"`
	To          string `json:"to"`
	Description string `json:"description"`
}

// Entered reports whether the change ends inside a zone
func (c ZoneChange) Entered() bool {
	return c.ToIndex >= 0
}

// describeZoneChange must be called with t.mu held
func describeZoneChange(t *Track, c ZoneChange) string {
	who := t.flight
	if t.tail != "" && t.tail != t.flight {
		who = t.flight + " " + t.tail
	}
	return fmt.Sprintf("%s [%s]: %s -> %s", who, c.SetName, c.From, c.To)
}

// Hooks receives engine events. Implementations must return quickly; anything
// that talks to a remote service belongs on a worker, not in the hook.
// Hooks are called on the goroutine that drove the registry operation, after
// the registry lock has been released.
type Hooks interface {
	TrackCreated(t *Track)
	TrackUpdated(t *Track)
	ZoneChanged(t *Track, change ZoneChange)
	TrackExpired(t *Track)
	Proximity(a, b *Track, lateralNM float64, altFt int)
}

// NopHooks ignores every event. Embed it to implement a subset of Hooks.
type NopHooks struct{}

func (NopHooks) TrackCreated(*Track)                     {}
func (NopHooks) TrackUpdated(*Track)                     {}
func (NopHooks) ZoneChanged(*Track, ZoneChange)          {}
func (NopHooks) TrackExpired(*Track)                     {}
func (NopHooks) Proximity(a, b *Track, _ float64, _ int) {}

// MultiHooks fans events out to several hooks in order
type MultiHooks []Hooks

func (m MultiHooks) TrackCreated(t *Track) {
	for _, h := range m {
		h.TrackCreated(t)
	}
}

func (m MultiHooks) TrackUpdated(t *Track) {
	for _, h := range m {
		h.TrackUpdated(t)
	}
}

func (m MultiHooks) ZoneChanged(t *Track, c ZoneChange) {
	for _, h := range m {
		h.ZoneChanged(t, c)
	}
}

func (m MultiHooks) TrackExpired(t *Track) {
	for _, h := range m {
		h.TrackExpired(t)
	}
}

func (m MultiHooks) Proximity(a, b *Track, lateralNM float64, altFt int) {
	for _, h := range m {
		h.Proximity(a, b, lateralNM, altFt)
	}
}
