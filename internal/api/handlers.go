package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yegors/zonewatch/internal/dispatch"
	"github.com/yegors/zonewatch/internal/geofence"
	"github.com/yegors/zonewatch/internal/ingest"
	"github.com/yegors/zonewatch/internal/proximity"
	"github.com/yegors/zonewatch/internal/simulation"
	"github.com/yegors/zonewatch/internal/storage/sqlite"
	"github.com/yegors/zonewatch/internal/tracking"
	"github.com/yegors/zonewatch/internal/websocket"
	"github.com/yegors/zonewatch/pkg/logger"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Handler contains the API handlers. The pool, journal and websocket server
// are optional.
type Handler struct {
	registry *tracking.Registry
	tracker  *proximity.Tracker
	loop     *ingest.Loop
	pool     *dispatch.Pool
	journal  *sqlite.Journal
	wsServer *websocket.Server
	sim      *simulation.Service
	version  string
	started  time.Time
	logger   *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(registry *tracking.Registry, tracker *proximity.Tracker, loop *ingest.Loop, pool *dispatch.Pool, journal *sqlite.Journal, wsServer *websocket.Server, version string, log *logger.Logger) *Handler {
	return &Handler{
		registry: registry,
		tracker:  tracker,
		loop:     loop,
		pool:     pool,
		journal:  journal,
		wsServer: wsServer,
		version:  version,
		started:  time.Now(),
		logger:   log.Named("api-handler"),
	}
}

// SetSimulation exposes the self-test aircraft through the API
func (h *Handler) SetSimulation(sim *simulation.Service) {
	h.sim = sim
}

// GetTracks returns every live track ordered by flight. The zoned query
// parameter limits the result to tracks inside at least one zone; flight
// filters by a case-insensitive substring.
func (h *Handler) GetTracks(w http.ResponseWriter, r *http.Request) {
	tracks := h.registry.Tracks()

	zonedOnly := r.URL.Query().Get("zoned") == "true"
	flight := strings.ToUpper(r.URL.Query().Get("flight"))
	if zonedOnly || flight != "" {
		filtered := make([]tracking.TrackView, 0, len(tracks))
		for _, t := range tracks {
			if zonedOnly && !inAnyZone(t) {
				continue
			}
			if flight != "" && !strings.Contains(strings.ToUpper(t.Flight), flight) {
				continue
			}
			filtered = append(filtered, t)
		}
		tracks = filtered
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(tracks),
		"tracks": tracks,
	})
}

// GetTrack returns a single track by flight
func (h *Handler) GetTrack(w http.ResponseWriter, r *http.Request) {
	flight := chi.URLParam(r, "flight")
	if flight == "" {
		http.Error(w, "Missing flight", http.StatusBadRequest)
		return
	}

	track, found := h.registry.Track(flight)
	if !found {
		http.Error(w, "Track not found", http.StatusNotFound)
		return
	}

	WriteJSON(w, http.StatusOK, track)
}

// GetProximity returns the open close-proximity events
func (h *Handler) GetProximity(w http.ResponseWriter, r *http.Request) {
	events := h.tracker.Snapshot()
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(events),
		"events": events,
	})
}

// GetProximityHistory returns journaled close-proximity events, newest first
func (h *Handler) GetProximityHistory(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		http.Error(w, "Journal disabled", http.StatusNotFound)
		return
	}

	limit := parseLimit(r)
	events, err := h.journal.ProximityEvents(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to read proximity events", logger.Error(err), logger.Int("limit", limit))
		http.Error(w, "Failed to read proximity events", http.StatusInternalServerError)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(events),
		"events": events,
	})
}

// GetOperations returns journaled landings and takeoffs, newest first
func (h *Handler) GetOperations(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		http.Error(w, "Journal disabled", http.StatusNotFound)
		return
	}

	limit := parseLimit(r)
	ops, err := h.journal.Operations(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to read operations", logger.Error(err), logger.Int("limit", limit))
		http.Error(w, "Failed to read operations", http.StatusInternalServerError)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"count":      len(ops),
		"operations": ops,
	})
}

type zoneSetResponse struct {
	Name  string           `json:"name"`
	Zones []*geofence.Zone `json:"zones"`
}

// GetZones returns the loaded zone sets in registry order
func (h *Handler) GetZones(w http.ResponseWriter, r *http.Request) {
	sets := h.registry.ZoneSets()
	response := make([]zoneSetResponse, 0, len(sets))
	for _, s := range sets {
		response = append(response, zoneSetResponse{Name: s.Name, Zones: s.Zones})
	}
	WriteJSON(w, http.StatusOK, response)
}

// StatusResponse summarizes the engine for operators
type StatusResponse struct {
	Version       string          `json:"version"`
	Uptime        string          `json:"uptime"`
	Feed          ingest.Stats    `json:"feed"`
	Tracks        int             `json:"tracks"`
	ProximityOpen int             `json:"proximity_open"`
	Dispatch      *dispatch.Stats `json:"dispatch,omitempty"`
	WSClients     int             `json:"ws_clients"`
	WSDropped     int64           `json:"ws_dropped"`
	Journal       bool            `json:"journal"`
}

// GetStatus returns the engine counters
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	response := StatusResponse{
		Version:       h.version,
		Uptime:        time.Since(h.started).Round(time.Second).String(),
		Feed:          h.loop.Stats(),
		Tracks:        h.registry.Len(),
		ProximityOpen: h.tracker.Len(),
		Journal:       h.journal != nil,
	}
	if h.pool != nil {
		stats := h.pool.Stats()
		response.Dispatch = &stats
	}
	if h.wsServer != nil {
		response.WSClients = h.wsServer.ClientCount()
		response.WSDropped = h.wsServer.Dropped()
	}

	WriteJSON(w, http.StatusOK, response)
}

// GetHealth returns the health status of the API. It reports 503 until the
// feed is connected.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	state := h.loop.State()
	status := http.StatusOK
	if state == ingest.StateDisconnected || state == ingest.StateReconnecting {
		status = http.StatusServiceUnavailable
	}

	WriteJSON(w, status, map[string]interface{}{
		"status":      state.String(),
		"stream_time": h.loop.Clock().Now(),
		"track_count": h.registry.Len(),
	})
}

// GetSimulatedAircraft returns the self-test aircraft, or an empty list when
// the self-test is off
func (h *Handler) GetSimulatedAircraft(w http.ResponseWriter, r *http.Request) {
	aircraft := []simulation.SimulatedAircraft{}
	if h.sim != nil {
		aircraft = h.sim.GetAllAircraft()
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"enabled":  h.sim != nil,
		"aircraft": aircraft,
	})
}

// HandleWebSocket upgrades the request onto the live event feed
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.wsServer == nil {
		http.Error(w, "WebSocket feed disabled", http.StatusNotFound)
		return
	}
	h.wsServer.HandleConnection(w, r)
}

func inAnyZone(v tracking.TrackView) bool {
	for _, z := range v.Zones {
		if z != geofence.None {
			return true
		}
	}
	return false
}

func parseLimit(r *http.Request) int {
	limit := defaultLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
