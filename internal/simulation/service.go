package simulation

import (
	"sort"
	"sync"
	"time"

	"github.com/yegors/zonewatch/internal/adsb"
	"github.com/yegors/zonewatch/internal/physics"
	"github.com/yegors/zonewatch/pkg/logger"
)

const (
	TestFlight1 = "*TEST1*"
	TestFlight2 = "*TEST2*"

	// wingmanOffsetNM is how far *TEST2* starts abeam of *TEST1*
	wingmanOffsetNM = 0.1
	// resetRadiusNM sends an aircraft back to its start once it drifts this far
	resetRadiusNM = 2.0
)

// Config describes the synthetic aircraft
type Config struct {
	Latitude   float64
	Longitude  float64
	AltitudeFt int
	Heading    float64
	SpeedKts   float64
}

// SimulatedAircraft represents a single synthetic aircraft with its current state
type SimulatedAircraft struct {
	Flight     string    `json:"flight"`
	StartLat   float64   `json:"start_lat"`
	StartLon   float64   `json:"start_lon"`
	CurrentLat float64   `json:"current_lat"`
	CurrentLon float64   `json:"current_lon"`
	Altitude   int       `json:"altitude"`
	Heading    float64   `json:"heading"`
	Speed      float64   `json:"speed"`
	LastUpdate time.Time `json:"last_update"`
}

// Service manages the self-test aircraft. Inject satisfies ingest.Injector.
type Service struct {
	aircraft map[string]*SimulatedAircraft
	mutex    sync.RWMutex
	logger   *logger.Logger
}

// NewService creates the two self-test aircraft at the anchor point, flying
// side by side at the same altitude
func NewService(cfg Config, log *logger.Logger) *Service {
	s := &Service{
		aircraft: make(map[string]*SimulatedAircraft),
		logger:   log.Named("simulation"),
	}

	lat2, lon2 := physics.DeadReckon(cfg.Latitude, cfg.Longitude,
		adsb.NormalizeHeading(cfg.Heading+90), wingmanOffsetNM, time.Hour)

	s.add(TestFlight1, cfg.Latitude, cfg.Longitude, cfg)
	s.add(TestFlight2, lat2, lon2, cfg)
	return s
}

func (s *Service) add(flight string, lat, lon float64, cfg Config) {
	s.aircraft[flight] = &SimulatedAircraft{
		Flight:     flight,
		StartLat:   lat,
		StartLon:   lon,
		CurrentLat: lat,
		CurrentLon: lon,
		Altitude:   cfg.AltitudeFt,
		Heading:    adsb.NormalizeHeading(cfg.Heading),
		Speed:      cfg.SpeedKts,
	}
}

// Inject advances every aircraft to now and returns one sample per aircraft,
// ordered by flight
func (s *Service) Inject(now time.Time) []adsb.Sample {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	out := make([]adsb.Sample, 0, len(s.aircraft))
	for _, a := range s.aircraft {
		s.advance(a, now)
		out = append(out, adsb.Sample{
			Lat:         a.CurrentLat,
			Lon:         a.CurrentLon,
			Altitude:    a.Altitude,
			GroundSpeed: a.Speed,
			Track:       a.Heading,
			Time:        now,
			Flight:      a.Flight,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Flight < out[j].Flight })
	return out
}

func (s *Service) advance(a *SimulatedAircraft, now time.Time) {
	defer func() { a.LastUpdate = now }()

	if a.LastUpdate.IsZero() || !now.After(a.LastUpdate) {
		return
	}

	lat, lon := physics.DeadReckon(a.CurrentLat, a.CurrentLon, a.Heading, a.Speed, now.Sub(a.LastUpdate))
	if physics.DistanceNM(a.StartLat, a.StartLon, lat, lon) > resetRadiusNM {
		s.logger.Debug("Self-test aircraft back to start", logger.String("flight", a.Flight))
		lat, lon = a.StartLat, a.StartLon
	}
	a.CurrentLat, a.CurrentLon = lat, lon
}

// GetAllAircraft returns a snapshot of the synthetic aircraft ordered by flight
func (s *Service) GetAllAircraft() []SimulatedAircraft {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]SimulatedAircraft, 0, len(s.aircraft))
	for _, a := range s.aircraft {
		result = append(result, *a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Flight < result[j].Flight })
	return result
}

// IsSynthetic reports whether a flight belongs to the self-test
func IsSynthetic(flight string) bool {
	return flight == TestFlight1 || flight == TestFlight2
}
