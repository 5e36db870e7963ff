package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/yegors/zonewatch/pkg/logger"
)

// Journal is a SQLite-backed record of aircraft, airfield operations and
// close-proximity events
type Journal struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewJournal opens (creating if needed) the journal database at dbPath
func NewJournal(dbPath string, log *logger.Logger) (*Journal, error) {
	storageLogger := log.Named("sqlite")

	storageLogger.Info("Initializing SQLite journal",
		logger.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %q: %w", p, err)
		}
	}

	if err := initDatabase(db, storageLogger); err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{db: db, logger: storageLogger}, nil
}

// Close closes the database connection
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// initDatabase initializes the database schema
func initDatabase(db *sql.DB, log *logger.Logger) error {
	log.Debug("Initializing database schema")

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS aircraft (
			id TEXT PRIMARY KEY,
			registration TEXT NOT NULL UNIQUE,
			flight TEXT,
			created_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create aircraft table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS operations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			aircraft_id TEXT NOT NULL REFERENCES aircraft(id),
			occurred_at TEXT NOT NULL,
			type TEXT NOT NULL,
			scenic INTEGER NOT NULL DEFAULT 0,
			flight TEXT,
			zone TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create operations table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS proximity_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			flight_a TEXT NOT NULL,
			flight_b TEXT NOT NULL,
			aircraft_a TEXT,
			aircraft_b TEXT,
			lateral_ft INTEGER NOT NULL,
			alt_ft INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			last_update TEXT NOT NULL,
			final INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create proximity_events table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_operations_aircraft ON operations(aircraft_id)",
		"CREATE INDEX IF NOT EXISTS idx_operations_time ON operations(occurred_at)",
		"CREATE INDEX IF NOT EXISTS idx_proximity_created ON proximity_events(created_at)",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// LookupAircraft returns the id of the aircraft with the given registration
func (j *Journal) LookupAircraft(ctx context.Context, registration string) (string, bool, error) {
	var id string
	err := j.db.QueryRowContext(ctx,
		`SELECT id FROM aircraft WHERE registration = ?`, registration).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up aircraft %s: %w", registration, err)
	}
	return id, true, nil
}

// AddAircraft inserts a new aircraft and returns its id. Adding a
// registration that already exists returns the existing id.
func (j *Journal) AddAircraft(ctx context.Context, registration, flight string) (string, error) {
	id := uuid.NewString()
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO aircraft (id, registration, flight, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(registration) DO NOTHING`,
		id, registration, flight, formatTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("failed to insert aircraft %s: %w", registration, err)
	}

	existing, ok, err := j.LookupAircraft(ctx, registration)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("aircraft %s missing after insert", registration)
	}
	if existing == id {
		j.logger.Debug("Added aircraft",
			logger.String("registration", registration),
			logger.String("id", id))
	}
	return existing, nil
}

// LookupOrAddAircraft returns the id for registration, adding the aircraft if needed
func (j *Journal) LookupOrAddAircraft(ctx context.Context, registration, flight string) (string, error) {
	id, ok, err := j.LookupAircraft(ctx, registration)
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}
	return j.AddAircraft(ctx, registration, flight)
}

// Operation is a landing or takeoff
type Operation struct {
	ID         int64     `json:"id"`
	AircraftID string    `json:"aircraft_id"`
	Time       time.Time `json:"time"`
	Type       string    `json:"type"`
	Scenic     bool      `json:"scenic"`
	Flight     string    `json:"flight,omitempty"`
	Zone       string    `json:"zone,omitempty"`
}

// AddOperation records an operation and returns its row id
func (j *Journal) AddOperation(ctx context.Context, op Operation) (int64, error) {
	result, err := j.db.ExecContext(ctx,
		`INSERT INTO operations (aircraft_id, occurred_at, type, scenic, flight, zone) VALUES (?, ?, ?, ?, ?, ?)`,
		op.AircraftID,
		formatTime(op.Time),
		op.Type,
		boolToInt(op.Scenic),
		op.Flight,
		op.Zone,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert operation: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	return id, nil
}

// Operations returns the most recent operations, newest first
func (j *Journal) Operations(ctx context.Context, limit int) ([]Operation, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, aircraft_id, occurred_at, type, scenic, COALESCE(flight, ''), COALESCE(zone, '')
		FROM operations ORDER BY occurred_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		var op Operation
		var at string
		var scenic int
		if err := rows.Scan(&op.ID, &op.AircraftID, &at, &op.Type, &scenic, &op.Flight, &op.Zone); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		op.Time = parseTime(at)
		op.Scenic = scenic != 0
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate operations: %w", err)
	}
	return ops, nil
}

// ProximityRecord is the persisted form of a close-proximity event.
// Lateral separation is stored in feet.
type ProximityRecord struct {
	ID         int64     `json:"id"`
	EventID    string    `json:"event_id"`
	FlightA    string    `json:"flight_a"`
	FlightB    string    `json:"flight_b"`
	AircraftA  string    `json:"aircraft_a,omitempty"`
	AircraftB  string    `json:"aircraft_b,omitempty"`
	LateralFt  int       `json:"lateral_ft"`
	AltFt      int       `json:"alt_ft"`
	Created    time.Time `json:"created"`
	LastUpdate time.Time `json:"last_update"`
	Final      bool      `json:"final"`
}

// AddProximityEvent records a newly opened event and returns its row id
func (j *Journal) AddProximityEvent(ctx context.Context, rec ProximityRecord) (int64, error) {
	result, err := j.db.ExecContext(ctx,
		`INSERT INTO proximity_events
		(event_id, flight_a, flight_b, aircraft_a, aircraft_b, lateral_ft, alt_ft, created_at, last_update, final)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		rec.EventID,
		rec.FlightA,
		rec.FlightB,
		nullString(rec.AircraftA),
		nullString(rec.AircraftB),
		rec.LateralFt,
		rec.AltFt,
		formatTime(rec.Created),
		formatTime(rec.LastUpdate),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert proximity event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	return id, nil
}

// FinalizeProximityEvent stores the minimum separations of a closed event
// and marks it final
func (j *Journal) FinalizeProximityEvent(ctx context.Context, id int64, lateralFt, altFt int, lastUpdate time.Time) error {
	result, err := j.db.ExecContext(ctx,
		`UPDATE proximity_events SET lateral_ft = ?, alt_ft = ?, last_update = ?, final = 1 WHERE id = ?`,
		lateralFt, altFt, formatTime(lastUpdate), id)
	if err != nil {
		return fmt.Errorf("failed to finalize proximity event %d: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("proximity event %d not found", id)
	}
	return nil
}

// ProximityEvents returns the most recent events, newest first
func (j *Journal) ProximityEvents(ctx context.Context, limit int) ([]ProximityRecord, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, event_id, flight_a, flight_b, COALESCE(aircraft_a, ''), COALESCE(aircraft_b, ''),
			lateral_ft, alt_ft, created_at, last_update, final
		FROM proximity_events ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query proximity events: %w", err)
	}
	defer rows.Close()

	var out []ProximityRecord
	for rows.Next() {
		var r ProximityRecord
		var created, last string
		var final int
		if err := rows.Scan(&r.ID, &r.EventID, &r.FlightA, &r.FlightB, &r.AircraftA, &r.AircraftB,
			&r.LateralFt, &r.AltFt, &created, &last, &final); err != nil {
			return nil, fmt.Errorf("failed to scan proximity event: %w", err)
		}
		r.Created = parseTime(created)
		r.LastUpdate = parseTime(last)
		r.Final = final != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate proximity events: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// timeLayout is fixed width so stored timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
