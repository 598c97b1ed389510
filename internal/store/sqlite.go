package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/resource-discovery/internal/geo"
	"github.com/sells-group/resource-discovery/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS resources (
	id                      TEXT PRIMARY KEY,
	name                    TEXT NOT NULL,
	address                 TEXT NOT NULL DEFAULT '',
	city                    TEXT NOT NULL DEFAULT '',
	state                   TEXT NOT NULL DEFAULT '',
	zip_code                TEXT NOT NULL DEFAULT '',
	latitude                REAL,
	longitude               REAL,
	phone                   TEXT NOT NULL DEFAULT '',
	website                 TEXT NOT NULL DEFAULT '',
	description             TEXT NOT NULL DEFAULT '',
	services                TEXT NOT NULL DEFAULT '[]',
	hours                   TEXT NOT NULL DEFAULT '',
	source_url              TEXT NOT NULL DEFAULT '',
	verification_status     TEXT NOT NULL DEFAULT 'unverified',
	confidence_score        INTEGER NOT NULL DEFAULT 0,
	auto_approved           INTEGER NOT NULL DEFAULT 0,
	potential_duplicate_ids TEXT NOT NULL DEFAULT '[]',
	scan_event_id           TEXT,
	discovered_at           INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS scan_events (
	id              TEXT PRIMARY KEY,
	area_key        TEXT NOT NULL,
	initiator_id    TEXT NOT NULL DEFAULT '',
	meta            TEXT,
	forced          INTEGER NOT NULL DEFAULT 0,
	outcome         TEXT NOT NULL DEFAULT 'running',
	resources_found INTEGER NOT NULL DEFAULT 0,
	started_at      INTEGER NOT NULL,
	completed_at    INTEGER
);

CREATE INDEX IF NOT EXISTS idx_resources_address ON resources(lower(address), lower(city), lower(state));
CREATE INDEX IF NOT EXISTS idx_resources_lat_lng ON resources(latitude, longitude);
CREATE INDEX IF NOT EXISTS idx_resources_source_url ON resources(source_url);
CREATE INDEX IF NOT EXISTS idx_scan_events_area_started ON scan_events(area_key, started_at DESC);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Scan log ---

func (s *SQLiteStore) LastScan(ctx context.Context, areaKey string) (*model.ScanEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scanEventColumns+` FROM scan_events WHERE area_key = ? ORDER BY started_at DESC LIMIT 1`,
		areaKey,
	)
	e, err := scanSQLiteEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: last scan for %s", areaKey)
	}
	return e, nil
}

// StartScan claims the area in a single INSERT ... SELECT; SQLite serializes
// writers so the NOT EXISTS check and the insert cannot interleave.
func (s *SQLiteStore) StartScan(ctx context.Context, start model.ScanStart) (string, bool, error) {
	metaJSON, err := marshalMeta(start.Meta)
	if err != nil {
		return "", false, err
	}

	id := uuid.New().String()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scan_events (id, area_key, initiator_id, meta, forced, outcome, resources_found, started_at)
		 SELECT ?, ?, ?, ?, ?, 'running', 0, ?
		 WHERE ? OR NOT EXISTS (
			SELECT 1 FROM scan_events WHERE area_key = ? AND started_at > ?
		 )`,
		id, start.AreaKey, start.InitiatorID, nullableText(metaJSON), start.Force, start.Now.UnixMilli(),
		start.Force, start.AreaKey, start.Cutoff.UnixMilli(),
	)
	if err != nil {
		return "", false, eris.Wrap(err, "sqlite: insert scan event")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return "", false, nil
	}
	return id, true, nil
}

func (s *SQLiteStore) CompleteScan(ctx context.Context, id string, outcome model.ScanOutcome, resourcesFound int, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scan_events SET outcome = ?, resources_found = ?, completed_at = ?
		 WHERE id = ? AND completed_at IS NULL`,
		string(outcome), resourcesFound, at.UnixMilli(), id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: complete scan %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListScans(ctx context.Context, filter ScanFilter) ([]model.ScanEvent, error) {
	query := `SELECT ` + scanEventColumns + ` FROM scan_events`
	args := []any{}
	if filter.AreaKey != "" {
		query += ` WHERE area_key = ?`
		args = append(args, filter.AreaKey)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, scanLimit(filter))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list scans")
	}
	defer rows.Close()

	var events []model.ScanEvent
	for rows.Next() {
		e, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteEvent(row scannable) (*model.ScanEvent, error) {
	var e model.ScanEvent
	var outcome string
	var metaJSON sql.NullString
	var startedAt int64
	var completedAt sql.NullInt64
	if err := row.Scan(&e.ID, &e.AreaKey, &e.InitiatorID, &metaJSON, &e.Forced, &outcome,
		&e.ResourcesFound, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	e.Outcome = model.ScanOutcome(outcome)
	e.StartedAt = time.UnixMilli(startedAt).UTC()
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64).UTC()
		e.CompletedAt = &t
	}
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &e.Meta)
	}
	return &e, nil
}

// --- Resources ---

func (s *SQLiteStore) FindExactAddressMatches(ctx context.Context, address, city, state string) ([]model.ExistingResource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resourceColumns+` FROM resources
		 WHERE lower(address) = lower(?) AND lower(city) = lower(?) AND lower(state) = lower(?)`,
		address, city, state,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find exact address matches")
	}
	return collectSQLiteResources(rows)
}

func (s *SQLiteStore) FindNearby(ctx context.Context, box geo.BBox) ([]model.ExistingResource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resourceColumns+` FROM resources
		 WHERE latitude BETWEEN ? AND ? AND longitude BETWEEN ? AND ?`,
		box.MinLat, box.MaxLat, box.MinLng, box.MaxLng,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find nearby")
	}
	return collectSQLiteResources(rows)
}

func collectSQLiteResources(rows *sql.Rows) ([]model.ExistingResource, error) {
	defer rows.Close()
	var out []model.ExistingResource
	for rows.Next() {
		var r model.ExistingResource
		var lat, lng sql.NullFloat64
		if err := rows.Scan(&r.ID, &r.Name, &r.Address, &r.City, &r.State, &r.ZipCode,
			&lat, &lng, &r.Phone, &r.Website, &r.SourceURL); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan resource")
		}
		if lat.Valid && lng.Valid {
			r.Location = &geo.Point{Lat: lat.Float64, Lng: lng.Float64}
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate resources")
}

func (s *SQLiteStore) SourceImported(ctx context.Context, sourceURL string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM resources WHERE source_url = ? LIMIT 1`, sourceURL,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrap(err, "sqlite: source imported")
	}
	return id, true, nil
}

func (s *SQLiteStore) InsertResource(ctx context.Context, c model.CandidateResource, d model.Decision) (string, error) {
	id := uuid.New().String()

	servicesJSON, err := json.Marshal(servicesOrEmpty(c.Services))
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal services")
	}
	dupJSON, err := json.Marshal(idsOrEmpty(d.PotentialDuplicateIDs))
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal duplicate ids")
	}
	lat, lng := coordsOf(c.Location)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO resources (id, name, address, city, state, zip_code, latitude, longitude,
			phone, website, description, services, hours, source_url,
			verification_status, confidence_score, auto_approved, potential_duplicate_ids, scan_event_id, discovered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, c.Name, c.Address, c.City, c.State, c.ZipCode, lat, lng,
		c.Phone, c.Website, c.Description, string(servicesJSON), c.Hours, c.SourceURL,
		string(d.Status), d.ConfidenceScore, d.AutoApproved, string(dupJSON), nullIfEmpty(d.ScanEventID), d.DiscoveredAt.UnixMilli(),
	)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: insert resource %q", c.Name)
	}
	return id, nil
}

// StoredResource is a full resources row, used by status reporting and tests.
type StoredResource struct {
	model.ExistingResource
	Status                model.VerificationStatus `json:"verification_status"`
	ConfidenceScore       int                      `json:"confidence_score"`
	AutoApproved          bool                     `json:"auto_approved"`
	PotentialDuplicateIDs []string                 `json:"potential_duplicate_ids"`
	ScanEventID           string                   `json:"scan_event_id,omitempty"`
}

// ListResources returns every resource inserted by the given scan, oldest first.
func (s *SQLiteStore) ListResources(ctx context.Context, scanEventID string) ([]StoredResource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resourceColumns+`, verification_status, confidence_score, auto_approved, potential_duplicate_ids, COALESCE(scan_event_id, '')
		 FROM resources WHERE scan_event_id = ? ORDER BY discovered_at, rowid`,
		scanEventID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list resources")
	}
	defer rows.Close()

	var out []StoredResource
	for rows.Next() {
		var r StoredResource
		var lat, lng sql.NullFloat64
		var status, dupJSON string
		if err := rows.Scan(&r.ID, &r.Name, &r.Address, &r.City, &r.State, &r.ZipCode,
			&lat, &lng, &r.Phone, &r.Website, &r.SourceURL,
			&status, &r.ConfidenceScore, &r.AutoApproved, &dupJSON, &r.ScanEventID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan resource row")
		}
		if lat.Valid && lng.Valid {
			r.Location = &geo.Point{Lat: lat.Float64, Lng: lng.Float64}
		}
		r.Status = model.VerificationStatus(status)
		if err := json.Unmarshal([]byte(dupJSON), &r.PotentialDuplicateIDs); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal duplicate ids")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullableText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
