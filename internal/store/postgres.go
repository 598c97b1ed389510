package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"go.uber.org/zap"

	"github.com/sells-group/resource-discovery/internal/db"
	"github.com/sells-group/resource-discovery/internal/geo"
	"github.com/sells-group/resource-discovery/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationLockID serializes concurrent Migrate calls across processes.
const migrationLockID = 5551212

// PostgresStore implements Store on a pgx pool with a PostGIS location column.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres connects a pool and wraps it.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Close does not close it.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies pending migrations in filename order under an advisory lock.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "store.migrate"))

	if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return eris.Wrap(err, "postgres: acquire migration lock")
	}
	defer func() {
		if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			log.Warn("postgres: release migration lock", zap.Error(err))
		}
	}()

	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return eris.Wrap(err, "postgres: ensure migration table")
	}

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return eris.Wrap(err, "postgres: read migration dir")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if applied[name] {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return eris.Wrapf(err, "postgres: read migration %s", name)
		}
		if _, err := s.pool.Exec(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "postgres: apply migration %s", name)
		}
		if _, err := s.pool.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", name); err != nil {
			return eris.Wrapf(err, "postgres: record migration %s", name)
		}
		log.Info("migration applied", zap.String("file", name))
	}
	return nil
}

func (s *PostgresStore) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "postgres: scan migration row")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Scan log ---

const scanEventColumns = `id, area_key, initiator_id, meta, forced, outcome, resources_found, started_at, completed_at`

func (s *PostgresStore) LastScan(ctx context.Context, areaKey string) (*model.ScanEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+scanEventColumns+` FROM scan_events WHERE area_key = $1 ORDER BY started_at DESC LIMIT 1`,
		areaKey,
	)
	e, err := scanPgEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: last scan for %s", areaKey)
	}
	return e, nil
}

// StartScan holds a transaction-scoped advisory lock on the area key so two
// claims for the same area serialize on the NOT EXISTS check.
func (s *PostgresStore) StartScan(ctx context.Context, start model.ScanStart) (string, bool, error) {
	metaJSON, err := marshalMeta(start.Meta)
	if err != nil {
		return "", false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", false, eris.Wrap(err, "postgres: begin start scan")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", start.AreaKey); err != nil {
		return "", false, eris.Wrap(err, "postgres: lock area")
	}

	var id string
	err = tx.QueryRow(ctx,
		`INSERT INTO scan_events (id, area_key, initiator_id, meta, forced, outcome, resources_found, started_at)
		 SELECT $1::text, $2::text, $3::text, $4::jsonb, $5::boolean, 'running', 0, $6::timestamptz
		 WHERE $5::boolean OR NOT EXISTS (
			SELECT 1 FROM scan_events WHERE area_key = $2::text AND started_at > $7::timestamptz
		 )
		 RETURNING id`,
		uuid.New().String(), start.AreaKey, start.InitiatorID, metaJSON, start.Force, start.Now.UTC(), start.Cutoff.UTC(),
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrap(err, "postgres: insert scan event")
	}

	if err := tx.Commit(ctx); err != nil {
		return "", false, eris.Wrap(err, "postgres: commit start scan")
	}
	return id, true, nil
}

func (s *PostgresStore) CompleteScan(ctx context.Context, id string, outcome model.ScanOutcome, resourcesFound int, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scan_events SET outcome = $1, resources_found = $2, completed_at = $3
		 WHERE id = $4 AND completed_at IS NULL`,
		string(outcome), resourcesFound, at.UTC(), id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: complete scan %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListScans(ctx context.Context, filter ScanFilter) ([]model.ScanEvent, error) {
	query := `SELECT ` + scanEventColumns + ` FROM scan_events`
	args := []any{}
	if filter.AreaKey != "" {
		query += ` WHERE area_key = $1`
		args = append(args, filter.AreaKey)
	}
	query += ` ORDER BY started_at DESC LIMIT ` + itoa(scanLimit(filter))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list scans")
	}
	defer rows.Close()

	var events []model.ScanEvent
	for rows.Next() {
		e, err := scanPgEvent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func scanPgEvent(row pgx.Row) (*model.ScanEvent, error) {
	var e model.ScanEvent
	var outcome string
	var metaJSON []byte
	var completedAt *time.Time
	if err := row.Scan(&e.ID, &e.AreaKey, &e.InitiatorID, &metaJSON, &e.Forced, &outcome,
		&e.ResourcesFound, &e.StartedAt, &completedAt); err != nil {
		return nil, err
	}
	e.Outcome = model.ScanOutcome(outcome)
	e.CompletedAt = completedAt
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &e.Meta)
	}
	return &e, nil
}

// --- Resources ---

const resourceColumns = `id, name, address, city, state, zip_code, latitude, longitude, phone, website, source_url`

func (s *PostgresStore) FindExactAddressMatches(ctx context.Context, address, city, state string) ([]model.ExistingResource, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+resourceColumns+` FROM resources
		 WHERE lower(address) = lower($1) AND lower(city) = lower($2) AND lower(state) = lower($3)`,
		address, city, state,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find exact address matches")
	}
	return collectPgResources(rows)
}

func (s *PostgresStore) FindNearby(ctx context.Context, box geo.BBox) ([]model.ExistingResource, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+resourceColumns+` FROM resources
		 WHERE latitude BETWEEN $1 AND $2 AND longitude BETWEEN $3 AND $4`,
		box.MinLat, box.MaxLat, box.MinLng, box.MaxLng,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find nearby")
	}
	return collectPgResources(rows)
}

func collectPgResources(rows pgx.Rows) ([]model.ExistingResource, error) {
	defer rows.Close()
	var out []model.ExistingResource
	for rows.Next() {
		var r model.ExistingResource
		var lat, lng *float64
		if err := rows.Scan(&r.ID, &r.Name, &r.Address, &r.City, &r.State, &r.ZipCode,
			&lat, &lng, &r.Phone, &r.Website, &r.SourceURL); err != nil {
			return nil, eris.Wrap(err, "postgres: scan resource")
		}
		r.Location = locationOf(lat, lng)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate resources")
}

func (s *PostgresStore) SourceImported(ctx context.Context, sourceURL string) (string, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM resources WHERE source_url = $1 LIMIT 1`, sourceURL,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrap(err, "postgres: source imported")
	}
	return id, true, nil
}

func (s *PostgresStore) InsertResource(ctx context.Context, c model.CandidateResource, d model.Decision) (string, error) {
	id := uuid.New().String()

	servicesJSON, err := json.Marshal(servicesOrEmpty(c.Services))
	if err != nil {
		return "", eris.Wrap(err, "postgres: marshal services")
	}
	dupJSON, err := json.Marshal(idsOrEmpty(d.PotentialDuplicateIDs))
	if err != nil {
		return "", eris.Wrap(err, "postgres: marshal duplicate ids")
	}
	locWKB, err := encodePoint(c.Location)
	if err != nil {
		return "", err
	}
	lat, lng := coordsOf(c.Location)

	_, err = s.pool.Exec(ctx,
		`INSERT INTO resources (id, name, address, city, state, zip_code, latitude, longitude, location,
			phone, website, description, services, hours, source_url,
			verification_status, confidence_score, auto_approved, potential_duplicate_ids, scan_event_id, discovered_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, ST_GeomFromEWKB($9)::geography,
			$10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		id, c.Name, c.Address, c.City, c.State, c.ZipCode, lat, lng, locWKB,
		c.Phone, c.Website, c.Description, servicesJSON, c.Hours, c.SourceURL,
		string(d.Status), d.ConfidenceScore, d.AutoApproved, dupJSON, nullIfEmpty(d.ScanEventID), d.DiscoveredAt.UTC(),
	)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: insert resource %q", c.Name)
	}
	return id, nil
}

// encodePoint returns EWKB for p with SRID 4326, or nil for a missing point.
func encodePoint(p *geo.Point) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	g := geom.NewPointFlat(geom.XY, []float64{p.Lng, p.Lat}).SetSRID(4326)
	data, err := ewkb.Marshal(g, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: encode location")
	}
	return data, nil
}

func marshalMeta(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal scan meta")
	}
	return data, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
