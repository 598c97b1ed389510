// Package store persists discovered resources and the scan event log.
package store

import (
	"context"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/resource-discovery/internal/geo"
	"github.com/sells-group/resource-discovery/internal/model"
)

// ScanFilter narrows ListScans.
type ScanFilter struct {
	AreaKey string `json:"area_key,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// Store defines the persistence interface for discovery.
type Store interface {
	// Scan log
	LastScan(ctx context.Context, areaKey string) (*model.ScanEvent, error)
	StartScan(ctx context.Context, start model.ScanStart) (id string, claimed bool, err error)
	CompleteScan(ctx context.Context, id string, outcome model.ScanOutcome, resourcesFound int, at time.Time) (bool, error)
	ListScans(ctx context.Context, filter ScanFilter) ([]model.ScanEvent, error)

	// Resources
	FindExactAddressMatches(ctx context.Context, address, city, state string) ([]model.ExistingResource, error)
	FindNearby(ctx context.Context, box geo.BBox) ([]model.ExistingResource, error)
	SourceImported(ctx context.Context, sourceURL string) (string, bool, error)
	InsertResource(ctx context.Context, c model.CandidateResource, d model.Decision) (string, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultScanLimit = 50

// Open creates the store for driver ("postgres" or "sqlite").
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "postgres", "":
		return NewPostgres(ctx, dsn, nil)
	case "sqlite":
		return NewSQLite(dsn)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}

func scanLimit(f ScanFilter) int {
	if f.Limit <= 0 {
		return defaultScanLimit
	}
	return f.Limit
}

func locationOf(lat, lng *float64) *geo.Point {
	if lat == nil || lng == nil {
		return nil
	}
	return &geo.Point{Lat: *lat, Lng: *lng}
}

func coordsOf(p *geo.Point) (lat, lng *float64) {
	if p == nil {
		return nil, nil
	}
	la, ln := p.Lat, p.Lng
	return &la, &ln
}

func servicesOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func idsOrEmpty(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
