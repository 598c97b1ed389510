// Package eligibility decides whether a discovery scan may run for an area,
// and records scan starts and completions.
package eligibility

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/resource-discovery/internal/model"
)

// DefaultCooldown is how long an area stays ineligible after a scan starts.
const DefaultCooldown = 24 * time.Hour

// ErrAreaClaimed is returned by LogScanStart when another scan claimed the
// area inside the cooldown window first.
var ErrAreaClaimed = eris.New("eligibility: area already claimed")

// ScanLog is the persisted scan history the gate reads and writes.
type ScanLog interface {
	// LastScan returns the most recently started scan for the area, or nil.
	LastScan(ctx context.Context, areaKey string) (*model.ScanEvent, error)
	// StartScan inserts a running scan event unless a scan started after
	// start.Cutoff exists and start.Force is false. It reports whether the
	// row was inserted.
	StartScan(ctx context.Context, start model.ScanStart) (id string, claimed bool, err error)
	// CompleteScan records the outcome of a running scan. It reports false
	// when the scan was already completed.
	CompleteScan(ctx context.Context, id string, outcome model.ScanOutcome, resourcesFound int, at time.Time) (bool, error)
}

// Decision is the result of CheckEligibility.
type Decision struct {
	ShouldSearch bool       `json:"shouldSearch"`
	Reason       string     `json:"reason,omitempty"`
	LastScanAt   *time.Time `json:"lastScanAt,omitempty"`
	NextEligible *time.Time `json:"nextEligibleAt,omitempty"`
}

// Gate is the per-area circuit breaker for discovery scans.
type Gate struct {
	log      ScanLog
	cooldown time.Duration
	nowFunc  func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithCooldown overrides DefaultCooldown. Non-positive values are ignored.
func WithCooldown(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.cooldown = d
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.nowFunc = now
	}
}

// NewGate creates a Gate over the given scan log.
func NewGate(log ScanLog, opts ...Option) *Gate {
	g := &Gate{
		log:      log,
		cooldown: DefaultCooldown,
		nowFunc:  time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Cooldown returns the configured cooldown window.
func (g *Gate) Cooldown() time.Duration {
	return g.cooldown
}

// CheckEligibility reports whether a new scan for areaKey may run now.
func (g *Gate) CheckEligibility(ctx context.Context, areaKey string) (Decision, error) {
	if strings.TrimSpace(areaKey) == "" {
		return Decision{}, eris.New("eligibility: empty area key")
	}

	last, err := g.log.LastScan(ctx, areaKey)
	if err != nil {
		return Decision{}, eris.Wrapf(err, "eligibility: last scan for %s", areaKey)
	}
	if last == nil {
		return Decision{ShouldSearch: true}, nil
	}

	view := model.AreaEligibility{AreaKey: areaKey, LastScanAt: &last.StartedAt, CooldownWindow: g.cooldown}
	next := view.NextEligibleAt()
	now := g.nowFunc()
	if !now.Before(next) {
		return Decision{ShouldSearch: true, LastScanAt: view.LastScanAt}, nil
	}

	return Decision{
		ShouldSearch: false,
		Reason:       denialReason(last, now, next),
		LastScanAt:   view.LastScanAt,
		NextEligible: &next,
	}, nil
}

func denialReason(last *model.ScanEvent, now, next time.Time) string {
	ago := now.Sub(last.StartedAt).Round(time.Minute)
	wait := next.Sub(now).Round(time.Minute)
	if last.CompletedAt == nil {
		return fmt.Sprintf("a scan of this area started %s ago and is still running", ago)
	}
	return fmt.Sprintf("this area was scanned %s ago with %d resources found; next scan allowed in %s",
		ago, last.ResourcesFound, wait)
}

// LogScanStart claims the area's scan slot and returns the scan event ID.
// Unless force is set, the claim fails with ErrAreaClaimed when another scan
// started inside the cooldown window.
func (g *Gate) LogScanStart(ctx context.Context, areaKey, initiatorID string, meta map[string]any, force bool) (string, error) {
	now := g.nowFunc()
	id, claimed, err := g.log.StartScan(ctx, model.ScanStart{
		AreaKey:     areaKey,
		InitiatorID: initiatorID,
		Meta:        meta,
		Force:       force,
		Cutoff:      now.Add(-g.cooldown),
		Now:         now,
	})
	if err != nil {
		return "", eris.Wrapf(err, "eligibility: start scan for %s", areaKey)
	}
	if !claimed {
		return "", ErrAreaClaimed
	}

	zap.L().Info("scan started",
		zap.String("area", areaKey),
		zap.String("scan_id", id),
		zap.Bool("forced", force),
	)
	return id, nil
}

// LogScanComplete records a scan's outcome. Repeated calls for the same scan
// are no-ops.
func (g *Gate) LogScanComplete(ctx context.Context, scanID string, outcome model.ScanOutcome, resourcesFound int) error {
	if scanID == "" {
		return nil
	}
	recorded, err := g.log.CompleteScan(ctx, scanID, outcome, resourcesFound, g.nowFunc())
	if err != nil {
		return eris.Wrapf(err, "eligibility: complete scan %s", scanID)
	}
	if !recorded {
		zap.L().Debug("scan already completed", zap.String("scan_id", scanID))
		return nil
	}

	zap.L().Info("scan completed",
		zap.String("scan_id", scanID),
		zap.String("outcome", string(outcome)),
		zap.Int("resources_found", resourcesFound),
	)
	return nil
}
