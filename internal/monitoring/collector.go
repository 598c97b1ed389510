package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/resource-discovery/internal/model"
	"github.com/sells-group/resource-discovery/internal/store"
)

// ScanLister is the part of the store the collector reads.
type ScanLister interface {
	ListScans(ctx context.Context, filter store.ScanFilter) ([]model.ScanEvent, error)
}

// AreaStatus is the latest scan of one area.
type AreaStatus struct {
	AreaKey        string            `json:"area_key"`
	LastScanAt     time.Time         `json:"last_scan_at"`
	Outcome        model.ScanOutcome `json:"outcome"`
	ResourcesFound int               `json:"resources_found"`
	NextEligibleAt time.Time         `json:"next_eligible_at"`
}

// Snapshot summarizes scan health over a lookback window.
type Snapshot struct {
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	TimedOut  int     `json:"timed_out"`
	Cancelled int     `json:"cancelled"`
	Running   int     `json:"running"`
	Forced    int     `json:"forced"`
	Resources int     `json:"resources"`
	FailRate  float64 `json:"fail_rate"`

	Areas []AreaStatus `json:"areas"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector builds Snapshots from the scan log.
type Collector struct {
	scans    ScanLister
	cooldown time.Duration
	nowFunc  func() time.Time
	limit    int
}

// NewCollector creates a Collector. cooldown is used to compute each area's
// next eligible time.
func NewCollector(scans ScanLister, cooldown time.Duration) *Collector {
	return &Collector{scans: scans, cooldown: cooldown, nowFunc: time.Now, limit: 1000}
}

// Collect summarizes scans started in the last lookbackHours.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.nowFunc().UTC()
	snap := &Snapshot{LookbackHours: lookbackHours, CollectedAt: now}

	events, err := c.scans.ListScans(ctx, store.ScanFilter{Limit: c.limit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list scans")
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	latest := map[string]model.ScanEvent{}
	for _, e := range events {
		if e.StartedAt.Before(cutoff) {
			continue
		}
		snap.Total++
		snap.Resources += e.ResourcesFound
		if e.Forced {
			snap.Forced++
		}
		switch e.Outcome {
		case model.ScanCompleted:
			snap.Completed++
		case model.ScanFailed:
			snap.Failed++
		case model.ScanTimedOut:
			snap.TimedOut++
		case model.ScanCancelled:
			snap.Cancelled++
		default:
			snap.Running++
		}
		if prev, ok := latest[e.AreaKey]; !ok || e.StartedAt.After(prev.StartedAt) {
			latest[e.AreaKey] = e
		}
	}

	if finished := snap.Total - snap.Running; finished > 0 {
		snap.FailRate = float64(snap.Failed+snap.TimedOut) / float64(finished)
	}

	for key, e := range latest {
		started := e.StartedAt
		view := model.AreaEligibility{AreaKey: key, LastScanAt: &started, CooldownWindow: c.cooldown}
		snap.Areas = append(snap.Areas, AreaStatus{
			AreaKey:        key,
			LastScanAt:     e.StartedAt,
			Outcome:        e.Outcome,
			ResourcesFound: e.ResourcesFound,
			NextEligibleAt: view.NextEligibleAt(),
		})
	}
	sort.Slice(snap.Areas, func(i, j int) bool {
		return snap.Areas[i].AreaKey < snap.Areas[j].AreaKey
	})
	return snap, nil
}
