package model

import "time"

// ScanOutcome is the terminal status recorded for a scan event.
type ScanOutcome string

const (
	ScanRunning   ScanOutcome = "running"
	ScanCompleted ScanOutcome = "completed"
	ScanFailed    ScanOutcome = "failed"
	ScanTimedOut  ScanOutcome = "timed_out"
	ScanCancelled ScanOutcome = "cancelled"
)

// ScanEvent is one row of the eligibility log: a scan that was started for an
// area and, once finished, its outcome.
type ScanEvent struct {
	ID             string         `json:"id"`
	AreaKey        string         `json:"area_key"`
	InitiatorID    string         `json:"initiator_id,omitempty"`
	Meta           map[string]any `json:"meta,omitempty"`
	Forced         bool           `json:"forced"`
	Outcome        ScanOutcome    `json:"outcome"`
	ResourcesFound int            `json:"resources_found"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// ScanStart describes a claim on an area's scan slot.
type ScanStart struct {
	AreaKey     string
	InitiatorID string
	Meta        map[string]any
	Force       bool
	// Cutoff is the oldest start time that still blocks a new scan.
	Cutoff time.Time
	Now    time.Time
}

// AreaEligibility is the cooldown view of a single area.
type AreaEligibility struct {
	AreaKey        string        `json:"area_key"`
	LastScanAt     *time.Time    `json:"last_scan_at,omitempty"`
	CooldownWindow time.Duration `json:"cooldown_window"`
}

// NextEligibleAt returns when the area may be scanned again, or the zero time
// if it may be scanned now.
func (a AreaEligibility) NextEligibleAt() time.Time {
	if a.LastScanAt == nil {
		return time.Time{}
	}
	return a.LastScanAt.Add(a.CooldownWindow)
}
