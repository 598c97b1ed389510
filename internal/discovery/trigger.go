package discovery

import (
	"strings"
	"time"

	"github.com/sells-group/resource-discovery/internal/model"
)

// Trigger asks for one area to be scanned. Force must only be set after the
// caller has authorized it.
type Trigger struct {
	City        string `json:"city"`
	State       string `json:"state"`
	Force       bool   `json:"force,omitempty"`
	IsTest      bool   `json:"isTest,omitempty"`
	InitiatorID string `json:"-"`
}

// InvalidTriggerError reports a malformed Trigger.
type InvalidTriggerError struct {
	Field string
	Msg   string
}

func (e *InvalidTriggerError) Error() string {
	return e.Msg
}

// Validate checks the trigger shape.
func (t Trigger) Validate() error {
	if strings.TrimSpace(t.City) == "" {
		return &InvalidTriggerError{Field: "city", Msg: "city is required"}
	}
	if len(strings.TrimSpace(t.State)) < 2 {
		return &InvalidTriggerError{Field: "state", Msg: "state must be at least 2 characters"}
	}
	return nil
}

// AreaKey returns the eligibility key for the trigger's area.
func (t Trigger) AreaKey() string {
	return model.AreaKey(t.City, t.State)
}

func (t Trigger) normalized() Trigger {
	t.City = strings.TrimSpace(t.City)
	t.State = strings.ToUpper(strings.TrimSpace(t.State))
	return t
}

// RunState is the terminal state of a scan.
type RunState string

const (
	StateCached    RunState = "cached"
	StateCompleted RunState = "completed"
	StateErrored   RunState = "errored"
	StateTimedOut  RunState = "timed_out"
	StateCancelled RunState = "cancelled"
)

func (s RunState) outcome() model.ScanOutcome {
	switch s {
	case StateCompleted:
		return model.ScanCompleted
	case StateTimedOut:
		return model.ScanTimedOut
	case StateCancelled:
		return model.ScanCancelled
	default:
		return model.ScanFailed
	}
}

// ItemStatus is what happened to one search result.
type ItemStatus string

const (
	ItemInserted         ItemStatus = "inserted"
	ItemDryRun           ItemStatus = "dry_run"
	ItemSkippedDuplicate ItemStatus = "skipped_duplicate"
	ItemSkippedBlocked   ItemStatus = "skipped_blocked"
	ItemRejected         ItemStatus = "rejected"
	ItemFailed           ItemStatus = "failed"
)

// accepted reports whether the item counts as a discovered resource.
func (s ItemStatus) accepted() bool {
	return s == ItemInserted || s == ItemDryRun
}

// ItemResult is the per-candidate outcome of a run.
type ItemResult struct {
	Index        int                      `json:"index"`
	Name         string                   `json:"name"`
	ResourceID   string                   `json:"resourceId,omitempty"`
	Status       ItemStatus               `json:"status"`
	Verification model.VerificationStatus `json:"verification,omitempty"`
	Confidence   int                      `json:"confidence,omitempty"`
	DuplicateID  string                   `json:"duplicateId,omitempty"`
	MatchIDs     []string                 `json:"matchIds,omitempty"`
	Reason       string                   `json:"reason,omitempty"`
	Err          error                    `json:"-"`
}

// Summary is the result of Run.
type Summary struct {
	State          RunState      `json:"state"`
	AreaKey        string        `json:"areaKey"`
	ScanID         string        `json:"scanId,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	Message        string        `json:"message,omitempty"`
	ResourcesFound int           `json:"resourcesFound"`
	Samples        []Sample      `json:"samples,omitempty"`
	Items          []ItemResult  `json:"items,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// Count returns how many items ended with status.
func (s *Summary) Count(status ItemStatus) int {
	n := 0
	for _, it := range s.Items {
		if it.Status == status {
			n++
		}
	}
	return n
}

// Dropped returns how many search results were not kept, for any reason.
func (s *Summary) Dropped() int {
	n := 0
	for _, it := range s.Items {
		if !it.Status.accepted() {
			n++
		}
	}
	return n
}
