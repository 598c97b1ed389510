package discovery

import (
	"fmt"
	"time"
)

// TimeoutError reports that a scan used up its wall-clock budget. Resources
// saved before the deadline are kept.
type TimeoutError struct {
	Budget         time.Duration
	ResourcesSaved int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("discovery scan timed out after %s (%d resources saved)", e.Budget, e.ResourcesSaved)
}

// PersistenceError reports a failed insert for one candidate.
type PersistenceError struct {
	Name string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("save resource %q: %v", e.Name, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
