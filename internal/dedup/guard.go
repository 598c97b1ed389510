package dedup

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/resource-discovery/internal/geo"
	"github.com/sells-group/resource-discovery/internal/model"
	"github.com/sells-group/resource-discovery/internal/policy"
)

// GuardType classifies a guard verdict.
type GuardType string

const (
	// GuardHard means the resource is already known; skip it.
	GuardHard GuardType = "hard"
	// GuardBlocked means policy forbids importing it.
	GuardBlocked GuardType = "blocked"
	// GuardNone means continue to the detector.
	GuardNone GuardType = "none"
)

// GuardResult is the verdict of IsDuplicateOrBlocked.
type GuardResult struct {
	IsDuplicate bool      `json:"isDuplicate"`
	Type        GuardType `json:"type"`
	DuplicateID string    `json:"duplicateId,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// SourceIndex answers whether a source URL has already been imported.
type SourceIndex interface {
	SourceImported(ctx context.Context, sourceURL string) (resourceID string, found bool, err error)
}

// Guard is the fast pre-check run before the detector.
type Guard struct {
	lookup  Lookup
	sources SourceIndex
	policy  *policy.Policy
}

// NewGuard creates a Guard. pol may be nil.
func NewGuard(lookup Lookup, sources SourceIndex, pol *policy.Policy) *Guard {
	if pol == nil {
		pol = policy.New()
	}
	return &Guard{lookup: lookup, sources: sources, policy: pol}
}

// IsDuplicateOrBlocked checks policy first, then the already-imported source
// index, then exact address matches that also carry the same name. inRun
// resources from the current scan are checked the same way as persisted ones.
func (g *Guard) IsDuplicateOrBlocked(ctx context.Context, c model.CandidateResource, inRun ...model.ExistingResource) (GuardResult, error) {
	switch {
	case g.policy.IsBlockedURL(c.SourceURL):
		return blocked("source domain is blocked"), nil
	case g.policy.IsBlockedURL(c.Website):
		return blocked("website domain is blocked"), nil
	case g.policy.IsBlockedAddress(c.Address, c.City, c.State):
		return blocked("address is blocked"), nil
	}

	if src := strings.TrimSpace(c.SourceURL); src != "" {
		for _, e := range inRun {
			if e.SourceURL != "" && strings.EqualFold(e.SourceURL, src) {
				return hard(e.ID, "source already imported in this scan"), nil
			}
		}
		id, found, err := g.sources.SourceImported(ctx, src)
		if err != nil {
			return GuardResult{}, eris.Wrap(err, "dedup: source lookup")
		}
		if found {
			return hard(id, "source already imported"), nil
		}
	}

	if strings.TrimSpace(c.Address) == "" {
		return GuardResult{Type: GuardNone}, nil
	}
	exact, err := g.lookup.FindExactAddressMatches(ctx, c.Address, c.City, c.State)
	if err != nil {
		return GuardResult{}, eris.Wrap(err, "dedup: exact address lookup")
	}
	for _, e := range inRun {
		if sameAddress(c, e) {
			exact = append(exact, e)
		}
	}
	name := geo.NormalizeName(c.Name)
	for _, e := range exact {
		if name != "" && geo.NormalizeName(e.Name) == name {
			return hard(e.ID, "same name at the same address"), nil
		}
	}
	return GuardResult{Type: GuardNone}, nil
}

func blocked(reason string) GuardResult {
	return GuardResult{IsDuplicate: true, Type: GuardBlocked, Reason: reason}
}

func hard(id, reason string) GuardResult {
	return GuardResult{IsDuplicate: true, Type: GuardHard, DuplicateID: id, Reason: reason}
}
