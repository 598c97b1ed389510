// Package dedup screens discovered resources against known ones: a cheap
// guard for hard duplicates and blocked sources, and a multi-factor detector
// for likely duplicates.
package dedup

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"

	"github.com/sells-group/resource-discovery/internal/geo"
	"github.com/sells-group/resource-discovery/internal/model"
	"github.com/sells-group/resource-discovery/internal/policy"
)

const (
	// BoxDelta is the half-width in degrees of the nearby pre-filter (~555 m).
	BoxDelta = 0.005
	// MaxDistanceMeters is the cutoff beyond which nearby records never match.
	MaxDistanceMeters = 200.0

	weightAddress  = 30.0
	weightName     = 20.0
	weightDistance = 10.0
	weightPhone    = 20.0
	weightWebsite  = 20.0
)

// Lookup is the read side of the resource store the detector and guard need.
type Lookup interface {
	// FindExactAddressMatches returns records whose address, city and state
	// equal the given values ignoring case.
	FindExactAddressMatches(ctx context.Context, address, city, state string) ([]model.ExistingResource, error)
	// FindNearby returns records whose coordinates fall inside box.
	FindNearby(ctx context.Context, box geo.BBox) ([]model.ExistingResource, error)
}

// Detector finds existing resources a candidate probably duplicates.
type Detector struct {
	lookup Lookup
}

// NewDetector creates a Detector over lookup.
func NewDetector(lookup Lookup) *Detector {
	return &Detector{lookup: lookup}
}

// DetectDuplicates returns every medium or high confidence match for c,
// sorted by score descending. inRun holds resources accepted earlier in the
// same scan; they are matched exactly like persisted ones.
func (d *Detector) DetectDuplicates(ctx context.Context, c model.CandidateResource, inRun ...model.ExistingResource) ([]model.DuplicateMatch, error) {
	byID := make(map[string]model.DuplicateMatch)

	var exact []model.ExistingResource
	if strings.TrimSpace(c.Address) != "" {
		found, err := d.lookup.FindExactAddressMatches(ctx, c.Address, c.City, c.State)
		if err != nil {
			return nil, eris.Wrap(err, "dedup: exact address lookup")
		}
		exact = found
	}
	for _, e := range inRun {
		if sameAddress(c, e) {
			exact = append(exact, e)
		}
	}
	for _, e := range exact {
		byID[e.ID] = exactMatch(c, e)
	}

	if c.HasLocation() {
		box := geo.BBoxAround(*c.Location, BoxDelta)
		nearby, err := d.lookup.FindNearby(ctx, box)
		if err != nil {
			return nil, eris.Wrap(err, "dedup: nearby lookup")
		}
		for _, e := range inRun {
			if e.Location != nil && box.Contains(*e.Location) {
				nearby = append(nearby, e)
			}
		}
		for _, e := range nearby {
			if _, seen := byID[e.ID]; seen {
				continue
			}
			if m, ok := fuzzyMatch(c, e); ok {
				byID[e.ID] = m
			}
		}
	}

	matches := make([]model.DuplicateMatch, 0, len(byID))
	for _, m := range byID {
		matches = append(matches, m)
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].MatchedID() < matches[j].MatchedID()
	})
	return matches, nil
}

// HasHighConfidence reports whether any match is high confidence, which
// marks the candidate as a potential duplicate.
func HasHighConfidence(matches []model.DuplicateMatch) bool {
	for _, m := range matches {
		if m.Confidence == model.ConfidenceHigh {
			return true
		}
	}
	return false
}

// MatchedIDs returns the matched resource IDs in order.
func MatchedIDs(matches []model.DuplicateMatch) []string {
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		if id := m.MatchedID(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// WeightedScore combines fuzzy match factors into a 0-100 score. Similarities
// are on a 0-100 scale; distance is clamped to MaxDistanceMeters.
func WeightedScore(f model.MatchFactors) float64 {
	dist := math.Min(math.Max(f.DistanceMeters, 0), MaxDistanceMeters)
	score := f.AddressSimilarity/100*weightAddress +
		f.NameSimilarity/100*weightName +
		(MaxDistanceMeters-dist)/MaxDistanceMeters*weightDistance
	if f.PhoneMatch {
		score += weightPhone
	}
	if f.WebsiteMatch {
		score += weightWebsite
	}
	return score
}

func exactMatch(c model.CandidateResource, e model.ExistingResource) model.DuplicateMatch {
	return model.DuplicateMatch{
		Score: 100,
		Factors: model.MatchFactors{
			AddressSimilarity: 100,
			NameSimilarity:    geo.StringSimilarity(c.Name, e.Name) * 100,
			DistanceMeters:    0,
			PhoneMatch:        phonesEqual(c.Phone, e.Phone),
			WebsiteMatch:      websitesEqual(c.Website, e.Website),
		},
		Confidence:      model.ConfidenceHigh,
		MatchedResource: matched(e),
	}
}

func fuzzyMatch(c model.CandidateResource, e model.ExistingResource) (model.DuplicateMatch, bool) {
	if e.Location == nil || c.Location == nil {
		return model.DuplicateMatch{}, false
	}
	dist := geo.Distance(*c.Location, *e.Location)
	if dist > MaxDistanceMeters {
		return model.DuplicateMatch{}, false
	}

	f := model.MatchFactors{
		AddressSimilarity: geo.StringSimilarity(geo.NormalizeAddress(c.Address), geo.NormalizeAddress(e.Address)) * 100,
		NameSimilarity:    geo.StringSimilarity(c.Name, e.Name) * 100,
		DistanceMeters:    dist,
		PhoneMatch:        phonesEqual(c.Phone, e.Phone),
		WebsiteMatch:      websitesEqual(c.Website, e.Website),
	}
	score := WeightedScore(f)
	conf := model.BandScore(score)
	if conf == model.ConfidenceLow {
		return model.DuplicateMatch{}, false
	}
	return model.DuplicateMatch{
		Score:           score,
		Factors:         f,
		Confidence:      conf,
		MatchedResource: matched(e),
	}, true
}

func matched(e model.ExistingResource) *model.MatchedResource {
	return &model.MatchedResource{ID: e.ID, Name: e.Name, Address: e.Address}
}

func sameAddress(c model.CandidateResource, e model.ExistingResource) bool {
	return strings.TrimSpace(c.Address) != "" &&
		strings.EqualFold(strings.TrimSpace(c.Address), strings.TrimSpace(e.Address)) &&
		strings.EqualFold(strings.TrimSpace(c.City), strings.TrimSpace(e.City)) &&
		strings.EqualFold(strings.TrimSpace(c.State), strings.TrimSpace(e.State))
}

// phonesEqual compares digits only; both sides must be present.
func phonesEqual(a, b string) bool {
	da, db := digits(a), digits(b)
	return da != "" && da == db
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	d := b.String()
	if len(d) == 11 && d[0] == '1' {
		return d[1:]
	}
	return d
}

// websitesEqual compares host and path; scheme, "www." and a trailing slash
// are ignored. Both sides must be present.
func websitesEqual(a, b string) bool {
	ka, kb := websiteKey(a), websiteKey(b)
	return ka != "" && ka == kb
}

func websiteKey(raw string) string {
	host := policy.Host(raw)
	if host == "" {
		return ""
	}
	s := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	path := ""
	if i := strings.IndexAny(s, "/?#"); i >= 0 && s[i] == '/' {
		path = s[i:]
		if j := strings.IndexAny(path, "?#"); j >= 0 {
			path = path[:j]
		}
	}
	return host + strings.TrimRight(path, "/")
}
