// Package model defines the records that flow through resource discovery.
package model

import (
	"strings"
	"time"

	"github.com/sells-group/resource-discovery/internal/geo"
)

// VerificationStatus is the publication state written with a discovered resource.
type VerificationStatus string

const (
	// StatusCommunityVerified resources are published without manual review.
	StatusCommunityVerified VerificationStatus = "community_verified"
	// StatusUnverified resources wait for manual review.
	StatusUnverified VerificationStatus = "unverified"
)

// RawCandidate is one loosely-typed result from a search provider. It is only
// read by the normalizer.
type RawCandidate map[string]any

// CandidateResource is a normalized, not-yet-persisted resource proposed by
// discovery. Treat it as a value: helpers return modified copies.
type CandidateResource struct {
	Name          string     `json:"name"`
	Address       string     `json:"address"`
	City          string     `json:"city"`
	State         string     `json:"state"`
	ZipCode       string     `json:"zip_code,omitempty"`
	Location      *geo.Point `json:"location,omitempty"`
	Phone         string     `json:"phone,omitempty"`
	Website       string     `json:"website,omitempty"`
	Description   string     `json:"description,omitempty"`
	Services      []string   `json:"services,omitempty"`
	Hours         string     `json:"hours,omitempty"`
	SourceURL     string     `json:"source_url,omitempty"`
	RawConfidence *float64   `json:"raw_confidence,omitempty"`
}

// HasLocation reports whether the candidate carries usable coordinates.
func (c CandidateResource) HasLocation() bool {
	return c.Location != nil
}

// WithLocation returns a copy of c positioned at p.
func (c CandidateResource) WithLocation(p geo.Point) CandidateResource {
	c.Location = &p
	c.Services = append([]string(nil), c.Services...)
	return c
}

// ExistingResource is a persisted resource as read back for comparison.
type ExistingResource struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Address   string     `json:"address"`
	City      string     `json:"city"`
	State     string     `json:"state"`
	ZipCode   string     `json:"zip_code,omitempty"`
	Location  *geo.Point `json:"location,omitempty"`
	Phone     string     `json:"phone,omitempty"`
	Website   string     `json:"website,omitempty"`
	SourceURL string     `json:"source_url,omitempty"`
}

// Decision is what the pipeline concluded about a candidate before insert.
type Decision struct {
	Status                VerificationStatus `json:"status"`
	ConfidenceScore       int                `json:"confidence_score"`
	AutoApproved          bool               `json:"auto_approved"`
	PotentialDuplicateIDs []string           `json:"potential_duplicate_ids,omitempty"`
	DiscoveredAt          time.Time          `json:"discovered_at"`
	ScanEventID           string             `json:"scan_event_id,omitempty"`
}

// AsExisting returns the view of an inserted candidate used by in-run
// duplicate detection.
func (c CandidateResource) AsExisting(id string) ExistingResource {
	return ExistingResource{
		ID:        id,
		Name:      c.Name,
		Address:   c.Address,
		City:      c.City,
		State:     c.State,
		ZipCode:   c.ZipCode,
		Location:  c.Location,
		Phone:     c.Phone,
		Website:   c.Website,
		SourceURL: c.SourceURL,
	}
}

// AreaKey normalizes a city and state into the key used for scan
// eligibility: lower-cased, trimmed and hyphen-joined.
func AreaKey(city, state string) string {
	c := strings.Join(strings.Fields(strings.ToLower(city)), " ")
	s := strings.Join(strings.Fields(strings.ToLower(state)), " ")
	return c + "-" + s
}
