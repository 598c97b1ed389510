// Package scorer computes the 0-100 confidence score of a discovered resource
// and decides whether it can be published without review.
package scorer

import (
	"math"
	"strings"
	"time"

	"github.com/sells-group/resource-discovery/internal/model"
	"github.com/sells-group/resource-discovery/internal/policy"
)

// DefaultAutoApproveThreshold is the score a resource must exceed to publish
// without review.
const DefaultAutoApproveThreshold = 80

// Component weights; they sum to 100.
const (
	pointsPhone       = 15
	pointsWebsite     = 15
	pointsHours       = 10
	pointsServices    = 10
	pointsDescription = 10

	pointsTrusted     = 25
	pointsNonprofit   = 15
	pointsOtherSource = 5

	pointsPerSource    = 5
	maxCorroboration   = 15
	minDescriptionSize = 20
)

// Context carries the signals from outside the candidate record.
type Context struct {
	DiscoveryDate time.Time
	// ConfirmingSources are independent source URLs describing the same
	// resource. Duplicates and the candidate's own source are ignored.
	ConfirmingSources []string
}

// Result is a confidence score and its per-component breakdown.
type Result struct {
	Score           int                `json:"score"`
	ComponentScores map[string]float64 `json:"component_scores"`
}

// Config tunes the auto-approval gate.
type Config struct {
	AutoApproveThreshold int  `mapstructure:"auto_approve_threshold"`
	RequireTrustedSource bool `mapstructure:"require_trusted_source"`
}

// Scorer is pure: it never touches storage.
type Scorer struct {
	cfg    Config
	policy *policy.Policy
}

// New creates a Scorer. pol may be nil.
func New(cfg Config, pol *policy.Policy) *Scorer {
	if cfg.AutoApproveThreshold <= 0 {
		cfg.AutoApproveThreshold = DefaultAutoApproveThreshold
	}
	if pol == nil {
		pol = policy.New()
	}
	return &Scorer{cfg: cfg, policy: pol}
}

// CalculateConfidence scores completeness, source trust and corroboration.
func (s *Scorer) CalculateConfidence(c model.CandidateResource, sc Context) Result {
	components := map[string]float64{
		"completeness":  completeness(c),
		"source_trust":  s.sourceTrust(c.SourceURL),
		"corroboration": corroboration(c.SourceURL, sc.ConfirmingSources),
	}
	total := 0.0
	for _, v := range components {
		total += v
	}
	return Result{
		Score:           int(math.Round(math.Min(math.Max(total, 0), 100))),
		ComponentScores: components,
	}
}

// ShouldAutoApprove is true only for a score above the threshold on a
// resource that is not a potential duplicate and, when configured, comes
// from a trusted source.
func (s *Scorer) ShouldAutoApprove(score int, sourceURL string, isPotentialDuplicate bool) bool {
	if isPotentialDuplicate {
		return false
	}
	if score <= s.cfg.AutoApproveThreshold {
		return false
	}
	if s.cfg.RequireTrustedSource && !s.IsTrustedSource(sourceURL) {
		return false
	}
	return true
}

// IsTrustedSource reports whether sourceURL is on the allow-list or is a
// government host.
func (s *Scorer) IsTrustedSource(sourceURL string) bool {
	if s.policy.IsTrustedURL(sourceURL) {
		return true
	}
	return strings.HasSuffix(policy.Host(sourceURL), ".gov")
}

func (s *Scorer) sourceTrust(sourceURL string) float64 {
	host := policy.Host(sourceURL)
	switch {
	case host == "":
		return 0
	case s.IsTrustedSource(sourceURL):
		return pointsTrusted
	case strings.HasSuffix(host, ".org"), strings.HasSuffix(host, ".edu"):
		return pointsNonprofit
	default:
		return pointsOtherSource
	}
}

func completeness(c model.CandidateResource) float64 {
	var pts float64
	if strings.TrimSpace(c.Phone) != "" {
		pts += pointsPhone
	}
	if strings.TrimSpace(c.Website) != "" {
		pts += pointsWebsite
	}
	if strings.TrimSpace(c.Hours) != "" {
		pts += pointsHours
	}
	for _, svc := range c.Services {
		if strings.TrimSpace(svc) != "" {
			pts += pointsServices
			break
		}
	}
	if len(strings.TrimSpace(c.Description)) >= minDescriptionSize {
		pts += pointsDescription
	}
	return pts
}

func corroboration(own string, sources []string) float64 {
	seen := map[string]bool{}
	if h := policy.Host(own); h != "" {
		seen[h] = true
	}
	var pts float64
	for _, src := range sources {
		h := policy.Host(src)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		pts += pointsPerSource
	}
	return math.Min(pts, maxCorroboration)
}
