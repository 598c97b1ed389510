// Package search finds candidate community resources for an area using an
// external provider and returns them as loosely typed records for the
// normalizer.
package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/resource-discovery/internal/model"
	"github.com/sells-group/resource-discovery/internal/resilience"
	"github.com/sells-group/resource-discovery/pkg/google"
)

// DefaultCategories are searched when none are configured.
var DefaultCategories = []string{
	"food bank",
	"food pantry",
	"homeless shelter",
	"free clinic",
	"soup kitchen",
}

// PlacesSearcher runs one Places text search per category and merges the
// results by place ID.
type PlacesSearcher struct {
	client     google.Client
	categories []string
	maxResults int
	limiter    *rate.Limiter
	retry      resilience.RetryConfig
}

// PlacesOption configures a PlacesSearcher.
type PlacesOption func(*PlacesSearcher)

// WithCategories replaces DefaultCategories.
func WithCategories(categories ...string) PlacesOption {
	return func(s *PlacesSearcher) {
		var out []string
		for _, c := range categories {
			if c = strings.TrimSpace(c); c != "" {
				out = append(out, c)
			}
		}
		if len(out) > 0 {
			s.categories = out
		}
	}
}

// WithMaxResults caps the number of places returned per search.
func WithMaxResults(n int) PlacesOption {
	return func(s *PlacesSearcher) {
		if n > 0 {
			s.maxResults = n
		}
	}
}

// WithRateLimit sets the Places requests-per-second limit.
func WithRateLimit(rps float64) PlacesOption {
	return func(s *PlacesSearcher) {
		if rps > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithRetry overrides the retry policy for transient Places failures.
func WithRetry(cfg resilience.RetryConfig) PlacesOption {
	return func(s *PlacesSearcher) {
		s.retry = cfg
	}
}

// NewPlacesSearcher creates a PlacesSearcher.
func NewPlacesSearcher(client google.Client, opts ...PlacesOption) *PlacesSearcher {
	s := &PlacesSearcher{
		client:     client,
		categories: DefaultCategories,
		maxResults: 20,
		limiter:    rate.NewLimiter(5, 1),
		retry:      resilience.DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Search implements the discovery search provider contract. A failing
// category is logged and skipped; the search fails only when every category
// failed or the API key was rejected.
func (s *PlacesSearcher) Search(ctx context.Context, city, state string, onProgress func(string)) ([]model.RawCandidate, error) {
	log := zap.L().With(zap.String("provider", "places"), zap.String("city", city), zap.String("state", state))

	var (
		out     []model.RawCandidate
		seen    = make(map[string]bool)
		failed  int
		lastErr error
	)
	retry := s.retry
	retry.OnRetry = resilience.LogRetry("places", "text_search")

	for i, category := range s.categories {
		if len(out) >= s.maxResults {
			break
		}
		progress(onProgress, fmt.Sprintf("Searching %s (%d/%d)", category, i+1, len(s.categories)))

		if err := s.limiter.Wait(ctx); err != nil {
			return out, eris.Wrap(err, "search: places rate limit wait")
		}

		query := fmt.Sprintf("%s in %s, %s", category, city, state)
		resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*google.TextSearchResponse, error) {
			return s.client.TextSearch(ctx, query)
		})
		if err != nil {
			if resilience.IsConfiguration(err) || ctx.Err() != nil {
				return out, err
			}
			log.Warn("places search failed, skipping category", zap.String("category", category), zap.Error(err))
			failed++
			lastErr = err
			continue
		}

		for _, p := range resp.Places {
			if len(out) >= s.maxResults {
				break
			}
			key := p.ID
			if key == "" {
				key = strings.ToLower(p.DisplayName.Text + "|" + p.FormattedAddress)
			}
			if seen[key] || p.BusinessStatus == "CLOSED_PERMANENTLY" {
				continue
			}
			seen[key] = true
			out = append(out, placeToRaw(p, category))
		}
	}

	if failed > 0 && failed == len(s.categories) {
		return nil, eris.Wrap(lastErr, "search: every places query failed")
	}
	log.Info("places search complete", zap.Int("results", len(out)), zap.Int("failed_queries", failed))
	return out, nil
}

func placeToRaw(p google.Place, category string) model.RawCandidate {
	street, city, state, zip := ParseAddress(p.FormattedAddress)
	if street == "" {
		street = p.FormattedAddress
	}

	r := model.RawCandidate{
		"name":     p.DisplayName.Text,
		"address":  street,
		"services": []string{category},
	}
	setIf(r, "city", city)
	setIf(r, "state", state)
	setIf(r, "zipCode", zip)
	setIf(r, "phone", p.NationalPhoneNumber)
	setIf(r, "website", p.WebsiteURI)
	setIf(r, "description", p.EditorialSummary.Text)
	if p.Location != nil {
		r["latitude"] = p.Location.Latitude
		r["longitude"] = p.Location.Longitude
	}
	if p.RegularOpeningHours != nil && len(p.RegularOpeningHours.WeekdayDescriptions) > 0 {
		r["hours"] = strings.Join(p.RegularOpeningHours.WeekdayDescriptions, "; ")
	}
	switch {
	case p.GoogleMapsURI != "":
		r["sourceUrl"] = p.GoogleMapsURI
	case p.ID != "":
		r["sourceUrl"] = "https://www.google.com/maps/place/?q=place_id:" + p.ID
	}
	return r
}

func setIf(r model.RawCandidate, key, val string) {
	if val != "" {
		r[key] = val
	}
}

func progress(fn func(string), msg string) {
	if fn != nil {
		fn(msg)
	}
}
