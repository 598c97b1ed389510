// Package geocode provides address geocoding via Census Geocoder (primary) and Google (fallback).
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/resource-discovery/internal/resilience"
)

// Client geocodes addresses using Census Geocoder (primary) and Google (fallback).
type Client interface {
	// Geocode geocodes a single address. An address no provider can place
	// returns an unmatched Result and no error.
	Geocode(ctx context.Context, addr AddressInput) (*Result, error)
}

// AddressInput represents an address to geocode.
type AddressInput struct {
	Street  string
	City    string
	State   string
	ZipCode string
}

// Result holds the geocoding output for an address.
type Result struct {
	Latitude  float64
	Longitude float64
	Source    string // "census" or "google"
	Quality   string // "rooftop", "range", "centroid", "approximate"
	Matched   bool
}

// Option configures the geocoder.
type Option func(*geocoder)

// WithGoogleAPIKey enables Google Geocoding API as a fallback.
func WithGoogleAPIKey(key string) Option {
	return func(g *geocoder) {
		g.googleKey = key
	}
}

// WithHTTPClient sets a custom HTTP client for both Census and Google requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(g *geocoder) {
		g.httpClient = hc
	}
}

// WithRateLimit sets the requests-per-second rate limit shared by both providers.
func WithRateLimit(rps float64) Option {
	return func(g *geocoder) {
		if rps <= 0 {
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetries sets how many times a transient provider failure is retried.
func WithRetries(n int) Option {
	return func(g *geocoder) {
		if n >= 0 {
			g.retry.MaxAttempts = n + 1
		}
	}
}

// WithCircuitBreaker sets the breaker applied to each provider separately.
// A provider whose breaker is open is skipped without a request.
func WithCircuitBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(g *geocoder) {
		g.breaker = cfg
	}
}

// WithBaseURLs points the client at alternate Census and Google endpoints.
// Empty values keep the defaults.
func WithBaseURLs(census, google string) Option {
	return func(g *geocoder) {
		if census != "" {
			g.censusURL = census
		}
		if google != "" {
			g.googleURL = google
		}
	}
}

// provider is one geocoding backend behind its own breaker.
type provider struct {
	name    string
	breaker *resilience.CircuitBreaker
	lookup  func(context.Context, AddressInput) (*Result, error)
}

type geocoder struct {
	httpClient *http.Client
	googleKey  string
	limiter    *rate.Limiter
	retry      resilience.RetryConfig
	breaker    resilience.CircuitBreakerConfig
	censusURL  string
	googleURL  string

	providers []provider
}

// NewClient creates a new geocoding Client with the given options.
func NewClient(opts ...Option) Client {
	g := &geocoder{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(10, 10),
		retry:      resilience.DefaultRetryConfig(),
		breaker:    resilience.DefaultCircuitBreakerConfig(),
		censusURL:  censusOneLineURL,
		googleURL:  googleGeocodeURL,
	}
	for _, opt := range opts {
		opt(g)
	}

	g.providers = append(g.providers, g.newProvider("census", g.geocodeCensus))
	if g.googleKey != "" {
		g.providers = append(g.providers, g.newProvider("google", g.geocodeGoogle))
	}
	return g
}

func (g *geocoder) newProvider(name string, lookup func(context.Context, AddressInput) (*Result, error)) provider {
	cfg := g.breaker
	onChange := cfg.OnStateChange
	cfg.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("geocode: provider circuit changed",
			zap.String("provider", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
		if onChange != nil {
			onChange(from, to)
		}
	}
	return provider{name: name, breaker: resilience.NewCircuitBreaker(cfg), lookup: lookup}
}

// Geocode asks each provider in order and returns the first match. Errors
// are returned only when every configured provider failed.
func (g *geocoder) Geocode(ctx context.Context, addr AddressInput) (*Result, error) {
	var errs []error
	answered := false
	for _, p := range g.providers {
		res, err := g.call(ctx, p, addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if res.Matched {
			return res, nil
		}
		answered = true
	}
	if !answered && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &Result{Matched: false}, nil
}

// call runs one provider's retry sequence inside its breaker, so an
// exhausted retry budget counts as a single failure.
func (g *geocoder) call(ctx context.Context, p provider, addr AddressInput) (*Result, error) {
	cfg := g.retry
	cfg.OnRetry = resilience.LogRetry(p.name, "geocode")
	res, err := resilience.ExecuteVal(ctx, p.breaker, func(ctx context.Context) (*Result, error) {
		return resilience.DoVal(ctx, cfg, func(ctx context.Context) (*Result, error) {
			return p.lookup(ctx, addr)
		})
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, eris.Wrapf(err, "geocode: %s skipped", p.name)
	}
	return res, err
}

// getJSON waits on the shared limiter, issues a GET and decodes a 200
// response into out. Network failures and 429/5xx are transient.
func (g *geocoder) getJSON(ctx context.Context, name, endpoint string, params url.Values, out any) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return eris.Wrapf(err, "geocode: %s rate limit", name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return eris.Wrapf(err, "geocode: %s build request", name)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrapf(err, "geocode: %s request", name), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("geocode: %s returned status %d", name, resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return eris.Wrapf(err, "geocode: %s parse response", name)
	}
	return nil
}
