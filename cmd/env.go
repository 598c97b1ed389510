package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/resource-discovery/internal/arealock"
	"github.com/sells-group/resource-discovery/internal/config"
	"github.com/sells-group/resource-discovery/internal/dedup"
	"github.com/sells-group/resource-discovery/internal/discovery"
	"github.com/sells-group/resource-discovery/internal/eligibility"
	"github.com/sells-group/resource-discovery/internal/monitoring"
	"github.com/sells-group/resource-discovery/internal/normalize"
	"github.com/sells-group/resource-discovery/internal/policy"
	"github.com/sells-group/resource-discovery/internal/resilience"
	"github.com/sells-group/resource-discovery/internal/scorer"
	"github.com/sells-group/resource-discovery/internal/store"
	"github.com/sells-group/resource-discovery/pkg/anthropic"
	"github.com/sells-group/resource-discovery/pkg/geocode"
	"github.com/sells-group/resource-discovery/pkg/google"
	"github.com/sells-group/resource-discovery/pkg/search"
)

// discoveryEnv holds everything a scan needs.
type discoveryEnv struct {
	Store        store.Store
	Orchestrator *discovery.Orchestrator
	Collector    *monitoring.Collector
	Registry     *prometheus.Registry
	redis        *redis.Client
}

// Close releases the store and the redis client.
func (e *discoveryEnv) Close() {
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			zap.L().Warn("close redis", zap.Error(err))
		}
	}
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

func openStore(ctx context.Context, c *config.Config) (store.Store, error) {
	st, err := store.Open(ctx, c.Store.Driver, c.Store.DatabaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	return st, nil
}

// initDiscovery wires the orchestrator from configuration.
func initDiscovery(ctx context.Context, c *config.Config) (*discoveryEnv, error) {
	pol, err := policy.Load(c.Discovery.PolicyFile)
	if err != nil {
		return nil, err
	}
	norm, err := normalize.New()
	if err != nil {
		return nil, err
	}
	searcher, err := buildSearcher(c)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, c)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	deps := discovery.Deps{
		Gate:       eligibility.NewGate(st, eligibility.WithCooldown(c.Discovery.Cooldown())),
		Searcher:   searcher,
		Normalizer: norm,
		Guard:      dedup.NewGuard(st, st, pol),
		Detector:   dedup.NewDetector(st),
		Scorer: scorer.New(scorer.Config{
			AutoApproveThreshold: c.Scoring.AutoApproveThreshold,
			RequireTrustedSource: c.Scoring.RequireTrustedSource,
		}, pol),
		Writer:  st,
		Metrics: monitoring.NewMetrics(reg),
	}
	if !c.Geocode.Disabled {
		deps.Geocoder = geocode.NewClient(
			geocode.WithGoogleAPIKey(c.Geocode.GoogleKey),
			geocode.WithRateLimit(c.Geocode.RateLimit),
			geocode.WithRetries(c.Geocode.Retries),
			geocode.WithCircuitBreaker(resilience.CircuitBreakerConfig{
				FailureThreshold: c.Geocode.BreakerThreshold,
				OpenFor:          c.Geocode.BreakerOpen(),
			}),
		)
	}

	env := &discoveryEnv{
		Store:     st,
		Collector: monitoring.NewCollector(st, c.Discovery.Cooldown()),
		Registry:  reg,
	}
	if c.Redis.Addr != "" {
		env.redis = redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		deps.Locker = arealock.New(env.redis, c.Redis.LockTTL())
	}

	orch, err := discovery.NewOrchestrator(deps, discovery.Config{
		ScanTimeout:         c.Discovery.ScanTimeout(),
		MaxSamples:          c.Discovery.MaxSamples,
		AbortOnPersistError: c.Discovery.AbortOnPersistError,
	})
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Orchestrator = orch

	zap.L().Debug("discovery initialized",
		zap.String("store", c.Store.Driver),
		zap.String("search", c.Search.Provider),
		zap.Bool("geocode", deps.Geocoder != nil),
		zap.Bool("area_lock", deps.Locker != nil),
	)
	return env, nil
}

// newAlertChecker returns nil when no alert webhook is configured.
func newAlertChecker(env *discoveryEnv, c *config.Config) *monitoring.Checker {
	if c.Monitoring.WebhookURL == "" {
		return nil
	}
	return monitoring.NewChecker(env.Collector, monitoring.NewAlerter(c.Monitoring), c.Monitoring)
}

func buildSearcher(c *config.Config) (discovery.Searcher, error) {
	switch c.Search.Provider {
	case "places", "":
		client := google.NewClient(c.Google.Key)
		return search.NewPlacesSearcher(client,
			search.WithCategories(c.Search.Categories...),
			search.WithMaxResults(c.Search.MaxResults),
			search.WithRateLimit(c.Search.RateLimit),
		), nil
	case "claude":
		s, err := search.NewClaudeSearcher(anthropic.NewClient(c.Anthropic.Key), c.Anthropic.Model, c.Search.MaxResults)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, eris.Errorf("unknown search provider %q", c.Search.Provider)
	}
}
