package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/resource-discovery/internal/config"
	"github.com/sells-group/resource-discovery/internal/discovery"
	"github.com/sells-group/resource-discovery/internal/model"
	"github.com/sells-group/resource-discovery/internal/monitoring"
)

func TestParseAreas(t *testing.T) {
	in := `
# northern california
Sacramento, CA
Davis,ca
sacramento , ca

  Woodland , CA
`
	areas, err := parseAreas(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []area{
		{City: "Sacramento", State: "CA"},
		{City: "Davis", State: "ca"},
		{City: "Woodland", State: "CA"},
	}, areas)
}

func TestParseAreas_BadLine(t *testing.T) {
	_, err := parseAreas(strings.NewReader("Sacramento, CA\nDavis\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

type batchRunner struct {
	mu      sync.Mutex
	seen    []discovery.Trigger
	running atomic.Int32
	peak    atomic.Int32
}

func (b *batchRunner) Run(_ context.Context, trig discovery.Trigger, sink discovery.Sink) (*discovery.Summary, error) {
	n := b.running.Add(1)
	defer b.running.Add(-1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)

	b.mu.Lock()
	b.seen = append(b.seen, trig)
	b.mu.Unlock()

	_ = sink.Emit(discovery.Event{Type: discovery.EventProgress, Stage: discovery.StageInit, Message: "start"})
	switch trig.City {
	case "Davis":
		return &discovery.Summary{State: discovery.StateCached, Reason: "Area was scanned 1 hours ago"}, nil
	case "Woodland":
		err := errors.New("search failed")
		return &discovery.Summary{State: discovery.StateErrored, Message: "discovery scan failed"}, err
	default:
		return &discovery.Summary{State: discovery.StateCompleted, ResourcesFound: 2, Items: []discovery.ItemResult{
			{Status: discovery.ItemDryRun},
			{Status: discovery.ItemSkippedDuplicate},
			{Status: discovery.ItemDryRun},
			{Status: discovery.ItemRejected},
			{Status: discovery.ItemFailed},
		}}, nil
	}
}

func TestRunBatch(t *testing.T) {
	areas := []area{
		{City: "Sacramento", State: "CA"},
		{City: "Davis", State: "CA"},
		{City: "Woodland", State: "CA"},
		{City: "Dixon", State: "CA"},
	}
	runner := &batchRunner{}
	results := runBatch(context.Background(), runner, areas, true, 2)

	require.Len(t, results, 4)
	assert.LessOrEqual(t, runner.peak.Load(), int32(2))
	assert.Len(t, runner.seen, 4)
	for _, trig := range runner.seen {
		assert.True(t, trig.IsTest)
		assert.Equal(t, "cli-batch", trig.InitiatorID)
	}

	// Results keep input order.
	assert.Equal(t, "Sacramento", results[0].Area.City)
	assert.Equal(t, discovery.StateCached, results[1].Summary.State)
	assert.Error(t, results[2].Err)
	assert.Equal(t, 1, countFailed(results))

	var buf bytes.Buffer
	formatBatch(&buf, results)
	out := buf.String()
	assert.Contains(t, out, "Sacramento, CA")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "Area was scanned 1 hours ago")
	assert.Contains(t, out, "discovery scan failed")
	assert.Regexp(t, `Sacramento, CA\s+completed\s+2\s+3\s`, out)
	assert.Regexp(t, `Davis, CA\s+cached\s+0\s+0\s`, out)
}

func TestTextSink(t *testing.T) {
	var buf bytes.Buffer
	sink := textSink(&buf)
	cur, total := 2, 5
	require.NoError(t, sink.Emit(discovery.Event{Type: discovery.EventProgress, Stage: discovery.StageSearching, Message: "Searching"}))
	require.NoError(t, sink.Emit(discovery.Event{Type: discovery.EventProgress, Stage: discovery.StageProcessing, Message: "Processing", Current: &cur, Total: &total}))
	require.NoError(t, sink.Emit(discovery.Event{Type: discovery.EventComplete, ResourcesFound: 1, Samples: []discovery.Sample{
		{ID: "0123456789abcdef", Name: "Yolo Food Bank", City: "Woodland", Status: "unverified", ConfidenceScore: 70},
	}}))
	require.NoError(t, sink.Emit(discovery.Event{Type: discovery.EventError, Message: "discovery scan cancelled"}))

	assert.Equal(t, "[searching] Searching\n"+
		"[processing] Processing (2/5)\n"+
		"done: 1 resources found\n"+
		"  01234567  Yolo Food Bank, Woodland  unverified (70)\n"+
		"error: discovery scan cancelled\n", buf.String())
}

func TestFormatScans(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	done := start.Add(95 * time.Second)
	var buf bytes.Buffer
	formatScans(&buf, []model.ScanEvent{
		{ID: "aaaaaaaa-bbbb", AreaKey: "davis-ca", Outcome: model.ScanCompleted, ResourcesFound: 3, StartedAt: start, CompletedAt: &done},
		{ID: "cccccccc-dddd", AreaKey: "davis-ca", Outcome: model.ScanRunning, Forced: true, StartedAt: start},
	})
	out := buf.String()
	assert.Contains(t, out, "aaaaaaaa")
	assert.Contains(t, out, "1m35s")
	assert.Contains(t, out, "2026-03-01T12:00:00Z")
	assert.Contains(t, out, "true")
}

func TestFormatSnapshot(t *testing.T) {
	var buf bytes.Buffer
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	formatSnapshot(&buf, &monitoring.Snapshot{
		LookbackHours: 24, Total: 2, Completed: 1, Failed: 1, Resources: 4,
		Areas: []monitoring.AreaStatus{{AreaKey: "davis-ca", LastScanAt: at, Outcome: model.ScanCompleted, ResourcesFound: 4, NextEligibleAt: at.Add(24 * time.Hour)}},
	})
	out := buf.String()
	assert.Contains(t, out, "last 24h: 2 scans, 1 completed, 1 failed")
	assert.Contains(t, out, "2026-03-02T12:00:00Z")
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c := &config.Config{}
	c.Store.Driver = "sqlite"
	c.Store.DatabaseURL = filepath.Join(t.TempDir(), "discovery.db")
	c.Search.Provider = "places"
	c.Search.MaxResults = 10
	c.Search.RateLimit = 5
	c.Google.Key = "test-key"
	c.Geocode.Disabled = true
	c.Discovery.CooldownHours = 24
	c.Discovery.ScanTimeoutSecs = 60
	c.Scoring.AutoApproveThreshold = 80
	return c
}

func TestInitDiscovery(t *testing.T) {
	mr := miniredis.RunT(t)
	c := testConfig(t)
	c.Redis.Addr = mr.Addr()
	c.Redis.LockTTLSecs = 60
	c.Geocode.Disabled = false

	env, err := initDiscovery(context.Background(), c)
	require.NoError(t, err)
	defer env.Close()

	require.NoError(t, env.Store.Migrate(context.Background()))
	assert.NotNil(t, env.Orchestrator)
	assert.NotNil(t, env.Collector)
	assert.NotNil(t, env.redis)

	// The registry carries the discovery metrics and the runtime collectors.
	families, err := env.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestInitDiscovery_Errors(t *testing.T) {
	c := testConfig(t)
	c.Search.Provider = "bing"
	_, err := initDiscovery(context.Background(), c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown search provider")

	c = testConfig(t)
	c.Discovery.PolicyFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = initDiscovery(context.Background(), c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy: read")
}

func TestBuildSearcher_Claude(t *testing.T) {
	c := testConfig(t)
	c.Search.Provider = "claude"
	c.Anthropic.Key = "sk-test"
	s, err := buildSearcher(c)
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestNewAlertChecker(t *testing.T) {
	ctx := context.Background()
	var posts atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		posts.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	c := testConfig(t)
	env, err := initDiscovery(ctx, c)
	require.NoError(t, err)
	defer env.Close()
	require.NoError(t, env.Store.Migrate(ctx))

	assert.Nil(t, newAlertChecker(env, c), "no webhook, no checker")

	now := time.Now().UTC()
	for _, city := range []string{"davis", "dixon", "woodland", "winters", "esparto"} {
		id, ok, err := env.Store.StartScan(ctx, model.ScanStart{
			AreaKey: city + "-ca", InitiatorID: "test", Cutoff: now.Add(-24 * time.Hour), Now: now,
		})
		require.NoError(t, err)
		require.True(t, ok)
		_, err = env.Store.CompleteScan(ctx, id, model.ScanFailed, 0, now)
		require.NoError(t, err)
	}

	c.Monitoring.WebhookURL = hook.URL
	c.Monitoring.FailureRateThreshold = 0.5
	c.Monitoring.MinFinished = 5
	c.Monitoring.LookbackHours = 24
	checker := newAlertChecker(env, c)
	require.NotNil(t, checker)
	assert.Equal(t, 1, checker.Check(ctx, zap.NewNop()))
	assert.Equal(t, int32(1), posts.Load())
}
