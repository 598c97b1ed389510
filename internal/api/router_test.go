package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/resource-discovery/internal/discovery"
	"github.com/sells-group/resource-discovery/internal/monitoring"
)

type fakeRunner struct {
	got    discovery.Trigger
	calls  int
	events []discovery.Event
	sum    *discovery.Summary
	err    error
}

func (f *fakeRunner) Run(_ context.Context, trig discovery.Trigger, sink discovery.Sink) (*discovery.Summary, error) {
	f.calls++
	f.got = trig
	for _, e := range f.events {
		if err := sink.Emit(e); err != nil {
			return nil, err
		}
	}
	return f.sum, f.err
}

type fakeCollector struct {
	hours int
	snap  *monitoring.Snapshot
	err   error
}

func (f *fakeCollector) Collect(_ context.Context, hours int) (*monitoring.Snapshot, error) {
	f.hours = hours
	return f.snap, f.err
}

func post(t *testing.T, h http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/discovery/scan", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func intp(n int) *int { return &n }

func TestScan_StreamsNDJSON(t *testing.T) {
	runner := &fakeRunner{
		events: []discovery.Event{
			{Type: discovery.EventProgress, Stage: discovery.StageInit, Message: "Starting discovery for Davis, CA"},
			{Type: discovery.EventProgress, Stage: discovery.StageProcessing, Message: "Processing", Current: intp(1), Total: intp(2)},
			{Type: discovery.EventComplete, ResourcesFound: 1, Samples: []discovery.Sample{{ID: "r1", Name: "Pantry"}}},
		},
		sum: &discovery.Summary{State: discovery.StateCompleted, ResourcesFound: 1},
	}
	h := NewRouter(Options{Runner: runner})

	rec := post(t, h, `{"city":"Davis","state":"ca","isTest":true}`, map[string]string{"X-Initiator-Id": "user-7"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	assert.True(t, rec.Flushed)

	var lines []map[string]any
	sc := bufio.NewScanner(rec.Body)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 3)
	assert.Equal(t, "progress", lines[0]["type"])
	assert.Equal(t, "init", lines[0]["stage"])
	assert.InDelta(t, 2, lines[1]["total"], 0)
	assert.Equal(t, "complete", lines[2]["type"])
	assert.InDelta(t, 1, lines[2]["resourcesFound"], 0)

	assert.Equal(t, "Davis", runner.got.City)
	assert.True(t, runner.got.IsTest)
	assert.False(t, runner.got.Force)
	assert.Equal(t, "user-7", runner.got.InitiatorID)
}

func TestScan_Cached(t *testing.T) {
	runner := &fakeRunner{sum: &discovery.Summary{State: discovery.StateCached, Reason: "Area was scanned 2 hours ago"}}
	h := NewRouter(Options{Runner: runner})

	rec := post(t, h, `{"city":"Davis","state":"CA"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"cached","reason":"Area was scanned 2 hours ago","resourcesFound":0}`, rec.Body.String())
	assert.Equal(t, "api", runner.got.InitiatorID)
}

func TestScan_FailureBeforeAnyEvent(t *testing.T) {
	runner := &fakeRunner{sum: &discovery.Summary{State: discovery.StateErrored}, err: errors.New("boom")}
	rec := post(t, NewRouter(Options{Runner: runner}), `{"city":"Davis","state":"CA"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "discovery scan failed")
}

func TestScan_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"not json", `{city`, "invalid request body"},
		{"missing city", `{"state":"CA"}`, "city is required"},
		{"short state", `{"city":"Davis","state":"C"}`, "state must be at least 2 characters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			rec := post(t, NewRouter(Options{Runner: runner}), tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
			assert.Zero(t, runner.calls)
		})
	}
}

func TestScan_ForceAuthorization(t *testing.T) {
	body := `{"city":"Davis","state":"CA","force":true}`
	ok := &discovery.Summary{State: discovery.StateCompleted}
	done := []discovery.Event{{Type: discovery.EventComplete}}

	t.Run("no token configured", func(t *testing.T) {
		runner := &fakeRunner{sum: ok, events: done}
		rec := post(t, NewRouter(Options{Runner: runner}), body, map[string]string{tokenHeader: "anything"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Zero(t, runner.calls)
	})
	t.Run("wrong token", func(t *testing.T) {
		runner := &fakeRunner{sum: ok, events: done}
		rec := post(t, NewRouter(Options{Runner: runner, APIToken: "secret"}), body, map[string]string{tokenHeader: "nope"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Zero(t, runner.calls)
	})
	t.Run("valid token", func(t *testing.T) {
		runner := &fakeRunner{sum: ok, events: done}
		rec := post(t, NewRouter(Options{Runner: runner, APIToken: "secret"}), body, map[string]string{tokenHeader: "secret"})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, runner.got.Force)
	})
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := monitoring.NewMetrics(reg)
	m.ScanStarted()
	h := NewRouter(Options{Runner: &fakeRunner{}, Gatherer: reg})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "resource_discovery_scans_running 1")
}

func TestStatus(t *testing.T) {
	col := &fakeCollector{snap: &monitoring.Snapshot{Total: 3, Completed: 2, Failed: 1}}
	h := NewRouter(Options{Runner: &fakeRunner{}, Status: col})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/discovery/status?hours=48", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 48, col.hours)
	assert.Contains(t, rec.Body.String(), `"completed":2`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/discovery/status?hours=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	col.err = errors.New("db down")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/discovery/status", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 24, col.hours)
}

func TestCORSPreflight(t *testing.T) {
	h := NewRouter(Options{Runner: &fakeRunner{}, CORSOrigins: []string{"https://app.example.org"}})
	req := httptest.NewRequest(http.MethodOptions, "/api/discovery/scan", nil)
	req.Header.Set("Origin", "https://app.example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example.org", rec.Header().Get("Access-Control-Allow-Origin"))
}
