package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/resource-discovery/internal/config"
	"github.com/sells-group/resource-discovery/internal/model"
)

func testAlerter(webhook string) *Alerter {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL:           webhook,
		FailureRateThreshold: 0.5,
		MinFinished:          4,
		LookbackHours:        24,
	})
	a.nowFunc = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return a
}

func TestAlerter_Evaluate(t *testing.T) {
	tests := []struct {
		name string
		snap Snapshot
		want []AlertType
	}{
		{
			name: "healthy",
			snap: Snapshot{Total: 6, Completed: 5, Failed: 1, Resources: 40, FailRate: 1.0 / 6},
		},
		{
			name: "too few finished scans",
			snap: Snapshot{Total: 5, Running: 2, Failed: 3, FailRate: 1},
		},
		{
			name: "failures and timeouts over threshold",
			snap: Snapshot{Total: 5, Completed: 1, Failed: 2, TimedOut: 2, Resources: 3, FailRate: 0.8},
			want: []AlertType{AlertScanFailureRate},
		},
		{
			name: "rate at threshold does not fire",
			snap: Snapshot{Total: 4, Completed: 2, Failed: 2, Resources: 3, FailRate: 0.5},
		},
		{
			name: "completed scans found nothing",
			snap: Snapshot{Total: 4, Completed: 4},
			want: []AlertType{AlertNoResources},
		},
		{
			name: "both",
			snap: Snapshot{Total: 12, Completed: 4, Failed: 8, FailRate: 8.0 / 12},
			want: []AlertType{AlertScanFailureRate, AlertNoResources},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := tt.snap
			snap.LookbackHours = 24
			alerts := testAlerter("").Evaluate(&snap)

			var got []AlertType
			for _, a := range alerts {
				got = append(got, a.Type)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAlerter_FailureRateMessage(t *testing.T) {
	snap := &Snapshot{Total: 5, Completed: 1, Failed: 2, TimedOut: 2, Resources: 3, FailRate: 0.8, LookbackHours: 24}
	alerts := testAlerter("").Evaluate(snap)
	require.Len(t, alerts, 1)

	a := alerts[0]
	assert.Equal(t, "high", a.Severity)
	assert.Equal(t, "Scan failure rate 80.0% exceeds threshold 50.0% (2 failed, 2 timed out / 5 finished in last 24h)", a.Message)
	assert.Equal(t, 2, a.Details["timed_out"])
	assert.Equal(t, 5, a.Details["finished"])
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), a.Timestamp)
}

// webhookRecorder collects posted alerts and fails the first failFirst posts.
type webhookRecorder struct {
	mu        sync.Mutex
	alerts    []Alert
	failFirst int
}

func (w *webhookRecorder) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failFirst > 0 {
		w.failFirst--
		rw.WriteHeader(http.StatusBadGateway)
		return
	}
	var a Alert
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil || r.Header.Get("Content-Type") != "application/json" {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}
	w.alerts = append(w.alerts, a)
	rw.WriteHeader(http.StatusOK)
}

func TestAlerter_SendAlerts(t *testing.T) {
	rec := &webhookRecorder{failFirst: 1}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	alerts := []Alert{
		{Type: AlertScanFailureRate, Severity: "high", Message: "first"},
		{Type: AlertNoResources, Severity: "medium", Message: "second"},
	}
	sent := testAlerter(srv.URL).SendAlerts(context.Background(), alerts)

	assert.Equal(t, 1, sent, "a rejected post is skipped")
	require.Len(t, rec.alerts, 1)
	assert.Equal(t, AlertNoResources, rec.alerts[0].Type)
	assert.Equal(t, "second", rec.alerts[0].Message)
}

func TestAlerter_SendAlerts_NoWebhook(t *testing.T) {
	assert.Zero(t, testAlerter("").SendAlerts(context.Background(), []Alert{{Type: AlertNoResources}}))
}

func failedScans(n int, at time.Time) []model.ScanEvent {
	events := make([]model.ScanEvent, n)
	for i := range events {
		done := at.Add(time.Minute)
		events[i] = model.ScanEvent{
			ID:          string(rune('a' + i)),
			AreaKey:     "davis-ca",
			Outcome:     model.ScanFailed,
			StartedAt:   at.Add(time.Duration(i) * time.Minute),
			CompletedAt: &done,
		}
	}
	return events
}

func TestChecker_Check(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	a := testAlerter(srv.URL)
	col := NewCollector(&fakeScans{events: failedScans(4, now.Add(-2*time.Hour))}, 24*time.Hour)
	col.nowFunc = func() time.Time { return now }
	c := NewChecker(col, a, config.MonitoringConfig{LookbackHours: 24})

	assert.Equal(t, 1, c.Check(context.Background(), zap.NewNop()))
	require.Len(t, rec.alerts, 1)
	assert.Equal(t, AlertScanFailureRate, rec.alerts[0].Type)
}

func TestChecker_CheckCollectError(t *testing.T) {
	col := NewCollector(&fakeScans{err: errors.New("db down")}, time.Hour)
	c := NewChecker(col, testAlerter("http://127.0.0.1:0"), config.MonitoringConfig{LookbackHours: 24})
	assert.Zero(t, c.Check(context.Background(), zap.NewNop()))
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	col := NewCollector(&fakeScans{}, time.Hour)
	c := NewChecker(col, testAlerter(""), config.MonitoringConfig{CheckIntervalSecs: 3600})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("checker did not stop")
	}
}
