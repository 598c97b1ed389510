package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/resource-discovery/internal/model"
	"github.com/sells-group/resource-discovery/internal/store"
)

type fakeScans struct {
	events []model.ScanEvent
	err    error
}

func (f *fakeScans) ListScans(_ context.Context, _ store.ScanFilter) ([]model.ScanEvent, error) {
	return f.events, f.err
}

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ScanStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScansRunning))
	m.ScanFinished("completed", 3*time.Second)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ScansRunning))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScansTotal.WithLabelValues("completed")))

	m.ScanSkipped("cached")
	m.Candidate("inserted")
	m.Candidate("inserted")
	m.Match("high")
	m.Geocode("unmatched")
	m.Confidence(85)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScansTotal.WithLabelValues("cached")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CandidatesTotal.WithLabelValues("inserted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MatchesTotal.WithLabelValues("high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GeocodeTotal.WithLabelValues("unmatched")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ConfidenceScore))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ScanStarted()
		m.ScanFinished("completed", time.Second)
		m.ScanSkipped("cached")
		m.Candidate("x")
		m.Match("high")
		m.Geocode("error")
		m.Confidence(1)
	})
}

func TestCollector_Collect(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	scans := &fakeScans{events: []model.ScanEvent{
		{AreaKey: "davis-ca", Outcome: model.ScanCompleted, ResourcesFound: 4, StartedAt: now.Add(-2 * time.Hour)},
		{AreaKey: "davis-ca", Outcome: model.ScanTimedOut, ResourcesFound: 1, StartedAt: now.Add(-30 * time.Hour), Forced: true},
		{AreaKey: "woodland-ca", Outcome: model.ScanFailed, StartedAt: now.Add(-5 * time.Hour)},
		{AreaKey: "yolo-ca", Outcome: model.ScanRunning, StartedAt: now.Add(-time.Minute)},
		{AreaKey: "old-ca", Outcome: model.ScanCompleted, StartedAt: now.Add(-100 * time.Hour)},
	}}
	c := NewCollector(scans, 24*time.Hour)
	c.nowFunc = func() time.Time { return now }

	snap, err := c.Collect(context.Background(), 48)
	require.NoError(t, err)

	assert.Equal(t, 4, snap.Total)
	assert.Equal(t, 1, snap.Completed)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 1, snap.TimedOut)
	assert.Equal(t, 1, snap.Running)
	assert.Equal(t, 1, snap.Forced)
	assert.Equal(t, 5, snap.Resources)
	assert.InDelta(t, 2.0/3.0, snap.FailRate, 1e-9)

	require.Len(t, snap.Areas, 3)
	assert.Equal(t, "davis-ca", snap.Areas[0].AreaKey)
	assert.Equal(t, model.ScanCompleted, snap.Areas[0].Outcome)
	assert.Equal(t, now.Add(22*time.Hour), snap.Areas[0].NextEligibleAt)
}

func TestCollector_Error(t *testing.T) {
	c := NewCollector(&fakeScans{err: errors.New("db down")}, time.Hour)
	_, err := c.Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: list scans")
}
