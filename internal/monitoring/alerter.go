package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/resource-discovery/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	// AlertScanFailureRate fires when too many finished scans failed or
	// timed out.
	AlertScanFailureRate AlertType = "scan_failure_rate"
	// AlertNoResources fires when completed scans keep finding nothing,
	// which usually means the search provider is misconfigured.
	AlertNoResources AlertType = "scan_no_resources"
)

// Alert is one webhook payload.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter checks a Snapshot against thresholds and posts alerts to a webhook.
type Alerter struct {
	cfg     config.MonitoringConfig
	client  *http.Client
	nowFunc func() time.Time
}

// NewAlerter creates an Alerter.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		nowFunc: time.Now,
	}
}

// Evaluate returns the alerts snap triggers. Nothing fires until at least
// MinFinished scans have finished in the window.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	finished := snap.Total - snap.Running
	if finished < a.minFinished() {
		return nil
	}

	var alerts []Alert
	now := a.nowFunc().UTC()

	if snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertScanFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Scan failure rate %.1f%% exceeds threshold %.1f%% (%d failed, %d timed out / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.Failed, snap.TimedOut, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.Failed,
				"timed_out":    snap.TimedOut,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if snap.Completed >= a.minFinished() && snap.Resources == 0 {
		alerts = append(alerts, Alert{
			Type:     AlertNoResources,
			Severity: "medium",
			Message: fmt.Sprintf("%d scans completed in last %dh without finding any resources",
				snap.Completed, snap.LookbackHours),
			Details: map[string]any{
				"completed": snap.Completed,
				"areas":     len(snap.Areas),
			},
			Timestamp: now,
		})
	}

	return alerts
}

func (a *Alerter) minFinished() int {
	if a.cfg.MinFinished > 0 {
		return a.cfg.MinFinished
	}
	return 5
}

// SendAlerts posts each alert to the webhook and returns how many were
// delivered. Failures are logged and skipped.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.post(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) post(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
