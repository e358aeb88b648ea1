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

	"github.com/sells-group/bookkeeper/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertReviewVolume    AlertType = "review_volume"
	AlertQueueDepth      AlertType = "queue_depth"
	AlertStaleProcessing AlertType = "stale_processing"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Manual review volume over the lookback window.
	if a.cfg.ReviewVolumeThreshold > 0 && snap.ReviewVolume > a.cfg.ReviewVolumeThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertReviewVolume,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d records entered manual review in last %dh, threshold %d",
				snap.ReviewVolume, snap.LookbackHours, a.cfg.ReviewVolumeThreshold,
			),
			Details: map[string]any{
				"review_volume": snap.ReviewVolume,
				"threshold":     a.cfg.ReviewVolumeThreshold,
			},
			Timestamp: now,
		})
	}

	// Queue backlog.
	if a.cfg.QueueDepthThreshold > 0 && snap.QueueDepth > a.cfg.QueueDepthThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertQueueDepth,
			Severity: "medium",
			Message: fmt.Sprintf(
				"extraction queue depth %d exceeds threshold %d",
				snap.QueueDepth, a.cfg.QueueDepthThreshold,
			),
			Details: map[string]any{
				"queue_depth": snap.QueueDepth,
				"threshold":   a.cfg.QueueDepthThreshold,
			},
			Timestamp: now,
		})
	}

	// Records stuck in processing. Any nonzero count means a worker
	// likely died mid-claim; the sweeper should requeue them.
	if snap.StaleProcessing > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStaleProcessing,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d record(s) stuck in processing past the stale threshold",
				snap.StaleProcessing,
			),
			Details: map[string]any{
				"stale_processing": snap.StaleProcessing,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
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

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
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
