// Package obs implements the Observability surface: alert fan-out
// to on-call channels, the stuck-entity scanner, and health-detail
// aggregation layered on top of internal/health. The webhook fan-out and
// best-effort-async delivery pattern follow a fire-and-forget
// fireAlertWebhook style: never block the caller on delivery.
package obs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Severity classifies an alert for routing and paging thresholds.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical" // pages on-call: invariant violations always route here
)

// Alert is one fired observability event.
type Alert struct {
	Severity  Severity       `json:"severity"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Sink delivers an Alert somewhere: a chat webhook, a pager, a log line.
type Sink interface {
	Send(ctx context.Context, alert Alert) error
}

// WebhookSink posts the alert JSON to a fixed URL (Slack/PagerDuty-style
// incoming webhook), best-effort:
// fire-and-forget with a short client timeout, never blocking the caller on
// delivery failure.
type WebhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{url: url, client: &http.Client{Timeout: 5 * time.Second}}
}

func (w *WebhookSink) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("obs: marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("obs: build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("obs: deliver alert: %w", err)
	}
	defer resp.Body.Close()
	return nil
}

// LogSink writes the alert through structured logging — always registered
// alongside any webhook sink so alerts survive even if every webhook is
// unreachable.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink { return &LogSink{logger: logger} }

func (l *LogSink) Send(_ context.Context, alert Alert) error {
	level := slog.LevelWarn
	if alert.Severity == SeverityCritical {
		level = slog.LevelError
	} else if alert.Severity == SeverityInfo {
		level = slog.LevelInfo
	}
	l.logger.Log(context.Background(), level, alert.Message, "code", alert.Code, "severity", alert.Severity, "context", alert.Context)
	return nil
}

// Fanout delivers one alert to every registered sink, concurrently and
// best-effort: a failing sink never blocks or drops delivery to the others.
type Fanout struct {
	sinks  []Sink
	logger *slog.Logger
}

func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, logger: logger}
}

func (f *Fanout) Fire(ctx context.Context, alert Alert) {
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	for _, sink := range f.sinks {
		go func(s Sink) {
			if err := s.Send(ctx, alert); err != nil {
				f.logger.Warn("obs: alert delivery failed", "code", alert.Code, "error", err)
			}
		}(sink)
	}
}

// InvariantViolation is a convenience constructor: every merr.InvariantViolation
// surfaced anywhere in the money path should be fired through here, since
// spec treats these as always-critical/always-paging.
func InvariantViolation(code, message string, context map[string]any) Alert {
	return Alert{Severity: SeverityCritical, Code: code, Message: message, Context: context}
}
