package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Alert struct {
	Kind      string `json:"kind"`
	Severity  string `json:"severity"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// DataLossEvent describes samples the write-behind gateway discarded.
type DataLossEvent struct {
	Dropped   int
	Reason    string
	Buffered  int
	LastError string
	At        time.Time
}

type DataLossAlerter interface {
	DataLoss(ctx context.Context, event DataLossEvent) error
}

func dataLossAlert(event DataLossEvent) Alert {
	severity := "warn"
	if event.Reason == "shutdown" || event.Dropped >= 100 {
		severity = "critical"
	}

	message := fmt.Sprintf(
		"%d telemetry samples were not persisted (%s). %d still buffered.",
		event.Dropped,
		event.Reason,
		event.Buffered,
	)
	if event.LastError != "" {
		message += " Last store error: " + event.LastError
	}

	return Alert{
		Kind:      "alert",
		Severity:  severity,
		Title:     "Telemetry samples dropped",
		Message:   trimToLength(message, 180),
		Timestamp: event.At.UnixMilli(),
	}
}

type logAlerter struct {
	logger *zap.Logger
}

func NewLogAlerter(logger *zap.Logger) DataLossAlerter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &logAlerter{logger: logger}
}

func (alerter *logAlerter) DataLoss(_ context.Context, event DataLossEvent) error {
	alerter.logger.Error(
		"persistence data loss",
		zap.Int("dropped", event.Dropped),
		zap.String("reason", event.Reason),
		zap.Int("buffered", event.Buffered),
		zap.String("last_error", event.LastError),
	)
	return nil
}

// WebhookAlerter posts data-loss alerts as JSON to an HTTP endpoint.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

func NewWebhookAlerter(url string) (*WebhookAlerter, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return nil, errors.New("webhook alerter: empty url")
	}
	return &WebhookAlerter{
		url:    trimmed,
		client: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (alerter *WebhookAlerter) DataLoss(ctx context.Context, event DataLossEvent) error {
	body, err := json.Marshal(dataLossAlert(event))
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, alerter.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := alerter.client.Do(request)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusMultipleChoices {
		responseBody, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("webhook status %d: %s", response.StatusCode, strings.TrimSpace(string(responseBody)))
	}
	return nil
}

type multiAlerter struct {
	alerters []DataLossAlerter
}

// NewMultiAlerter notifies every non-nil alerter and joins their errors.
func NewMultiAlerter(alerters ...DataLossAlerter) DataLossAlerter {
	filtered := make([]DataLossAlerter, 0, len(alerters))
	for _, alerter := range alerters {
		if alerter != nil {
			filtered = append(filtered, alerter)
		}
	}
	return &multiAlerter{alerters: filtered}
}

func (alerter *multiAlerter) DataLoss(ctx context.Context, event DataLossEvent) error {
	var errs []error
	for _, next := range alerter.alerters {
		if err := next.DataLoss(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func trimToLength(input string, maxLength int) string {
	if len(input) <= maxLength {
		return input
	}
	return strings.TrimSpace(input[:maxLength])
}
