package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/tokenmeter/pkg/alerts"
	"github.com/platinummonkey/tokenmeter/pkg/observability"
	"github.com/platinummonkey/tokenmeter/pkg/retry"
)

// Config holds the chat webhooks a Notifier posts to
type Config struct {
	SlackURL string
	TeamsURL string
	Timeout  time.Duration
	Retry    retry.Policy
}

// Enabled reports whether any webhook is configured
func (c Config) Enabled() bool {
	return c.SlackURL != "" || c.TeamsURL != ""
}

// Notifier posts usage alerts to Slack and Teams incoming webhooks. It
// satisfies alerts.Notifier.
type Notifier struct {
	config Config
	client *http.Client
	logger *observability.Logger
}

var _ alerts.Notifier = (*Notifier)(nil)

// NewNotifier creates a Notifier. Outgoing requests are traced.
func NewNotifier(config Config, logger *observability.Logger) *Notifier {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Notifier{
		config: config,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// SendUsageAlert delivers the alert to every configured webhook. A failed
// channel does not stop the others.
func (n *Notifier) SendUsageAlert(ctx context.Context, alert *alerts.Alert, used, limit int64) error {
	var errs []error

	if n.config.SlackURL != "" {
		if err := n.post(ctx, n.config.SlackURL, FormatSlackMessage(alert, used, limit)); err != nil {
			errs = append(errs, fmt.Errorf("slack: %w", err))
		}
	}
	if n.config.TeamsURL != "" {
		if err := n.post(ctx, n.config.TeamsURL, FormatTeamsMessage(alert, used, limit)); err != nil {
			errs = append(errs, fmt.Errorf("teams: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	n.logger.WithFields(map[string]interface{}{
		"team_id":    alert.TeamID,
		"alert_type": string(alert.Type),
	}).Info("Usage alert delivered")
	return nil
}

func (n *Notifier) post(ctx context.Context, url string, payload interface{}) error {
	_, err := retry.Do(ctx, n.config.Retry, isRetryable, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, sendJSON(ctx, n.client, url, payload)
	})
	return err
}

func isRetryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return true
}

// NewAlertNotifier returns a Notifier when a webhook is configured and an
// alerts.LogNotifier otherwise
func NewAlertNotifier(config Config, logger *observability.Logger) alerts.Notifier {
	if !config.Enabled() {
		return alerts.NewLogNotifier(logger)
	}
	return NewNotifier(config, logger)
}
