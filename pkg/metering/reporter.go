package metering

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/tokenmeter/pkg/observability"
	"github.com/platinummonkey/tokenmeter/pkg/retry"
)

// Reporter sends meter events with bounded retries. Reporting never fails the caller.
type Reporter struct {
	gateway   Gateway
	policy    retry.Policy
	eventName string
	logger    *observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// ReporterConfig configures a Reporter
type ReporterConfig struct {
	EventName string
	Policy    retry.Policy
}

// DefaultReporterConfig returns three attempts at 1s, 2s
func DefaultReporterConfig() ReporterConfig {
	return ReporterConfig{
		EventName: DefaultEventName,
		Policy:    retry.DefaultPolicy(),
	}
}

// NewReporter creates a new Reporter
func NewReporter(gateway Gateway, cfg ReporterConfig, logger *observability.Logger, metrics *observability.Metrics) *Reporter {
	if cfg.EventName == "" {
		cfg.EventName = DefaultEventName
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = retry.DefaultPolicy()
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Reporter{
		gateway:   gateway,
		policy:    cfg.Policy,
		eventName: cfg.EventName,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// EventName returns the configured meter event name
func (r *Reporter) EventName() string {
	return r.eventName
}

// Report sends one meter event. It returns the processor's event id and
// whether the report went through; failures are logged, never returned.
func (r *Reporter) Report(ctx context.Context, eventName, customerID string, value int64, idempotencyKey string) (string, bool) {
	if eventName == "" {
		eventName = r.eventName
	}

	ctx, span := otel.Tracer("tokenmeter/metering").Start(ctx, "metering.Report")
	defer span.End()
	span.SetAttributes(
		attribute.String("meter.event_name", eventName),
		attribute.Int64("meter.value", value),
	)

	event := MeterEvent{
		EventName:  eventName,
		CustomerID: customerID,
		Value:      value,
		Identifier: idempotencyKey,
		Timestamp:  r.now(),
	}

	attempts := 0
	id, err := retry.Do(ctx, r.policy, IsRetryable, func(ctx context.Context) (string, error) {
		attempts++
		id, err := r.gateway.CreateMeterEvent(ctx, event)
		if err != nil && attempts < r.policy.MaxAttempts && IsRetryable(err) {
			r.logger.WithFields(map[string]interface{}{
				"attempt":        attempts,
				"classification": string(Classify(err)),
				"identifier":     idempotencyKey,
			}).WithError(err).Warn("Meter event report failed, retrying")
		}
		return id, err
	})
	span.SetAttributes(attribute.Int("meter.attempts", attempts))

	if err != nil {
		class := Classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(class))
		r.metrics.RecordMeterReport("failed_"+string(class), attempts)
		r.logger.WithFields(map[string]interface{}{
			"operation":      "meter_report",
			"attempts":       attempts,
			"classification": string(class),
			"identifier":     idempotencyKey,
			"customer_id":    customerID,
		}).WithError(err).Error("Failed to report meter event")
		return "", false
	}

	r.metrics.RecordMeterReport("reported", attempts)
	return id, true
}
