package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/tokenmeter/pkg/async"
	"github.com/platinummonkey/tokenmeter/pkg/observability"
	"github.com/platinummonkey/tokenmeter/pkg/plans"
	"github.com/platinummonkey/tokenmeter/pkg/subscribers"
	"github.com/platinummonkey/tokenmeter/pkg/usage"
)

// UsageSource provides monthly totals
type UsageSource interface {
	MonthlyTotal(ctx context.Context, ref subscribers.Ref, asOf time.Time) (int64, error)
}

// Engine evaluates the threshold ladder for fixed-cap teams
type Engine struct {
	store        Store
	usage        UsageSource
	catalog      *plans.Catalog
	notifier     Notifier
	logger       *observability.Logger
	metrics      *observability.Metrics
	emailTimeout time.Duration
	now          func() time.Time
}

// NewEngine creates a new Engine. A nil notifier logs instead of sending.
func NewEngine(store Store, source UsageSource, catalog *plans.Catalog, notifier Notifier,
	logger *observability.Logger, metrics *observability.Metrics) *Engine {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	return &Engine{
		store:        store,
		usage:        source,
		catalog:      catalog,
		notifier:     notifier,
		logger:       logger,
		metrics:      metrics,
		emailTimeout: 30 * time.Second,
		now:          time.Now,
	}
}

// Evaluate creates the alerts a team has newly crossed this month and returns
// only those created by this call. Plans without a fixed cap never alert.
func (e *Engine) Evaluate(ctx context.Context, teamID int64, planType string, asOf time.Time) ([]*Alert, error) {
	plan, ok := e.catalog.Resolve(planType)
	if !ok || !plan.HasFixedCap() {
		return nil, nil
	}

	used, err := e.usage.MonthlyTotal(ctx, subscribers.TeamRef(teamID), asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to get monthly usage: %w", err)
	}

	pct := Percentage(used, plan.TokenLimit)
	period := usage.MonthStart(asOf)

	var created []*Alert
	for _, th := range Ladder {
		if pct < th.Percentage {
			break
		}
		alert := &Alert{
			TeamID:          teamID,
			Type:            th.Type,
			UsagePercentage: pct,
			TokensUsed:      used,
			TokensLimit:     plan.TokenLimit,
			Period:          period,
		}
		inserted, err := e.store.InsertIfAbsent(ctx, alert)
		if err != nil {
			return created, fmt.Errorf("failed to create %s alert: %w", th.Type, err)
		}
		if inserted {
			e.metrics.RecordAlert(string(th.Type))
			created = append(created, alert)
		}
	}

	if len(created) > 0 {
		e.logger.WithFields(map[string]interface{}{
			"team_id":    teamID,
			"percentage": pct,
			"created":    len(created),
		}).Info("Usage alerts created")
	}
	return created, nil
}

// Notify sends emails for alerts whose threshold asks for one. Delivery runs
// detached from ctx's cancellation and never reports back to the caller.
func (e *Engine) Notify(ctx context.Context, alerts []*Alert, used, limit int64) {
	detached := context.WithoutCancel(ctx)
	for _, alert := range alerts {
		alert := alert
		if !alert.Threshold().SendEmail {
			continue
		}
		async.SafeGo(detached, e.emailTimeout, "usage alert email", func(ctx context.Context) error {
			err := e.notifier.SendUsageAlert(ctx, alert, used, limit)
			e.metrics.RecordAlertEmail(err)
			if err != nil {
				e.logger.WithField("alert_id", alert.ID).WithError(err).Warn("Failed to send usage alert email")
				return nil
			}
			if err := e.store.MarkEmailSent(ctx, alert.ID, e.now()); err != nil {
				return fmt.Errorf("failed to mark alert %d email sent: %w", alert.ID, err)
			}
			return nil
		})
	}
}

// ActiveAlerts returns unacknowledged alerts of asOf's month, newest first
func (e *Engine) ActiveAlerts(ctx context.Context, teamID int64, asOf time.Time) ([]*Alert, error) {
	alerts, err := e.store.ListActive(ctx, teamID, usage.MonthStart(asOf))
	if err != nil {
		return nil, fmt.Errorf("failed to get active alerts: %w", err)
	}
	return alerts, nil
}

// CurrentAlert returns the highest-threshold active alert, or nil
func (e *Engine) CurrentAlert(ctx context.Context, teamID int64, asOf time.Time) (*Alert, error) {
	alerts, err := e.ActiveAlerts(ctx, teamID, asOf)
	if err != nil {
		return nil, err
	}
	var current *Alert
	for _, a := range alerts {
		if current == nil || a.Threshold().Percentage > current.Threshold().Percentage {
			current = a
		}
	}
	return current, nil
}

// Acknowledge marks an alert as seen
func (e *Engine) Acknowledge(ctx context.Context, teamID, alertID int64) error {
	return e.store.Acknowledge(ctx, teamID, alertID, e.now())
}

// MarkEmailSent records email delivery for an alert
func (e *Engine) MarkEmailSent(ctx context.Context, alertID int64) error {
	return e.store.MarkEmailSent(ctx, alertID, e.now())
}
