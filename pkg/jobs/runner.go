package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tokenmeter/pkg/alerts"
	"github.com/platinummonkey/tokenmeter/pkg/async"
	"github.com/platinummonkey/tokenmeter/pkg/billing"
	"github.com/platinummonkey/tokenmeter/pkg/export"
	"github.com/platinummonkey/tokenmeter/pkg/observability"
	"github.com/platinummonkey/tokenmeter/pkg/plans"
	"github.com/platinummonkey/tokenmeter/pkg/subscribers"
)

// Job names, used as metric labels and log fields
const (
	JobDuplicateCleanup = "duplicate_cleanup"
	JobAlertSweep       = "alert_sweep"
	JobUsageArchive     = "usage_archive"
)

// SubscriberSource lists the subscribers the sweeps walk over
type SubscriberSource interface {
	ListBilledCustomers(ctx context.Context) ([]string, error)
	ListFixedCapTeams(ctx context.Context, planTypes []string) ([]*subscribers.Subscriber, error)
}

// AlertEvaluator runs the threshold ladder for one team
type AlertEvaluator interface {
	Evaluate(ctx context.Context, teamID int64, planType string, asOf time.Time) ([]*alerts.Alert, error)
	Notify(ctx context.Context, alerts []*alerts.Alert, used, limit int64)
}

// UsageSource provides monthly totals
type UsageSource interface {
	MonthlyTotal(ctx context.Context, ref subscribers.Ref, asOf time.Time) (int64, error)
}

// Config configures a Runner
type Config struct {
	Workers int
	// Timeout bounds a single job run and each task inside it
	Timeout time.Duration
}

// Runner executes the periodic maintenance jobs
type Runner struct {
	cfg      Config
	source   SubscriberSource
	cleaner  *billing.DuplicateCleaner
	alerts   AlertEvaluator
	usage    UsageSource
	catalog  *plans.Catalog
	archiver *export.Archiver
	metrics  *observability.Metrics
	log      *logrus.Logger
	now      func() time.Time
}

// NewRunner creates a Runner. A nil archiver disables the usage archive job.
func NewRunner(cfg Config, source SubscriberSource, cleaner *billing.DuplicateCleaner, evaluator AlertEvaluator,
	usage UsageSource, catalog *plans.Catalog, archiver *export.Archiver,
	metrics *observability.Metrics, log *logrus.Logger) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if log == nil {
		log = logrus.New()
	}
	return &Runner{
		cfg:      cfg,
		source:   source,
		cleaner:  cleaner,
		alerts:   evaluator,
		usage:    usage,
		catalog:  catalog,
		archiver: archiver,
		metrics:  metrics,
		log:      log,
		now:      time.Now,
	}
}

// Schedules holds the cron specs of each job. An empty spec disables the job.
type Schedules struct {
	DuplicateCleanup string
	AlertSweep       string
	UsageArchive     string
}

// Schedule registers every enabled job on c
func (r *Runner) Schedule(c *cron.Cron, s Schedules) error {
	jobs := []struct {
		name string
		spec string
		fn   func(context.Context) error
	}{
		{JobDuplicateCleanup, s.DuplicateCleanup, r.SweepDuplicates},
		{JobAlertSweep, s.AlertSweep, r.SweepAlerts},
		{JobUsageArchive, s.UsageArchive, r.ArchiveUsage},
	}

	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		if job.name == JobUsageArchive && r.archiver == nil {
			r.log.Info("Usage archive disabled: no bucket configured")
			continue
		}
		name, fn := job.name, job.fn
		if _, err := c.AddFunc(job.spec, func() { r.Run(context.Background(), name, fn) }); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", name, err)
		}
		r.log.WithFields(logrus.Fields{"job": name, "schedule": job.spec}).Info("Job scheduled")
	}
	return nil
}

// Run executes one job under the job timeout and records its outcome
func (r *Runner) Run(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	entry := r.log.WithField("job", name)
	entry.Info("Job started")

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if perr := observability.MustRecover(recover()); perr != nil {
				err = perr
			}
		}()
		return fn(ctx)
	}()
	elapsed := time.Since(start)
	r.metrics.RecordJob(name, err, elapsed)

	if err != nil {
		entry.WithError(err).WithField("duration", elapsed.String()).Error("Job failed")
		return err
	}
	entry.WithField("duration", elapsed.String()).Info("Job finished")
	return nil
}

// SweepDuplicates cancels duplicate active subscriptions of every billed customer
func (r *Runner) SweepDuplicates(ctx context.Context) error {
	customers, err := r.source.ListBilledCustomers(ctx)
	if err != nil {
		return err
	}

	errs := async.Batch(ctx, customers, r.cfg.Workers, JobDuplicateCleanup, r.cfg.Timeout,
		func(ctx context.Context, customerID string) error {
			_, err := r.cleaner.Cleanup(ctx, customerID)
			return err
		})
	r.log.WithFields(logrus.Fields{
		"customers": len(customers),
		"failed":    len(errs),
	}).Info("Duplicate subscription sweep complete")
	return errors.Join(errs...)
}

// SweepAlerts evaluates the alert ladder for every entitled fixed-cap team.
// It creates alerts that an interrupted consumption never got to.
func (r *Runner) SweepAlerts(ctx context.Context) error {
	fixed := r.catalog.FixedCapPlans()
	planTypes := make([]string, len(fixed))
	for i, p := range fixed {
		planTypes[i] = string(p)
	}

	teams, err := r.source.ListFixedCapTeams(ctx, planTypes)
	if err != nil {
		return err
	}

	asOf := r.now()
	var created atomic.Int64
	errs := async.Batch(ctx, teams, r.cfg.Workers, JobAlertSweep, r.cfg.Timeout,
		func(ctx context.Context, team *subscribers.Subscriber) error {
			fired, err := r.alerts.Evaluate(ctx, team.ID, team.PlanType, asOf)
			if err != nil {
				return fmt.Errorf("team %d: %w", team.ID, err)
			}
			if len(fired) == 0 {
				return nil
			}
			used, err := r.usage.MonthlyTotal(ctx, subscribers.TeamRef(team.ID), asOf)
			if err != nil {
				return fmt.Errorf("team %d: %w", team.ID, err)
			}
			r.alerts.Notify(ctx, fired, used, r.catalog.TokenLimit(team.PlanType))
			r.log.WithFields(logrus.Fields{"team_id": team.ID, "alerts": len(fired)}).Warn("Sweep created missed usage alerts")
			created.Add(int64(len(fired)))
			return nil
		})

	r.log.WithFields(logrus.Fields{
		"teams":   len(teams),
		"created": created.Load(),
		"failed":  len(errs),
	}).Info("Alert sweep complete")
	return errors.Join(errs...)
}

// ArchiveUsage writes last month's usage to the archive bucket. A month that
// is already archived is not an error.
func (r *Runner) ArchiveUsage(ctx context.Context) error {
	if r.archiver == nil {
		return nil
	}
	manifest, err := r.archiver.ArchivePreviousMonth(ctx)
	if errors.Is(err, export.ErrAlreadyArchived) {
		r.log.Info("Previous month already archived")
		return nil
	}
	if err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{
		"key":    manifest.Key,
		"events": manifest.Events,
		"tokens": manifest.Tokens,
	}).Info("Usage archived")
	return nil
}
