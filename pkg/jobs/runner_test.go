package jobs

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tokenmeter/pkg/alerts"
	"github.com/platinummonkey/tokenmeter/pkg/billing"
	"github.com/platinummonkey/tokenmeter/pkg/export"
	"github.com/platinummonkey/tokenmeter/pkg/observability"
	"github.com/platinummonkey/tokenmeter/pkg/plans"
	"github.com/platinummonkey/tokenmeter/pkg/stripe"
	"github.com/platinummonkey/tokenmeter/pkg/subscribers"
	"github.com/platinummonkey/tokenmeter/pkg/usage"
)

const starterCatalog = `
plans:
  - type: starter
    name: Starter
    token_limit: 1000
    scope: team
    price_cents: 900
    billing_period: month
`

type fakeProcessor struct {
	mu       sync.Mutex
	subs     map[string][]*stripe.Subscription
	canceled []string
	listErr  error
}

func (f *fakeProcessor) ListSubscriptions(_ context.Context, customerID, _ string) ([]*stripe.Subscription, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*stripe.Subscription
	for _, s := range f.subs[customerID] {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeProcessor) CancelSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, id)
	return &stripe.Subscription{ID: id, Status: "canceled"}, nil
}

type memoryObjects struct {
	mu   sync.Mutex
	keys map[string][]byte
}

func (m *memoryObjects) PutObject(_ context.Context, key string, data []byte, _ string, _ map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = data
	return nil
}

func (m *memoryObjects) ObjectExists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[key]
	return ok, nil
}

func (m *memoryObjects) HealthCheck(context.Context) error { return nil }

type fixture struct {
	runner    *Runner
	store     *subscribers.MemoryStore
	ledger    *usage.MemoryLedger
	processor *fakeProcessor
	alerts    *alerts.MemoryStore
	objects   *memoryObjects
	metrics   *observability.Metrics
	clock     time.Time
}

func quietLogrus() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newFixture(t *testing.T, withArchive bool) *fixture {
	t.Helper()
	catalog, err := plans.ParseCatalog([]byte(starterCatalog))
	require.NoError(t, err)

	f := &fixture{
		store:     subscribers.NewMemoryStore(),
		processor: &fakeProcessor{subs: map[string][]*stripe.Subscription{}},
		alerts:    alerts.NewMemoryStore(),
		objects:   &memoryObjects{keys: map[string][]byte{}},
		metrics:   observability.NewMetrics(prometheus.NewRegistry()),
		clock:     time.Now().UTC(),
	}
	f.ledger = usage.NewMemoryLedger(func() time.Time { return f.clock })

	quiet := observability.NewLogger(observability.ErrorLevel, io.Discard)
	engine := alerts.NewEngine(f.alerts, f.ledger, catalog, nil, quiet, f.metrics)

	var archiver *export.Archiver
	if withArchive {
		archiver = export.NewArchiver(f.ledger, f.objects, "usage", quiet)
	}

	f.runner = NewRunner(Config{Workers: 2, Timeout: 5 * time.Second}, f.store,
		billing.NewDuplicateCleaner(f.processor, quietLogrus()), engine, f.ledger,
		catalog, archiver, f.metrics, quietLogrus())
	f.runner.now = func() time.Time { return f.clock }
	return f
}

func TestSweepDuplicates(t *testing.T) {
	f := newFixture(t, false)
	f.store.PutUser(&subscribers.Subscriber{Ref: subscribers.UserRef(1), StripeCustomerID: "cus_a", StripeSubscriptionID: "sub_new"})
	f.store.PutTeam(&subscribers.Subscriber{Ref: subscribers.TeamRef(2), StripeCustomerID: "cus_b", StripeSubscriptionID: "sub_b"})
	f.processor.subs["cus_a"] = []*stripe.Subscription{
		{ID: "sub_old", Customer: "cus_a", Status: "active", Created: 100},
		{ID: "sub_new", Customer: "cus_a", Status: "active", Created: 200},
		{ID: "sub_mid", Customer: "cus_a", Status: "active", Created: 150},
	}
	f.processor.subs["cus_b"] = []*stripe.Subscription{
		{ID: "sub_b", Customer: "cus_b", Status: "active", Created: 100},
	}

	require.NoError(t, f.runner.SweepDuplicates(context.Background()))
	assert.ElementsMatch(t, []string{"sub_old", "sub_mid"}, f.processor.canceled)
}

func TestSweepDuplicates_Failure(t *testing.T) {
	f := newFixture(t, false)
	f.store.PutUser(&subscribers.Subscriber{Ref: subscribers.UserRef(1), StripeCustomerID: "cus_a", StripeSubscriptionID: "sub_a"})
	f.processor.listErr = errors.New("processor down")

	err := f.runner.SweepDuplicates(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "processor down")
}

func TestSweepAlerts(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	f.store.PutTeam(&subscribers.Subscriber{Ref: subscribers.TeamRef(7), PlanType: "starter", Status: subscribers.StatusActive})
	f.store.PutTeam(&subscribers.Subscriber{Ref: subscribers.TeamRef(8), PlanType: "starter", Status: subscribers.StatusCanceled})
	team := int64(7)
	other := int64(8)
	_, err := f.ledger.Record(ctx, usage.RecordRequest{UserID: 1, TeamID: &team, Tokens: 960, Action: "chat"})
	require.NoError(t, err)
	_, err = f.ledger.Record(ctx, usage.RecordRequest{UserID: 2, TeamID: &other, Tokens: 999, Action: "chat"})
	require.NoError(t, err)

	require.NoError(t, f.runner.SweepAlerts(ctx))

	active, err := f.alerts.ListActive(ctx, 7, usage.MonthStart(f.clock))
	require.NoError(t, err)
	var types []alerts.AlertType
	for _, a := range active {
		types = append(types, a.Type)
	}
	assert.ElementsMatch(t, []alerts.AlertType{alerts.AlertInfo50, alerts.AlertWarning80, alerts.AlertUrgent95}, types)

	skipped, err := f.alerts.ListActive(ctx, 8, usage.MonthStart(f.clock))
	require.NoError(t, err)
	assert.Empty(t, skipped)

	require.NoError(t, f.runner.SweepAlerts(ctx))
	again, err := f.alerts.ListActive(ctx, 7, usage.MonthStart(f.clock))
	require.NoError(t, err)
	assert.Len(t, again, 3)
}

func TestArchiveUsage(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	f.clock = usage.MonthStart(time.Now()).AddDate(0, -1, 0).Add(time.Hour)
	_, err := f.ledger.Record(ctx, usage.RecordRequest{UserID: 1, Tokens: 42, Action: "chat"})
	require.NoError(t, err)

	require.NoError(t, f.runner.ArchiveUsage(ctx))
	key := export.ObjectKey("usage", f.clock)
	assert.Contains(t, f.objects.keys, key)

	require.NoError(t, f.runner.ArchiveUsage(ctx), "second run is a no-op")

	disabled := newFixture(t, false)
	assert.NoError(t, disabled.runner.ArchiveUsage(ctx))
}

func TestRunRecordsOutcome(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	require.NoError(t, f.runner.Run(ctx, "ok_job", func(context.Context) error { return nil }))
	err := f.runner.Run(ctx, "bad_job", func(context.Context) error { panic("boom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.JobRunsTotal.WithLabelValues("ok_job", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.JobRunsTotal.WithLabelValues("bad_job", "failure")))
}

func TestRunAppliesTimeout(t *testing.T) {
	f := newFixture(t, false)
	f.runner.cfg.Timeout = 20 * time.Millisecond

	err := f.runner.Run(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSchedule(t *testing.T) {
	schedules := Schedules{
		DuplicateCleanup: "0 3 * * *",
		AlertSweep:       "@hourly",
		UsageArchive:     "30 0 1 * *",
	}

	t.Run("all jobs", func(t *testing.T) {
		c := cron.New()
		require.NoError(t, newFixture(t, true).runner.Schedule(c, schedules))
		assert.Len(t, c.Entries(), 3)
	})

	t.Run("archive needs a bucket", func(t *testing.T) {
		c := cron.New()
		require.NoError(t, newFixture(t, false).runner.Schedule(c, schedules))
		assert.Len(t, c.Entries(), 2)
	})

	t.Run("empty spec disables", func(t *testing.T) {
		c := cron.New()
		require.NoError(t, newFixture(t, true).runner.Schedule(c, Schedules{AlertSweep: "@hourly"}))
		assert.Len(t, c.Entries(), 1)
	})

	t.Run("invalid spec", func(t *testing.T) {
		c := cron.New()
		err := newFixture(t, true).runner.Schedule(c, Schedules{AlertSweep: "every tuesday"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), JobAlertSweep)
	})
}
