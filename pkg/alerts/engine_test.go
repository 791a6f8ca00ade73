package alerts

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tokenmeter/pkg/observability"
	"github.com/platinummonkey/tokenmeter/pkg/plans"
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

// mockNotifier records alerts and optionally fails
type mockNotifier struct {
	mu   sync.Mutex
	sent []AlertType
	err  error
}

func (m *mockNotifier) SendUsageAlert(_ context.Context, alert *Alert, _, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, alert.Type)
	return m.err
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type engineFixture struct {
	engine   *Engine
	store    *MemoryStore
	ledger   *usage.MemoryLedger
	notifier *mockNotifier
	metrics  *observability.Metrics
	now      time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	catalog, err := plans.ParseCatalog([]byte(starterCatalog))
	require.NoError(t, err)

	now := time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC)
	f := &engineFixture{
		store:    NewMemoryStore(),
		ledger:   usage.NewMemoryLedger(func() time.Time { return now }),
		notifier: &mockNotifier{},
		metrics:  observability.NewMetrics(prometheus.NewRegistry()),
		now:      now,
	}
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	f.engine = NewEngine(f.store, f.ledger, catalog, f.notifier, logger, f.metrics)
	f.engine.now = func() time.Time { return now }
	return f
}

func (f *engineFixture) consume(t *testing.T, teamID, tokens int64) {
	t.Helper()
	_, err := f.ledger.Record(context.Background(), usage.RecordRequest{
		UserID: 1, TeamID: &teamID, Tokens: tokens, Action: "transform",
	})
	require.NoError(t, err)
}

func alertTypes(alerts []*Alert) []AlertType {
	out := make([]AlertType, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, a.Type)
	}
	return out
}

func TestPercentage(t *testing.T) {
	assert.Equal(t, 0, Percentage(0, 1000))
	assert.Equal(t, 49, Percentage(499, 1000))
	assert.Equal(t, 50, Percentage(500, 1000))
	assert.Equal(t, 99, Percentage(999, 1000))
	assert.Equal(t, 120, Percentage(1200, 1000))
	assert.Equal(t, 0, Percentage(10, 0))
	assert.Equal(t, 0, Percentage(10, -1))
}

func TestLadderOrder(t *testing.T) {
	for i := 1; i < len(Ladder); i++ {
		assert.Less(t, Ladder[i-1].Percentage, Ladder[i].Percentage)
	}
	th, ok := ThresholdFor(AlertInfo50)
	require.True(t, ok)
	assert.False(t, th.SendEmail)
	th, _ = ThresholdFor(AlertBlocked100)
	assert.Equal(t, SeverityCritical, th.Severity)
	_, ok = ThresholdFor("bogus")
	assert.False(t, ok)
}

func TestEngine_Evaluate(t *testing.T) {
	ctx := context.Background()

	t.Run("unbounded plans never alert", func(t *testing.T) {
		f := newEngineFixture(t)
		f.consume(t, 5, 10_000)
		for _, plan := range []string{"team", "pay_as_you_go", "unknown"} {
			created, err := f.engine.Evaluate(ctx, 5, plan, f.now)
			require.NoError(t, err)
			assert.Empty(t, created, plan)
		}
	})

	t.Run("below first threshold", func(t *testing.T) {
		f := newEngineFixture(t)
		f.consume(t, 5, 499)
		created, err := f.engine.Evaluate(ctx, 5, "starter", f.now)
		require.NoError(t, err)
		assert.Empty(t, created)
	})

	t.Run("ladder climbs once per rung", func(t *testing.T) {
		f := newEngineFixture(t)

		f.consume(t, 5, 500)
		created, err := f.engine.Evaluate(ctx, 5, "starter", f.now)
		require.NoError(t, err)
		assert.Equal(t, []AlertType{AlertInfo50}, alertTypes(created))
		assert.Equal(t, 50, created[0].UsagePercentage)
		assert.Equal(t, int64(1000), created[0].TokensLimit)
		assert.Equal(t, usage.MonthStart(f.now), created[0].Period)

		created, err = f.engine.Evaluate(ctx, 5, "starter", f.now)
		require.NoError(t, err)
		assert.Empty(t, created)

		f.consume(t, 5, 460)
		created, err = f.engine.Evaluate(ctx, 5, "starter", f.now)
		require.NoError(t, err)
		assert.Equal(t, []AlertType{AlertWarning80, AlertUrgent95}, alertTypes(created))

		f.consume(t, 5, 100)
		created, err = f.engine.Evaluate(ctx, 5, "starter", f.now)
		require.NoError(t, err)
		assert.Equal(t, []AlertType{AlertBlocked100}, alertTypes(created))
		assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.AlertsFiredTotal.WithLabelValues("blocked_100")))
	})

	t.Run("jump past several thresholds", func(t *testing.T) {
		f := newEngineFixture(t)
		f.consume(t, 5, 990)
		created, err := f.engine.Evaluate(ctx, 5, "starter", f.now)
		require.NoError(t, err)
		assert.Equal(t, []AlertType{AlertInfo50, AlertWarning80, AlertUrgent95}, alertTypes(created))
	})

	t.Run("new month starts fresh", func(t *testing.T) {
		f := newEngineFixture(t)
		f.consume(t, 5, 600)
		_, err := f.engine.Evaluate(ctx, 5, "starter", f.now)
		require.NoError(t, err)

		nextMonth := f.now.AddDate(0, 1, 0)
		created, err := f.engine.Evaluate(ctx, 5, "starter", nextMonth)
		require.NoError(t, err)
		assert.Empty(t, created)
	})

	t.Run("concurrent evaluations create each alert once", func(t *testing.T) {
		f := newEngineFixture(t)
		f.consume(t, 5, 1000)

		var mu sync.Mutex
		var all []*Alert
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				created, err := f.engine.Evaluate(ctx, 5, "starter", f.now)
				assert.NoError(t, err)
				mu.Lock()
				all = append(all, created...)
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.ElementsMatch(t, []AlertType{AlertInfo50, AlertWarning80, AlertUrgent95, AlertBlocked100}, alertTypes(all))
	})
}

func TestEngine_ActiveAndAcknowledge(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	f.consume(t, 5, 960)
	_, err := f.engine.Evaluate(ctx, 5, "starter", f.now)
	require.NoError(t, err)

	active, err := f.engine.ActiveAlerts(ctx, 5, f.now)
	require.NoError(t, err)
	require.Len(t, active, 3)

	current, err := f.engine.CurrentAlert(ctx, 5, f.now)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, AlertUrgent95, current.Type)

	require.NoError(t, f.engine.Acknowledge(ctx, 5, current.ID))
	require.NoError(t, f.engine.Acknowledge(ctx, 5, current.ID))

	active, err = f.engine.ActiveAlerts(ctx, 5, f.now)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	current, err = f.engine.CurrentAlert(ctx, 5, f.now)
	require.NoError(t, err)
	assert.Equal(t, AlertWarning80, current.Type)

	assert.ErrorIs(t, f.engine.Acknowledge(ctx, 6, active[0].ID), ErrAlertNotFound)
	assert.ErrorIs(t, f.engine.Acknowledge(ctx, 5, 9999), ErrAlertNotFound)

	current, err = f.engine.CurrentAlert(ctx, 77, f.now)
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestEngine_Notify(t *testing.T) {
	ctx := context.Background()

	t.Run("emails only flagged alerts and stamps them", func(t *testing.T) {
		f := newEngineFixture(t)
		f.consume(t, 5, 850)
		created, err := f.engine.Evaluate(ctx, 5, "starter", f.now)
		require.NoError(t, err)
		require.Len(t, created, 2)

		cctx, cancel := context.WithCancel(ctx)
		f.engine.Notify(cctx, created, 850, 1000)
		cancel()

		require.Eventually(t, func() bool {
			a, ok := f.store.Get(created[1].ID)
			return ok && a.EmailSentAt != nil
		}, time.Second, 5*time.Millisecond)

		assert.Equal(t, 1, f.notifier.count())
		info, _ := f.store.Get(created[0].ID)
		assert.Nil(t, info.EmailSentAt)
	})

	t.Run("failed email leaves alert unstamped", func(t *testing.T) {
		f := newEngineFixture(t)
		f.notifier.err = errors.New("smtp down")
		f.consume(t, 5, 800)
		created, err := f.engine.Evaluate(ctx, 5, "starter", f.now)
		require.NoError(t, err)

		f.engine.Notify(ctx, created, 800, 1000)
		require.Eventually(t, func() bool { return f.notifier.count() == 1 }, time.Second, 5*time.Millisecond)
		require.Eventually(t, func() bool {
			return testutil.ToFloat64(f.metrics.AlertEmailsTotal.WithLabelValues("failed")) == 1
		}, time.Second, 5*time.Millisecond)

		a, _ := f.store.Get(created[1].ID)
		assert.Nil(t, a.EmailSentAt)
	})
}
