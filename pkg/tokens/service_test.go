package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tokenmeter/pkg/alerts"
	"github.com/platinummonkey/tokenmeter/pkg/entitlements"
	"github.com/platinummonkey/tokenmeter/pkg/observability"
	"github.com/platinummonkey/tokenmeter/pkg/plans"
	"github.com/platinummonkey/tokenmeter/pkg/subscribers"
	"github.com/platinummonkey/tokenmeter/pkg/usage"
)

const testCatalog = `
plans:
  - type: starter
    name: Starter
    token_limit: 100
    scope: team
    billing_period: month
`

type reportCall struct {
	eventName  string
	customerID string
	value      int64
	key        string
}

// mockReporter records meter reports
type mockReporter struct {
	mu    sync.Mutex
	calls []reportCall
	fail  bool
}

func (m *mockReporter) EventName() string { return "transformationtokensmeter" }

func (m *mockReporter) Report(_ context.Context, eventName, customerID string, value int64, key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, reportCall{eventName, customerID, value, key})
	if m.fail {
		return "", false
	}
	return "mtr_1", true
}

type failingLedger struct {
	usage.Ledger
}

func (failingLedger) MonthlyTotal(context.Context, subscribers.Ref, time.Time) (int64, error) {
	return 0, errors.New("connection reset")
}

type fixture struct {
	svc      *Service
	store    *subscribers.MemoryStore
	ledger   *usage.MemoryLedger
	alerts   *alerts.MemoryStore
	engine   *alerts.Engine
	reporter *mockReporter
	metrics  *observability.Metrics
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	catalog, err := plans.ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)

	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	f := &fixture{
		store:    subscribers.NewMemoryStore(),
		ledger:   usage.NewMemoryLedger(clock),
		alerts:   alerts.NewMemoryStore(),
		reporter: &mockReporter{},
		metrics:  observability.NewMetrics(prometheus.NewRegistry()),
		now:      now,
	}
	logger := observability.NewLogger(observability.ErrorLevel, nil)
	resolver := entitlements.NewResolver(catalog, f.store, f.ledger)
	f.engine = alerts.NewEngine(f.alerts, f.ledger, catalog, nil, logger, f.metrics)
	f.svc = NewService(resolver, f.ledger, f.reporter, f.engine, logger, f.metrics)
	f.svc.now = clock
	return f
}

func (f *fixture) seed(user, team *subscribers.Subscriber) {
	f.store.PutUser(user)
	if team != nil {
		f.store.PutTeam(team)
		f.store.AddMember(user.ID, team.ID)
	}
}

func (f *fixture) total(t *testing.T, ref subscribers.Ref) int64 {
	t.Helper()
	total, err := f.ledger.MonthlyTotal(context.Background(), ref, f.now)
	require.NoError(t, err)
	return total
}

func TestConsume_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(&subscribers.Subscriber{Ref: subscribers.UserRef(1)}, nil)

	_, err := f.svc.Consume(ctx, ConsumeRequest{Action: "transform"})
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = f.svc.Consume(ctx, ConsumeRequest{UserID: 99, Action: "transform"})
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = f.svc.Consume(ctx, ConsumeRequest{UserID: 1, Action: "transform"})
	assert.ErrorIs(t, err, entitlements.ErrNoPlan)

	_, err = f.svc.Consume(ctx, ConsumeRequest{UserID: 1})
	assert.ErrorIs(t, err, usage.ErrMissingAction)

	_, err = f.svc.Consume(ctx, ConsumeRequest{UserID: 1, Action: "transform", Tokens: -3})
	assert.ErrorIs(t, err, usage.ErrInvalidTokens)

	_, err = f.svc.Consume(ctx, ConsumeRequest{UserID: 1, Action: "transform", Metadata: json.RawMessage(`{bad`)})
	assert.ErrorIs(t, err, usage.ErrInvalidMetadata)

	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.ConsumptionRejectedTotal.WithLabelValues(rejectUnauthenticated)))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ConsumptionRejectedTotal.WithLabelValues(rejectNoPlan)))
	assert.Zero(t, f.total(t, subscribers.UserRef(1)))
}

func TestConsume_Unlimited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(&subscribers.Subscriber{
		Ref: subscribers.UserRef(1), PlanType: "pro_unlimited",
		StripeCustomerID: "cus_1", Status: subscribers.StatusActive,
	}, nil)

	res, err := f.svc.Consume(ctx, ConsumeRequest{UserID: 1, Action: "transform", Metadata: json.RawMessage(`{"model":"t5"}`)})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Unlimited)
	assert.Equal(t, int64(1), res.Tokens)
	require.NotNil(t, res.Event)
	assert.Nil(t, res.Event.StripeMeterEventID)
	assert.JSONEq(t, `{"model":"t5"}`, string(res.Event.Metadata))
	assert.Empty(t, f.reporter.calls)
	assert.Equal(t, int64(1), f.total(t, subscribers.UserRef(1)))
}

func TestConsume_Metered(t *testing.T) {
	ctx := context.Background()

	t.Run("reports with the customer id", func(t *testing.T) {
		f := newFixture(t)
		f.seed(&subscribers.Subscriber{
			Ref: subscribers.UserRef(1), PlanType: "pay_as_you_go",
			StripeCustomerID: "cus_1", Status: subscribers.StatusActive,
		}, nil)

		res, err := f.svc.Consume(ctx, ConsumeRequest{UserID: 1, Action: "transform", Tokens: 5})
		require.NoError(t, err)
		assert.False(t, res.Unlimited)
		assert.Equal(t, "mtr_1", res.MeterEventID)
		require.NotNil(t, res.Event.StripeMeterEventID)
		assert.Equal(t, "mtr_1", *res.Event.StripeMeterEventID)

		require.Len(t, f.reporter.calls, 1)
		call := f.reporter.calls[0]
		assert.Equal(t, "transformationtokensmeter", call.eventName)
		assert.Equal(t, "cus_1", call.customerID)
		assert.Equal(t, int64(5), call.value)
		assert.Equal(t, "token-1-1781092800000", call.key)
	})

	t.Run("failed report still records", func(t *testing.T) {
		f := newFixture(t)
		f.reporter.fail = true
		f.seed(&subscribers.Subscriber{
			Ref: subscribers.UserRef(1), PlanType: "pay_as_you_go", StripeCustomerID: "cus_1",
		}, nil)

		res, err := f.svc.Consume(ctx, ConsumeRequest{UserID: 1, Action: "transform"})
		require.NoError(t, err)
		assert.Empty(t, res.MeterEventID)
		assert.Nil(t, res.Event.StripeMeterEventID)
		assert.Equal(t, int64(1), f.total(t, subscribers.UserRef(1)))
	})

	t.Run("no customer id skips reporting", func(t *testing.T) {
		f := newFixture(t)
		f.seed(&subscribers.Subscriber{Ref: subscribers.UserRef(1), PlanType: "pay_as_you_go"}, nil)

		_, err := f.svc.Consume(ctx, ConsumeRequest{UserID: 1, Action: "transform"})
		require.NoError(t, err)
		assert.Empty(t, f.reporter.calls)
	})
}

func TestConsume_FixedCap(t *testing.T) {
	ctx := context.Background()
	team := &subscribers.Subscriber{Ref: subscribers.TeamRef(7), PlanType: "starter", Status: subscribers.StatusActive}

	t.Run("refuses at the cap and records nothing", func(t *testing.T) {
		f := newFixture(t)
		f.seed(&subscribers.Subscriber{Ref: subscribers.UserRef(1)}, team)

		res, err := f.svc.Consume(ctx, ConsumeRequest{UserID: 1, Action: "transform", Tokens: 99})
		require.NoError(t, err)
		require.NotNil(t, res.Event.TeamID)
		assert.Equal(t, int64(7), *res.Event.TeamID)

		_, err = f.svc.Consume(ctx, ConsumeRequest{UserID: 1, Action: "transform"})
		require.NoError(t, err)

		_, err = f.svc.Consume(ctx, ConsumeRequest{UserID: 1, Action: "transform"})
		require.ErrorIs(t, err, entitlements.ErrTokensExhausted)
		var accessErr *entitlements.AccessError
		require.ErrorAs(t, err, &accessErr)
		assert.Equal(t, int64(100), accessErr.Limit)
		assert.Equal(t, int64(100), accessErr.Used)

		assert.Equal(t, int64(100), f.total(t, subscribers.TeamRef(7)))
		assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ConsumptionRejectedTotal.WithLabelValues(rejectExhausted)))
	})

	t.Run("a request may overshoot the cap once", func(t *testing.T) {
		f := newFixture(t)
		f.seed(&subscribers.Subscriber{Ref: subscribers.UserRef(1)}, team)

		_, err := f.svc.Consume(ctx, ConsumeRequest{UserID: 1, Action: "transform", Tokens: 90})
		require.NoError(t, err)
		_, err = f.svc.Consume(ctx, ConsumeRequest{UserID: 1, Action: "transform", Tokens: 50})
		require.NoError(t, err)
		assert.Equal(t, int64(140), f.total(t, subscribers.TeamRef(7)))
	})

	t.Run("concurrent requests stop at the cap", func(t *testing.T) {
		f := newFixture(t)
		f.seed(&subscribers.Subscriber{Ref: subscribers.UserRef(1)}, team)
		_, err := f.svc.Consume(ctx, ConsumeRequest{UserID: 1, Action: "transform", Tokens: 90})
		require.NoError(t, err)

		var wg sync.WaitGroup
		var mu sync.Mutex
		accepted, exhausted := 0, 0
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.svc.Consume(ctx, ConsumeRequest{UserID: 1, Action: "transform", Tokens: 5})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					accepted++
				case errors.Is(err, entitlements.ErrTokensExhausted):
					exhausted++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 2, accepted)
		assert.Equal(t, 18, exhausted)
		assert.Equal(t, int64(100), f.total(t, subscribers.TeamRef(7)))
	})

	t.Run("alerts are evaluated after recording", func(t *testing.T) {
		f := newFixture(t)
		f.seed(&subscribers.Subscriber{Ref: subscribers.UserRef(1)}, team)

		_, err := f.svc.Consume(ctx, ConsumeRequest{UserID: 1, Action: "transform", Tokens: 85})
		require.NoError(t, err)

		assert.Eventually(t, func() bool {
			active, err := f.engine.ActiveAlerts(ctx, 7, f.now)
			return err == nil && len(active) == 2
		}, 2*time.Second, 10*time.Millisecond)

		active, err := f.engine.ActiveAlerts(ctx, 7, f.now)
		require.NoError(t, err)
		types := []alerts.AlertType{active[0].Type, active[1].Type}
		assert.ElementsMatch(t, []alerts.AlertType{alerts.AlertInfo50, alerts.AlertWarning80}, types)
	})

	t.Run("usage lookup failure", func(t *testing.T) {
		f := newFixture(t)
		f.seed(&subscribers.Subscriber{Ref: subscribers.UserRef(1)}, team)
		f.svc.ledger = failingLedger{Ledger: f.ledger}

		_, err := f.svc.Consume(ctx, ConsumeRequest{UserID: 1, Action: "transform"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to get monthly usage")
	})
}

func TestSummary(t *testing.T) {
	ctx := context.Background()

	t.Run("team scoped", func(t *testing.T) {
		f := newFixture(t)
		team := &subscribers.Subscriber{Ref: subscribers.TeamRef(7), PlanType: "starter", Status: subscribers.StatusActive}
		f.seed(&subscribers.Subscriber{Ref: subscribers.UserRef(1)}, team)
		f.seed(&subscribers.Subscriber{Ref: subscribers.UserRef(2)}, team)

		for _, c := range []ConsumeRequest{
			{UserID: 1, Action: "transform", Tokens: 10},
			{UserID: 2, Action: "summarize", Tokens: 5},
		} {
			_, err := f.svc.Consume(ctx, c)
			require.NoError(t, err)
		}

		summary, err := f.svc.Summary(ctx, 1, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(15), summary.MonthlyTotal)
		assert.Equal(t, int64(100), summary.TokenLimit)
		require.NotNil(t, summary.PlanType)
		assert.Equal(t, "starter", *summary.PlanType)
		assert.Len(t, summary.RecentUsage, 2)

		limited, err := f.svc.Summary(ctx, 2, 1)
		require.NoError(t, err)
		assert.Len(t, limited.RecentUsage, 1)
	})

	t.Run("user without team or plan", func(t *testing.T) {
		f := newFixture(t)
		f.seed(&subscribers.Subscriber{Ref: subscribers.UserRef(3)}, nil)

		summary, err := f.svc.Summary(ctx, 3, 0)
		require.NoError(t, err)
		assert.Zero(t, summary.MonthlyTotal)
		assert.Nil(t, summary.PlanType)
		assert.NotNil(t, summary.RecentUsage)
	})

	t.Run("unknown user", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Summary(ctx, 42, 0)
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})
}
