package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tokenmeter/pkg/alerts"
	"github.com/platinummonkey/tokenmeter/pkg/async"
	"github.com/platinummonkey/tokenmeter/pkg/entitlements"
	"github.com/platinummonkey/tokenmeter/pkg/metering"
	"github.com/platinummonkey/tokenmeter/pkg/observability"
	"github.com/platinummonkey/tokenmeter/pkg/plans"
	"github.com/platinummonkey/tokenmeter/pkg/subscribers"
	"github.com/platinummonkey/tokenmeter/pkg/usage"
)

// DefaultSummaryLimit is the history page size of Summary
const DefaultSummaryLimit = 20

// Rejection reasons recorded on the consumption metrics
const (
	rejectUnauthenticated = "unauthenticated"
	rejectNoPlan          = "no_plan"
	rejectExhausted       = "tokens_exhausted"
	rejectInvalid         = "invalid_request"
)

// ErrUnauthenticated is returned when the caller has no user row
var ErrUnauthenticated = errors.New("tokens: unauthenticated")

// MeterReporter reports metered consumption to the processor
type MeterReporter interface {
	EventName() string
	Report(ctx context.Context, eventName, customerID string, value int64, idempotencyKey string) (string, bool)
}

// AlertEvaluator runs the threshold ladder after consumption
type AlertEvaluator interface {
	Evaluate(ctx context.Context, teamID int64, planType string, asOf time.Time) ([]*alerts.Alert, error)
	Notify(ctx context.Context, created []*alerts.Alert, used, limit int64)
}

// ConsumeRequest asks to spend tokens on an action
type ConsumeRequest struct {
	UserID   int64           `json:"-"`
	Action   string          `json:"action"`
	Tokens   int64           `json:"tokens"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// ConsumeResult reports an accepted consumption
type ConsumeResult struct {
	Success   bool   `json:"success"`
	Tokens    int64  `json:"tokens"`
	Action    string `json:"action"`
	Unlimited bool   `json:"unlimited,omitempty"`

	Event        *usage.Event `json:"-"`
	MeterEventID string       `json:"-"`
}

// Summary is the monthly usage view of a user's team, or of the user when
// they have no team.
type Summary struct {
	MonthlyTotal int64          `json:"monthlyTotal"`
	TokenLimit   int64          `json:"tokenLimit"`
	PlanType     *string        `json:"planType"`
	RecentUsage  []*usage.Event `json:"recentUsage"`
}

// Service orchestrates token consumption across entitlements, metering,
// the usage ledger and usage alerts.
type Service struct {
	resolver     *entitlements.Resolver
	ledger       usage.Ledger
	reporter     MeterReporter
	alerts       AlertEvaluator
	logger       *observability.Logger
	metrics      *observability.Metrics
	alertTimeout time.Duration
	now          func() time.Time
	capLocks     *refLocks
}

// NewService creates a new Service. A nil reporter skips metering and a nil
// evaluator skips alerts.
func NewService(resolver *entitlements.Resolver, ledger usage.Ledger, reporter MeterReporter,
	evaluator AlertEvaluator, logger *observability.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Service{
		resolver:     resolver,
		ledger:       ledger,
		reporter:     reporter,
		alerts:       evaluator,
		logger:       logger,
		metrics:      metrics,
		alertTimeout: 30 * time.Second,
		now:          time.Now,
		capLocks:     newRefLocks(),
	}
}

// Consume records tokens against the caller's effective plan. Fixed-cap plans
// are refused once the monthly total reaches the cap; nothing is recorded then.
// Fixed-cap checks for the same subscriber are serialized within the process.
func (s *Service) Consume(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error) {
	if req.Tokens == 0 {
		req.Tokens = 1
	}

	acct, err := s.account(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	rec := usage.RecordRequest{
		UserID:   req.UserID,
		Tokens:   req.Tokens,
		Action:   req.Action,
		Metadata: req.Metadata,
	}
	if acct.Team != nil {
		teamID := acct.Team.ID
		rec.TeamID = &teamID
	}
	if err := rec.Validate(); err != nil {
		s.metrics.RecordRejection(rejectInvalid)
		return nil, err
	}

	res, ok := s.resolver.EffectivePlan(acct)
	if !ok {
		s.metrics.RecordRejection(rejectNoPlan)
		return nil, &entitlements.AccessError{Kind: entitlements.KindNoPlan}
	}
	plan := res.Value
	now := s.now()
	result := &ConsumeResult{Success: true, Tokens: req.Tokens, Action: req.Action}
	var capped bool
	var used int64

	switch plan.Classify() {
	case plans.ClassUnlimited:
		result.Unlimited = true

	case plans.ClassMetered:
		result.MeterEventID = s.report(ctx, acct, res, req, now)
		rec.MeterRef = result.MeterEventID

	case plans.ClassFixedCap:
		capped = true
		// check and record under one lock so concurrent callers see each other
		ref := entitlements.UsageRef(acct, res)
		unlock := s.capLocks.lock(ref)
		defer unlock()
		used, err = s.ledger.MonthlyTotal(ctx, ref, now)
		if err != nil {
			return nil, fmt.Errorf("failed to get monthly usage: %w", err)
		}
		if used >= plan.TokenLimit {
			s.metrics.RecordRejection(rejectExhausted)
			return nil, &entitlements.AccessError{
				Kind:  entitlements.KindTokensExhausted,
				Limit: plan.TokenLimit,
				Used:  used,
			}
		}
	}

	event, err := s.ledger.Record(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to record usage: %w", err)
	}
	result.Event = event
	s.metrics.RecordConsumption(string(plan.Classify()), req.Tokens)

	if capped {
		s.evaluateAlerts(ctx, acct, plan, used+req.Tokens, now)
	}
	return result, nil
}

func (s *Service) account(ctx context.Context, userID int64) (*subscribers.Account, error) {
	if userID <= 0 {
		s.metrics.RecordRejection(rejectUnauthenticated)
		return nil, ErrUnauthenticated
	}
	acct, err := s.resolver.Account(ctx, userID)
	if errors.Is(err, subscribers.ErrNotFound) {
		s.metrics.RecordRejection(rejectUnauthenticated)
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return acct, nil
}

// report sends a metered consumption to the processor and returns the meter
// event id, empty when the subscriber has no customer id or reporting failed.
func (s *Service) report(ctx context.Context, acct *subscribers.Account, res subscribers.Resolution[*plans.Plan],
	req ConsumeRequest, now time.Time) string {
	if s.reporter == nil {
		return ""
	}
	customerID := acct.User.StripeCustomerID
	if customerID == "" {
		if sub := acct.Subscriber(res.Kind); sub != nil {
			customerID = sub.StripeCustomerID
		}
	}
	if customerID == "" {
		return ""
	}
	id, _ := s.reporter.Report(ctx, s.reporter.EventName(), customerID, req.Tokens, metering.IdempotencyKey(req.UserID, now))
	return id
}

// evaluateAlerts runs the ladder for the caller's team once the request is
// done with. Failures are logged.
func (s *Service) evaluateAlerts(ctx context.Context, acct *subscribers.Account, plan *plans.Plan, used int64, asOf time.Time) {
	if s.alerts == nil || acct.Team == nil {
		return
	}
	teamID := acct.Team.ID
	async.SafeGo(context.WithoutCancel(ctx), s.alertTimeout, "usage alert evaluation", func(ctx context.Context) error {
		created, err := s.alerts.Evaluate(ctx, teamID, string(plan.Type), asOf)
		if err != nil {
			s.logger.WithField("team_id", teamID).WithError(err).Warn("Failed to evaluate usage alerts")
		}
		if len(created) > 0 {
			s.alerts.Notify(ctx, created, used, plan.TokenLimit)
		}
		return nil
	})
}

// Summary returns this month's total and the newest events for the user's
// team. The total and the history are fetched concurrently.
func (s *Service) Summary(ctx context.Context, userID int64, limit int) (*Summary, error) {
	acct, err := s.account(ctx, userID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultSummaryLimit
	}

	ref := acct.User.Ref
	if acct.Team != nil {
		ref = acct.Team.Ref
	}

	summary := &Summary{RecentUsage: []*usage.Event{}}
	if res, ok := s.resolver.EffectivePlan(acct); ok {
		planType := string(res.Value.Type)
		summary.PlanType = &planType
		summary.TokenLimit = res.Value.TokenLimit
	}

	now := s.now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		total, err := s.ledger.MonthlyTotal(gctx, ref, now)
		if err != nil {
			return fmt.Errorf("failed to get monthly usage: %w", err)
		}
		summary.MonthlyTotal = total
		return nil
	})
	g.Go(func() error {
		events, err := s.ledger.RecentHistory(gctx, ref, usage.Cursor{Limit: limit})
		if err != nil {
			return fmt.Errorf("failed to get usage history: %w", err)
		}
		if events != nil {
			summary.RecentUsage = events
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return summary, nil
}
