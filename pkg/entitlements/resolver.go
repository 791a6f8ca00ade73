package entitlements

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/tokenmeter/pkg/plans"
	"github.com/platinummonkey/tokenmeter/pkg/subscribers"
)

// Unbounded is returned by RemainingTokens for unlimited and metered plans
const Unbounded int64 = -1

// Usage thresholds surfaced by AccessInfo
const (
	WarningPercentage  = 80
	CriticalPercentage = 95
)

// UsageSource provides monthly totals
type UsageSource interface {
	MonthlyTotal(ctx context.Context, ref subscribers.Ref, asOf time.Time) (int64, error)
}

// Resolver answers entitlement questions about an account
type Resolver struct {
	catalog *plans.Catalog
	store   subscribers.Store
	usage   UsageSource
	now     func() time.Time
}

// NewResolver creates a new Resolver
func NewResolver(catalog *plans.Catalog, store subscribers.Store, source UsageSource) *Resolver {
	return &Resolver{catalog: catalog, store: store, usage: source, now: time.Now}
}

// Account loads the user and team rows for userID
func (r *Resolver) Account(ctx context.Context, userID int64) (*subscribers.Account, error) {
	return subscribers.LoadAccount(ctx, r.store, userID)
}

// EffectivePlan picks the user's plan over the team's. A plan id the catalog
// does not know counts as no plan.
func (r *Resolver) EffectivePlan(acct *subscribers.Account) (subscribers.Resolution[*plans.Plan], bool) {
	if acct == nil {
		return subscribers.Resolution[*plans.Plan]{}, false
	}
	userPlan, teamPlan := acct.Plans()
	res, ok := subscribers.Resolve(userPlan, teamPlan)
	if !ok {
		return subscribers.Resolution[*plans.Plan]{}, false
	}
	plan, ok := r.catalog.Resolve(res.Value)
	if !ok {
		return subscribers.Resolution[*plans.Plan]{}, false
	}
	return subscribers.Resolution[*plans.Plan]{Kind: res.Kind, Value: plan}, true
}

// SubscriptionStatus picks the user's status over the team's
func SubscriptionStatus(acct *subscribers.Account) subscribers.Status {
	if acct == nil {
		return subscribers.StatusNone
	}
	userStatus, teamStatus := acct.Statuses()
	res, ok := subscribers.Resolve(userStatus, teamStatus)
	if !ok {
		return subscribers.StatusNone
	}
	return res.Value
}

// HasActiveAccess reports whether the effective status is active or trialing
func HasActiveAccess(acct *subscribers.Account) bool {
	return SubscriptionStatus(acct).Entitling()
}

// UsageRef returns the subscriber whose events count against the plan
func UsageRef(acct *subscribers.Account, res subscribers.Resolution[*plans.Plan]) subscribers.Ref {
	if sub := acct.Subscriber(res.Kind); sub != nil {
		return sub.Ref
	}
	return acct.User.Ref
}

// usageOf returns the effective plan and its scoped monthly total. The total
// is only queried for fixed-cap plans.
func (r *Resolver) usageOf(ctx context.Context, acct *subscribers.Account, asOf time.Time) (*plans.Plan, int64, error) {
	res, ok := r.EffectivePlan(acct)
	if !ok {
		return nil, 0, nil
	}
	if !res.Value.HasFixedCap() {
		return res.Value, 0, nil
	}
	used, err := r.usage.MonthlyTotal(ctx, UsageRef(acct, res), asOf)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get monthly usage: %w", err)
	}
	return res.Value, used, nil
}

// RemainingTokens returns Unbounded for unlimited and metered plans,
// 0 without a plan, and max(0, cap - used) otherwise.
func (r *Resolver) RemainingTokens(ctx context.Context, acct *subscribers.Account, asOf time.Time) (int64, error) {
	plan, used, err := r.usageOf(ctx, acct, asOf)
	if err != nil {
		return 0, err
	}
	return remaining(plan, used), nil
}

func remaining(plan *plans.Plan, used int64) int64 {
	switch {
	case plan == nil:
		return 0
	case !plan.HasFixedCap():
		return Unbounded
	case used >= plan.TokenLimit:
		return 0
	}
	return plan.TokenLimit - used
}

// UsagePercentage returns min(100, floor(100*used/cap)), 0 for plans without a cap
func (r *Resolver) UsagePercentage(ctx context.Context, acct *subscribers.Account, asOf time.Time) (int, error) {
	plan, used, err := r.usageOf(ctx, acct, asOf)
	if err != nil {
		return 0, err
	}
	return percentage(plan, used), nil
}

func percentage(plan *plans.Plan, used int64) int {
	if plan == nil || !plan.HasFixedCap() || used <= 0 {
		return 0
	}
	pct := used * 100 / plan.TokenLimit
	if pct > 100 {
		pct = 100
	}
	return int(pct)
}
