package entitlements

import (
	"context"
	"time"

	"github.com/platinummonkey/tokenmeter/pkg/plans"
	"github.com/platinummonkey/tokenmeter/pkg/subscribers"
)

// RequireAccess fails unless the account has an active or trialing subscription
func (r *Resolver) RequireAccess(acct *subscribers.Account) error {
	if !HasActiveAccess(acct) {
		return &AccessError{Kind: KindSubscriptionRequired}
	}
	return nil
}

// RequireFeature fails unless an active plan lists the feature
func (r *Resolver) RequireFeature(acct *subscribers.Account, feature string) error {
	res, ok := r.EffectivePlan(acct)
	if !ok {
		return &AccessError{Kind: KindNoPlan, Feature: feature}
	}
	if !HasActiveAccess(acct) {
		return &AccessError{Kind: KindSubscriptionRequired, Feature: feature}
	}
	if !res.Value.HasFeature(feature) {
		return &AccessError{Kind: KindFeatureUnavailable, Feature: feature}
	}
	return nil
}

// RequireTokens fails when the account has no plan or its fixed cap is used up
func (r *Resolver) RequireTokens(ctx context.Context, acct *subscribers.Account, asOf time.Time) error {
	plan, used, err := r.usageOf(ctx, acct, asOf)
	if err != nil {
		return err
	}
	return tokensError(plan, used)
}

func tokensError(plan *plans.Plan, used int64) error {
	if plan == nil {
		return &AccessError{Kind: KindNoPlan}
	}
	if plan.HasFixedCap() && used >= plan.TokenLimit {
		return &AccessError{Kind: KindTokensExhausted, Limit: plan.TokenLimit, Used: used}
	}
	return nil
}

// Requirement lists what Check verifies; empty fields are skipped
type Requirement struct {
	ActiveSubscription bool
	Feature            string
	Tokens             bool
}

// Decision is the outcome of Check
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Kind    Kind   `json:"kind,omitempty"`
}

// Check evaluates a requirement without failing. Storage errors are returned
// as errors, denials as a Decision.
func (r *Resolver) Check(ctx context.Context, acct *subscribers.Account, req Requirement) (Decision, error) {
	var denial error
	if req.ActiveSubscription {
		denial = r.RequireAccess(acct)
	}
	if denial == nil && req.Feature != "" {
		denial = r.RequireFeature(acct, req.Feature)
	}
	if denial == nil && req.Tokens {
		if err := r.RequireTokens(ctx, acct, r.now()); err != nil {
			if _, ok := KindOf(err); !ok {
				return Decision{}, err
			}
			denial = err
		}
	}

	if denial == nil {
		return Decision{Allowed: true}, nil
	}
	kind, _ := KindOf(denial)
	return Decision{Reason: denial.Error(), Kind: kind}, nil
}

// TokenInfo is the quota part of Access
type TokenInfo struct {
	Limit      int64 `json:"limit"`
	Remaining  int64 `json:"remaining"`
	Used       int64 `json:"used"`
	Percentage int   `json:"percentage"`
}

// Access aggregates everything a client needs to render plan state
type Access struct {
	HasAccess         bool               `json:"hasAccess"`
	Status            subscribers.Status `json:"status"`
	PlanType          *plans.PlanType    `json:"planType"`
	PlanName          string             `json:"planName,omitempty"`
	Features          []string           `json:"features"`
	Tokens            TokenInfo          `json:"tokens"`
	NeedsUpgrade      bool               `json:"needsUpgrade"`
	ShowUsageWarning  bool               `json:"showUsageWarning"`
	ShowUsageCritical bool               `json:"showUsageCritical"`
	IsBlocked         bool               `json:"isBlocked"`
}

// AccessInfo aggregates plan, status and quota for an account
func (r *Resolver) AccessInfo(ctx context.Context, acct *subscribers.Account, asOf time.Time) (*Access, error) {
	status := SubscriptionStatus(acct)
	info := &Access{
		HasAccess:    status.Entitling(),
		Status:       status,
		Features:     []string{},
		NeedsUpgrade: !status.Entitling(),
	}
	if acct == nil || acct.User == nil {
		return info, nil
	}

	plan, used, err := r.usageOf(ctx, acct, asOf)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return info, nil
	}

	planType := plan.Type
	info.PlanType = &planType
	info.PlanName = plan.Name
	info.Features = append(info.Features, plan.Features...)
	info.Tokens = TokenInfo{
		Limit:      plan.TokenLimit,
		Remaining:  remaining(plan, used),
		Used:       used,
		Percentage: percentage(plan, used),
	}
	info.ShowUsageWarning = info.Tokens.Percentage >= WarningPercentage
	info.ShowUsageCritical = info.Tokens.Percentage >= CriticalPercentage
	info.IsBlocked = plan.HasFixedCap() && info.Tokens.Remaining == 0
	return info, nil
}
