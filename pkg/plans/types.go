package plans

import "errors"

// PlanType identifies a plan
type PlanType string

const (
	PlanPayAsYouGo   PlanType = "pay_as_you_go"
	PlanProUnlimited PlanType = "pro_unlimited"
	PlanTeam         PlanType = "team"
	PlanEnterprise   PlanType = "enterprise"
)

// Token limit markers
const (
	UnlimitedTokens int64 = -1
	MeteredTokens   int64 = 0
)

// Scope says whether a plan is bought by an individual or a team
type Scope string

const (
	ScopeIndividual Scope = "individual"
	ScopeTeam       Scope = "team"
)

// BillingPeriod describes how a plan is charged
type BillingPeriod string

const (
	BillingUsage  BillingPeriod = "usage"
	BillingMonth  BillingPeriod = "month"
	BillingCustom BillingPeriod = "custom"
)

// Class is the limit classification of a plan
type Class string

const (
	ClassUnlimited Class = "unlimited"
	ClassMetered   Class = "metered"
	ClassFixedCap  Class = "fixed_cap"
)

// Plan is an immutable catalog entry
type Plan struct {
	Type          PlanType      `json:"id" yaml:"type"`
	Name          string        `json:"name" yaml:"name"`
	Description   string        `json:"description" yaml:"description"`
	TokenLimit    int64         `json:"tokenLimit" yaml:"token_limit"`
	IsMetered     bool          `json:"isMetered" yaml:"is_metered"`
	Scope         Scope         `json:"scope" yaml:"scope"`
	PriceCents    int64         `json:"priceCents" yaml:"price_cents"`
	BillingPeriod BillingPeriod `json:"billingPeriod" yaml:"billing_period"`
	PerSeat       bool          `json:"perSeat,omitempty" yaml:"per_seat"`
	MinSeats      int           `json:"minSeats,omitempty" yaml:"min_seats"`
	MaxSeats      int           `json:"maxSeats,omitempty" yaml:"max_seats"`
	StripePriceID string        `json:"stripePriceId,omitempty" yaml:"stripe_price_id"`
	Popular       bool          `json:"popular,omitempty" yaml:"popular"`
	Features      []string      `json:"features" yaml:"features"`
}

// IsUnlimited reports whether the plan has no ceiling and no per-unit charge
func (p *Plan) IsUnlimited() bool {
	return p.TokenLimit == UnlimitedTokens
}

// HasFixedCap reports whether the plan has a positive monthly ceiling
func (p *Plan) HasFixedCap() bool {
	return p.TokenLimit > 0
}

// Classify derives the plan class from its token limit
func (p *Plan) Classify() Class {
	switch {
	case p.TokenLimit > 0:
		return ClassFixedCap
	case p.TokenLimit == MeteredTokens:
		return ClassMetered
	default:
		return ClassUnlimited
	}
}

// TeamScoped reports whether subscriptions to this plan belong to a team
func (p *Plan) TeamScoped() bool {
	return p.Scope == ScopeTeam
}

// HasFeature reports whether the plan lists the given feature
func (p *Plan) HasFeature(feature string) bool {
	for _, f := range p.Features {
		if f == feature {
			return true
		}
	}
	return false
}

var (
	// ErrUnknownPlan is returned for plan ids the catalog does not know
	ErrUnknownPlan = errors.New("plans: unknown plan")
	// ErrSeatsOutOfRange is returned when a seat count violates plan bounds
	ErrSeatsOutOfRange = errors.New("plans: seat count out of range")
	// ErrInvalidPlan is returned when a catalog entry is inconsistent
	ErrInvalidPlan = errors.New("plans: invalid plan definition")
)
