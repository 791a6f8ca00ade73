package plans

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// legacyAliases maps historical product names to current plan ids
var legacyAliases = map[string]PlanType{
	"Transformertokens": PlanPayAsYouGo,
	"TransformerTokens": PlanPayAsYouGo,
	"transformertokens": PlanPayAsYouGo,
}

// productPlans maps processor product display names to plan ids
var productPlans = map[string]PlanType{
	"Transformertokens": PlanPayAsYouGo,
	"Pro Unlimited":     PlanProUnlimited,
	"Plus":              PlanProUnlimited,
	"Team":              PlanTeam,
	"Enterprise":        PlanEnterprise,
}

// DefaultPlans returns the built-in plan definitions
func DefaultPlans() []Plan {
	return []Plan{
		{
			Type:          PlanPayAsYouGo,
			Name:          "Pay as You Go",
			Description:   "Perfect for occasional use. Pay only for what you consume.",
			TokenLimit:    MeteredTokens,
			IsMetered:     true,
			Scope:         ScopeIndividual,
			PriceCents:    50, // per token
			BillingPeriod: BillingUsage,
			Features: []string{
				"Pay only for what you use",
				"No monthly commitment",
				"$0.50 per token",
				"Basic support",
				"API access",
			},
		},
		{
			Type:          PlanProUnlimited,
			Name:          "Pro Unlimited",
			Description:   "Best for power users. Unlimited tokens at a flat monthly rate.",
			TokenLimit:    UnlimitedTokens,
			Scope:         ScopeIndividual,
			PriceCents:    2900,
			BillingPeriod: BillingMonth,
			Popular:       true,
			Features: []string{
				"Unlimited tokens",
				"All premium features",
				"Advanced analytics",
				"Priority support",
				"API access",
				"Export capabilities",
			},
		},
		{
			Type:          PlanTeam,
			Name:          "Team",
			Description:   "Collaborate with your team. Unlimited tokens per seat.",
			TokenLimit:    UnlimitedTokens,
			Scope:         ScopeTeam,
			PriceCents:    1900,
			BillingPeriod: BillingMonth,
			PerSeat:       true,
			MinSeats:      2,
			MaxSeats:      50,
			Features: []string{
				"Everything in Pro",
				"Unlimited tokens per seat",
				"Shared workspace",
				"Team collaboration",
				"Admin controls",
				"Usage analytics per member",
				"Priority support",
			},
		},
		{
			Type:          PlanEnterprise,
			Name:          "Enterprise",
			Description:   "Custom solutions for large organizations.",
			TokenLimit:    UnlimitedTokens,
			Scope:         ScopeTeam,
			BillingPeriod: BillingCustom,
			Features: []string{
				"Everything in Team",
				"Custom integrations",
				"Dedicated account manager",
				"SLA guarantee",
				"Advanced security",
				"Custom contracts",
				"Volume discounts",
				"On-premise options",
			},
		},
	}
}

// Catalog is a read-only plan registry. Build it once at startup and pass it to its consumers.
type Catalog struct {
	plans    map[PlanType]*Plan
	order    []PlanType
	aliases  map[string]PlanType
	products map[string]PlanType
}

// catalogFile is the YAML layout accepted by LoadCatalog
type catalogFile struct {
	Plans    []Plan            `yaml:"plans"`
	Aliases  map[string]string `yaml:"aliases"`
	Products map[string]string `yaml:"products"`
}

// NewCatalog builds a catalog from plan definitions
func NewCatalog(defs ...Plan) (*Catalog, error) {
	c := &Catalog{
		plans:    make(map[PlanType]*Plan, len(defs)),
		aliases:  make(map[string]PlanType, len(legacyAliases)),
		products: make(map[string]PlanType, len(productPlans)),
	}
	for k, v := range legacyAliases {
		c.aliases[k] = v
	}
	for k, v := range productPlans {
		c.products[k] = v
	}

	for i := range defs {
		plan := defs[i]
		if err := validatePlan(&plan); err != nil {
			return nil, err
		}
		plan.Features = append([]string(nil), plan.Features...)
		if _, dup := c.plans[plan.Type]; !dup {
			c.order = append(c.order, plan.Type)
		}
		c.plans[plan.Type] = &plan
	}

	return c, nil
}

// DefaultCatalog returns a catalog holding the built-in plans
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultPlans()...)
	if err != nil {
		panic(fmt.Sprintf("plans: invalid default catalog: %v", err))
	}
	return c
}

// LoadCatalog builds a catalog from the defaults overlaid with a YAML file.
// An empty path yields the default catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	return ParseCatalog(data)
}

// ParseCatalog builds a catalog from the defaults overlaid with YAML content
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	defs := DefaultPlans()
	for _, p := range file.Plans {
		replaced := false
		for i := range defs {
			if defs[i].Type == p.Type {
				defs[i] = p
				replaced = true
			}
		}
		if !replaced {
			defs = append(defs, p)
		}
	}

	c, err := NewCatalog(defs...)
	if err != nil {
		return nil, err
	}

	for name, target := range file.Aliases {
		if _, ok := c.plans[PlanType(target)]; !ok {
			return nil, fmt.Errorf("%w: alias %q targets %q", ErrUnknownPlan, name, target)
		}
		c.aliases[name] = PlanType(target)
	}
	for name, target := range file.Products {
		if _, ok := c.plans[PlanType(target)]; !ok {
			return nil, fmt.Errorf("%w: product %q targets %q", ErrUnknownPlan, name, target)
		}
		c.products[name] = PlanType(target)
	}

	return c, nil
}

func validatePlan(p *Plan) error {
	if p.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidPlan)
	}
	if p.TokenLimit < UnlimitedTokens {
		return fmt.Errorf("%w: %s has token limit %d", ErrInvalidPlan, p.Type, p.TokenLimit)
	}
	if p.IsMetered != (p.TokenLimit == MeteredTokens) {
		return fmt.Errorf("%w: %s metered flag disagrees with token limit", ErrInvalidPlan, p.Type)
	}
	if p.Scope == "" {
		p.Scope = ScopeIndividual
	}
	if p.MaxSeats > 0 && p.MinSeats > p.MaxSeats {
		return fmt.Errorf("%w: %s seat bounds %d..%d", ErrInvalidPlan, p.Type, p.MinSeats, p.MaxSeats)
	}
	return nil
}

// Normalize applies the legacy alias table to a plan identifier
func (c *Catalog) Normalize(id string) PlanType {
	if target, ok := c.aliases[id]; ok {
		return target
	}
	return PlanType(id)
}

// Resolve looks up a plan by id or legacy name
func (c *Catalog) Resolve(id string) (*Plan, bool) {
	if id == "" {
		return nil, false
	}
	p, ok := c.plans[c.Normalize(id)]
	return p, ok
}

// TokenLimit returns the token limit of a plan, 0 when the plan is unknown
func (c *Catalog) TokenLimit(id string) int64 {
	p, ok := c.Resolve(id)
	if !ok {
		return 0
	}
	return p.TokenLimit
}

// IsUnlimited reports whether id resolves to an unlimited plan
func (c *Catalog) IsUnlimited(id string) bool {
	p, ok := c.Resolve(id)
	return ok && p.IsUnlimited()
}

// IsMetered reports whether id resolves to a metered plan
func (c *Catalog) IsMetered(id string) bool {
	p, ok := c.Resolve(id)
	return ok && p.IsMetered
}

// HasFixedCap reports whether id resolves to a fixed-cap plan
func (c *Catalog) HasFixedCap(id string) bool {
	p, ok := c.Resolve(id)
	return ok && p.HasFixedCap()
}

// HasFeature reports whether the plan includes a feature
func (c *Catalog) HasFeature(id, feature string) bool {
	p, ok := c.Resolve(id)
	return ok && p.HasFeature(feature)
}

// IsTeamPlan reports whether subscriptions to id belong to a team
func (c *Catalog) IsTeamPlan(id string) bool {
	p, ok := c.Resolve(id)
	return ok && p.TeamScoped()
}

// ValidateSeats checks a seat count against the plan's bounds
func (c *Catalog) ValidateSeats(id string, seats int) error {
	p, ok := c.Resolve(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlan, id)
	}
	if p.MinSeats > 0 && seats < p.MinSeats {
		return fmt.Errorf("%w: %s requires at least %d seats", ErrSeatsOutOfRange, p.Type, p.MinSeats)
	}
	if p.MaxSeats > 0 && seats > p.MaxSeats {
		return fmt.Errorf("%w: %s allows at most %d seats", ErrSeatsOutOfRange, p.Type, p.MaxSeats)
	}
	return nil
}

// ProductPlan maps a processor product display name to a plan id
func (c *Catalog) ProductPlan(productName string) (PlanType, bool) {
	t, ok := c.products[productName]
	return t, ok
}

// FixedCapPlans returns the ids of all fixed-cap plans
func (c *Catalog) FixedCapPlans() []PlanType {
	var out []PlanType
	for _, t := range c.order {
		if c.plans[t].HasFixedCap() {
			out = append(out, t)
		}
	}
	return out
}

// All returns every plan in catalog order
func (c *Catalog) All() []*Plan {
	out := make([]*Plan, 0, len(c.order))
	for _, t := range c.order {
		out = append(out, c.plans[t])
	}
	return out
}
