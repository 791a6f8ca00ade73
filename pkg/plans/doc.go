// Package plans provides the plan catalog: limits, pricing and features per plan.
//
// # Overview
//
// Every plan is classified by its token limit alone:
//
//	-1  unlimited  (no ceiling, flat price)
//	 0  metered    (no ceiling, billed per token through the processor meter)
//	>0  fixed cap  (monthly ceiling enforced locally)
//
// # Default Plans
//
// Pay as You Go: metered, $0.50 per token.
//
// Pro Unlimited: unlimited, $29/month.
//
// Team: unlimited, $19 per seat/month, 2 to 50 seats.
//
// Enterprise: unlimited, custom pricing.
//
// Additional plans (for example a fixed-cap starter tier) and price ids are supplied through a
// YAML catalog file:
//
//	plans:
//	  - type: starter
//	    name: Starter
//	    token_limit: 1000
//	    price_cents: 900
//	    billing_period: month
//
// # Usage Example
//
//	catalog, err := plans.LoadCatalog(cfg.Catalog.Path)
//	plan, ok := catalog.Resolve("Transformertokens") // legacy name, resolves to pay_as_you_go
//	if ok && plan.HasFixedCap() {
//		...
//	}
package plans
