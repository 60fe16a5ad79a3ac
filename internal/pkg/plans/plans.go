// Package plans holds the static coaching plan catalog. The catalog is fixed
// at deploy time; price and product identifiers must match the Stripe
// dashboard configuration for the target environment.
package plans

import "strings"

// Plan describes a paid tier: its Stripe identifiers, the monthly credit
// grant and the billing amount in minor currency units.
type Plan struct {
	ID             string
	Name           string
	PriceID        string
	ProductID      string
	MonthlyCredits int64
	AmountCents    int64
	Recurring      bool
}

var catalog = []Plan{
	{
		ID:             "starter",
		Name:           "Starter",
		PriceID:        "price_coachly_starter_monthly",
		ProductID:      "prod_coachly_starter",
		MonthlyCredits: 300,
		AmountCents:    1900,
		Recurring:      true,
	},
	{
		ID:             "growth",
		Name:           "Growth",
		PriceID:        "price_coachly_growth_monthly",
		ProductID:      "prod_coachly_growth",
		MonthlyCredits: 800,
		AmountCents:    3900,
		Recurring:      true,
	},
	{
		ID:             "pro",
		Name:           "Pro",
		PriceID:        "price_coachly_pro_monthly",
		ProductID:      "prod_coachly_pro",
		MonthlyCredits: 2000,
		AmountCents:    7900,
		Recurring:      true,
	},
}

// ByPriceID resolves a Stripe price id to a plan. A miss is a permanent
// rejection for callers, never something to retry.
func ByPriceID(priceID string) (Plan, bool) {
	id := strings.TrimSpace(priceID)
	for _, p := range catalog {
		if p.PriceID == id {
			return p, true
		}
	}
	return Plan{}, false
}

// ByID resolves an internal plan id to a plan.
func ByID(planID string) (Plan, bool) {
	id := strings.TrimSpace(planID)
	for _, p := range catalog {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}

// ByProductID resolves a Stripe product id to a plan.
func ByProductID(productID string) (Plan, bool) {
	id := strings.TrimSpace(productID)
	for _, p := range catalog {
		if p.ProductID == id {
			return p, true
		}
	}
	return Plan{}, false
}

// All returns the full catalog in display order.
func All() []Plan {
	out := make([]Plan, len(catalog))
	copy(out, catalog)
	return out
}
