/*
Package payments is the Stripe boundary: the point plan catalog, webhook
signature verification, and the webhook processor that turns verified
checkout events into ledger credits.

PURPOSE:
  Everything that touches Stripe semantics lives here. The ledger package
  knows nothing about payments; it only sees Mutator.Apply calls with
  session ids attached.

SEE ALSO:
  - payments/webhook.go: event processing
  - payments/signature.go: signed-payload verification
*/
package payments

import (
	"github.com/shopspring/decimal"
)

// Plan is a purchasable point package. Prices are JPY (no minor unit).
type Plan struct {
	ID          string          `json:"id"`
	Points      int64           `json:"points"`
	BonusPoints int64           `json:"bonusPoints,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Label       string          `json:"label,omitempty"`
}

// Plans is the catalog shown on the purchase page. Order matters for display.
// Volume plans grant bonus points on top of the price discount; the bonus is
// credited as a separate BONUS entry so it never inflates revenue reporting.
var Plans = []Plan{
	{ID: "plan_500", Points: 500, Price: decimal.NewFromInt(500)},
	{ID: "plan_1000", Points: 1000, Price: decimal.NewFromInt(980)},
	{ID: "plan_3000", Points: 3000, BonusPoints: 150, Price: decimal.NewFromInt(2850), Label: "5%お得!"},
	{ID: "plan_5000", Points: 5000, BonusPoints: 500, Price: decimal.NewFromInt(4500), Label: "10%お得!"},
	{ID: "plan_10000", Points: 10000, BonusPoints: 1500, Price: decimal.NewFromInt(8500), Label: "15%お得!"},
}

// PlanByID looks up a catalog plan. Returns nil for unknown ids.
func PlanByID(id string) *Plan {
	for i := range Plans {
		if Plans[i].ID == id {
			return &Plans[i]
		}
	}
	return nil
}

// RevenueForPoints maps purchased points back to JPY using the catalog.
// Exact plan matches use the plan price; anything else (admin grants,
// historical plans) is valued at the base rate of 1 yen per point.
func RevenueForPoints(points int64) decimal.Decimal {
	for i := range Plans {
		if Plans[i].Points == points {
			return Plans[i].Price
		}
	}
	return decimal.NewFromInt(points)
}
