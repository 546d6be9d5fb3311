package billing

import (
	"fmt"

	"go.od2.network/jobgate/pkg/types"
)

// PriceTable maps provider price IDs to plan tiers.
type PriceTable map[string]types.Tier

// ParsePriceTable reads a price table from price ID to tier name pairs.
func ParsePriceTable(m map[string]string) (PriceTable, error) {
	table := make(PriceTable, len(m))
	for price, name := range m {
		tier, err := types.ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("invalid tier of price %s: %w", price, err)
		}
		table[price] = tier
	}
	return table, nil
}

// Tier looks up the tier of a price.
func (p PriceTable) Tier(price string) (types.Tier, bool) {
	tier, ok := p[price]
	return tier, ok
}

// providerStatus maps provider subscription states.
var providerStatus = map[string]types.SubscriptionStatus{
	"active":             types.StatusActive,
	"trialing":           types.StatusTrialing,
	"past_due":           types.StatusPastDue,
	"unpaid":             types.StatusPastDue,
	"canceled":           types.StatusCanceled,
	"incomplete_expired": types.StatusCanceled,
	"incomplete":         types.StatusIncomplete,
}

// ParseStatus maps a provider subscription status.
// Unknown states are not entitled.
func ParseStatus(s string) types.SubscriptionStatus {
	if status, ok := providerStatus[s]; ok {
		return status
	}
	return types.StatusIncomplete
}
