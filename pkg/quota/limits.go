package quota

import (
	"go.od2.network/jobgate/pkg/types"
)

// Unlimited is a ceiling that is never reached.
const Unlimited int64 = -1

// TierLimits maps tiers to usage ceilings per window.
// Tiers without an entry get no usage at all.
type TierLimits map[types.Tier]int64

// DefaultTierLimits returns limits for the FREE and STARTER tiers, with PRO unlimited.
func DefaultTierLimits(free, starter int64) TierLimits {
	return TierLimits{
		types.TierFree:    free,
		types.TierStarter: starter,
		types.TierPro:     Unlimited,
	}
}

// For returns the ceiling of a tier.
func (l TierLimits) For(tier types.Tier) int64 {
	limit, ok := l[tier]
	if !ok {
		return 0
	}
	return limit
}

// RequiredTier returns the lowest tier that allows one more use after used.
// Returns false if no tier does.
func (l TierLimits) RequiredTier(used int64) (types.Tier, bool) {
	for tier := types.TierFree; tier <= types.TierPro; tier++ {
		limit, ok := l[tier]
		if !ok {
			continue
		}
		if limit == Unlimited || limit > used {
			return tier, true
		}
	}
	return types.TierFree, false
}
