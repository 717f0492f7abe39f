package service

import "app/internal/model"

// Restriction messages surfaced to the end user on a blocked trade.
const (
	reasonFreeTierExhausted = "Free credits exhausted. Purchase credits to continue trading."
	reasonTier2Required     = "Orders over $500 require Tier 2. Purchase at least 1000 credits to unlock."
)

// evaluateAccess computes what a balance snapshot permits. Pure; orderValue
// is nil when no order is being considered.
//
// The two gates are ordered: the free-tier debt rule is checked first, the
// large-order tier rule second, so a user blocked only by the order rule is
// never reported as debt-blocked.
func evaluateAccess(balance *model.CreditBalance, orderValue *float64) model.AccessContext {
	currentDebt := int64(0)
	if balance.Balance < 0 {
		currentDebt = -balance.Balance
	}
	freeTierExhausted := balance.LifetimeSpent >= model.FreeCredits
	inDebtAfterFreeTier := currentDebt > 0 && freeTierExhausted && balance.Tier == model.TierFree

	ctx := model.AccessContext{
		CanTrade:        !inDebtAfterFreeTier,
		CanViewRealtime: !inDebtAfterFreeTier,
		ShowAds:         inDebtAfterFreeTier,
		CurrentDebt:     currentDebt,
	}
	if inDebtAfterFreeTier {
		ctx.RestrictionReason = reasonFreeTierExhausted
		// Enough to clear the debt and trade at least once.
		ctx.RequiredCredits = currentDebt + 1
	}

	if ctx.CanTrade && orderValue != nil && *orderValue > model.OrderThresholdTier2 && balance.Tier != model.TierPaid2 {
		ctx.CanTrade = false
		ctx.RestrictionReason = reasonTier2Required
		ctx.RequiredCredits = model.Tier2MinPurchase
	}

	ctx.RequiresUpgrade = !ctx.CanTrade
	if ctx.CanTrade {
		ctx.RequiredCredits = 0
	}
	return ctx
}
