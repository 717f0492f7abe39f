package model

import "time"

// Pricing and metering constants. CreditsGranted on a Payment is computed
// from these at intent-creation time and never recomputed afterwards.
const (
	// FreeCredits is the allotment seeded into every new balance.
	FreeCredits = 50
	// DailyActiveCost is deducted on the first activity of each calendar day.
	DailyActiveCost = 1
	// TradeBaseCost is deducted per executed trade.
	TradeBaseCost = 1
	// Tier2MinPurchase is the single-purchase credit amount that promotes to tier 2.
	Tier2MinPurchase = 1000
	// OrderThresholdTier2 is the order value (in currency units) above which tier 2 is required.
	OrderThresholdTier2 = 500
	// CreditsPerEUR is the fixed exchange rate between euros and credits.
	CreditsPerEUR = 10
)

// UserTier is a user's purchase-derived privilege level.
type UserTier string

const (
	TierFree  UserTier = "free"
	TierPaid1 UserTier = "paid_tier1"
	TierPaid2 UserTier = "paid_tier2"
)

// Rank orders tiers so that promotion checks can be expressed as comparisons.
// Tiers never regress within this subsystem.
func (t UserTier) Rank() int {
	switch t {
	case TierPaid1:
		return 1
	case TierPaid2:
		return 2
	default:
		return 0
	}
}

// CreditTransactionType is the business reason for a ledger entry.
type CreditTransactionType string

const (
	TxDailyActive CreditTransactionType = "daily_active"
	TxTrade       CreditTransactionType = "trade"
	TxPurchase    CreditTransactionType = "purchase"
	TxRefund      CreditTransactionType = "refund"
	TxBonus       CreditTransactionType = "bonus"
)

// CreditBalance is the current credit state for a user. Balance may go
// negative (debt); LifetimeSpent only ever grows.
type CreditBalance struct {
	UserID           string    `db:"user_id" json:"user_id"`
	Balance          int64     `db:"balance" json:"balance"`
	LifetimeSpent    int64     `db:"lifetime_spent" json:"lifetime_spent"`
	Tier             UserTier  `db:"tier" json:"tier"`
	LastActivityDate *string   `db:"last_activity_date" json:"last_activity_date,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// CreditTransaction is an immutable ledger entry. Amount is positive for
// credits and negative for debits; BalanceAfter is an audit snapshot.
type CreditTransaction struct {
	ID            string                 `db:"id" json:"id"`
	UserID        string                 `db:"user_id" json:"user_id"`
	Type          CreditTransactionType  `db:"type" json:"type"`
	Amount        int64                  `db:"amount" json:"amount"`
	BalanceAfter  int64                  `db:"balance_after" json:"balance_after"`
	ReferenceID   *string                `db:"reference_id" json:"reference_id,omitempty"`
	ReferenceType *string                `db:"reference_type" json:"reference_type,omitempty"`
	Metadata      map[string]interface{} `db:"metadata" json:"metadata,omitempty"`
	CreatedAt     time.Time              `db:"created_at" json:"created_at"`
}

// AccessContext is what a balance snapshot permits. Derived, never stored.
type AccessContext struct {
	CanTrade          bool   `json:"can_trade"`
	CanViewRealtime   bool   `json:"can_view_realtime"`
	ShowAds           bool   `json:"show_ads"`
	RequiresUpgrade   bool   `json:"requires_upgrade"`
	RequiredCredits   int64  `json:"required_credits"`
	CurrentDebt       int64  `json:"current_debt"`
	RestrictionReason string `json:"restriction_reason,omitempty"`
}

// TradeEligibility is the boolean form of an access decision, returned where
// the caller still has a choice to make.
type TradeEligibility struct {
	Allowed         bool   `json:"allowed"`
	Reason          string `json:"reason,omitempty"`
	RequiredCredits int64  `json:"required_credits"`
}
