package dto

// CreatePaymentIntentRequest is the body for starting a credit purchase.
// AmountEur is in minor units (cents).
type CreatePaymentIntentRequest struct {
	AmountEur int64  `json:"amount_eur" validate:"required,gt=0"`
	Tier      string `json:"tier" validate:"omitempty,oneof=paid_tier1 paid_tier2"`
}
