package model

import "time"

// PaymentStatus is the lifecycle state of a payment intent. Valid transitions
// are pending→completed, pending→failed and completed→refunded; partial
// refunds leave the status at completed.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Payment records one payment-gateway intent. AmountEur is in minor units
// (cents); CreditsGranted is fixed at creation time.
type Payment struct {
	ID                    string        `db:"id" json:"id"`
	UserID                string        `db:"user_id" json:"user_id"`
	StripePaymentIntentID string        `db:"stripe_payment_intent_id" json:"stripe_payment_intent_id"`
	AmountEur             int64         `db:"amount_eur" json:"amount_eur"`
	CreditsGranted        int64         `db:"credits_granted" json:"credits_granted"`
	Status                PaymentStatus `db:"status" json:"status"`
	CreatedAt             time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time     `db:"updated_at" json:"updated_at"`
}
