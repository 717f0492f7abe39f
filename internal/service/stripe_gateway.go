package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/refund"
)

// PaymentIntentInfo is the gateway's view of a created intent; ClientSecret
// is handed to the frontend to complete the charge.
type PaymentIntentInfo struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Status       string `json:"status"`
}

// CreateIntentParams are the inputs to intent creation. AmountEur is in
// minor units (cents).
type CreateIntentParams struct {
	AmountEur int64
	Email     string
	Metadata  map[string]string
}

// PaymentGateway creates, confirms and refunds charges against the external
// payment processor.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, params CreateIntentParams) (*PaymentIntentInfo, error)
	// ConfirmPayment reports whether the intent has actually succeeded at the
	// processor. false means declined or still incomplete, not an I/O fault.
	ConfirmPayment(ctx context.Context, intentID string) (bool, error)
	// CreateRefund refunds the intent, in full when amountEur is nil.
	CreateRefund(ctx context.Context, intentID string, amountEur *int64) (bool, error)
}

// StripeGateway implements PaymentGateway against Stripe.
type StripeGateway struct {
	logger zerolog.Logger
}

// NewStripeGateway sets the Stripe API key and returns the gateway with a
// scoped logger.
func NewStripeGateway(secretKey string, logger zerolog.Logger) *StripeGateway {
	stripe.Key = secretKey
	return &StripeGateway{logger: logger.With().Str("service", "StripeGateway").Logger()}
}

// CreateIntent creates a Stripe PaymentIntent for the given amount.
func (g *StripeGateway) CreateIntent(ctx context.Context, params CreateIntentParams) (*PaymentIntentInfo, error) {
	piParams := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(params.AmountEur),
		Currency: stripe.String(string(stripe.CurrencyEUR)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if params.Email != "" {
		piParams.ReceiptEmail = stripe.String(params.Email)
	}
	for k, v := range params.Metadata {
		piParams.AddMetadata(k, v)
	}
	pi, err := paymentintent.New(piParams)
	if err != nil {
		g.logger.Error().Err(err).Int64("amount_eur", params.AmountEur).Msg("Failed to create payment intent")
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	return &PaymentIntentInfo{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		Status:       string(pi.Status),
	}, nil
}

// ConfirmPayment re-reads the intent from Stripe and reports whether it succeeded.
func (g *StripeGateway) ConfirmPayment(ctx context.Context, intentID string) (bool, error) {
	pi, err := paymentintent.Get(intentID, nil)
	if err != nil {
		g.logger.Error().Err(err).Str("intent_id", intentID).Msg("Failed to fetch payment intent")
		return false, fmt.Errorf("fetch payment intent %s: %w", intentID, err)
	}
	return pi.Status == stripe.PaymentIntentStatusSucceeded, nil
}

// CreateRefund issues a refund against the intent; nil amountEur refunds in full.
func (g *StripeGateway) CreateRefund(ctx context.Context, intentID string, amountEur *int64) (bool, error) {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(intentID)}
	if amountEur != nil {
		params.Amount = stripe.Int64(*amountEur)
	}
	r, err := refund.New(params)
	if err != nil {
		g.logger.Error().Err(err).Str("intent_id", intentID).Msg("Failed to create refund")
		return false, fmt.Errorf("create refund for intent %s: %w", intentID, err)
	}
	if r.Status == stripe.RefundStatusFailed {
		g.logger.Warn().Str("intent_id", intentID).Str("refund_id", r.ID).Msg("Refund reported failed by gateway")
		return false, nil
	}
	return true, nil
}
