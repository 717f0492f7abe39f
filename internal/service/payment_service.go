package service

import (
	"context"
	"encoding/json"

	"app/internal/idgen"
	"app/internal/model"
	"app/internal/pubsub"
	"app/internal/repository"

	"github.com/rs/zerolog"
)

// CreatePaymentIntentParams are the caller's inputs to intent creation.
// AmountEur is in minor units (cents).
type CreatePaymentIntentParams struct {
	UserID    string
	Email     string
	AmountEur int64
	Tier      string
}

// CreatePaymentIntentResult is returned to the caller so the frontend can
// complete the charge. No credits are granted at this point.
type CreatePaymentIntentResult struct {
	PaymentID      string `json:"payment_id"`
	ClientSecret   string `json:"client_secret"`
	AmountEur      int64  `json:"amount_eur"`
	Currency       string `json:"currency"`
	CreditsGranted int64  `json:"credits_granted"`
}

// PaymentService sequences gateway calls with payment-store and ledger
// updates. It is the single place where external money events become
// internal credit events. All operations are safe to repeat: webhook
// delivery is at-least-once.
type PaymentService interface {
	// CreatePaymentIntent creates a gateway intent and records a pending
	// payment with its credit grant fixed at creation time.
	CreatePaymentIntent(ctx context.Context, params CreatePaymentIntentParams) (*CreatePaymentIntentResult, error)
	// HandlePaymentSuccess confirms the payment and grants its credits.
	// Returns false for unknown payments or failed confirmations; duplicate
	// deliveries return true without granting twice.
	HandlePaymentSuccess(ctx context.Context, stripePaymentIntentID string) (bool, error)
	// HandleRefund executes a refund and removes the corresponding credits.
	// A refundAmountEur strictly below the payment amount is partial and
	// leaves the payment status at completed.
	HandleRefund(ctx context.Context, stripePaymentIntentID string, refundAmountEur *int64) (bool, error)
	// GetPaymentHistory returns the user's payments, newest first.
	GetPaymentHistory(ctx context.Context, userID string, limit int) ([]model.Payment, error)
}

type paymentService struct {
	gateway      PaymentGateway
	payments     repository.PaymentRepository
	credits      CreditService
	ids          idgen.Generator
	events       pubsub.Publisher
	billingTopic string
	logger       zerolog.Logger
}

// NewPaymentService creates a new PaymentService with a scoped logger.
// events may be nil when no billing-event topic is configured.
func NewPaymentService(gateway PaymentGateway, payments repository.PaymentRepository, credits CreditService, ids idgen.Generator, events pubsub.Publisher, billingTopic string, logger zerolog.Logger) PaymentService {
	return &paymentService{
		gateway:      gateway,
		payments:     payments,
		credits:      credits,
		ids:          ids,
		events:       events,
		billingTopic: billingTopic,
		logger:       logger.With().Str("service", "PaymentService").Logger(),
	}
}

// creditsForAmount converts cents to credits, flooring fractional credits.
func creditsForAmount(amountEur int64) int64 {
	return amountEur * model.CreditsPerEUR / 100
}

// CreatePaymentIntent creates the gateway intent and the pending payment record.
func (s *paymentService) CreatePaymentIntent(ctx context.Context, params CreatePaymentIntentParams) (*CreatePaymentIntentResult, error) {
	credits := creditsForAmount(params.AmountEur)
	intent, err := s.gateway.CreateIntent(ctx, CreateIntentParams{
		AmountEur: params.AmountEur,
		Email:     params.Email,
		Metadata: map[string]string{
			"user_id": params.UserID,
			"tier":    params.Tier,
		},
	})
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", params.UserID).Msg("Failed to create gateway intent")
		return nil, err
	}

	payment := &model.Payment{
		ID:                    s.ids.Generate("pay"),
		UserID:                params.UserID,
		StripePaymentIntentID: intent.ID,
		AmountEur:             params.AmountEur,
		CreditsGranted:        credits,
		Status:                model.PaymentPending,
	}
	if err := s.payments.Create(ctx, payment); err != nil {
		s.logger.Error().Err(err).Str("user_id", params.UserID).Str("intent_id", intent.ID).Msg("Failed to record payment")
		return nil, err
	}
	s.logger.Info().Str("user_id", params.UserID).Str("payment_id", payment.ID).Int64("credits", credits).Msg("Payment intent created")

	return &CreatePaymentIntentResult{
		PaymentID:      payment.ID,
		ClientSecret:   intent.ClientSecret,
		AmountEur:      intent.Amount,
		Currency:       intent.Currency,
		CreditsGranted: credits,
	}, nil
}

// HandlePaymentSuccess processes a success webhook for the given intent.
func (s *paymentService) HandlePaymentSuccess(ctx context.Context, stripePaymentIntentID string) (bool, error) {
	payment, err := s.payments.FindByStripeIntentID(ctx, stripePaymentIntentID)
	if err != nil {
		return false, err
	}
	if payment == nil {
		s.logger.Warn().Str("intent_id", stripePaymentIntentID).Msg("Success webhook for unknown payment")
		return false, nil
	}
	// Fast path for duplicate delivery; the conditional transition below is
	// what actually closes the race.
	if payment.Status == model.PaymentCompleted {
		return true, nil
	}

	confirmed, err := s.gateway.ConfirmPayment(ctx, stripePaymentIntentID)
	if err != nil {
		return false, err
	}
	if !confirmed {
		moved, err := s.payments.TransitionStatus(ctx, payment.ID, model.PaymentPending, model.PaymentFailed)
		if err != nil {
			return false, err
		}
		if !moved {
			// A concurrent delivery completed the payment; this stale
			// confirmation must not clobber it.
			return true, nil
		}
		s.logger.Warn().Str("payment_id", payment.ID).Msg("Payment confirmation failed")
		return false, nil
	}

	moved, err := s.payments.TransitionStatus(ctx, payment.ID, model.PaymentPending, model.PaymentCompleted)
	if err != nil {
		return false, err
	}
	if !moved {
		// A concurrent delivery completed the payment; credits were already granted.
		return true, nil
	}

	if _, err := s.credits.AddPurchasedCredits(ctx, payment.UserID, payment.CreditsGranted, payment.ID); err != nil {
		return false, err
	}
	s.logger.Info().Str("payment_id", payment.ID).Str("user_id", payment.UserID).Int64("credits", payment.CreditsGranted).Msg("Payment completed, credits granted")
	s.publishEvent(ctx, "credits.purchased", payment, payment.CreditsGranted)
	return true, nil
}

// HandleRefund processes a refund webhook or request for the given intent.
func (s *paymentService) HandleRefund(ctx context.Context, stripePaymentIntentID string, refundAmountEur *int64) (bool, error) {
	payment, err := s.payments.FindByStripeIntentID(ctx, stripePaymentIntentID)
	if err != nil {
		return false, err
	}
	// Refunds are only valid against completed payments; anything else is an
	// expected caller-input condition, not a fault.
	if payment == nil || payment.Status != model.PaymentCompleted {
		return false, nil
	}

	ok, err := s.gateway.CreateRefund(ctx, stripePaymentIntentID, refundAmountEur)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	partial := refundAmountEur != nil && *refundAmountEur < payment.AmountEur
	var creditsToRemove int64
	var metadata map[string]interface{}
	if partial {
		// A partial refund does not move the status machine; the payment
		// stays completed.
		creditsToRemove = creditsForAmount(*refundAmountEur)
		metadata = map[string]interface{}{
			"partial_refund": true,
			"refund_amount":  *refundAmountEur,
		}
	} else {
		creditsToRemove = payment.CreditsGranted
		moved, err := s.payments.TransitionStatus(ctx, payment.ID, model.PaymentCompleted, model.PaymentRefunded)
		if err != nil {
			return false, err
		}
		if !moved {
			// A concurrent delivery already refunded this payment; credits
			// were already removed.
			return true, nil
		}
	}

	if _, err := s.credits.RemoveRefundedCredits(ctx, payment.UserID, creditsToRemove, payment.ID, metadata); err != nil {
		return false, err
	}
	s.logger.Info().Str("payment_id", payment.ID).Str("user_id", payment.UserID).Int64("credits_removed", creditsToRemove).Bool("partial", partial).Msg("Refund processed")
	s.publishEvent(ctx, "credits.refunded", payment, creditsToRemove)
	return true, nil
}

// GetPaymentHistory returns the user's payments, newest first.
func (s *paymentService) GetPaymentHistory(ctx context.Context, userID string, limit int) ([]model.Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.payments.FindByUserID(ctx, userID, limit)
}

// publishEvent emits a billing event for downstream consumers. Failures are
// logged, not returned: the ledger is already consistent and the webhook
// must still be acknowledged.
func (s *paymentService) publishEvent(ctx context.Context, eventType string, payment *model.Payment, credits int64) {
	if s.events == nil || s.billingTopic == "" {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"type":       eventType,
		"user_id":    payment.UserID,
		"payment_id": payment.ID,
		"credits":    credits,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("event_type", eventType).Msg("Failed to marshal billing event")
		return
	}
	if _, err := s.events.Publish(ctx, s.billingTopic, payload); err != nil {
		s.logger.Warn().Err(err).Str("event_type", eventType).Str("payment_id", payment.ID).Msg("Failed to publish billing event")
	}
}
