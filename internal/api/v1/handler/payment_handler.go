package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"app/internal/api/v1/dto"
	"app/internal/middleware"
	"app/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// PaymentHandler handles payment endpoints and the Stripe webhook.
type PaymentHandler struct {
	paymentSvc    service.PaymentService
	validate      *validator.Validate
	webhookSecret string
	logger        zerolog.Logger
}

// NewPaymentHandler creates a new PaymentHandler.
func NewPaymentHandler(paymentSvc service.PaymentService, validate *validator.Validate, webhookSecret string, logger zerolog.Logger) *PaymentHandler {
	return &PaymentHandler{paymentSvc: paymentSvc, validate: validate, webhookSecret: webhookSecret, logger: logger}
}

// RegisterRoutes registers the payment endpoints. The webhook endpoint is
// authenticated by its Stripe signature, not by the bearer-token middleware.
func (h *PaymentHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware func(http.Handler) http.Handler) {
	mux.Handle("POST /payments/intent", authMiddleware(http.HandlerFunc(h.CreateIntent)))
	mux.Handle("GET /payments", authMiddleware(http.HandlerFunc(h.History)))
	mux.Handle("POST /webhooks/stripe", http.HandlerFunc(h.Webhook))
}

// CreateIntent godoc
// @Summary Start a credit purchase
// @Description Creates a Stripe PaymentIntent and records a pending payment. Credits are granted on the success webhook.
// @Tags payments
// @Accept json
// @Produce json
// @Param payment body dto.CreatePaymentIntentRequest true "Purchase request"
// @Success 200 {object} service.CreatePaymentIntentResult
// @Failure 400 {string} string "invalid request payload"
// @Failure 401 {string} string "unauthorized"
// @Failure 500 {string} string "failed to create payment intent"
// @Router /payments/intent [post]
func (h *PaymentHandler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	email, _ := r.Context().Value(middleware.EmailContextKey).(string)

	var req dto.CreatePaymentIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request payload", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, "invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	result, err := h.paymentSvc.CreatePaymentIntent(r.Context(), service.CreatePaymentIntentParams{
		UserID:    userID,
		Email:     email,
		AmountEur: req.AmountEur,
		Tier:      req.Tier,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("failed to create payment intent")
		http.Error(w, "failed to create payment intent", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result, h.logger)
}

// History godoc
// @Summary List payment history
// @Tags payments
// @Produce json
// @Param limit query int false "Page size (default 50)"
// @Success 200 {array} model.Payment
// @Failure 401 {string} string "unauthorized"
// @Router /payments [get]
func (h *PaymentHandler) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	payments, err := h.paymentSvc.GetPaymentHistory(r.Context(), userID, limit)
	if err != nil {
		http.Error(w, "failed to fetch payments", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, payments, h.logger)
}

// Webhook godoc
// @Summary Stripe webhook receiver
// @Description Verifies the Stripe signature and routes payment events to the orchestrator. Safe under duplicate delivery.
// @Tags payments
// @Accept json
// @Success 200 {string} string "processed"
// @Failure 400 {string} string "signature verification failed"
// @Failure 500 {string} string "failed to process event"
// @Router /webhooks/stripe [post]
func (h *PaymentHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to read Stripe webhook payload")
		http.Error(w, "failed to read payload", http.StatusBadRequest)
		return
	}
	sig := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(payload, sig, h.webhookSecret)
	if err != nil {
		h.logger.Error().Err(err).Msg("Signature verification failed for Stripe webhook")
		http.Error(w, "signature verification failed", http.StatusBadRequest)
		return
	}
	h.logger.Info().Str("event_type", string(event.Type)).Msg("Stripe webhook received")

	ctx := r.Context()
	switch event.Type {
	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			h.logger.Error().Err(err).Msg("Invalid payment_intent.succeeded payload")
			http.Error(w, "invalid payment intent data", http.StatusBadRequest)
			return
		}
		handled, err := h.paymentSvc.HandlePaymentSuccess(ctx, pi.ID)
		if err != nil {
			h.logger.Error().Err(err).Str("intent_id", pi.ID).Msg("Failed to process payment success")
			http.Error(w, "failed to process event", http.StatusInternalServerError)
			return
		}
		if !handled {
			// Unknown or declined payment. Acknowledge so Stripe stops retrying.
			h.logger.Warn().Str("intent_id", pi.ID).Msg("Payment success event not applied")
		}
	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			h.logger.Error().Err(err).Msg("Invalid charge.refunded payload")
			http.Error(w, "invalid charge data", http.StatusBadRequest)
			return
		}
		if ch.PaymentIntent == nil {
			h.logger.Warn().Str("charge_id", ch.ID).Msg("Refunded charge has no payment intent")
			w.WriteHeader(http.StatusOK)
			return
		}
		var refundAmount *int64
		if ch.AmountRefunded > 0 {
			refundAmount = &ch.AmountRefunded
		}
		handled, err := h.paymentSvc.HandleRefund(ctx, ch.PaymentIntent.ID, refundAmount)
		if err != nil {
			h.logger.Error().Err(err).Str("intent_id", ch.PaymentIntent.ID).Msg("Failed to process refund")
			http.Error(w, "failed to process event", http.StatusInternalServerError)
			return
		}
		if !handled {
			h.logger.Warn().Str("intent_id", ch.PaymentIntent.ID).Msg("Refund event not applied")
		}
	default:
		h.logger.Debug().Str("event_type", string(event.Type)).Msg("Ignoring unhandled Stripe event")
	}
	w.WriteHeader(http.StatusOK)
}
