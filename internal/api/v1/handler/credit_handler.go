package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"app/internal/api/v1/dto"
	"app/internal/middleware"
	"app/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// CreditHandler handles credit-ledger endpoints.
type CreditHandler struct {
	creditSvc service.CreditService
	validate  *validator.Validate
	logger    zerolog.Logger
}

// NewCreditHandler creates a new CreditHandler.
func NewCreditHandler(creditSvc service.CreditService, validate *validator.Validate, logger zerolog.Logger) *CreditHandler {
	return &CreditHandler{creditSvc: creditSvc, validate: validate, logger: logger}
}

// RegisterRoutes registers the credit endpoints.
func (h *CreditHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware func(http.Handler) http.Handler) {
	mux.Handle("GET /credits/balance", authMiddleware(http.HandlerFunc(h.Balance)))
	mux.Handle("POST /credits/activity", authMiddleware(http.HandlerFunc(h.Activity)))
	mux.Handle("GET /credits/access", authMiddleware(http.HandlerFunc(h.Access)))
	mux.Handle("GET /credits/trade-eligibility", authMiddleware(http.HandlerFunc(h.TradeEligibility)))
	mux.Handle("POST /credits/trades", authMiddleware(http.HandlerFunc(h.ExecuteTrade)))
	mux.Handle("GET /credits/transactions", authMiddleware(http.HandlerFunc(h.Transactions)))
}

func userIDFromContext(r *http.Request) (string, bool) {
	userID, ok := r.Context().Value(middleware.UserContextKey).(string)
	return userID, ok && userID != ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}, logger zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("failed to encode response")
	}
}

// Balance godoc
// @Summary Get the current credit balance
// @Description Returns the caller's balance, initializing it with the free allotment on first read.
// @Tags credits
// @Produce json
// @Success 200 {object} model.CreditBalance
// @Failure 401 {string} string "unauthorized"
// @Failure 500 {string} string "failed to fetch balance"
// @Router /credits/balance [get]
func (h *CreditHandler) Balance(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	balance, err := h.creditSvc.GetBalance(r.Context(), userID)
	if err != nil {
		http.Error(w, "failed to fetch balance", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, balance, h.logger)
}

// Activity godoc
// @Summary Record user activity
// @Description Meters daily activity; the first call of the day deducts the daily-active cost.
// @Tags credits
// @Accept json
// @Produce json
// @Success 204 {string} string "recorded"
// @Failure 401 {string} string "unauthorized"
// @Failure 500 {string} string "failed to track activity"
// @Router /credits/activity [post]
func (h *CreditHandler) Activity(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req dto.TrackActivityRequest
	if r.Body != nil {
		// Body is optional; the activity type defaults to api_call.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if err := h.creditSvc.TrackActivity(r.Context(), userID, req.ActivityType); err != nil {
		http.Error(w, "failed to track activity", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Access godoc
// @Summary Evaluate access for the current balance
// @Description Returns what the caller's balance and tier currently permit. Pass order_value to also check the large-order rule.
// @Tags credits
// @Produce json
// @Param order_value query number false "Order value to evaluate"
// @Success 200 {object} model.AccessContext
// @Failure 401 {string} string "unauthorized"
// @Failure 500 {string} string "failed to evaluate access"
// @Router /credits/access [get]
func (h *CreditHandler) Access(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var orderValue *float64
	if raw := r.URL.Query().Get("order_value"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			http.Error(w, "invalid order_value", http.StatusBadRequest)
			return
		}
		orderValue = &v
	}
	access, err := h.creditSvc.GetAccessContext(r.Context(), userID, orderValue)
	if err != nil {
		http.Error(w, "failed to evaluate access", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, access, h.logger)
}

// TradeEligibility godoc
// @Summary Check whether a trade would be allowed
// @Tags credits
// @Produce json
// @Param order_value query number true "Order value of the intended trade"
// @Success 200 {object} model.TradeEligibility
// @Failure 400 {string} string "invalid order_value"
// @Failure 401 {string} string "unauthorized"
// @Router /credits/trade-eligibility [get]
func (h *CreditHandler) TradeEligibility(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	orderValue, err := strconv.ParseFloat(r.URL.Query().Get("order_value"), 64)
	if err != nil {
		http.Error(w, "invalid order_value", http.StatusBadRequest)
		return
	}
	eligibility, err := h.creditSvc.CanExecuteTrade(r.Context(), userID, orderValue)
	if err != nil {
		http.Error(w, "failed to evaluate trade eligibility", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, eligibility, h.logger)
}

// ExecuteTrade godoc
// @Summary Charge the credit cost of an executed trade
// @Description Deducts the trade cost for an order. Blocked trades return 403 with the restriction reason.
// @Tags credits
// @Accept json
// @Produce json
// @Param trade body dto.ExecuteTradeRequest true "Executed trade"
// @Success 200 {object} model.CreditTransaction
// @Failure 400 {string} string "invalid request payload"
// @Failure 401 {string} string "unauthorized"
// @Failure 403 {object} dto.TradeDeniedResponse
// @Router /credits/trades [post]
func (h *CreditHandler) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req dto.ExecuteTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request payload", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, "invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	tx, err := h.creditSvc.DeductForTrade(r.Context(), userID, req.OrderID, req.TradeAmount)
	if err != nil {
		var creditErr *service.CreditError
		if errors.As(err, &creditErr) {
			writeJSON(w, http.StatusForbidden, dto.TradeDeniedResponse{
				Error:           creditErr.Reason,
				RequiredCredits: creditErr.RequiredCredits,
			}, h.logger)
			return
		}
		http.Error(w, "failed to deduct trade cost", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tx, h.logger)
}

// Transactions godoc
// @Summary List ledger history
// @Description Returns the caller's credit transactions, newest first.
// @Tags credits
// @Produce json
// @Param limit query int false "Page size (default 50)"
// @Param offset query int false "Offset"
// @Success 200 {array} model.CreditTransaction
// @Failure 401 {string} string "unauthorized"
// @Router /credits/transactions [get]
func (h *CreditHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	txs, err := h.creditSvc.GetTransactions(r.Context(), userID, limit, offset)
	if err != nil {
		http.Error(w, "failed to fetch transactions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, txs, h.logger)
}
