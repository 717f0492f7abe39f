package service

import (
	"context"

	"app/internal/model"
	"app/internal/repository"

	"github.com/rs/zerolog"
)

// CreditService owns balance reads, activity metering, trade deduction with
// access gating, credit top-up and tier promotion.
type CreditService interface {
	// GetBalance returns the user's balance, initializing one with the free
	// allotment on first read.
	GetBalance(ctx context.Context, userID string) (*model.CreditBalance, error)
	// TrackActivity deducts the daily-active cost on the first activity of
	// the calendar day. Repeat calls on the same day are no-ops. Metering is
	// never blocked by debt.
	TrackActivity(ctx context.Context, userID, activityType string) error
	// GetAccessContext evaluates what the current balance permits.
	// orderValue is nil when no specific order is being considered.
	GetAccessContext(ctx context.Context, userID string, orderValue *float64) (*model.AccessContext, error)
	// CanExecuteTrade is the boolean form of GetAccessContext for one order.
	CanExecuteTrade(ctx context.Context, userID string, orderValue float64) (*model.TradeEligibility, error)
	// DeductForTrade charges the trade cost for an executed order. A policy
	// denial fails with *CreditError and leaves the ledger untouched.
	DeductForTrade(ctx context.Context, userID, orderID string, tradeAmount float64) (*model.CreditTransaction, error)
	// AddPurchasedCredits grants purchased credits and applies tier
	// promotion: any purchase leaves the free tier; a single purchase of at
	// least Tier2MinPurchase credits promotes to tier 2.
	AddPurchasedCredits(ctx context.Context, userID string, credits int64, paymentID string) (*model.CreditTransaction, error)
	// RemoveRefundedCredits deducts credits returned to the gateway.
	RemoveRefundedCredits(ctx context.Context, userID string, credits int64, paymentID string, metadata map[string]interface{}) (*model.CreditTransaction, error)
	// GetTransactions returns the user's ledger history, newest first.
	GetTransactions(ctx context.Context, userID string, limit, offset int) ([]model.CreditTransaction, error)
}

type creditService struct {
	repo   repository.LedgerRepository
	logger zerolog.Logger
}

// NewCreditService creates a new CreditService with a scoped logger.
func NewCreditService(repo repository.LedgerRepository, logger zerolog.Logger) CreditService {
	return &creditService{
		repo:   repo,
		logger: logger.With().Str("service", "CreditService").Logger(),
	}
}

// GetBalance returns the user's balance, creating one lazily on first read.
func (s *creditService) GetBalance(ctx context.Context, userID string) (*model.CreditBalance, error) {
	balance, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to fetch balance")
		return nil, err
	}
	if balance != nil {
		return balance, nil
	}
	balance, err = s.repo.InitializeBalance(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to initialize balance")
		return nil, err
	}
	s.logger.Info().Str("user_id", userID).Int64("balance", balance.Balance).Msg("Initialized balance with free credits")
	return balance, nil
}

// TrackActivity charges the daily-active cost at most once per calendar day.
func (s *creditService) TrackActivity(ctx context.Context, userID, activityType string) error {
	if activityType == "" {
		activityType = "api_call"
	}
	if _, err := s.GetBalance(ctx, userID); err != nil {
		return err
	}
	first, err := s.repo.RecordActivity(ctx, userID, activityType)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to record activity")
		return err
	}
	if !first {
		return nil
	}
	// First activity of the day: the deduction applies even if it pushes the
	// balance into debt.
	_, err = s.repo.DeductCredits(ctx, userID, model.DailyActiveCost, model.TxDailyActive, "", "", map[string]interface{}{"activity_type": activityType})
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to deduct daily active cost")
		return err
	}
	return nil
}

// GetAccessContext evaluates the current balance snapshot.
func (s *creditService) GetAccessContext(ctx context.Context, userID string, orderValue *float64) (*model.AccessContext, error) {
	balance, err := s.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	access := evaluateAccess(balance, orderValue)
	return &access, nil
}

// CanExecuteTrade reports whether a trade of the given order value would be allowed.
func (s *creditService) CanExecuteTrade(ctx context.Context, userID string, orderValue float64) (*model.TradeEligibility, error) {
	access, err := s.GetAccessContext(ctx, userID, &orderValue)
	if err != nil {
		return nil, err
	}
	return &model.TradeEligibility{
		Allowed:         access.CanTrade,
		Reason:          access.RestrictionReason,
		RequiredCredits: access.RequiredCredits,
	}, nil
}

// DeductForTrade re-evaluates access and charges the trade cost. The caller
// has already attempted the trade, so a denial here is a *CreditError rather
// than a boolean.
func (s *creditService) DeductForTrade(ctx context.Context, userID, orderID string, tradeAmount float64) (*model.CreditTransaction, error) {
	access, err := s.GetAccessContext(ctx, userID, &tradeAmount)
	if err != nil {
		return nil, err
	}
	if !access.CanTrade {
		s.logger.Warn().Str("user_id", userID).Str("order_id", orderID).Str("reason", access.RestrictionReason).Msg("Trade deduction blocked")
		return nil, &CreditError{Reason: access.RestrictionReason, RequiredCredits: access.RequiredCredits}
	}
	tx, err := s.repo.DeductCredits(ctx, userID, model.TradeBaseCost, model.TxTrade, orderID, "order", map[string]interface{}{"trade_amount": tradeAmount})
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Str("order_id", orderID).Msg("Failed to deduct trade cost")
		return nil, err
	}
	return tx, nil
}

// AddPurchasedCredits grants credits and promotes the tier where the
// purchase warrants it. The tier is only written when it actually changes;
// there is no downgrade path here.
func (s *creditService) AddPurchasedCredits(ctx context.Context, userID string, credits int64, paymentID string) (*model.CreditTransaction, error) {
	// Ensure the balance row exists; a user can purchase before ever reading
	// their balance.
	balance, err := s.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	tx, err := s.repo.AddCredits(ctx, userID, credits, model.TxPurchase, paymentID, "payment", nil)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Str("payment_id", paymentID).Msg("Failed to add purchased credits")
		return nil, err
	}
	newTier := model.TierPaid1
	if credits >= model.Tier2MinPurchase {
		newTier = model.TierPaid2
	}
	if newTier.Rank() > balance.Tier.Rank() {
		if err := s.repo.UpdateTier(ctx, userID, newTier); err != nil {
			s.logger.Error().Err(err).Str("user_id", userID).Str("tier", string(newTier)).Msg("Failed to promote tier")
			return nil, err
		}
		s.logger.Info().Str("user_id", userID).Str("from", string(balance.Tier)).Str("to", string(newTier)).Msg("Tier promoted")
	}
	return tx, nil
}

// RemoveRefundedCredits deducts credits that were refunded at the gateway.
func (s *creditService) RemoveRefundedCredits(ctx context.Context, userID string, credits int64, paymentID string, metadata map[string]interface{}) (*model.CreditTransaction, error) {
	tx, err := s.repo.DeductCredits(ctx, userID, credits, model.TxRefund, paymentID, "payment", metadata)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Str("payment_id", paymentID).Msg("Failed to deduct refunded credits")
		return nil, err
	}
	return tx, nil
}

// GetTransactions returns the user's ledger history, newest first.
func (s *creditService) GetTransactions(ctx context.Context, userID string, limit, offset int) ([]model.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.GetTransactions(ctx, userID, limit, offset)
}
