package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"app/internal/idgen"
	"app/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LedgerRepository is the durable store for credit balances and the
// append-only transaction log. Balance mutation and log append happen as one
// atomic unit so concurrent deductions never read a stale balance.
type LedgerRepository interface {
	// GetBalance returns the user's balance, or nil if none exists yet.
	GetBalance(ctx context.Context, userID string) (*model.CreditBalance, error)
	// InitializeBalance creates a balance seeded with the free allotment.
	// Safe to call concurrently; the existing row wins.
	InitializeBalance(ctx context.Context, userID string) (*model.CreditBalance, error)
	// AddCredits atomically increments the balance and appends a ledger entry.
	AddCredits(ctx context.Context, userID string, amount int64, txType model.CreditTransactionType, referenceID, referenceType string, metadata map[string]interface{}) (*model.CreditTransaction, error)
	// DeductCredits atomically decrements the balance, grows lifetime_spent
	// and appends a ledger entry. The balance may go negative.
	DeductCredits(ctx context.Context, userID string, amount int64, txType model.CreditTransactionType, referenceID, referenceType string, metadata map[string]interface{}) (*model.CreditTransaction, error)
	// GetTransactions returns ledger entries newest first.
	GetTransactions(ctx context.Context, userID string, limit, offset int) ([]model.CreditTransaction, error)
	// RecordActivity marks the user active today and returns true iff this is
	// the first activity of the current calendar day. The test-and-set is a
	// single conditional update, so at most one caller per day sees true.
	RecordActivity(ctx context.Context, userID, activityType string) (bool, error)
	// UpdateTier writes the user's tier.
	UpdateTier(ctx context.Context, userID string, tier model.UserTier) error
}

type ledgerRepo struct {
	pool *pgxpool.Pool
	ids  idgen.Generator
}

// NewLedgerRepo creates a new LedgerRepository.
func NewLedgerRepo(pool *pgxpool.Pool, ids idgen.Generator) LedgerRepository {
	return &ledgerRepo{pool: pool, ids: ids}
}

const balanceColumns = `user_id, balance, lifetime_spent, tier, last_activity_date, created_at, updated_at`

func scanBalance(row pgx.Row) (*model.CreditBalance, error) {
	var b model.CreditBalance
	err := row.Scan(
		&b.UserID,
		&b.Balance,
		&b.LifetimeSpent,
		&b.Tier,
		&b.LastActivityDate,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBalance returns the user's balance, or nil if none exists yet.
func (r *ledgerRepo) GetBalance(ctx context.Context, userID string) (*model.CreditBalance, error) {
	q := `SELECT ` + balanceColumns + ` FROM credit_balances WHERE user_id = $1`
	b, err := scanBalance(r.pool.QueryRow(ctx, q, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch balance for user %s: %w", userID, err)
	}
	return b, nil
}

// InitializeBalance creates a balance row seeded with the free allotment.
func (r *ledgerRepo) InitializeBalance(ctx context.Context, userID string) (*model.CreditBalance, error) {
	const insertQ = `
        INSERT INTO credit_balances (user_id, balance, lifetime_spent, tier, created_at, updated_at)
        VALUES ($1, $2, 0, $3, NOW(), NOW())
        ON CONFLICT (user_id) DO NOTHING
    `
	if _, err := r.pool.Exec(ctx, insertQ, userID, int64(model.FreeCredits), model.TierFree); err != nil {
		return nil, fmt.Errorf("initialize balance for user %s: %w", userID, err)
	}
	q := `SELECT ` + balanceColumns + ` FROM credit_balances WHERE user_id = $1`
	b, err := scanBalance(r.pool.QueryRow(ctx, q, userID))
	if err != nil {
		return nil, fmt.Errorf("fetch initialized balance for user %s: %w", userID, err)
	}
	return b, nil
}

// AddCredits atomically increments the balance and appends a ledger entry.
func (r *ledgerRepo) AddCredits(ctx context.Context, userID string, amount int64, txType model.CreditTransactionType, referenceID, referenceType string, metadata map[string]interface{}) (*model.CreditTransaction, error) {
	return r.applyDelta(ctx, userID, amount, txType, referenceID, referenceType, metadata)
}

// DeductCredits atomically decrements the balance and appends a ledger entry.
func (r *ledgerRepo) DeductCredits(ctx context.Context, userID string, amount int64, txType model.CreditTransactionType, referenceID, referenceType string, metadata map[string]interface{}) (*model.CreditTransaction, error) {
	return r.applyDelta(ctx, userID, -amount, txType, referenceID, referenceType, metadata)
}

// applyDelta runs "update balance, append transaction" as one serializable
// transaction. delta is signed: negative deltas also grow lifetime_spent.
func (r *ledgerRepo) applyDelta(ctx context.Context, userID string, delta int64, txType model.CreditTransactionType, referenceID, referenceType string, metadata map[string]interface{}) (*model.CreditTransaction, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("starting ledger transaction for user %s: %w", userID, err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	const updateQ = `
        UPDATE credit_balances
        SET balance = balance + $2,
            lifetime_spent = lifetime_spent + CASE WHEN $2 < 0 THEN -$2 ELSE 0 END,
            updated_at = NOW()
        WHERE user_id = $1
        RETURNING balance
    `
	var balanceAfter int64
	if err := tx.QueryRow(ctx, updateQ, userID, delta).Scan(&balanceAfter); err != nil {
		return nil, fmt.Errorf("applying credit delta for user %s: %w", userID, err)
	}

	entry := model.CreditTransaction{
		ID:           r.ids.Generate("txn"),
		UserID:       userID,
		Type:         txType,
		Amount:       delta,
		BalanceAfter: balanceAfter,
		Metadata:     metadata,
	}
	if referenceID != "" {
		entry.ReferenceID = &referenceID
	}
	if referenceType != "" {
		entry.ReferenceType = &referenceType
	}
	var rawMeta []byte
	if metadata != nil {
		rawMeta, err = json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal transaction metadata for user %s: %w", userID, err)
		}
	}
	const insertQ = `
        INSERT INTO credit_transactions (id, user_id, type, amount, balance_after, reference_id, reference_type, metadata, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
        RETURNING created_at
    `
	if err := tx.QueryRow(ctx, insertQ, entry.ID, entry.UserID, entry.Type, entry.Amount, entry.BalanceAfter, entry.ReferenceID, entry.ReferenceType, rawMeta).Scan(&entry.CreatedAt); err != nil {
		return nil, fmt.Errorf("appending %s transaction for user %s: %w", txType, userID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing %s transaction for user %s: %w", txType, userID, err)
	}
	return &entry, nil
}

// GetTransactions returns ledger entries newest first.
func (r *ledgerRepo) GetTransactions(ctx context.Context, userID string, limit, offset int) ([]model.CreditTransaction, error) {
	const q = `
        SELECT id, user_id, type, amount, balance_after, reference_id, reference_type, metadata, created_at
        FROM credit_transactions
        WHERE user_id = $1
        ORDER BY created_at DESC
        LIMIT $2 OFFSET $3
    `
	rows, err := r.pool.Query(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("fetch transactions for user %s: %w", userID, err)
	}
	defer rows.Close()

	txs := []model.CreditTransaction{}
	for rows.Next() {
		var t model.CreditTransaction
		var rawMeta []byte
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.BalanceAfter, &t.ReferenceID, &t.ReferenceType, &rawMeta, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction for user %s: %w", userID, err)
		}
		if len(rawMeta) > 0 {
			if err := json.Unmarshal(rawMeta, &t.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata for transaction %s: %w", t.ID, err)
			}
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions for user %s: %w", userID, err)
	}
	return txs, nil
}

// RecordActivity marks the user active today. The conditional update is the
// idempotency guard: only the call that actually flips last_activity_date to
// today's date sees true, even under concurrent invocations.
func (r *ledgerRepo) RecordActivity(ctx context.Context, userID, activityType string) (bool, error) {
	today := time.Now().UTC().Format("2006-01-02")
	const updateQ = `
        UPDATE credit_balances
        SET last_activity_date = $2, updated_at = NOW()
        WHERE user_id = $1
          AND (last_activity_date IS NULL OR last_activity_date <> $2)
    `
	tag, err := r.pool.Exec(ctx, updateQ, userID, today)
	if err != nil {
		return false, fmt.Errorf("recording activity for user %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	const eventQ = `INSERT INTO usage_events (user_id, event_type) VALUES ($1, $2)`
	if _, err := r.pool.Exec(ctx, eventQ, userID, activityType); err != nil {
		return false, fmt.Errorf("recording usage event for user %s: %w", userID, err)
	}
	return true, nil
}

// UpdateTier writes the user's tier.
func (r *ledgerRepo) UpdateTier(ctx context.Context, userID string, tier model.UserTier) error {
	const q = `UPDATE credit_balances SET tier = $2, updated_at = NOW() WHERE user_id = $1`
	if _, err := r.pool.Exec(ctx, q, userID, tier); err != nil {
		return fmt.Errorf("update tier for user %s: %w", userID, err)
	}
	return nil
}
