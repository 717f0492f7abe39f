package repository

import (
	"context"
	"errors"
	"fmt"

	"app/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PaymentRepository is the durable store for payment records, keyed both by
// internal id and by the gateway's payment intent id.
type PaymentRepository interface {
	Create(ctx context.Context, p *model.Payment) error
	// FindByID returns the payment, or nil if absent.
	FindByID(ctx context.Context, id string) (*model.Payment, error)
	// FindByStripeIntentID returns the payment for a gateway reference, or nil if absent.
	FindByStripeIntentID(ctx context.Context, intentID string) (*model.Payment, error)
	UpdateStatus(ctx context.Context, id string, status model.PaymentStatus) (*model.Payment, error)
	// TransitionStatus moves the payment from one status to another and
	// reports whether this call performed the move. Racing webhook deliveries
	// are resolved here: exactly one caller sees true.
	TransitionStatus(ctx context.Context, id string, from, to model.PaymentStatus) (bool, error)
	FindByUserID(ctx context.Context, userID string, limit int) ([]model.Payment, error)
}

type paymentRepo struct {
	pool *pgxpool.Pool
}

// NewPaymentRepo creates a new PaymentRepository.
func NewPaymentRepo(pool *pgxpool.Pool) PaymentRepository {
	return &paymentRepo{pool: pool}
}

const paymentColumns = `id, user_id, stripe_payment_intent_id, amount_eur, credits_granted, status, created_at, updated_at`

func scanPayment(row pgx.Row) (*model.Payment, error) {
	var p model.Payment
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.StripePaymentIntentID,
		&p.AmountEur,
		&p.CreditsGranted,
		&p.Status,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *paymentRepo) Create(ctx context.Context, p *model.Payment) error {
	const q = `
        INSERT INTO payments (id, user_id, stripe_payment_intent_id, amount_eur, credits_granted, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
        RETURNING created_at, updated_at
    `
	err := r.pool.QueryRow(ctx, q, p.ID, p.UserID, p.StripePaymentIntentID, p.AmountEur, p.CreditsGranted, p.Status).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create payment %s for user %s: %w", p.ID, p.UserID, err)
	}
	return nil
}

// FindByID returns the payment, or nil if absent.
func (r *paymentRepo) FindByID(ctx context.Context, id string) (*model.Payment, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	p, err := scanPayment(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch payment %s: %w", id, err)
	}
	return p, nil
}

// FindByStripeIntentID returns the payment for a gateway reference, or nil if absent.
func (r *paymentRepo) FindByStripeIntentID(ctx context.Context, intentID string) (*model.Payment, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments WHERE stripe_payment_intent_id = $1`
	p, err := scanPayment(r.pool.QueryRow(ctx, q, intentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch payment by intent %s: %w", intentID, err)
	}
	return p, nil
}

func (r *paymentRepo) UpdateStatus(ctx context.Context, id string, status model.PaymentStatus) (*model.Payment, error) {
	q := `UPDATE payments SET status = $2, updated_at = NOW() WHERE id = $1 RETURNING ` + paymentColumns
	p, err := scanPayment(r.pool.QueryRow(ctx, q, id, status))
	if err != nil {
		return nil, fmt.Errorf("update payment %s to %s: %w", id, status, err)
	}
	return p, nil
}

// TransitionStatus performs a conditional status move; false means another
// caller already moved the payment out of the expected status.
func (r *paymentRepo) TransitionStatus(ctx context.Context, id string, from, to model.PaymentStatus) (bool, error) {
	const q = `UPDATE payments SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`
	tag, err := r.pool.Exec(ctx, q, id, from, to)
	if err != nil {
		return false, fmt.Errorf("transition payment %s from %s to %s: %w", id, from, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *paymentRepo) FindByUserID(ctx context.Context, userID string, limit int) ([]model.Payment, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch payments for user %s: %w", userID, err)
	}
	defer rows.Close()

	payments := []model.Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment for user %s: %w", userID, err)
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments for user %s: %w", userID, err)
	}
	return payments, nil
}
