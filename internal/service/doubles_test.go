package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"app/internal/model"
)

// In-memory doubles for the ledger store, payment store and gateway ports.

type fakeLedgerRepo struct {
	balances map[string]*model.CreditBalance
	txs      []model.CreditTransaction
	lastDay  map[string]string
	today    string
	nextID   int
}

func newFakeLedgerRepo() *fakeLedgerRepo {
	return &fakeLedgerRepo{
		balances: map[string]*model.CreditBalance{},
		lastDay:  map[string]string{},
		today:    "2026-08-24",
	}
}

func (f *fakeLedgerRepo) GetBalance(ctx context.Context, userID string) (*model.CreditBalance, error) {
	b, ok := f.balances[userID]
	if !ok {
		return nil, nil
	}
	copied := *b
	return &copied, nil
}

func (f *fakeLedgerRepo) InitializeBalance(ctx context.Context, userID string) (*model.CreditBalance, error) {
	if _, ok := f.balances[userID]; !ok {
		f.balances[userID] = &model.CreditBalance{
			UserID:    userID,
			Balance:   model.FreeCredits,
			Tier:      model.TierFree,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
	}
	return f.GetBalance(ctx, userID)
}

func (f *fakeLedgerRepo) apply(userID string, delta int64, txType model.CreditTransactionType, referenceID, referenceType string, metadata map[string]interface{}) (*model.CreditTransaction, error) {
	b, ok := f.balances[userID]
	if !ok {
		return nil, fmt.Errorf("no balance for user %s", userID)
	}
	b.Balance += delta
	if delta < 0 {
		b.LifetimeSpent += -delta
	}
	f.nextID++
	tx := model.CreditTransaction{
		ID:           fmt.Sprintf("txn-%d", f.nextID),
		UserID:       userID,
		Type:         txType,
		Amount:       delta,
		BalanceAfter: b.Balance,
		Metadata:     metadata,
		CreatedAt:    time.Now(),
	}
	if referenceID != "" {
		tx.ReferenceID = &referenceID
	}
	if referenceType != "" {
		tx.ReferenceType = &referenceType
	}
	f.txs = append(f.txs, tx)
	return &tx, nil
}

func (f *fakeLedgerRepo) AddCredits(ctx context.Context, userID string, amount int64, txType model.CreditTransactionType, referenceID, referenceType string, metadata map[string]interface{}) (*model.CreditTransaction, error) {
	return f.apply(userID, amount, txType, referenceID, referenceType, metadata)
}

func (f *fakeLedgerRepo) DeductCredits(ctx context.Context, userID string, amount int64, txType model.CreditTransactionType, referenceID, referenceType string, metadata map[string]interface{}) (*model.CreditTransaction, error) {
	return f.apply(userID, -amount, txType, referenceID, referenceType, metadata)
}

func (f *fakeLedgerRepo) GetTransactions(ctx context.Context, userID string, limit, offset int) ([]model.CreditTransaction, error) {
	out := []model.CreditTransaction{}
	for i := len(f.txs) - 1; i >= 0; i-- {
		if f.txs[i].UserID == userID {
			out = append(out, f.txs[i])
		}
	}
	if offset >= len(out) {
		return []model.CreditTransaction{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeLedgerRepo) RecordActivity(ctx context.Context, userID, activityType string) (bool, error) {
	if f.lastDay[userID] == f.today {
		return false, nil
	}
	f.lastDay[userID] = f.today
	return true, nil
}

func (f *fakeLedgerRepo) UpdateTier(ctx context.Context, userID string, tier model.UserTier) error {
	b, ok := f.balances[userID]
	if !ok {
		return fmt.Errorf("no balance for user %s", userID)
	}
	b.Tier = tier
	return nil
}

// transactionsOfType counts ledger entries of one type for assertions.
func (f *fakeLedgerRepo) transactionsOfType(txType model.CreditTransactionType) []model.CreditTransaction {
	out := []model.CreditTransaction{}
	for _, tx := range f.txs {
		if tx.Type == txType {
			out = append(out, tx)
		}
	}
	return out
}

type fakePaymentRepo struct {
	payments map[string]*model.Payment
	byIntent map[string]string
	seq      int
}

func newFakePaymentRepo() *fakePaymentRepo {
	return &fakePaymentRepo{payments: map[string]*model.Payment{}, byIntent: map[string]string{}}
}

func (f *fakePaymentRepo) Create(ctx context.Context, p *model.Payment) error {
	f.seq++
	p.CreatedAt = time.Now().Add(time.Duration(f.seq) * time.Millisecond)
	p.UpdatedAt = p.CreatedAt
	copied := *p
	f.payments[p.ID] = &copied
	f.byIntent[p.StripePaymentIntentID] = p.ID
	return nil
}

func (f *fakePaymentRepo) FindByID(ctx context.Context, id string) (*model.Payment, error) {
	p, ok := f.payments[id]
	if !ok {
		return nil, nil
	}
	copied := *p
	return &copied, nil
}

func (f *fakePaymentRepo) FindByStripeIntentID(ctx context.Context, intentID string) (*model.Payment, error) {
	id, ok := f.byIntent[intentID]
	if !ok {
		return nil, nil
	}
	return f.FindByID(ctx, id)
}

func (f *fakePaymentRepo) UpdateStatus(ctx context.Context, id string, status model.PaymentStatus) (*model.Payment, error) {
	p, ok := f.payments[id]
	if !ok {
		return nil, fmt.Errorf("no payment %s", id)
	}
	p.Status = status
	p.UpdatedAt = time.Now()
	copied := *p
	return &copied, nil
}

func (f *fakePaymentRepo) TransitionStatus(ctx context.Context, id string, from, to model.PaymentStatus) (bool, error) {
	p, ok := f.payments[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakePaymentRepo) FindByUserID(ctx context.Context, userID string, limit int) ([]model.Payment, error) {
	out := []model.Payment{}
	for _, p := range f.payments {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeGateway struct {
	confirmResult bool
	refundResult  bool
	intentSeq     int
	createdEmails []string
	refundCalls   int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{confirmResult: true, refundResult: true}
}

func (f *fakeGateway) CreateIntent(ctx context.Context, params CreateIntentParams) (*PaymentIntentInfo, error) {
	f.intentSeq++
	f.createdEmails = append(f.createdEmails, params.Email)
	return &PaymentIntentInfo{
		ID:           fmt.Sprintf("pi_%d", f.intentSeq),
		ClientSecret: fmt.Sprintf("pi_%d_secret", f.intentSeq),
		Amount:       params.AmountEur,
		Currency:     "eur",
		Status:       "requires_payment_method",
	}, nil
}

func (f *fakeGateway) ConfirmPayment(ctx context.Context, intentID string) (bool, error) {
	return f.confirmResult, nil
}

func (f *fakeGateway) CreateRefund(ctx context.Context, intentID string, amountEur *int64) (bool, error) {
	f.refundCalls++
	return f.refundResult, nil
}

type fakePublisher struct {
	published [][]byte
	topics    []string
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	f.topics = append(f.topics, topic)
	f.published = append(f.published, payload)
	return fmt.Sprintf("msg-%d", len(f.published)), nil
}

type seqIDGen struct {
	n int
}

func (g *seqIDGen) Generate(prefix string) string {
	g.n++
	return fmt.Sprintf("%s_%d", prefix, g.n)
}
