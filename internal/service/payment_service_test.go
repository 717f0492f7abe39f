package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"app/internal/model"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type paymentFixture struct {
	ledger   *fakeLedgerRepo
	payments *fakePaymentRepo
	gateway  *fakeGateway
	events   *fakePublisher
	credits  CreditService
	svc      PaymentService
}

func newPaymentFixture() *paymentFixture {
	ledger := newFakeLedgerRepo()
	payments := newFakePaymentRepo()
	gateway := newFakeGateway()
	events := &fakePublisher{}
	credits := NewCreditService(ledger, zerolog.Nop())
	svc := NewPaymentService(gateway, payments, credits, &seqIDGen{}, events, "billing-events", zerolog.Nop())
	return &paymentFixture{
		ledger:   ledger,
		payments: payments,
		gateway:  gateway,
		events:   events,
		credits:  credits,
		svc:      svc,
	}
}

func (f *paymentFixture) completedPayment(t *testing.T, userID string, amountEur int64) *model.Payment {
	t.Helper()
	ctx := context.Background()
	result, err := f.svc.CreatePaymentIntent(ctx, CreatePaymentIntentParams{UserID: userID, Email: "u@example.com", AmountEur: amountEur})
	require.NoError(t, err)
	payment, err := f.payments.FindByID(ctx, result.PaymentID)
	require.NoError(t, err)
	ok, err := f.svc.HandlePaymentSuccess(ctx, payment.StripePaymentIntentID)
	require.NoError(t, err)
	require.True(t, ok)
	payment, err = f.payments.FindByID(ctx, result.PaymentID)
	require.NoError(t, err)
	return payment
}

func TestCreatePaymentIntentComputesCredits(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()

	result, err := f.svc.CreatePaymentIntent(ctx, CreatePaymentIntentParams{
		UserID:    "user-1",
		Email:     "u@example.com",
		AmountEur: 5000,
		Tier:      "paid_tier1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(500), result.CreditsGranted)
	assert.NotEmpty(t, result.ClientSecret)

	payment, err := f.payments.FindByID(ctx, result.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPending, payment.Status)
	assert.Equal(t, int64(500), payment.CreditsGranted)
	assert.Equal(t, int64(5000), payment.AmountEur)

	// No credits granted before the success webhook.
	assert.Empty(t, f.ledger.transactionsOfType(model.TxPurchase))
}

func TestCreatePaymentIntentFloorsFractionalCredits(t *testing.T) {
	f := newPaymentFixture()

	result, err := f.svc.CreatePaymentIntent(context.Background(), CreatePaymentIntentParams{UserID: "user-1", AmountEur: 1055})
	require.NoError(t, err)
	assert.Equal(t, int64(105), result.CreditsGranted)
}

func TestHandlePaymentSuccessGrantsCreditsOnce(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()

	result, err := f.svc.CreatePaymentIntent(ctx, CreatePaymentIntentParams{UserID: "user-1", AmountEur: 5000})
	require.NoError(t, err)
	payment, err := f.payments.FindByID(ctx, result.PaymentID)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		ok, err := f.svc.HandlePaymentSuccess(ctx, payment.StripePaymentIntentID)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	purchases := f.ledger.transactionsOfType(model.TxPurchase)
	require.Len(t, purchases, 1)
	assert.Equal(t, int64(500), purchases[0].Amount)

	payment, err = f.payments.FindByID(ctx, result.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentCompleted, payment.Status)

	balance, err := f.credits.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(model.FreeCredits+500), balance.Balance)
	assert.Equal(t, model.TierPaid1, balance.Tier)
}

func TestHandlePaymentSuccessUnknownIntent(t *testing.T) {
	f := newPaymentFixture()

	ok, err := f.svc.HandlePaymentSuccess(context.Background(), "pi_unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHandlePaymentSuccessConfirmationFailure(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	f.gateway.confirmResult = false

	result, err := f.svc.CreatePaymentIntent(ctx, CreatePaymentIntentParams{UserID: "user-1", AmountEur: 2000})
	require.NoError(t, err)
	payment, err := f.payments.FindByID(ctx, result.PaymentID)
	require.NoError(t, err)

	ok, err := f.svc.HandlePaymentSuccess(ctx, payment.StripePaymentIntentID)
	require.NoError(t, err)
	assert.False(t, ok)

	payment, err = f.payments.FindByID(ctx, result.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentFailed, payment.Status)
	assert.Empty(t, f.ledger.transactionsOfType(model.TxPurchase))
}

func TestHandlePaymentSuccessPromotesTier2OnLargePurchase(t *testing.T) {
	f := newPaymentFixture()
	payment := f.completedPayment(t, "user-1", 10000) // 1000 credits

	balance, err := f.credits.GetBalance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.TierPaid2, balance.Tier)
	assert.Equal(t, int64(1000), payment.CreditsGranted)
}

func TestHandleRefundPartial(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	payment := f.completedPayment(t, "user-1", 1000) // 100 credits granted

	refundAmount := int64(500)
	ok, err := f.svc.HandleRefund(ctx, payment.StripePaymentIntentID, &refundAmount)
	require.NoError(t, err)
	assert.True(t, ok)

	refunds := f.ledger.transactionsOfType(model.TxRefund)
	require.Len(t, refunds, 1)
	assert.Equal(t, int64(-50), refunds[0].Amount)
	assert.Equal(t, true, refunds[0].Metadata["partial_refund"])

	// A partial refund does not move the status machine.
	payment, err = f.payments.FindByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentCompleted, payment.Status)
}

func TestHandleRefundFull(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	payment := f.completedPayment(t, "user-1", 1000)

	ok, err := f.svc.HandleRefund(ctx, payment.StripePaymentIntentID, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	refunds := f.ledger.transactionsOfType(model.TxRefund)
	require.Len(t, refunds, 1)
	assert.Equal(t, int64(-100), refunds[0].Amount)
	assert.Nil(t, refunds[0].Metadata)

	payment, err = f.payments.FindByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentRefunded, payment.Status)
}

func TestHandleRefundAtFullAmountIsFull(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	payment := f.completedPayment(t, "user-1", 1000)

	// Refund amount equal to the payment amount counts as a full refund.
	refundAmount := int64(1000)
	ok, err := f.svc.HandleRefund(ctx, payment.StripePaymentIntentID, &refundAmount)
	require.NoError(t, err)
	assert.True(t, ok)

	payment, err = f.payments.FindByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentRefunded, payment.Status)
}

func TestHandleRefundRejectsNonCompletedPayment(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()

	result, err := f.svc.CreatePaymentIntent(ctx, CreatePaymentIntentParams{UserID: "user-1", AmountEur: 1000})
	require.NoError(t, err)
	payment, err := f.payments.FindByID(ctx, result.PaymentID)
	require.NoError(t, err)

	ok, err := f.svc.HandleRefund(ctx, payment.StripePaymentIntentID, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, f.gateway.refundCalls)

	// Unknown intent is likewise rejected without touching the gateway.
	ok, err = f.svc.HandleRefund(ctx, "pi_unknown", nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, f.gateway.refundCalls)
}

func TestHandleRefundGatewayDecline(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	payment := f.completedPayment(t, "user-1", 1000)
	f.gateway.refundResult = false

	ok, err := f.svc.HandleRefund(ctx, payment.StripePaymentIntentID, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, f.ledger.transactionsOfType(model.TxRefund))

	payment, err = f.payments.FindByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentCompleted, payment.Status)
}

// replayRefundGateway delivers a duplicate refund webhook while the first
// delivery is still inside the gateway call, before it has moved the status.
type replayRefundGateway struct {
	*fakeGateway
	svc      PaymentService
	intentID string
	replayed bool
}

func (g *replayRefundGateway) CreateRefund(ctx context.Context, intentID string, amountEur *int64) (bool, error) {
	if !g.replayed {
		g.replayed = true
		ok, err := g.svc.HandleRefund(ctx, g.intentID, nil)
		if err != nil || !ok {
			return false, fmt.Errorf("replayed refund delivery: ok=%v err=%v", ok, err)
		}
	}
	return g.fakeGateway.CreateRefund(ctx, intentID, amountEur)
}

func TestHandleRefundDuplicateDeliveryRemovesOnce(t *testing.T) {
	ledger := newFakeLedgerRepo()
	payments := newFakePaymentRepo()
	gateway := &replayRefundGateway{fakeGateway: newFakeGateway()}
	credits := NewCreditService(ledger, zerolog.Nop())
	svc := NewPaymentService(gateway, payments, credits, &seqIDGen{}, nil, "", zerolog.Nop())
	gateway.svc = svc
	ctx := context.Background()

	result, err := svc.CreatePaymentIntent(ctx, CreatePaymentIntentParams{UserID: "user-1", AmountEur: 1000})
	require.NoError(t, err)
	payment, err := payments.FindByID(ctx, result.PaymentID)
	require.NoError(t, err)
	ok, err := svc.HandlePaymentSuccess(ctx, payment.StripePaymentIntentID)
	require.NoError(t, err)
	require.True(t, ok)
	gateway.intentID = payment.StripePaymentIntentID

	ok, err = svc.HandleRefund(ctx, payment.StripePaymentIntentID, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	// Exactly one of the racing deliveries removes the credits.
	refunds := ledger.transactionsOfType(model.TxRefund)
	require.Len(t, refunds, 1)
	assert.Equal(t, int64(-100), refunds[0].Amount)

	payment, err = payments.FindByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentRefunded, payment.Status)
}

// completingConfirmGateway simulates a racing delivery that completes the
// payment while this delivery is waiting on a (failing) confirmation.
type completingConfirmGateway struct {
	*fakeGateway
	payments  *fakePaymentRepo
	paymentID string
}

func (g *completingConfirmGateway) ConfirmPayment(ctx context.Context, intentID string) (bool, error) {
	_, _ = g.payments.TransitionStatus(ctx, g.paymentID, model.PaymentPending, model.PaymentCompleted)
	return false, nil
}

func TestHandlePaymentSuccessStaleFailureDoesNotClobberCompleted(t *testing.T) {
	ledger := newFakeLedgerRepo()
	payments := newFakePaymentRepo()
	gateway := &completingConfirmGateway{fakeGateway: newFakeGateway(), payments: payments}
	credits := NewCreditService(ledger, zerolog.Nop())
	svc := NewPaymentService(gateway, payments, credits, &seqIDGen{}, nil, "", zerolog.Nop())
	ctx := context.Background()

	result, err := svc.CreatePaymentIntent(ctx, CreatePaymentIntentParams{UserID: "user-1", AmountEur: 1000})
	require.NoError(t, err)
	payment, err := payments.FindByID(ctx, result.PaymentID)
	require.NoError(t, err)
	gateway.paymentID = payment.ID

	ok, err := svc.HandlePaymentSuccess(ctx, payment.StripePaymentIntentID)
	require.NoError(t, err)
	assert.True(t, ok)

	payment, err = payments.FindByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentCompleted, payment.Status)
}

func TestGetPaymentHistoryNewestFirst(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()

	first, err := f.svc.CreatePaymentIntent(ctx, CreatePaymentIntentParams{UserID: "user-1", AmountEur: 1000})
	require.NoError(t, err)
	second, err := f.svc.CreatePaymentIntent(ctx, CreatePaymentIntentParams{UserID: "user-1", AmountEur: 2000})
	require.NoError(t, err)

	history, err := f.svc.GetPaymentHistory(ctx, "user-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.PaymentID, history[0].ID)
	assert.Equal(t, first.PaymentID, history[1].ID)
}

func TestBillingEventsPublished(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	payment := f.completedPayment(t, "user-1", 1000)

	ok, err := f.svc.HandleRefund(ctx, payment.StripePaymentIntentID, nil)
	require.NoError(t, err)
	require.True(t, ok)

	require.Len(t, f.events.published, 2)
	var event map[string]interface{}
	require.NoError(t, json.Unmarshal(f.events.published[0], &event))
	assert.Equal(t, "credits.purchased", event["type"])
	assert.Equal(t, "user-1", event["user_id"])
	require.NoError(t, json.Unmarshal(f.events.published[1], &event))
	assert.Equal(t, "credits.refunded", event["type"])
	assert.Equal(t, payment.ID, event["payment_id"])
}
