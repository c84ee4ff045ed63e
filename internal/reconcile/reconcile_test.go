package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/charlesnunot/Stratos-sub003/internal/audit"
	"github.com/charlesnunot/Stratos-sub003/internal/deposits"
	"github.com/charlesnunot/Stratos-sub003/internal/errs"
	"github.com/charlesnunot/Stratos-sub003/internal/models"
	"github.com/charlesnunot/Stratos-sub003/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type notices struct {
	mu  sync.Mutex
	got []models.Notice
}

func (n *notices) Notify(ctx context.Context, notice models.Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, notice)
	return nil
}

type events struct {
	mu  sync.Mutex
	got []audit.Event
}

func (e *events) Publish(ctx context.Context, ev audit.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, ev)
	return nil
}

func newService(st store.Store) (*Service, *notices, *events) {
	n, e := &notices{}, &events{}
	return &Service{Store: st, Notifier: n, Audit: e}, n, e
}

func capture(ref, amount string, m models.Metadata) models.CaptureEvent {
	return models.CaptureEvent{
		Provider:    models.ProviderStripe,
		ProviderRef: ref,
		Amount:      decimal.RequireFromString(amount),
		Currency:    "USD",
		Metadata:    m,
	}
}

func TestDuplicateDepositCapturesHoldOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMem()
	svc, n, e := newService(st)

	lot, _, err := deposits.Processor{}.RequireDeposit(ctx, st, "s1", decimal.NewFromInt(100), "USD", "")
	require.NoError(t, err)
	ev := capture("pi_dep", "100", models.Metadata{Type: models.PaymentDeposit, LotID: lot.ID})

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := svc.HandleCapture(ctx, ev)
			if !assert.NoError(t, err) {
				return
			}
			if out.Created {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 1, st.CountTransactions(models.ProviderStripe, "pi_dep", models.TxPaid))
	got, err := st.GetDepositLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DepositHeld, got.Status)
	assert.Len(t, n.got, 1, "only the first capture notifies")
	assert.Len(t, e.got, 8, "every delivery is audited")
}

func TestProcessorFailureRollsBackLedger(t *testing.T) {
	ctx := context.Background()
	st := store.NewMem()
	svc, n, _ := newService(st)

	o := &models.Order{TotalAmount: decimal.NewFromInt(20), Currency: "USD", PaymentStatus: models.PaymentRefunded}
	require.NoError(t, st.CreateOrder(ctx, o))

	_, err := svc.HandleCapture(ctx, capture("pi_r", "20", models.Metadata{Type: models.PaymentOrder, OrderID: o.ID}))
	var conflict *errs.StateConflictError
	require.True(t, errors.As(err, &conflict))

	assert.Zero(t, st.CountTransactions(models.ProviderStripe, "pi_r", models.TxPaid))
	_, err = st.GetTransactionByRef(ctx, models.ProviderStripe, "pi_r")
	assert.True(t, errs.IsNotFound(err), "the ledger row went with the rollback")
	assert.Empty(t, n.got)
}

func TestAmountMismatchCommitsFailedRow(t *testing.T) {
	ctx := context.Background()
	st := store.NewMem()
	svc, _, e := newService(st)

	o := &models.Order{TotalAmount: decimal.NewFromInt(50), Currency: "USD"}
	require.NoError(t, st.CreateOrder(ctx, o))

	out, err := svc.HandleCapture(ctx, capture("pi_m", "49", models.Metadata{Type: models.PaymentOrder, OrderID: o.ID}))
	require.True(t, errs.IsAmountMismatch(err))
	require.NotNil(t, out)
	require.NotNil(t, out.Transaction)
	assert.Equal(t, models.TxFailed, out.Transaction.Status)
	assert.Equal(t, 1, st.CountTransactions(models.ProviderStripe, "pi_m", models.TxFailed))

	got, err := st.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, got.PaymentStatus)
	require.Len(t, e.got, 1)
	assert.Equal(t, ResultMismatch, e.got[0].Result)
}

func TestShortDepositCaptureLeavesLotRequired(t *testing.T) {
	ctx := context.Background()
	st := store.NewMem()
	svc, n, _ := newService(st)

	lot, _, err := deposits.Processor{}.RequireDeposit(ctx, st, "s1", decimal.NewFromInt(100), "USD", "")
	require.NoError(t, err)

	out, err := svc.HandleCapture(ctx, capture("pi_low", "1.00", models.Metadata{Type: models.PaymentDeposit, LotID: lot.ID}))
	require.True(t, errs.IsAmountMismatch(err))
	assert.Equal(t, models.TxFailed, out.Transaction.Status)

	got, err := st.GetDepositLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DepositRequired, got.Status)
	assert.Empty(t, n.got)
}

func TestRegisterIntentThenCapture(t *testing.T) {
	ctx := context.Background()
	st := store.NewMem()
	svc, _, _ := newService(st)

	lot, _, err := deposits.Processor{}.RequireDeposit(ctx, st, "s1", decimal.NewFromInt(100), "USD", "")
	require.NoError(t, err)
	meta := models.Metadata{Type: models.PaymentDeposit, LotID: lot.ID}

	pending, err := svc.RegisterIntent(ctx, models.ProviderStripe, "pi_int", meta, decimal.NewFromInt(100), "usd")
	require.NoError(t, err)
	assert.Equal(t, models.TxPending, pending.Status)

	out, err := svc.HandleCapture(ctx, capture("pi_int", "100", meta))
	require.NoError(t, err)
	assert.True(t, out.Created)
	assert.Equal(t, pending.ID, out.Transaction.ID)
	assert.Equal(t, 1, st.CountTransactions(models.ProviderStripe, "pi_int", models.TxPaid))
	assert.Zero(t, st.CountTransactions(models.ProviderStripe, "pi_int", models.TxPending))

	_, err = svc.RegisterIntent(ctx, models.ProviderStripe, "pi_none", models.Metadata{Type: models.PaymentDeposit, LotID: "missing"}, decimal.NewFromInt(1), "USD")
	assert.True(t, errs.IsNotFound(err))
}

func TestOrderCaptureMarksPaid(t *testing.T) {
	ctx := context.Background()
	st := store.NewMem()
	svc, n, _ := newService(st)

	o := &models.Order{SellerID: "s1", TotalAmount: decimal.NewFromInt(30), Currency: "USD"}
	require.NoError(t, st.CreateOrder(ctx, o))

	out, err := svc.HandleCapture(ctx, capture("pi_o", "30", models.Metadata{Type: models.PaymentOrder, OrderID: o.ID}))
	require.NoError(t, err)
	assert.True(t, out.Created)
	assert.Equal(t, o.ID, out.Transaction.RelatedID)

	got, err := st.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaid, got.PaymentStatus)
	require.Len(t, n.got, 1)
	assert.Equal(t, "s1", n.got[0].UserID)

	again, err := svc.HandleCapture(ctx, capture("pi_o", "30", models.Metadata{Type: models.PaymentOrder, OrderID: o.ID}))
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Len(t, n.got, 1)
}

func TestAlreadyCreditedCountsAsSuccess(t *testing.T) {
	ctx := context.Background()
	st := store.NewMem()
	svc, n, _ := newService(st)

	tip := &models.Tip{FromUserID: "a", ToUserID: "b", Amount: decimal.NewFromInt(5), Currency: "USD", Status: models.TipPaid}
	require.NoError(t, st.CreateTip(ctx, tip))

	out, err := svc.HandleCapture(ctx, capture("pi_t", "5", models.Metadata{Type: models.PaymentTip, TipID: tip.ID}))
	require.NoError(t, err)
	assert.True(t, out.Created)
	assert.Equal(t, 1, st.CountTransactions(models.ProviderStripe, "pi_t", models.TxPaid))
	assert.Empty(t, n.got)
}

func TestAuxiliaryRouting(t *testing.T) {
	ctx := context.Background()
	st := store.NewMem()
	svc, n, _ := newService(st)

	sub := &models.Subscription{UserID: "u1", Tier: "pro", Amount: decimal.NewFromInt(10), Currency: "USD"}
	require.NoError(t, st.CreateSubscription(ctx, sub))

	_, err := svc.HandleCapture(ctx, capture("pi_s", "10", models.Metadata{Type: models.PaymentSubscription, SubscriptionID: sub.ID}))
	require.NoError(t, err)
	_, err = svc.HandleCapture(ctx, capture("pi_f", "2", models.Metadata{Type: models.PaymentPlatformFee, UserID: "u1"}))
	require.NoError(t, err)

	got, err := st.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionActive, got.Status)
	assert.Equal(t, 1, st.PlatformFees("u1"))
	assert.Len(t, n.got, 2)
}
