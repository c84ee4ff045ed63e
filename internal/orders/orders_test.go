package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/charlesnunot/Stratos-sub003/internal/commissions"
	"github.com/charlesnunot/Stratos-sub003/internal/errs"
	"github.com/charlesnunot/Stratos-sub003/internal/models"
	"github.com/charlesnunot/Stratos-sub003/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOrder(t *testing.T, st *store.Mem, o models.Order) *models.Order {
	t.Helper()
	if o.Currency == "" {
		o.Currency = "USD"
	}
	if o.SellerID == "" {
		o.SellerID = "seller-1"
	}
	require.NoError(t, st.CreateOrder(context.Background(), &o))
	return &o
}

func TestProcessOrderPayment(t *testing.T) {
	ctx := context.Background()
	st := store.NewMem()
	p := Processor{}
	o := newOrder(t, st, models.Order{OrderNumber: "N-1", TotalAmount: decimal.NewFromInt(49)})

	notices, err := p.ProcessOrderPayment(ctx, st, o.ID, o.TotalAmount)
	require.NoError(t, err)
	require.Len(t, notices, 1)
	assert.Equal(t, "seller-1", notices[0].UserID)
	assert.Equal(t, NoticeOrderPaid, notices[0].Kind)
	assert.Equal(t, "49.00", notices[0].Payload["amount"])

	got, err := st.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, models.OrderPaid, got.OrderStatus)
	require.NotNil(t, got.PaidAt)

	notices, err = p.ProcessOrderPayment(ctx, st, o.ID, o.TotalAmount)
	assert.True(t, errs.IsAlreadyProcessed(err))
	assert.Empty(t, notices)
}

func TestProcessOrderPaymentFromFailed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMem()
	o := newOrder(t, st, models.Order{TotalAmount: decimal.NewFromInt(5), PaymentStatus: models.PaymentFailed})

	_, err := Processor{}.ProcessOrderPayment(ctx, st, o.ID, o.TotalAmount)
	require.NoError(t, err)
}

func TestProcessOrderPaymentErrors(t *testing.T) {
	ctx := context.Background()
	st := store.NewMem()

	_, err := Processor{}.ProcessOrderPayment(ctx, st, "missing", decimal.NewFromInt(1))
	assert.True(t, errs.IsNotFound(err))

	o := newOrder(t, st, models.Order{TotalAmount: decimal.NewFromInt(5), PaymentStatus: models.PaymentRefunded})
	_, err = Processor{}.ProcessOrderPayment(ctx, st, o.ID, o.TotalAmount)
	var conflict *errs.StateConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, string(models.PaymentRefunded), conflict.Status)
}

func TestChildPaymentRefreshesGroup(t *testing.T) {
	ctx := context.Background()
	st := store.NewMem()
	g := &models.OrderGroup{TotalAmount: decimal.NewFromInt(30), Currency: "USD"}
	require.NoError(t, st.CreateOrderGroup(ctx, g))
	a := newOrder(t, st, models.Order{GroupID: g.ID, TotalAmount: decimal.NewFromInt(10)})
	b := newOrder(t, st, models.Order{GroupID: g.ID, TotalAmount: decimal.NewFromInt(20)})

	_, err := Processor{}.ProcessOrderPayment(ctx, st, a.ID, a.TotalAmount)
	require.NoError(t, err)
	grp, err := st.GetOrderGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPartial, grp.PaymentStatus)

	_, err = Processor{}.ProcessOrderPayment(ctx, st, b.ID, b.TotalAmount)
	require.NoError(t, err)
	grp, err = st.GetOrderGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaid, grp.PaymentStatus)
}

func TestProcessGroupPayment(t *testing.T) {
	ctx := context.Background()
	st := store.NewMem()
	g := &models.OrderGroup{TotalAmount: decimal.NewFromInt(30), Currency: "USD"}
	require.NoError(t, st.CreateOrderGroup(ctx, g))
	a := newOrder(t, st, models.Order{GroupID: g.ID, SellerID: "s-a", TotalAmount: decimal.NewFromInt(10)})
	newOrder(t, st, models.Order{GroupID: g.ID, SellerID: "s-b", TotalAmount: decimal.NewFromInt(20)})

	_, err := Processor{}.ProcessOrderPayment(ctx, st, a.ID, a.TotalAmount)
	require.NoError(t, err)

	notices, err := Processor{}.ProcessGroupPayment(ctx, st, g.ID, g.TotalAmount)
	require.NoError(t, err)
	require.Len(t, notices, 1, "the already paid child is skipped")
	assert.Equal(t, "s-b", notices[0].UserID)

	grp, err := st.GetOrderGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaid, grp.PaymentStatus)

	_, err = Processor{}.ProcessGroupPayment(ctx, st, g.ID, g.TotalAmount)
	assert.True(t, errs.IsAlreadyProcessed(err))

	_, err = Processor{}.ProcessGroupPayment(ctx, st, "missing", g.TotalAmount)
	assert.True(t, errs.IsNotFound(err))
}

func TestAffiliateOrderAccruesCommission(t *testing.T) {
	ctx := context.Background()
	st := store.NewMem()
	p := Processor{Commissions: commissions.Processor{DueDays: 7}}
	o := newOrder(t, st, models.Order{
		TotalAmount:    decimal.NewFromInt(100),
		AffiliateID:    "aff-1",
		CommissionRate: decimal.RequireFromString("0.05"),
	})

	_, err := p.ProcessOrderPayment(ctx, st, o.ID, o.TotalAmount)
	require.NoError(t, err)

	ob, err := st.EnsurePendingObligation(ctx, "seller-1", time.Now())
	require.NoError(t, err)
	pending, err := st.ListObligationCommissions(ctx, ob.ID, models.CommissionPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "aff-1", pending[0].AffiliateID)
	assert.True(t, pending[0].Amount.Equal(decimal.NewFromInt(5)))

	_, err = p.ProcessOrderPayment(ctx, st, o.ID, o.TotalAmount)
	assert.True(t, errs.IsAlreadyProcessed(err))
	pending, err = st.ListObligationCommissions(ctx, ob.ID, models.CommissionPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "replay accrues nothing")
}
