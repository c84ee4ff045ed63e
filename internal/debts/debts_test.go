package debts

import (
	"context"
	"testing"

	"github.com/charlesnunot/Stratos-sub003/internal/fx"
	"github.com/charlesnunot/Stratos-sub003/internal/models"
	"github.com/charlesnunot/Stratos-sub003/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newProcessor(t *testing.T) Processor {
	t.Helper()
	rates, err := fx.NewStatic(map[string]string{"USD/CNY": "7.00"})
	require.NoError(t, err)
	return Processor{Rates: rates}
}

// seedLot creates a required lot and walks it forward to status.
func seedLot(t *testing.T, st store.Store, id, seller, amount, currency string, status models.DepositStatus) {
	t.Helper()
	ctx := context.Background()
	lot := &models.DepositLot{ID: id, SellerID: seller, RequiredAmount: dec(amount), Currency: currency}
	_, err := st.UpsertRequiredLot(ctx, lot)
	require.NoError(t, err)
	for _, next := range []models.DepositStatus{models.DepositHeld, models.DepositRefundable, models.DepositRefunding} {
		if lot.Status == status {
			return
		}
		ok, err := st.TransitionLot(ctx, lot.ID, models.DepositSources(next), next, store.LotPatch{})
		require.NoError(t, err)
		require.True(t, ok)
		lot.Status = next
	}
	require.Equal(t, status, lot.Status)
}

func heldLot(t *testing.T, st store.Store, id, seller, amount, currency string) {
	seedLot(t, st, id, seller, amount, currency, models.DepositHeld)
}

func TestCreateDebt(t *testing.T) {
	ctx := context.Background()
	st := store.NewMem()
	p := newProcessor(t)

	d, err := p.CreateDebt(ctx, st, "s1", dec("12.50"), "usd", "chargeback")
	require.NoError(t, err)
	assert.Equal(t, "USD", d.Currency)
	assert.Equal(t, models.DebtPending, d.Status)
	assert.True(t, d.Remaining().Equal(dec("12.5")))

	_, err = p.CreateDebt(ctx, st, "s1", decimal.Zero, "USD", "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = p.CreateDebt(ctx, st, "", dec("1"), "USD", "")
	assert.ErrorIs(t, err, ErrMissingSeller)
	_, err = p.CreateDebt(ctx, st, "s1", dec("1"), "dollars", "")
	assert.ErrorIs(t, err, ErrBadCurrency)
}

func TestCollectPartialLot(t *testing.T) {
	ctx := context.Background()
	st := store.NewMem()
	p := newProcessor(t)

	heldLot(t, st, "lot-1", "s1", "100", "USD")
	d, err := p.CreateDebt(ctx, st, "s1", dec("30"), "USD", "refund")
	require.NoError(t, err)

	res, notices, err := p.CollectFromDeposit(ctx, st, "s1")
	require.NoError(t, err)
	require.Len(t, res.Draws, 1)
	assert.True(t, res.Collected["USD"].Equal(dec("30")))
	assert.Empty(t, res.RemainingUncollected)
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeDebtCollected, notices[0].Kind)

	lot, err := st.GetDepositLot(ctx, "lot-1")
	require.NoError(t, err)
	assert.Equal(t, models.DepositHeld, lot.Status)
	assert.True(t, lot.RequiredAmount.Equal(dec("70")))

	got, err := st.GetDebt(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DebtCollected, got.Status)
	assert.Equal(t, MethodDeposit, got.CollectionMethod)
	assert.Len(t, st.DebtCollections(d.ID), 1)
}

func TestCollectAcrossLotsAndDebts(t *testing.T) {
	ctx := context.Background()
	st := store.NewMem()
	p := newProcessor(t)

	heldLot(t, st, "old", "s1", "20", "USD")
	heldLot(t, st, "new", "s1", "15", "USD")
	first, err := p.CreateDebt(ctx, st, "s1", dec("25"), "USD", "a")
	require.NoError(t, err)
	second, err := p.CreateDebt(ctx, st, "s1", dec("40"), "USD", "b")
	require.NoError(t, err)

	res, _, err := p.CollectFromDeposit(ctx, st, "s1")
	require.NoError(t, err)
	assert.True(t, res.Collected["USD"].Equal(dec("35")))
	assert.True(t, res.RemainingUncollected["USD"].Equal(dec("30")))
	require.Len(t, res.Draws, 3)
	assert.Equal(t, "old", res.Draws[0].LotID, "oldest lot first")
	assert.True(t, res.Draws[0].LotForfeited)

	old, err := st.GetDepositLot(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, models.DepositForfeited, old.Status)
	assert.True(t, old.RequiredAmount.IsZero())
	assert.Equal(t, "debt_collection", old.ForfeitReason)

	d1, err := st.GetDebt(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DebtCollected, d1.Status)
	d2, err := st.GetDebt(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DebtPending, d2.Status)
	assert.True(t, d2.CollectedAmount.Equal(dec("10")))

	again, _, err := p.CollectFromDeposit(ctx, st, "s1")
	require.NoError(t, err)
	assert.Empty(t, again.Draws, "nothing left to draw")
	assert.True(t, again.RemainingUncollected["USD"].Equal(dec("30")))
}

func TestCollectCrossCurrencyNeverOvershoots(t *testing.T) {
	ctx := context.Background()
	st := store.NewMem()
	p := newProcessor(t)

	heldLot(t, st, "cny", "s1", "50", "CNY")
	d, err := p.CreateDebt(ctx, st, "s1", dec("10"), "USD", "fee")
	require.NoError(t, err)

	res, _, err := p.CollectFromDeposit(ctx, st, "s1")
	require.NoError(t, err)
	require.Len(t, res.Draws, 1)
	draw := res.Draws[0]
	assert.True(t, draw.LotAmount.Equal(dec("50")), "lot drained, not overdrawn")
	assert.True(t, draw.DebtAmount.LessThanOrEqual(dec("7.14")), draw.DebtAmount.String())
	assert.True(t, draw.DebtAmount.GreaterThan(dec("7.13")))

	got, err := st.GetDebt(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, got.CollectedAmount.LessThanOrEqual(got.DebtAmount))
	assert.Equal(t, models.DebtPending, got.Status)

	heldLot(t, st, "big", "s1", "1000", "CNY")
	res, _, err = p.CollectFromDeposit(ctx, st, "s1")
	require.NoError(t, err)
	require.Len(t, res.Draws, 1)
	got, err = st.GetDebt(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DebtCollected, got.Status)
	assert.True(t, got.CollectedAmount.Equal(got.DebtAmount))

	big, err := st.GetDepositLot(ctx, "big")
	require.NoError(t, err)
	assert.True(t, big.RequiredAmount.GreaterThan(decimal.Zero))
	assert.Equal(t, models.DepositHeld, big.Status)
}

func TestCollectIgnoresOtherLots(t *testing.T) {
	ctx := context.Background()
	st := store.NewMem()
	p := newProcessor(t)

	seedLot(t, st, "flight", "s1", "100", "USD", models.DepositRefunding)
	seedLot(t, st, "req", "s1", "100", "USD", models.DepositRequired)
	heldLot(t, st, "other", "s2", "100", "USD")
	_, err := p.CreateDebt(ctx, st, "s1", dec("5"), "USD", "")
	require.NoError(t, err)

	res, _, err := p.CollectFromDeposit(ctx, st, "s1")
	require.NoError(t, err)
	assert.Empty(t, res.Draws)
	assert.True(t, res.RemainingUncollected["USD"].Equal(dec("5")))
}

func TestDrawBoundsAreEnforcedByStore(t *testing.T) {
	ctx := context.Background()
	st := store.NewMem()
	heldLot(t, st, "l", "s1", "10", "USD")

	_, ok, err := st.DrawFromLot(ctx, "l", dec("10.01"), "x")
	require.NoError(t, err)
	assert.False(t, ok)

	d := &models.SellerDebt{SellerID: "s1", DebtAmount: dec("5"), Currency: "USD"}
	require.NoError(t, st.CreateDebt(ctx, d))
	_, ok, err = st.ApplyDebtCollection(ctx, d.ID, models.DebtSources(models.DebtCollected), dec("5.01"), MethodDeposit, d.CreatedAt)
	require.NoError(t, err)
	assert.False(t, ok)
}
