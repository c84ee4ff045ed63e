package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charlesnunot/Stratos-sub003/internal/errs"
	"github.com/charlesnunot/Stratos-sub003/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemTransactionConditionalWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	created, err := s.CreateTransaction(ctx, &models.PaymentTransaction{
		Type: models.PaymentDeposit, Provider: models.ProviderStripe, ProviderRef: "pi_1",
		Amount: decimal.NewFromInt(100), Currency: "USD", Status: models.TxPending, RelatedID: "lot1",
	})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateTransaction(ctx, &models.PaymentTransaction{
		Type: models.PaymentDeposit, Provider: models.ProviderStripe, ProviderRef: "pi_1", Status: models.TxPaid,
	})
	require.NoError(t, err)
	assert.False(t, created)

	tx, ok, err := s.MarkTransactionPaid(ctx, models.ProviderStripe, "pi_1", decimal.NewFromInt(100), "USD", time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.TxPaid, tx.Status)

	_, ok, err = s.MarkTransactionPaid(ctx, models.ProviderStripe, "pi_1", decimal.NewFromInt(100), "USD", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.FailPendingTransaction(ctx, models.ProviderStripe, "pi_1", "late")
	require.NoError(t, err)
	assert.False(t, ok, "paid rows never move")

	_, err = s.GetTransactionByRef(ctx, models.ProviderPayPal, "pi_1")
	assert.True(t, errs.IsNotFound(err))
}

func TestMemInTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := NewMem()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx Store) error {
		_, err := tx.CreateTransaction(ctx, &models.PaymentTransaction{Provider: models.ProviderAlipay, ProviderRef: "t1", Status: models.TxPaid})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, s.CountTransactions(models.ProviderAlipay, "t1", models.TxPaid))

	err = s.InTx(ctx, func(tx Store) error {
		return tx.InTx(ctx, func(inner Store) error {
			_, err := inner.CreateTransaction(ctx, &models.PaymentTransaction{Provider: models.ProviderAlipay, ProviderRef: "t2", Status: models.TxPaid})
			return err
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, s.CountTransactions(models.ProviderAlipay, "t2", models.TxPaid))
}

func TestMemUpsertRequiredLotKeepsOneRequired(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	first := &models.DepositLot{SellerID: "s1", RequiredAmount: decimal.NewFromInt(100), Currency: "USD"}
	created, err := s.UpsertRequiredLot(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	second := &models.DepositLot{SellerID: "s1", RequiredAmount: decimal.NewFromInt(150), Currency: "USD"}
	created, err = s.UpsertRequiredLot(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.RequiredAmount.Equal(decimal.NewFromInt(150)))

	lots, err := s.ListSellerLots(ctx, "s1", []models.DepositStatus{models.DepositRequired})
	require.NoError(t, err)
	assert.Len(t, lots, 1)
}

func heldLot(t *testing.T, s Store, id, seller string, amount int64) *models.DepositLot {
	t.Helper()
	ctx := context.Background()
	lot := &models.DepositLot{ID: id, SellerID: seller, RequiredAmount: decimal.NewFromInt(amount), Currency: "USD"}
	_, err := s.UpsertRequiredLot(ctx, lot)
	require.NoError(t, err)
	ok, err := s.TransitionLot(ctx, lot.ID, models.DepositSources(models.DepositHeld), models.DepositHeld, LotPatch{})
	require.NoError(t, err)
	require.True(t, ok)
	lot.Status = models.DepositHeld
	return lot
}

func TestMemDrawFromLotBounds(t *testing.T) {
	ctx := context.Background()
	s := NewMem()
	heldLot(t, s, "l1", "s1", 50)

	_, ok, err := s.DrawFromLot(ctx, "l1", decimal.NewFromInt(60), "debt")
	require.NoError(t, err)
	assert.False(t, ok)

	lot, ok, err := s.DrawFromLot(ctx, "l1", decimal.NewFromInt(20), "debt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.DepositHeld, lot.Status)
	assert.True(t, lot.RequiredAmount.Equal(decimal.NewFromInt(30)))

	lot, ok, err = s.DrawFromLot(ctx, "l1", decimal.NewFromInt(30), "debt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.DepositForfeited, lot.Status)
	assert.Equal(t, "debt", lot.ForfeitReason)
}

func TestMemApplyDebtCollectionBounds(t *testing.T) {
	ctx := context.Background()
	s := NewMem()
	d := &models.SellerDebt{SellerID: "s1", DebtAmount: decimal.NewFromInt(40), Currency: "USD"}
	require.NoError(t, s.CreateDebt(ctx, d))

	_, ok, err := s.ApplyDebtCollection(ctx, d.ID, models.DebtSources(models.DebtCollected), decimal.NewFromInt(41), "deposit", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	got, ok, err := s.ApplyDebtCollection(ctx, d.ID, models.DebtSources(models.DebtCollected), decimal.NewFromInt(40), "deposit", time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.DebtCollected, got.Status)
	assert.NotNil(t, got.CollectedAt)
}

func TestMemGroupStatusIsDerived(t *testing.T) {
	ctx := context.Background()
	s := NewMem()
	require.NoError(t, s.CreateOrderGroup(ctx, &models.OrderGroup{ID: "g1"}))
	require.NoError(t, s.CreateOrder(ctx, &models.Order{ID: "a", GroupID: "g1"}))
	require.NoError(t, s.CreateOrder(ctx, &models.Order{ID: "b", GroupID: "g1"}))

	now := time.Now()
	ok, err := s.MarkOrderPaid(ctx, "a", models.PaymentSources(models.PaymentPaid), now)
	require.NoError(t, err)
	require.True(t, ok)
	status, err := s.RefreshGroupStatus(ctx, "g1", now)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPartial, status)

	_, err = s.MarkOrderPaid(ctx, "b", models.PaymentSources(models.PaymentPaid), now)
	require.NoError(t, err)
	status, err = s.RefreshGroupStatus(ctx, "g1", now)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaid, status)
}

func TestMemApplyDebtCollectionRespectsSources(t *testing.T) {
	ctx := context.Background()
	s := NewMem()
	d := &models.SellerDebt{SellerID: "s1", DebtAmount: decimal.NewFromInt(40), Currency: "USD", Status: models.DebtForgiven}
	require.NoError(t, s.CreateDebt(ctx, d))

	_, ok, err := s.ApplyDebtCollection(ctx, d.ID, models.DebtSources(models.DebtCollected), decimal.NewFromInt(10), "deposit", time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "forgiven debts take no collections")
}

func TestMemListLotsByStatusPages(t *testing.T) {
	ctx := context.Background()
	s := NewMem()
	for _, id := range []string{"a", "b", "c"} {
		heldLot(t, s, id, "seller-"+id, 10)
	}

	var seen []string
	var after *LotCursor
	for {
		page, err := s.ListLotsByStatus(ctx, models.DepositHeld, after, 2)
		require.NoError(t, err)
		for _, l := range page {
			seen = append(seen, l.ID)
		}
		if len(page) < 2 {
			break
		}
		after = CursorAfter(page[len(page)-1])
	}
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestMemOneOpenObligationPerSeller(t *testing.T) {
	ctx := context.Background()
	s := NewMem()
	due := time.Now().Add(24 * time.Hour)

	first, err := s.EnsurePendingObligation(ctx, "s1", due)
	require.NoError(t, err)
	again, err := s.EnsurePendingObligation(ctx, "s1", due)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	now := time.Now()
	ok, err := s.TransitionObligation(ctx, first.ID, models.ObligationSources(models.ObligationPaid), models.ObligationPaid, &now)
	require.NoError(t, err)
	require.True(t, ok)

	next, err := s.EnsurePendingObligation(ctx, "s1", due)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, next.ID, "a claimed obligation is sealed")

	ok, err = s.TransitionObligation(ctx, first.ID, models.ObligationSources(models.ObligationPending), models.ObligationPending, nil)
	require.NoError(t, err)
	require.True(t, ok)

	reopened, err := s.GetObligation(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ObligationPending, reopened.Status)
	assert.NotNil(t, reopened.SealedAt)

	open, err := s.EnsurePendingObligation(ctx, "s1", due)
	require.NoError(t, err)
	assert.Equal(t, next.ID, open.ID, "the handed-back obligation stays closed to accrual")
}

func TestMemListObligationCommissionsIsScoped(t *testing.T) {
	ctx := context.Background()
	s := NewMem()
	for i, ob := range []string{"ob-1", "ob-1", "ob-2"} {
		_, err := s.CreateCommission(ctx, &models.AffiliateCommission{
			OrderID: string(rune('a' + i)), SellerID: "s1", AffiliateID: "X", ObligationID: ob,
			Amount: decimal.NewFromInt(5), Currency: "USD",
		})
		require.NoError(t, err)
	}

	list, err := s.ListObligationCommissions(ctx, "ob-1", models.CommissionPending)
	require.NoError(t, err)
	require.Len(t, list, 2)

	n, err := s.MarkCommissionsPaid(ctx, []string{list[0].ID}, models.CommissionSources(models.CommissionPaid), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	list, err = s.ListObligationCommissions(ctx, "ob-1", models.CommissionPending)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

// Calls made outside InTx interleave; the conditional writes still admit a
// single winner.
func TestMemConditionalWritesInterleave(t *testing.T) {
	ctx := context.Background()
	s := NewMem()
	ob, err := s.EnsurePendingObligation(ctx, "s1", time.Now())
	require.NoError(t, err)

	var wg sync.WaitGroup
	var claims atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			now := time.Now()
			ok, err := s.TransitionObligation(ctx, ob.ID, models.ObligationSources(models.ObligationPaid), models.ObligationPaid, &now)
			assert.NoError(t, err)
			if ok {
				claims.Add(1)
			}
			_, err = s.EnsurePendingObligation(ctx, "s1", now)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), claims.Load())
	open, err := s.EnsurePendingObligation(ctx, "s1", time.Now())
	require.NoError(t, err)
	assert.NotEqual(t, ob.ID, open.ID)
}
