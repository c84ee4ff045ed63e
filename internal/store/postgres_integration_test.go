//go:build integration

package store

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charlesnunot/Stratos-sub003/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPG opens a store on a throwaway schema with every migration applied.
// Run with: DB_DSN=postgres://... go test -tags integration ./internal/store/
func newPG(t *testing.T) *PG {
	t.Helper()
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		t.Skip("DB_DSN not set")
	}
	ctx := context.Background()
	schema := "it_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	admin, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, `CREATE SCHEMA `+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), `DROP SCHEMA `+schema+` CASCADE`)
		admin.Close()
	})

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	files, err := filepath.Glob(filepath.Join("..", "..", "migrations", "*.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, files)
	sort.Strings(files)
	for _, f := range files {
		sql, err := os.ReadFile(f)
		require.NoError(t, err)
		_, err = pool.Exec(ctx, string(sql))
		require.NoError(t, err, filepath.Base(f))
	}
	return New(pool)
}

func TestPGCreateTransactionOnConflict(t *testing.T) {
	s := newPG(t)
	ctx := context.Background()

	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.CreateTransaction(ctx, &models.PaymentTransaction{
				Type: models.PaymentDeposit, Provider: models.ProviderStripe, ProviderRef: "pi_1",
				Amount: decimal.NewFromInt(100), Currency: "USD", Status: models.TxPending, RelatedID: "lot-1",
			})
			if assert.NoError(t, err) && ok {
				created.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), created.Load())

	tx, ok, err := s.MarkTransactionPaid(ctx, models.ProviderStripe, "pi_1", decimal.NewFromInt(100), "USD", time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.TxPaid, tx.Status)

	_, ok, err = s.MarkTransactionPaid(ctx, models.ProviderStripe, "pi_1", decimal.NewFromInt(100), "USD", time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "only a pending row flips")
}

func TestPGUpsertRequiredLot(t *testing.T) {
	s := newPG(t)
	ctx := context.Background()

	first := &models.DepositLot{ID: "lot-a", SellerID: "s1", RequiredAmount: decimal.NewFromInt(100), Currency: "USD"}
	inserted, err := s.UpsertRequiredLot(ctx, first)
	require.NoError(t, err)
	assert.True(t, inserted)

	again := &models.DepositLot{ID: "lot-b", SellerID: "s1", RequiredAmount: decimal.NewFromInt(250), Currency: "USD"}
	inserted, err = s.UpsertRequiredLot(ctx, again)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "lot-a", again.ID, "the open lot is updated in place")
	assert.True(t, again.RequiredAmount.Equal(decimal.NewFromInt(250)))

	ok, err := s.TransitionLot(ctx, "lot-a", models.DepositSources(models.DepositHeld), models.DepositHeld, LotPatch{})
	require.NoError(t, err)
	require.True(t, ok)

	next := &models.DepositLot{ID: "lot-c", SellerID: "s1", RequiredAmount: decimal.NewFromInt(50), Currency: "USD"}
	inserted, err = s.UpsertRequiredLot(ctx, next)
	require.NoError(t, err)
	assert.True(t, inserted, "a held lot no longer blocks a new required one")
	assert.Equal(t, "lot-c", next.ID)
}

func TestPGDrawFromLotBounds(t *testing.T) {
	s := newPG(t)
	ctx := context.Background()
	lot := heldLot(t, s, "lot-1", "s1", 100)

	for _, amount := range []int64{0, -5, 101} {
		_, ok, err := s.DrawFromLot(ctx, lot.ID, decimal.NewFromInt(amount), "debt")
		require.NoError(t, err)
		assert.False(t, ok, amount)
	}

	got, ok, err := s.DrawFromLot(ctx, lot.ID, decimal.NewFromInt(40), "debt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.RequiredAmount.Equal(decimal.NewFromInt(60)))
	assert.Equal(t, models.DepositHeld, got.Status)

	got, ok, err = s.DrawFromLot(ctx, lot.ID, decimal.NewFromInt(60), "debt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.RequiredAmount.IsZero())
	assert.Equal(t, models.DepositForfeited, got.Status)

	_, ok, err = s.DrawFromLot(ctx, lot.ID, decimal.NewFromInt(1), "debt")
	require.NoError(t, err)
	assert.False(t, ok, "a forfeited lot is not drawn")

	req := &models.DepositLot{ID: "lot-2", SellerID: "s2", RequiredAmount: decimal.NewFromInt(10), Currency: "USD"}
	_, err = s.UpsertRequiredLot(ctx, req)
	require.NoError(t, err)
	_, ok, err = s.DrawFromLot(ctx, req.ID, decimal.NewFromInt(5), "debt")
	require.NoError(t, err)
	assert.False(t, ok, "an unpaid lot is not drawn")
}

func TestPGConcurrentDrawsNeverOverdraw(t *testing.T) {
	s := newPG(t)
	ctx := context.Background()
	lot := heldLot(t, s, "lot-1", "s1", 50)

	var drawn atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.DrawFromLot(ctx, lot.ID, decimal.NewFromInt(10), "debt")
			if assert.NoError(t, err) && ok {
				drawn.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), drawn.Load())

	got, err := s.GetDepositLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.True(t, got.RequiredAmount.IsZero())
	assert.Equal(t, models.DepositForfeited, got.Status)
}

func TestPGApplyDebtCollectionBounds(t *testing.T) {
	s := newPG(t)
	ctx := context.Background()
	d := &models.SellerDebt{SellerID: "s1", DebtAmount: decimal.NewFromInt(50), Currency: "USD", Reason: "chargeback"}
	require.NoError(t, s.CreateDebt(ctx, d))
	from := models.DebtSources(models.DebtCollected)

	for _, credit := range []int64{0, -1, 51} {
		_, ok, err := s.ApplyDebtCollection(ctx, d.ID, from, decimal.NewFromInt(credit), "deposit", time.Now())
		require.NoError(t, err)
		assert.False(t, ok, credit)
	}
	_, ok, err := s.ApplyDebtCollection(ctx, d.ID, []models.DebtStatus{models.DebtForgiven}, decimal.NewFromInt(10), "deposit", time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "status outside the source set")

	var applied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.ApplyDebtCollection(ctx, d.ID, from, decimal.NewFromInt(10), "deposit", time.Now())
			if assert.NoError(t, err) && ok {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), applied.Load())

	got, err := s.GetDebt(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, got.CollectedAmount.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, models.DebtCollected, got.Status)
	assert.NotNil(t, got.CollectedAt)
}

func TestPGOneOpenObligationPerSeller(t *testing.T) {
	s := newPG(t)
	ctx := context.Background()
	due := time.Now().AddDate(0, 0, 7)

	ids := make([]string, 8)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ob, err := s.EnsurePendingObligation(ctx, "s1", due)
			if assert.NoError(t, err) {
				ids[i] = ob.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	now := time.Now()
	ok, err := s.TransitionObligation(ctx, ids[0], models.ObligationSources(models.ObligationPaid), models.ObligationPaid, &now)
	require.NoError(t, err)
	require.True(t, ok)
	claimed, err := s.GetObligation(ctx, ids[0])
	require.NoError(t, err)
	require.NotNil(t, claimed.SealedAt)

	next, err := s.EnsurePendingObligation(ctx, "s1", due)
	require.NoError(t, err)
	assert.NotEqual(t, ids[0], next.ID)

	ok, err = s.TransitionObligation(ctx, ids[0], models.ObligationSources(models.ObligationPending), models.ObligationPending, nil)
	require.NoError(t, err)
	require.True(t, ok, "a failed payout hands the obligation back")

	open, err := s.EnsurePendingObligation(ctx, "s1", due)
	require.NoError(t, err)
	assert.Equal(t, next.ID, open.ID, "the handed-back obligation stays sealed")
}

func TestPGListLotsByStatusPages(t *testing.T) {
	s := newPG(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, seller := range []string{"s1", "s2", "s3"} {
		lot := &models.DepositLot{
			ID: "lot-" + seller, SellerID: seller, RequiredAmount: decimal.NewFromInt(10), Currency: "USD",
			RequiredAt: base.Add(time.Duration(i) * time.Hour),
		}
		_, err := s.UpsertRequiredLot(ctx, lot)
		require.NoError(t, err)
		ok, err := s.TransitionLot(ctx, lot.ID, models.DepositSources(models.DepositHeld), models.DepositHeld, LotPatch{})
		require.NoError(t, err)
		require.True(t, ok)
	}

	page, err := s.ListLotsByStatus(ctx, models.DepositHeld, nil, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "lot-s1", page[0].ID)
	assert.Equal(t, "lot-s2", page[1].ID)

	rest, err := s.ListLotsByStatus(ctx, models.DepositHeld, CursorAfter(page[1]), 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "lot-s3", rest[0].ID)

	done, err := s.ListLotsByStatus(ctx, models.DepositHeld, CursorAfter(rest[0]), 2)
	require.NoError(t, err)
	assert.Empty(t, done)
}

func TestPGInTxRollsBack(t *testing.T) {
	s := newPG(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx Store) error {
		if _, err := tx.CreateTransaction(ctx, &models.PaymentTransaction{
			Type: models.PaymentTip, Provider: models.ProviderStripe, ProviderRef: "pi_rb",
			Amount: decimal.NewFromInt(1), Currency: "USD", Status: models.TxPaid, RelatedID: "tip-1",
		}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	_, err = s.GetTransactionByRef(ctx, models.ProviderStripe, "pi_rb")
	assert.Error(t, err)
}
