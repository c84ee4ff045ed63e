package commissions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charlesnunot/Stratos-sub003/internal/errs"
	"github.com/charlesnunot/Stratos-sub003/internal/models"
	"github.com/charlesnunot/Stratos-sub003/internal/store"
	"github.com/charlesnunot/Stratos-sub003/internal/transfer"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransfers struct {
	mu    sync.Mutex
	fail  map[string]error
	block map[string]bool
	calls []transfer.Request
	n     int32
	// gate runs before a transfer is answered.
	gate func(transfer.Request)
}

func (f *fakeTransfers) Transfer(ctx context.Context, req transfer.Request) (transfer.Result, error) {
	n := atomic.AddInt32(&f.n, 1)
	f.mu.Lock()
	f.calls = append(f.calls, req)
	err := f.fail[req.Destination]
	block := f.block[req.Destination]
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		gate(req)
	}
	if block {
		<-ctx.Done()
		return transfer.Result{}, ctx.Err()
	}
	if err != nil {
		return transfer.Result{}, err
	}
	return transfer.Result{ID: "tr_" + req.Destination + "_" + string(rune('0'+n))}, nil
}

type fixture struct {
	st  *store.Mem
	p   Processor
	ft  *fakeTransfers
	ob  string
	ids []string
}

func setup(t *testing.T, direct bool) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMem()
	ft := &fakeTransfers{fail: map[string]error{}, block: map[string]bool{}}
	p := Processor{Transfers: ft, Concurrency: 2, TransferTimeout: 50 * time.Millisecond, DueDays: 7}

	require.NoError(t, st.UpsertPayoutProfile(ctx, &models.PayoutProfile{UserID: "s1", TransferAccountID: "acct_s1", Direct: direct}))
	require.NoError(t, st.UpsertPayoutProfile(ctx, &models.PayoutProfile{UserID: "X", TransferAccountID: "acct_x"}))
	require.NoError(t, st.UpsertPayoutProfile(ctx, &models.PayoutProfile{UserID: "Y", TransferAccountID: "acct_y"}))

	f := &fixture{st: st, p: p, ft: ft}
	for _, o := range []models.Order{
		{SellerID: "s1", AffiliateID: "X", TotalAmount: decimal.NewFromInt(200), Currency: "USD"},
		{SellerID: "s1", AffiliateID: "X", TotalAmount: decimal.NewFromInt(100), Currency: "USD"},
		{SellerID: "s1", AffiliateID: "Y", TotalAmount: decimal.NewFromInt(100), Currency: "USD"},
	} {
		o.CommissionRate = decimal.RequireFromString("0.10")
		require.NoError(t, st.CreateOrder(ctx, &o))
		c, created, err := p.Accrue(ctx, st, o)
		require.NoError(t, err)
		require.True(t, created)
		f.ob = c.ObligationID
		f.ids = append(f.ids, c.ID)
	}
	return f
}

func TestAccrue(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	for _, id := range f.ids {
		c := f.st.Commission(id)
		assert.Equal(t, f.ob, c.ObligationID, "all commissions share the pending obligation")
		assert.Equal(t, models.CommissionPending, c.Status)
	}
	assert.True(t, f.st.Commission(f.ids[0]).Amount.Equal(decimal.NewFromInt(20)))

	o := models.Order{ID: "o-none", SellerID: "s1", TotalAmount: decimal.NewFromInt(10), Currency: "USD"}
	c, created, err := f.p.Accrue(ctx, f.st, o)
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.False(t, created)

	dup := models.Order{ID: f.st.Commission(f.ids[0]).OrderID, SellerID: "s1", AffiliateID: "X",
		TotalAmount: decimal.NewFromInt(200), Currency: "USD", CommissionRate: decimal.RequireFromString("0.10")}
	_, created, err = f.p.Accrue(ctx, f.st, dup)
	require.NoError(t, err)
	assert.False(t, created, "one commission per order and affiliate")
}

func TestPayObligationSuccess(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	payout, err := f.p.PayObligation(ctx, f.st, f.ob)
	require.NoError(t, err)
	assert.Equal(t, models.FundingSeller, payout.Funding)
	require.Len(t, payout.Transfers, 2)
	assert.Equal(t, "X", payout.Transfers[0].AffiliateID)
	assert.True(t, payout.Transfers[0].Amount.Equal(decimal.NewFromInt(30)))
	assert.Equal(t, "Y", payout.Transfers[1].AffiliateID)
	assert.True(t, payout.Transfers[1].Amount.Equal(decimal.NewFromInt(10)))

	for _, id := range f.ids {
		assert.Equal(t, models.CommissionPaid, f.st.Commission(id).Status)
	}
	entries, err := f.st.ListCommissionLedger(ctx, f.ob)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	for _, e := range entries {
		assert.NotEmpty(t, e.TransferRef)
		assert.Equal(t, models.FundingSeller, e.FundingSource)
	}

	ob, err := f.st.GetObligation(ctx, f.ob)
	require.NoError(t, err)
	assert.Equal(t, models.ObligationPaid, ob.Status)

	for _, call := range f.ft.calls {
		assert.Equal(t, "acct_s1", call.SourceAccount)
	}

	_, err = f.p.PayObligation(ctx, f.st, f.ob)
	assert.True(t, errs.IsAlreadyProcessed(err))
}

func TestPayObligationPartialFailure(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()
	f.ft.fail["acct_y"] = errors.New("account closed")

	_, err := f.p.PayObligation(ctx, f.st, f.ob)
	var partial *errs.PartialFailureError
	require.True(t, errors.As(err, &partial))
	require.Len(t, partial.Failures, 1)
	assert.Equal(t, "Y", partial.Failures[0].Unit)
	assert.True(t, partial.Failures[0].Amount.Equal(decimal.NewFromInt(10)))
	assert.Contains(t, partial.Failures[0].Reason, "account closed")

	for _, id := range f.ids {
		assert.Equal(t, models.CommissionPending, f.st.Commission(id).Status, "nothing marked paid")
	}
	entries, err := f.st.ListCommissionLedger(ctx, f.ob)
	require.NoError(t, err)
	assert.Empty(t, entries)

	ob, err := f.st.GetObligation(ctx, f.ob)
	require.NoError(t, err)
	assert.Equal(t, models.ObligationPending, ob.Status, "compensated")

	var keyX string
	for _, c := range f.ft.calls {
		if c.Destination == "acct_x" {
			keyX = c.IdempotencyKey
		}
	}
	require.NotEmpty(t, keyX)

	delete(f.ft.fail, "acct_y")
	f.ft.calls = nil
	_, err = f.p.PayObligation(ctx, f.st, f.ob)
	require.NoError(t, err)
	for _, c := range f.ft.calls {
		if c.Destination == "acct_x" {
			assert.Equal(t, keyX, c.IdempotencyKey, "retry reuses the key")
		}
	}
}

func TestPayObligationTimeoutIsFailure(t *testing.T) {
	f := setup(t, false)
	f.ft.block["acct_x"] = true

	_, err := f.p.PayObligation(context.Background(), f.st, f.ob)
	var partial *errs.PartialFailureError
	require.True(t, errors.As(err, &partial))
	require.Len(t, partial.Failures, 1)
	assert.Equal(t, "X", partial.Failures[0].Unit)
	assert.Contains(t, partial.Failures[0].Reason, "timed out")
}

func TestPayObligationDirectSellerIsPlatformFunded(t *testing.T) {
	f := setup(t, true)
	payout, err := f.p.PayObligation(context.Background(), f.st, f.ob)
	require.NoError(t, err)
	assert.Equal(t, models.FundingPlatform, payout.Funding)
}

func TestPayObligationMissingAffiliateAccount(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()
	require.NoError(t, f.st.UpsertPayoutProfile(ctx, &models.PayoutProfile{UserID: "Y"}))

	_, err := f.p.PayObligation(ctx, f.st, f.ob)
	var partial *errs.PartialFailureError
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, "Y", partial.Failures[0].Unit)
}

func TestPayObligationConcurrent(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	var ok, processed int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.p.PayObligation(ctx, f.st, f.ob)
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errs.IsAlreadyProcessed(err):
				atomic.AddInt32(&processed, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok)
	assert.Equal(t, int32(7), processed)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.ft.n), "one transfer per affiliate")
}

func TestPayObligationUnknown(t *testing.T) {
	_, err := Processor{}.PayObligation(context.Background(), store.NewMem(), "nope")
	assert.True(t, errs.IsNotFound(err))
}

func TestIdempotencyKeyIsOrderIndependent(t *testing.T) {
	a := IdempotencyKey("ob", "X", []string{"c2", "c1"})
	b := IdempotencyKey("ob", "X", []string{"c1", "c2"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, IdempotencyKey("ob", "Y", []string{"c1", "c2"}))
	assert.NotEqual(t, a, IdempotencyKey("ob", "X", []string{"c1"}))
}

func (f *fakeTransfers) sent(destination string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := decimal.Zero
	for _, c := range f.calls {
		if c.Destination == destination {
			total = total.Add(c.Amount)
		}
	}
	return total
}

func accrueOrder(t *testing.T, f *fixture, affiliate string, total int64) *models.AffiliateCommission {
	t.Helper()
	ctx := context.Background()
	o := models.Order{SellerID: "s1", AffiliateID: affiliate, TotalAmount: decimal.NewFromInt(total),
		Currency: "USD", CommissionRate: decimal.RequireFromString("0.10")}
	require.NoError(t, f.st.CreateOrder(ctx, &o))
	c, created, err := f.p.Accrue(ctx, f.st, o)
	require.NoError(t, err)
	require.True(t, created)
	return c
}

func TestAccrueWhilePayoutInFlight(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()
	f.p.TransferTimeout = 5 * time.Second

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.ft.gate = func(req transfer.Request) {
		if req.Group != f.ob {
			return
		}
		once.Do(func() { close(entered) })
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.p.PayObligation(ctx, f.st, f.ob)
		done <- err
	}()
	<-entered

	late := accrueOrder(t, f, "X", 50)
	assert.NotEqual(t, f.ob, late.ObligationID, "claimed obligation takes no new commissions")

	next, err := f.p.PayObligation(ctx, f.st, late.ObligationID)
	require.NoError(t, err)
	require.Len(t, next.Transfers, 1)
	assert.True(t, next.Transfers[0].Amount.Equal(decimal.NewFromInt(5)), "only the late commission")
	assert.Equal(t, []string{late.ID}, next.CommissionIDs)

	close(release)
	require.NoError(t, <-done)

	assert.True(t, f.ft.sent("acct_x").Equal(decimal.NewFromInt(35)), "X is paid 30 + 5 once")
	assert.True(t, f.ft.sent("acct_y").Equal(decimal.NewFromInt(10)))
	first, err := f.st.ListCommissionLedger(ctx, f.ob)
	require.NoError(t, err)
	assert.Len(t, first, 3)
	second, err := f.st.ListCommissionLedger(ctx, late.ObligationID)
	require.NoError(t, err)
	assert.Len(t, second, 1)
}

func TestHandedBackObligationKeepsItsCommissions(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()
	f.ft.fail["acct_y"] = errors.New("account closed")

	_, err := f.p.PayObligation(ctx, f.st, f.ob)
	var partial *errs.PartialFailureError
	require.True(t, errors.As(err, &partial))
	firstKeys := map[string]string{}
	for _, c := range f.ft.calls {
		firstKeys[c.Destination] = c.IdempotencyKey
	}

	late := accrueOrder(t, f, "X", 50)
	assert.NotEqual(t, f.ob, late.ObligationID)

	delete(f.ft.fail, "acct_y")
	f.ft.calls = nil
	payout, err := f.p.PayObligation(ctx, f.st, f.ob)
	require.NoError(t, err)
	assert.ElementsMatch(t, f.ids, payout.CommissionIDs)
	for _, c := range f.ft.calls {
		assert.Equal(t, firstKeys[c.Destination], c.IdempotencyKey, c.Destination)
	}

	assert.Equal(t, models.CommissionPending, f.st.Commission(late.ID).Status)
	ob, err := f.st.GetObligation(ctx, late.ObligationID)
	require.NoError(t, err)
	assert.Equal(t, models.ObligationPending, ob.Status)
}

func TestConcurrentAccrualSharesOneObligation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMem()
	p := Processor{DueDays: 7}

	obligations := make([]string, 12)
	var wg sync.WaitGroup
	for i := range obligations {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o := models.Order{SellerID: "s9", AffiliateID: "X", TotalAmount: decimal.NewFromInt(10),
				Currency: "USD", CommissionRate: decimal.RequireFromString("0.10")}
			if !assert.NoError(t, st.CreateOrder(ctx, &o)) {
				return
			}
			c, _, err := p.Accrue(ctx, st, o)
			if assert.NoError(t, err) {
				obligations[i] = c.ObligationID
			}
		}()
	}
	wg.Wait()

	for _, id := range obligations {
		assert.Equal(t, obligations[0], id)
	}
}
