// Package commissions accrues affiliate commissions into per-seller payment
// obligations and pays them out.
package commissions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charlesnunot/Stratos-sub003/internal/errs"
	"github.com/charlesnunot/Stratos-sub003/internal/metrics"
	"github.com/charlesnunot/Stratos-sub003/internal/models"
	"github.com/charlesnunot/Stratos-sub003/internal/store"
	"github.com/charlesnunot/Stratos-sub003/internal/transfer"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency = 4
	defaultTimeout     = 20 * time.Second
)

type Processor struct {
	Transfers       transfer.Transferer
	Concurrency     int
	TransferTimeout time.Duration
	DueDays         int
	Log             *zap.Logger
	Now             func() time.Time
}

// Payout describes a fully paid obligation.
type Payout struct {
	ObligationID  string
	Funding       models.FundingSource
	Transfers     []Transfer
	CommissionIDs []string
}

type Transfer struct {
	AffiliateID string          `json:"affiliateId"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	TransferRef string          `json:"transferRef"`
}

func (p Processor) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p Processor) log() *zap.Logger {
	if p.Log != nil {
		return p.Log
	}
	return zap.NewNop()
}

// Accrue books the affiliate's cut of a freshly paid order into the seller's
// open obligation. Orders without an affiliate accrue nothing.
func (p Processor) Accrue(ctx context.Context, st store.Store, o models.Order) (*models.AffiliateCommission, bool, error) {
	if o.AffiliateID == "" || !o.CommissionRate.IsPositive() {
		return nil, false, nil
	}
	amount := o.TotalAmount.Mul(o.CommissionRate).Round(2)
	if !amount.IsPositive() {
		return nil, false, nil
	}
	due := p.now().AddDate(0, 0, p.DueDays)

	var (
		c       *models.AffiliateCommission
		created bool
	)
	// The obligation lookup and the insert share a transaction so a payout
	// cannot claim the obligation between them.
	err := st.InTx(ctx, func(tx store.Store) error {
		ob, err := tx.EnsurePendingObligation(ctx, o.SellerID, due)
		if err != nil {
			return fmt.Errorf("ensure obligation: %w", err)
		}
		c = &models.AffiliateCommission{
			OrderID:      o.ID,
			SellerID:     o.SellerID,
			AffiliateID:  o.AffiliateID,
			ObligationID: ob.ID,
			Amount:       amount,
			Currency:     o.Currency,
			Status:       models.CommissionPending,
		}
		if created, err = tx.CreateCommission(ctx, c); err != nil {
			return fmt.Errorf("create commission: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return c, created, nil
}

type unit struct {
	affiliate string
	currency  string
	amount    decimal.Decimal
	ids       []string
	ref       string
}

// PayObligation pays the obligation's pending commissions, one transfer per
// affiliate and currency. Either all transfers succeed and the commissions
// are marked paid, or the obligation is handed back to pending and a
// *errs.PartialFailureError names the affiliates that failed. Claiming seals
// the obligation: commissions accrued meanwhile go to the seller's next one.
func (p Processor) PayObligation(ctx context.Context, st store.Store, obligationID string) (*Payout, error) {
	now := p.now()
	claimed, err := st.TransitionObligation(ctx, obligationID, models.ObligationSources(models.ObligationPaid), models.ObligationPaid, &now)
	if err != nil {
		return nil, fmt.Errorf("claim obligation: %w", err)
	}
	ob, err := st.GetObligation(ctx, obligationID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		if ob.Status == models.ObligationPaid {
			return nil, errs.AlreadyProcessed("obligation", obligationID)
		}
		return nil, errs.StateConflict("obligation", obligationID, string(ob.Status), string(models.ObligationPending))
	}

	payout, err := p.payClaimed(ctx, st, ob)
	if err == nil {
		metrics.PayoutsTotal.WithLabelValues("paid").Inc()
		return payout, nil
	}

	if ok, cerr := st.TransitionObligation(ctx, obligationID, models.ObligationSources(models.ObligationPending), models.ObligationPending, nil); cerr != nil || !ok {
		p.log().Error("obligation compensation failed",
			zap.String("obligation_id", obligationID), zap.Bool("applied", ok), zap.Error(cerr))
		if cerr != nil {
			err = errors.Join(err, fmt.Errorf("compensate obligation: %w", cerr))
		}
	}
	metrics.PayoutsTotal.WithLabelValues("failed").Inc()
	return nil, err
}

func (p Processor) payClaimed(ctx context.Context, st store.Store, ob *models.CommissionPaymentObligation) (*Payout, error) {
	pending, err := st.ListObligationCommissions(ctx, ob.ID, models.CommissionPending)
	if err != nil {
		return nil, fmt.Errorf("list commissions: %w", err)
	}
	payout := &Payout{ObligationID: ob.ID, Funding: models.FundingSeller}
	if len(pending) == 0 {
		return payout, nil
	}

	var sellerAccount string
	profile, err := st.GetPayoutProfile(ctx, ob.SellerID)
	switch {
	case err == nil:
		sellerAccount = profile.TransferAccountID
		if profile.Direct {
			payout.Funding = models.FundingPlatform
		}
	case !errs.IsNotFound(err):
		return nil, fmt.Errorf("seller payout profile: %w", err)
	}

	units := groupByAffiliate(pending)
	destinations := make(map[string]string, len(units))
	for _, u := range units {
		if _, seen := destinations[u.affiliate]; seen {
			continue
		}
		prof, err := st.GetPayoutProfile(ctx, u.affiliate)
		switch {
		case err == nil:
			destinations[u.affiliate] = prof.TransferAccountID
		case errs.IsNotFound(err):
			destinations[u.affiliate] = ""
		default:
			return nil, fmt.Errorf("affiliate payout profile: %w", err)
		}
	}

	failures := p.transferAll(ctx, ob, payout.Funding, sellerAccount, units, destinations)
	if len(failures) > 0 {
		return nil, &errs.PartialFailureError{Op: "pay obligation " + ob.ID, Failures: failures}
	}

	byCommission := map[string]*unit{}
	for _, u := range units {
		payout.Transfers = append(payout.Transfers, Transfer{
			AffiliateID: u.affiliate,
			Amount:      u.amount,
			Currency:    u.currency,
			TransferRef: u.ref,
		})
		for _, id := range u.ids {
			byCommission[id] = u
			payout.CommissionIDs = append(payout.CommissionIDs, id)
		}
	}

	paidAt := p.now()
	n, err := st.MarkCommissionsPaid(ctx, payout.CommissionIDs, models.CommissionSources(models.CommissionPaid), paidAt)
	if err != nil {
		return nil, fmt.Errorf("mark commissions paid: %w", err)
	}
	if int(n) != len(payout.CommissionIDs) {
		p.log().Warn("some commissions were already paid",
			zap.String("obligation_id", ob.ID), zap.Int64("marked", n), zap.Int("expected", len(payout.CommissionIDs)))
	}

	for _, c := range pending {
		u := byCommission[c.ID]
		entry := &models.CommissionLedgerEntry{
			ObligationID:  ob.ID,
			CommissionID:  c.ID,
			AffiliateID:   c.AffiliateID,
			SellerID:      ob.SellerID,
			Amount:        c.Amount,
			Currency:      c.Currency,
			TransferRef:   u.ref,
			FundingSource: payout.Funding,
		}
		if err := st.InsertCommissionLedgerEntry(ctx, entry); err != nil {
			p.log().Error("commission ledger write failed",
				zap.String("obligation_id", ob.ID), zap.String("commission_id", c.ID), zap.Error(err))
		}
	}
	return payout, nil
}

func (p Processor) transferAll(ctx context.Context, ob *models.CommissionPaymentObligation, funding models.FundingSource, sellerAccount string, units []*unit, destinations map[string]string) []errs.UnitFailure {
	limit := p.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}
	timeout := p.TransferTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var (
		mu       sync.Mutex
		failures []errs.UnitFailure
	)
	fail := func(u *unit, reason string) {
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, errs.UnitFailure{Unit: u.affiliate, Amount: u.amount, Currency: u.currency, Reason: reason})
		metrics.TransfersTotal.WithLabelValues(string(funding), "failed").Inc()
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for _, u := range units {
		g.Go(func() error {
			switch {
			case p.Transfers == nil:
				fail(u, transfer.ErrNotConfigured.Error())
				return nil
			case destinations[u.affiliate] == "":
				fail(u, "affiliate has no payout account")
				return nil
			case funding == models.FundingSeller && sellerAccount == "":
				fail(u, "seller has no payout account")
				return nil
			}

			tctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			res, err := p.Transfers.Transfer(tctx, transfer.Request{
				Destination:    destinations[u.affiliate],
				Amount:         u.amount,
				Currency:       u.currency,
				Funding:        funding,
				SourceAccount:  sellerAccount,
				IdempotencyKey: IdempotencyKey(ob.ID, u.affiliate, u.ids),
				Group:          ob.ID,
				Metadata: map[string]string{
					"obligation_id": ob.ID,
					"seller_id":     ob.SellerID,
					"affiliate_id":  u.affiliate,
				},
			})
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) || tctx.Err() != nil {
					fail(u, "transfer timed out, outcome unknown")
				} else {
					fail(u, err.Error())
				}
				p.log().Warn("affiliate transfer failed",
					zap.String("obligation_id", ob.ID), zap.String("affiliate_id", u.affiliate), zap.Error(err))
				return nil
			}
			u.ref = res.ID
			metrics.TransfersTotal.WithLabelValues(string(funding), "ok").Inc()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(failures, func(i, j int) bool {
		if failures[i].Unit != failures[j].Unit {
			return failures[i].Unit < failures[j].Unit
		}
		return failures[i].Currency < failures[j].Currency
	})
	return failures
}

func groupByAffiliate(list []models.AffiliateCommission) []*unit {
	index := map[string]*unit{}
	var out []*unit
	for _, c := range list {
		key := c.AffiliateID + "\x00" + c.Currency
		u, ok := index[key]
		if !ok {
			u = &unit{affiliate: c.AffiliateID, currency: c.Currency}
			index[key] = u
			out = append(out, u)
		}
		u.amount = u.amount.Add(c.Amount)
		u.ids = append(u.ids, c.ID)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].affiliate != out[j].affiliate {
			return out[i].affiliate < out[j].affiliate
		}
		return out[i].currency < out[j].currency
	})
	return out
}

// IdempotencyKey is stable for the same obligation, affiliate and set of
// commissions. A sealed obligation keeps its commission set across retries,
// so a retried payout cannot pay an affiliate twice.
func IdempotencyKey(obligationID, affiliateID string, commissionIDs []string) string {
	ids := append([]string(nil), commissionIDs...)
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(obligationID + "|" + affiliateID + "|" + strings.Join(ids, ",")))
	return "commission-" + hex.EncodeToString(sum[:16])
}
