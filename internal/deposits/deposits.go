// Package deposits runs the seller deposit lot lifecycle:
// required -> held -> refundable -> refunding -> refunded, with forfeiture
// possible while the money is held.
package deposits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charlesnunot/Stratos-sub003/internal/errs"
	"github.com/charlesnunot/Stratos-sub003/internal/fx"
	"github.com/charlesnunot/Stratos-sub003/internal/ledger"
	"github.com/charlesnunot/Stratos-sub003/internal/metrics"
	"github.com/charlesnunot/Stratos-sub003/internal/models"
	"github.com/charlesnunot/Stratos-sub003/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	NoticeDepositRequired   = "deposit_required"
	NoticeDepositHeld       = "deposit_held"
	NoticeDepositRefundable = "deposit_refundable"
	NoticeDepositRefunded   = "deposit_refunded"
	NoticeDepositForfeited  = "deposit_forfeited"

	blockReason = "deposit_required"
)

var (
	ErrInvalidAmount = errors.New("deposit amount must be positive")
	ErrInvalidRefund = errors.New("refund and fee must be non-negative and within the lot amount")
)

type Processor struct {
	Rates           fx.Rates
	Ledger          ledger.Ledger
	RefundGraceDays int
	Currency        string
	Log             *zap.Logger
	Now             func() time.Time
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

func (p Processor) currency() string {
	if p.Currency != "" {
		return p.Currency
	}
	return "USD"
}

// RequireDeposit asks the seller for amount. A seller has at most one
// required lot: a new requirement overwrites the open one. Held lots are
// untouched. The seller is blocked from taking payments until it is paid.
func (p Processor) RequireDeposit(ctx context.Context, st store.Store, sellerID string, amount decimal.Decimal, currency, tier string) (*models.DepositLot, bool, error) {
	if !amount.IsPositive() {
		return nil, false, ErrInvalidAmount
	}
	lot := &models.DepositLot{
		SellerID:                 sellerID,
		RequiredAmount:           amount,
		Currency:                 currency,
		Status:                   models.DepositRequired,
		SubscriptionTierSnapshot: tier,
		RequiredAt:               p.now(),
	}
	created, err := st.UpsertRequiredLot(ctx, lot)
	if err != nil {
		return nil, false, fmt.Errorf("upsert required lot: %w", err)
	}
	if err := st.SetSellerPermission(ctx, sellerID, models.SellerPermission{Allowed: false, Reason: blockReason}); err != nil {
		return nil, false, fmt.Errorf("block seller: %w", err)
	}
	if created {
		metrics.DepositTransitions.WithLabelValues(string(models.DepositRequired)).Inc()
	}
	p.log().Info("deposit required",
		zap.String("seller_id", sellerID), zap.String("lot_id", lot.ID),
		zap.String("amount", amount.String()), zap.String("currency", currency), zap.Bool("created", created))
	return lot, created, nil
}

// MarkHeld records that the lot's deposit was captured by txID.
func (p Processor) MarkHeld(ctx context.Context, st store.Store, lotID, txID string) ([]models.Notice, error) {
	now := p.now()
	lot, err := p.transition(ctx, st, lotID, models.DepositHeld, store.LotPatch{HeldAt: &now, PaymentTransactionID: txID})
	if err != nil {
		return nil, err
	}

	open, err := st.ListSellerLots(ctx, lot.SellerID, []models.DepositStatus{models.DepositRequired})
	if err != nil {
		return nil, fmt.Errorf("list required lots: %w", err)
	}
	if len(open) == 0 {
		if err := st.SetSellerPermission(ctx, lot.SellerID, models.SellerPermission{Allowed: true}); err != nil {
			return nil, fmt.Errorf("unblock seller: %w", err)
		}
	}
	return []models.Notice{lotNotice(lot, NoticeDepositHeld)}, nil
}

// MarkRefundable starts the refund grace period.
func (p Processor) MarkRefundable(ctx context.Context, st store.Store, lotID string) (*models.DepositLot, []models.Notice, error) {
	at := AddBusinessDays(p.now(), p.RefundGraceDays)
	lot, err := p.transition(ctx, st, lotID, models.DepositRefundable, store.LotPatch{RefundableAt: &at})
	if err != nil {
		return nil, nil, err
	}
	return lot, []models.Notice{lotNotice(lot, NoticeDepositRefundable)}, nil
}

// RequestRefund is the seller asking for their deposit back.
func (p Processor) RequestRefund(ctx context.Context, st store.Store, lotID string) (*models.DepositLot, error) {
	lot, err := st.GetDepositLot(ctx, lotID)
	if err != nil {
		return nil, err
	}
	switch lot.Status {
	case models.DepositRefundable:
	case models.DepositRefunding, models.DepositRefunded:
		return nil, errs.AlreadyProcessed("deposit lot", lotID)
	default:
		return nil, &errs.NotEligibleError{Entity: "deposit lot", ID: lotID, Reason: "lot is " + string(lot.Status)}
	}
	if lot.RefundableAt != nil && p.now().Before(*lot.RefundableAt) {
		return nil, &errs.NotEligibleError{Entity: "deposit lot", ID: lotID, Reason: "refundable from " + lot.RefundableAt.Format(time.RFC3339)}
	}
	return p.transition(ctx, st, lotID, models.DepositRefunding, store.LotPatch{})
}

func (p Processor) CompleteRefund(ctx context.Context, st store.Store, lotID string, refunded, fee decimal.Decimal) (*models.DepositLot, []models.Notice, error) {
	lot, err := st.GetDepositLot(ctx, lotID)
	if err != nil {
		return nil, nil, err
	}
	if refunded.IsNegative() || fee.IsNegative() || refunded.Add(fee).GreaterThan(lot.RequiredAmount) {
		return nil, nil, ErrInvalidRefund
	}
	lot, err = p.transition(ctx, st, lotID, models.DepositRefunded, store.LotPatch{RefundedAmount: &refunded, RefundFeeAmount: &fee})
	if err != nil {
		return nil, nil, err
	}
	return lot, []models.Notice{lotNotice(lot, NoticeDepositRefunded)}, nil
}

func (p Processor) Forfeit(ctx context.Context, st store.Store, lotID, reason string) (*models.DepositLot, []models.Notice, error) {
	if reason == "" {
		reason = "forfeited"
	}
	lot, err := p.transition(ctx, st, lotID, models.DepositForfeited, store.LotPatch{ForfeitReason: reason})
	if err != nil {
		return nil, nil, err
	}
	return lot, []models.Notice{lotNotice(lot, NoticeDepositForfeited)}, nil
}

// transition is the compare-and-swap every lot change goes through. A lot
// already at or past the target is AlreadyProcessed; anything else that
// refuses the swap is a StateConflict.
func (p Processor) transition(ctx context.Context, st store.Store, lotID string, to models.DepositStatus, patch store.LotPatch) (*models.DepositLot, error) {
	ok, err := st.TransitionLot(ctx, lotID, models.DepositSources(to), to, patch)
	if err != nil {
		return nil, fmt.Errorf("transition lot %s to %s: %w", lotID, to, err)
	}
	lot, err := st.GetDepositLot(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if lot.Status == to || (to != models.DepositForfeited && lot.Status != models.DepositForfeited && lot.Status.Rank() > to.Rank()) {
			return nil, errs.AlreadyProcessed("deposit lot", lotID)
		}
		return nil, errs.StateConflict("deposit lot", lotID, string(lot.Status), string(to))
	}
	metrics.DepositTransitions.WithLabelValues(string(to)).Inc()
	p.log().Info("deposit lot transitioned",
		zap.String("lot_id", lotID), zap.String("seller_id", lot.SellerID), zap.String("status", string(to)))
	return lot, nil
}

// Evaluation is the outcome of comparing a seller's exposure with what
// their tier and held deposits cover. All amounts are in Currency.
type Evaluation struct {
	SellerID  string
	Currency  string
	Exposure  decimal.Decimal
	Allowance decimal.Decimal
	Held      decimal.Decimal
	Shortfall decimal.Decimal
	Lot       *models.DepositLot
	Created   bool
}

// EvaluateExposure requires a deposit for whatever part of the seller's
// unfulfilled paid orders is covered neither by the tier allowance nor by
// lots already held.
func (p Processor) EvaluateExposure(ctx context.Context, st store.Store, sellerID string) (*Evaluation, []models.Notice, error) {
	cur := p.currency()
	ev := &Evaluation{SellerID: sellerID, Currency: cur}

	tierName, err := p.exposure(ctx, st, ev)
	if err != nil {
		return nil, nil, err
	}

	held, err := st.ListSellerLots(ctx, sellerID, []models.DepositStatus{models.DepositHeld, models.DepositRefundable})
	if err != nil {
		return nil, nil, fmt.Errorf("list held lots: %w", err)
	}
	for _, l := range held {
		v, err := p.convert(ctx, l.RequiredAmount, l.Currency, cur)
		if err != nil {
			return nil, nil, err
		}
		ev.Held = ev.Held.Add(v)
	}

	ev.Shortfall = ev.Exposure.Sub(ev.Allowance).Sub(ev.Held).RoundUp(2)
	if !ev.Shortfall.IsPositive() {
		ev.Shortfall = decimal.Zero
		return ev, nil, nil
	}
	lot, created, err := p.RequireDeposit(ctx, st, sellerID, ev.Shortfall, cur, tierName)
	if err != nil {
		return nil, nil, err
	}
	ev.Lot, ev.Created = lot, created
	return ev, []models.Notice{lotNotice(lot, NoticeDepositRequired)}, nil
}

// exposure fills in the seller's exposure and tier allowance, both in
// ev.Currency, and returns the tier name. A seller without a tier has no
// allowance.
func (p Processor) exposure(ctx context.Context, st store.Store, ev *Evaluation) (string, error) {
	exposure, err := st.SellerExposure(ctx, ev.SellerID)
	if err != nil {
		return "", fmt.Errorf("seller exposure: %w", err)
	}
	for _, m := range exposure {
		v, err := p.convert(ctx, m.Amount, m.Currency, ev.Currency)
		if err != nil {
			return "", err
		}
		ev.Exposure = ev.Exposure.Add(v)
	}

	tier, err := st.SubscriptionTier(ctx, ev.SellerID)
	switch {
	case err == nil:
		if ev.Allowance, err = p.convert(ctx, tier.FreeAllowance, tier.Currency, ev.Currency); err != nil {
			return "", err
		}
		return tier.Name, nil
	case errs.IsNotFound(err):
		return "", nil
	default:
		return "", fmt.Errorf("subscription tier: %w", err)
	}
}

func (p Processor) convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	if from == to || amount.IsZero() {
		return amount, nil
	}
	if p.Rates == nil {
		return decimal.Zero, fmt.Errorf("%w: %s/%s", fx.ErrNoRate, from, to)
	}
	v, err := fx.Convert(ctx, p.Rates, amount, from, to)
	if err != nil {
		return decimal.Zero, err
	}
	return v.Round(2), nil
}

// Initiation is what a client needs to start paying a required lot.
type Initiation struct {
	LotID     string
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Metadata  models.Metadata
}

// InitiateDepositPayment hands out the deposit_<lotId>_<ts> reference and
// metadata the capture must carry.
func (p Processor) InitiateDepositPayment(ctx context.Context, st store.Store, lotID string) (*Initiation, error) {
	lot, err := st.GetDepositLot(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if lot.Status != models.DepositRequired {
		return nil, errs.StateConflict("deposit lot", lotID, string(lot.Status), string(models.DepositRequired))
	}
	meta := models.Metadata{Type: models.PaymentDeposit, LotID: lot.ID}
	return &Initiation{
		LotID:     lot.ID,
		Reference: p.Ledger.NewReference(meta),
		Amount:    lot.RequiredAmount,
		Currency:  lot.Currency,
		Metadata:  meta,
	}, nil
}

// SweepRefundable marks held lots refundable once their seller's exposure
// is back within the tier allowance. Every held lot is visited, pageSize at
// a time, so sellers with old busy lots do not starve the rest. It returns
// how many lots moved.
func (p Processor) SweepRefundable(ctx context.Context, st store.Store, pageSize int) (int, []models.Notice, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	covered := map[string]bool{}
	moved := 0
	var notices []models.Notice
	var after *store.LotCursor
	for {
		lots, err := st.ListLotsByStatus(ctx, models.DepositHeld, after, pageSize)
		if err != nil {
			return moved, notices, fmt.Errorf("list held lots: %w", err)
		}
		for _, l := range lots {
			ok, seen := covered[l.SellerID]
			if !seen {
				ev := &Evaluation{SellerID: l.SellerID, Currency: p.currency()}
				if _, err := p.exposure(ctx, st, ev); err != nil {
					return moved, notices, err
				}
				ok = ev.Exposure.LessThanOrEqual(ev.Allowance)
				covered[l.SellerID] = ok
			}
			if !ok {
				continue
			}
			_, n, err := p.MarkRefundable(ctx, st, l.ID)
			if errs.IsAlreadyProcessed(err) {
				continue
			}
			var conflict *errs.StateConflictError
			if errors.As(err, &conflict) {
				continue
			}
			if err != nil {
				return moved, notices, err
			}
			moved++
			notices = append(notices, n...)
		}
		if len(lots) < pageSize {
			return moved, notices, nil
		}
		after = store.CursorAfter(lots[len(lots)-1])
		if err := ctx.Err(); err != nil {
			return moved, notices, err
		}
	}
}

// AddBusinessDays adds n weekdays to t.
func AddBusinessDays(t time.Time, n int) time.Time {
	for n > 0 {
		t = t.AddDate(0, 0, 1)
		if wd := t.Weekday(); wd != time.Saturday && wd != time.Sunday {
			n--
		}
	}
	return t
}

func lotNotice(l *models.DepositLot, kind string) models.Notice {
	return models.Notice{
		UserID: l.SellerID,
		Kind:   kind,
		Payload: map[string]any{
			"lot_id":   l.ID,
			"amount":   l.RequiredAmount.StringFixed(2),
			"currency": l.Currency,
			"status":   string(l.Status),
		},
	}
}
