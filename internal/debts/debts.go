// Package debts records what sellers owe the platform and collects it from
// their held deposits.
package debts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charlesnunot/Stratos-sub003/internal/fx"
	"github.com/charlesnunot/Stratos-sub003/internal/metrics"
	"github.com/charlesnunot/Stratos-sub003/internal/models"
	"github.com/charlesnunot/Stratos-sub003/internal/provider"
	"github.com/charlesnunot/Stratos-sub003/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	MethodDeposit = "deposit"

	NoticeDebtCollected = "debt_collected"

	forfeitReason = "debt_collection"
	maxConflicts  = 3
)

var (
	ErrInvalidAmount = errors.New("debt amount must be positive")
	ErrMissingSeller = errors.New("missing seller id")
	ErrBadCurrency   = errors.New("invalid currency")

	errLostRace = errors.New("lot or debt changed under collection")
)

type Processor struct {
	Rates fx.Rates
	Log   *zap.Logger
	Now   func() time.Time
}

// Draw is one lot-to-debt transfer. LotAmount is in the lot currency and
// DebtAmount in the debt currency.
type Draw struct {
	DebtID       string          `json:"debtId"`
	LotID        string          `json:"lotId"`
	LotAmount    decimal.Decimal `json:"lotAmount"`
	LotCurrency  string          `json:"lotCurrency"`
	DebtAmount   decimal.Decimal `json:"debtAmount"`
	DebtCurrency string          `json:"debtCurrency"`
	LotForfeited bool            `json:"lotForfeited"`
	DebtSettled  bool            `json:"debtSettled"`
}

// Result totals are keyed by debt currency.
type Result struct {
	Collected            map[string]decimal.Decimal `json:"collected"`
	RemainingUncollected map[string]decimal.Decimal `json:"remainingUncollected"`
	Draws                []Draw                     `json:"draws"`
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

func (p Processor) CreateDebt(ctx context.Context, st store.Store, sellerID string, amount decimal.Decimal, currency, reason string) (*models.SellerDebt, error) {
	if sellerID == "" {
		return nil, ErrMissingSeller
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	currency = provider.NormalizeCurrency(currency)
	if !provider.ValidCurrency(currency) {
		return nil, fmt.Errorf("%w %q", ErrBadCurrency, currency)
	}
	d := &models.SellerDebt{
		SellerID:        sellerID,
		DebtAmount:      amount,
		CollectedAmount: decimal.Zero,
		Currency:        currency,
		Status:          models.DebtPending,
		Reason:          reason,
	}
	if err := st.CreateDebt(ctx, d); err != nil {
		return nil, fmt.Errorf("create debt: %w", err)
	}
	p.log().Info("seller debt recorded",
		zap.String("seller_id", sellerID), zap.String("debt_id", d.ID),
		zap.String("amount", amount.String()), zap.String("currency", currency))
	return d, nil
}

// CollectFromDeposit pays the seller's pending debts, oldest first, out of
// their held and refundable lots, oldest first. Every draw commits on its
// own so a failure part way keeps what was already collected.
func (p Processor) CollectFromDeposit(ctx context.Context, st store.Store, sellerID string) (*Result, []models.Notice, error) {
	res := &Result{Collected: map[string]decimal.Decimal{}, RemainingUncollected: map[string]decimal.Decimal{}}

	debts, err := st.ListSellerDebts(ctx, sellerID, models.DebtPending)
	if err != nil {
		return nil, nil, fmt.Errorf("list debts: %w", err)
	}
	lots, err := st.ListSellerLots(ctx, sellerID, []models.DepositStatus{models.DepositHeld, models.DepositRefundable})
	if err != nil {
		return nil, nil, fmt.Errorf("list lots: %w", err)
	}

	var notices []models.Notice
	li := 0
	for di := range debts {
		debt := &debts[di]
		conflicts := 0
		for debt.Status == models.DebtPending && debt.Remaining().IsPositive() && li < len(lots) {
			lot := &lots[li]
			if !lot.RequiredAmount.IsPositive() || (lot.Status != models.DepositHeld && lot.Status != models.DepositRefundable) {
				li++
				continue
			}
			lotAmt, debtAmt, err := p.plan(ctx, lot, debt)
			if err != nil {
				return res, notices, err
			}
			if !lotAmt.IsPositive() || !debtAmt.IsPositive() {
				li++
				continue
			}

			draw, err := p.apply(ctx, st, lot, debt, lotAmt, debtAmt)
			if errors.Is(err, errLostRace) {
				metrics.DebtCollections.WithLabelValues("conflict").Inc()
				conflicts++
				if conflicts > maxConflicts {
					return res, notices, fmt.Errorf("collect debt %s: %w", debt.ID, err)
				}
				if err := p.reload(ctx, st, lot, debt); err != nil {
					return res, notices, err
				}
				continue
			}
			if err != nil {
				metrics.DebtCollections.WithLabelValues("error").Inc()
				return res, notices, err
			}
			metrics.DebtCollections.WithLabelValues("ok").Inc()
			res.Draws = append(res.Draws, *draw)
			res.Collected[debt.Currency] = res.Collected[debt.Currency].Add(draw.DebtAmount)
			if draw.LotForfeited {
				li++
			}
		}
		if debt.Status == models.DebtCollected {
			notices = append(notices, models.Notice{
				UserID: sellerID,
				Kind:   NoticeDebtCollected,
				Payload: map[string]any{
					"debt_id":  debt.ID,
					"amount":   debt.DebtAmount.StringFixed(2),
					"currency": debt.Currency,
				},
			})
		}
		if rem := debt.Remaining(); debt.Status == models.DebtPending && rem.IsPositive() {
			res.RemainingUncollected[debt.Currency] = res.RemainingUncollected[debt.Currency].Add(rem)
		}
	}
	return res, notices, nil
}

// plan sizes a draw. Same-currency draws move min(lot, remaining). Across
// currencies the lot side rounds up when it covers the whole debt and the
// debt side rounds down when the lot runs dry, so the lot never goes below
// zero and the debt is never over-credited.
func (p Processor) plan(ctx context.Context, lot *models.DepositLot, debt *models.SellerDebt) (decimal.Decimal, decimal.Decimal, error) {
	remaining := debt.Remaining()
	avail := lot.RequiredAmount
	if lot.Currency == debt.Currency {
		x := decimal.Min(remaining, avail)
		return x, x, nil
	}
	if p.Rates == nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %s/%s", fx.ErrNoRate, debt.Currency, lot.Currency)
	}
	toLot, err := p.Rates.Rate(ctx, debt.Currency, lot.Currency)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	need := remaining.Mul(toLot).RoundUp(2)
	if need.LessThanOrEqual(avail) {
		return need, remaining, nil
	}
	toDebt, err := p.Rates.Rate(ctx, lot.Currency, debt.Currency)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	credit := decimal.Min(avail.Mul(toDebt).RoundDown(2), remaining)
	return avail, credit, nil
}

func (p Processor) apply(ctx context.Context, st store.Store, lot *models.DepositLot, debt *models.SellerDebt, lotAmt, debtAmt decimal.Decimal) (*Draw, error) {
	var draw *Draw
	err := st.InTx(ctx, func(tx store.Store) error {
		drawn, ok, err := tx.DrawFromLot(ctx, lot.ID, lotAmt, forfeitReason)
		if err != nil {
			return fmt.Errorf("draw from lot %s: %w", lot.ID, err)
		}
		if !ok {
			return errLostRace
		}
		credited, ok, err := tx.ApplyDebtCollection(ctx, debt.ID, models.DebtSources(models.DebtCollected), debtAmt, MethodDeposit, p.now())
		if err != nil {
			return fmt.Errorf("apply collection to debt %s: %w", debt.ID, err)
		}
		if !ok {
			return errLostRace
		}
		if err := tx.InsertDebtCollection(ctx, &models.DebtCollection{
			DebtID:     debt.ID,
			LotID:      lot.ID,
			LotAmount:  lotAmt,
			DebtAmount: debtAmt,
		}); err != nil {
			return fmt.Errorf("record collection: %w", err)
		}
		*lot = *drawn
		*debt = *credited
		draw = &Draw{
			DebtID:       debt.ID,
			LotID:        lot.ID,
			LotAmount:    lotAmt,
			LotCurrency:  lot.Currency,
			DebtAmount:   debtAmt,
			DebtCurrency: debt.Currency,
			LotForfeited: drawn.Status == models.DepositForfeited,
			DebtSettled:  credited.Status == models.DebtCollected,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.log().Info("debt collected from deposit",
		zap.String("debt_id", draw.DebtID), zap.String("lot_id", draw.LotID),
		zap.String("lot_amount", draw.LotAmount.String()+" "+draw.LotCurrency),
		zap.String("debt_amount", draw.DebtAmount.String()+" "+draw.DebtCurrency))
	return draw, nil
}

func (p Processor) reload(ctx context.Context, st store.Store, lot *models.DepositLot, debt *models.SellerDebt) error {
	l, err := st.GetDepositLot(ctx, lot.ID)
	if err != nil {
		return err
	}
	d, err := st.GetDebt(ctx, debt.ID)
	if err != nil {
		return err
	}
	*lot, *debt = *l, *d
	return nil
}
