// Package ledger records provider captures exactly once per
// (provider, provider_ref).
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charlesnunot/Stratos-sub003/internal/errs"
	"github.com/charlesnunot/Stratos-sub003/internal/fx"
	"github.com/charlesnunot/Stratos-sub003/internal/models"
	"github.com/charlesnunot/Stratos-sub003/internal/provider"
	"github.com/charlesnunot/Stratos-sub003/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInvalidCapture = errors.New("invalid capture event")
	ErrMissingRef     = errors.New("missing provider reference")
)

type Ledger struct {
	Rates     fx.Rates
	Tolerance decimal.Decimal
	Log       *zap.Logger
	Now       func() time.Time
}

type Result struct {
	// Created is false when the capture had already been recorded.
	Created     bool
	Transaction *models.PaymentTransaction
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

func (l Ledger) log() *zap.Logger {
	if l.Log != nil {
		return l.Log
	}
	return zap.NewNop()
}

// RecordCapture turns a verified capture into a paid ledger row. Captures are
// first checked against what the referenced entity asks for: the order or
// group total, the deposit lot's required amount, the tip or the
// subscription price. A mismatch is recorded as a failed row and returned as
// *errs.AmountMismatchError. Platform fees carry no expected amount.
func (l Ledger) RecordCapture(ctx context.Context, st store.Store, ev models.CaptureEvent) (Result, error) {
	if err := validate(ev); err != nil {
		return Result{}, err
	}

	existing, err := st.GetTransactionByRef(ctx, ev.Provider, ev.ProviderRef)
	switch {
	case err == nil && existing.Status == models.TxPaid:
		return Result{Transaction: existing}, nil
	case err == nil && existing.Status == models.TxFailed:
		return Result{Transaction: existing}, l.replayFailed(ctx, st, ev)
	case err != nil && !errs.IsNotFound(err):
		return Result{}, err
	}

	mismatch, err := l.checkAmount(ctx, st, ev)
	if err != nil {
		return Result{}, err
	}
	if mismatch != nil {
		tx, err := l.recordFailed(ctx, st, ev, mismatch.Error())
		if err != nil {
			return Result{}, err
		}
		l.log().Warn("capture amount mismatch",
			zap.String("type", string(ev.Metadata.Type)),
			zap.String("provider", string(ev.Provider)),
			zap.String("provider_ref", ev.ProviderRef),
			zap.String("expected", mismatch.Expected.String()+" "+mismatch.ExpectedCurrency),
			zap.String("got", mismatch.Got.String()+" "+mismatch.GotCurrency),
		)
		return Result{Transaction: tx}, mismatch
	}

	paidAt := l.now()
	// A pending row left by BeginPayment wins over a fresh insert.
	for attempt := 0; attempt < 2; attempt++ {
		tx, ok, err := st.MarkTransactionPaid(ctx, ev.Provider, ev.ProviderRef, ev.Amount, ev.Currency, paidAt)
		if err != nil {
			return Result{}, fmt.Errorf("mark transaction paid: %w", err)
		}
		if ok {
			return Result{Created: true, Transaction: tx}, nil
		}

		row := newRow(ev, models.TxPaid)
		row.PaidAt = &paidAt
		created, err := st.CreateTransaction(ctx, row)
		if err != nil {
			return Result{}, fmt.Errorf("create transaction: %w", err)
		}
		if created {
			return Result{Created: true, Transaction: row}, nil
		}

		winner, err := st.GetTransactionByRef(ctx, ev.Provider, ev.ProviderRef)
		if err != nil {
			return Result{}, err
		}
		switch winner.Status {
		case models.TxPaid:
			return Result{Transaction: winner}, nil
		case models.TxFailed:
			return Result{Transaction: winner}, l.replayFailed(ctx, st, ev)
		}
		// still pending: a concurrent BeginPayment slipped in, try the update again
	}
	return Result{}, fmt.Errorf("record capture %s/%s: row stayed pending", ev.Provider, ev.ProviderRef)
}

// BeginPayment records the pending row at initiation time so the capture
// later flips it instead of inserting.
func (l Ledger) BeginPayment(ctx context.Context, st store.Store, p models.Provider, ref string, meta models.Metadata, amount decimal.Decimal, currency string) (*models.PaymentTransaction, error) {
	ev := models.CaptureEvent{Provider: p, ProviderRef: ref, Amount: amount, Currency: provider.NormalizeCurrency(currency), Metadata: meta}
	if err := validate(ev); err != nil {
		return nil, err
	}
	row := newRow(ev, models.TxPending)
	created, err := st.CreateTransaction(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	if created {
		return row, nil
	}
	return st.GetTransactionByRef(ctx, p, ref)
}

// NewReference builds the out-trade-no for meta. Mobile wallets hand it back
// in their notifications.
func (l Ledger) NewReference(meta models.Metadata) string {
	return models.NewReference(meta.ReferencePrefix(), meta.RelatedID(), l.now())
}

func validate(ev models.CaptureEvent) error {
	if !ev.Provider.Valid() {
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidCapture, ev.Provider)
	}
	if ev.ProviderRef == "" {
		return ErrMissingRef
	}
	if !ev.Amount.IsPositive() {
		return fmt.Errorf("%w: amount %s", ErrInvalidCapture, ev.Amount)
	}
	if !provider.ValidCurrency(ev.Currency) {
		return fmt.Errorf("%w: currency %q", ErrInvalidCapture, ev.Currency)
	}
	if err := provider.ValidateMetadata(string(ev.Provider), ev.Metadata); err != nil {
		return err
	}
	return nil
}

func newRow(ev models.CaptureEvent, status models.TxStatus) *models.PaymentTransaction {
	meta, _ := json.Marshal(ev.Metadata)
	return &models.PaymentTransaction{
		Type:        ev.Metadata.Type,
		Provider:    ev.Provider,
		ProviderRef: ev.ProviderRef,
		Amount:      ev.Amount,
		Currency:    ev.Currency,
		Status:      status,
		RelatedID:   ev.Metadata.RelatedID(),
		Metadata:    meta,
	}
}

func (l Ledger) recordFailed(ctx context.Context, st store.Store, ev models.CaptureEvent, reason string) (*models.PaymentTransaction, error) {
	ok, err := st.FailPendingTransaction(ctx, ev.Provider, ev.ProviderRef, reason)
	if err != nil {
		return nil, fmt.Errorf("fail pending transaction: %w", err)
	}
	if !ok {
		row := newRow(ev, models.TxFailed)
		row.FailureReason = reason
		created, err := st.CreateTransaction(ctx, row)
		if err != nil {
			return nil, fmt.Errorf("create transaction: %w", err)
		}
		if created {
			return row, nil
		}
	}
	return st.GetTransactionByRef(ctx, ev.Provider, ev.ProviderRef)
}

// replayFailed answers a redelivered capture whose first delivery was
// rejected. Nothing is written.
func (l Ledger) replayFailed(ctx context.Context, st store.Store, ev models.CaptureEvent) error {
	mismatch, err := l.checkAmount(ctx, st, ev)
	if err != nil {
		return err
	}
	if mismatch != nil {
		return mismatch
	}
	return errs.StateConflict("payment transaction", string(ev.Provider)+"/"+ev.ProviderRef, string(models.TxFailed), string(models.TxPaid))
}

// expectedAmount returns what the capture's entity asks to be paid. ok is
// false for payment types without a fixed price.
func expectedAmount(ctx context.Context, st store.Store, meta models.Metadata) (store.Money, bool, error) {
	switch meta.Type {
	case models.PaymentOrder:
		if meta.GroupID != "" {
			g, err := st.GetOrderGroup(ctx, meta.GroupID)
			if err != nil {
				return store.Money{}, false, err
			}
			return store.Money{Amount: g.TotalAmount, Currency: g.Currency}, true, nil
		}
		o, err := st.GetOrder(ctx, meta.OrderID)
		if err != nil {
			return store.Money{}, false, err
		}
		return store.Money{Amount: o.TotalAmount, Currency: o.Currency}, true, nil
	case models.PaymentDeposit:
		lot, err := st.GetDepositLot(ctx, meta.LotID)
		if err != nil {
			return store.Money{}, false, err
		}
		return store.Money{Amount: lot.RequiredAmount, Currency: lot.Currency}, true, nil
	case models.PaymentTip:
		t, err := st.GetTip(ctx, meta.TipID)
		if err != nil {
			return store.Money{}, false, err
		}
		return store.Money{Amount: t.Amount, Currency: t.Currency}, true, nil
	case models.PaymentSubscription:
		sub, err := st.GetSubscription(ctx, meta.SubscriptionID)
		if err != nil {
			return store.Money{}, false, err
		}
		return store.Money{Amount: sub.Amount, Currency: sub.Currency}, true, nil
	}
	return store.Money{}, false, nil
}

func (l Ledger) checkAmount(ctx context.Context, st store.Store, ev models.CaptureEvent) (*errs.AmountMismatchError, error) {
	want, ok, err := expectedAmount(ctx, st, ev.Metadata)
	if err != nil || !ok {
		return nil, err
	}
	expected, currency := want.Amount, want.Currency

	got := ev.Amount
	if ev.Currency != currency {
		if l.Rates == nil {
			return nil, fmt.Errorf("convert capture amount: %w: %s/%s", fx.ErrNoRate, ev.Currency, currency)
		}
		var err error
		if got, err = fx.Convert(ctx, l.Rates, ev.Amount, ev.Currency, currency); err != nil {
			return nil, fmt.Errorf("convert capture amount: %w", err)
		}
	}
	if got.Sub(expected).Abs().LessThanOrEqual(l.Tolerance) {
		return nil, nil
	}
	return &errs.AmountMismatchError{
		Expected:         expected,
		ExpectedCurrency: currency,
		Got:              ev.Amount,
		GotCurrency:      ev.Currency,
	}, nil
}
