// Package reconcile routes a verified capture through the ledger and the
// processor for its payment type inside one store transaction.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/charlesnunot/Stratos-sub003/internal/audit"
	"github.com/charlesnunot/Stratos-sub003/internal/auxiliary"
	"github.com/charlesnunot/Stratos-sub003/internal/deposits"
	"github.com/charlesnunot/Stratos-sub003/internal/errs"
	"github.com/charlesnunot/Stratos-sub003/internal/ledger"
	"github.com/charlesnunot/Stratos-sub003/internal/metrics"
	"github.com/charlesnunot/Stratos-sub003/internal/models"
	"github.com/charlesnunot/Stratos-sub003/internal/notify"
	"github.com/charlesnunot/Stratos-sub003/internal/orders"
	"github.com/charlesnunot/Stratos-sub003/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	ResultCreated   = "created"
	ResultDuplicate = "duplicate"
	ResultMismatch  = "mismatch"
	ResultRejected  = "rejected"
	ResultError     = "error"
)

type Service struct {
	Store     store.Store
	Ledger    ledger.Ledger
	Orders    orders.Processor
	Deposits  deposits.Processor
	Auxiliary auxiliary.Processor
	Notifier  notify.Notifier
	Audit     audit.Publisher
	Log       *zap.Logger
}

type Outcome struct {
	// Created is false for a redelivered capture; nothing was credited.
	Created     bool
	Transaction *models.PaymentTransaction
	Notices     []models.Notice
}

func (s *Service) log() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}

// HandleCapture records ev and credits what it pays for. A processor error
// rolls the ledger row back so the provider's redelivery can retry. An
// amount mismatch keeps its failed ledger row and is returned after commit.
// A credit the processor reports as already applied counts as success.
func (s *Service) HandleCapture(ctx context.Context, ev models.CaptureEvent) (*Outcome, error) {
	start := time.Now()
	out := &Outcome{}
	var mismatch error

	err := s.Store.InTx(ctx, func(tx store.Store) error {
		res, err := s.Ledger.RecordCapture(ctx, tx, ev)
		if errs.IsAmountMismatch(err) {
			out.Transaction = res.Transaction
			mismatch = err
			return nil
		}
		if err != nil {
			return err
		}
		out.Created, out.Transaction = res.Created, res.Transaction
		if !res.Created {
			return nil
		}

		notices, err := s.credit(ctx, tx, ev.Metadata, res.Transaction)
		if errs.IsAlreadyProcessed(err) {
			s.log().Info("capture credit already applied",
				zap.String("provider", string(ev.Provider)),
				zap.String("provider_ref", ev.ProviderRef),
				zap.Error(err))
			return nil
		}
		if err != nil {
			return err
		}
		out.Notices = notices
		return nil
	})

	result := ResultCreated
	switch {
	case err != nil:
		result = ResultError
	case mismatch != nil:
		result = ResultMismatch
	case !out.Created:
		result = ResultDuplicate
	}
	metrics.CapturesTotal.WithLabelValues(string(ev.Provider), string(ev.Metadata.Type), result).Inc()
	metrics.CaptureDuration.WithLabelValues(string(ev.Provider)).Observe(time.Since(start).Seconds())

	if err != nil {
		s.log().Error("capture failed",
			zap.String("provider", string(ev.Provider)),
			zap.String("provider_ref", ev.ProviderRef),
			zap.String("type", string(ev.Metadata.Type)),
			zap.Error(err))
		return nil, err
	}

	s.publish(ctx, ev, result)
	if n := notify.Dispatch(ctx, s.Notifier, s.log(), out.Notices); n > 0 {
		metrics.NotifyErrors.Add(float64(n))
	}
	if mismatch != nil {
		return out, mismatch
	}
	if out.Created {
		s.log().Info("capture reconciled",
			zap.String("provider", string(ev.Provider)),
			zap.String("provider_ref", ev.ProviderRef),
			zap.String("type", string(ev.Metadata.Type)),
			zap.String("related_id", ev.Metadata.RelatedID()),
			zap.String("amount", ev.Amount.String()),
			zap.String("currency", ev.Currency))
	}
	return out, nil
}

func (s *Service) credit(ctx context.Context, st store.Store, m models.Metadata, tx *models.PaymentTransaction) ([]models.Notice, error) {
	switch m.Type {
	case models.PaymentOrder:
		if m.GroupID != "" {
			return s.Orders.ProcessGroupPayment(ctx, st, m.GroupID, tx.Amount)
		}
		return s.Orders.ProcessOrderPayment(ctx, st, m.OrderID, tx.Amount)
	case models.PaymentDeposit:
		return s.Deposits.MarkHeld(ctx, st, m.LotID, tx.ID)
	case models.PaymentPlatformFee:
		return s.Auxiliary.RecordPlatformFee(ctx, st, m.UserID, tx)
	case models.PaymentTip:
		return s.Auxiliary.MarkTipPaid(ctx, st, m.TipID)
	case models.PaymentSubscription:
		return s.Auxiliary.ActivateSubscription(ctx, st, m.SubscriptionID)
	}
	return nil, fmt.Errorf("no processor for payment type %q", m.Type)
}

// RegisterIntent records a pending ledger row for a payment the client has
// just created with the provider. The entity must exist; its capture later
// flips the row instead of inserting a second one.
func (s *Service) RegisterIntent(ctx context.Context, p models.Provider, ref string, meta models.Metadata, amount decimal.Decimal, currency string) (*models.PaymentTransaction, error) {
	if err := s.exists(ctx, meta); err != nil {
		return nil, err
	}
	tx, err := s.Ledger.BeginPayment(ctx, s.Store, p, ref, meta, amount, currency)
	if err != nil {
		return nil, err
	}
	s.log().Info("payment intent registered",
		zap.String("provider", string(p)),
		zap.String("provider_ref", ref),
		zap.String("type", string(meta.Type)),
		zap.String("related_id", meta.RelatedID()),
		zap.String("status", string(tx.Status)))
	return tx, nil
}

func (s *Service) exists(ctx context.Context, m models.Metadata) error {
	var err error
	switch m.Type {
	case models.PaymentOrder:
		if m.GroupID != "" {
			_, err = s.Store.GetOrderGroup(ctx, m.GroupID)
		} else {
			_, err = s.Store.GetOrder(ctx, m.OrderID)
		}
	case models.PaymentDeposit:
		_, err = s.Store.GetDepositLot(ctx, m.LotID)
	case models.PaymentTip:
		_, err = s.Store.GetTip(ctx, m.TipID)
	case models.PaymentSubscription:
		_, err = s.Store.GetSubscription(ctx, m.SubscriptionID)
	}
	return err
}

// Rejected counts a capture that failed verification before it reached the
// ledger.
func (s *Service) Rejected(provider models.Provider, err error) {
	metrics.CapturesTotal.WithLabelValues(string(provider), "", ResultRejected).Inc()
	s.log().Warn("capture rejected", zap.String("provider", string(provider)), zap.Error(err))
}

func (s *Service) publish(ctx context.Context, ev models.CaptureEvent, result string) {
	if s.Audit == nil {
		return
	}
	err := s.Audit.Publish(ctx, audit.Event{
		Kind:        audit.KindCapture,
		Provider:    string(ev.Provider),
		ProviderRef: ev.ProviderRef,
		Type:        string(ev.Metadata.Type),
		RelatedID:   ev.Metadata.RelatedID(),
		Amount:      ev.Amount.String(),
		Currency:    ev.Currency,
		Result:      result,
		At:          time.Now().UTC(),
	})
	if err != nil {
		metrics.AuditPublishErrors.Inc()
		s.log().Warn("audit publish failed", zap.String("provider_ref", ev.ProviderRef), zap.Error(err))
	}
}
