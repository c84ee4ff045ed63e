// Package worker runs the periodic money sweeps: collecting seller debts
// from held deposits and releasing deposits nobody is exposed to anymore.
package worker

import (
	"context"
	"time"

	"github.com/charlesnunot/Stratos-sub003/internal/audit"
	"github.com/charlesnunot/Stratos-sub003/internal/debts"
	"github.com/charlesnunot/Stratos-sub003/internal/deposits"
	"github.com/charlesnunot/Stratos-sub003/internal/metrics"
	"github.com/charlesnunot/Stratos-sub003/internal/models"
	"github.com/charlesnunot/Stratos-sub003/internal/notify"
	"github.com/charlesnunot/Stratos-sub003/internal/store"

	"go.uber.org/zap"
)

type Worker struct {
	Store     store.Store
	Debts     debts.Processor
	Deposits  deposits.Processor
	Notifier  notify.Notifier
	Audit     audit.Publisher
	Interval  time.Duration
	BatchSize int
	Log       *zap.Logger
}

// Stats summarises one sweep.
type Stats struct {
	Sellers    int
	Draws      int
	Failed     int
	Refundable int
}

func (w *Worker) log() *zap.Logger {
	if w.Log != nil {
		return w.Log
	}
	return zap.NewNop()
}

func (w *Worker) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := w.SweepOnce(ctx); err != nil {
			w.log().Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce collects debts seller by seller; one seller failing does not
// stop the others. It then marks idle held lots refundable.
func (w *Worker) SweepOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	sellers, err := w.Store.ListSellersWithPendingDebts(ctx, w.BatchSize)
	if err != nil {
		return stats, err
	}
	stats.Sellers = len(sellers)

	for _, sellerID := range sellers {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		res, notices, err := w.Debts.CollectFromDeposit(ctx, w.Store, sellerID)
		w.dispatch(ctx, notices)
		if res != nil {
			stats.Draws += len(res.Draws)
			w.audit(ctx, sellerID, res.Draws)
		}
		if err != nil {
			stats.Failed++
			w.log().Warn("debt collection failed", zap.String("seller_id", sellerID), zap.Error(err))
			continue
		}
		if len(res.Draws) > 0 {
			w.log().Info("debts collected",
				zap.String("seller_id", sellerID),
				zap.Int("draws", len(res.Draws)),
				zap.Any("remaining", res.RemainingUncollected))
		}
	}

	moved, notices, err := w.Deposits.SweepRefundable(ctx, w.Store, w.BatchSize)
	w.dispatch(ctx, notices)
	stats.Refundable = moved
	if err != nil {
		return stats, err
	}
	if stats.Draws > 0 || moved > 0 || stats.Failed > 0 {
		w.log().Info("sweep done",
			zap.Int("sellers", stats.Sellers),
			zap.Int("draws", stats.Draws),
			zap.Int("failed", stats.Failed),
			zap.Int("refundable", moved))
	}
	return stats, nil
}

func (w *Worker) dispatch(ctx context.Context, notices []models.Notice) {
	if n := notify.Dispatch(ctx, w.Notifier, w.log(), notices); n > 0 {
		metrics.NotifyErrors.Add(float64(n))
	}
}

func (w *Worker) audit(ctx context.Context, sellerID string, draws []debts.Draw) {
	if w.Audit == nil {
		return
	}
	for _, d := range draws {
		err := w.Audit.Publish(ctx, audit.Event{
			Kind:      audit.KindDebtCollection,
			RelatedID: d.DebtID,
			Amount:    d.DebtAmount.String(),
			Currency:  d.DebtCurrency,
			Result:    "collected",
			Detail:    map[string]string{"lot_id": d.LotID, "seller_id": sellerID},
			At:        time.Now().UTC(),
		})
		if err != nil {
			metrics.AuditPublishErrors.Inc()
			w.log().Warn("audit publish failed", zap.String("debt_id", d.DebtID), zap.Error(err))
		}
	}
}
