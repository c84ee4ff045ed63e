// Package orders marks orders and order groups paid once their capture is
// in the ledger.
package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/charlesnunot/Stratos-sub003/internal/errs"
	"github.com/charlesnunot/Stratos-sub003/internal/models"
	"github.com/charlesnunot/Stratos-sub003/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const NoticeOrderPaid = "order_paid"

// Accruer books affiliate commissions for a freshly paid order.
type Accruer interface {
	Accrue(ctx context.Context, st store.Store, o models.Order) (*models.AffiliateCommission, bool, error)
}

type Processor struct {
	Commissions Accruer
	Log         *zap.Logger
	Now         func() time.Time
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

// ProcessOrderPayment moves one order to paid. A second call for the same
// order returns *errs.AlreadyProcessedError and has no side effects.
func (p Processor) ProcessOrderPayment(ctx context.Context, st store.Store, orderID string, amount decimal.Decimal) ([]models.Notice, error) {
	o, err := p.markPaid(ctx, st, orderID)
	if err != nil {
		return nil, err
	}
	if o.GroupID != "" {
		if _, err := st.RefreshGroupStatus(ctx, o.GroupID, p.now()); err != nil {
			return nil, fmt.Errorf("refresh group %s: %w", o.GroupID, err)
		}
	}
	if err := p.accrue(ctx, st, o); err != nil {
		return nil, err
	}
	return []models.Notice{paidNotice(o, amount)}, nil
}

// ProcessGroupPayment fans a group capture out to every child order.
// Children already paid are skipped; the group is AlreadyProcessed only when
// none of them moved.
func (p Processor) ProcessGroupPayment(ctx context.Context, st store.Store, groupID string, amount decimal.Decimal) ([]models.Notice, error) {
	if _, err := st.GetOrderGroup(ctx, groupID); err != nil {
		return nil, err
	}
	children, err := st.ListGroupOrders(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group orders: %w", err)
	}
	if len(children) == 0 {
		return nil, errs.StateConflict("order group", groupID, "empty", "with orders")
	}

	var notices []models.Notice
	for _, child := range children {
		o, err := p.markPaid(ctx, st, child.ID)
		if errs.IsAlreadyProcessed(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := p.accrue(ctx, st, o); err != nil {
			return nil, err
		}
		notices = append(notices, paidNotice(o, o.TotalAmount))
	}

	if _, err := st.RefreshGroupStatus(ctx, groupID, p.now()); err != nil {
		return nil, fmt.Errorf("refresh group %s: %w", groupID, err)
	}
	if len(notices) == 0 {
		return nil, errs.AlreadyProcessed("order group", groupID)
	}
	p.log().Info("order group paid",
		zap.String("group_id", groupID), zap.Int("orders", len(notices)), zap.String("amount", amount.String()))
	return notices, nil
}

func (p Processor) markPaid(ctx context.Context, st store.Store, orderID string) (*models.Order, error) {
	ok, err := st.MarkOrderPaid(ctx, orderID, models.PaymentSources(models.PaymentPaid), p.now())
	if err != nil {
		return nil, fmt.Errorf("mark order paid: %w", err)
	}
	o, err := st.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if o.PaymentStatus == models.PaymentPaid {
			return nil, errs.AlreadyProcessed("order", orderID)
		}
		return nil, errs.StateConflict("order", orderID, string(o.PaymentStatus), string(models.PaymentPending))
	}
	return o, nil
}

func (p Processor) accrue(ctx context.Context, st store.Store, o *models.Order) error {
	if p.Commissions == nil || o.AffiliateID == "" {
		return nil
	}
	c, created, err := p.Commissions.Accrue(ctx, st, *o)
	if err != nil {
		return fmt.Errorf("accrue commission for order %s: %w", o.ID, err)
	}
	if created {
		p.log().Info("commission accrued",
			zap.String("order_id", o.ID),
			zap.String("affiliate_id", o.AffiliateID),
			zap.String("obligation_id", c.ObligationID),
			zap.String("amount", c.Amount.String()))
	}
	return nil
}

func paidNotice(o *models.Order, amount decimal.Decimal) models.Notice {
	return models.Notice{
		UserID: o.SellerID,
		Kind:   NoticeOrderPaid,
		Payload: map[string]any{
			"order_id":     o.ID,
			"order_number": o.OrderNumber,
			"amount":       amount.StringFixed(2),
			"currency":     o.Currency,
		},
	}
}
