// Package auxiliary credits the smaller capture types: platform fees, tips
// and subscriptions.
package auxiliary

import (
	"context"
	"fmt"
	"time"

	"github.com/charlesnunot/Stratos-sub003/internal/errs"
	"github.com/charlesnunot/Stratos-sub003/internal/models"
	"github.com/charlesnunot/Stratos-sub003/internal/store"

	"go.uber.org/zap"
)

const (
	NoticePlatformFeePaid    = "platform_fee_paid"
	NoticeTipReceived        = "tip_received"
	NoticeSubscriptionActive = "subscription_active"
)

type Processor struct {
	Log *zap.Logger
	Now func() time.Time
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

// RecordPlatformFee books the fee paid by tx. One fee row per transaction.
func (p Processor) RecordPlatformFee(ctx context.Context, st store.Store, userID string, tx *models.PaymentTransaction) ([]models.Notice, error) {
	fee := &models.PlatformFee{
		UserID:               userID,
		Amount:               tx.Amount,
		Currency:             tx.Currency,
		PaymentTransactionID: tx.ID,
	}
	created, err := st.InsertPlatformFee(ctx, fee)
	if err != nil {
		return nil, fmt.Errorf("insert platform fee: %w", err)
	}
	if !created {
		return nil, errs.AlreadyProcessed("platform fee", tx.ID)
	}
	p.log().Info("platform fee recorded", zap.String("user_id", userID), zap.String("transaction_id", tx.ID))
	return []models.Notice{{
		UserID: userID,
		Kind:   NoticePlatformFeePaid,
		Payload: map[string]any{
			"amount":   tx.Amount.StringFixed(2),
			"currency": tx.Currency,
		},
	}}, nil
}

// MarkTipPaid credits a tip and tells the recipient.
func (p Processor) MarkTipPaid(ctx context.Context, st store.Store, tipID string) ([]models.Notice, error) {
	ok, err := st.MarkTipPaid(ctx, tipID, p.now())
	if err != nil {
		return nil, fmt.Errorf("mark tip paid: %w", err)
	}
	tip, err := st.GetTip(ctx, tipID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if tip.Status == models.TipPaid {
			return nil, errs.AlreadyProcessed("tip", tipID)
		}
		return nil, errs.StateConflict("tip", tipID, string(tip.Status), string(models.TipPending))
	}
	return []models.Notice{{
		UserID: tip.ToUserID,
		Kind:   NoticeTipReceived,
		Payload: map[string]any{
			"tip_id":   tip.ID,
			"from":     tip.FromUserID,
			"amount":   tip.Amount.StringFixed(2),
			"currency": tip.Currency,
		},
	}}, nil
}

// ActivateSubscription starts a paid subscription and tells the subscriber.
func (p Processor) ActivateSubscription(ctx context.Context, st store.Store, subID string) ([]models.Notice, error) {
	ok, err := st.ActivateSubscription(ctx, subID, p.now())
	if err != nil {
		return nil, fmt.Errorf("activate subscription: %w", err)
	}
	sub, err := st.GetSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if sub.Status == models.SubscriptionActive || sub.Status == models.SubscriptionExpired {
			return nil, errs.AlreadyProcessed("subscription", subID)
		}
		return nil, errs.StateConflict("subscription", subID, string(sub.Status), string(models.SubscriptionPending))
	}
	return []models.Notice{{
		UserID: sub.UserID,
		Kind:   NoticeSubscriptionActive,
		Payload: map[string]any{
			"subscription_id": sub.ID,
			"tier":            sub.Tier,
		},
	}}, nil
}
