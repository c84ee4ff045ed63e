// Package store is the persistence gateway. Every status change it offers is
// a compare-and-swap on the current status; callers never read-then-write.
package store

import (
	"context"
	"time"

	"github.com/charlesnunot/Stratos-sub003/internal/models"

	"github.com/shopspring/decimal"
)

type Store interface {
	// InTx runs fn against a transaction-bound Store. A non-nil error from
	// fn rolls everything back. Nested calls join the outer transaction.
	InTx(ctx context.Context, fn func(Store) error) error

	TransactionStore
	OrderStore
	DepositStore
	CommissionStore
	DebtStore
	AuxiliaryStore
	SellerStore
}

type TransactionStore interface {
	// CreateTransaction inserts tx unless (provider, provider_ref) exists.
	CreateTransaction(ctx context.Context, tx *models.PaymentTransaction) (bool, error)
	// MarkTransactionPaid moves a pending row to paid.
	MarkTransactionPaid(ctx context.Context, provider models.Provider, ref string, amount decimal.Decimal, currency string, paidAt time.Time) (*models.PaymentTransaction, bool, error)
	// FailPendingTransaction moves a pending row to failed.
	FailPendingTransaction(ctx context.Context, provider models.Provider, ref, reason string) (bool, error)
	GetTransactionByRef(ctx context.Context, provider models.Provider, ref string) (*models.PaymentTransaction, error)
}

type OrderStore interface {
	CreateOrderGroup(ctx context.Context, g *models.OrderGroup) error
	CreateOrder(ctx context.Context, o *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	GetOrderGroup(ctx context.Context, id string) (*models.OrderGroup, error)
	ListGroupOrders(ctx context.Context, groupID string) ([]models.Order, error)
	// MarkOrderPaid sets payment and order status to paid when the payment
	// status is one of from.
	MarkOrderPaid(ctx context.Context, id string, from []models.PaymentStatus, paidAt time.Time) (bool, error)
	// RefreshGroupStatus recomputes the group status from its children.
	RefreshGroupStatus(ctx context.Context, groupID string, now time.Time) (models.PaymentStatus, error)
	// SellerExposure sums paid, not yet terminal orders per currency.
	SellerExposure(ctx context.Context, sellerID string) ([]Money, error)
}

// Money is an amount tagged with its currency.
type Money struct {
	Amount   decimal.Decimal
	Currency string
}

// LotPatch carries the columns a lot transition may set. Nil and empty
// fields are left untouched.
type LotPatch struct {
	HeldAt               *time.Time
	RefundableAt         *time.Time
	RefundedAmount       *decimal.Decimal
	RefundFeeAmount      *decimal.Decimal
	ForfeitReason        string
	PaymentTransactionID string
}

// LotCursor marks the last lot of a page.
type LotCursor struct {
	RequiredAt time.Time
	ID         string
}

// CursorAfter returns the cursor that resumes a scan after l.
func CursorAfter(l models.DepositLot) *LotCursor {
	return &LotCursor{RequiredAt: l.RequiredAt, ID: l.ID}
}

type DepositStore interface {
	// UpsertRequiredLot inserts lot, or overwrites the amount of the seller's
	// single required lot. lot is refreshed from the stored row.
	UpsertRequiredLot(ctx context.Context, lot *models.DepositLot) (bool, error)
	GetDepositLot(ctx context.Context, id string) (*models.DepositLot, error)
	TransitionLot(ctx context.Context, id string, from []models.DepositStatus, to models.DepositStatus, patch LotPatch) (bool, error)
	// ListSellerLots returns the seller's lots in the given statuses, oldest first.
	ListSellerLots(ctx context.Context, sellerID string, statuses []models.DepositStatus) ([]models.DepositLot, error)
	// ListLotsByStatus pages through lots in (required_at, id) order,
	// starting after the cursor when one is given.
	ListLotsByStatus(ctx context.Context, status models.DepositStatus, after *LotCursor, limit int) ([]models.DepositLot, error)
	// DrawFromLot reduces a held or refundable lot by amount. A lot drawn to
	// zero is forfeited with reason.
	DrawFromLot(ctx context.Context, id string, amount decimal.Decimal, reason string) (*models.DepositLot, bool, error)
}

type CommissionStore interface {
	GetObligation(ctx context.Context, id string) (*models.CommissionPaymentObligation, error)
	// EnsurePendingObligation returns the seller's open obligation (pending
	// and never claimed), creating it with dueDate when absent. A seller has
	// at most one open obligation.
	EnsurePendingObligation(ctx context.Context, sellerID string, dueDate time.Time) (*models.CommissionPaymentObligation, error)
	// TransitionObligation moves the obligation to "to" when its status is
	// one of from, and seals it so it takes no further commissions.
	TransitionObligation(ctx context.Context, id string, from []models.ObligationStatus, to models.ObligationStatus, paidAt *time.Time) (bool, error)
	CreateCommission(ctx context.Context, c *models.AffiliateCommission) (bool, error)
	// ListObligationCommissions returns the obligation's commissions in the
	// given status, oldest first.
	ListObligationCommissions(ctx context.Context, obligationID string, status models.CommissionStatus) ([]models.AffiliateCommission, error)
	MarkCommissionsPaid(ctx context.Context, ids []string, from []models.CommissionStatus, paidAt time.Time) (int64, error)
	InsertCommissionLedgerEntry(ctx context.Context, e *models.CommissionLedgerEntry) error
	ListCommissionLedger(ctx context.Context, obligationID string) ([]models.CommissionLedgerEntry, error)
}

type DebtStore interface {
	CreateDebt(ctx context.Context, d *models.SellerDebt) error
	GetDebt(ctx context.Context, id string) (*models.SellerDebt, error)
	ListSellerDebts(ctx context.Context, sellerID string, status models.DebtStatus) ([]models.SellerDebt, error)
	// ApplyDebtCollection credits a debt whose status is one of from by at
	// most its remaining balance; a fully covered debt becomes collected.
	ApplyDebtCollection(ctx context.Context, id string, from []models.DebtStatus, credit decimal.Decimal, method string, now time.Time) (*models.SellerDebt, bool, error)
	InsertDebtCollection(ctx context.Context, c *models.DebtCollection) error
	ListSellersWithPendingDebts(ctx context.Context, limit int) ([]string, error)
}

type AuxiliaryStore interface {
	CreateSubscription(ctx context.Context, s *models.Subscription) error
	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	ActivateSubscription(ctx context.Context, id string, now time.Time) (bool, error)
	CreateTip(ctx context.Context, t *models.Tip) error
	GetTip(ctx context.Context, id string) (*models.Tip, error)
	MarkTipPaid(ctx context.Context, id string, now time.Time) (bool, error)
	// InsertPlatformFee is idempotent on the payment transaction.
	InsertPlatformFee(ctx context.Context, f *models.PlatformFee) (bool, error)
}

type SellerStore interface {
	GetPayoutProfile(ctx context.Context, userID string) (*models.PayoutProfile, error)
	UpsertPayoutProfile(ctx context.Context, p *models.PayoutProfile) error
	SubscriptionTier(ctx context.Context, sellerID string) (*models.Tier, error)
	SetSubscriptionTier(ctx context.Context, sellerID string, tier models.Tier) error
	SellerPermission(ctx context.Context, sellerID string) (*models.SellerPermission, error)
	SetSellerPermission(ctx context.Context, sellerID string, p models.SellerPermission) error
}
