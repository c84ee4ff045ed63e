package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type Provider string

const (
	ProviderStripe    Provider = "stripe"
	ProviderPayPal    Provider = "paypal"
	ProviderAlipay    Provider = "alipay"
	ProviderWeChatPay Provider = "wechatpay"
)

func (p Provider) Valid() bool {
	switch p {
	case ProviderStripe, ProviderPayPal, ProviderAlipay, ProviderWeChatPay:
		return true
	}
	return false
}

type PaymentType string

const (
	PaymentOrder        PaymentType = "order"
	PaymentDeposit      PaymentType = "deposit"
	PaymentPlatformFee  PaymentType = "platform_fee"
	PaymentTip          PaymentType = "tip"
	PaymentSubscription PaymentType = "subscription"
)

// PaymentTransaction is one captured payment. Once paid it never changes.
type PaymentTransaction struct {
	ID            string
	Type          PaymentType
	Provider      Provider
	ProviderRef   string
	Amount        decimal.Decimal
	Currency      string
	Status        TxStatus
	RelatedID     string
	PaidAt        *time.Time
	Metadata      json.RawMessage
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Metadata identifies what a capture pays for. It is round-tripped through
// the provider at initiation time.
type Metadata struct {
	Type           PaymentType `json:"type"`
	OrderID        string      `json:"order_id,omitempty"`
	GroupID        string      `json:"group_id,omitempty"`
	LotID          string      `json:"lot_id,omitempty"`
	SubscriptionID string      `json:"subscription_id,omitempty"`
	TipID          string      `json:"tip_id,omitempty"`
	UserID         string      `json:"user_id,omitempty"`
}

// RelatedID returns the id of the entity the capture credits.
func (m Metadata) RelatedID() string {
	switch m.Type {
	case PaymentOrder:
		if m.GroupID != "" {
			return m.GroupID
		}
		return m.OrderID
	case PaymentDeposit:
		return m.LotID
	case PaymentSubscription:
		return m.SubscriptionID
	case PaymentTip:
		return m.TipID
	case PaymentPlatformFee:
		return m.UserID
	}
	return ""
}

// CaptureEvent is the provider-neutral form of a confirmed capture.
type CaptureEvent struct {
	Provider    Provider
	ProviderRef string
	Amount      decimal.Decimal
	Currency    string
	Metadata    Metadata
	Raw         json.RawMessage
}

type Order struct {
	ID                  string
	OrderNumber         string
	GroupID             string
	BuyerID             string
	SellerID            string
	AffiliateID         string
	CommissionRate      decimal.Decimal
	TotalAmount         decimal.Decimal
	Currency            string
	PaymentStatus       PaymentStatus
	OrderStatus         OrderStatus
	SellerPaymentStatus string
	PaidAt              *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type OrderGroup struct {
	ID            string
	BuyerID       string
	TotalAmount   decimal.Decimal
	Currency      string
	PaymentStatus PaymentStatus
	PaidAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type DepositLot struct {
	ID                       string
	SellerID                 string
	RequiredAmount           decimal.Decimal
	Currency                 string
	Status                   DepositStatus
	SubscriptionTierSnapshot string
	RequiredAt               time.Time
	HeldAt                   *time.Time
	RefundableAt             *time.Time
	RefundedAmount           decimal.NullDecimal
	RefundFeeAmount          decimal.NullDecimal
	ForfeitReason            string
	PaymentTransactionID     string
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

type CommissionPaymentObligation struct {
	ID                   string
	SellerID             string
	Status               ObligationStatus
	DueDate              time.Time
	PaidAt               *time.Time
	PaymentTransactionID string

	// SealedAt is set by the first payout claim. A sealed obligation takes
	// no new commissions, even after a failed payout hands it back.
	SealedAt  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

type AffiliateCommission struct {
	ID           string
	OrderID      string
	SellerID     string
	AffiliateID  string
	ObligationID string
	Amount       decimal.Decimal
	Currency     string
	Status       CommissionStatus
	PaidAt       *time.Time
	CreatedAt    time.Time
}

type FundingSource string

const (
	FundingPlatform FundingSource = "platform"
	FundingSeller   FundingSource = "seller"
)

type CommissionLedgerEntry struct {
	ID            string
	ObligationID  string
	CommissionID  string
	AffiliateID   string
	SellerID      string
	Amount        decimal.Decimal
	Currency      string
	TransferRef   string
	FundingSource FundingSource
	CreatedAt     time.Time
}

type SellerDebt struct {
	ID               string
	SellerID         string
	DebtAmount       decimal.Decimal
	CollectedAmount  decimal.Decimal
	Currency         string
	Status           DebtStatus
	Reason           string
	CollectionMethod string
	CollectedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Remaining is the part of the debt not yet collected.
func (d SellerDebt) Remaining() decimal.Decimal {
	return d.DebtAmount.Sub(d.CollectedAmount)
}

// DebtCollection records one draw of a lot against a debt. LotAmount is in
// the lot currency, DebtAmount in the debt currency.
type DebtCollection struct {
	ID         string
	DebtID     string
	LotID      string
	LotAmount  decimal.Decimal
	DebtAmount decimal.Decimal
	CreatedAt  time.Time
}

// PayoutProfile is where a user's transfers land. Direct sellers are
// operated by the platform itself.
type PayoutProfile struct {
	UserID            string
	TransferAccountID string
	Direct            bool
}

type Subscription struct {
	ID        string
	UserID    string
	Tier      string
	Amount    decimal.Decimal
	Currency  string
	Status    SubscriptionStatus
	StartsAt  *time.Time
	CreatedAt time.Time
}

type Tip struct {
	ID         string
	FromUserID string
	ToUserID   string
	Amount     decimal.Decimal
	Currency   string
	Status     TipStatus
	PaidAt     *time.Time
	CreatedAt  time.Time
}

type PlatformFee struct {
	ID                   string
	UserID               string
	Amount               decimal.Decimal
	Currency             string
	PaymentTransactionID string
	CreatedAt            time.Time
}

// Tier is the seller's subscription allowance for unpaid-order exposure.
type Tier struct {
	Name          string
	FreeAllowance decimal.Decimal
	Currency      string
}

// SellerPermission mirrors the payment-control capability.
type SellerPermission struct {
	Allowed bool
	Reason  string
}

// Notice is a row for the notification capability.
type Notice struct {
	UserID  string         `json:"user_id"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload"`
}
