package models

type TxStatus string

const (
	TxPending TxStatus = "pending"
	TxPaid    TxStatus = "paid"
	TxFailed  TxStatus = "failed"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
	// PaymentPartial only applies to order groups.
	PaymentPartial PaymentStatus = "partial"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPaid      OrderStatus = "paid"
	OrderShipped   OrderStatus = "shipped"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
)

// Terminal reports whether the order no longer counts towards seller exposure.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderCancelled
}

type DepositStatus string

const (
	DepositRequired   DepositStatus = "required"
	DepositHeld       DepositStatus = "held"
	DepositRefundable DepositStatus = "refundable"
	DepositRefunding  DepositStatus = "refunding"
	DepositRefunded   DepositStatus = "refunded"
	DepositForfeited  DepositStatus = "forfeited"
)

type ObligationStatus string

const (
	ObligationPending ObligationStatus = "pending"
	ObligationPaid    ObligationStatus = "paid"
)

type CommissionStatus string

const (
	CommissionPending CommissionStatus = "pending"
	CommissionPaid    CommissionStatus = "paid"
)

type DebtStatus string

const (
	DebtPending   DebtStatus = "pending"
	DebtCollected DebtStatus = "collected"
	DebtPaid      DebtStatus = "paid"
	DebtForgiven  DebtStatus = "forgiven"
)

type SubscriptionStatus string

const (
	SubscriptionPending SubscriptionStatus = "pending"
	SubscriptionActive  SubscriptionStatus = "active"
	SubscriptionExpired SubscriptionStatus = "expired"
)

type TipStatus string

const (
	TipPending TipStatus = "pending"
	TipPaid    TipStatus = "paid"
)

type transitions[S ~string] map[S][]S

func (t transitions[S]) allowed(from, to S) bool {
	for _, next := range t[from] {
		if next == to {
			return true
		}
	}
	return false
}

// sources lists every status that may move to "to", in table order.
func (t transitions[S]) sources(order []S, to S) []S {
	var out []S
	for _, from := range order {
		if t.allowed(from, to) {
			out = append(out, from)
		}
	}
	return out
}

var depositOrder = []DepositStatus{
	DepositRequired, DepositHeld, DepositRefundable, DepositRefunding, DepositRefunded, DepositForfeited,
}

var depositTransitions = transitions[DepositStatus]{
	DepositRequired:   {DepositHeld},
	DepositHeld:       {DepositRefundable, DepositForfeited},
	DepositRefundable: {DepositRefunding, DepositForfeited},
	DepositRefunding:  {DepositRefunded},
}

func (s DepositStatus) Valid() bool {
	for _, v := range depositOrder {
		if v == s {
			return true
		}
	}
	return false
}

func (s DepositStatus) CanTransitionTo(next DepositStatus) bool {
	return depositTransitions.allowed(s, next)
}

func (s DepositStatus) Terminal() bool {
	return s == DepositRefunded || s == DepositForfeited
}

// Rank is the position of s in the lifecycle; observed ranks never decrease.
func (s DepositStatus) Rank() int {
	for i, v := range depositOrder {
		if v == s {
			if s == DepositForfeited {
				return i - 1
			}
			return i
		}
	}
	return -1
}

// DepositSources returns the statuses a lot may be in to move to next.
func DepositSources(next DepositStatus) []DepositStatus {
	return depositTransitions.sources(depositOrder, next)
}

var obligationOrder = []ObligationStatus{ObligationPending, ObligationPaid}

var obligationTransitions = transitions[ObligationStatus]{
	ObligationPending: {ObligationPaid},
	// A payout claim whose transfers failed hands the obligation back.
	ObligationPaid: {ObligationPending},
}

func (s ObligationStatus) CanTransitionTo(next ObligationStatus) bool {
	return obligationTransitions.allowed(s, next)
}

// ObligationSources returns the statuses an obligation may be in to move to next.
func ObligationSources(next ObligationStatus) []ObligationStatus {
	return obligationTransitions.sources(obligationOrder, next)
}

var commissionOrder = []CommissionStatus{CommissionPending, CommissionPaid}

var commissionTransitions = transitions[CommissionStatus]{
	CommissionPending: {CommissionPaid},
}

func (s CommissionStatus) CanTransitionTo(next CommissionStatus) bool {
	return commissionTransitions.allowed(s, next)
}

// CommissionSources returns the statuses a commission may be in to move to next.
func CommissionSources(next CommissionStatus) []CommissionStatus {
	return commissionTransitions.sources(commissionOrder, next)
}

var debtOrder = []DebtStatus{DebtPending, DebtCollected, DebtPaid, DebtForgiven}

var debtTransitions = transitions[DebtStatus]{
	DebtPending: {DebtCollected, DebtPaid, DebtForgiven},
}

func (s DebtStatus) CanTransitionTo(next DebtStatus) bool {
	return debtTransitions.allowed(s, next)
}

// DebtSources returns the statuses a debt may be in to move to next.
func DebtSources(next DebtStatus) []DebtStatus {
	return debtTransitions.sources(debtOrder, next)
}

var paymentOrder = []PaymentStatus{PaymentPending, PaymentFailed, PaymentPaid, PaymentRefunded}

var paymentTransitions = transitions[PaymentStatus]{
	PaymentPending: {PaymentPaid, PaymentFailed},
	PaymentFailed:  {PaymentPaid},
	PaymentPaid:    {PaymentRefunded},
}

func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	return paymentTransitions.allowed(s, next)
}

// PaymentSources returns the order payment statuses that may move to next.
func PaymentSources(next PaymentStatus) []PaymentStatus {
	return paymentTransitions.sources(paymentOrder, next)
}
