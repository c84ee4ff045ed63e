package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/charlesnunot/Stratos-sub003/internal/errs"
	"github.com/charlesnunot/Stratos-sub003/internal/models"

	"github.com/shopspring/decimal"
)

// Mem is an in-process Store. Transactions are serialized and roll back by
// restoring a snapshot, which is enough for tests and local runs.
type Mem struct {
	d    *memData
	held bool
}

type memData struct {
	mu sync.Mutex

	txs         map[string]models.PaymentTransaction
	txByRef     map[string]string
	groups      map[string]models.OrderGroup
	orders      map[string]models.Order
	lots        map[string]models.DepositLot
	obligations map[string]models.CommissionPaymentObligation
	commissions map[string]models.AffiliateCommission
	ledger      map[string]models.CommissionLedgerEntry
	debts       map[string]models.SellerDebt
	collections map[string]models.DebtCollection
	subs        map[string]models.Subscription
	tips        map[string]models.Tip
	fees        map[string]models.PlatformFee
	profiles    map[string]models.PayoutProfile
	tiers       map[string]models.Tier
	permissions map[string]models.SellerPermission

	base time.Time
	seq  int64
}

func NewMem() *Mem {
	return &Mem{d: &memData{
		base:        time.Now().UTC().Truncate(time.Second),
		txs:         map[string]models.PaymentTransaction{},
		txByRef:     map[string]string{},
		groups:      map[string]models.OrderGroup{},
		orders:      map[string]models.Order{},
		lots:        map[string]models.DepositLot{},
		obligations: map[string]models.CommissionPaymentObligation{},
		commissions: map[string]models.AffiliateCommission{},
		ledger:      map[string]models.CommissionLedgerEntry{},
		debts:       map[string]models.SellerDebt{},
		collections: map[string]models.DebtCollection{},
		subs:        map[string]models.Subscription{},
		tips:        map[string]models.Tip{},
		fees:        map[string]models.PlatformFee{},
		profiles:    map[string]models.PayoutProfile{},
		tiers:       map[string]models.Tier{},
		permissions: map[string]models.SellerPermission{},
	}}
}

func (d *memData) snapshot() *memData {
	return &memData{
		txs:         maps.Clone(d.txs),
		txByRef:     maps.Clone(d.txByRef),
		groups:      maps.Clone(d.groups),
		orders:      maps.Clone(d.orders),
		lots:        maps.Clone(d.lots),
		obligations: maps.Clone(d.obligations),
		commissions: maps.Clone(d.commissions),
		ledger:      maps.Clone(d.ledger),
		debts:       maps.Clone(d.debts),
		collections: maps.Clone(d.collections),
		subs:        maps.Clone(d.subs),
		tips:        maps.Clone(d.tips),
		fees:        maps.Clone(d.fees),
		profiles:    maps.Clone(d.profiles),
		tiers:       maps.Clone(d.tiers),
		permissions: maps.Clone(d.permissions),
		base:        d.base,
		seq:         d.seq,
	}
}

func (d *memData) restore(s *memData) {
	d.txs, d.txByRef, d.groups, d.orders = s.txs, s.txByRef, s.groups, s.orders
	d.lots, d.obligations, d.commissions, d.ledger = s.lots, s.obligations, s.commissions, s.ledger
	d.debts, d.collections, d.subs, d.tips = s.debts, s.collections, s.subs, s.tips
	d.fees, d.profiles, d.tiers, d.permissions = s.fees, s.profiles, s.tiers, s.permissions
	d.seq = s.seq
}

func (m *Mem) lock() func() {
	if m.held {
		return func() {}
	}
	m.d.mu.Lock()
	return m.d.mu.Unlock
}

// tick returns a strictly increasing timestamp so oldest-first ordering is
// stable even when rows are created within the same clock reading.
func (m *Mem) tick() time.Time {
	m.d.seq++
	return m.d.base.Add(time.Duration(m.d.seq) * time.Microsecond)
}

func (m *Mem) InTx(ctx context.Context, fn func(Store) error) error {
	if m.held {
		return fn(m)
	}
	m.d.mu.Lock()
	defer m.d.mu.Unlock()

	snap := m.d.snapshot()
	if err := fn(&Mem{d: m.d, held: true}); err != nil {
		m.d.restore(snap)
		return err
	}
	return nil
}

func refKey(p models.Provider, ref string) string {
	return string(p) + "\x00" + ref
}

func (m *Mem) CreateTransaction(ctx context.Context, tx *models.PaymentTransaction) (bool, error) {
	defer m.lock()()
	key := refKey(tx.Provider, tx.ProviderRef)
	if _, ok := m.d.txByRef[key]; ok {
		return false, nil
	}
	tx.ID = newID(tx.ID)
	tx.CreatedAt = m.tick()
	tx.UpdatedAt = tx.CreatedAt
	if len(tx.Metadata) == 0 {
		tx.Metadata = []byte("{}")
	}
	m.d.txs[tx.ID] = *tx
	m.d.txByRef[key] = tx.ID
	return true, nil
}

func (m *Mem) MarkTransactionPaid(ctx context.Context, provider models.Provider, ref string, amount decimal.Decimal, currency string, paidAt time.Time) (*models.PaymentTransaction, bool, error) {
	defer m.lock()()
	id, ok := m.d.txByRef[refKey(provider, ref)]
	if !ok {
		return nil, false, nil
	}
	tx := m.d.txs[id]
	if tx.Status != models.TxPending {
		return nil, false, nil
	}
	tx.Status = models.TxPaid
	tx.PaidAt = &paidAt
	tx.Amount = amount
	tx.Currency = currency
	tx.UpdatedAt = m.tick()
	m.d.txs[id] = tx
	return &tx, true, nil
}

func (m *Mem) FailPendingTransaction(ctx context.Context, provider models.Provider, ref, reason string) (bool, error) {
	defer m.lock()()
	id, ok := m.d.txByRef[refKey(provider, ref)]
	if !ok {
		return false, nil
	}
	tx := m.d.txs[id]
	if tx.Status != models.TxPending {
		return false, nil
	}
	tx.Status = models.TxFailed
	tx.FailureReason = reason
	tx.UpdatedAt = m.tick()
	m.d.txs[id] = tx
	return true, nil
}

func (m *Mem) GetTransactionByRef(ctx context.Context, provider models.Provider, ref string) (*models.PaymentTransaction, error) {
	defer m.lock()()
	id, ok := m.d.txByRef[refKey(provider, ref)]
	if !ok {
		return nil, errs.NotFound("payment transaction", string(provider)+"/"+ref)
	}
	tx := m.d.txs[id]
	return &tx, nil
}

// CountTransactions returns how many rows exist for a provider reference
// and status. Used by tests.
func (m *Mem) CountTransactions(provider models.Provider, ref string, status models.TxStatus) int {
	defer m.lock()()
	n := 0
	for _, tx := range m.d.txs {
		if tx.Provider == provider && tx.ProviderRef == ref && tx.Status == status {
			n++
		}
	}
	return n
}

func (m *Mem) CreateOrderGroup(ctx context.Context, g *models.OrderGroup) error {
	defer m.lock()()
	g.ID = newID(g.ID)
	if g.PaymentStatus == "" {
		g.PaymentStatus = models.PaymentPending
	}
	g.CreatedAt = m.tick()
	g.UpdatedAt = g.CreatedAt
	m.d.groups[g.ID] = *g
	return nil
}

func (m *Mem) CreateOrder(ctx context.Context, o *models.Order) error {
	defer m.lock()()
	o.ID = newID(o.ID)
	if o.PaymentStatus == "" {
		o.PaymentStatus = models.PaymentPending
	}
	if o.OrderStatus == "" {
		o.OrderStatus = models.OrderPending
	}
	if o.SellerPaymentStatus == "" {
		o.SellerPaymentStatus = "pending"
	}
	o.CreatedAt = m.tick()
	o.UpdatedAt = o.CreatedAt
	m.d.orders[o.ID] = *o
	return nil
}

func (m *Mem) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	defer m.lock()()
	o, ok := m.d.orders[id]
	if !ok {
		return nil, errs.NotFound("order", id)
	}
	return &o, nil
}

func (m *Mem) GetOrderGroup(ctx context.Context, id string) (*models.OrderGroup, error) {
	defer m.lock()()
	g, ok := m.d.groups[id]
	if !ok {
		return nil, errs.NotFound("order group", id)
	}
	return &g, nil
}

func (m *Mem) groupOrders(groupID string) []models.Order {
	var out []models.Order
	for _, o := range m.d.orders {
		if o.GroupID == groupID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Mem) ListGroupOrders(ctx context.Context, groupID string) ([]models.Order, error) {
	defer m.lock()()
	return m.groupOrders(groupID), nil
}

func (m *Mem) MarkOrderPaid(ctx context.Context, id string, from []models.PaymentStatus, paidAt time.Time) (bool, error) {
	defer m.lock()()
	o, ok := m.d.orders[id]
	if !ok || !slices.Contains(from, o.PaymentStatus) {
		return false, nil
	}
	o.PaymentStatus = models.PaymentPaid
	o.OrderStatus = models.OrderPaid
	o.PaidAt = &paidAt
	o.UpdatedAt = m.tick()
	m.d.orders[id] = o
	return true, nil
}

func (m *Mem) RefreshGroupStatus(ctx context.Context, groupID string, now time.Time) (models.PaymentStatus, error) {
	defer m.lock()()
	g, ok := m.d.groups[groupID]
	if !ok {
		return "", errs.NotFound("order group", groupID)
	}
	children := m.groupOrders(groupID)
	paid := 0
	for _, o := range children {
		if o.PaymentStatus == models.PaymentPaid {
			paid++
		}
	}
	switch {
	case len(children) > 0 && paid == len(children):
		g.PaymentStatus = models.PaymentPaid
		if g.PaidAt == nil {
			g.PaidAt = &now
		}
	case paid > 0:
		g.PaymentStatus = models.PaymentPartial
	default:
		g.PaymentStatus = models.PaymentPending
	}
	g.UpdatedAt = m.tick()
	m.d.groups[groupID] = g
	return g.PaymentStatus, nil
}

func (m *Mem) SellerExposure(ctx context.Context, sellerID string) ([]Money, error) {
	defer m.lock()()
	sums := map[string]decimal.Decimal{}
	for _, o := range m.d.orders {
		if o.SellerID != sellerID || o.PaymentStatus != models.PaymentPaid || o.OrderStatus.Terminal() {
			continue
		}
		sums[o.Currency] = sums[o.Currency].Add(o.TotalAmount)
	}
	out := make([]Money, 0, len(sums))
	for _, cur := range slices.Sorted(maps.Keys(sums)) {
		out = append(out, Money{Amount: sums[cur], Currency: cur})
	}
	return out, nil
}

// SetOrderStatus overwrites an order's fulfilment status. Used by tests.
func (m *Mem) SetOrderStatus(id string, status models.OrderStatus) {
	defer m.lock()()
	o := m.d.orders[id]
	o.OrderStatus = status
	m.d.orders[id] = o
}

func (m *Mem) UpsertRequiredLot(ctx context.Context, lot *models.DepositLot) (bool, error) {
	defer m.lock()()
	for id, l := range m.d.lots {
		if l.SellerID == lot.SellerID && l.Status == models.DepositRequired {
			l.RequiredAmount = lot.RequiredAmount
			l.Currency = lot.Currency
			l.SubscriptionTierSnapshot = lot.SubscriptionTierSnapshot
			l.UpdatedAt = m.tick()
			m.d.lots[id] = l
			*lot = l
			return false, nil
		}
	}
	lot.ID = newID(lot.ID)
	lot.Status = models.DepositRequired
	lot.CreatedAt = m.tick()
	lot.UpdatedAt = lot.CreatedAt
	if lot.RequiredAt.IsZero() {
		lot.RequiredAt = lot.CreatedAt
	}
	m.d.lots[lot.ID] = *lot
	return true, nil
}

func (m *Mem) GetDepositLot(ctx context.Context, id string) (*models.DepositLot, error) {
	defer m.lock()()
	l, ok := m.d.lots[id]
	if !ok {
		return nil, errs.NotFound("deposit lot", id)
	}
	return &l, nil
}

func (m *Mem) TransitionLot(ctx context.Context, id string, from []models.DepositStatus, to models.DepositStatus, patch LotPatch) (bool, error) {
	defer m.lock()()
	l, ok := m.d.lots[id]
	if !ok || !slices.Contains(from, l.Status) {
		return false, nil
	}
	l.Status = to
	if patch.HeldAt != nil {
		l.HeldAt = patch.HeldAt
	}
	if patch.RefundableAt != nil {
		l.RefundableAt = patch.RefundableAt
	}
	if patch.RefundedAmount != nil {
		l.RefundedAmount = decimal.NewNullDecimal(*patch.RefundedAmount)
	}
	if patch.RefundFeeAmount != nil {
		l.RefundFeeAmount = decimal.NewNullDecimal(*patch.RefundFeeAmount)
	}
	if patch.ForfeitReason != "" {
		l.ForfeitReason = patch.ForfeitReason
	}
	if patch.PaymentTransactionID != "" {
		l.PaymentTransactionID = patch.PaymentTransactionID
	}
	l.UpdatedAt = m.tick()
	m.d.lots[id] = l
	return true, nil
}

func (m *Mem) sortedLots(keep func(models.DepositLot) bool) []models.DepositLot {
	var out []models.DepositLot
	for _, l := range m.d.lots {
		if keep(l) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequiredAt.Equal(out[j].RequiredAt) {
			return out[i].RequiredAt.Before(out[j].RequiredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Mem) ListSellerLots(ctx context.Context, sellerID string, statuses []models.DepositStatus) ([]models.DepositLot, error) {
	defer m.lock()()
	return m.sortedLots(func(l models.DepositLot) bool {
		return l.SellerID == sellerID && slices.Contains(statuses, l.Status)
	}), nil
}

func (m *Mem) ListLotsByStatus(ctx context.Context, status models.DepositStatus, after *LotCursor, limit int) ([]models.DepositLot, error) {
	defer m.lock()()
	out := m.sortedLots(func(l models.DepositLot) bool {
		if l.Status != status {
			return false
		}
		if after == nil {
			return true
		}
		return l.RequiredAt.After(after.RequiredAt) || (l.RequiredAt.Equal(after.RequiredAt) && l.ID > after.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Mem) DrawFromLot(ctx context.Context, id string, amount decimal.Decimal, reason string) (*models.DepositLot, bool, error) {
	defer m.lock()()
	l, ok := m.d.lots[id]
	if !ok || !amount.IsPositive() || l.RequiredAmount.LessThan(amount) {
		return nil, false, nil
	}
	if l.Status != models.DepositHeld && l.Status != models.DepositRefundable {
		return nil, false, nil
	}
	l.RequiredAmount = l.RequiredAmount.Sub(amount)
	if l.RequiredAmount.IsZero() {
		l.Status = models.DepositForfeited
		l.ForfeitReason = reason
	}
	l.UpdatedAt = m.tick()
	m.d.lots[id] = l
	return &l, true, nil
}

func (m *Mem) GetObligation(ctx context.Context, id string) (*models.CommissionPaymentObligation, error) {
	defer m.lock()()
	o, ok := m.d.obligations[id]
	if !ok {
		return nil, errs.NotFound("obligation", id)
	}
	return &o, nil
}

func (m *Mem) EnsurePendingObligation(ctx context.Context, sellerID string, dueDate time.Time) (*models.CommissionPaymentObligation, error) {
	defer m.lock()()
	for _, o := range m.d.obligations {
		if o.SellerID == sellerID && o.Status == models.ObligationPending && o.SealedAt == nil {
			return &o, nil
		}
	}
	o := models.CommissionPaymentObligation{
		ID:       newID(""),
		SellerID: sellerID,
		Status:   models.ObligationPending,
		DueDate:  dueDate,
	}
	o.CreatedAt = m.tick()
	o.UpdatedAt = o.CreatedAt
	m.d.obligations[o.ID] = o
	return &o, nil
}

func (m *Mem) TransitionObligation(ctx context.Context, id string, from []models.ObligationStatus, to models.ObligationStatus, paidAt *time.Time) (bool, error) {
	defer m.lock()()
	o, ok := m.d.obligations[id]
	if !ok || !slices.Contains(from, o.Status) {
		return false, nil
	}
	o.Status = to
	o.PaidAt = paidAt
	o.UpdatedAt = m.tick()
	if o.SealedAt == nil {
		sealed := o.UpdatedAt
		o.SealedAt = &sealed
	}
	m.d.obligations[id] = o
	return true, nil
}

func (m *Mem) CreateCommission(ctx context.Context, c *models.AffiliateCommission) (bool, error) {
	defer m.lock()()
	for _, existing := range m.d.commissions {
		if existing.OrderID == c.OrderID && existing.AffiliateID == c.AffiliateID {
			return false, nil
		}
	}
	c.ID = newID(c.ID)
	if c.Status == "" {
		c.Status = models.CommissionPending
	}
	c.CreatedAt = m.tick()
	m.d.commissions[c.ID] = *c
	return true, nil
}

func (m *Mem) ListObligationCommissions(ctx context.Context, obligationID string, status models.CommissionStatus) ([]models.AffiliateCommission, error) {
	defer m.lock()()
	var out []models.AffiliateCommission
	for _, c := range m.d.commissions {
		if c.ObligationID == obligationID && c.Status == status {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Mem) MarkCommissionsPaid(ctx context.Context, ids []string, from []models.CommissionStatus, paidAt time.Time) (int64, error) {
	defer m.lock()()
	var n int64
	for _, id := range ids {
		c, ok := m.d.commissions[id]
		if !ok || !slices.Contains(from, c.Status) {
			continue
		}
		c.Status = models.CommissionPaid
		c.PaidAt = &paidAt
		m.d.commissions[id] = c
		n++
	}
	return n, nil
}

// Commission returns a commission row. Used by tests.
func (m *Mem) Commission(id string) models.AffiliateCommission {
	defer m.lock()()
	return m.d.commissions[id]
}

func (m *Mem) InsertCommissionLedgerEntry(ctx context.Context, e *models.CommissionLedgerEntry) error {
	defer m.lock()()
	for _, existing := range m.d.ledger {
		if existing.CommissionID == e.CommissionID {
			return nil
		}
	}
	e.ID = newID(e.ID)
	e.CreatedAt = m.tick()
	m.d.ledger[e.ID] = *e
	return nil
}

func (m *Mem) ListCommissionLedger(ctx context.Context, obligationID string) ([]models.CommissionLedgerEntry, error) {
	defer m.lock()()
	var out []models.CommissionLedgerEntry
	for _, e := range m.d.ledger {
		if e.ObligationID == obligationID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Mem) CreateDebt(ctx context.Context, d *models.SellerDebt) error {
	defer m.lock()()
	d.ID = newID(d.ID)
	if d.Status == "" {
		d.Status = models.DebtPending
	}
	d.CreatedAt = m.tick()
	d.UpdatedAt = d.CreatedAt
	m.d.debts[d.ID] = *d
	return nil
}

func (m *Mem) GetDebt(ctx context.Context, id string) (*models.SellerDebt, error) {
	defer m.lock()()
	d, ok := m.d.debts[id]
	if !ok {
		return nil, errs.NotFound("seller debt", id)
	}
	return &d, nil
}

func (m *Mem) ListSellerDebts(ctx context.Context, sellerID string, status models.DebtStatus) ([]models.SellerDebt, error) {
	defer m.lock()()
	var out []models.SellerDebt
	for _, d := range m.d.debts {
		if d.SellerID == sellerID && d.Status == status {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Mem) ApplyDebtCollection(ctx context.Context, id string, from []models.DebtStatus, credit decimal.Decimal, method string, now time.Time) (*models.SellerDebt, bool, error) {
	defer m.lock()()
	d, ok := m.d.debts[id]
	if !ok || !slices.Contains(from, d.Status) || !credit.IsPositive() || d.Remaining().LessThan(credit) {
		return nil, false, nil
	}
	d.CollectedAmount = d.CollectedAmount.Add(credit)
	d.CollectionMethod = method
	if d.Remaining().IsZero() {
		d.Status = models.DebtCollected
		d.CollectedAt = &now
	}
	d.UpdatedAt = m.tick()
	m.d.debts[id] = d
	return &d, true, nil
}

func (m *Mem) InsertDebtCollection(ctx context.Context, c *models.DebtCollection) error {
	defer m.lock()()
	c.ID = newID(c.ID)
	c.CreatedAt = m.tick()
	m.d.collections[c.ID] = *c
	return nil
}

// DebtCollections lists the draws recorded against a debt. Used by tests.
func (m *Mem) DebtCollections(debtID string) []models.DebtCollection {
	defer m.lock()()
	var out []models.DebtCollection
	for _, c := range m.d.collections {
		if c.DebtID == debtID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Mem) ListSellersWithPendingDebts(ctx context.Context, limit int) ([]string, error) {
	defer m.lock()()
	oldest := map[string]time.Time{}
	for _, d := range m.d.debts {
		if d.Status != models.DebtPending {
			continue
		}
		if t, ok := oldest[d.SellerID]; !ok || d.CreatedAt.Before(t) {
			oldest[d.SellerID] = d.CreatedAt
		}
	}
	out := slices.Collect(maps.Keys(oldest))
	sort.Slice(out, func(i, j int) bool { return oldest[out[i]].Before(oldest[out[j]]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Mem) CreateSubscription(ctx context.Context, s *models.Subscription) error {
	defer m.lock()()
	s.ID = newID(s.ID)
	if s.Status == "" {
		s.Status = models.SubscriptionPending
	}
	s.CreatedAt = m.tick()
	m.d.subs[s.ID] = *s
	return nil
}

func (m *Mem) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	defer m.lock()()
	s, ok := m.d.subs[id]
	if !ok {
		return nil, errs.NotFound("subscription", id)
	}
	return &s, nil
}

func (m *Mem) ActivateSubscription(ctx context.Context, id string, now time.Time) (bool, error) {
	defer m.lock()()
	s, ok := m.d.subs[id]
	if !ok || s.Status != models.SubscriptionPending {
		return false, nil
	}
	s.Status = models.SubscriptionActive
	s.StartsAt = &now
	m.d.subs[id] = s
	return true, nil
}

func (m *Mem) CreateTip(ctx context.Context, t *models.Tip) error {
	defer m.lock()()
	t.ID = newID(t.ID)
	if t.Status == "" {
		t.Status = models.TipPending
	}
	t.CreatedAt = m.tick()
	m.d.tips[t.ID] = *t
	return nil
}

func (m *Mem) GetTip(ctx context.Context, id string) (*models.Tip, error) {
	defer m.lock()()
	t, ok := m.d.tips[id]
	if !ok {
		return nil, errs.NotFound("tip", id)
	}
	return &t, nil
}

func (m *Mem) MarkTipPaid(ctx context.Context, id string, now time.Time) (bool, error) {
	defer m.lock()()
	t, ok := m.d.tips[id]
	if !ok || t.Status != models.TipPending {
		return false, nil
	}
	t.Status = models.TipPaid
	t.PaidAt = &now
	m.d.tips[id] = t
	return true, nil
}

func (m *Mem) InsertPlatformFee(ctx context.Context, f *models.PlatformFee) (bool, error) {
	defer m.lock()()
	for _, existing := range m.d.fees {
		if existing.PaymentTransactionID == f.PaymentTransactionID {
			return false, nil
		}
	}
	f.ID = newID(f.ID)
	f.CreatedAt = m.tick()
	m.d.fees[f.ID] = *f
	return true, nil
}

// PlatformFees returns how many fee rows exist for a user. Used by tests.
func (m *Mem) PlatformFees(userID string) int {
	defer m.lock()()
	n := 0
	for _, f := range m.d.fees {
		if f.UserID == userID {
			n++
		}
	}
	return n
}

func (m *Mem) GetPayoutProfile(ctx context.Context, userID string) (*models.PayoutProfile, error) {
	defer m.lock()()
	p, ok := m.d.profiles[userID]
	if !ok {
		return nil, errs.NotFound("payout profile", userID)
	}
	return &p, nil
}

func (m *Mem) UpsertPayoutProfile(ctx context.Context, p *models.PayoutProfile) error {
	defer m.lock()()
	m.d.profiles[p.UserID] = *p
	return nil
}

func (m *Mem) SubscriptionTier(ctx context.Context, sellerID string) (*models.Tier, error) {
	defer m.lock()()
	t, ok := m.d.tiers[sellerID]
	if !ok {
		return nil, errs.NotFound("seller tier", sellerID)
	}
	return &t, nil
}

func (m *Mem) SetSubscriptionTier(ctx context.Context, sellerID string, tier models.Tier) error {
	defer m.lock()()
	m.d.tiers[sellerID] = tier
	return nil
}

func (m *Mem) SellerPermission(ctx context.Context, sellerID string) (*models.SellerPermission, error) {
	defer m.lock()()
	p, ok := m.d.permissions[sellerID]
	if !ok {
		return &models.SellerPermission{Allowed: true}, nil
	}
	return &p, nil
}

func (m *Mem) SetSellerPermission(ctx context.Context, sellerID string, p models.SellerPermission) error {
	defer m.lock()()
	m.d.permissions[sellerID] = p
	return nil
}
