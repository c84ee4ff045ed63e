package store

import (
	"context"
	"errors"
	"time"

	"github.com/charlesnunot/Stratos-sub003/internal/errs"
	"github.com/charlesnunot/Stratos-sub003/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PG struct {
	Pool *pgxpool.Pool
	q    DBTX
	inTx bool
}

func New(pool *pgxpool.Pool) *PG {
	return &PG{Pool: pool, q: pool}
}

func (s *PG) InTx(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		return fn(&PG{Pool: s.Pool, q: tx, inTx: true})
	})
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error, entity, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.NotFound(entity, id)
	}
	return err
}

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

const txColumns = `id, type, provider, provider_ref, amount, currency, status, related_id,
	paid_at, metadata, failure_reason, created_at, updated_at`

func scanTx(row pgx.Row) (*models.PaymentTransaction, error) {
	var tx models.PaymentTransaction
	var metadata []byte
	err := row.Scan(
		&tx.ID, &tx.Type, &tx.Provider, &tx.ProviderRef, &tx.Amount, &tx.Currency, &tx.Status,
		&tx.RelatedID, &tx.PaidAt, &metadata, &tx.FailureReason, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.Metadata = metadata
	return &tx, nil
}

func (s *PG) CreateTransaction(ctx context.Context, tx *models.PaymentTransaction) (bool, error) {
	tx.ID = newID(tx.ID)
	metadata := []byte(tx.Metadata)
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	row := s.q.QueryRow(ctx, `
		INSERT INTO payment_transactions (
			id, type, provider, provider_ref, amount, currency, status, related_id,
			paid_at, metadata, failure_reason
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (provider, provider_ref) DO NOTHING
		RETURNING created_at, updated_at
	`,
		tx.ID,
		tx.Type,
		tx.Provider,
		tx.ProviderRef,
		tx.Amount,
		tx.Currency,
		tx.Status,
		tx.RelatedID,
		tx.PaidAt,
		metadata,
		tx.FailureReason,
	)
	if err := row.Scan(&tx.CreatedAt, &tx.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *PG) MarkTransactionPaid(ctx context.Context, provider models.Provider, ref string, amount decimal.Decimal, currency string, paidAt time.Time) (*models.PaymentTransaction, bool, error) {
	row := s.q.QueryRow(ctx, `
		UPDATE payment_transactions
		SET status='paid', paid_at=$3, amount=$4, currency=$5, updated_at=now()
		WHERE provider=$1 AND provider_ref=$2 AND status='pending'
		RETURNING `+txColumns,
		provider, ref, paidAt, amount, currency,
	)
	tx, err := scanTx(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return tx, true, nil
}

func (s *PG) FailPendingTransaction(ctx context.Context, provider models.Provider, ref, reason string) (bool, error) {
	res, err := s.q.Exec(ctx, `
		UPDATE payment_transactions
		SET status='failed', failure_reason=$3, updated_at=now()
		WHERE provider=$1 AND provider_ref=$2 AND status='pending'
	`, provider, ref, reason)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() == 1, nil
}

func (s *PG) GetTransactionByRef(ctx context.Context, provider models.Provider, ref string) (*models.PaymentTransaction, error) {
	row := s.q.QueryRow(ctx, `SELECT `+txColumns+` FROM payment_transactions WHERE provider=$1 AND provider_ref=$2`, provider, ref)
	tx, err := scanTx(row)
	if err != nil {
		return nil, notFound(err, "payment transaction", string(provider)+"/"+ref)
	}
	return tx, nil
}

const orderColumns = `id, order_number, COALESCE(group_id,''), buyer_id, seller_id, COALESCE(affiliate_id,''),
	commission_rate, total_amount, currency, payment_status, order_status, seller_payment_status,
	paid_at, created_at, updated_at`

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.GroupID, &o.BuyerID, &o.SellerID, &o.AffiliateID,
		&o.CommissionRate, &o.TotalAmount, &o.Currency, &o.PaymentStatus, &o.OrderStatus,
		&o.SellerPaymentStatus, &o.PaidAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *PG) CreateOrderGroup(ctx context.Context, g *models.OrderGroup) error {
	g.ID = newID(g.ID)
	if g.PaymentStatus == "" {
		g.PaymentStatus = models.PaymentPending
	}
	return s.q.QueryRow(ctx, `
		INSERT INTO order_groups (id, buyer_id, total_amount, currency, payment_status)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at, updated_at
	`, g.ID, g.BuyerID, g.TotalAmount, g.Currency, g.PaymentStatus).Scan(&g.CreatedAt, &g.UpdatedAt)
}

func (s *PG) CreateOrder(ctx context.Context, o *models.Order) error {
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
	return s.q.QueryRow(ctx, `
		INSERT INTO orders (
			id, order_number, group_id, buyer_id, seller_id, affiliate_id, commission_rate,
			total_amount, currency, payment_status, order_status, seller_payment_status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at, updated_at
	`,
		o.ID,
		o.OrderNumber,
		nullIfEmpty(o.GroupID),
		o.BuyerID,
		o.SellerID,
		nullIfEmpty(o.AffiliateID),
		o.CommissionRate,
		o.TotalAmount,
		o.Currency,
		o.PaymentStatus,
		o.OrderStatus,
		o.SellerPaymentStatus,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
}

func (s *PG) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	o, err := scanOrder(s.q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id))
	if err != nil {
		return nil, notFound(err, "order", id)
	}
	return o, nil
}

func (s *PG) GetOrderGroup(ctx context.Context, id string) (*models.OrderGroup, error) {
	var g models.OrderGroup
	err := s.q.QueryRow(ctx, `
		SELECT id, buyer_id, total_amount, currency, payment_status, paid_at, created_at, updated_at
		FROM order_groups WHERE id=$1
	`, id).Scan(&g.ID, &g.BuyerID, &g.TotalAmount, &g.Currency, &g.PaymentStatus, &g.PaidAt, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "order group", id)
	}
	return &g, nil
}

func (s *PG) ListGroupOrders(ctx context.Context, groupID string) ([]models.Order, error) {
	rows, err := s.q.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE group_id=$1 ORDER BY created_at, id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *PG) MarkOrderPaid(ctx context.Context, id string, from []models.PaymentStatus, paidAt time.Time) (bool, error) {
	res, err := s.q.Exec(ctx, `
		UPDATE orders
		SET payment_status='paid', order_status='paid', paid_at=$2, updated_at=now()
		WHERE id=$1 AND payment_status = ANY($3)
	`, id, paidAt, statusStrings(from))
	if err != nil {
		return false, err
	}
	return res.RowsAffected() == 1, nil
}

func (s *PG) RefreshGroupStatus(ctx context.Context, groupID string, now time.Time) (models.PaymentStatus, error) {
	var status models.PaymentStatus
	err := s.q.QueryRow(ctx, `
		UPDATE order_groups g
		SET payment_status = agg.status,
			paid_at = CASE WHEN agg.status = 'paid' THEN COALESCE(g.paid_at, $2) ELSE g.paid_at END,
			updated_at = now()
		FROM (
			SELECT CASE
				WHEN COUNT(*) > 0 AND COUNT(*) FILTER (WHERE payment_status='paid') = COUNT(*) THEN 'paid'
				WHEN COUNT(*) FILTER (WHERE payment_status='paid') > 0 THEN 'partial'
				ELSE 'pending'
			END AS status
			FROM orders WHERE group_id=$1
		) agg
		WHERE g.id=$1
		RETURNING g.payment_status
	`, groupID, now).Scan(&status)
	if err != nil {
		return "", notFound(err, "order group", groupID)
	}
	return status, nil
}

func (s *PG) SellerExposure(ctx context.Context, sellerID string) ([]Money, error) {
	rows, err := s.q.Query(ctx, `
		SELECT currency, SUM(total_amount)
		FROM orders
		WHERE seller_id=$1 AND payment_status='paid' AND order_status NOT IN ('completed','cancelled')
		GROUP BY currency
		ORDER BY currency
	`, sellerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Money
	for rows.Next() {
		var m Money
		if err := rows.Scan(&m.Currency, &m.Amount); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const lotColumns = `id, seller_id, required_amount, currency, status, subscription_tier_snapshot,
	required_at, held_at, refundable_at, refunded_amount, refund_fee_amount, forfeit_reason,
	COALESCE(payment_transaction_id,''), created_at, updated_at`

func scanLot(row pgx.Row) (*models.DepositLot, error) {
	var l models.DepositLot
	err := row.Scan(
		&l.ID, &l.SellerID, &l.RequiredAmount, &l.Currency, &l.Status, &l.SubscriptionTierSnapshot,
		&l.RequiredAt, &l.HeldAt, &l.RefundableAt, &l.RefundedAmount, &l.RefundFeeAmount,
		&l.ForfeitReason, &l.PaymentTransactionID, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *PG) UpsertRequiredLot(ctx context.Context, lot *models.DepositLot) (bool, error) {
	if lot.RequiredAt.IsZero() {
		lot.RequiredAt = time.Now().UTC()
	}
	row := s.q.QueryRow(ctx, `
		INSERT INTO deposit_lots (id, seller_id, required_amount, currency, status, subscription_tier_snapshot, required_at)
		VALUES ($1,$2,$3,$4,'required',$5,$6)
		ON CONFLICT (seller_id) WHERE status = 'required'
		DO UPDATE SET
			required_amount = EXCLUDED.required_amount,
			currency = EXCLUDED.currency,
			subscription_tier_snapshot = EXCLUDED.subscription_tier_snapshot,
			updated_at = now()
		RETURNING `+lotColumns+`, (xmax = 0)
	`, newID(lot.ID), lot.SellerID, lot.RequiredAmount, lot.Currency, lot.SubscriptionTierSnapshot, lot.RequiredAt)

	var l models.DepositLot
	var inserted bool
	err := row.Scan(
		&l.ID, &l.SellerID, &l.RequiredAmount, &l.Currency, &l.Status, &l.SubscriptionTierSnapshot,
		&l.RequiredAt, &l.HeldAt, &l.RefundableAt, &l.RefundedAmount, &l.RefundFeeAmount,
		&l.ForfeitReason, &l.PaymentTransactionID, &l.CreatedAt, &l.UpdatedAt, &inserted,
	)
	if err != nil {
		return false, err
	}
	*lot = l
	return inserted, nil
}

func (s *PG) GetDepositLot(ctx context.Context, id string) (*models.DepositLot, error) {
	l, err := scanLot(s.q.QueryRow(ctx, `SELECT `+lotColumns+` FROM deposit_lots WHERE id=$1`, id))
	if err != nil {
		return nil, notFound(err, "deposit lot", id)
	}
	return l, nil
}

func (s *PG) TransitionLot(ctx context.Context, id string, from []models.DepositStatus, to models.DepositStatus, patch LotPatch) (bool, error) {
	res, err := s.q.Exec(ctx, `
		UPDATE deposit_lots
		SET status=$3,
			held_at=COALESCE($4, held_at),
			refundable_at=COALESCE($5, refundable_at),
			refunded_amount=COALESCE($6, refunded_amount),
			refund_fee_amount=COALESCE($7, refund_fee_amount),
			forfeit_reason=COALESCE($8, forfeit_reason),
			payment_transaction_id=COALESCE($9, payment_transaction_id),
			updated_at=now()
		WHERE id=$1 AND status = ANY($2)
	`,
		id,
		statusStrings(from),
		to,
		patch.HeldAt,
		patch.RefundableAt,
		patch.RefundedAmount,
		patch.RefundFeeAmount,
		nullIfEmpty(patch.ForfeitReason),
		nullIfEmpty(patch.PaymentTransactionID),
	)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() == 1, nil
}

func (s *PG) queryLots(ctx context.Context, sql string, args ...any) ([]models.DepositLot, error) {
	rows, err := s.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DepositLot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (s *PG) ListSellerLots(ctx context.Context, sellerID string, statuses []models.DepositStatus) ([]models.DepositLot, error) {
	return s.queryLots(ctx, `
		SELECT `+lotColumns+` FROM deposit_lots
		WHERE seller_id=$1 AND status = ANY($2)
		ORDER BY required_at, id
	`, sellerID, statusStrings(statuses))
}

func (s *PG) ListLotsByStatus(ctx context.Context, status models.DepositStatus, after *LotCursor, limit int) ([]models.DepositLot, error) {
	if after == nil {
		return s.queryLots(ctx, `
			SELECT `+lotColumns+` FROM deposit_lots
			WHERE status=$1
			ORDER BY required_at, id
			LIMIT $2
		`, status, limit)
	}
	return s.queryLots(ctx, `
		SELECT `+lotColumns+` FROM deposit_lots
		WHERE status=$1 AND (required_at, id) > ($3::timestamptz, $4::text)
		ORDER BY required_at, id
		LIMIT $2
	`, status, limit, after.RequiredAt, after.ID)
}

func (s *PG) DrawFromLot(ctx context.Context, id string, amount decimal.Decimal, reason string) (*models.DepositLot, bool, error) {
	row := s.q.QueryRow(ctx, `
		UPDATE deposit_lots
		SET required_amount = required_amount - $2,
			status = CASE WHEN required_amount - $2 = 0 THEN 'forfeited' ELSE status END,
			forfeit_reason = CASE WHEN required_amount - $2 = 0 THEN $3 ELSE forfeit_reason END,
			updated_at = now()
		WHERE id=$1 AND status IN ('held','refundable') AND required_amount >= $2 AND $2 > 0
		RETURNING `+lotColumns,
		id, amount, reason,
	)
	l, err := scanLot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return l, true, nil
}

const obligationColumns = `id, seller_id, status, due_date, paid_at, COALESCE(payment_transaction_id,''), sealed_at, created_at, updated_at`

func scanObligation(row pgx.Row) (*models.CommissionPaymentObligation, error) {
	var o models.CommissionPaymentObligation
	err := row.Scan(&o.ID, &o.SellerID, &o.Status, &o.DueDate, &o.PaidAt, &o.PaymentTransactionID, &o.SealedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *PG) GetObligation(ctx context.Context, id string) (*models.CommissionPaymentObligation, error) {
	o, err := scanObligation(s.q.QueryRow(ctx, `SELECT `+obligationColumns+` FROM commission_payment_obligations WHERE id=$1`, id))
	if err != nil {
		return nil, notFound(err, "obligation", id)
	}
	return o, nil
}

// EnsurePendingObligation upserts against the one-open-obligation index.
// The no-op update locks the row until the caller's transaction ends, so a
// concurrent claim waits for the commission that is being booked into it.
func (s *PG) EnsurePendingObligation(ctx context.Context, sellerID string, dueDate time.Time) (*models.CommissionPaymentObligation, error) {
	o, err := scanObligation(s.q.QueryRow(ctx, `
		INSERT INTO commission_payment_obligations (id, seller_id, status, due_date)
		VALUES ($1,$2,'pending',$3)
		ON CONFLICT (seller_id) WHERE status = 'pending' AND sealed_at IS NULL
		DO UPDATE SET updated_at = now()
		RETURNING `+obligationColumns,
		uuid.NewString(), sellerID, dueDate,
	))
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (s *PG) TransitionObligation(ctx context.Context, id string, from []models.ObligationStatus, to models.ObligationStatus, paidAt *time.Time) (bool, error) {
	res, err := s.q.Exec(ctx, `
		UPDATE commission_payment_obligations
		SET status=$3, paid_at=$4, sealed_at=COALESCE(sealed_at, now()), updated_at=now()
		WHERE id=$1 AND status = ANY($2)
	`, id, statusStrings(from), to, paidAt)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() == 1, nil
}

func (s *PG) CreateCommission(ctx context.Context, c *models.AffiliateCommission) (bool, error) {
	c.ID = newID(c.ID)
	if c.Status == "" {
		c.Status = models.CommissionPending
	}
	err := s.q.QueryRow(ctx, `
		INSERT INTO affiliate_commissions (id, order_id, seller_id, affiliate_id, obligation_id, amount, currency, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (order_id, affiliate_id) DO NOTHING
		RETURNING created_at
	`, c.ID, c.OrderID, c.SellerID, c.AffiliateID, nullIfEmpty(c.ObligationID), c.Amount, c.Currency, c.Status).Scan(&c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *PG) ListObligationCommissions(ctx context.Context, obligationID string, status models.CommissionStatus) ([]models.AffiliateCommission, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, order_id, seller_id, affiliate_id, COALESCE(obligation_id,''), amount, currency, status, paid_at, created_at
		FROM affiliate_commissions
		WHERE obligation_id=$1 AND status=$2
		ORDER BY created_at, id
	`, obligationID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AffiliateCommission
	for rows.Next() {
		var c models.AffiliateCommission
		if err := rows.Scan(&c.ID, &c.OrderID, &c.SellerID, &c.AffiliateID, &c.ObligationID, &c.Amount, &c.Currency, &c.Status, &c.PaidAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PG) MarkCommissionsPaid(ctx context.Context, ids []string, from []models.CommissionStatus, paidAt time.Time) (int64, error) {
	res, err := s.q.Exec(ctx, `
		UPDATE affiliate_commissions SET status='paid', paid_at=$3
		WHERE id = ANY($1) AND status = ANY($2)
	`, ids, statusStrings(from), paidAt)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (s *PG) InsertCommissionLedgerEntry(ctx context.Context, e *models.CommissionLedgerEntry) error {
	e.ID = newID(e.ID)
	err := s.q.QueryRow(ctx, `
		INSERT INTO commission_ledger (id, obligation_id, commission_id, affiliate_id, seller_id, amount, currency, transfer_ref, funding_source)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at
	`, e.ID, e.ObligationID, e.CommissionID, e.AffiliateID, e.SellerID, e.Amount, e.Currency, e.TransferRef, e.FundingSource).Scan(&e.CreatedAt)
	if isUniqueViolation(err) {
		// the commission already has its entry
		return nil
	}
	return err
}

func (s *PG) ListCommissionLedger(ctx context.Context, obligationID string) ([]models.CommissionLedgerEntry, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, obligation_id, commission_id, affiliate_id, seller_id, amount, currency, transfer_ref, funding_source, created_at
		FROM commission_ledger WHERE obligation_id=$1 ORDER BY created_at, id
	`, obligationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CommissionLedgerEntry
	for rows.Next() {
		var e models.CommissionLedgerEntry
		if err := rows.Scan(&e.ID, &e.ObligationID, &e.CommissionID, &e.AffiliateID, &e.SellerID, &e.Amount, &e.Currency, &e.TransferRef, &e.FundingSource, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const debtColumns = `id, seller_id, debt_amount, collected_amount, currency, status, reason, collection_method,
	collected_at, created_at, updated_at`

func scanDebt(row pgx.Row) (*models.SellerDebt, error) {
	var d models.SellerDebt
	err := row.Scan(&d.ID, &d.SellerID, &d.DebtAmount, &d.CollectedAmount, &d.Currency, &d.Status, &d.Reason,
		&d.CollectionMethod, &d.CollectedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PG) CreateDebt(ctx context.Context, d *models.SellerDebt) error {
	d.ID = newID(d.ID)
	if d.Status == "" {
		d.Status = models.DebtPending
	}
	return s.q.QueryRow(ctx, `
		INSERT INTO seller_debts (id, seller_id, debt_amount, collected_amount, currency, status, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at
	`, d.ID, d.SellerID, d.DebtAmount, d.CollectedAmount, d.Currency, d.Status, d.Reason).Scan(&d.CreatedAt, &d.UpdatedAt)
}

func (s *PG) GetDebt(ctx context.Context, id string) (*models.SellerDebt, error) {
	d, err := scanDebt(s.q.QueryRow(ctx, `SELECT `+debtColumns+` FROM seller_debts WHERE id=$1`, id))
	if err != nil {
		return nil, notFound(err, "seller debt", id)
	}
	return d, nil
}

func (s *PG) ListSellerDebts(ctx context.Context, sellerID string, status models.DebtStatus) ([]models.SellerDebt, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+debtColumns+` FROM seller_debts
		WHERE seller_id=$1 AND status=$2
		ORDER BY created_at, id
	`, sellerID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SellerDebt
	for rows.Next() {
		d, err := scanDebt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *PG) ApplyDebtCollection(ctx context.Context, id string, from []models.DebtStatus, credit decimal.Decimal, method string, now time.Time) (*models.SellerDebt, bool, error) {
	row := s.q.QueryRow(ctx, `
		UPDATE seller_debts
		SET collected_amount = collected_amount + $2,
			status = CASE WHEN debt_amount - collected_amount - $2 = 0 THEN 'collected' ELSE status END,
			collected_at = CASE WHEN debt_amount - collected_amount - $2 = 0 THEN $4 ELSE collected_at END,
			collection_method = $3,
			updated_at = now()
		WHERE id=$1 AND status = ANY($5) AND debt_amount - collected_amount >= $2 AND $2 > 0
		RETURNING `+debtColumns,
		id, credit, method, now, statusStrings(from),
	)
	d, err := scanDebt(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return d, true, nil
}

func (s *PG) InsertDebtCollection(ctx context.Context, c *models.DebtCollection) error {
	c.ID = newID(c.ID)
	return s.q.QueryRow(ctx, `
		INSERT INTO debt_collections (id, debt_id, lot_id, lot_amount, debt_amount)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at
	`, c.ID, c.DebtID, c.LotID, c.LotAmount, c.DebtAmount).Scan(&c.CreatedAt)
}

func (s *PG) ListSellersWithPendingDebts(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.q.Query(ctx, `
		SELECT seller_id FROM seller_debts
		WHERE status='pending'
		GROUP BY seller_id
		ORDER BY MIN(created_at)
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PG) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	sub.ID = newID(sub.ID)
	if sub.Status == "" {
		sub.Status = models.SubscriptionPending
	}
	return s.q.QueryRow(ctx, `
		INSERT INTO subscriptions (id, user_id, tier, amount, currency, status)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at
	`, sub.ID, sub.UserID, sub.Tier, sub.Amount, sub.Currency, sub.Status).Scan(&sub.CreatedAt)
}

func (s *PG) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.q.QueryRow(ctx, `
		SELECT id, user_id, tier, amount, currency, status, starts_at, created_at
		FROM subscriptions WHERE id=$1
	`, id).Scan(&sub.ID, &sub.UserID, &sub.Tier, &sub.Amount, &sub.Currency, &sub.Status, &sub.StartsAt, &sub.CreatedAt)
	if err != nil {
		return nil, notFound(err, "subscription", id)
	}
	return &sub, nil
}

func (s *PG) ActivateSubscription(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.q.Exec(ctx, `
		UPDATE subscriptions SET status='active', starts_at=$2
		WHERE id=$1 AND status='pending'
	`, id, now)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() == 1, nil
}

func (s *PG) CreateTip(ctx context.Context, t *models.Tip) error {
	t.ID = newID(t.ID)
	if t.Status == "" {
		t.Status = models.TipPending
	}
	return s.q.QueryRow(ctx, `
		INSERT INTO tips (id, from_user_id, to_user_id, amount, currency, status)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at
	`, t.ID, t.FromUserID, t.ToUserID, t.Amount, t.Currency, t.Status).Scan(&t.CreatedAt)
}

func (s *PG) GetTip(ctx context.Context, id string) (*models.Tip, error) {
	var t models.Tip
	err := s.q.QueryRow(ctx, `
		SELECT id, from_user_id, to_user_id, amount, currency, status, paid_at, created_at
		FROM tips WHERE id=$1
	`, id).Scan(&t.ID, &t.FromUserID, &t.ToUserID, &t.Amount, &t.Currency, &t.Status, &t.PaidAt, &t.CreatedAt)
	if err != nil {
		return nil, notFound(err, "tip", id)
	}
	return &t, nil
}

func (s *PG) MarkTipPaid(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.q.Exec(ctx, `UPDATE tips SET status='paid', paid_at=$2 WHERE id=$1 AND status='pending'`, id, now)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() == 1, nil
}

func (s *PG) InsertPlatformFee(ctx context.Context, f *models.PlatformFee) (bool, error) {
	f.ID = newID(f.ID)
	res, err := s.q.Exec(ctx, `
		INSERT INTO platform_fees (id, user_id, amount, currency, payment_transaction_id)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (payment_transaction_id) DO NOTHING
	`, f.ID, f.UserID, f.Amount, f.Currency, f.PaymentTransactionID)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() == 1, nil
}

func (s *PG) GetPayoutProfile(ctx context.Context, userID string) (*models.PayoutProfile, error) {
	var p models.PayoutProfile
	err := s.q.QueryRow(ctx, `SELECT user_id, transfer_account_id, direct FROM payout_profiles WHERE user_id=$1`, userID).
		Scan(&p.UserID, &p.TransferAccountID, &p.Direct)
	if err != nil {
		return nil, notFound(err, "payout profile", userID)
	}
	return &p, nil
}

func (s *PG) UpsertPayoutProfile(ctx context.Context, p *models.PayoutProfile) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO payout_profiles (user_id, transfer_account_id, direct)
		VALUES ($1,$2,$3)
		ON CONFLICT (user_id) DO UPDATE SET transfer_account_id=EXCLUDED.transfer_account_id, direct=EXCLUDED.direct, updated_at=now()
	`, p.UserID, p.TransferAccountID, p.Direct)
	return err
}

func (s *PG) SubscriptionTier(ctx context.Context, sellerID string) (*models.Tier, error) {
	var t models.Tier
	err := s.q.QueryRow(ctx, `SELECT tier, free_allowance, currency FROM seller_tiers WHERE seller_id=$1`, sellerID).
		Scan(&t.Name, &t.FreeAllowance, &t.Currency)
	if err != nil {
		return nil, notFound(err, "seller tier", sellerID)
	}
	return &t, nil
}

func (s *PG) SetSubscriptionTier(ctx context.Context, sellerID string, tier models.Tier) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO seller_tiers (seller_id, tier, free_allowance, currency)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (seller_id) DO UPDATE SET tier=EXCLUDED.tier, free_allowance=EXCLUDED.free_allowance,
			currency=EXCLUDED.currency, updated_at=now()
	`, sellerID, tier.Name, tier.FreeAllowance, tier.Currency)
	return err
}

func (s *PG) SellerPermission(ctx context.Context, sellerID string) (*models.SellerPermission, error) {
	var p models.SellerPermission
	err := s.q.QueryRow(ctx, `SELECT allowed, reason FROM seller_permissions WHERE seller_id=$1`, sellerID).Scan(&p.Allowed, &p.Reason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &models.SellerPermission{Allowed: true}, nil
		}
		return nil, err
	}
	return &p, nil
}

func (s *PG) SetSellerPermission(ctx context.Context, sellerID string, p models.SellerPermission) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO seller_permissions (seller_id, allowed, reason)
		VALUES ($1,$2,$3)
		ON CONFLICT (seller_id) DO UPDATE SET allowed=EXCLUDED.allowed, reason=EXCLUDED.reason, updated_at=now()
	`, sellerID, p.Allowed, p.Reason)
	return err
}

func statusStrings[S ~string](in []S) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
