package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/charlesnunot/Stratos-sub003/internal/audit"
	"github.com/charlesnunot/Stratos-sub003/internal/commissions"
	"github.com/charlesnunot/Stratos-sub003/internal/debts"
	"github.com/charlesnunot/Stratos-sub003/internal/deposits"
	"github.com/charlesnunot/Stratos-sub003/internal/ledger"
	"github.com/charlesnunot/Stratos-sub003/internal/metrics"
	"github.com/charlesnunot/Stratos-sub003/internal/models"
	"github.com/charlesnunot/Stratos-sub003/internal/notify"
	"github.com/charlesnunot/Stratos-sub003/internal/provider/alipay"
	"github.com/charlesnunot/Stratos-sub003/internal/provider/stripe"
	"github.com/charlesnunot/Stratos-sub003/internal/provider/wechatpay"
	"github.com/charlesnunot/Stratos-sub003/internal/reconcile"
	"github.com/charlesnunot/Stratos-sub003/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxBody = 1 << 20

// PayPalCapturer captures an approved PayPal order server side.
type PayPalCapturer interface {
	CaptureOrder(ctx context.Context, orderID string) ([]byte, error)
}

type Handler struct {
	Store    store.Store
	Captures *reconcile.Service

	Stripe    *stripe.Adapter
	PayPal    PayPalCapturer
	Alipay    *alipay.Adapter
	WeChatPay *wechatpay.Adapter

	Deposits    deposits.Processor
	Commissions commissions.Processor
	Debts       debts.Processor

	Notifier notify.Notifier
	Audit    audit.Publisher
	Log      *zap.Logger
}

func (h *Handler) log() *zap.Logger {
	if h.Log != nil {
		return h.Log
	}
	return zap.NewNop()
}

type transactionResponse struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Provider      string `json:"provider"`
	ProviderRef   string `json:"providerRef"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	RelatedID     string `json:"relatedId,omitempty"`
	PaidAt        string `json:"paidAt,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
}

func newTransactionResponse(tx *models.PaymentTransaction) *transactionResponse {
	if tx == nil {
		return nil
	}
	resp := &transactionResponse{
		ID:            tx.ID,
		Type:          string(tx.Type),
		Provider:      string(tx.Provider),
		ProviderRef:   tx.ProviderRef,
		Amount:        tx.Amount.StringFixed(2),
		Currency:      tx.Currency,
		Status:        string(tx.Status),
		RelatedID:     tx.RelatedID,
		FailureReason: tx.FailureReason,
	}
	if tx.PaidAt != nil {
		resp.PaidAt = tx.PaidAt.Format(time.RFC3339)
	}
	return resp
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	p := models.Provider(chi.URLParam(r, "provider"))
	ref := chi.URLParam(r, "providerRef")
	if !p.Valid() {
		writeError(w, http.StatusBadRequest, "unknown provider")
		return
	}
	if ref == "" {
		writeError(w, http.StatusBadRequest, "missing provider reference")
		return
	}

	tx, err := h.Store.GetTransactionByRef(r.Context(), p, ref)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTransactionResponse(tx))
}

type intentRequest struct {
	Provider    models.Provider `json:"provider"`
	ProviderRef string          `json:"providerRef"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Metadata    models.Metadata `json:"metadata"`
}

// RegisterIntent stores the pending row for a payment the client created
// with the provider. Registering the same reference twice returns the row
// already stored.
func (h *Handler) RegisterIntent(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	tx, err := h.Captures.RegisterIntent(r.Context(), req.Provider, req.ProviderRef, req.Metadata, req.Amount, req.Currency)
	if errors.Is(err, ledger.ErrInvalidCapture) || errors.Is(err, ledger.ErrMissingRef) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTransactionResponse(tx))
}

// dispatch delivers notices and an audit event for admin operations that
// run outside the capture path.
func (h *Handler) dispatch(ctx context.Context, notices []models.Notice, ev *audit.Event) {
	if n := notify.Dispatch(ctx, h.Notifier, h.log(), notices); n > 0 {
		metrics.NotifyErrors.Add(float64(n))
	}
	if ev == nil || h.Audit == nil {
		return
	}
	ev.At = time.Now().UTC()
	if err := h.Audit.Publish(ctx, *ev); err != nil {
		metrics.AuditPublishErrors.Inc()
		h.log().Warn("audit publish failed", zap.String("kind", ev.Kind), zap.Error(err))
	}
}
