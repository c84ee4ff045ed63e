package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/charlesnunot/Stratos-sub003/internal/errs"
	"github.com/charlesnunot/Stratos-sub003/internal/models"
	"github.com/charlesnunot/Stratos-sub003/internal/provider/alipay"
	"github.com/charlesnunot/Stratos-sub003/internal/provider/paypal"
	"github.com/charlesnunot/Stratos-sub003/internal/provider/stripe"
	"github.com/charlesnunot/Stratos-sub003/internal/provider/wechatpay"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type webhookResponse struct {
	Received bool   `json:"received"`
	Created  bool   `json:"created"`
	Status   string `json:"status,omitempty"`
}

type captureResponse struct {
	Created     bool                 `json:"created"`
	Transaction *transactionResponse `json:"transaction"`
}

// StripeWebhook acks everything it has durably handled. Amount mismatches
// are acked too since a redelivery carries the same amount.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.Stripe == nil {
		writeError(w, http.StatusServiceUnavailable, "stripe not configured")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body failed")
		return
	}

	ev, err := h.Stripe.Parse(body, r.Header.Get("Stripe-Signature"))
	if errors.Is(err, stripe.ErrIgnoredEvent) {
		writeJSON(w, http.StatusOK, webhookResponse{Received: true, Status: "ignored"})
		return
	}
	if err != nil {
		h.Captures.Rejected(models.ProviderStripe, err)
		writeErr(w, err)
		return
	}

	out, err := h.Captures.HandleCapture(r.Context(), ev)
	switch {
	case errs.IsAmountMismatch(err):
		writeJSON(w, http.StatusOK, webhookResponse{Received: true, Status: string(models.TxFailed)})
	case err != nil:
		writeErr(w, err)
	default:
		writeJSON(w, http.StatusOK, webhookResponse{Received: true, Created: out.Created})
	}
}

// CapturePayPalOrder is called by the buyer's client after approval. The
// capture response is the evidence; no webhook is involved.
func (h *Handler) CapturePayPalOrder(w http.ResponseWriter, r *http.Request) {
	if h.PayPal == nil {
		writeError(w, http.StatusServiceUnavailable, "paypal not configured")
		return
	}
	orderID := chi.URLParam(r, "paypalOrderId")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "missing paypal order id")
		return
	}

	body, err := h.PayPal.CaptureOrder(r.Context(), orderID)
	if err != nil {
		h.log().Error("paypal capture failed", zap.String("paypal_order_id", orderID), zap.Error(err))
		if errors.Is(err, paypal.ErrConfigInvalid) {
			writeError(w, http.StatusServiceUnavailable, "paypal not configured")
			return
		}
		writeError(w, http.StatusBadGateway, "paypal capture failed")
		return
	}

	ev, err := paypal.ParseCapture(orderID, body)
	if err != nil {
		h.Captures.Rejected(models.ProviderPayPal, err)
		writeErr(w, err)
		return
	}
	out, err := h.Captures.HandleCapture(r.Context(), ev)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, captureResponse{Created: out.Created, Transaction: newTransactionResponse(out.Transaction)})
}

// AlipayNotify answers with the literal acks Alipay expects. Anything but
// "success" makes Alipay redeliver.
func (h *Handler) AlipayNotify(w http.ResponseWriter, r *http.Request) {
	ack := func(status int, body string) {
		writeText(w, status, "text/plain; charset=utf-8", []byte(body))
	}
	if h.Alipay == nil {
		ack(http.StatusServiceUnavailable, alipay.AckFailure)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := r.ParseForm(); err != nil {
		ack(http.StatusBadRequest, alipay.AckFailure)
		return
	}

	ev, err := h.Alipay.Parse(r.PostForm)
	if errors.Is(err, alipay.ErrNotPaid) {
		ack(http.StatusOK, alipay.AckSuccess)
		return
	}
	if err != nil {
		h.Captures.Rejected(models.ProviderAlipay, err)
		ack(errs.HTTPStatus(err), alipay.AckFailure)
		return
	}

	if _, err := h.Captures.HandleCapture(r.Context(), ev); err != nil && !errs.IsAmountMismatch(err) {
		ack(errs.HTTPStatus(err), alipay.AckFailure)
		return
	}
	ack(http.StatusOK, alipay.AckSuccess)
}

func (h *Handler) WeChatPayNotify(w http.ResponseWriter, r *http.Request) {
	ack := func(status int, ok bool, msg string) {
		writeText(w, status, "text/xml; charset=utf-8", wechatpay.Ack(ok, msg))
	}
	if h.WeChatPay == nil {
		ack(http.StatusServiceUnavailable, false, "not configured")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		ack(http.StatusBadRequest, false, "read body failed")
		return
	}

	ev, err := h.WeChatPay.Parse(body)
	if errors.Is(err, wechatpay.ErrNotPaid) {
		ack(http.StatusOK, true, "OK")
		return
	}
	if err != nil {
		h.Captures.Rejected(models.ProviderWeChatPay, err)
		ack(errs.HTTPStatus(err), false, "verification failed")
		return
	}

	if _, err := h.Captures.HandleCapture(r.Context(), ev); err != nil && !errs.IsAmountMismatch(err) {
		ack(errs.HTTPStatus(err), false, errs.Code(err))
		return
	}
	ack(http.StatusOK, true, "OK")
}
