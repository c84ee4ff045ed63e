package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/charlesnunot/Stratos-sub003/internal/audit"
	"github.com/charlesnunot/Stratos-sub003/internal/commissions"
	"github.com/charlesnunot/Stratos-sub003/internal/debts"
	"github.com/charlesnunot/Stratos-sub003/internal/deposits"
	"github.com/charlesnunot/Stratos-sub003/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type lotResponse struct {
	ID              string `json:"id"`
	SellerID        string `json:"sellerId"`
	RequiredAmount  string `json:"requiredAmount"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
	HeldAt          string `json:"heldAt,omitempty"`
	RefundableAt    string `json:"refundableAt,omitempty"`
	RefundedAmount  string `json:"refundedAmount,omitempty"`
	RefundFeeAmount string `json:"refundFeeAmount,omitempty"`
	ForfeitReason   string `json:"forfeitReason,omitempty"`
}

func newLotResponse(l *models.DepositLot) *lotResponse {
	if l == nil {
		return nil
	}
	resp := &lotResponse{
		ID:             l.ID,
		SellerID:       l.SellerID,
		RequiredAmount: l.RequiredAmount.StringFixed(2),
		Currency:       l.Currency,
		Status:         string(l.Status),
		ForfeitReason:  l.ForfeitReason,
	}
	if l.HeldAt != nil {
		resp.HeldAt = l.HeldAt.Format(time.RFC3339)
	}
	if l.RefundableAt != nil {
		resp.RefundableAt = l.RefundableAt.Format(time.RFC3339)
	}
	if l.RefundedAmount.Valid {
		resp.RefundedAmount = l.RefundedAmount.Decimal.StringFixed(2)
	}
	if l.RefundFeeAmount.Valid {
		resp.RefundFeeAmount = l.RefundFeeAmount.Decimal.StringFixed(2)
	}
	return resp
}

func lotEvent(l *models.DepositLot) *audit.Event {
	return &audit.Event{
		Kind:      audit.KindDeposit,
		RelatedID: l.ID,
		Amount:    l.RequiredAmount.String(),
		Currency:  l.Currency,
		Result:    string(l.Status),
		Detail:    map[string]string{"seller_id": l.SellerID},
	}
}

func (h *Handler) InitiateDepositPayment(w http.ResponseWriter, r *http.Request) {
	init, err := h.Deposits.InitiateDepositPayment(r.Context(), h.Store, chi.URLParam(r, "lotId"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lotId":     init.LotID,
		"reference": init.Reference,
		"amount":    init.Amount.StringFixed(2),
		"currency":  init.Currency,
		"metadata":  init.Metadata,
	})
}

func (h *Handler) RequestRefund(w http.ResponseWriter, r *http.Request) {
	lot, err := h.Deposits.RequestRefund(r.Context(), h.Store, chi.URLParam(r, "lotId"))
	if err != nil {
		writeErr(w, err)
		return
	}
	h.dispatch(r.Context(), nil, lotEvent(lot))
	writeJSON(w, http.StatusOK, newLotResponse(lot))
}

func (h *Handler) MarkRefundable(w http.ResponseWriter, r *http.Request) {
	lot, notices, err := h.Deposits.MarkRefundable(r.Context(), h.Store, chi.URLParam(r, "lotId"))
	if err != nil {
		writeErr(w, err)
		return
	}
	h.dispatch(r.Context(), notices, lotEvent(lot))
	writeJSON(w, http.StatusOK, newLotResponse(lot))
}

type completeRefundRequest struct {
	RefundedAmount decimal.Decimal `json:"refundedAmount"`
	FeeAmount      decimal.Decimal `json:"feeAmount"`
}

func (h *Handler) CompleteRefund(w http.ResponseWriter, r *http.Request) {
	var req completeRefundRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	lot, notices, err := h.Deposits.CompleteRefund(r.Context(), h.Store, chi.URLParam(r, "lotId"), req.RefundedAmount, req.FeeAmount)
	if errors.Is(err, deposits.ErrInvalidRefund) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	h.dispatch(r.Context(), notices, lotEvent(lot))
	writeJSON(w, http.StatusOK, newLotResponse(lot))
}

type forfeitRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Forfeit(w http.ResponseWriter, r *http.Request) {
	var req forfeitRequest
	if err := decodeJSON(r, &req); err != nil || req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	lot, notices, err := h.Deposits.Forfeit(r.Context(), h.Store, chi.URLParam(r, "lotId"), req.Reason)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.dispatch(r.Context(), notices, lotEvent(lot))
	writeJSON(w, http.StatusOK, newLotResponse(lot))
}

type evaluationResponse struct {
	SellerID  string       `json:"sellerId"`
	Currency  string       `json:"currency"`
	Exposure  string       `json:"exposure"`
	Allowance string       `json:"allowance"`
	Held      string       `json:"held"`
	Shortfall string       `json:"shortfall"`
	Lot       *lotResponse `json:"lot,omitempty"`
	Created   bool         `json:"created"`
}

func (h *Handler) EvaluateExposure(w http.ResponseWriter, r *http.Request) {
	ev, notices, err := h.Deposits.EvaluateExposure(r.Context(), h.Store, chi.URLParam(r, "sellerId"))
	if err != nil {
		writeErr(w, err)
		return
	}
	var event *audit.Event
	if ev.Lot != nil {
		event = lotEvent(ev.Lot)
	}
	h.dispatch(r.Context(), notices, event)
	writeJSON(w, http.StatusOK, evaluationResponse{
		SellerID:  ev.SellerID,
		Currency:  ev.Currency,
		Exposure:  ev.Exposure.StringFixed(2),
		Allowance: ev.Allowance.StringFixed(2),
		Held:      ev.Held.StringFixed(2),
		Shortfall: ev.Shortfall.StringFixed(2),
		Lot:       newLotResponse(ev.Lot),
		Created:   ev.Created,
	})
}

type payoutResponse struct {
	ObligationID  string                 `json:"obligationId"`
	Funding       string                 `json:"funding"`
	Transfers     []commissions.Transfer `json:"transfers"`
	CommissionIDs []string               `json:"commissionIds"`
}

// PayObligation never runs inside a store transaction: it waits on
// outbound transfers.
func (h *Handler) PayObligation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "obligationId")
	payout, err := h.Commissions.PayObligation(r.Context(), h.Store, id)
	if err != nil {
		h.dispatch(r.Context(), nil, &audit.Event{Kind: audit.KindPayout, RelatedID: id, Result: "error", Detail: map[string]string{"error": err.Error()}})
		writeErr(w, err)
		return
	}
	h.dispatch(r.Context(), nil, &audit.Event{Kind: audit.KindPayout, RelatedID: id, Result: "paid", Detail: map[string]string{"funding": string(payout.Funding)}})
	writeJSON(w, http.StatusOK, payoutResponse{
		ObligationID:  payout.ObligationID,
		Funding:       string(payout.Funding),
		Transfers:     payout.Transfers,
		CommissionIDs: payout.CommissionIDs,
	})
}

type createDebtRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Reason   string          `json:"reason"`
}

type debtResponse struct {
	ID              string `json:"id"`
	SellerID        string `json:"sellerId"`
	DebtAmount      string `json:"debtAmount"`
	CollectedAmount string `json:"collectedAmount"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
	Reason          string `json:"reason,omitempty"`
}

func (h *Handler) CreateDebt(w http.ResponseWriter, r *http.Request) {
	var req createDebtRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	d, err := h.Debts.CreateDebt(r.Context(), h.Store, chi.URLParam(r, "sellerId"), req.Amount, req.Currency, req.Reason)
	if err != nil {
		if errors.Is(err, debts.ErrInvalidAmount) || errors.Is(err, debts.ErrMissingSeller) || errors.Is(err, debts.ErrBadCurrency) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, debtResponse{
		ID:              d.ID,
		SellerID:        d.SellerID,
		DebtAmount:      d.DebtAmount.StringFixed(2),
		CollectedAmount: d.CollectedAmount.StringFixed(2),
		Currency:        d.Currency,
		Status:          string(d.Status),
		Reason:          d.Reason,
	})
}

func (h *Handler) CollectDebts(w http.ResponseWriter, r *http.Request) {
	sellerID := chi.URLParam(r, "sellerId")
	res, notices, err := h.Debts.CollectFromDeposit(r.Context(), h.Store, sellerID)
	if err != nil {
		// Draws that committed before the failure are still reported.
		h.dispatch(r.Context(), notices, nil)
		writeErr(w, err)
		return
	}
	for _, d := range res.Draws {
		h.dispatch(r.Context(), nil, &audit.Event{
			Kind:      audit.KindDebtCollection,
			RelatedID: d.DebtID,
			Amount:    d.DebtAmount.String(),
			Currency:  d.DebtCurrency,
			Result:    "collected",
			Detail:    map[string]string{"lot_id": d.LotID, "seller_id": sellerID},
		})
	}
	h.dispatch(r.Context(), notices, nil)
	writeJSON(w, http.StatusOK, res)
}
