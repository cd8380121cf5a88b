package handlers

import (
	"net/http"
	"strings"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/Vinayak0723/cryptoexchange/libs/httpmiddleware"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/storage"
	"github.com/gin-gonic/gin"
)

type approveRequest struct {
	TransferRef string `json:"utr_number" validate:"omitempty,max=64"`
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (h *Handler) AdminPendingWithdrawals(c *gin.Context) {
	kind := storage.Kind(strings.ToLower(c.Query("kind")))
	if kind != "" && kind != storage.KindFiat && kind != storage.KindCrypto {
		httpmiddleware.BadRequest(c, "kind must be fiat or crypto")
		return
	}
	list, err := h.Withdrawals.ListPending(ctx(c), kind)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": list})
}

// AdminApproveWithdrawal settles a fiat payout with its bank reference or broadcasts a crypto
// withdrawal, depending on the request kind.
func (h *Handler) AdminApproveWithdrawal(c *gin.Context) {
	adminID, ok := h.user(c)
	if !ok {
		return
	}
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	var req approveRequest
	if c.Request.ContentLength > 0 && !h.bind(c, &req) {
		return
	}

	w, err := h.Withdrawals.Lookup(ctx(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	switch w.Kind {
	case storage.KindFiat:
		w, err = h.Withdrawals.ApproveFiat(ctx(c), id, adminID, req.TransferRef)
	case storage.KindCrypto:
		w, err = h.Withdrawals.ApproveCrypto(ctx(c), id, adminID)
	default:
		err = apperr.InvalidState("unknown withdrawal kind " + string(w.Kind))
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handler) AdminRejectWithdrawal(c *gin.Context) {
	adminID, ok := h.user(c)
	if !ok {
		return
	}
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	var req rejectRequest
	if c.Request.ContentLength > 0 && !h.bind(c, &req) {
		return
	}
	w, err := h.Withdrawals.Reject(ctx(c), id, adminID, req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}
