package handlers

import (
	"io"
	"net/http"

	"github.com/Vinayak0723/cryptoexchange/libs/httpmiddleware"
	"github.com/gin-gonic/gin"
)

const webhookSignatureHeader = "X-Razorpay-Signature"

const maxWebhookBody = 1 << 20

type fiatDepositRequest struct {
	Amount   string `json:"amount" validate:"required,amount"`
	Currency string `json:"currency" validate:"omitempty,currency"`
}

type fiatVerifyRequest struct {
	OrderID   string `json:"razorpay_order_id" validate:"required,max=64"`
	PaymentID string `json:"razorpay_payment_id" validate:"required,max=64"`
	Signature string `json:"razorpay_signature" validate:"required,hexadecimal"`
}

type cryptoDepositRequest struct {
	TxHash   string `json:"tx_hash" validate:"required"`
	Chain    string `json:"chain" validate:"omitempty,alpha,max=32"`
	Currency string `json:"currency" validate:"omitempty,currency"`
}

func (h *Handler) CreateFiatDeposit(c *gin.Context) {
	userID, ok := h.user(c)
	if !ok {
		return
	}
	var req fiatDepositRequest
	if !h.bind(c, &req) {
		return
	}
	order, err := h.Deposits.CreateFiat(ctx(c), userID, amount(req.Amount), req.Currency)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (h *Handler) VerifyFiatDeposit(c *gin.Context) {
	userID, ok := h.user(c)
	if !ok {
		return
	}
	var req fiatVerifyRequest
	if !h.bind(c, &req) {
		return
	}
	res, err := h.Deposits.VerifyFiat(ctx(c), userID, req.OrderID, req.PaymentID, req.Signature)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) SubmitCryptoDeposit(c *gin.Context) {
	userID, ok := h.user(c)
	if !ok {
		return
	}
	var req cryptoDepositRequest
	if !h.bind(c, &req) {
		return
	}
	d, err := h.Deposits.SubmitCrypto(ctx(c), userID, req.TxHash, req.Chain, req.Currency)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, d)
}

func (h *Handler) DepositAddress(c *gin.Context) {
	info, err := h.Deposits.DepositAddress(c.DefaultQuery("chain", "ethereum"), c.DefaultQuery("currency", "ETH"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *Handler) ListDeposits(c *gin.Context) {
	userID, ok := h.user(c)
	if !ok {
		return
	}
	list, err := h.Deposits.List(ctx(c), userID, page(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deposits": list})
}

func (h *Handler) GetDeposit(c *gin.Context) {
	userID, ok := h.user(c)
	if !ok {
		return
	}
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	d, err := h.Deposits.Get(ctx(c), id, userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// PaymentWebhook is called by the gateway and authenticated by the body signature only.
func (h *Handler) PaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil || len(payload) == 0 {
		httpmiddleware.BadRequest(c, "empty webhook body")
		return
	}
	res, err := h.Deposits.HandleWebhook(ctx(c), payload, c.GetHeader(webhookSignatureHeader))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "event": res.Event, "ignored": res.Ignored})
}
