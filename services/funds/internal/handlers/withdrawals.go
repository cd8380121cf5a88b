package handlers

import (
	"net/http"

	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/withdrawal"
	"github.com/gin-gonic/gin"
)

type fiatWithdrawalRequest struct {
	Amount         string `json:"amount" validate:"required,amount"`
	SourceCurrency string `json:"source_currency" validate:"omitempty,currency"`
	BankAccount    string `json:"bank_account_number" validate:"required,bank_account"`
	IFSC           string `json:"ifsc_code" validate:"required,ifsc"`
	HolderName     string `json:"account_holder_name" validate:"required,max=200"`
}

type cryptoWithdrawalRequest struct {
	Currency  string `json:"currency" validate:"required,currency"`
	Amount    string `json:"amount" validate:"required,amount"`
	Chain     string `json:"chain" validate:"omitempty,alpha,max=32"`
	ToAddress string `json:"to_address" validate:"required,eth_addr"`
}

type twoFactorRequest struct {
	Code string `json:"code" validate:"required,numeric,len=6"`
}

func (h *Handler) RequestFiatWithdrawal(c *gin.Context) {
	userID, ok := h.user(c)
	if !ok {
		return
	}
	var req fiatWithdrawalRequest
	if !h.bind(c, &req) {
		return
	}
	w, err := h.Withdrawals.RequestFiat(ctx(c), withdrawal.FiatRequest{
		UserID:         userID,
		Amount:         amount(req.Amount),
		SourceCurrency: req.SourceCurrency,
		BankAccount:    req.BankAccount,
		IFSC:           req.IFSC,
		HolderName:     req.HolderName,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (h *Handler) RequestCryptoWithdrawal(c *gin.Context) {
	userID, ok := h.user(c)
	if !ok {
		return
	}
	var req cryptoWithdrawalRequest
	if !h.bind(c, &req) {
		return
	}
	w, err := h.Withdrawals.RequestCrypto(ctx(c), withdrawal.CryptoRequest{
		UserID:    userID,
		Currency:  req.Currency,
		Amount:    amount(req.Amount),
		Chain:     req.Chain,
		ToAddress: req.ToAddress,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (h *Handler) VerifyWithdrawal2FA(c *gin.Context) {
	userID, ok := h.user(c)
	if !ok {
		return
	}
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	var req twoFactorRequest
	if !h.bind(c, &req) {
		return
	}
	w, err := h.Withdrawals.VerifyTwoFactor(ctx(c), id, userID, req.Code)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handler) CancelWithdrawal(c *gin.Context) {
	userID, ok := h.user(c)
	if !ok {
		return
	}
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	w, err := h.Withdrawals.Cancel(ctx(c), id, userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handler) ListWithdrawals(c *gin.Context) {
	userID, ok := h.user(c)
	if !ok {
		return
	}
	list, err := h.Withdrawals.List(ctx(c), userID, page(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": list})
}

func (h *Handler) GetWithdrawal(c *gin.Context) {
	userID, ok := h.user(c)
	if !ok {
		return
	}
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	w, err := h.Withdrawals.Get(ctx(c), id, userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}
