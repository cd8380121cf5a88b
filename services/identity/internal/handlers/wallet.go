package handlers

import (
	"net/http"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/Vinayak0723/cryptoexchange/libs/httpmiddleware"
	"github.com/Vinayak0723/cryptoexchange/services/identity/internal/nonce"
	"github.com/Vinayak0723/cryptoexchange/services/identity/internal/rate"
	"github.com/Vinayak0723/cryptoexchange/services/identity/internal/storage"
	"github.com/Vinayak0723/cryptoexchange/services/identity/internal/wallet"
	"github.com/gin-gonic/gin"
)

type nonceRequest struct {
	WalletAddress string `json:"wallet_address"`
}

type proofRequest struct {
	WalletAddress string `json:"wallet_address"`
	Nonce         string `json:"nonce"`
	Signature     string `json:"signature"`
	WalletType    string `json:"wallet_type"`
	ChainID       int64  `json:"chain_id"`
}

func (r proofRequest) proof() wallet.Proof {
	return wallet.Proof{Address: r.WalletAddress, Nonce: r.Nonce, Signature: r.Signature}
}

func (r proofRequest) valid() bool {
	return r.WalletAddress != "" && r.Nonce != "" && r.Signature != ""
}

func (h *Handler) WalletNonce(c *gin.Context) {
	var req nonceRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.WalletAddress == "" {
		httpmiddleware.BadRequest(c, "wallet_address is required")
		return
	}
	if !h.limit(c, h.Limits.Nonce, rate.Wallet(req.WalletAddress)) {
		return
	}
	n, err := h.Wallets.IssueNonce(c.Request.Context(), req.WalletAddress)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (h *Handler) WalletVerify(c *gin.Context) {
	var req proofRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.valid() {
		httpmiddleware.BadRequest(c, "wallet_address, nonce and signature are required")
		return
	}
	if !h.limit(c, h.Limits.Login, rate.Wallet(req.WalletAddress)) {
		return
	}

	user, created, err := h.Wallets.SignIn(c.Request.Context(), req.proof())
	attempt := storage.LoginAttempt{Subject: req.WalletAddress, Method: "wallet", IP: c.ClientIP()}
	if err != nil {
		reason := string(apperr.KindOf(err))
		h.recordAttempt(c, attempt, reason)
		h.fail(c, err)
		return
	}
	attempt.UserID = &user.ID

	checksummed, _ := nonce.NormalizeAddress(req.WalletAddress)
	resp, err := h.issueSession(c, user, checksummed)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp.IsNewUser = created
	attempt.Success = true
	h.recordAttempt(c, attempt, "")
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) WalletConnect(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		h.fail(c, apperr.ErrUnauthorized)
		return
	}
	var req proofRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.valid() {
		httpmiddleware.BadRequest(c, "wallet_address, nonce and signature are required")
		return
	}

	conn, err := h.Wallets.Connect(c.Request.Context(), userID, req.proof(), req.WalletType, req.ChainID)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.recordAudit(c, userID, "wallet.connect", "wallet_connection", &conn.ID, map[string]string{"address": conn.Address})
	c.JSON(http.StatusOK, conn)
}

func (h *Handler) WalletDisconnect(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		h.fail(c, apperr.ErrUnauthorized)
		return
	}
	var req nonceRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.WalletAddress == "" {
		httpmiddleware.BadRequest(c, "wallet_address is required")
		return
	}
	if err := h.Wallets.Disconnect(c.Request.Context(), userID, req.WalletAddress); err != nil {
		h.fail(c, err)
		return
	}
	h.recordAudit(c, userID, "wallet.disconnect", "wallet_connection", nil, map[string]string{"address": req.WalletAddress})
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) ListWallets(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		h.fail(c, apperr.ErrUnauthorized)
		return
	}
	wallets, err := h.Wallets.List(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if wallets == nil {
		wallets = []storage.WalletConnection{}
	}
	c.JSON(http.StatusOK, gin.H{"items": wallets})
}
