package handlers

import (
	"net/http"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/Vinayak0723/cryptoexchange/libs/httpmiddleware"
	"github.com/Vinayak0723/cryptoexchange/services/identity/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type codeRequest struct {
	Code string `json:"code"`
}

var errInvalidCode = apperr.Validation("invalid verification code")

// SetupTwoFactor stores a pending secret. It only takes effect after EnableTwoFactor.
func (h *Handler) SetupTwoFactor(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		h.fail(c, apperr.ErrUnauthorized)
		return
	}
	ctx := c.Request.Context()
	user, err := h.Store.GetUserByID(ctx, userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if user.MFAEnabled {
		h.fail(c, apperr.Conflict("two-factor authentication is already enabled"))
		return
	}

	account := user.ID.String()
	if user.Email != nil {
		account = *user.Email
	}
	enrol, err := security.NewTOTP(h.TOTPIssuer, account)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.Store.SetMFA(ctx, userID, &enrol.Secret, false); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, enrol)
}

func (h *Handler) EnableTwoFactor(c *gin.Context) {
	h.toggleTwoFactor(c, true)
}

func (h *Handler) DisableTwoFactor(c *gin.Context) {
	h.toggleTwoFactor(c, false)
}

func (h *Handler) toggleTwoFactor(c *gin.Context, enable bool) {
	userID, ok := currentUser(c)
	if !ok {
		h.fail(c, apperr.ErrUnauthorized)
		return
	}
	var req codeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Code == "" {
		httpmiddleware.BadRequest(c, "code is required")
		return
	}

	ctx := c.Request.Context()
	user, err := h.Store.GetUserByID(ctx, userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if user.MFASecret == nil {
		h.fail(c, apperr.Validation("two-factor authentication has not been set up"))
		return
	}
	if user.MFAEnabled == enable {
		h.fail(c, apperr.Conflict("two-factor authentication is already in that state"))
		return
	}
	if !security.ValidateTOTP(req.Code, *user.MFASecret, h.Clock.Now()) {
		h.fail(c, errInvalidCode)
		return
	}

	secret := user.MFASecret
	action := "2fa.enable"
	if !enable {
		secret = nil
		action = "2fa.disable"
	}
	if err := h.Store.SetMFA(ctx, userID, secret, enable); err != nil {
		h.fail(c, err)
		return
	}
	h.recordAudit(c, userID, action, "user", &userID, nil)
	if !enable {
		c.JSON(http.StatusOK, gin.H{"mfa_enabled": false})
		return
	}
	codes, err := h.issueBackupCodes(c, userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mfa_enabled": true, "backup_codes": codes})
}

type twoFactorStatus struct {
	Enabled              bool `json:"is_enabled"`
	BackupCodesRemaining int  `json:"backup_codes_remaining"`
}

func (h *Handler) TwoFactorStatus(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		h.fail(c, apperr.ErrUnauthorized)
		return
	}
	user, err := h.Store.GetUserByID(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	status := twoFactorStatus{Enabled: user.MFAEnabled}
	if user.MFAEnabled {
		status.BackupCodesRemaining = len(user.BackupCodes)
	}
	c.JSON(http.StatusOK, status)
}

// RegenerateBackupCodes replaces every unused code. It needs a current TOTP code so a
// stolen session cannot mint recovery codes.
func (h *Handler) RegenerateBackupCodes(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		h.fail(c, apperr.ErrUnauthorized)
		return
	}
	var req codeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Code == "" {
		httpmiddleware.BadRequest(c, "code is required")
		return
	}
	user, err := h.Store.GetUserByID(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !user.MFAEnabled || user.MFASecret == nil {
		h.fail(c, apperr.Validation("two-factor authentication is not enabled"))
		return
	}
	if !security.ValidateTOTP(req.Code, *user.MFASecret, h.Clock.Now()) {
		h.fail(c, errInvalidCode)
		return
	}
	codes, err := h.issueBackupCodes(c, userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.recordAudit(c, userID, "2fa.backup_codes_regenerated", "user", &userID, nil)
	c.JSON(http.StatusOK, gin.H{"backup_codes": codes})
}

// issueBackupCodes stores fresh code digests and returns the codes for one-time display.
func (h *Handler) issueBackupCodes(c *gin.Context, userID uuid.UUID) ([]string, error) {
	codes, err := security.NewBackupCodes()
	if err != nil {
		return nil, err
	}
	if err := h.Store.SetBackupCodes(c.Request.Context(), userID, security.Digests(codes)); err != nil {
		return nil, err
	}
	return security.Plain(codes), nil
}
