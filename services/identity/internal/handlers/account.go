package handlers

import (
	"net/http"
	"strings"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/Vinayak0723/cryptoexchange/services/identity/internal/rate"
	"github.com/Vinayak0723/cryptoexchange/services/identity/internal/security"
	"github.com/Vinayak0723/cryptoexchange/services/identity/internal/storage"
	"github.com/gin-gonic/gin"
)

const auditPageSize = 100

type registerRequest struct {
	Email           string `json:"email" validate:"required,email,max=254"`
	Password        string `json:"password" validate:"required,min=10,max=128"`
	PasswordConfirm string `json:"password_confirm" validate:"required,eqfield=Password"`
	FirstName       string `json:"first_name" validate:"max=150"`
	LastName        string `json:"last_name" validate:"max=150"`
}

type changePasswordRequest struct {
	OldPassword        string `json:"old_password" validate:"required"`
	NewPassword        string `json:"new_password" validate:"required,min=10,max=128,nefield=OldPassword"`
	NewPasswordConfirm string `json:"new_password_confirm" validate:"required,eqfield=NewPassword"`
}

type profileResponse struct {
	ID          string   `json:"id"`
	Email       *string  `json:"email,omitempty"`
	FirstName   string   `json:"first_name"`
	LastName    string   `json:"last_name"`
	KYCLevel    int      `json:"kyc_level"`
	Roles       []string `json:"roles"`
	MFAEnabled  bool     `json:"mfa_enabled"`
	HasPassword bool     `json:"has_password"`
}

// Register creates an email account and signs it in.
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if !h.bind(c, &req) {
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !h.limit(c, h.Limits.Register, rate.Email(email)) {
		return
	}

	hash, err := security.HashPassword(req.Password, h.Argon2)
	if err != nil {
		h.fail(c, apperr.Validation(err.Error()))
		return
	}
	user, err := h.Store.CreatePasswordUser(c.Request.Context(), email, hash, strings.TrimSpace(req.FirstName), strings.TrimSpace(req.LastName))
	if err != nil {
		h.fail(c, err)
		return
	}
	resp, err := h.issueSession(c, user, "")
	if err != nil {
		h.fail(c, err)
		return
	}
	resp.IsNewUser = true
	h.recordAudit(c, user.ID, "user.register", "user", &user.ID, nil)
	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) Me(c *gin.Context) {
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
	c.JSON(http.StatusOK, profileResponse{
		ID:          user.ID.String(),
		Email:       user.Email,
		FirstName:   user.FirstName,
		LastName:    user.LastName,
		KYCLevel:    user.KYCLevel,
		Roles:       user.Roles,
		MFAEnabled:  user.MFAEnabled,
		HasPassword: user.HasPassword(),
	})
}

// ChangePassword replaces the password and signs every session out.
func (h *Handler) ChangePassword(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		h.fail(c, apperr.ErrUnauthorized)
		return
	}
	var req changePasswordRequest
	if !h.bind(c, &req) {
		return
	}

	ctx := c.Request.Context()
	user, err := h.Store.GetUserByID(ctx, userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !user.HasPassword() {
		h.fail(c, apperr.Validation("account has no password; sign in with a wallet"))
		return
	}
	if ok, err := security.VerifyPassword(req.OldPassword, user.PasswordHash); err != nil || !ok {
		h.fail(c, apperr.Validation("old_password is incorrect"))
		return
	}

	hash, err := security.HashPassword(req.NewPassword, h.Argon2)
	if err != nil {
		h.fail(c, apperr.Validation(err.Error()))
		return
	}
	if err := h.Store.SetPassword(ctx, userID, hash); err != nil {
		h.fail(c, err)
		return
	}
	if err := h.Store.RevokeAllTokens(ctx, userID); err != nil {
		h.Logger.Error("revoke sessions after password change failed", "error", err, "user_id", userID)
	}
	h.recordAudit(c, userID, "password.change", "user", &userID, nil)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListAuditLogs shows the caller the newest entries about their account, including fund
// movements recorded by the funds service.
func (h *Handler) ListAuditLogs(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		h.fail(c, apperr.ErrUnauthorized)
		return
	}
	logs, err := h.Store.ListAuditLogs(c.Request.Context(), userID, auditPageSize)
	if err != nil {
		h.fail(c, err)
		return
	}
	if logs == nil {
		logs = []storage.AuditEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"items": logs})
}
