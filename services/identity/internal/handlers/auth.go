package handlers

import (
	"net/http"
	"strings"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/Vinayak0723/cryptoexchange/libs/httpmiddleware"
	"github.com/Vinayak0723/cryptoexchange/services/identity/internal/rate"
	"github.com/Vinayak0723/cryptoexchange/services/identity/internal/security"
	"github.com/Vinayak0723/cryptoexchange/services/identity/internal/storage"
	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	MFACode  string `json:"mfa_code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

var errInvalidCredentials = apperr.New(apperr.KindUnauthorized, "invalid credentials")

func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Password == "" {
		httpmiddleware.BadRequest(c, "invalid payload")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !h.limit(c, h.Limits.Login, rate.Email(email)) {
		return
	}

	attempt := storage.LoginAttempt{Subject: email, Method: "password", IP: c.ClientIP()}

	user, err := h.Store.GetUserByEmail(c.Request.Context(), email)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			h.recordAttempt(c, attempt, "unknown_user")
			h.fail(c, errInvalidCredentials)
			return
		}
		h.fail(c, err)
		return
	}
	attempt.UserID = &user.ID

	ok, err := security.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil || !ok {
		h.recordAttempt(c, attempt, "bad_password")
		h.fail(c, errInvalidCredentials)
		return
	}
	if user.Status != storage.UserStatusActive {
		h.recordAttempt(c, attempt, "inactive")
		h.fail(c, apperr.New(apperr.KindForbidden, "account is not active"))
		return
	}

	if user.MFAEnabled {
		if strings.TrimSpace(req.MFACode) == "" {
			h.recordAttempt(c, attempt, "mfa_required")
			h.fail(c, apperr.New(apperr.KindUnauthorized, "mfa required"))
			return
		}
		ok, err := h.secondFactor(c, user, req.MFACode)
		if err != nil {
			h.fail(c, err)
			return
		}
		if !ok {
			h.recordAttempt(c, attempt, "mfa_invalid")
			h.fail(c, apperr.New(apperr.KindUnauthorized, "invalid mfa code"))
			return
		}
	}

	resp, err := h.issueSession(c, user, "")
	if err != nil {
		h.fail(c, err)
		return
	}
	attempt.Success = true
	h.recordAttempt(c, attempt, "")
	c.JSON(http.StatusOK, resp)
}

// secondFactor accepts a TOTP code or, failing that, consumes an unused backup code.
func (h *Handler) secondFactor(c *gin.Context, user *storage.User, code string) (bool, error) {
	if user.MFASecret != nil && security.ValidateTOTP(code, *user.MFASecret, h.Clock.Now()) {
		return true, nil
	}
	used, err := h.Store.ConsumeBackupCode(c.Request.Context(), user.ID, security.BackupCodeDigest(code))
	if err != nil || !used {
		return false, err
	}
	h.recordAudit(c, user.ID, "2fa.backup_code_used", "user", &user.ID, nil)
	return true, nil
}

func (h *Handler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		httpmiddleware.BadRequest(c, "invalid payload")
		return
	}

	providedHash := security.Digest(req.RefreshToken)
	ctx := c.Request.Context()

	token, err := h.Store.GetRefreshTokenByHash(ctx, providedHash)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			h.fail(c, apperr.New(apperr.KindUnauthorized, "invalid token"))
			return
		}
		h.fail(c, err)
		return
	}

	if token.RevokedAt != nil {
		if err := h.Store.RevokeAllTokens(ctx, token.UserID); err != nil {
			h.Logger.Error("revoke token family failed", "error", err, "user_id", token.UserID)
		}
		h.Logger.Warn("refresh token reuse detected", "user_id", token.UserID)
		h.fail(c, apperr.New(apperr.KindUnauthorized, "token reuse detected"))
		return
	}

	now := h.Clock.Now()
	if token.ExpiresAt.Before(now) {
		_ = h.Store.RevokeTokenByHash(ctx, providedHash)
		h.fail(c, apperr.New(apperr.KindUnauthorized, "token expired"))
		return
	}

	user, err := h.Store.GetUserByID(ctx, token.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	next, err := h.Minter.RefreshToken()
	if err != nil {
		h.fail(c, err)
		return
	}
	if _, err := h.Store.RotateToken(ctx, token.ID, token.UserID, next.Digest, now.Add(h.RefreshTTL), c.ClientIP(), c.Request.UserAgent()); err != nil {
		h.fail(c, err)
		return
	}

	access, err := h.Tokens.Sign(security.AccessToken{UserID: user.ID, Roles: user.Roles}, now)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, authResponse{
		AccessToken:  access,
		RefreshToken: next.Plain,
		ExpiresIn:    int64(h.Tokens.TTL.Seconds()),
		UserID:       user.ID.String(),
	})
}

func (h *Handler) Logout(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		httpmiddleware.BadRequest(c, "invalid payload")
		return
	}
	if err := h.Store.RevokeTokenByHash(c.Request.Context(), security.Digest(req.RefreshToken)); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) recordAttempt(c *gin.Context, a storage.LoginAttempt, reason string) {
	a.Reason = reason
	if err := h.Store.RecordLoginAttempt(c.Request.Context(), a); err != nil {
		h.Logger.Warn("login attempt insert failed", "error", err)
	}
	h.trackAddress(c, a)
}

// trackAddress feeds the blocker. A password accepted before the second factor is
// asked for is neither a failure nor a success.
func (h *Handler) trackAddress(c *gin.Context, a storage.LoginAttempt) {
	if h.Limits.Blocker == nil || a.Reason == "mfa_required" {
		return
	}
	ctx := c.Request.Context()
	if a.Success {
		if err := h.Limits.Blocker.Clear(ctx, a.IP); err != nil {
			h.Logger.Warn("clear failed attempts failed", "error", err)
		}
		return
	}
	tripped, err := h.Limits.Blocker.Fail(ctx, a.IP, a.Reason, h.Clock.Now())
	if err != nil {
		h.Logger.Warn("record failed attempt failed", "error", err)
		return
	}
	if tripped {
		h.Logger.Warn("address blocked after repeated failures", "ip", a.IP, "method", a.Method, "reason", a.Reason)
	}
}
