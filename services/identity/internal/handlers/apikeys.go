package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apikey"
	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/Vinayak0723/cryptoexchange/libs/httpmiddleware"
	"github.com/Vinayak0723/cryptoexchange/services/identity/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const maxAPIKeyLabel = 64

type createAPIKeyRequest struct {
	Label       string     `json:"label"`
	Permissions []string   `json:"permissions"`
	IPWhitelist []string   `json:"ip_whitelist"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

type createAPIKeyResponse struct {
	storage.APIKey
	Key string `json:"key"`
}

func (h *Handler) CreateAPIKey(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		h.fail(c, apperr.ErrUnauthorized)
		return
	}
	var req createAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmiddleware.BadRequest(c, "invalid payload")
		return
	}

	label := strings.TrimSpace(req.Label)
	if len(label) > maxAPIKeyLabel {
		h.fail(c, apperr.Validationf("label must be at most %d characters", maxAPIKeyLabel))
		return
	}
	perms, err := apikey.NormalizePermissions(req.Permissions)
	if err != nil {
		h.fail(c, apperr.Validation(err.Error()))
		return
	}
	if err := apikey.ValidateIPWhitelist(req.IPWhitelist); err != nil {
		h.fail(c, apperr.Validation(err.Error()))
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(h.Clock.Now()) {
		h.fail(c, apperr.Validation("expires_at must be in the future"))
		return
	}

	fullKey, prefix, hash, err := apikey.Generate(h.APIKeyEnv)
	if err != nil {
		h.fail(c, err)
		return
	}
	key, err := h.Store.CreateAPIKey(c.Request.Context(), userID, prefix, hash, label, perms, req.IPWhitelist, req.ExpiresAt)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.recordAudit(c, userID, "api_key.create", "api_key", &key.ID, map[string]string{"permissions": strings.Join(perms, ",")})
	c.JSON(http.StatusCreated, createAPIKeyResponse{APIKey: key, Key: fullKey})
}

func (h *Handler) ListAPIKeys(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		h.fail(c, apperr.ErrUnauthorized)
		return
	}
	keys, err := h.Store.ListAPIKeys(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if keys == nil {
		keys = []storage.APIKey{}
	}
	c.JSON(http.StatusOK, gin.H{"items": keys})
}

func (h *Handler) RevokeAPIKey(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		h.fail(c, apperr.ErrUnauthorized)
		return
	}
	keyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpmiddleware.BadRequest(c, "invalid key id")
		return
	}
	revoked, err := h.Store.RevokeAPIKey(c.Request.Context(), userID, keyID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !revoked {
		h.fail(c, apperr.NotFound("api key"))
		return
	}
	h.recordAudit(c, userID, "api_key.revoke", "api_key", &keyID, nil)
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}
