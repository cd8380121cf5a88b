package handlers

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/Vinayak0723/cryptoexchange/libs/auth"
	"github.com/Vinayak0723/cryptoexchange/libs/httpmiddleware"
	"github.com/Vinayak0723/cryptoexchange/services/identity/internal/rate"
	"github.com/Vinayak0723/cryptoexchange/services/identity/internal/security"
	"github.com/Vinayak0723/cryptoexchange/services/identity/internal/storage"
	"github.com/Vinayak0723/cryptoexchange/services/identity/internal/wallet"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Store is the persistence the handlers need beyond wallet linking.
type Store interface {
	GetUserByEmail(ctx context.Context, email string) (*storage.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*storage.User, error)
	CreatePasswordUser(ctx context.Context, email, passwordHash, firstName, lastName string) (*storage.User, error)
	SetPassword(ctx context.Context, userID uuid.UUID, passwordHash string) error
	SetMFA(ctx context.Context, userID uuid.UUID, secret *string, enabled bool) error
	SetBackupCodes(ctx context.Context, userID uuid.UUID, digests []string) error
	ConsumeBackupCode(ctx context.Context, userID uuid.UUID, digest string) (bool, error)
	RecordLoginAttempt(ctx context.Context, a storage.LoginAttempt) error
	InsertAudit(ctx context.Context, log storage.AuditLog) error
	ListAuditLogs(ctx context.Context, userID uuid.UUID, limit int) ([]storage.AuditEntry, error)

	GetRefreshTokenByHash(ctx context.Context, hash string) (*storage.RefreshToken, error)
	CreateRefreshToken(ctx context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time, ip string, userAgent string) (uuid.UUID, error)
	RotateToken(ctx context.Context, oldTokenID uuid.UUID, userID uuid.UUID, newHash string, expiresAt time.Time, ip string, userAgent string) (uuid.UUID, error)
	RevokeTokenByHash(ctx context.Context, hash string) error
	RevokeAllTokens(ctx context.Context, userID uuid.UUID) error

	CreateAPIKey(ctx context.Context, userID uuid.UUID, prefix, keyHash, label string, perms, ipWhitelist []string, expiresAt *time.Time) (storage.APIKey, error)
	ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]storage.APIKey, error)
	RevokeAPIKey(ctx context.Context, userID, keyID uuid.UUID) (bool, error)
}

type Options struct {
	JWTSecret  string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	TOTPIssuer string
	APIKeyEnv  string
	Argon2     security.Argon2Params
}

// Limits throttles the unauthenticated endpoints. Nil throttles and a nil Blocker
// disable the corresponding check.
type Limits struct {
	Login    *rate.Throttle
	Nonce    *rate.Throttle
	Register *rate.Throttle
	Blocker  rate.Blocker
}

type Handler struct {
	Store       Store
	Wallets     *wallet.Authenticator
	Logger      *slog.Logger
	Tokens      security.Issuer
	RefreshTTL  time.Duration
	Limits      Limits
	Minter      security.Minter
	Clock       Clock
	TOTPIssuer  string
	APIKeyEnv   string
	Argon2      security.Argon2Params
	jwtSecret   []byte
	keyResolver auth.KeyResolver
	validate    *validator.Validate
}

func New(store Store, wallets *wallet.Authenticator, logger *slog.Logger, opts Options, limits Limits) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.APIKeyEnv == "" {
		opts.APIKeyEnv = "test"
	}
	if opts.Argon2 == (security.Argon2Params{}) {
		opts.Argon2 = security.DefaultArgon2()
	}
	return &Handler{
		Store:      store,
		Wallets:    wallets,
		Logger:     logger,
		Tokens:     security.Issuer{Secret: []byte(opts.JWTSecret), Name: opts.Issuer, TTL: opts.AccessTTL},
		RefreshTTL: opts.RefreshTTL,
		Limits:     limits,
		Minter:     security.RandomMinter{},
		Clock:      systemClock{},
		TOTPIssuer: opts.TOTPIssuer,
		APIKeyEnv:  opts.APIKeyEnv,
		Argon2:     opts.Argon2,
		jwtSecret:  []byte(opts.JWTSecret),
		validate:   newValidator(),
	}
}

// WithKeyResolver lets authenticated routes accept X-API-Key as well as bearer tokens.
func (h *Handler) WithKeyResolver(r auth.KeyResolver) *Handler {
	h.keyResolver = r
	return h
}

// RegisterRoutes mounts every identity route behind the blocked-address guard. Health
// and metrics routes are mounted by the caller and stay reachable.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	open := r.Group("/", h.guardAddress)
	open.POST("/auth/register", h.Register)
	open.POST("/auth/login", h.Login)
	open.POST("/auth/refresh", h.Refresh)
	open.POST("/auth/logout", h.Logout)
	open.POST("/auth/wallet/nonce", h.WalletNonce)
	open.POST("/auth/wallet/verify", h.WalletVerify)

	authed := open.Group("/", auth.Authenticate(h.jwtSecret, h.keyResolver))
	authed.GET("/auth/me", h.Me)
	authed.POST("/auth/password", h.ChangePassword)
	authed.GET("/audit-logs", h.ListAuditLogs)
	authed.POST("/auth/wallet/connect", h.WalletConnect)
	authed.POST("/auth/wallet/disconnect", h.WalletDisconnect)
	authed.GET("/auth/wallets", h.ListWallets)
	authed.GET("/auth/2fa/status", h.TwoFactorStatus)
	authed.POST("/auth/2fa/setup", h.SetupTwoFactor)
	authed.POST("/auth/2fa/enable", h.EnableTwoFactor)
	authed.POST("/auth/2fa/disable", h.DisableTwoFactor)
	authed.POST("/auth/2fa/backup-codes", h.RegenerateBackupCodes)
	authed.POST("/api-keys", h.CreateAPIKey)
	authed.GET("/api-keys", h.ListAPIKeys)
	authed.DELETE("/api-keys/:id", h.RevokeAPIKey)
}

type authResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	UserID       string `json:"user_id"`
	IsNewUser    bool   `json:"is_new_user,omitempty"`
}

// issueSession mints an access token and persists a refresh token for user.
func (h *Handler) issueSession(c *gin.Context, user *storage.User, walletAddr string) (authResponse, error) {
	now := h.Clock.Now()
	access, err := h.Tokens.Sign(security.AccessToken{UserID: user.ID, Roles: user.Roles, Wallet: walletAddr}, now)
	if err != nil {
		return authResponse{}, err
	}
	refresh, err := h.Minter.RefreshToken()
	if err != nil {
		return authResponse{}, err
	}
	if _, err := h.Store.CreateRefreshToken(c.Request.Context(), user.ID, refresh.Digest, now.Add(h.RefreshTTL), c.ClientIP(), c.Request.UserAgent()); err != nil {
		return authResponse{}, err
	}
	return authResponse{
		AccessToken:  access,
		RefreshToken: refresh.Plain,
		ExpiresIn:    int64(h.Tokens.TTL.Seconds()),
		UserID:       user.ID.String(),
	}, nil
}

// limit charges the caller's address plus any extra subjects against t.
func (h *Handler) limit(c *gin.Context, t *rate.Throttle, subjects ...rate.Subject) bool {
	d, err := t.Check(c.Request.Context(), h.Clock.Now(), append([]rate.Subject{rate.IP(c.ClientIP())}, subjects...)...)
	if err != nil {
		// fail open
		h.Logger.Error("rate limiter failed", "error", err, "scope", t.Scope())
		return true
	}
	if !d.Allowed {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
		h.fail(c, apperr.ErrRateLimited)
		return false
	}
	return true
}

var errAddressBlocked = apperr.New(apperr.KindForbidden, "too many failed attempts from this address, try again later")

func (h *Handler) guardAddress(c *gin.Context) {
	if h.Limits.Blocker == nil {
		c.Next()
		return
	}
	now := h.Clock.Now()
	blk, err := h.Limits.Blocker.Blocked(c.Request.Context(), c.ClientIP(), now)
	if err != nil {
		h.Logger.Error("address block check failed", "error", err)
		c.Next()
		return
	}
	if blk != nil {
		h.Logger.Warn("blocked address rejected", "ip", c.ClientIP(), "reason", blk.Reason, "until", blk.Until)
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(blk.Until.Sub(now).Seconds()))))
		h.fail(c, errAddressBlocked)
		return
	}
	c.Next()
}

func (h *Handler) fail(c *gin.Context, err error) {
	httpmiddleware.WriteError(c, h.Logger, err)
}

func (h *Handler) recordAudit(c *gin.Context, actor uuid.UUID, action, entityType string, entityID *uuid.UUID, details map[string]string) {
	err := h.Store.InsertAudit(c.Request.Context(), storage.AuditLog{
		ActorID:    actor,
		UserID:     actor,
		ActorType:  "user",
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		IP:         c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
		Details:    details,
	})
	if err != nil {
		h.Logger.Warn("audit insert failed", "error", err, "action", action)
	}
}

func currentUser(c *gin.Context) (uuid.UUID, bool) {
	return auth.UserID(c)
}
