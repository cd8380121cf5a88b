package handlers

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apikey"
	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/Vinayak0723/cryptoexchange/libs/auth"
	"github.com/Vinayak0723/cryptoexchange/libs/httpmiddleware"
	"github.com/Vinayak0723/cryptoexchange/libs/logging"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/deposit"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/ledger"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/storage"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/withdrawal"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Book is the read side of the ledger exposed to users.
type Book interface {
	Balances(ctx context.Context, userID uuid.UUID) ([]ledger.Account, error)
	Entries(ctx context.Context, userID uuid.UUID, currency string, limit int) ([]ledger.Entry, error)
}

type Handler struct {
	Book        Book
	Withdrawals *withdrawal.Service
	Deposits    *deposit.Service
	Logger      *slog.Logger
	validate    *validator.Validate
	jwtSecret   []byte
	keyResolver auth.KeyResolver
}

func New(book Book, withdrawals *withdrawal.Service, deposits *deposit.Service, jwtSecret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Book:        book,
		Withdrawals: withdrawals,
		Deposits:    deposits,
		Logger:      logger,
		validate:    newValidator(),
		jwtSecret:   []byte(jwtSecret),
	}
}

// WithKeyResolver lets authenticated routes accept X-API-Key as well as bearer tokens.
func (h *Handler) WithKeyResolver(r auth.KeyResolver) *Handler {
	h.keyResolver = r
	return h
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/webhooks/payments", h.PaymentWebhook)

	authed := r.Group("/", auth.Authenticate(h.jwtSecret, h.keyResolver))

	read := authed.Group("/", auth.RequireScope(apikey.PermRead))
	read.GET("/balances", h.Balances)
	read.GET("/ledger/entries", h.LedgerEntries)
	read.GET("/withdrawals", h.ListWithdrawals)
	read.GET("/withdrawals/:id", h.GetWithdrawal)
	read.GET("/deposits", h.ListDeposits)
	read.GET("/deposits/:id", h.GetDeposit)
	read.GET("/deposits/crypto/address", h.DepositAddress)

	withdraw := authed.Group("/", auth.RequireScope(apikey.PermWithdraw))
	withdraw.POST("/withdrawals/fiat", h.RequestFiatWithdrawal)
	withdraw.POST("/withdrawals/crypto", h.RequestCryptoWithdrawal)
	withdraw.POST("/withdrawals/:id/2fa", h.VerifyWithdrawal2FA)
	withdraw.POST("/withdrawals/:id/cancel", h.CancelWithdrawal)

	deposit := authed.Group("/", auth.RequireScope(apikey.PermTrade))
	deposit.POST("/deposits/fiat", h.CreateFiatDeposit)
	deposit.POST("/deposits/fiat/verify", h.VerifyFiatDeposit)
	deposit.POST("/deposits/crypto", h.SubmitCryptoDeposit)

	admin := authed.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	admin.GET("/withdrawals", h.AdminPendingWithdrawals)
	admin.POST("/withdrawals/:id/approve", h.AdminApproveWithdrawal)
	admin.POST("/withdrawals/:id/reject", h.AdminRejectWithdrawal)
}

func (h *Handler) fail(c *gin.Context, err error) {
	httpmiddleware.WriteError(c, h.Logger, err)
}

// ctx carries the request id into service-layer logs.
func ctx(c *gin.Context) context.Context {
	return logging.WithRequestID(c.Request.Context(), httpmiddleware.RequestIDFrom(c))
}

func (h *Handler) user(c *gin.Context) (uuid.UUID, bool) {
	id, ok := auth.UserID(c)
	if !ok {
		h.fail(c, apperr.ErrUnauthorized)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpmiddleware.BadRequest(c, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func page(c *gin.Context) storage.Page {
	p := storage.Page{}
	if v, err := strconv.Atoi(c.Query("limit")); err == nil {
		p.Limit = v
	}
	if v, err := time.Parse(time.RFC3339, c.Query("before")); err == nil {
		p.Before = v
	}
	return p
}
