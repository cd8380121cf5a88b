package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/ledger"
	"github.com/gin-gonic/gin"
)

type balanceResponse struct {
	Currency  string    `json:"currency"`
	Available string    `json:"available"`
	Locked    string    `json:"locked"`
	Total     string    `json:"total"`
	UpdatedAt time.Time `json:"updated_at"`
}

type entryResponse struct {
	ID             string    `json:"id"`
	Currency       string    `json:"currency"`
	Type           string    `json:"entry_type"`
	AvailableDelta string    `json:"available_delta"`
	LockedDelta    string    `json:"locked_delta"`
	AvailableAfter string    `json:"available_after"`
	LockedAfter    string    `json:"locked_after"`
	ReferenceType  string    `json:"reference_type"`
	ReferenceID    string    `json:"reference_id"`
	CreatedAt      time.Time `json:"created_at"`
}

func (h *Handler) Balances(c *gin.Context) {
	userID, ok := h.user(c)
	if !ok {
		return
	}
	accounts, err := h.Book.Balances(ctx(c), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]balanceResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, balanceResponse{
			Currency:  a.Currency,
			Available: a.Available.String(),
			Locked:    a.Locked.String(),
			Total:     a.Total().String(),
			UpdatedAt: a.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"balances": out})
}

func (h *Handler) LedgerEntries(c *gin.Context) {
	userID, ok := h.user(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	entries, err := h.Book.Entries(ctx(c), userID, ledger.NormalizeCurrency(c.Query("currency")), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryResponse{
			ID:             e.ID.String(),
			Currency:       e.Currency,
			Type:           string(e.Type),
			AvailableDelta: e.AvailableDelta.String(),
			LockedDelta:    e.LockedDelta.String(),
			AvailableAfter: e.AvailableAfter.String(),
			LockedAfter:    e.LockedAfter.String(),
			ReferenceType:  string(e.Ref.Type),
			ReferenceID:    e.Ref.ID.String(),
			CreatedAt:      e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": out})
}
