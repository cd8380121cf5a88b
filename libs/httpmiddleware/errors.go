package httpmiddleware

import (
	"log/slog"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/gin-gonic/gin"
)

type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteError renders err using its apperr kind. Internal failures are logged with the
// request id and answered with a generic message.
func WriteError(c *gin.Context, logger *slog.Logger, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	kind := apperr.KindOf(err)
	reqID := RequestIDFrom(c)
	switch kind {
	case apperr.KindInternal:
		logger.Error("request failed", "error", err, "request_id", reqID, "path", c.FullPath())
	case apperr.KindInvalidState:
		logger.Error("invariant violation", "error", err, "request_id", reqID, "path", c.FullPath())
	case apperr.KindExternal:
		logger.Warn("collaborator failure", "error", err, "request_id", reqID, "path", c.FullPath())
	}
	c.AbortWithStatusJSON(apperr.HTTPStatus(kind), ErrorResponse{
		Code:      apperr.Code(kind),
		Message:   apperr.PublicMessage(err),
		RequestID: reqID,
	})
}

// BadRequest answers a payload that failed to bind.
func BadRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(400, ErrorResponse{
		Code:      apperr.Code(apperr.KindValidation),
		Message:   message,
		RequestID: RequestIDFrom(c),
	})
}
