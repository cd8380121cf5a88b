package handlers

import (
	"errors"
	"reflect"
	"strings"

	"github.com/Vinayak0723/cryptoexchange/libs/httpmiddleware"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (h *Handler) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		httpmiddleware.BadRequest(c, "invalid payload")
		return false
	}
	if err := h.validate.Struct(req); err != nil {
		httpmiddleware.BadRequest(c, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) || len(fields) == 0 {
		return "invalid payload"
	}
	f := fields[0]
	name := f.Field()
	switch f.Tag() {
	case "required":
		return name + " is required"
	case "email":
		return name + " must be an email address"
	case "min":
		return name + " must be at least " + f.Param() + " characters"
	case "max":
		return name + " must be at most " + f.Param() + " characters"
	case "eqfield":
		return name + " does not match"
	case "nefield":
		return name + " must differ from the current password"
	default:
		return name + " is invalid"
	}
}
