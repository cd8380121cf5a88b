package handlers

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/Vinayak0723/cryptoexchange/libs/httpmiddleware"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	currencyPattern = regexp.MustCompile(`^[A-Za-z0-9]{2,10}$`)
	ifscPattern     = regexp.MustCompile(`^[A-Z]{4}0[A-Z0-9]{6}$`)
	accountPattern  = regexp.MustCompile(`^[0-9]{9,18}$`)
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
	_ = v.RegisterValidation("currency", func(fl validator.FieldLevel) bool {
		return currencyPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("amount", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(strings.TrimSpace(fl.Field().String()))
		return err == nil && d.IsPositive()
	})
	_ = v.RegisterValidation("ifsc", func(fl validator.FieldLevel) bool {
		return ifscPattern.MatchString(strings.ToUpper(fl.Field().String()))
	})
	_ = v.RegisterValidation("bank_account", func(fl validator.FieldLevel) bool {
		return accountPattern.MatchString(fl.Field().String())
	})
	return v
}

// bind decodes the JSON body into req and runs its validate tags. It answers the request
// itself when either step fails.
func (h *Handler) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		httpmiddleware.BadRequest(c, "malformed request body")
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
		return "invalid request"
	}
	f := fields[0]
	name := f.Field()
	switch f.Tag() {
	case "required":
		return name + " is required"
	case "amount":
		return name + " must be a positive decimal"
	case "eth_addr":
		return name + " must be an Ethereum address"
	default:
		return name + " is invalid"
	}
}

// amount parses a field that already passed the amount validator.
func amount(v string) decimal.Decimal {
	d, _ := decimal.NewFromString(strings.TrimSpace(v))
	return d
}
