package testutil

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
)

const (
	ErrorCodeInvalidRequest      = "INVALID_REQUEST"
	ErrorCodeUnauthorized        = "UNAUTHORIZED"
	ErrorCodeForbidden           = "FORBIDDEN"
	ErrorCodeRateLimited         = "RATE_LIMITED"
	ErrorCodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	ErrorCodeNonceInvalid        = "NONCE_INVALID"
	ErrorCodeKYCRestricted       = "KYC_RESTRICTED"
	ErrorCodeAlreadyProcessed    = "ALREADY_PROCESSED"
	ErrorCodeExternalService     = "EXTERNAL_SERVICE_FAILURE"
	ErrorCodeNotFound            = "NOT_FOUND"
	ErrorCodeConflict            = "CONFLICT"
	ErrorCodeUnavailable         = "UNAVAILABLE"
	ErrorCodeInternalError       = "INTERNAL_ERROR"
)

var codeKinds = map[string]apperr.Kind{
	ErrorCodeInvalidRequest:      apperr.KindValidation,
	ErrorCodeUnauthorized:        apperr.KindUnauthorized,
	ErrorCodeForbidden:           apperr.KindForbidden,
	ErrorCodeRateLimited:         apperr.KindRateLimited,
	ErrorCodeInsufficientBalance: apperr.KindInsufficientBalance,
	ErrorCodeNonceInvalid:        apperr.KindNonceInvalid,
	ErrorCodeKYCRestricted:       apperr.KindKYCRestricted,
	ErrorCodeAlreadyProcessed:    apperr.KindAlreadyProcessed,
	ErrorCodeExternalService:     apperr.KindExternal,
	ErrorCodeNotFound:            apperr.KindNotFound,
	ErrorCodeConflict:            apperr.KindConflict,
	ErrorCodeUnavailable:         apperr.KindUnavailable,
	ErrorCodeInternalError:       apperr.KindInternal,
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AssertErrorCode checks both the status and the body code of an error response.
func AssertErrorCode(t *testing.T, resp *httptest.ResponseRecorder, expectedCode string) {
	t.Helper()
	if want := statusForCode(expectedCode); resp.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, resp.Code, resp.Body.String())
	}

	var errResp errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Code != expectedCode {
		t.Fatalf("expected error code %q, got %q", expectedCode, errResp.Code)
	}
}

func AssertErrorMessage(t *testing.T, resp *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var errResp errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Message != expectedMessage {
		t.Fatalf("expected error message %q, got %q", expectedMessage, errResp.Message)
	}
}

func AssertHTTPStatus(t *testing.T, resp *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()
	if resp.Code != expectedStatus {
		t.Fatalf("expected status %d, got %d: %s", expectedStatus, resp.Code, resp.Body.String())
	}
}

func statusForCode(code string) int {
	kind, ok := codeKinds[code]
	if !ok {
		kind = apperr.KindInternal
	}
	return apperr.HTTPStatus(kind)
}
