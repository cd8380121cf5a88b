package testutil

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
)

// Serve sends raw through router with the given headers. Webhook tests use it because the
// signature covers the exact body bytes.
func Serve(router *gin.Engine, method, path string, raw []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func serveJSON(router *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var raw []byte
	if body != nil {
		raw, _ = json.Marshal(body)
	}
	return Serve(router, method, path, raw, headers)
}

func MakeAuthRequest(router *gin.Engine, method, path string, body any, token string) *httptest.ResponseRecorder {
	headers := map[string]string{}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return serveJSON(router, method, path, body, headers)
}

// MakeKeyRequest authenticates with an X-API-Key header instead of a bearer token.
func MakeKeyRequest(router *gin.Engine, method, path string, body any, key string) *httptest.ResponseRecorder {
	return serveJSON(router, method, path, body, map[string]string{"X-API-Key": key})
}

func MakeAPIRequest(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	return serveJSON(router, method, path, body, nil)
}
