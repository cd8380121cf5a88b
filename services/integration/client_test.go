package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"testing"
	"time"
)

func identityURL() string {
	if url := os.Getenv("IDENTITY_URL"); url != "" {
		return url
	}
	return "http://localhost:8081"
}

func fundsURL() string {
	if url := os.Getenv("FUNDS_URL"); url != "" {
		return url
	}
	return "http://localhost:8082"
}

func requireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("RUN_INTEGRATION") == "" {
		t.Skip("set RUN_INTEGRATION=1 to run")
	}
}

type errorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

type sessionResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
	IsNewUser    bool   `json:"is_new_user"`
}

type apiClient struct {
	base    string
	headers map[string]string
	http    *http.Client
}

func newClient(base string) *apiClient {
	return &apiClient{base: base, headers: map[string]string{}, http: &http.Client{Timeout: 5 * time.Second}}
}

func (c *apiClient) withToken(token string) *apiClient {
	out := newClient(c.base)
	out.headers["Authorization"] = "Bearer " + token
	return out
}

func (c *apiClient) withAPIKey(key string) *apiClient {
	out := newClient(c.base)
	out.headers["X-API-Key"] = key
	return out
}

// do sends body as JSON and decodes a JSON response into out when out is non-nil.
func (c *apiClient) do(t *testing.T, method, path string, body, out any) int {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal %s %s: %v", method, path, err)
		}
	}
	req, err := http.NewRequest(method, c.base+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("build %s %s: %v", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	// each test run gets its own client IP so login rate limits do not carry over
	req.Header.Set("X-Forwarded-For", randomIP())
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s (status %d): %v", method, path, resp.StatusCode, err)
		}
	}
	return resp.StatusCode
}

func (c *apiClient) expectError(t *testing.T, method, path string, body any, status int, code string) {
	t.Helper()
	var errResp errorResponse
	got := c.do(t, method, path, body, &errResp)
	if got != status || errResp.Code != code {
		t.Fatalf("%s %s: expected %d %s, got %d %s (%s)", method, path, status, code, got, errResp.Code, errResp.Message)
	}
}

func login(t *testing.T, email, password string) string {
	t.Helper()
	var session sessionResponse
	status := newClient(identityURL()).do(t, http.MethodPost, "/auth/login",
		map[string]string{"email": email, "password": password}, &session)
	if status != http.StatusOK || session.AccessToken == "" {
		t.Fatalf("login %s: status %d", email, status)
	}
	return session.AccessToken
}

func waitForServices(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for _, base := range []string{identityURL(), fundsURL()} {
		for {
			resp, err := http.Get(base + "/readyz")
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					break
				}
			}
			if time.Now().After(deadline) {
				t.Fatalf("service at %s not ready", base)
			}
			time.Sleep(500 * time.Millisecond)
		}
	}
}

func randomIP() string {
	return fmt.Sprintf("10.%d.%d.%d", rand.Intn(255), rand.Intn(255), 1+rand.Intn(254))
}
