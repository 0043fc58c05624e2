package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/infographic/internal/database"
	"github.com/dukerupert/infographic/internal/handler"
	"github.com/dukerupert/infographic/internal/imagegen"
	"github.com/dukerupert/infographic/internal/ratelimit"
	"github.com/dukerupert/infographic/internal/reader"
)

type captureSender struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (c *captureSender) SendVerification(_ context.Context, to, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[to] = token
	return nil
}

func (c *captureSender) token(to string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens[to]
}

func setupTestServer(t *testing.T) (*httptest.Server, *captureSender) {
	t.Helper()
	db, err := database.Open(database.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/":
			w.Write([]byte(`{"code":200,"data":{"title":"T","url":"https://example.com","content":"body"}}`))
		case strings.HasPrefix(r.URL.Path, "/api/v1/images/tasks/"):
			w.Write([]byte(`{"code":200,"data":{"status":"success","results":[{"url":"https://cdn.test/done.png"}]}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(provider.Close)

	sender := &captureSender{tokens: make(map[string]string)}
	srv := New(db, Config{
		Reader:       reader.NewClient("k", provider.URL, slog.Default()),
		Imagegen:     imagegen.NewClient(imagegen.Config{APIKey: "k", BaseURL: provider.URL, Model: "m"}, slog.Default()),
		Limiter:      ratelimit.NewMemory(),
		Sender:       sender,
		Auth:         handler.AuthConfig{FreeSignupCredits: 2},
		PollInterval: 10 * time.Millisecond,
		PollTimeout:  time.Second,
	}, slog.Default())

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, sender
}

func post(t *testing.T, client *http.Client, url string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := client.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	ts, _ := setupTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out map[string]string
	json.NewDecoder(resp.Body).Decode(&out)
	if out["status"] != "ok" {
		t.Errorf("body = %v", out)
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	ts, _ := setupTestServer(t)
	tests := []struct {
		method, path string
	}{
		{http.MethodGet, "/api/user/credits"},
		{http.MethodGet, "/api/user/generations"},
		{http.MethodPost, "/api/record-generation"},
		{http.MethodPost, "/api/auth/logout"},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(tt.method, ts.URL+tt.path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tt.method, tt.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s %s: status = %d, want 401", tt.method, tt.path, resp.StatusCode)
		}
	}
}

func TestStripeRoutesAbsentWithoutBilling(t *testing.T) {
	ts, _ := setupTestServer(t)
	resp := post(t, http.DefaultClient, ts.URL+"/api/stripe/webhook", map[string]string{})
	if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestLoginRateLimited(t *testing.T) {
	ts, _ := setupTestServer(t)
	body := map[string]string{"email": "nobody@example.com", "password": "wrong"}

	for i := range loginLimit {
		resp := post(t, http.DefaultClient, ts.URL+"/api/auth/login", body)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status = %d, want 401", i+1, resp.StatusCode)
		}
	}
	resp := post(t, http.DefaultClient, ts.URL+"/api/auth/login", body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
}

func TestSignupFlow(t *testing.T) {
	ts, sender := setupTestServer(t)
	client := ts.Client()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	client.Jar = jar

	resp := post(t, client, ts.URL+"/api/auth/register", map[string]string{"email": "flow@example.com", "password": "password123"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: status = %d, want 201", resp.StatusCode)
	}

	vr, err := client.Get(ts.URL + "/api/auth/verify-email?token=" + sender.token("flow@example.com"))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	vr.Body.Close()
	if vr.StatusCode != http.StatusOK {
		t.Fatalf("verify: status = %d, want 200", vr.StatusCode)
	}

	resp = post(t, client, ts.URL+"/api/auth/login", map[string]string{"email": "flow@example.com", "password": "password123"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: status = %d, want 200", resp.StatusCode)
	}

	cr, err := client.Get(ts.URL + "/api/user/credits")
	if err != nil {
		t.Fatalf("credits: %v", err)
	}
	defer cr.Body.Close()
	if cr.StatusCode != http.StatusOK {
		t.Fatalf("credits: status = %d, want 200", cr.StatusCode)
	}
	var bal struct {
		PaidCredits int `json:"paidCredits"`
		FreeCredits int `json:"freeCredits"`
		Total       int `json:"total"`
	}
	json.NewDecoder(cr.Body).Decode(&bal)
	if bal.Total != 2 || bal.FreeCredits != 2 || bal.PaidCredits != 0 {
		t.Errorf("balance = %+v, want 2 free credits", bal)
	}

	resp = post(t, client, ts.URL+"/api/record-generation", map[string]any{
		"prompt": "p", "imageUrls": []string{"https://cdn.test/done.png"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("record: status = %d, want 200", resp.StatusCode)
	}
}

func TestPollStream(t *testing.T) {
	ts, _ := setupTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/poll-infographic/stream?taskId=task-1"
	conn, _, err := ws.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var last map[string]any
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ws.CloseStatus(err) != ws.StatusNormalClosure {
				t.Fatalf("read: %v", err)
			}
			break
		}
		last = nil
		json.Unmarshal(data, &last)
	}
	if last["state"] != "succeeded" || last["imageUrl"] != "https://cdn.test/done.png" {
		t.Errorf("last update = %v", last)
	}
}
