package email

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dukerupert/infographic/internal/upstream"
)

func TestSendVerification(t *testing.T) {
	var received postmarkEmail
	var gotToken, gotPath string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Postmark-Server-Token")
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"MessageID": "test-id"}`))
	}))
	defer server.Close()

	client := NewClient("test-token", "noreply@example.com", "https://infographic.test",
		WithHTTPClient(&http.Client{Transport: &rewriteTransport{base: http.DefaultTransport, target: server.URL}}))

	if err := client.SendVerification(context.Background(), "alice@example.com", "abc-123"); err != nil {
		t.Fatalf("send verification: %v", err)
	}

	if gotToken != "test-token" {
		t.Errorf("server token = %q, want %q", gotToken, "test-token")
	}
	if gotPath != "/email" {
		t.Errorf("path = %q, want /email", gotPath)
	}
	if received.To != "alice@example.com" {
		t.Errorf("To = %q, want %q", received.To, "alice@example.com")
	}
	if received.From != "noreply@example.com" {
		t.Errorf("From = %q, want %q", received.From, "noreply@example.com")
	}
	wantLink := "https://infographic.test/api/auth/verify-email?token=abc-123"
	if !strings.Contains(received.TextBody, wantLink) {
		t.Errorf("TextBody missing link %q: %q", wantLink, received.TextBody)
	}
	if !strings.Contains(received.HtmlBody, wantLink) {
		t.Errorf("HtmlBody missing link %q", wantLink)
	}
}

func TestSendVerificationNotConfigured(t *testing.T) {
	client := NewClient("", "noreply@example.com", "https://infographic.test")

	if err := client.SendVerification(context.Background(), "alice@example.com", "abc"); err == nil {
		t.Fatal("expected error for unconfigured client")
	}
}

func TestSendVerificationAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"ErrorCode":300,"Message":"Invalid email request"}`))
	}))
	defer server.Close()

	client := NewClient("test-token", "noreply@example.com", "https://infographic.test")
	client.httpClient = &http.Client{Transport: &rewriteTransport{base: http.DefaultTransport, target: server.URL}}

	err := client.SendVerification(context.Background(), "alice@example.com", "abc")
	var upErr *upstream.Error
	if !errors.As(err, &upErr) {
		t.Fatalf("err = %v, want *upstream.Error", err)
	}
	if upErr.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", upErr.StatusCode)
	}
}

func TestVerificationLinkEscapesToken(t *testing.T) {
	client := NewClient("t", "f", "https://x.test")
	got := client.VerificationLink("a b&c")
	want := "https://x.test/api/auth/verify-email?token=a+b%26c"
	if got != want {
		t.Errorf("link = %q, want %q", got, want)
	}
}

func TestConfigured(t *testing.T) {
	c1 := NewClient("token", "from@test.com", "https://test.com")
	if !c1.Configured() {
		t.Error("expected Configured() = true")
	}

	c2 := NewClient("", "from@test.com", "https://test.com")
	if c2.Configured() {
		t.Error("expected Configured() = false")
	}
}

// rewriteTransport redirects all requests to a test server URL.
type rewriteTransport struct {
	base   http.RoundTripper
	target string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = t.target[len("http://"):]
	return t.base.RoundTrip(req)
}
