package reader

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukerupert/infographic/internal/upstream"
)

func TestFetch(t *testing.T) {
	var gotURL string
	var headers http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		gotURL = body["url"]
		w.Write([]byte(`{"code":200,"data":{"title":"Example","url":"https://example.com/a","content":"# Hello"}}`))
	}))
	defer server.Close()

	c := NewClient("reader-key", server.URL, slog.Default(), WithHTTPClient(server.Client()))
	page, err := c.Fetch(context.Background(), "https://example.com/a", Options{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if page.Content != "# Hello" || page.Title != "Example" {
		t.Errorf("page = %+v", page)
	}
	if gotURL != "https://example.com/a" {
		t.Errorf("url = %q", gotURL)
	}
	if headers.Get("Authorization") != "Bearer reader-key" {
		t.Errorf("authorization = %q", headers.Get("Authorization"))
	}
	if headers.Get("X-Return-Format") != "markdown" {
		t.Errorf("format = %q, want markdown", headers.Get("X-Return-Format"))
	}
	if headers.Get("X-Retain-Images") != "none" {
		t.Errorf("retain images = %q, want none", headers.Get("X-Retain-Images"))
	}
	if headers.Get("X-Engine") != "" {
		t.Errorf("engine = %q, want unset", headers.Get("X-Engine"))
	}
}

func TestFetchOptions(t *testing.T) {
	var headers http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		w.Write([]byte(`{"code":200,"data":{"content":"text"}}`))
	}))
	defer server.Close()

	c := NewClient("k", server.URL, slog.Default())
	page, err := c.Fetch(context.Background(), "https://example.com/b", Options{Format: "text", LiteMode: true, IncludeImages: true})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if page.URL != "https://example.com/b" {
		t.Errorf("url = %q, want requested url as fallback", page.URL)
	}
	if headers.Get("X-Return-Format") != "text" || headers.Get("X-Engine") != "direct" || headers.Get("X-Retain-Images") != "" {
		t.Errorf("headers = %v", headers)
	}
}

func TestFetchUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"message":"boom"}`))
	}))
	defer server.Close()

	c := NewClient("k", server.URL, slog.Default())
	_, err := c.Fetch(context.Background(), "https://example.com", Options{})
	var ue *upstream.Error
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want *upstream.Error", err)
	}
	if ue.Status() != http.StatusInternalServerError || ue.Body != `{"message":"boom"}` {
		t.Errorf("upstream error = %+v", ue)
	}
}
