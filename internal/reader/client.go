// Package reader fetches a web page as clean text through the content-reader
// provider.
package reader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/infographic/internal/upstream"
)

const service = "reader"

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func NewClient(apiKey, baseURL string, log *slog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		log:        log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type Options struct {
	// Format is the provider return format; markdown when empty.
	Format string
	// LiteMode skips headless rendering and reads the raw document.
	LiteMode      bool
	IncludeImages bool
}

type Page struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Fetch returns the readable content of pageURL.
func (c *Client) Fetch(ctx context.Context, pageURL string, opts Options) (*Page, error) {
	body, err := json.Marshal(map[string]string{"url": pageURL})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	format := opts.Format
	if format == "" {
		format = "markdown"
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Return-Format", format)
	if !opts.IncludeImages {
		req.Header.Set("X-Retain-Images", "none")
	}
	if opts.LiteMode {
		req.Header.Set("X-Engine", "direct")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		ue := upstream.FromResponse(service, resp)
		c.log.Error("reader request failed", "status", resp.StatusCode, "url", pageURL, "body", ue.Body)
		return nil, ue
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	var out struct {
		Code int  `json:"code"`
		Data Page `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &upstream.Error{Service: service, StatusCode: http.StatusBadGateway, Body: upstream.Truncate(raw)}
	}
	if out.Code != 0 && out.Code != http.StatusOK {
		return nil, &upstream.Error{Service: service, StatusCode: out.Code, Body: upstream.Truncate(raw)}
	}
	if out.Data.URL == "" {
		out.Data.URL = pageURL
	}

	c.log.Debug("content fetched", "url", pageURL, "chars", len(out.Data.Content))
	return &out.Data, nil
}
