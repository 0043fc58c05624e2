// Package imagegen talks to the image-generation provider.
package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dukerupert/infographic/internal/upstream"
)

const service = "imagegen"

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	log        *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func NewClient(cfg Config, log *slog.Logger, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	c := &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type GenerateOptions struct {
	Prompt       string
	AspectRatio  string
	Resolution   string
	OutputFormat string
}

type apiResult struct {
	URL string `json:"url"`
}

type apiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		TaskID  string      `json:"taskId"`
		Status  string      `json:"status"`
		Results []apiResult `json:"results"`
		Error   string      `json:"error"`
	} `json:"data"`
}

// Submit starts a generation. The request asks the provider for a task id
// instead of a webhook callback; some models still answer with the finished
// image, which is returned as ImmediateResult.
func (c *Client) Submit(ctx context.Context, opts GenerateOptions) (Submission, error) {
	format := strings.ToLower(opts.OutputFormat)
	if format == "" {
		format = "png"
	}
	payload := map[string]any{
		"model":         c.model,
		"prompt":        opts.Prompt,
		"aspect_ratio":  opts.AspectRatio,
		"resolution":    opts.Resolution,
		"output_format": format,
		"async":         true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/images/generations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out apiResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	if out.Code != 0 && out.Code != http.StatusOK {
		return nil, &upstream.Error{Service: service, StatusCode: out.Code, Body: out.Msg}
	}

	if out.Data.TaskID != "" {
		c.log.Info("generation task created", "task_id", out.Data.TaskID)
		return TaskSubmitted{TaskID: out.Data.TaskID}, nil
	}
	var urls []string
	for _, r := range out.Data.Results {
		if r.URL != "" {
			urls = append(urls, r.URL)
		}
	}
	if len(urls) > 0 {
		c.log.Info("generation returned immediately", "images", len(urls))
		return ImmediateResult{URLs: urls}, nil
	}
	return nil, &upstream.Error{Service: service, StatusCode: http.StatusBadGateway, Body: "response contained neither a task id nor a result"}
}

// Status queries a task. Unknown tasks are reported as StatusNotFound rather
// than an error.
func (c *Client) Status(ctx context.Context, taskID string) (Status, error) {
	endpoint := c.baseURL + "/api/v1/images/tasks/" + url.PathEscape(taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}

	var out apiResponse
	if err := c.do(req, &out); err != nil {
		var ue *upstream.Error
		if errors.As(err, &ue) && ue.StatusCode == http.StatusNotFound {
			return StatusNotFound{}, nil
		}
		return nil, err
	}

	switch out.Code {
	case 0, http.StatusOK:
	case http.StatusNotFound:
		return StatusNotFound{}, nil
	default:
		return nil, &upstream.Error{Service: service, StatusCode: out.Code, Body: out.Msg}
	}

	return classify(out), nil
}

func classify(out apiResponse) Status {
	switch strings.ToLower(out.Data.Status) {
	case "pending", "queued", "queueing", "waiting":
		return StatusPending{}
	case "running", "processing", "generating":
		return StatusRunning{}
	case "succeeded", "success", "completed":
		for _, r := range out.Data.Results {
			if r.URL != "" {
				return StatusSucceeded{URL: r.URL}
			}
		}
	case "failed", "fail", "error":
		reason := out.Data.Error
		if reason == "" {
			reason = out.Msg
		}
		return StatusFailed{Reason: reason}
	}
	raw, _ := json.Marshal(out.Data)
	return StatusUnrecognized{Raw: upstream.Truncate(raw)}
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		ue := upstream.FromResponse(service, resp)
		c.log.Error("imagegen request failed", "status", resp.StatusCode, "path", req.URL.Path, "body", ue.Body)
		return ue
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &upstream.Error{Service: service, StatusCode: http.StatusBadGateway, Body: upstream.Truncate(raw)}
	}
	return nil
}
