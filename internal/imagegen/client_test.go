package imagegen

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

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	return NewClient(Config{APIKey: "secret-key", BaseURL: server.URL + "/", Model: "test-model"}, slog.Default(), WithHTTPClient(server.Client()))
}

func TestSubmitTaskID(t *testing.T) {
	var got map[string]any
	var auth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/images/generations" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"code":200,"msg":"ok","data":{"taskId":"task-1"}}`))
	})

	sub, err := c.Submit(context.Background(), GenerateOptions{Prompt: "p", AspectRatio: "16:9", Resolution: "2K"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ts, ok := sub.(TaskSubmitted)
	if !ok || ts.TaskID != "task-1" {
		t.Fatalf("submission = %#v, want TaskSubmitted{task-1}", sub)
	}
	if auth != "Bearer secret-key" {
		t.Errorf("authorization = %q", auth)
	}
	if got["async"] != true {
		t.Errorf("async flag = %v, want true", got["async"])
	}
	if got["model"] != "test-model" || got["output_format"] != "png" {
		t.Errorf("payload = %v", got)
	}
}

func TestSubmitImmediateResult(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":200,"data":{"results":[{"url":"https://img/1.png"},{"url":""}]}}`))
	})

	sub, err := c.Submit(context.Background(), GenerateOptions{Prompt: "p"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ir, ok := sub.(ImmediateResult)
	if !ok || len(ir.URLs) != 1 || ir.URLs[0] != "https://img/1.png" {
		t.Fatalf("submission = %#v, want ImmediateResult", sub)
	}
}

func TestSubmitUpstreamError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"prompt rejected"}`))
	})

	_, err := c.Submit(context.Background(), GenerateOptions{Prompt: "p"})
	var ue *upstream.Error
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want *upstream.Error", err)
	}
	if ue.Status() != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", ue.Status())
	}
	if ue.Body != `{"error":"prompt rejected"}` {
		t.Errorf("body = %q", ue.Body)
	}
}

func TestSubmitEmptyResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":200,"data":{}}`))
	})

	_, err := c.Submit(context.Background(), GenerateOptions{Prompt: "p"})
	var ue *upstream.Error
	if !errors.As(err, &ue) || ue.Status() != http.StatusBadGateway {
		t.Fatalf("err = %v, want 502 upstream error", err)
	}
}

func TestStatusVariants(t *testing.T) {
	tests := []struct {
		name string
		code int
		body string
		want Status
	}{
		{"pending", 200, `{"code":200,"data":{"status":"queued"}}`, StatusPending{}},
		{"running", 200, `{"code":200,"data":{"status":"processing"}}`, StatusRunning{}},
		{"succeeded", 200, `{"code":200,"data":{"status":"succeeded","results":[{"url":"https://img/x.png"}]}}`, StatusSucceeded{URL: "https://img/x.png"}},
		{"failed with reason", 200, `{"code":200,"data":{"status":"failed","error":"nsfw"}}`, StatusFailed{Reason: "nsfw"}},
		{"failed without reason", 200, `{"code":200,"msg":"","data":{"status":"failed"}}`, StatusFailed{Reason: ""}},
		{"http not found", 404, `{"msg":"no such task"}`, StatusNotFound{}},
		{"code not found", 200, `{"code":404,"msg":"no such task"}`, StatusNotFound{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/v1/images/tasks/task-1" {
					t.Errorf("path = %q", r.URL.Path)
				}
				w.WriteHeader(tt.code)
				w.Write([]byte(tt.body))
			})
			got, err := c.Status(context.Background(), "task-1")
			if err != nil {
				t.Fatalf("status: %v", err)
			}
			if got != tt.want {
				t.Errorf("status = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestStatusUnrecognized(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":200,"data":{"status":"succeeded","results":[]}}`))
	})

	got, err := c.Status(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if _, ok := got.(StatusUnrecognized); !ok {
		t.Errorf("status = %#v, want StatusUnrecognized", got)
	}
}

func TestStatusServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.Status(context.Background(), "task-1")
	var ue *upstream.Error
	if !errors.As(err, &ue) || ue.Status() != http.StatusInternalServerError {
		t.Fatalf("err = %v, want 500 upstream error", err)
	}
}

func TestName(t *testing.T) {
	if Name(StatusNotFound{}) != "pending" {
		t.Error("not found should read as pending")
	}
	if Name(StatusUnrecognized{}) != "unknown" {
		t.Error("unrecognized should read as unknown")
	}
}
