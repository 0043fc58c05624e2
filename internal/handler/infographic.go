package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/infographic/internal/imagegen"
	"github.com/dukerupert/infographic/internal/prompt"
)

const (
	defaultAspectRatio = "9:16"
	defaultImageSize   = "2K"
)

type InfographicHandler struct {
	imagegen *imagegen.Client
	logger   *slog.Logger
}

func NewInfographicHandler(ic *imagegen.Client, logger *slog.Logger) *InfographicHandler {
	return &InfographicHandler{
		imagegen: ic,
		logger:   logger.With("component", "infographic"),
	}
}

type generateRequest struct {
	StructuralSummary string `json:"structuralSummary" validate:"required"`
	Style             string `json:"style"`
	Language          string `json:"language"`
	AspectRatio       string `json:"aspectRatio" validate:"omitempty,oneof=1:1 2:3 3:2 3:4 4:3 4:5 5:4 9:16 16:9 21:9"`
	ImageSize         string `json:"imageSize" validate:"omitempty,oneof=1K 2K 4K"`
}

// Generate builds the infographic prompt from sanitized input and submits it.
// The answer is either a task id to poll or a finished image.
func (h *InfographicHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	in := prompt.Input{
		Summary:  req.StructuralSummary,
		Style:    req.Style,
		Language: req.Language,
	}.Sanitized()
	if in.Summary == "" {
		writeError(w, http.StatusBadRequest, "structuralSummary is required")
		return
	}

	if req.AspectRatio == "" {
		req.AspectRatio = defaultAspectRatio
	}
	if req.ImageSize == "" {
		req.ImageSize = defaultImageSize
	}

	sub, err := h.imagegen.Submit(r.Context(), imagegen.GenerateOptions{
		Prompt:      prompt.Build(in),
		AspectRatio: req.AspectRatio,
		Resolution:  req.ImageSize,
	})
	if err != nil {
		writeUpstreamError(w, h.logger, err, "Failed to generate infographic")
		return
	}

	var data map[string]any
	switch s := sub.(type) {
	case imagegen.TaskSubmitted:
		data = map[string]any{"taskId": s.TaskID}
	case imagegen.ImmediateResult:
		data = map[string]any{"imageUrl": s.URLs[0], "imageUrls": s.URLs}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": data})
}

// Poll reports a task's status once. A task the provider does not know
// (yet) is pending.
func (h *InfographicHandler) Poll(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(r.URL.Query().Get("taskId"))
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "taskId is required")
		return
	}

	status, err := h.imagegen.Status(r.Context(), taskID)
	if err != nil {
		writeUpstreamError(w, h.logger, err, "Failed to poll infographic")
		return
	}

	data := map[string]any{
		"taskId": taskID,
		"status": imagegen.Name(status),
	}
	switch s := status.(type) {
	case imagegen.StatusNotFound:
		writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
		return
	case imagegen.StatusSucceeded:
		data["imageUrl"] = s.URL
	case imagegen.StatusFailed:
		data["error"] = s.Reason
	case imagegen.StatusUnrecognized:
		h.logger.Warn("unrecognized task status", "task_id", taskID, "raw", s.Raw)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": data})
}
