package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/infographic/internal/reader"
)

type ContentHandler struct {
	reader *reader.Client
	logger *slog.Logger
}

func NewContentHandler(rc *reader.Client, logger *slog.Logger) *ContentHandler {
	return &ContentHandler{
		reader: rc,
		logger: logger.With("component", "content"),
	}
}

type fetchContentRequest struct {
	URL           string `json:"url" validate:"required,http_url"`
	Format        string `json:"format" validate:"omitempty,oneof=markdown html text"`
	LiteMode      bool   `json:"liteMode"`
	IncludeImages bool   `json:"includeImages"`
}

// Fetch proxies a page through the content reader. The provider key stays
// on the server.
func (h *ContentHandler) Fetch(w http.ResponseWriter, r *http.Request) {
	var req fetchContentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := h.reader.Fetch(r.Context(), req.URL, reader.Options{
		Format:        req.Format,
		LiteMode:      req.LiteMode,
		IncludeImages: req.IncludeImages,
	})
	if err != nil {
		writeUpstreamError(w, h.logger, err, "Failed to fetch content")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"title":   page.Title,
		"content": page.Content,
		"url":     page.URL,
	})
}
