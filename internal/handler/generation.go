package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/infographic/internal/auth"
	"github.com/dukerupert/infographic/internal/ledger"
	"github.com/dukerupert/infographic/internal/model"
	"github.com/dukerupert/infographic/internal/store"
)

const (
	defaultGenerationLimit = 50
	maxGenerationLimit     = 100
)

// ImageArchiver copies provider image URLs somewhere durable. MirrorAll
// returns one URL per input, falling back to the original when a copy fails.
// Discard removes copies that will not be recorded.
type ImageArchiver interface {
	MirrorAll(ctx context.Context, urls []string) []string
	Discard(ctx context.Context, urls []string)
}

type GenerationHandler struct {
	ledger          *ledger.Ledger
	generationStore *store.GenerationStore
	archiver        ImageArchiver
	logger          *slog.Logger
}

// NewGenerationHandler builds the handler. archiver may be nil, in which case
// provider URLs are stored as given.
func NewGenerationHandler(l *ledger.Ledger, gs *store.GenerationStore, archiver ImageArchiver, logger *slog.Logger) *GenerationHandler {
	return &GenerationHandler{
		ledger:          l,
		generationStore: gs,
		archiver:        archiver,
		logger:          logger.With("component", "generation"),
	}
}

type recordGenerationRequest struct {
	Prompt         string   `json:"prompt" validate:"required"`
	Category       string   `json:"category" validate:"max=100"`
	NumImages      int      `json:"numImages" validate:"gte=0,lte=16"`
	ImageURLs      []string `json:"imageUrls" validate:"required,min=1,max=16,dive,required,url"`
	ImageSize      string   `json:"imageSize" validate:"max=50"`
	Style          string   `json:"style" validate:"max=200"`
	RenderingSpeed string   `json:"renderingSpeed" validate:"max=50"`
	FalRequestID   string   `json:"falRequestId" validate:"max=200"`
}

// Record bills one credit and stores the generation. Nothing is stored
// when the user cannot pay.
func (h *GenerationHandler) Record(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req recordGenerationRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.NumImages == 0 {
		req.NumImages = len(req.ImageURLs)
	}

	urls := req.ImageURLs
	if h.archiver != nil {
		bal, err := h.ledger.Balance(r.Context(), userID)
		if err != nil {
			h.writeLedgerError(w, err)
			return
		}
		if bal.Total < 1 {
			writeError(w, http.StatusPaymentRequired, "Insufficient credits")
			return
		}
		urls = h.archiver.MirrorAll(r.Context(), urls)
	}

	gen, d, err := h.ledger.Charge(r.Context(), &model.Generation{
		UserID:            userID,
		Prompt:            req.Prompt,
		Category:          req.Category,
		NumImages:         req.NumImages,
		ImageURLs:         urls,
		ImageSize:         req.ImageSize,
		Style:             req.Style,
		RenderingSpeed:    req.RenderingSpeed,
		ProviderRequestID: req.FalRequestID,
		CreditsUsed:       1,
	})
	if err != nil {
		if h.archiver != nil {
			// The balance can drop between the pre-check and the charge.
			h.archiver.Discard(context.WithoutCancel(r.Context()), urls)
		}
		h.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"generationId":     gen.ID,
		"remainingCredits": d.Remaining,
	})
}

func (h *GenerationHandler) writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		writeError(w, http.StatusPaymentRequired, "Insufficient credits")
	case errors.Is(err, ledger.ErrUserNotFound):
		writeError(w, http.StatusUnauthorized, "Unauthorized")
	default:
		h.logger.Error("record generation", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to record generation")
	}
}

// List returns the caller's generations, newest first.
func (h *GenerationHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := defaultGenerationLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxGenerationLimit)
	}

	generations, err := h.generationStore.ListByUser(r.Context(), auth.UserID(r.Context()), limit)
	if err != nil {
		h.logger.Error("list generations", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load generations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"generations": generations})
}
