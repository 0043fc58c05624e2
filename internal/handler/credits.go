package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/infographic/internal/auth"
	"github.com/dukerupert/infographic/internal/ledger"
)

type CreditsHandler struct {
	ledger *ledger.Ledger
	logger *slog.Logger
}

func NewCreditsHandler(l *ledger.Ledger, logger *slog.Logger) *CreditsHandler {
	return &CreditsHandler{
		ledger: l,
		logger: logger.With("component", "credits"),
	}
}

// Get reports the caller's paid, free and total credits.
func (h *CreditsHandler) Get(w http.ResponseWriter, r *http.Request) {
	bal, err := h.ledger.Balance(r.Context(), auth.UserID(r.Context()))
	if errors.Is(err, ledger.ErrUserNotFound) {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if err != nil {
		h.logger.Error("get balance", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load credits")
		return
	}
	writeJSON(w, http.StatusOK, bal)
}
