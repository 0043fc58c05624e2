package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/infographic/internal/auth"
	"github.com/dukerupert/infographic/internal/billing"
	"github.com/dukerupert/infographic/internal/store"
)

// CheckoutProvider creates payment-provider customers and checkout sessions.
type CheckoutProvider interface {
	PlanForPrice(priceID string) (billing.Plan, error)
	CreateCustomer(ctx context.Context, email, name string) (string, error)
	CreateCheckoutSession(ctx context.Context, customerID string, userID int64, plan billing.Plan) (*billing.CheckoutSession, error)
}

type CheckoutHandler struct {
	provider  CheckoutProvider
	userStore *store.UserStore
	logger    *slog.Logger
}

func NewCheckoutHandler(p CheckoutProvider, us *store.UserStore, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		provider:  p,
		userStore: us,
		logger:    logger.With("component", "checkout"),
	}
}

type checkoutRequest struct {
	PriceID string `json:"priceId" validate:"required"`
}

// CreateCheckoutSession starts a Stripe checkout for one of the credit packs,
// creating the Stripe customer on first purchase.
func (h *CheckoutHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	plan, err := h.provider.PlanForPrice(req.PriceID)
	if errors.Is(err, billing.ErrUnknownPrice) {
		writeError(w, http.StatusBadRequest, "Invalid price")
		return
	}
	if err != nil {
		h.logger.Error("resolve plan", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to create checkout session")
		return
	}

	user, err := h.userStore.GetByID(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.logger.Error("checkout user lookup", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to create checkout session")
		return
	}
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	customerID := ""
	if user.StripeCustomerID != nil {
		customerID = *user.StripeCustomerID
	}
	if customerID == "" {
		customerID, err = h.provider.CreateCustomer(r.Context(), user.Email, user.Name)
		if err != nil {
			h.logger.Error("create customer", "user_id", user.ID, "error", err)
			writeError(w, http.StatusBadGateway, "Failed to create customer")
			return
		}
		if err := h.userStore.SetStripeCustomerID(r.Context(), user.ID, customerID); err != nil {
			h.logger.Error("save customer id", "user_id", user.ID, "error", err)
		}
	}

	sess, err := h.provider.CreateCheckoutSession(r.Context(), customerID, user.ID, plan)
	if err != nil {
		h.logger.Error("create checkout session", "user_id", user.ID, "error", err)
		writeError(w, http.StatusBadGateway, "Failed to create checkout session")
		return
	}

	h.logger.Info("checkout session created", "user_id", user.ID, "plan", plan.Name, "session_id", sess.ID)
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": sess.ID, "url": sess.URL})
}
