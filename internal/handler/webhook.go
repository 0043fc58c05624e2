package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/dukerupert/infographic/internal/billing"
	"github.com/dukerupert/infographic/internal/ledger"
	"github.com/dukerupert/infographic/internal/model"
	"github.com/dukerupert/infographic/internal/store"
)

// EventVerifier checks a webhook signature and parses the event.
type EventVerifier interface {
	ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error)
}

type WebhookHandler struct {
	verifier  EventVerifier
	ledger    *ledger.Ledger
	userStore *store.UserStore
	logger    *slog.Logger
}

func NewWebhookHandler(v EventVerifier, l *ledger.Ledger, us *store.UserStore, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		verifier:  v,
		ledger:    l,
		userStore: us,
		logger:    logger.With("component", "webhook"),
	}
}

// HandleStripeWebhook applies payment events to the ledger. Once the
// signature checks out the answer is always 200; processing failures are
// logged.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 65536))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	event, err := h.verifier.ConstructWebhookEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("webhook signature rejected", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid signature")
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		h.handleCheckoutCompleted(r.Context(), event)
	case "payment_intent.succeeded":
		h.handlePaymentIntent(r.Context(), event, model.PurchaseStatusCompleted)
	case "payment_intent.payment_failed":
		h.handlePaymentIntent(r.Context(), event, model.PurchaseStatusFailed)
	default:
		h.logger.Debug("ignoring webhook event", "type", event.Type, "event_id", event.ID)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *WebhookHandler) handleCheckoutCompleted(ctx context.Context, event stripe.Event) {
	c, err := billing.ParseCheckoutCompleted(event)
	if err != nil {
		h.logger.Error("parse checkout session", "event_id", event.ID, "error", err)
		return
	}

	purchase, duplicate, err := h.ledger.Credit(ctx, ledger.CreditParams{
		UserID:                c.UserID,
		Credits:               c.Credits,
		ProductName:           c.ProductName,
		Amount:                c.Amount,
		Currency:              c.Currency,
		StripeSessionID:       c.SessionID,
		StripePaymentIntentID: c.PaymentIntentID,
	})
	if err != nil {
		h.logger.Error("credit purchase", "session_id", c.SessionID, "user_id", c.UserID, "error", err)
		return
	}
	if duplicate {
		h.logger.Info("checkout session already credited", "session_id", c.SessionID, "purchase_id", purchase.ID)
		return
	}

	if c.CustomerID != "" {
		user, err := h.userStore.GetByID(ctx, c.UserID)
		if err == nil && user != nil && user.StripeCustomerID == nil {
			if err := h.userStore.SetStripeCustomerID(ctx, user.ID, c.CustomerID); err != nil {
				h.logger.Warn("save customer id from checkout", "user_id", user.ID, "error", err)
			}
		}
	}
}

func (h *WebhookHandler) handlePaymentIntent(ctx context.Context, event stripe.Event, status model.PurchaseStatus) {
	id, err := billing.PaymentIntentID(event)
	if err != nil {
		h.logger.Error("parse payment intent", "event_id", event.ID, "error", err)
		return
	}

	purchase, err := h.ledger.SetPaymentStatus(ctx, id, status)
	if err != nil {
		h.logger.Error("update purchase status", "payment_intent", id, "status", status, "error", err)
		return
	}
	if purchase == nil {
		h.logger.Debug("no purchase for payment intent", "payment_intent", id)
	}
}
