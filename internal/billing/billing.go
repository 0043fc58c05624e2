// Package billing wraps the Stripe API for one-off credit pack purchases.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	stripe "github.com/stripe/stripe-go/v82"
	checksession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Metadata keys attached to checkout sessions and read back by the webhook.
const (
	MetaUserID      = "userId"
	MetaProductName = "productName"
	MetaCredits     = "credits"
)

var ErrUnknownPrice = errors.New("unknown price id")

type Config struct {
	SecretKey      string
	WebhookSecret  string
	StarterPriceID string
	ProPriceID     string
	StarterCredits int
	ProCredits     int
	SuccessURL     string
	CancelURL      string
}

// Plan is a purchasable credit pack.
type Plan struct {
	PriceID string
	Name    string
	Credits int
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey
	return &Client{cfg: cfg}
}

// Configured returns true if a secret key is set.
func (c *Client) Configured() bool {
	return c.cfg.SecretKey != ""
}

// PlanForPrice returns the plan sold under priceID. Only the configured
// tiers are accepted.
func (c *Client) PlanForPrice(priceID string) (Plan, error) {
	switch {
	case priceID == "":
	case priceID == c.cfg.StarterPriceID:
		return Plan{PriceID: priceID, Name: "Starter", Credits: c.cfg.StarterCredits}, nil
	case priceID == c.cfg.ProPriceID:
		return Plan{PriceID: priceID, Name: "Pro", Credits: c.cfg.ProCredits}, nil
	}
	return Plan{}, fmt.Errorf("%w: %q", ErrUnknownPrice, priceID)
}

// CreateCustomer creates a Stripe customer and returns the customer ID.
func (c *Client) CreateCustomer(ctx context.Context, email, name string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
	}
	if name != "" {
		params.Name = stripe.String(name)
	}
	params.Context = ctx
	cust, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}
	return cust.ID, nil
}

type CheckoutSession struct {
	ID  string
	URL string
}

// CreateCheckoutSession starts a one-time payment for plan. The buyer and
// the pack are recorded in metadata so the webhook can credit the account.
func (c *Client) CreateCheckoutSession(ctx context.Context, customerID string, userID int64, plan Plan) (*CheckoutSession, error) {
	meta := map[string]string{
		MetaUserID:      strconv.FormatInt(userID, 10),
		MetaProductName: plan.Name,
		MetaCredits:     strconv.Itoa(plan.Credits),
	}
	params := &stripe.CheckoutSessionParams{
		Customer: stripe.String(customerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(plan.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		ClientReferenceID: stripe.String(strconv.FormatInt(userID, 10)),
		Metadata:          meta,
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: meta,
		},
		SuccessURL: stripe.String(c.cfg.SuccessURL),
		CancelURL:  stripe.String(c.cfg.CancelURL),
	}
	params.Context = ctx
	sess, err := checksession.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// ConstructWebhookEvent verifies the signature and returns the parsed event.
func (c *Client) ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, sigHeader, c.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}

// Completion is the purchase described by a checkout.session.completed event.
type Completion struct {
	SessionID       string
	PaymentIntentID string
	CustomerID      string
	UserID          int64
	ProductName     string
	Credits         int
	Amount          int64
	Currency        string
}

// ParseCheckoutCompleted extracts the purchase from a completed checkout
// session. Sessions without valid buyer metadata are rejected.
func ParseCheckoutCompleted(event stripe.Event) (*Completion, error) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal checkout session: %w", err)
	}
	if sess.ID == "" {
		return nil, errors.New("checkout session missing id")
	}

	userID, err := strconv.ParseInt(sess.Metadata[MetaUserID], 10, 64)
	if err != nil || userID <= 0 {
		return nil, fmt.Errorf("checkout session %s: invalid %s metadata %q", sess.ID, MetaUserID, sess.Metadata[MetaUserID])
	}
	credits, err := strconv.Atoi(sess.Metadata[MetaCredits])
	if err != nil || credits <= 0 {
		return nil, fmt.Errorf("checkout session %s: invalid %s metadata %q", sess.ID, MetaCredits, sess.Metadata[MetaCredits])
	}

	c := &Completion{
		SessionID:   sess.ID,
		UserID:      userID,
		ProductName: sess.Metadata[MetaProductName],
		Credits:     credits,
		Amount:      sess.AmountTotal,
		Currency:    string(sess.Currency),
	}
	if sess.PaymentIntent != nil {
		c.PaymentIntentID = sess.PaymentIntent.ID
	}
	if sess.Customer != nil {
		c.CustomerID = sess.Customer.ID
	}
	return c, nil
}

// PaymentIntentID extracts the object id from a payment_intent.* event.
func PaymentIntentID(event stripe.Event) (string, error) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return "", fmt.Errorf("unmarshal payment intent: %w", err)
	}
	if pi.ID == "" {
		return "", errors.New("payment intent missing id")
	}
	return pi.ID, nil
}
