package model

import "time"

type PurchaseStatus string

const (
	PurchaseStatusPending   PurchaseStatus = "PENDING"
	PurchaseStatusCompleted PurchaseStatus = "COMPLETED"
	PurchaseStatusFailed    PurchaseStatus = "FAILED"
)

// Purchase is a paid credit bundle with its own remaining balance.
// CreditsUsed + CreditsRemaining always equals TotalCredits.
type Purchase struct {
	ID                    int64          `json:"id"`
	UserID                int64          `json:"user_id"`
	ProductName           string         `json:"product_name"`
	TotalCredits          int            `json:"total_credits"`
	CreditsUsed           int            `json:"credits_used"`
	CreditsRemaining      int            `json:"credits_remaining"`
	Status                PurchaseStatus `json:"status"`
	Amount                int64          `json:"amount"`
	Currency              string         `json:"currency"`
	StripeSessionID       *string        `json:"stripe_session_id"`
	StripePaymentIntentID *string        `json:"stripe_payment_intent_id"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}
