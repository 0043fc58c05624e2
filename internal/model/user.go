package model

import "time"

type User struct {
	ID               int64      `json:"id"`
	Email            string     `json:"email"`
	Name             string     `json:"name"`
	PasswordHash     string     `json:"-"`
	EmailVerifiedAt  *time.Time `json:"email_verified_at"`
	AvailableCredits int        `json:"available_credits"`
	StripeCustomerID *string    `json:"stripe_customer_id"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (u *User) Verified() bool {
	return u.EmailVerifiedAt != nil
}
