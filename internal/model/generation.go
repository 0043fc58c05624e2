package model

import "time"

type Generation struct {
	ID                int64     `json:"id"`
	UserID            int64     `json:"user_id"`
	Prompt            string    `json:"prompt"`
	Category          string    `json:"category"`
	NumImages         int       `json:"num_images"`
	ImageURLs         []string  `json:"image_urls"`
	ImageSize         string    `json:"image_size"`
	Style             string    `json:"style"`
	RenderingSpeed    string    `json:"rendering_speed"`
	ProviderRequestID string    `json:"provider_request_id"`
	CreditsUsed       int       `json:"credits_used"`
	CreatedAt         time.Time `json:"created_at"`
}

// Balance splits a user's credits into the purchase-backed portion and the
// free remainder.
type Balance struct {
	PaidCredits int `json:"paidCredits"`
	FreeCredits int `json:"freeCredits"`
	Total       int `json:"total"`
}
