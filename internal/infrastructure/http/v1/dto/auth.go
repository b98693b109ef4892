package dto

import "time"

// OAuthStateResponse carries a signed state for an OAuth redirect.
type OAuthStateResponse struct {
	State     string    `json:"state"`
	Provider  string    `json:"provider"`
	ExpiresAt time.Time `json:"expires_at"`
}

// OAuthCallbackRequest is the provider redirect back to us.
type OAuthCallbackRequest struct {
	State string `form:"state" binding:"required"`
	Code  string `form:"code" binding:"required"`
}

// OAuthCallbackResponse reports the tenant and user the callback was bound to.
type OAuthCallbackResponse struct {
	Tenant   string `json:"tenant"`
	UserID   string `json:"user_id"`
	Provider string `json:"provider"`
}
