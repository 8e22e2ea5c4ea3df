package model

// Actor is the authenticated caller as reported by the authentication service.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}
