package model

import "time"

// User is a collaborator's profile document.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`

	// Unknown marks a sentinel produced when a profile fetch failed or the
	// document was missing. Batch fetches substitute sentinels instead of
	// failing the whole batch.
	Unknown bool `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UnknownUser returns the sentinel record for an id that could not be
// resolved.
func UnknownUser(id string) *User {
	return &User{
		ID:      id,
		Name:    "Unknown",
		Unknown: true,
	}
}
