package auth

import (
	"strings"
	"time"
)

// User is the identity evaluated by the access engine.
type User struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	IsCredentialed bool      `json:"is_credentialed"`
	IsAdmin        bool      `json:"is_admin"`
	CreatedAt      time.Time `json:"created_at"`
}

// Anonymous is the unauthenticated user.
var Anonymous = User{}

// IsAuthenticated reports whether the user was resolved from a valid credential.
func (u User) IsAuthenticated() bool {
	return strings.TrimSpace(u.ID) != ""
}
