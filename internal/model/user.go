package model

import "time"

const (
	RolePublic = "PUBLIC"
	RoleAuthor = "AUTHOR"
	RoleAdmin  = "ADMIN"
)

func ValidRole(role string) bool {
	return role == RolePublic || role == RoleAuthor || role == RoleAdmin
}

// User is the persisted principal. At least one of Email or Username is
// always present; PasswordHash never leaves the repository/service layers.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email,omitempty"`
	Username     string    `json:"username,omitempty"`
	Name         string    `json:"name,omitempty"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// PublicUser is the sanitized view returned by the API.
type PublicUser struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	Name     string `json:"name,omitempty"`
	Role     string `json:"role"`
}

func (u User) Public() PublicUser {
	return PublicUser{ID: u.ID, Email: u.Email, Username: u.Username, Name: u.Name, Role: u.Role}
}
