package types

import (
	"time"

	"github.com/google/uuid"
)

// Roles a user can hold.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User represents an account in the system.
// It contains identity, role, and audit metadata.
type User struct {
	// ID is the unique identifier of the user.
	ID uuid.UUID `json:"id" db:"id"`

	// Username is the unique login handle chosen by the user.
	Username string `json:"username" db:"username"`

	// Email is the user's email address. It may be empty.
	Email string `json:"email" db:"email"`

	// Name is the user's display name.
	Name string `json:"name" db:"name"`

	// Role indicates the user's authorization level ("user" or "admin").
	Role string `json:"role" db:"role"`

	// PasswordHash stores the bcrypt hash of the user's password.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"password_hash"`

	// CreatedAt is the timestamp when the user account was created.
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the user account.
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Ref returns the public identity of the user.
func (u User) Ref() UserRef {
	return UserRef{ID: u.ID, Username: u.Username, Name: u.Name, Email: u.Email}
}

// UserRef is a user identity resolved to display fields, embedded in events.
type UserRef struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	Name     string    `json:"name,omitempty"`
	Email    string    `json:"email,omitempty"`
}

// SignupInput is the payload accepted when creating an account.
type SignupInput struct {
	Username string `json:"username" validate:"required,min=3,max=64,handle"`
	Email    string `json:"email" validate:"omitempty,email,max=254"`
	Name     string `json:"name" validate:"max=100"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// Credentials is the payload accepted at login.
type Credentials struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Session is returned by signup and login.
type Session struct {
	Token string `json:"token"`
	Role  string `json:"role"`
	User  User   `json:"user"`
}
