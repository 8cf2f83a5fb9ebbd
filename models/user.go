package models

import (
	"fmt"
	"strings"
	"time"
)

// UserRole separates the two sides of an appointment.
type UserRole string

const (
	UserRolePatient UserRole = "patient"
	UserRoleDoctor  UserRole = "doctor"
)

// User is an account that can open a transport channel.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	Email        string    `json:"email"`
	Role         UserRole  `json:"role"`
	AvatarURL    *string   `json:"avatar_url"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Name returns the display name, falling back to the username.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// CreateUserRequest is the register payload. Hashing happens in the service.
type CreateUserRequest struct {
	Username    string   `json:"username" validate:"required,min=3,max=32"`
	Password    string   `json:"password" validate:"required,min=8,max=72"`
	DisplayName string   `json:"display_name" validate:"max=64"`
	Email       string   `json:"email" validate:"omitempty,email"`
	Role        UserRole `json:"role" validate:"omitempty,oneof=patient doctor"`
}

// Validate trims and checks the request. Role defaults to patient.
func (r *CreateUserRequest) Validate() error {
	r.Username = strings.TrimSpace(r.Username)
	r.DisplayName = strings.TrimSpace(r.DisplayName)
	r.Email = strings.TrimSpace(r.Email)

	if err := validateStruct(r); err != nil {
		return err
	}
	for _, ch := range r.Username {
		if !isValidUsernameChar(ch) {
			return fmt.Errorf("username can only contain letters, numbers, and underscores")
		}
	}
	if r.Role == "" {
		r.Role = UserRolePatient
	}
	return nil
}

// LoginRequest is the login payload.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Validate checks both fields are present.
func (r *LoginRequest) Validate() error {
	r.Username = strings.TrimSpace(r.Username)
	return validateStruct(r)
}

func isValidUsernameChar(ch rune) bool {
	return (ch >= 'a' && ch <= 'z') ||
		(ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9') ||
		ch == '_'
}
