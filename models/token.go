package models

import "github.com/golang-jwt/jwt/v5"

// TokenClaims is the JWT payload. It lives in models so services, ws and
// middleware can all depend on it without import cycles.
type TokenClaims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// AuthTokens is returned by register, login and refresh.
type AuthTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	User         *User  `json:"user"`
}

// RefreshRequest carries the refresh token to exchange.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// Validate checks the token is present.
func (r *RefreshRequest) Validate() error {
	return validateStruct(r)
}
