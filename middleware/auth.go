// Package middleware holds the HTTP middleware chain. Each middleware is a
// func(next http.Handler) http.Handler that either calls next or writes an
// error response and stops.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/akinalp/medicall/handlers"
	"github.com/akinalp/medicall/models"
	"github.com/akinalp/medicall/pkg"
	"github.com/akinalp/medicall/services"
)

// UserLookup loads the user behind a token.
type UserLookup interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// AuthMiddleware validates the bearer access token.
type AuthMiddleware struct {
	authService services.AuthService
	users       UserLookup
}

// NewAuthMiddleware creates an AuthMiddleware.
func NewAuthMiddleware(authService services.AuthService, users UserLookup) *AuthMiddleware {
	return &AuthMiddleware{
		authService: authService,
		users:       users,
	}
}

// Require rejects the request with 401 unless it carries a valid
// "Authorization: Bearer <token>" for an existing user. The user is put on
// the context under handlers.UserContextKey.
func (m *AuthMiddleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			pkg.ErrorWithMessage(w, http.StatusUnauthorized, "authorization header required")
			return
		}

		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			pkg.ErrorWithMessage(w, http.StatusUnauthorized, "invalid authorization format, use: Bearer <token>")
			return
		}

		claims, err := m.authService.ValidateAccessToken(tokenString)
		if err != nil {
			pkg.Error(w, err)
			return
		}

		// The token can outlive the account.
		user, err := m.users.GetByID(r.Context(), claims.UserID)
		if err != nil {
			pkg.ErrorWithMessage(w, http.StatusUnauthorized, "user not found")
			return
		}
		user.PasswordHash = ""

		ctx := context.WithValue(r.Context(), handlers.UserContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
