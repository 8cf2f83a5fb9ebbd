// Package services holds the coordinator's business logic. Each service is
// an interface with a private implementation; dependencies arrive through
// the constructor.
package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/akinalp/medicall/models"
	"github.com/akinalp/medicall/pkg"
	"github.com/akinalp/medicall/repository"
)

const (
	tokenIssuer     = "medicall"
	audienceAccess  = "access"
	audienceRefresh = "refresh"
	bcryptCost      = 12
)

// AuthService issues and validates the tokens that open a transport channel.
type AuthService interface {
	Register(ctx context.Context, req *models.CreateUserRequest) (*models.AuthTokens, error)
	Login(ctx context.Context, req *models.LoginRequest) (*models.AuthTokens, error)
	Refresh(ctx context.Context, refreshToken string) (*models.AuthTokens, error)
	ValidateAccessToken(tokenString string) (*models.TokenClaims, error)
	Me(ctx context.Context, userID string) (*models.User, error)
}

type authService struct {
	userRepo   repository.UserRepository
	jwtSecret  []byte
	accessExp  time.Duration
	refreshExp time.Duration
}

// NewAuthService creates an AuthService. Expiries are in minutes (access)
// and days (refresh), matching config.JWTConfig.
func NewAuthService(
	userRepo repository.UserRepository,
	jwtSecret string,
	accessExpiryMinutes int,
	refreshExpiryDays int,
) AuthService {
	return &authService{
		userRepo:   userRepo,
		jwtSecret:  []byte(jwtSecret),
		accessExp:  time.Duration(accessExpiryMinutes) * time.Minute,
		refreshExp: time.Duration(refreshExpiryDays) * 24 * time.Hour,
	}
}

func (s *authService) Register(ctx context.Context, req *models.CreateUserRequest) (*models.AuthTokens, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", pkg.ErrBadRequest, err.Error())
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		Email:        req.Email,
		Role:         req.Role,
		PasswordHash: string(hash),
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		return nil, err
	}

	return s.generateTokens(user)
}

func (s *authService) Login(ctx context.Context, req *models.LoginRequest) (*models.AuthTokens, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", pkg.ErrBadRequest, err.Error())
	}

	user, err := s.userRepo.GetByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, pkg.ErrNotFound) {
			return nil, fmt.Errorf("%w: invalid username or password", pkg.ErrUnauthorized)
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, fmt.Errorf("%w: invalid username or password", pkg.ErrUnauthorized)
	}

	return s.generateTokens(user)
}

func (s *authService) Refresh(ctx context.Context, refreshToken string) (*models.AuthTokens, error) {
	claims, err := s.parse(refreshToken, audienceRefresh)
	if err != nil {
		return nil, err
	}

	user, err := s.userRepo.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, pkg.ErrNotFound) {
			return nil, fmt.Errorf("%w: user no longer exists", pkg.ErrUnauthorized)
		}
		return nil, err
	}

	return s.generateTokens(user)
}

// ValidateAccessToken is used by the REST middleware and the ws upgrade.
// Refresh tokens are rejected.
func (s *authService) ValidateAccessToken(tokenString string) (*models.TokenClaims, error) {
	return s.parse(tokenString, audienceAccess)
}

func (s *authService) Me(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	user.PasswordHash = ""
	return user, nil
}

func (s *authService) parse(tokenString, audience string) (*models.TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.TokenClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(tokenIssuer))

	if err != nil {
		return nil, fmt.Errorf("%w: invalid token", pkg.ErrUnauthorized)
	}

	claims, ok := token.Claims.(*models.TokenClaims)
	if !ok || !token.Valid || !slices.Contains(claims.Audience, audience) {
		return nil, fmt.Errorf("%w: invalid token claims", pkg.ErrUnauthorized)
	}

	return claims, nil
}

func (s *authService) generateTokens(user *models.User) (*models.AuthTokens, error) {
	access, err := s.sign(user, audienceAccess, s.accessExp)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}
	refresh, err := s.sign(user, audienceRefresh, s.refreshExp)
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	user.PasswordHash = ""

	return &models.AuthTokens{
		AccessToken:  access,
		RefreshToken: refresh,
		User:         user,
	}, nil
}

func (s *authService) sign(user *models.User, audience string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &models.TokenClaims{
		UserID:   user.ID,
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}
