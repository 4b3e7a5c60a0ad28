// Package auth implements password hashing and JWT issuance for Market
// Atlas. Access tokens are short-lived HS256 JWTs; refresh tokens are
// single-use and rotated through a store-backed whitelist, so a stolen
// refresh token that has already been rotated is rejected.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"marketatlas/internal/logging"
	"marketatlas/internal/store"
)

// Token type claims.
const (
	tokenTypeAccess   = "access"
	tokenTypeRefresh  = "refresh"
	tokenTypeTelegram = "telegram_link"

	linkTokenTTL = 15 * time.Minute
)

var (
	// ErrInvalidCredentials is returned for a bad email/password pair.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrInvalidToken is returned for malformed, expired, wrong-type, or
	// already-rotated tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrInactiveUser is returned when the account is disabled.
	ErrInactiveUser = errors.New("account is disabled")
)

// TokenPair is what login and refresh hand back to the client.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// Service issues and verifies tokens against the store.
type Service struct {
	store      *store.Store
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewService builds an auth service around the store.
func NewService(st *store.Store, secret string, accessTTL, refreshTTL time.Duration) *Service {
	return &Service{
		store:      st,
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// HashPassword bcrypt-hashes a plaintext password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Register creates an account and returns the new user.
func (s *Service) Register(email, password, fullName string) (*store.User, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	u, err := s.store.CreateUser(email, hash, fullName)
	if err != nil {
		return nil, err
	}
	logging.Auth("Registered user %s", u.Email)
	return u, nil
}

// Login checks credentials and issues a token pair.
func (s *Service) Login(email, password string) (*store.User, *TokenPair, error) {
	u, err := s.store.GetUserByEmail(email)
	if errors.Is(err, store.ErrNotFound) {
		// Burn a bcrypt compare so missing and wrong-password take
		// similar time.
		_ = bcrypt.CompareHashAndPassword(
			[]byte("$2a$10$000000000000000000000uGZLbQlJzHiyByTr4rkgq5S61uE0Flq"),
			[]byte(password))
		return nil, nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.HashedPassword), []byte(password)); err != nil {
		logging.AuthWarn("Failed login for %s", u.Email)
		return nil, nil, ErrInvalidCredentials
	}
	if !u.IsActive {
		return nil, nil, ErrInactiveUser
	}

	// One active refresh token per user: a new login invalidates any
	// session still holding an older one.
	if err := s.store.RevokeUserTokens(u.ID); err != nil {
		return nil, nil, err
	}
	pair, err := s.issuePair(u.ID)
	if err != nil {
		return nil, nil, err
	}
	logging.Auth("User %s logged in", u.Email)
	return u, pair, nil
}

// Refresh rotates a refresh token: the presented token is consumed and a new
// pair is issued. Presenting a token that was already rotated (or revoked,
// or expired) returns ErrInvalidToken.
func (s *Service) Refresh(refreshToken string) (*TokenPair, error) {
	claims, err := s.parse(refreshToken, tokenTypeRefresh)
	if err != nil {
		return nil, err
	}
	jti, _ := claims["jti"].(string)
	userID, _ := claims["sub"].(string)
	if jti == "" || userID == "" {
		return nil, ErrInvalidToken
	}

	ok, err := s.store.ConsumeRefreshToken(jti, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Possible replay of a rotated token. Revoke the whole family.
		logging.AuthWarn("Refresh token replay for user %s; revoking all sessions", userID)
		_ = s.store.RevokeUserTokens(userID)
		return nil, ErrInvalidToken
	}

	u, err := s.store.GetUserByID(userID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !u.IsActive {
		return nil, ErrInactiveUser
	}
	return s.issuePair(userID)
}

// Logout revokes all of a user's refresh tokens.
func (s *Service) Logout(userID string) error {
	return s.store.RevokeUserTokens(userID)
}

// VerifyAccess validates an access token and returns the user ID.
func (s *Service) VerifyAccess(token string) (string, error) {
	claims, err := s.parse(token, tokenTypeAccess)
	if err != nil {
		return "", err
	}
	userID, _ := claims["sub"].(string)
	if userID == "" {
		return "", ErrInvalidToken
	}
	return userID, nil
}

// IssueLinkToken signs a short-lived token used in the Telegram /start deep
// link to bind a chat to the account.
func (s *Service) IssueLinkToken(userID string) (string, error) {
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  userID,
		"type": tokenTypeTelegram,
		"iat":  now.Unix(),
		"exp":  now.Add(linkTokenTTL).Unix(),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign link token: %w", err)
	}
	return signed, nil
}

// VerifyLinkToken validates a Telegram link token and returns the user ID.
func (s *Service) VerifyLinkToken(token string) (string, error) {
	claims, err := s.parse(token, tokenTypeTelegram)
	if err != nil {
		return "", err
	}
	userID, _ := claims["sub"].(string)
	if userID == "" {
		return "", ErrInvalidToken
	}
	return userID, nil
}

func (s *Service) issuePair(userID string) (*TokenPair, error) {
	now := time.Now().UTC()

	access := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  userID,
		"type": tokenTypeAccess,
		"iat":  now.Unix(),
		"exp":  now.Add(s.accessTTL).Unix(),
	})
	accessStr, err := access.SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	jti := uuid.NewString()
	refreshExp := now.Add(s.refreshTTL)
	refresh := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  userID,
		"type": tokenTypeRefresh,
		"jti":  jti,
		"iat":  now.Unix(),
		"exp":  refreshExp.Unix(),
	})
	refreshStr, err := refresh.SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}
	if err := s.store.SaveRefreshToken(jti, userID, refreshExp); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  accessStr,
		RefreshToken: refreshStr,
		TokenType:    "bearer",
		ExpiresIn:    int(s.accessTTL.Seconds()),
	}, nil
}

func (s *Service) parse(token, wantType string) (jwt.MapClaims, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	if typ, _ := claims["type"].(string); typ != wantType {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
