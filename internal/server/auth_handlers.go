package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"marketatlas/internal/auth"
	"marketatlas/internal/store"
)

type registerRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	FullName string `json:"full_name"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

type userResponse struct {
	ID                string    `json:"id"`
	Email             string    `json:"email"`
	FullName          string    `json:"full_name"`
	IsActive          bool      `json:"is_active"`
	TelegramConnected bool      `json:"telegram_connected"`
	CreatedAt         time.Time `json:"created_at"`
}

func toUserResponse(u *store.User) userResponse {
	return userResponse{
		ID:                u.ID,
		Email:             u.Email,
		FullName:          u.FullName,
		IsActive:          u.IsActive,
		TelegramConnected: u.TelegramChatID != "",
		CreatedAt:         u.CreatedAt,
	}
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusUnprocessableEntity, err.Error())
		return
	}

	u, err := s.auth.Register(req.Email, req.Password, req.FullName)
	if errors.Is(err, store.ErrDuplicate) {
		errorJSON(c, http.StatusBadRequest, "Email already registered")
		return
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "Registration failed")
		return
	}
	c.JSON(http.StatusCreated, toUserResponse(u))
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusUnprocessableEntity, err.Error())
		return
	}

	_, pair, err := s.auth.Login(req.Email, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		errorJSON(c, http.StatusUnauthorized, "Invalid email or password")
	case errors.Is(err, auth.ErrInactiveUser):
		errorJSON(c, http.StatusForbidden, "Inactive user")
	case err != nil:
		errorJSON(c, http.StatusInternalServerError, "Login failed")
	default:
		c.JSON(http.StatusOK, pair)
	}
}

func (s *Server) handleRefresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusUnprocessableEntity, err.Error())
		return
	}

	pair, err := s.auth.Refresh(req.RefreshToken)
	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		errorJSON(c, http.StatusUnauthorized, "Refresh token has been revoked or already used")
	case errors.Is(err, auth.ErrInactiveUser):
		errorJSON(c, http.StatusUnauthorized, "User not found or inactive")
	case err != nil:
		errorJSON(c, http.StatusInternalServerError, "Refresh failed")
	default:
		c.JSON(http.StatusOK, pair)
	}
}

func (s *Server) handleLogout(c *gin.Context) {
	if err := s.auth.Logout(userID(c)); err != nil {
		errorJSON(c, http.StatusInternalServerError, "Logout failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"detail": "Logged out"})
}

func (s *Server) handleMe(c *gin.Context) {
	u, err := s.store.GetUserByID(userID(c))
	if err != nil {
		errorJSON(c, http.StatusNotFound, "User not found")
		return
	}
	c.JSON(http.StatusOK, toUserResponse(u))
}

// handleTelegramLink issues the /start deep link that binds a Telegram chat
// to this account.
func (s *Server) handleTelegramLink(c *gin.Context) {
	token, err := s.auth.IssueLinkToken(userID(c))
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "Failed to create link")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"link": fmt.Sprintf("https://t.me/%s?start=%s", s.cfg.Telegram.BotUsername, token),
	})
}
