package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"marketatlas/internal/logging"
)

// telegramUpdate is the subset of the Bot API update payload the webhook
// cares about.
type telegramUpdate struct {
	Message struct {
		Text string `json:"text"`
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
	} `json:"message"`
}

// handleTelegramWebhook binds a Telegram chat to an account via the
// "/start <link-token>" deep link.
func (s *Server) handleTelegramWebhook(c *gin.Context) {
	if s.cfg.Telegram.WebhookSecret == "" ||
		c.GetHeader("X-Telegram-Bot-Api-Secret-Token") != s.cfg.Telegram.WebhookSecret {
		errorJSON(c, http.StatusForbidden, "Invalid signature")
		return
	}

	var update telegramUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		errorJSON(c, http.StatusBadRequest, "Malformed update")
		return
	}
	chatID := strconv.FormatInt(update.Message.From.ID, 10)
	text := update.Message.Text

	ctx := c.Request.Context()
	if !strings.HasPrefix(text, "/start ") {
		s.sendTelegram(ctx, chatID,
			"Welcome to Market Atlas Bot!\n\nPlease use the 'Connect Telegram' button in Settings to generate a connection link.")
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	token := strings.TrimSpace(strings.TrimPrefix(text, "/start "))
	uid, err := s.auth.VerifyLinkToken(token)
	if err != nil {
		s.sendTelegram(ctx, chatID,
			"❌ Connection failed. The link may have expired, please generate a new one.")
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	if err := s.store.SetTelegramChatID(uid, chatID); err != nil {
		logging.Notify("Failed to bind chat %s: %v", chatID, err)
		s.sendTelegram(ctx, chatID, "❌ Connection failed, please try again.")
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	logging.Notify("Telegram chat %s connected to user %s", chatID, uid)
	s.sendTelegram(ctx, chatID,
		"✅ Account connected successfully!\n\nYou will now receive Market Atlas notifications.")
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) sendTelegram(ctx context.Context, chatID, text string) {
	if s.telegram == nil || !s.telegram.Enabled() {
		return
	}
	if err := s.telegram.SendMessage(ctx, chatID, text); err != nil {
		logging.Notify("Failed to send Telegram message to %s: %v", chatID, err)
	}
}
