// Package telegram delivers alert notifications and operator messages via the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rewired-gh/ratealert/internal/models"
)

// Config holds bot credentials and delivery tunables.
type Config struct {
	BotToken       string
	OperatorChatID string // optional; empty disables operator messages
	APIEndpoint    string // defaults to tgbotapi.APIEndpoint
	Timeout        time.Duration
	MaxRetries     int
	RetryDelayBase time.Duration
}

// Client handles Telegram notifications. A user's delivery token is the
// numeric chat ID the bot writes to.
type Client struct {
	bot            *tgbotapi.BotAPI
	operatorChatID int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client.
func NewClient(cfg Config) (*Client, error) {
	var operatorChatID int64
	if cfg.OperatorChatID != "" {
		id, err := strconv.ParseInt(cfg.OperatorChatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid operator chat ID: %w", err)
		}
		operatorChatID = id
	}

	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.BotToken, endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelayBase := cfg.RetryDelayBase
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		operatorChatID: operatorChatID,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// Send delivers one alert notification to the chat identified by token.
// It makes a single attempt: a failed delivery is reported, never repeated.
func (c *Client) Send(ctx context.Context, token string, n models.Notification) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(token), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid delivery token: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(chatID, formatNotification(n))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := c.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	return nil
}

// sendOperator sends a MarkdownV2 message to the operator chat with linear-backoff retry.
func (c *Client) sendOperator(text string) error {
	if c.operatorChatID == 0 {
		return nil
	}
	msg := tgbotapi.NewMessage(c.operatorChatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if i < c.maxRetries-1 {
			time.Sleep(c.retryDelayBase * time.Duration(i+1))
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError reports a failed evaluation run to the operator.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(runErr error) error {
	text := fmt.Sprintf("⚠️ *Alert evaluation error*\n`%s`", escapeMarkdownV2(runErr.Error()))
	return c.sendOperator(text)
}

// SendRecovery tells the operator that runs succeed again after consecutive failures.
func (c *Client) SendRecovery(failureCount int) error {
	text := fmt.Sprintf("✅ *Alert evaluation recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendOperator(text)
}

// formatNotification renders a notification as a Telegram MarkdownV2 message.
func formatNotification(n models.Notification) string {
	var b strings.Builder
	b.WriteString("🔔 *")
	b.WriteString(escapeMarkdownV2(n.Title))
	b.WriteString("*\n")
	b.WriteString(escapeMarkdownV2(n.Body))
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
