// Package telegram provides a client for sending notifications via Telegram Bot API.
// It formats spike digests into human-readable messages and handles delivery
// with retry logic for reliability.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/crimerisk/internal/models"
)

// sender is the subset of *tgbotapi.BotAPI the client needs.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications
type Client struct {
	bot            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return newClient(bot, chatID, maxRetries, retryDelayBase)
}

func newClient(bot sender, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// Notify sends a spike digest for a served week
func (c *Client) Notify(ctx context.Context, servedWeek time.Time, alerts []models.SpikeResult) error {
	msg := tgbotapi.NewMessage(c.chatID, FormatDigest(servedWeek, alerts))
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelayBase * time.Duration(i)):
			}
		}
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
	}

	return fmt.Errorf("failed to send message after %d retries: %w", c.maxRetries, lastErr)
}

// FormatDigest formats spike alerts into a MarkdownV2 message
func FormatDigest(servedWeek time.Time, alerts []models.SpikeResult) string {
	var b strings.Builder
	b.WriteString("🚨 *Crime Spike Watch*\n\n")
	fmt.Fprintf(&b, "📅 Week of %s \\(ISO week %d\\)\n\n",
		escapeMarkdownV2(models.FormatDate(servedWeek)), models.ISOWeek(servedWeek))

	for i, a := range alerts {
		fmt.Fprintf(&b, "%d\\. *%s*\n", i+1, escapeMarkdownV2(a.NeighborhoodID))
		fmt.Fprintf(&b, "   📈 Spike risk: *%s* \\(p\\=%s\\)\n",
			escapeMarkdownV2(fmt.Sprintf("%.1f", a.Risk)),
			escapeMarkdownV2(fmt.Sprintf("%.4f", a.Prob)))
	}
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	for _, char := range text {
		switch char {
		case '\\', '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteRune('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
