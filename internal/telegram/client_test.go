package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/crimerisk/internal/models"
)

type fakeSender struct {
	failures int
	calls    int
	last     tgbotapi.MessageConfig
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.calls++
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.last = msg
	}
	if f.calls <= f.failures {
		return tgbotapi.Message{}, errors.New("too many requests")
	}
	return tgbotapi.Message{MessageID: f.calls}, nil
}

var week = time.Date(2024, 8, 12, 0, 0, 0, 0, time.UTC)

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Mission", "Mission"},
		{"2024-08-12", "2024\\-08\\-12"},
		{"62.5", "62\\.5"},
		{"Bayview (Hunters Point)", "Bayview \\(Hunters Point\\)"},
		{"a_b*c", "a\\_b\\*c"},
		{`back\slash`, `back\\slash`},
	}
	for _, tt := range tests {
		if got := escapeMarkdownV2(tt.in); got != tt.want {
			t.Errorf("escapeMarkdownV2(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatDigest(t *testing.T) {
	msg := FormatDigest(week, []models.SpikeResult{
		{NeighborhoodID: "Mission", Prob: 0.8123, Risk: 81.2},
		{NeighborhoodID: "South of Market", Prob: 0.65, Risk: 65},
	})

	for _, want := range []string{
		"Week of 2024\\-08\\-12",
		"ISO week 33",
		"1\\. *Mission*",
		"Spike risk: *81\\.2*",
		"p\\=0\\.8123",
		"2\\. *South of Market*",
		"*65\\.0*",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("digest missing %q:\n%s", want, msg)
		}
	}
}

func TestNotifyRetries(t *testing.T) {
	bot := &fakeSender{failures: 2}
	c, err := newClient(bot, "12345", 3, time.Millisecond)
	if err != nil {
		t.Fatalf("newClient failed: %v", err)
	}

	if err := c.Notify(context.Background(), week, []models.SpikeResult{{NeighborhoodID: "Mission", Risk: 70}}); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if bot.calls != 3 {
		t.Errorf("calls = %d, want 3", bot.calls)
	}
	if bot.last.ChatID != 12345 {
		t.Errorf("ChatID = %d, want 12345", bot.last.ChatID)
	}
	if bot.last.ParseMode != tgbotapi.ModeMarkdownV2 {
		t.Errorf("ParseMode = %q", bot.last.ParseMode)
	}
}

func TestNotifyGivesUp(t *testing.T) {
	bot := &fakeSender{failures: 10}
	c, _ := newClient(bot, "1", 2, time.Millisecond)

	err := c.Notify(context.Background(), week, nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if bot.calls != 2 {
		t.Errorf("calls = %d, want 2", bot.calls)
	}
}

func TestNotifyCancelled(t *testing.T) {
	bot := &fakeSender{failures: 10}
	c, _ := newClient(bot, "1", 5, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Notify(ctx, week, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if bot.calls != 1 {
		t.Errorf("calls = %d, want 1", bot.calls)
	}
}

func TestInvalidChatID(t *testing.T) {
	if _, err := newClient(&fakeSender{}, "not-a-number", 3, time.Second); err == nil {
		t.Error("expected error for invalid chat ID")
	}
}
