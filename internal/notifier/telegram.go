package notifier

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// TelegramConfig addresses one chat through the Bot API.
type TelegramConfig struct {
	Token  string
	ChatID int64
	// ThreadID targets a forum topic; 0 posts to the main chat.
	ThreadID int
	// URL overrides the Bot API endpoint.
	URL string
}

// Telegram is a send-only Sender. It never polls for updates.
type Telegram struct {
	bot      *tele.Bot
	chat     tele.ChatID
	threadID int
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.URL,
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: 8 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chat: tele.ChatID(cfg.ChatID), threadID: cfg.ThreadID}, nil
}

func (t *Telegram) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, text, &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              t.threadID,
	})
	return err
}
