package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"postify/internal/transport"
)

// Sender is a send-only bot used for operator alerts. It never polls, so it
// cannot conflict with a tenant connection even when it shares a token.
type Sender struct {
	bot *tele.Bot
}

func NewSender(apiURL, token string) (*Sender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     apiURL,
		Token:   token,
		Offline: true,
		Client:  &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Sender{bot: b}, nil
}

func (s *Sender) Send(ctx context.Context, chatID int64, text string, opt *transport.SendOptions) (transport.Receipt, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	var first transport.Receipt
	for i, chunk := range splitText(text, textLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := s.bot.Send(tele.ChatID(chatID), chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			DisableNotification:   opt.Silent,
		})
		if err != nil {
			return first, classified(err)
		}
		if i == 0 {
			first = transport.Receipt{ChatID: chatID, MessageID: int64(msg.ID), At: receiptTime(msg.Time())}
		}
	}
	return first, nil
}
