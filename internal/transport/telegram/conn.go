package telegram

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "postify/internal/runtime/supervisor"
	"postify/internal/transport"
	logx "postify/pkg/logx"

	"golang.org/x/time/rate"
)

type conn struct {
	tenantID string
	hooks    transport.Hooks
	cfg      Config
	log      logx.Logger
	limiter  *rate.Limiter

	bot *tele.Bot
	sup *rtsup.Supervisor

	healthy   atomic.Bool
	pollFails atomic.Int32
	closeOnce sync.Once
}

func (c *conn) Healthy() bool { return c.healthy.Load() }

func (c *conn) registerHandlers() {
	forward := func(kind transport.UpdateKind) tele.HandlerFunc {
		return func(tc tele.Context) error {
			m := tc.Message()
			if m == nil || c.hooks.OnUpdate == nil {
				return nil
			}
			up := transport.Update{
				TenantID:  c.tenantID,
				Kind:      kind,
				MessageID: m.ID,
				Text:      m.Text,
				At:        m.Time(),
			}
			if m.Chat != nil {
				up.ChatID = m.Chat.ID
			}
			if s := tc.Sender(); s != nil {
				up.FromID = s.ID
				up.FromUsername = s.Username
			}
			if cb := tc.Callback(); cb != nil {
				up.CallbackID = cb.ID
				up.Data = cb.Data
			}
			c.hooks.OnUpdate(up)
			return nil
		}
	}
	c.bot.Handle(tele.OnText, forward(transport.UpdateMessage))
	c.bot.Handle(tele.OnChannelPost, forward(transport.UpdateChannelPost))
	c.bot.Handle(tele.OnCallback, forward(transport.UpdateCallback))
}

func (c *conn) onHandlerError(err error, _ tele.Context) {
	c.log.Warn("update handler failed", logx.Err(err))
}

// pollFailed records a getUpdates failure and reports whether the connection
// is now unusable.
func (c *conn) pollFailed(err error) bool {
	f := classified(err)
	fatal := f.Kind != transport.FailureUnknown
	if !fatal && int(c.pollFails.Add(1)) >= c.cfg.MaxPollFailures {
		fatal = true
	}
	if fatal {
		c.healthy.Store(false)
	}
	c.log.Warn("poll failed", logx.String("kind", f.Kind.String()), logx.Bool("fatal", fatal), logx.Err(f.Err))
	if c.hooks.OnError != nil {
		c.hooks.OnError(f)
	}
	return fatal
}

func (c *conn) pollOK() { c.pollFails.Store(0) }

// Publish sends text to chatID, splitting it into several messages when it
// exceeds the API limit. The receipt identifies the first message.
func (c *conn) Publish(ctx context.Context, chatID int64, text string, opt *transport.SendOptions) (transport.Receipt, error) {
	if !c.Healthy() {
		return transport.Receipt{}, &transport.Failure{Kind: transport.FailureUnknown, Err: errors.New("connection is not healthy")}
	}
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chunks := splitText(text, textLimit, opt.ParseMode)
	if len(chunks) == 0 {
		return transport.Receipt{}, errors.New("empty message")
	}

	var first transport.Receipt
	for i, chunk := range chunks {
		if err := c.limiter.Wait(ctx); err != nil {
			return first, err
		}
		msg, err := c.bot.Send(tele.ChatID(chatID), chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			DisableNotification:   opt.Silent,
		})
		if err != nil {
			f := classified(err)
			if f.Kind == transport.FailureAuthRevoked {
				c.healthy.Store(false)
				if c.hooks.OnError != nil {
					c.hooks.OnError(f)
				}
			}
			return first, f
		}
		if i == 0 {
			first = transport.Receipt{ChatID: chatID, MessageID: int64(msg.ID), At: receiptTime(msg.Time())}
		}
	}
	return first, nil
}

// Close stops polling. It never blocks longer than the configured grace
// period or ctx, whichever ends first.
func (c *conn) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.healthy.Store(false)
		if c.sup == nil {
			return
		}
		c.sup.Cancel()
		go c.bot.Stop()

		wctx, cancel := context.WithTimeout(ctx, c.cfg.StopGrace)
		defer cancel()
		if err := c.sup.Wait(wctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				c.log.Warn("telegram stop timed out", logx.Duration("grace", c.cfg.StopGrace))
				return
			}
			c.log.Debug("telegram stopped with error", logx.Err(err))
		}
	})
	return nil
}

var _ transport.Conn = (*conn)(nil)

// receiptTime falls back to now when the API omits the date.
func receiptTime(t time.Time) time.Time {
	if t.Unix() <= 0 {
		return time.Now().UTC()
	}
	return t.UTC()
}
