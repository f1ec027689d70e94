package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "postify/internal/runtime/supervisor"
	"postify/internal/transport"
	logx "postify/pkg/logx"

	"golang.org/x/time/rate"
)

// Config controls how tenant connections talk to the Bot API.
type Config struct {
	APIURL      string        // empty means the public Bot API
	PollTimeout time.Duration // long-poll timeout
	StopGrace   time.Duration
	SendRate    float64 // messages per second per connection
	SendBurst   int
	// MaxPollFailures marks a connection unhealthy after this many
	// consecutive unclassified poll failures.
	MaxPollFailures int
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 2 * time.Second
	}
	if c.SendRate <= 0 {
		c.SendRate = 1
	}
	if c.SendBurst <= 0 {
		c.SendBurst = 3
	}
	if c.MaxPollFailures <= 0 {
		c.MaxPollFailures = 3
	}
	return c
}

// Dialer opens long-polling bot connections, one per tenant credential.
type Dialer struct {
	cfg Config
	log logx.Logger
}

func NewDialer(cfg Config, log logx.Logger) *Dialer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dialer{cfg: cfg.withDefaults(), log: log}
}

// Open validates the credential with getMe, probes getUpdates once so a
// competing consumer surfaces as a Conflict before anything is registered,
// then starts polling.
func (d *Dialer) Open(ctx context.Context, tenantID, token string, hooks transport.Hooks) (transport.Conn, error) {
	if strings.TrimSpace(token) == "" {
		return nil, &transport.Failure{Kind: transport.FailureAuthRevoked, Err: errors.New("empty token")}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := &conn{
		tenantID: tenantID,
		hooks:    hooks,
		cfg:      d.cfg,
		log:      d.log.With(logx.String("tenant", tenantID)),
		limiter:  rate.NewLimiter(rate.Limit(d.cfg.SendRate), d.cfg.SendBurst),
	}
	bot, err := tele.NewBot(tele.Settings{
		URL:     d.cfg.APIURL,
		Token:   token,
		Poller:  &poller{conn: c, timeout: d.cfg.PollTimeout},
		Client:  &http.Client{Timeout: d.cfg.PollTimeout + 10*time.Second},
		OnError: c.onHandlerError,
	})
	if err != nil {
		return nil, classified(err)
	}
	if _, err := bot.Raw("getUpdates", map[string]any{"timeout": 0, "limit": 1}); err != nil {
		return nil, classified(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.bot = bot
	c.registerHandlers()
	c.healthy.Store(true)
	c.sup = rtsup.New(context.Background(),
		rtsup.WithLogger(c.log.With(logx.String("comp", "telegram.conn"))),
	)
	c.sup.Go0("telebot.poll", func(context.Context) {
		c.log.Debug("polling started", logx.String("bot", bot.Me.Username))
		bot.Start()
		c.log.Debug("polling stopped")
	})
	return c, nil
}
