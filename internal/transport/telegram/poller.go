package telegram

import (
	"encoding/json"
	"time"

	tele "gopkg.in/telebot.v4"

	"postify/internal/transport"
)

// poller is a long poller that reports each getUpdates outcome to its
// connection, which the stock LongPoller cannot do.
type poller struct {
	conn    *conn
	timeout time.Duration
	offset  int
}

func (p *poller) Poll(b *tele.Bot, dest chan tele.Update, stop chan struct{}) {
	backoff := time.Second
	for {
		select {
		case <-stop:
			return
		default:
		}

		updates, err := p.fetch(b)
		if err != nil {
			if p.conn.pollFailed(err) {
				// Fatal for this connection; wait to be closed.
				<-stop
				return
			}
			select {
			case <-stop:
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		p.conn.pollOK()
		backoff = time.Second

		for _, u := range updates {
			if u.ID >= p.offset {
				p.offset = u.ID + 1
			}
			select {
			case dest <- u:
			case <-stop:
				return
			}
		}
	}
}

func (p *poller) fetch(b *tele.Bot) ([]tele.Update, error) {
	payload := map[string]any{
		"offset":          p.offset,
		"timeout":         int(p.timeout / time.Second),
		"allowed_updates": []string{"message", "channel_post", "callback_query"},
	}
	data, err := b.Raw("getUpdates", payload)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Result []tele.Update `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &transport.Failure{Kind: transport.FailureUnknown, Err: err}
	}
	return resp.Result, nil
}
