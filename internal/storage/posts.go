package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

func (s *Store) PutChannel(ctx context.Context, c Channel) error {
	_, err := s.db.ExecContext(ctx, s.bind(
		`INSERT INTO channels(id, tenant_id, chat_id, title) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET tenant_id=excluded.tenant_id, chat_id=excluded.chat_id, title=excluded.title`),
		c.ID, c.TenantID, c.ChatID, c.Title,
	)
	return err
}

func (s *Store) GetChannel(ctx context.Context, id string) (Channel, error) {
	var c Channel
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT id, tenant_id, chat_id, title FROM channels WHERE id = ?`), id).
		Scan(&c.ID, &c.TenantID, &c.ChatID, &c.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, ErrNotFound
	}
	return c, err
}

const postColumns = `id, tenant_id, channel_id, body, status, scheduled_at, published_at, message_id, last_error, updated_at`

func scanPost(sc scanner) (Post, error) {
	var (
		p                   Post
		channel, lastErr    sql.NullString
		status              string
		scheduled, publishd sql.NullInt64
		msgID               sql.NullInt64
		updated             int64
	)
	if err := sc.Scan(&p.ID, &p.TenantID, &channel, &p.Text, &status, &scheduled, &publishd, &msgID, &lastErr, &updated); err != nil {
		return Post{}, err
	}
	p.ChannelID = channel.String
	p.Status = PostStatus(status)
	p.ScheduledAt = fromNullMS(scheduled)
	p.PublishedAt = fromNullMS(publishd)
	p.MessageID = msgID.Int64
	p.LastError = lastErr.String
	p.UpdatedAt = fromMS(updated)
	return p, nil
}

// PutPost inserts or replaces a post. Status defaults to draft.
func (s *Store) PutPost(ctx context.Context, p Post) error {
	if p.Status == "" {
		p.Status = PostDraft
	}
	_, err := s.db.ExecContext(ctx, s.bind(
		`INSERT INTO posts(`+postColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET tenant_id=excluded.tenant_id, channel_id=excluded.channel_id, body=excluded.body,
		 status=excluded.status, scheduled_at=excluded.scheduled_at, published_at=excluded.published_at,
		 message_id=excluded.message_id, last_error=excluded.last_error, updated_at=excluded.updated_at`),
		p.ID, p.TenantID, nullStr(p.ChannelID), p.Text, string(p.Status), nullMS(p.ScheduledAt), nullMS(p.PublishedAt),
		nullInt(p.MessageID), nullStr(p.LastError), toMS(time.Now()),
	)
	return err
}

func (s *Store) GetPost(ctx context.Context, id string) (Post, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT `+postColumns+` FROM posts WHERE id = ?`), id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Post{}, ErrNotFound
	}
	return p, err
}
