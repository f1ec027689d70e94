package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const jobColumns = `id, post_id, tenant_id, channel_id, fire_at, status, created_at, fired_at, message_id, published_at, error`

func scanJob(sc scanner) (Job, error) {
	var (
		j                     Job
		status                string
		fireAt, created       int64
		firedAt, msgID, pubAt sql.NullInt64
		errText               sql.NullString
	)
	if err := sc.Scan(&j.ID, &j.PostID, &j.TenantID, &j.ChannelID, &fireAt, &status, &created, &firedAt, &msgID, &pubAt, &errText); err != nil {
		return Job{}, err
	}
	j.FireAt = fromMS(fireAt)
	j.Status = JobStatus(status)
	j.CreatedAt = fromMS(created)
	j.FiredAt = fromNullMS(firedAt)
	j.MessageID = msgID.Int64
	j.PublishedAt = fromNullMS(pubAt)
	j.Error = errText.String
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ReplaceJob persists j as the only pending job for its post and flips the
// post to scheduled. Pending jobs it replaced are returned (already
// cancelled). A published post yields ErrStateConflict.
func (s *Store) ReplaceJob(ctx context.Context, j Job) ([]Job, error) {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	var replaced []Job
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		// Updating the post first takes its row lock, so concurrent
		// re-schedules of one post serialize here.
		res, err := tx.ExecContext(ctx, s.bind(
			`UPDATE posts SET status = ?, channel_id = ?, scheduled_at = ?, last_error = NULL, updated_at = ?
			 WHERE id = ? AND status <> ?`),
			string(PostScheduled), j.ChannelID, toMS(j.FireAt), toMS(time.Now()), j.PostID, string(PostPublished))
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return s.missingOrConflict(ctx, tx, j.PostID)
		}

		rows, err := tx.QueryContext(ctx, s.bind(
			`UPDATE jobs SET status = ? WHERE post_id = ? AND status = ? RETURNING `+jobColumns),
			string(JobCancelled), j.PostID, string(JobPending))
		if err != nil {
			return err
		}
		if replaced, err = scanJobs(rows); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, s.bind(
			`INSERT INTO jobs(id, post_id, tenant_id, channel_id, fire_at, status, created_at) VALUES(?,?,?,?,?,?,?)`),
			j.ID, j.PostID, j.TenantID, j.ChannelID, toMS(j.FireAt), string(JobPending), toMS(j.CreatedAt))
		return err
	})
	if err != nil {
		return nil, err
	}
	return replaced, nil
}

func (s *Store) missingOrConflict(ctx context.Context, tx *sql.Tx, postID string) error {
	var one int
	err := tx.QueryRowContext(ctx, s.bind(`SELECT 1 FROM posts WHERE id = ?`), postID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrStateConflict
}

// CancelPendingJob moves the post's pending job to cancelled and reverts the
// post to draft. It returns ErrStateConflict when no pending job exists,
// which includes a job that already fired.
func (s *Store) CancelPendingJob(ctx context.Context, postID string) (Job, error) {
	var cancelled Job
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.bind(
			`UPDATE jobs SET status = ? WHERE post_id = ? AND status = ? RETURNING `+jobColumns),
			string(JobCancelled), postID, string(JobPending))
		if err != nil {
			return err
		}
		jobs, err := scanJobs(rows)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			return ErrStateConflict
		}
		cancelled = jobs[0]
		cancelled.Status = JobCancelled
		_, err = tx.ExecContext(ctx, s.bind(
			`UPDATE posts SET status = ?, scheduled_at = NULL, updated_at = ? WHERE id = ? AND status = ?`),
			string(PostDraft), toMS(time.Now()), postID, string(PostScheduled))
		return err
	})
	return cancelled, err
}

// ClaimJob transitions a pending job to fired. Only one caller ever sees
// claimed=true for a given job.
func (s *Store) ClaimJob(ctx context.Context, jobID string, at time.Time) (Job, bool, error) {
	row := s.db.QueryRowContext(ctx, s.bind(
		`UPDATE jobs SET status = ?, fired_at = ? WHERE id = ? AND status = ? RETURNING `+jobColumns),
		string(JobFired), toMS(at), jobID, string(JobPending))
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return j, true, nil
}

// CompleteJob records a fire outcome on the job and, unless skipped, on its
// post: published on success, back to draft with the error otherwise. On
// failure a post that was re-scheduled meanwhile keeps its new pending job.
// On success that job is cancelled, since a published post never fires again.
func (s *Store) CompleteJob(ctx context.Context, j Job, out JobOutcome) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.bind(
			`UPDATE jobs SET message_id = ?, published_at = ?, error = ? WHERE id = ?`),
			nullInt(out.MessageID), nullMS(out.PublishedAt), nullStr(out.Error), j.ID)
		if err != nil || out.Skipped {
			return err
		}
		now := toMS(time.Now())
		if out.Error == "" {
			_, err = tx.ExecContext(ctx, s.bind(
				`UPDATE posts SET status = ?, published_at = ?, message_id = ?, last_error = NULL, updated_at = ?
				 WHERE id = ? AND status = ?`),
				string(PostPublished), nullMS(out.PublishedAt), nullInt(out.MessageID), now, j.PostID, string(PostScheduled))
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, s.bind(
				`UPDATE jobs SET status = ? WHERE post_id = ? AND status = ? AND id <> ?`),
				string(JobCancelled), j.PostID, string(JobPending), j.ID)
			return err
		}
		_, err = tx.ExecContext(ctx, s.bind(
			`UPDATE posts SET status = ?, scheduled_at = NULL, last_error = ?, updated_at = ?
			 WHERE id = ? AND status = ? AND NOT EXISTS (SELECT 1 FROM jobs WHERE post_id = ? AND status = ?)`),
			string(PostDraft), out.Error, now, j.PostID, string(PostScheduled), j.PostID, string(JobPending))
		return err
	})
}

func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, s.bind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

// PendingJobForPost returns the post's pending job, or ErrNotFound.
func (s *Store) PendingJobForPost(ctx context.Context, postID string) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, s.bind(
		`SELECT `+jobColumns+` FROM jobs WHERE post_id = ? AND status = ? ORDER BY created_at DESC LIMIT 1`),
		postID, string(JobPending)))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

// DueJobs lists pending jobs with fire_at <= now, oldest first.
func (s *Store) DueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.bind(
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? AND fire_at <= ? ORDER BY fire_at, id LIMIT ?`),
		string(JobPending), toMS(now), limit)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

// ConflictCounts counts pending jobs on a channel that fall within ±window of
// at, and those inside the UTC calendar hour containing at. excludeJobID is
// ignored in both counts.
func (s *Store) ConflictCounts(ctx context.Context, channelID string, at time.Time, window time.Duration, excludeJobID string) (near, sameHour int, err error) {
	hour := at.UTC().Truncate(time.Hour)
	err = s.db.QueryRowContext(ctx, s.bind(
		`SELECT
			COALESCE(SUM(CASE WHEN fire_at >= ? AND fire_at <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN fire_at >= ? AND fire_at < ? THEN 1 ELSE 0 END), 0)
		 FROM jobs WHERE channel_id = ? AND status = ? AND id <> ?`),
		toMS(at.Add(-window)), toMS(at.Add(window)),
		toMS(hour), toMS(hour.Add(time.Hour)),
		channelID, string(JobPending), excludeJobID,
	).Scan(&near, &sameHour)
	return near, sameHour, err
}

// JobsPerChannel reports pending job counts grouped by channel.
func (s *Store) JobsPerChannel(ctx context.Context) ([]ChannelJobCount, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(
		`SELECT channel_id, COUNT(*) FROM jobs WHERE status = ? GROUP BY channel_id ORDER BY channel_id`),
		string(JobPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChannelJobCount
	for rows.Next() {
		var c ChannelJobCount
		if err := rows.Scan(&c.ChannelID, &c.Pending); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
