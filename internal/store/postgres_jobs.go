package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"dispatchd/internal/model"
)

const insertJobsChunk = 500

func (p *Postgres) InsertJobs(ctx context.Context, jobs []model.Job) (int, error) {
	inserted := 0

	for start := 0; start < len(jobs); start += insertJobsChunk {
		end := min(start+insertJobsChunk, len(jobs))
		chunk := jobs[start:end]

		var (
			sb   strings.Builder
			args []any
		)
		sb.WriteString(`
			INSERT INTO jobs (
				id, dispatch_id, phone, display_name, canonical_phone,
				status, attempts, max_attempts, created_at, updated_at
			)
			VALUES `)

		for i, j := range chunk {
			if i > 0 {
				sb.WriteString(", ")
			}
			base := len(args)
			sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
				base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10))
			args = append(args,
				j.ID,
				j.DispatchID,
				j.Phone,
				j.DisplayName,
				j.CanonicalPhone,
				string(j.Status),
				j.Attempts,
				j.MaxAttempts,
				j.CreatedAt.UTC(),
				j.UpdatedAt.UTC(),
			)
		}

		// The unique (dispatch_id, canonical_phone) index makes
		// materialization idempotent: a concurrent duplicate start
		// inserts zero rows here.
		sb.WriteString(` ON CONFLICT (dispatch_id, canonical_phone) DO NOTHING`)

		res, err := p.db.ExecContext(ctx, sb.String(), args...)
		if err != nil {
			return inserted, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += int(n)
	}

	return inserted, nil
}

func (p *Postgres) CountJobs(ctx context.Context, dispatchID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT count(*) FROM jobs WHERE dispatch_id = $1`, dispatchID,
	).Scan(&n)
	return n, err
}

func (p *Postgres) ListJobPhones(ctx context.Context, dispatchID string) (map[string]struct{}, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT canonical_phone FROM jobs WHERE dispatch_id = $1`, dispatchID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	phones := make(map[string]struct{})
	for rows.Next() {
		var phone string
		if err := rows.Scan(&phone); err != nil {
			return nil, err
		}
		phones[phone] = struct{}{}
	}
	return phones, rows.Err()
}

func (p *Postgres) ListJobs(ctx context.Context, dispatchID string, limit, offset int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, dispatch_id, phone, display_name, canonical_phone,
		       status, attempts, max_attempts, scheduled_at,
		       message_id, last_error, seq, created_at, updated_at
		FROM jobs
		WHERE dispatch_id = $1
		ORDER BY seq ASC
		LIMIT $2 OFFSET $3
	`, dispatchID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		var (
			j           model.Job
			status      string
			scheduledAt sql.NullTime
			messageID   sql.NullString
			lastError   sql.NullString
		)
		if err := rows.Scan(
			&j.ID,
			&j.DispatchID,
			&j.Phone,
			&j.DisplayName,
			&j.CanonicalPhone,
			&status,
			&j.Attempts,
			&j.MaxAttempts,
			&scheduledAt,
			&messageID,
			&lastError,
			&j.Seq,
			&j.CreatedAt,
			&j.UpdatedAt,
		); err != nil {
			return nil, err
		}
		j.Status = model.JobStatus(status)
		if scheduledAt.Valid {
			t := scheduledAt.Time
			j.ScheduledAt = &t
		}
		if messageID.Valid {
			s := messageID.String
			j.MessageID = &s
		}
		if lastError.Valid {
			s := lastError.String
			j.LastError = &s
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *Postgres) KickSchedule(ctx context.Context, dispatchID string, now time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs
		SET scheduled_at = $2, updated_at = $2
		WHERE id = (
			SELECT id FROM jobs
			WHERE dispatch_id = $1 AND status = 'pending' AND scheduled_at IS NULL
			ORDER BY seq ASC
			LIMIT 1
		)
		AND NOT EXISTS (
			SELECT 1 FROM jobs
			WHERE dispatch_id = $1
			  AND (status = 'running' OR (status = 'pending' AND scheduled_at IS NOT NULL))
		)
	`, dispatchID, now.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *Postgres) ClaimJob(ctx context.Context, now time.Time) (*ClaimedJob, error) {
	row := p.db.QueryRowContext(ctx, `
		WITH candidate AS (
			SELECT j.id, d.channel_id, d.speed, d.message
			FROM jobs j
			JOIN dispatches d ON d.id = j.dispatch_id
			WHERE j.status = 'pending'
			  AND j.scheduled_at IS NOT NULL
			  AND j.scheduled_at <= $1
			  AND d.status = 'running'
			  AND (d.window_start IS NULL OR d.window_start <= $1)
			  AND (d.window_end IS NULL OR d.window_end >= $1)
			ORDER BY j.scheduled_at ASC, j.seq ASC
			LIMIT 1
			FOR UPDATE OF j SKIP LOCKED
		)
		UPDATE jobs AS j
		SET status = 'running', attempts = j.attempts + 1, updated_at = $1
		FROM candidate
		WHERE j.id = candidate.id
		RETURNING j.id, j.dispatch_id, j.phone, j.display_name, j.canonical_phone,
		          j.attempts, j.max_attempts, j.seq,
		          candidate.channel_id, candidate.speed, candidate.message
	`, now.UTC())

	var (
		cj    ClaimedJob
		speed string
	)
	err := row.Scan(
		&cj.Job.ID,
		&cj.Job.DispatchID,
		&cj.Job.Phone,
		&cj.Job.DisplayName,
		&cj.Job.CanonicalPhone,
		&cj.Job.Attempts,
		&cj.Job.MaxAttempts,
		&cj.Job.Seq,
		&cj.ChannelID,
		&speed,
		&cj.Message,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	cj.Job.Status = model.JobRunning
	cj.Speed = model.Speed(speed)
	return &cj, nil
}

func (p *Postgres) ScheduleNextJob(ctx context.Context, dispatchID string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs
		SET scheduled_at = $2, updated_at = $3
		WHERE id = (
			SELECT id FROM jobs
			WHERE dispatch_id = $1 AND status = 'pending' AND scheduled_at IS NULL
			ORDER BY seq ASC
			LIMIT 1
		)
	`, dispatchID, at.UTC(), time.Now().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *Postgres) KickStalledDispatches(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs
		SET scheduled_at = $1, updated_at = $1
		WHERE id IN (
			SELECT DISTINCT ON (j.dispatch_id) j.id
			FROM jobs j
			JOIN dispatches d ON d.id = j.dispatch_id
			WHERE d.status = 'running'
			  AND j.status = 'pending'
			  AND j.scheduled_at IS NULL
			  AND NOT EXISTS (
				SELECT 1 FROM jobs x
				WHERE x.dispatch_id = j.dispatch_id
				  AND (x.status = 'running' OR (x.status = 'pending' AND x.scheduled_at IS NOT NULL))
			  )
			ORDER BY j.dispatch_id, j.seq ASC
		)
	`, now.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *Postgres) CompleteJob(ctx context.Context, jobID, messageID string, now time.Time) (JobResult, error) {
	return p.finishJob(ctx, jobID, now, `
		UPDATE jobs
		SET status = 'completed', message_id = $2, last_error = NULL, updated_at = $3
		WHERE id = $1 AND status = 'running'
		RETURNING dispatch_id
	`, messageID, true)
}

func (p *Postgres) FailJob(ctx context.Context, jobID, reason string, now time.Time) (JobResult, error) {
	return p.finishJob(ctx, jobID, now, `
		UPDATE jobs
		SET status = 'failed', last_error = $2, updated_at = $3
		WHERE id = $1 AND status = 'running'
		RETURNING dispatch_id
	`, reason, false)
}

// finishJob applies a terminal job transition and the matching stats
// increment in one transaction, then completes the dispatch when the last
// pending job drains.
func (p *Postgres) finishJob(ctx context.Context, jobID string, now time.Time, jobQuery, jobArg string, sent bool) (JobResult, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return JobResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var dispatchID string
	err = tx.QueryRowContext(ctx, jobQuery, jobID, jobArg, now.UTC()).Scan(&dispatchID)
	if errors.Is(err, sql.ErrNoRows) {
		// Already terminal, reclaimed after a stale reset, or deleted.
		return JobResult{}, tx.Commit()
	}
	if err != nil {
		return JobResult{}, err
	}

	counter := "failed"
	if sent {
		counter = "sent"
	}

	var (
		pendingLeft    int
		dispatchStatus string
	)
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE dispatches
		SET %s = %s + 1, pending = pending - 1, updated_at = $2
		WHERE id = $1
		RETURNING pending, status
	`, counter, counter), dispatchID, now.UTC()).Scan(&pendingLeft, &dispatchStatus)
	if errors.Is(err, sql.ErrNoRows) {
		// Dispatch deleted between the job update and here; drop the
		// whole transition so stats on a vanished record stay untouched.
		return JobResult{}, tx.Commit()
	}
	if err != nil {
		return JobResult{}, err
	}

	result := JobResult{Applied: true}
	if pendingLeft == 0 && dispatchStatus == string(model.DispatchRunning) {
		res, err := tx.ExecContext(ctx, `
			UPDATE dispatches
			SET status = 'completed',
			    completed_at = COALESCE(completed_at, $2),
			    updated_at = $2
			WHERE id = $1 AND status = 'running'
		`, dispatchID, now.UTC())
		if err != nil {
			return JobResult{}, err
		}
		if n, err := res.RowsAffected(); err != nil {
			return JobResult{}, err
		} else if n == 1 {
			result.DispatchCompleted = true
		}
	}

	return result, tx.Commit()
}

func (p *Postgres) RetryJob(ctx context.Context, jobID, reason string, nextAttemptAt, now time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'pending', scheduled_at = $2, last_error = $3, updated_at = $4
		WHERE id = $1 AND status = 'running'
	`, jobID, nextAttemptAt.UTC(), reason, now.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *Postgres) RecoverStaleJobs(ctx context.Context, olderThan, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'pending', scheduled_at = $2, updated_at = $2
		WHERE status = 'running' AND updated_at < $1
	`, olderThan.UTC(), now.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
