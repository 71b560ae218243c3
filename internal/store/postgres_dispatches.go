package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"dispatchd/internal/apperrors"
	"dispatchd/internal/model"
)

const dispatchColumns = `
	id, owner_id, channel_id, template_id, name, message, speed,
	window_start, window_end, contacts, status,
	total, sent, failed, pending,
	created_at, started_at, completed_at, updated_at
`

func (p *Postgres) CreateDispatch(ctx context.Context, d *model.Dispatch) error {
	contacts, err := json.Marshal(d.Contacts)
	if err != nil {
		return err
	}

	var windowStart, windowEnd sql.NullTime
	if d.Schedule != nil {
		windowStart = nullTime(d.Schedule.Start)
		windowEnd = nullTime(d.Schedule.End)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO dispatches (
			id, owner_id, channel_id, template_id, name, message, speed,
			window_start, window_end, contacts, status,
			total, sent, failed, pending,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)
	`,
		d.ID,
		d.OwnerID,
		d.ChannelID,
		nullString(d.TemplateID),
		d.Name,
		d.Message,
		string(d.Settings.Speed),
		windowStart,
		windowEnd,
		contacts,
		string(d.Status),
		d.Stats.Total,
		d.Stats.Sent,
		d.Stats.Failed,
		d.Stats.Pending,
		d.CreatedAt.UTC(),
	)
	return err
}

func (p *Postgres) GetDispatch(ctx context.Context, id string) (*model.Dispatch, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+dispatchColumns+`
		FROM dispatches
		WHERE id = $1
	`, id)

	d, err := scanDispatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFound("dispatch", id)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (p *Postgres) ListDispatches(ctx context.Context, ownerID string, status model.DispatchStatus, limit, offset int) ([]model.Dispatch, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT ` + dispatchColumns + `
		FROM dispatches
		WHERE owner_id = $1
	`
	args := []any{ownerID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (p *Postgres) TransitionDispatch(ctx context.Context, id string, from []model.DispatchStatus, to model.DispatchStatus, now time.Time) error {
	placeholders := make([]string, len(from))
	args := []any{id, string(to), now.UTC()}
	for i, st := range from {
		placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
		args = append(args, string(st))
	}

	query := fmt.Sprintf(`
		UPDATE dispatches
		SET status = $2,
		    started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN $3 ELSE started_at END,
		    completed_at = CASE WHEN $2 = 'completed' AND completed_at IS NULL THEN $3 ELSE completed_at END,
		    updated_at = $3
		WHERE id = $1 AND status IN (%s)
	`, strings.Join(placeholders, ", "))

	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	// Distinguish wrong-state from missing.
	var current string
	err = p.db.QueryRowContext(ctx, `SELECT status FROM dispatches WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NewNotFound("dispatch", id)
	}
	if err != nil {
		return err
	}
	return apperrors.NewInvalidState("dispatch %s is %s, cannot transition to %s", id, current, to)
}

func (p *Postgres) DeleteDispatch(ctx context.Context, id string) error {
	// Jobs go with the dispatch via ON DELETE CASCADE.
	_, err := p.db.ExecContext(ctx, `DELETE FROM dispatches WHERE id = $1`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDispatch(row rowScanner) (*model.Dispatch, error) {
	var (
		d           model.Dispatch
		status      string
		speed       string
		templateID  sql.NullString
		windowStart sql.NullTime
		windowEnd   sql.NullTime
		contacts    []byte
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)

	if err := row.Scan(
		&d.ID,
		&d.OwnerID,
		&d.ChannelID,
		&templateID,
		&d.Name,
		&d.Message,
		&speed,
		&windowStart,
		&windowEnd,
		&contacts,
		&status,
		&d.Stats.Total,
		&d.Stats.Sent,
		&d.Stats.Failed,
		&d.Stats.Pending,
		&d.CreatedAt,
		&startedAt,
		&completedAt,
		&d.UpdatedAt,
	); err != nil {
		return nil, err
	}

	d.Status = model.DispatchStatus(status)
	d.Settings.Speed = model.Speed(speed)

	if templateID.Valid {
		s := templateID.String
		d.TemplateID = &s
	}
	if windowStart.Valid || windowEnd.Valid {
		d.Schedule = &model.Schedule{}
		if windowStart.Valid {
			t := windowStart.Time
			d.Schedule.Start = &t
		}
		if windowEnd.Valid {
			t := windowEnd.Time
			d.Schedule.End = &t
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		d.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		d.CompletedAt = &t
	}

	if len(contacts) > 0 {
		if err := json.Unmarshal(contacts, &d.Contacts); err != nil {
			return nil, err
		}
	}

	return &d, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
