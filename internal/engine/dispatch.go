package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"dispatchd/internal/apperrors"
	"dispatchd/internal/model"
	"dispatchd/internal/speed"
)

// CreateParams describes a new campaign. Contacts must already be validated
// by the external contact validator; the engine never parses input formats.
type CreateParams struct {
	OwnerID    string
	ChannelID  string
	TemplateID *string
	Name       string
	Message    string
	Settings   model.Settings
	Schedule   *model.Schedule
	Contacts   []model.Contact
}

// CreateDispatch persists a campaign in pending status. Jobs are not created
// here; materialization happens lazily on the first start.
func (e *Engine) CreateDispatch(ctx context.Context, p CreateParams) (*model.Dispatch, error) {
	if p.OwnerID == "" {
		return nil, apperrors.NewValidation("ownerId is required")
	}
	if p.ChannelID == "" {
		return nil, apperrors.NewValidation("channelId is required")
	}
	if p.Message == "" {
		return nil, apperrors.NewValidation("message is required")
	}
	if len(p.Contacts) == 0 {
		return nil, apperrors.NewValidation("contact list is empty")
	}
	if _, err := speed.ForSpeed(p.Settings.Speed, e.cfg.Speeds); err != nil {
		return nil, err
	}

	// Dedupe by canonical phone, keeping first occurrence so send order
	// follows the provided list.
	seen := make(map[string]struct{}, len(p.Contacts))
	contacts := make([]model.Contact, 0, len(p.Contacts))
	for _, c := range p.Contacts {
		canonical := model.CanonicalPhone(c.Phone)
		if canonical == "" {
			return nil, apperrors.NewValidation("contact %q has no usable phone number", c.Name)
		}
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		contacts = append(contacts, c)
	}

	now := time.Now().UTC()
	d := &model.Dispatch{
		ID:         uuid.NewString(),
		OwnerID:    p.OwnerID,
		ChannelID:  p.ChannelID,
		TemplateID: p.TemplateID,
		Name:       p.Name,
		Message:    p.Message,
		Settings:   p.Settings,
		Schedule:   p.Schedule,
		Contacts:   contacts,
		Status:     model.DispatchPending,
		Stats: model.Stats{
			Total:   len(contacts),
			Pending: len(contacts),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := e.store.CreateDispatch(ctx, d); err != nil {
		return nil, err
	}

	e.log.Info("dispatch created",
		"dispatch", d.ID,
		"owner", d.OwnerID,
		"channel", d.ChannelID,
		"speed", string(d.Settings.Speed),
		"contacts", len(contacts),
	)
	return d, nil
}

// StartDispatch materializes jobs if none exist yet and moves the dispatch
// to running. Materialization is idempotent: the unique (dispatch, phone)
// constraint absorbs a concurrent duplicate start.
func (e *Engine) StartDispatch(ctx context.Context, id string) error {
	d, err := e.store.GetDispatch(ctx, id)
	if err != nil {
		return err
	}
	switch d.Status {
	case model.DispatchRunning:
		return apperrors.NewInvalidState("dispatch %s is already running", id)
	case model.DispatchCompleted:
		return apperrors.NewInvalidState("dispatch %s is already completed", id)
	}

	if err := e.materialize(ctx, d, d.Contacts); err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := e.store.TransitionDispatch(ctx, id,
		[]model.DispatchStatus{model.DispatchPending, model.DispatchPaused},
		model.DispatchRunning, now); err != nil {
		return err
	}

	e.log.Info("dispatch started", "dispatch", id, "contacts", len(d.Contacts))
	return e.completeIfDrained(ctx, id)
}

// PauseDispatch stops further job releases. Jobs already claimed by a
// worker finish normally; pause is cooperative, not preemptive.
func (e *Engine) PauseDispatch(ctx context.Context, id string) error {
	now := time.Now().UTC()
	if err := e.store.TransitionDispatch(ctx, id,
		[]model.DispatchStatus{model.DispatchRunning},
		model.DispatchPaused, now); err != nil {
		return err
	}

	e.log.Info("dispatch paused", "dispatch", id)
	return nil
}

// ResumeDispatch re-materializes jobs for any contact that lost its job row
// and moves the dispatch back to running. Jobs that exhausted their attempts
// stay failed: resume never re-issues attempts for terminal jobs.
func (e *Engine) ResumeDispatch(ctx context.Context, id string) error {
	d, err := e.store.GetDispatch(ctx, id)
	if err != nil {
		return err
	}
	if d.Status != model.DispatchPaused {
		return apperrors.NewInvalidState("dispatch %s is %s, only paused dispatches resume", id, d.Status)
	}

	existing, err := e.store.ListJobPhones(ctx, id)
	if err != nil {
		return err
	}
	var missing []model.Contact
	for _, c := range d.Contacts {
		if _, ok := existing[model.CanonicalPhone(c.Phone)]; !ok {
			missing = append(missing, c)
		}
	}
	if err := e.materialize(ctx, d, missing); err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := e.store.TransitionDispatch(ctx, id,
		[]model.DispatchStatus{model.DispatchPaused},
		model.DispatchRunning, now); err != nil {
		return err
	}

	e.log.Info("dispatch resumed", "dispatch", id, "rematerialized", len(missing))
	return e.completeIfDrained(ctx, id)
}

// completeIfDrained closes a dispatch whose last in-flight job reached its
// terminal state while the dispatch was paused. The terminal transition only
// completes a running dispatch, so the transition back into running has to
// re-check the pending counter.
func (e *Engine) completeIfDrained(ctx context.Context, id string) error {
	d, err := e.store.GetDispatch(ctx, id)
	if err != nil {
		return err
	}
	if d.Status != model.DispatchRunning || d.Stats.Pending != 0 {
		return nil
	}

	if err := e.store.TransitionDispatch(ctx, id,
		[]model.DispatchStatus{model.DispatchRunning},
		model.DispatchCompleted, time.Now().UTC()); err != nil {
		// A worker may have drained the last job and completed the
		// dispatch between the read and the transition.
		var is *apperrors.InvalidStateError
		if errors.As(err, &is) {
			return nil
		}
		return err
	}

	e.log.Info("dispatch completed", "dispatch", id)
	return nil
}

// DeleteDispatch removes the campaign and all of its jobs, regardless of
// status. Workers holding one of its jobs find the row gone at completion
// time and drop the result.
func (e *Engine) DeleteDispatch(ctx context.Context, id string) error {
	if _, err := e.store.GetDispatch(ctx, id); err != nil {
		return err
	}
	if err := e.store.DeleteDispatch(ctx, id); err != nil {
		return err
	}

	e.log.Info("dispatch deleted", "dispatch", id)
	return nil
}

func (e *Engine) GetDispatch(ctx context.Context, id string) (*model.Dispatch, error) {
	return e.store.GetDispatch(ctx, id)
}

func (e *Engine) ListDispatches(ctx context.Context, ownerID string, status model.DispatchStatus, limit, offset int) ([]model.Dispatch, error) {
	if status != "" {
		switch status {
		case model.DispatchPending, model.DispatchRunning, model.DispatchPaused,
			model.DispatchCompleted, model.DispatchFailed:
		default:
			return nil, apperrors.NewValidation("unknown dispatch status %q", status)
		}
	}
	return e.store.ListDispatches(ctx, ownerID, status, limit, offset)
}

func (e *Engine) ListJobs(ctx context.Context, dispatchID string, limit, offset int) ([]model.Job, error) {
	return e.store.ListJobs(ctx, dispatchID, limit, offset)
}

// materialize bulk-inserts one job per contact and kicks the pacing chain.
// Safe to call when jobs already exist; duplicates are skipped and the kick
// is a no-op while any job is released or in flight.
func (e *Engine) materialize(ctx context.Context, d *model.Dispatch, contacts []model.Contact) error {
	now := time.Now().UTC()

	if len(contacts) > 0 {
		jobs := make([]model.Job, 0, len(contacts))
		for _, c := range contacts {
			jobs = append(jobs, model.Job{
				ID:             uuid.NewString(),
				DispatchID:     d.ID,
				Phone:          c.Phone,
				DisplayName:    c.Name,
				CanonicalPhone: model.CanonicalPhone(c.Phone),
				Status:         model.JobPending,
				MaxAttempts:    e.cfg.MaxAttempts,
				CreatedAt:      now,
				UpdatedAt:      now,
			})
		}

		inserted, err := e.store.InsertJobs(ctx, jobs)
		if err != nil {
			return err
		}
		if inserted > 0 {
			e.log.Info("jobs materialized", "dispatch", d.ID, "inserted", inserted)
		}
	}

	if _, err := e.store.KickSchedule(ctx, d.ID, now); err != nil {
		return err
	}
	return nil
}
