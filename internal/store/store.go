// Package store is the single source of truth for dispatches and jobs.
// Every status transition that two workers could race on goes through a
// compare-and-swap style update here; the engine never mutates state it
// holds in memory.
package store

import (
	"context"
	"time"

	"dispatchd/internal/model"
)

// ClaimedJob is a job atomically moved to running, joined with the dispatch
// fields a worker needs to execute it.
type ClaimedJob struct {
	Job       model.Job
	ChannelID string
	Speed     model.Speed
	Message   string
}

// JobResult reports the outcome of a terminal job transition.
type JobResult struct {
	// Applied is false when the row was not in running state (someone else
	// finished it, or the dispatch was deleted underneath us). Stats are
	// only touched when Applied is true, so each job counts exactly once.
	Applied bool

	// DispatchCompleted is true when this transition drained the last
	// pending job of a running dispatch.
	DispatchCompleted bool
}

type DispatchStore interface {
	CreateDispatch(ctx context.Context, d *model.Dispatch) error
	GetDispatch(ctx context.Context, id string) (*model.Dispatch, error)
	// ListDispatches filters by owner and optionally by status (empty
	// status means all).
	ListDispatches(ctx context.Context, ownerID string, status model.DispatchStatus, limit, offset int) ([]model.Dispatch, error)
	// TransitionDispatch flips status only when the current status is one
	// of from; otherwise it returns InvalidStateError. StartedAt and
	// CompletedAt are stamped on the first transition into running and
	// completed respectively.
	TransitionDispatch(ctx context.Context, id string, from []model.DispatchStatus, to model.DispatchStatus, now time.Time) error
	// DeleteDispatch removes the dispatch and cascades to its jobs. Safe
	// to call in any status; deleting an unknown id is a no-op.
	DeleteDispatch(ctx context.Context, id string) error
}

type JobStore interface {
	// InsertJobs bulk-inserts jobs, skipping rows whose
	// (dispatch, canonical phone) pair already exists. Returns the number
	// actually inserted, which makes materialization idempotent under
	// concurrent starts.
	InsertJobs(ctx context.Context, jobs []model.Job) (int, error)
	CountJobs(ctx context.Context, dispatchID string) (int, error)
	// ListJobPhones returns the canonical phones that already have a job
	// row for the dispatch, used by resume re-materialization.
	ListJobPhones(ctx context.Context, dispatchID string) (map[string]struct{}, error)
	ListJobs(ctx context.Context, dispatchID string, limit, offset int) ([]model.Job, error)

	// KickSchedule releases the pacing chain of a dispatch: if no job is
	// currently released (pending with a scheduled time) or running, the
	// earliest unreleased pending job gets scheduled_at = now.
	KickSchedule(ctx context.Context, dispatchID string, now time.Time) (bool, error)
	// ClaimJob atomically moves one eligible job to running and increments
	// its attempt counter. Eligible means: pending, scheduled_at <= now,
	// dispatch running, schedule window open. Returns nil when nothing is
	// eligible. At most one caller obtains a given job.
	ClaimJob(ctx context.Context, now time.Time) (*ClaimedJob, error)
	// ScheduleNextJob stamps the earliest unreleased pending job of the
	// dispatch with the given release time; the pacing step after a claim.
	ScheduleNextJob(ctx context.Context, dispatchID string, at time.Time) (bool, error)
	// KickStalledDispatches restarts the release chain of every running
	// dispatch that has pending jobs but none released or in flight, which
	// happens when the post-claim ScheduleNextJob write was lost. Returns
	// the number of dispatches re-kicked.
	KickStalledDispatches(ctx context.Context, now time.Time) (int, error)

	CompleteJob(ctx context.Context, jobID, messageID string, now time.Time) (JobResult, error)
	FailJob(ctx context.Context, jobID, reason string, now time.Time) (JobResult, error)
	// RetryJob returns a running job to pending with a new release time.
	// The attempt counter keeps the value set at claim time.
	RetryJob(ctx context.Context, jobID, reason string, nextAttemptAt, now time.Time) (bool, error)
	// RecoverStaleJobs resets running jobs untouched since olderThan back
	// to pending so a worker that died mid-send does not strand them.
	RecoverStaleJobs(ctx context.Context, olderThan, now time.Time) (int, error)
}

type Store interface {
	DispatchStore
	JobStore
}
