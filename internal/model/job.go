package model

import "time"

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is one per-contact send task inside a dispatch. Jobs are created in
// bulk when a dispatch is first started and are only ever removed through a
// cascading dispatch delete.
type Job struct {
	ID             string
	DispatchID     string
	Phone          string
	DisplayName    string
	CanonicalPhone string
	Status         JobStatus
	Attempts       int
	MaxAttempts    int

	// ScheduledAt is the release gate: nil means the pacing chain has not
	// reached this job yet; a non-nil value in the past makes it claimable.
	ScheduledAt *time.Time

	MessageID *string
	LastError *string

	// Seq preserves contact order; jobs are released in ascending Seq.
	Seq int64

	CreatedAt time.Time
	UpdatedAt time.Time
}
