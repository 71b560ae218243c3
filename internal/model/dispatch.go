package model

import "time"

type DispatchStatus string

const (
	DispatchPending   DispatchStatus = "pending"
	DispatchRunning   DispatchStatus = "running"
	DispatchPaused    DispatchStatus = "paused"
	DispatchCompleted DispatchStatus = "completed"
	DispatchFailed    DispatchStatus = "failed"
)

type Speed string

const (
	SpeedFast       Speed = "fast"
	SpeedNormal     Speed = "normal"
	SpeedSlow       Speed = "slow"
	SpeedRandomized Speed = "randomized"
)

func (s Speed) Valid() bool {
	switch s {
	case SpeedFast, SpeedNormal, SpeedSlow, SpeedRandomized:
		return true
	}
	return false
}

// Stats is the live per-dispatch counter set. Total is fixed at
// materialization; the other three only move at terminal job transitions,
// so Total == Sent + Failed + Pending holds at all times.
type Stats struct {
	Total   int
	Sent    int
	Failed  int
	Pending int
}

type Settings struct {
	Speed Speed
}

// Schedule is an optional send window. A dispatch without a schedule is
// eligible as soon as it is started.
type Schedule struct {
	Start *time.Time
	End   *time.Time
}

// OpenAt reports whether the window allows sending at t.
func (s *Schedule) OpenAt(t time.Time) bool {
	if s == nil {
		return true
	}
	if s.Start != nil && t.Before(*s.Start) {
		return false
	}
	if s.End != nil && t.After(*s.End) {
		return false
	}
	return true
}

type Dispatch struct {
	ID         string
	OwnerID    string
	ChannelID  string
	TemplateID *string
	Name       string
	Message    string
	Settings   Settings
	Schedule   *Schedule
	Contacts   []Contact
	Status     DispatchStatus
	Stats      Stats

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}
