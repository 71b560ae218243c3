package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"dispatchd/internal/apperrors"
	"dispatchd/internal/model"
)

// Memory is an in-process Store with the same transition semantics as the
// Postgres implementation. It backs the engine tests and the dev mode where
// no database is available; a single mutex stands in for row locking, which
// preserves the at-most-one-claim contract.
type Memory struct {
	mu         sync.Mutex
	dispatches map[string]*model.Dispatch
	jobs       map[string]*model.Job
	nextSeq    int64
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		dispatches: make(map[string]*model.Dispatch),
		jobs:       make(map[string]*model.Job),
	}
}

func (m *Memory) CreateDispatch(_ context.Context, d *model.Dispatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := copyDispatch(d)
	m.dispatches[d.ID] = &cp
	return nil
}

func (m *Memory) GetDispatch(_ context.Context, id string) (*model.Dispatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.dispatches[id]
	if !ok {
		return nil, apperrors.NewNotFound("dispatch", id)
	}
	cp := copyDispatch(d)
	return &cp, nil
}

func (m *Memory) ListDispatches(_ context.Context, ownerID string, status model.DispatchStatus, limit, offset int) ([]model.Dispatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var all []model.Dispatch
	for _, d := range m.dispatches {
		if d.OwnerID != ownerID {
			continue
		}
		if status != "" && d.Status != status {
			continue
		}
		all = append(all, copyDispatch(d))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	if offset >= len(all) {
		return nil, nil
	}
	end := min(offset+limit, len(all))
	return all[offset:end], nil
}

func (m *Memory) TransitionDispatch(_ context.Context, id string, from []model.DispatchStatus, to model.DispatchStatus, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.dispatches[id]
	if !ok {
		return apperrors.NewNotFound("dispatch", id)
	}

	allowed := false
	for _, st := range from {
		if d.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return apperrors.NewInvalidState("dispatch %s is %s, cannot transition to %s", id, d.Status, to)
	}

	d.Status = to
	d.UpdatedAt = now
	if to == model.DispatchRunning && d.StartedAt == nil {
		t := now
		d.StartedAt = &t
	}
	if to == model.DispatchCompleted && d.CompletedAt == nil {
		t := now
		d.CompletedAt = &t
	}
	return nil
}

func (m *Memory) DeleteDispatch(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.dispatches, id)
	for jobID, j := range m.jobs {
		if j.DispatchID == id {
			delete(m.jobs, jobID)
		}
	}
	return nil
}

func (m *Memory) InsertJobs(_ context.Context, jobs []model.Job) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := make(map[string]struct{})
	for _, j := range m.jobs {
		existing[j.DispatchID+"|"+j.CanonicalPhone] = struct{}{}
	}

	inserted := 0
	for _, j := range jobs {
		key := j.DispatchID + "|" + j.CanonicalPhone
		if _, dup := existing[key]; dup {
			continue
		}
		existing[key] = struct{}{}

		m.nextSeq++
		cp := j
		cp.Seq = m.nextSeq
		m.jobs[cp.ID] = &cp
		inserted++
	}
	return inserted, nil
}

func (m *Memory) CountJobs(_ context.Context, dispatchID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, j := range m.jobs {
		if j.DispatchID == dispatchID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListJobPhones(_ context.Context, dispatchID string) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	phones := make(map[string]struct{})
	for _, j := range m.jobs {
		if j.DispatchID == dispatchID {
			phones[j.CanonicalPhone] = struct{}{}
		}
	}
	return phones, nil
}

func (m *Memory) ListJobs(_ context.Context, dispatchID string, limit, offset int) ([]model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	jobs := m.dispatchJobsLocked(dispatchID)
	out := make([]model.Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, copyJob(j))
	}

	if offset >= len(out) {
		return nil, nil
	}
	end := min(offset+limit, len(out))
	return out[offset:end], nil
}

func (m *Memory) KickSchedule(_ context.Context, dispatchID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.kickLocked(dispatchID, now), nil
}

func (m *Memory) kickLocked(dispatchID string, now time.Time) bool {
	var earliest *model.Job
	for _, j := range m.dispatchJobsLocked(dispatchID) {
		if j.Status == model.JobRunning {
			return false
		}
		if j.Status == model.JobPending && j.ScheduledAt != nil {
			return false
		}
		if j.Status == model.JobPending && j.ScheduledAt == nil && earliest == nil {
			earliest = j
		}
	}
	if earliest == nil {
		return false
	}

	t := now
	earliest.ScheduledAt = &t
	earliest.UpdatedAt = now
	return true
}

func (m *Memory) KickStalledDispatches(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, d := range m.dispatches {
		if d.Status != model.DispatchRunning {
			continue
		}
		if m.kickLocked(id, now) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) ClaimJob(_ context.Context, now time.Time) (*ClaimedJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *model.Job
	for _, j := range m.jobs {
		if j.Status != model.JobPending || j.ScheduledAt == nil || j.ScheduledAt.After(now) {
			continue
		}
		d, ok := m.dispatches[j.DispatchID]
		if !ok || d.Status != model.DispatchRunning || !d.Schedule.OpenAt(now) {
			continue
		}
		if best == nil ||
			j.ScheduledAt.Before(*best.ScheduledAt) ||
			(j.ScheduledAt.Equal(*best.ScheduledAt) && j.Seq < best.Seq) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Status = model.JobRunning
	best.Attempts++
	best.UpdatedAt = now

	d := m.dispatches[best.DispatchID]
	return &ClaimedJob{
		Job:       copyJob(best),
		ChannelID: d.ChannelID,
		Speed:     d.Settings.Speed,
		Message:   d.Message,
	}, nil
}

func (m *Memory) ScheduleNextJob(_ context.Context, dispatchID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.dispatchJobsLocked(dispatchID) {
		if j.Status == model.JobPending && j.ScheduledAt == nil {
			t := at
			j.ScheduledAt = &t
			j.UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) CompleteJob(_ context.Context, jobID, messageID string, now time.Time) (JobResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.finishJobLocked(jobID, now, true, func(j *model.Job) {
		j.Status = model.JobCompleted
		mid := messageID
		j.MessageID = &mid
		j.LastError = nil
	}), nil
}

func (m *Memory) FailJob(_ context.Context, jobID, reason string, now time.Time) (JobResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.finishJobLocked(jobID, now, false, func(j *model.Job) {
		j.Status = model.JobFailed
		r := reason
		j.LastError = &r
	}), nil
}

func (m *Memory) finishJobLocked(jobID string, now time.Time, sent bool, apply func(*model.Job)) JobResult {
	j, ok := m.jobs[jobID]
	if !ok || j.Status != model.JobRunning {
		return JobResult{}
	}

	d, ok := m.dispatches[j.DispatchID]
	if !ok {
		// Dispatch deleted underneath us; drop the transition.
		return JobResult{}
	}

	apply(j)
	j.UpdatedAt = now

	if sent {
		d.Stats.Sent++
	} else {
		d.Stats.Failed++
	}
	d.Stats.Pending--
	d.UpdatedAt = now

	result := JobResult{Applied: true}
	if d.Stats.Pending == 0 && d.Status == model.DispatchRunning {
		d.Status = model.DispatchCompleted
		t := now
		if d.CompletedAt == nil {
			d.CompletedAt = &t
		}
		result.DispatchCompleted = true
	}
	return result
}

func (m *Memory) RetryJob(_ context.Context, jobID, reason string, nextAttemptAt, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok || j.Status != model.JobRunning {
		return false, nil
	}

	j.Status = model.JobPending
	t := nextAttemptAt
	j.ScheduledAt = &t
	r := reason
	j.LastError = &r
	j.UpdatedAt = now
	return true, nil
}

func (m *Memory) RecoverStaleJobs(_ context.Context, olderThan, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, j := range m.jobs {
		if j.Status == model.JobRunning && j.UpdatedAt.Before(olderThan) {
			j.Status = model.JobPending
			t := now
			j.ScheduledAt = &t
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *Memory) dispatchJobsLocked(dispatchID string) []*model.Job {
	var jobs []*model.Job
	for _, j := range m.jobs {
		if j.DispatchID == dispatchID {
			jobs = append(jobs, j)
		}
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].Seq < jobs[k].Seq })
	return jobs
}

func copyDispatch(d *model.Dispatch) model.Dispatch {
	cp := *d
	if d.Contacts != nil {
		cp.Contacts = append([]model.Contact(nil), d.Contacts...)
	}
	if d.Schedule != nil {
		sched := *d.Schedule
		cp.Schedule = &sched
	}
	cp.TemplateID = copyStr(d.TemplateID)
	cp.StartedAt = copyTime(d.StartedAt)
	cp.CompletedAt = copyTime(d.CompletedAt)
	return cp
}

func copyJob(j *model.Job) model.Job {
	cp := *j
	cp.ScheduledAt = copyTime(j.ScheduledAt)
	cp.MessageID = copyStr(j.MessageID)
	cp.LastError = copyStr(j.LastError)
	return cp
}

func copyStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
