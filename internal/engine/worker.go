package engine

import (
	"context"
	"errors"
	"time"

	"dispatchd/internal/apperrors"
	"dispatchd/internal/model"
	"dispatchd/internal/speed"
	"dispatchd/internal/store"
)

// workerLoop claims eligible jobs until the engine stops, sleeping between
// empty polls rather than busy-spinning.
func (e *Engine) workerLoop(ctx context.Context, idx int) {
	e.log.Debug("worker started", "worker", idx)
	defer e.log.Debug("worker stopped", "worker", idx)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		cj, err := e.store.ClaimJob(ctx, time.Now().UTC())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.log.Error("claim failed", "worker", idx, "err", err)
			e.sleep(ctx, e.cfg.PollInterval)
			continue
		}
		if cj == nil {
			e.sleep(ctx, e.cfg.PollInterval)
			continue
		}

		e.process(ctx, cj)
	}
}

// process runs one claimed job to a terminal or retry state. State writes
// after the claim use a non-cancellable context so a graceful shutdown never
// loses the outcome of a send that already happened.
func (e *Engine) process(ctx context.Context, cj *store.ClaimedJob) {
	storeCtx := context.WithoutCancel(ctx)
	now := time.Now().UTC()

	// Pacing: the moment a job is released, the next pending sibling gets
	// its release time. Release spacing, not completion spacing — a slow
	// gateway call may overlap with the next released job, and that is
	// intentional: the profile prevents bursts, it does not serialize the
	// whole dispatch.
	next := e.profileDelay(cj.Speed)
	if _, err := e.store.ScheduleNextJob(storeCtx, cj.Job.DispatchID, now.Add(next)); err != nil {
		e.log.Error("scheduling next job failed", "dispatch", cj.Job.DispatchID, "err", err)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		// Shutting down before the send happened; hand the claim back so
		// another worker picks it up immediately after restart.
		if ok, rerr := e.store.RetryJob(storeCtx, cj.Job.ID, "engine stopped before send", now, now); rerr != nil || !ok {
			e.log.Warn("could not requeue unsent job on shutdown", "job", cj.Job.ID, "err", rerr)
		}
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	messageID, sendErr := e.gw.Send(sendCtx, cj.ChannelID, cj.Job.CanonicalPhone, cj.Message)
	cancel()

	now = time.Now().UTC()
	if sendErr == nil {
		e.completeJob(storeCtx, cj, messageID, now)
		return
	}
	e.handleSendFailure(storeCtx, cj, sendErr, now)
}

func (e *Engine) completeJob(ctx context.Context, cj *store.ClaimedJob, messageID string, now time.Time) {
	res, err := e.store.CompleteJob(ctx, cj.Job.ID, messageID, now)
	if err != nil {
		e.log.Error("completing job failed", "job", cj.Job.ID, "err", err)
		return
	}
	if !res.Applied {
		e.log.Warn("send result dropped, job no longer running", "job", cj.Job.ID, "dispatch", cj.Job.DispatchID)
		return
	}

	e.log.Info("job sent",
		"job", cj.Job.ID,
		"dispatch", cj.Job.DispatchID,
		"attempt", cj.Job.Attempts,
		"message_id", messageID,
	)

	if e.receipts != nil {
		if err := e.receipts.StoreReceipt(ctx, cj.Job.ID, messageID, now); err != nil {
			e.log.Warn("receipt cache write failed", "job", cj.Job.ID, "err", err)
		}
	}

	if res.DispatchCompleted {
		e.log.Info("dispatch completed", "dispatch", cj.Job.DispatchID)
	}
}

func (e *Engine) handleSendFailure(ctx context.Context, cj *store.ClaimedJob, sendErr error, now time.Time) {
	maxAttempts := cj.Job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.MaxAttempts
	}

	if retryableError(sendErr) && cj.Job.Attempts < maxAttempts {
		delay := e.backoff(cj.Job.Attempts)
		ok, err := e.store.RetryJob(ctx, cj.Job.ID, sendErr.Error(), now.Add(delay), now)
		if err != nil {
			e.log.Error("requeueing job failed", "job", cj.Job.ID, "err", err)
			return
		}
		if ok {
			e.log.Warn("send failed, retrying",
				"job", cj.Job.ID,
				"dispatch", cj.Job.DispatchID,
				"attempt", cj.Job.Attempts,
				"max_attempts", maxAttempts,
				"backoff", delay.String(),
				"err", sendErr,
			)
		}
		return
	}

	res, err := e.store.FailJob(ctx, cj.Job.ID, sendErr.Error(), now)
	if err != nil {
		e.log.Error("failing job failed", "job", cj.Job.ID, "err", err)
		return
	}
	if !res.Applied {
		return
	}

	e.log.Warn("job failed terminally",
		"job", cj.Job.ID,
		"dispatch", cj.Job.DispatchID,
		"attempts", cj.Job.Attempts,
		"err", sendErr,
	)

	if res.DispatchCompleted {
		e.log.Info("dispatch completed", "dispatch", cj.Job.DispatchID)
	}
}

// retryableError treats explicit gateway classifications as authoritative
// and everything else (transport oddities, malformed responses) as worth
// another attempt.
func retryableError(err error) bool {
	var ge *apperrors.GatewayError
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return true
}

func (e *Engine) backoff(attempts int) time.Duration {
	d := e.cfg.BackoffBase
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= e.cfg.BackoffCap {
			return e.cfg.BackoffCap
		}
	}
	return d
}

// profileDelay resolves the dispatch's pace; an unresolvable speed (which
// creation validation should have rejected) falls back to the normal pace so
// the release chain never stalls.
func (e *Engine) profileDelay(sp model.Speed) time.Duration {
	prof, err := speed.ForSpeed(sp, e.cfg.Speeds)
	if err != nil {
		e.log.Warn("dispatch carries unknown speed, using normal pace", "speed", string(sp))
		return e.cfg.Speeds.Normal
	}
	return prof.NextDelay()
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
