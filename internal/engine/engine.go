// Package engine runs bulk-messaging dispatches: it materializes jobs from a
// dispatch's contact list, releases them at the dispatch's pace, and drives a
// worker pool that sends each job through the messaging gateway with retry
// and backoff.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"dispatchd/internal/cache"
	"dispatchd/internal/gateway"
	"dispatchd/internal/speed"
	"dispatchd/internal/store"
)

type Config struct {
	// Workers is the number of concurrent claim loops.
	Workers int

	// PollInterval is how long an idle worker sleeps when no job is
	// eligible.
	PollInterval time.Duration

	// MaintenanceInterval paces the stale-job recovery sweep.
	MaintenanceInterval time.Duration

	// MaxAttempts caps send attempts per job.
	MaxAttempts int

	// BackoffBase and BackoffCap bound the retry delay
	// base * 2^attempts, capped.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// StaleAfter is how long a job may sit in running before the
	// maintenance sweep assumes its worker died and resets it.
	StaleAfter time.Duration

	// RatePerSec is a global cap on gateway calls across all dispatches,
	// on top of per-dispatch pacing.
	RatePerSec int

	// RequestTimeout bounds a single gateway send.
	RequestTimeout time.Duration

	Speeds speed.Config
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.Speeds == (speed.Config{}) {
		c.Speeds = speed.DefaultConfig()
	}
	return c
}

// Engine owns its store and gateway handles; nothing here is package-level
// state, so tests construct engines around fakes.
type Engine struct {
	cfg      Config
	store    store.Store
	gw       gateway.Gateway
	receipts cache.ReceiptCache
	limiter  *rate.Limiter
	log      *slog.Logger

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an engine. receipts may be nil (receipt caching disabled);
// log may be nil (slog default).
func New(cfg Config, st store.Store, gw gateway.Gateway, receipts cache.ReceiptCache, log *slog.Logger) (*Engine, error) {
	if st == nil {
		return nil, errors.New("store must not be nil")
	}
	if gw == nil {
		return nil, errors.New("gateway must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	cfg = cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		store:    st,
		gw:       gw,
		receipts: receipts,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:      log,
		done:     make(chan struct{}),
	}, nil
}

// Start launches the worker pool and the maintenance loop. Returns false if
// the engine is already running.
func (e *Engine) Start() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running.Store(true)

	var wg sync.WaitGroup
	wg.Add(e.cfg.Workers + 1)
	for i := 0; i < e.cfg.Workers; i++ {
		go func(idx int) {
			defer wg.Done()
			e.workerLoop(ctx, idx)
		}(i)
	}
	go func() {
		defer wg.Done()
		e.maintenanceLoop(ctx)
	}()

	done := e.done
	go func() {
		wg.Wait()
		close(done)
	}()

	e.log.Info("engine started",
		"workers", e.cfg.Workers,
		"poll_interval", e.cfg.PollInterval.String(),
		"rate_per_sec", e.cfg.RatePerSec,
	)
	return true
}

// Stop cancels the loops and waits for in-flight sends to settle. Returns
// false if the engine was not running.
func (e *Engine) Stop() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running.Load() {
		return false
	}

	e.cancel()
	<-e.done
	e.running.Store(false)

	e.log.Info("engine stopped")
	return true
}

func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// maintenanceLoop periodically resets jobs stranded in running state by a
// worker that died mid-send, so they become claimable again with their
// attempt count intact.
func (e *Engine) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.MaintenanceInterval)
	defer ticker.Stop()

	e.runMaintenance(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runMaintenance(ctx)
		}
	}
}

func (e *Engine) runMaintenance(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("maintenance sweep panic recovered", "panic", r)
		}
	}()

	now := time.Now().UTC()
	n, err := e.store.RecoverStaleJobs(ctx, now.Add(-e.cfg.StaleAfter), now)
	if err != nil {
		if ctx.Err() == nil {
			e.log.Error("stale job recovery failed", "err", err)
		}
		return
	}
	if n > 0 {
		e.log.Warn("recovered stale jobs", "count", n, "stale_after", e.cfg.StaleAfter.String())
	}

	// A lost post-claim release write leaves a running dispatch with
	// pending jobs and nothing scheduled; restart those chains here.
	kicked, err := e.store.KickStalledDispatches(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			e.log.Error("re-kicking stalled dispatches failed", "err", err)
		}
		return
	}
	if kicked > 0 {
		e.log.Warn("re-kicked stalled dispatches", "count", kicked)
	}
}
