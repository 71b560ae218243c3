package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"dispatchd/internal/api"
	"dispatchd/internal/cache"
	"dispatchd/internal/config"
	"dispatchd/internal/engine"
	"dispatchd/internal/gateway"
	"dispatchd/internal/speed"
	"dispatchd/internal/store"
)

func main() {
	_ = godotenv.Load()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.LoadAll()
	if err != nil {
		log.Error("config load failed", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	if err := store.Migrate(cfg.Database.PostgresURL); err != nil {
		return err
	}

	db, err := store.OpenPool(cfg.Database.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()

	st := store.NewPostgres(db)

	var receipts cache.ReceiptCache
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		receipts = cache.NewRedisCache(rdb, cfg.Redis.TTL)
		log.Info("receipt cache enabled", "addr", cfg.Redis.Address, "ttl", cfg.Redis.TTL.String())
	}

	gw := gateway.NewHTTPGateway(cfg.Gateway.URL, cfg.Gateway.Timeout)

	eng, err := engine.New(engine.Config{
		Workers:             cfg.Engine.Workers,
		PollInterval:        cfg.Engine.PollInterval,
		MaintenanceInterval: cfg.Engine.MaintenanceInterval,
		MaxAttempts:         cfg.Engine.MaxAttempts,
		BackoffBase:         cfg.Engine.BackoffBase,
		BackoffCap:          cfg.Engine.BackoffCap,
		StaleAfter:          cfg.Engine.StaleAfter,
		RatePerSec:          cfg.Engine.RatePerSec,
		RequestTimeout:      cfg.Gateway.Timeout,
		Speeds: speed.Config{
			Fast:      cfg.Speeds.Fast,
			Normal:    cfg.Speeds.Normal,
			Slow:      cfg.Speeds.Slow,
			RandomMin: cfg.Speeds.RandomMin,
			RandomMax: cfg.Speeds.RandomMax,
		},
	}, st, gw, receipts, log)
	if err != nil {
		return err
	}

	eng.Start()
	defer eng.Stop()

	handler := api.NewHandler(eng, receipts)
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(handler)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "err", err)
	}

	// Engine stop waits for in-flight sends, so it runs after the server
	// stops accepting new lifecycle requests.
	eng.Stop()
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).String(),
		)
	})
}
