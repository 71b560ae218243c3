package speed

import (
	"errors"
	"testing"
	"time"

	"dispatchd/internal/apperrors"
	"dispatchd/internal/model"
)

func TestForSpeed_FixedPaces(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Fast:      time.Second,
		Normal:    5 * time.Second,
		Slow:      15 * time.Second,
		RandomMin: 2 * time.Second,
		RandomMax: 10 * time.Second,
	}

	cases := []struct {
		speed model.Speed
		want  time.Duration
	}{
		{model.SpeedFast, time.Second},
		{model.SpeedNormal, 5 * time.Second},
		{model.SpeedSlow, 15 * time.Second},
	}

	for _, tc := range cases {
		p, err := ForSpeed(tc.speed, cfg)
		if err != nil {
			t.Fatalf("ForSpeed(%q) error: %v", tc.speed, err)
		}
		for i := 0; i < 5; i++ {
			if got := p.NextDelay(); got != tc.want {
				t.Fatalf("speed %q: expected delay %v, got %v", tc.speed, tc.want, got)
			}
		}
		if p.MinDelay() != tc.want {
			t.Fatalf("speed %q: expected MinDelay %v, got %v", tc.speed, tc.want, p.MinDelay())
		}
	}
}

func TestForSpeed_RandomizedStaysInRange(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.RandomMin = 100 * time.Millisecond
	cfg.RandomMax = 300 * time.Millisecond

	p, err := ForSpeed(model.SpeedRandomized, cfg)
	if err != nil {
		t.Fatalf("ForSpeed(randomized) error: %v", err)
	}

	if p.MinDelay() != cfg.RandomMin {
		t.Fatalf("expected MinDelay %v, got %v", cfg.RandomMin, p.MinDelay())
	}

	for i := 0; i < 200; i++ {
		d := p.NextDelay()
		if d < cfg.RandomMin || d > cfg.RandomMax {
			t.Fatalf("delay %v outside [%v, %v]", d, cfg.RandomMin, cfg.RandomMax)
		}
	}
}

func TestForSpeed_RandomizedDegenerateRange(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.RandomMin = time.Second
	cfg.RandomMax = time.Second

	p, err := ForSpeed(model.SpeedRandomized, cfg)
	if err != nil {
		t.Fatalf("ForSpeed(randomized) error: %v", err)
	}
	if d := p.NextDelay(); d != time.Second {
		t.Fatalf("expected fixed 1s for degenerate range, got %v", d)
	}
}

func TestForSpeed_UnknownSpeedRejected(t *testing.T) {
	t.Parallel()

	_, err := ForSpeed(model.Speed("warp"), DefaultConfig())
	if err == nil {
		t.Fatalf("expected error, got nil")
	}

	var ve *apperrors.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T: %v", err, err)
	}
}
