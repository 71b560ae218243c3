// Package speed maps a dispatch's named pace to the inter-send delay the
// scheduler applies between job releases. The named paces imitate a human
// operator; bursty sending is what gets a channel account banned by the
// gateway.
package speed

import (
	"math/rand/v2"
	"time"

	"dispatchd/internal/apperrors"
	"dispatchd/internal/model"
)

// Config holds the concrete durations behind each named pace.
type Config struct {
	Fast   time.Duration
	Normal time.Duration
	Slow   time.Duration

	// RandomMin/RandomMax bound the uniform sample used by the
	// "randomized" pace. RandomMin must be <= RandomMax.
	RandomMin time.Duration
	RandomMax time.Duration
}

func DefaultConfig() Config {
	return Config{
		Fast:      1 * time.Second,
		Normal:    5 * time.Second,
		Slow:      15 * time.Second,
		RandomMin: 2 * time.Second,
		RandomMax: 10 * time.Second,
	}
}

// Profile yields the delay to wait before releasing the next job of a
// dispatch. Fixed paces always return the same duration; randomized samples
// uniformly on every call. Profiles are stateless apart from the shared
// random source and safe for concurrent use.
type Profile struct {
	fixed      time.Duration
	randMin    time.Duration
	randMax    time.Duration
	randomized bool
}

// ForSpeed resolves a named pace against cfg. Unknown names are a
// validation error, never a silent default.
func ForSpeed(sp model.Speed, cfg Config) (*Profile, error) {
	switch sp {
	case model.SpeedFast:
		return &Profile{fixed: cfg.Fast}, nil
	case model.SpeedNormal:
		return &Profile{fixed: cfg.Normal}, nil
	case model.SpeedSlow:
		return &Profile{fixed: cfg.Slow}, nil
	case model.SpeedRandomized:
		minD, maxD := cfg.RandomMin, cfg.RandomMax
		if maxD < minD {
			minD, maxD = maxD, minD
		}
		return &Profile{randMin: minD, randMax: maxD, randomized: true}, nil
	}
	return nil, apperrors.NewValidation("unknown speed %q", sp)
}

func (p *Profile) NextDelay() time.Duration {
	if !p.randomized {
		return p.fixed
	}
	if p.randMax == p.randMin {
		return p.randMin
	}
	return p.randMin + rand.N(p.randMax-p.randMin)
}

// MinDelay is the smallest delay NextDelay can return; the pacing lower
// bound for a dispatch with n jobs is (n-1) * MinDelay.
func (p *Profile) MinDelay() time.Duration {
	if p.randomized {
		return p.randMin
	}
	return p.fixed
}
