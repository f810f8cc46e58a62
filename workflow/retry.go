package workflow

import (
	"math"
	"time"

	"github.com/blueprinthq/valueflow/types"
)

// jitterFraction bounds the random spread applied to a backoff delay.
const jitterFraction = 0.1

// BackoffDelay computes the sleep before the attempt following `attempt`
// (1-based):
//
//	delay = min(initial_delay_ms × multiplier^(attempt−1), max_delay_ms)
//
// With jitter enabled and a non-nil jitter source (uniform in [0,1)), the
// delay is spread uniformly within ±10%. Absent jitter, delays are
// non-decreasing in attempt.
func BackoffDelay(cfg types.RetryConfig, attempt int, jitter func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := float64(cfg.InitialDelayMs)
	if initial <= 0 {
		initial = float64(types.DefaultRetryConfig().InitialDelayMs)
	}
	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = types.DefaultRetryConfig().Multiplier
	}
	max := float64(cfg.MaxDelayMs)
	if max <= 0 {
		max = float64(types.DefaultRetryConfig().MaxDelayMs)
	}

	delay := initial * math.Pow(multiplier, float64(attempt-1))
	if delay > max {
		delay = max
	}

	if cfg.Jitter && jitter != nil {
		// Uniform in [1-j, 1+j].
		delay *= 1 - jitterFraction + 2*jitterFraction*jitter()
	}

	return time.Duration(delay) * time.Millisecond
}

// normalizeRetry fills zero-valued retry fields with the engine defaults.
func normalizeRetry(cfg types.RetryConfig) types.RetryConfig {
	def := types.DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialDelayMs <= 0 {
		cfg.InitialDelayMs = def.InitialDelayMs
	}
	if cfg.MaxDelayMs <= 0 {
		cfg.MaxDelayMs = def.MaxDelayMs
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	return cfg
}
