package session

import (
	"math"
	"math/rand"
	"time"
)

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// Reconnector counts consecutive dial failures for a duplex client.
type Reconnector struct {
	cfg     BackoffConfig
	rng     *rand.Rand
	attempt int
}

func NewReconnector(cfg BackoffConfig, seed int64) *Reconnector {
	return &Reconnector{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Next records one failure and returns how long to wait before redialing.
func (r *Reconnector) Next() time.Duration {
	r.attempt++
	return NextBackoffDelay(r.cfg, r.attempt, r.rng)
}

// Reset is called once a connection is established.
func (r *Reconnector) Reset() {
	r.attempt = 0
}

func (r *Reconnector) Attempts() int {
	return r.attempt
}
