package transport

import (
	"sync"
	"time"
)

// Backoff paces reconnect attempts. Delays double from Initial up to Max;
// after Threshold consecutive failures it waits Cooldown once and starts over.
type Backoff struct {
	mu        sync.Mutex
	initial   time.Duration
	max       time.Duration
	threshold int
	cooldown  time.Duration
	failures  int
}

type BackoffConfig struct {
	Initial   time.Duration `yaml:"initial"`
	Max       time.Duration `yaml:"max"`
	Threshold int           `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:   500 * time.Millisecond,
		Max:       10 * time.Second,
		Threshold: 10,
		Cooldown:  30 * time.Second,
	}
}

func NewBackoff(cfg BackoffConfig) *Backoff {
	def := DefaultBackoffConfig()
	if cfg.Initial <= 0 {
		cfg.Initial = def.Initial
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	return &Backoff{
		initial:   cfg.Initial,
		max:       cfg.Max,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
	}
}

// Next records a failure and returns how long to wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.threshold > 0 && b.failures >= b.threshold && b.cooldown > 0 {
		b.failures = 0
		return b.cooldown
	}

	delay := b.initial
	for i := 1; i < b.failures; i++ {
		delay *= 2
		if delay >= b.max {
			return b.max
		}
	}
	return delay
}

// Reset clears the failure count after a successful connect.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

func (b *Backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
