// ABOUTME: Token-bucket rate limiting per connector, optionally per caller.
// ABOUTME: Built on golang.org/x/time/rate with lazily created keyed buckets.

package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Params describes one bucket: capacity and refill rate in tokens per second.
type Params struct {
	Capacity int
	Refill   float64
}

// DefaultParams is used when neither the gateway config nor the connector
// policy supplies bucket parameters.
var DefaultParams = Params{Capacity: 60, Refill: 1}

// Config holds the Limiter configuration.
type Config struct {
	Defaults     Params
	PerConnector map[string]Params
	PerCaller    bool // refine buckets to (connector, caller) pairs
	Logger       *slog.Logger
}

// Limiter bounds call frequency with one token bucket per key. Bucket refill
// is lazy, computed from elapsed time inside rate.Limiter; no background
// timers run. Acquisition against one bucket is serialized by the bucket
// itself, so distinct keys never contend.
type Limiter struct {
	defaults     Params
	perConnector map[string]Params
	perCaller    bool
	logger       *slog.Logger

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New creates a Limiter from the given configuration.
func New(cfg Config) *Limiter {
	defaults := cfg.Defaults
	if defaults.Capacity <= 0 {
		defaults = DefaultParams
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		defaults:     defaults,
		perConnector: cfg.PerConnector,
		perCaller:    cfg.PerCaller,
		logger:       logger,
		buckets:      make(map[string]*rate.Limiter),
	}
}

// TryAcquire atomically checks and consumes one token from the bucket for
// the given connector (and caller, when per-caller refinement is on).
// On rejection it returns the time after which a retry could succeed,
// computed from the current deficit and refill rate; no token is consumed.
func (l *Limiter) TryAcquire(connector, caller string) (bool, time.Duration) {
	key := connector
	if l.perCaller && caller != "" {
		key = connector + "|" + caller
	}

	bucket := l.bucket(key, connector)

	res := bucket.Reserve()
	if !res.OK() {
		return false, rate.InfDuration
	}
	if delay := res.Delay(); delay > 0 {
		// Not honoring the reservation: hand the token back.
		res.Cancel()
		l.logger.Debug("rate limited", "key", key, "retry_after", delay)
		return false, delay
	}
	return true, 0
}

// bucket returns the limiter for key, creating it on first use with the
// connector's parameters.
func (l *Limiter) bucket(key, connector string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[key]; ok {
		return b
	}

	p := l.defaults
	if override, ok := l.perConnector[connector]; ok && override.Capacity > 0 {
		p = override
	}
	b := rate.NewLimiter(rate.Limit(p.Refill), p.Capacity)
	l.buckets[key] = b
	return b
}
