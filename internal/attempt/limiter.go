package attempt

import (
	"context"
	"sync"
	"time"

	"github.com/keithlinneman/couponforge-web/internal/xerrors"
)

// Config holds the limiter thresholds. Zero values take defaults,
// negative values are rejected at construction.
type Config struct {
	// MaxAttempts is the failure count at which a lockout engages.
	MaxAttempts int

	// Window is how long failures accumulate toward MaxAttempts,
	// measured from the first failure after a reset.
	Window time.Duration

	// Lockout is how long an identity stays blocked once MaxAttempts
	// is reached.
	Lockout time.Duration

	// SweepInterval is how often the background sweep purges stale records.
	SweepInterval time.Duration
}

const (
	DefaultMaxAttempts   = 10
	DefaultWindow        = 15 * time.Minute
	DefaultLockout       = 15 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Window == 0 {
		c.Window = DefaultWindow
	}
	if c.Lockout == 0 {
		c.Lockout = DefaultLockout
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

func (c Config) validate() error {
	if c.MaxAttempts < 1 {
		return xerrors.Newf("MaxAttempts must be >= 1 (got %d)", c.MaxAttempts)
	}
	if c.Window <= 0 {
		return xerrors.Newf("Window must be positive (got %v)", c.Window)
	}
	if c.Lockout <= 0 {
		return xerrors.Newf("Lockout must be positive (got %v)", c.Lockout)
	}
	if c.SweepInterval <= 0 {
		return xerrors.Newf("SweepInterval must be positive (got %v)", c.SweepInterval)
	}
	return nil
}

// Result is the outcome of a Check. When OK is false, RetryAfter is
// always positive and suitable for a Retry-After response header.
type Result struct {
	OK         bool
	RetryAfter time.Duration
}

// record tracks one identity. A zero lockedUntil means no lock.
type record struct {
	failures    int
	windowStart time.Time
	lockedUntil time.Time
}

// Limiter tracks failure counts per key and decides whether an attempt
// may proceed. Each Limiter owns its own record table; independent
// instances never share state even for identical key strings.
type Limiter struct {
	mu      sync.Mutex
	records map[string]*record
	cfg     Config

	// now is swappable for tests
	now func() time.Time

	// OnLockout is called once per lockout transition (for logging).
	OnLockout func(key string)

	// OnDenied is called on every denied check (for metrics).
	OnDenied func(key string)

	// OnSweep is called after each background sweep pass with the number
	// of purged records and the number remaining.
	OnSweep func(removed, remaining int)
}

// New validates cfg (after applying defaults for zero fields) and
// returns a fresh Limiter. Hooks may be assigned before first use.
func New(cfg Config) (*Limiter, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Limiter{
		records: make(map[string]*record),
		cfg:     cfg,
		now:     time.Now,
	}, nil
}

// expired reports whether a record is eligible for purge: the counting
// window has elapsed and no active lock remains.
func (l *Limiter) expired(r *record, now time.Time) bool {
	if !r.lockedUntil.IsZero() && now.Before(r.lockedUntil) {
		return false
	}
	return now.Sub(r.windowStart) >= l.cfg.Window
}

// Check reports whether an attempt for key may proceed. It never
// increments the failure count. An active lock is checked first,
// independent of window expiry. An empty key cannot be meaningfully
// rate-limited and is allowed (fail-open).
func (l *Limiter) Check(key string) Result {
	if key == "" {
		return Result{OK: true}
	}

	res, lockedNow := l.check(key, l.now())

	// hooks fire outside the lock
	if !res.OK {
		if lockedNow && l.OnLockout != nil {
			l.OnLockout(key)
		}
		if l.OnDenied != nil {
			l.OnDenied(key)
		}
	}
	return res
}

func (l *Limiter) check(key string, now time.Time) (Result, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[key]
	if !ok {
		return Result{OK: true}, false
	}

	// lock first: it outlives the counting window
	if !r.lockedUntil.IsZero() {
		if now.Before(r.lockedUntil) {
			return Result{OK: false, RetryAfter: r.lockedUntil.Sub(now)}, false
		}
		r.lockedUntil = time.Time{}
	}

	// window elapsed without an active lock: reset lazily
	if now.Sub(r.windowStart) >= l.cfg.Window {
		delete(l.records, key)
		return Result{OK: true}, false
	}

	// threshold reached but the lock was never set (or has just been
	// cleared above with the window still active): engage it here
	if r.failures >= l.cfg.MaxAttempts {
		r.lockedUntil = now.Add(l.cfg.Lockout)
		return Result{OK: false, RetryAfter: l.cfg.Lockout}, true
	}

	return Result{OK: true}, false
}

// RecordFailure registers one failed attempt for key. The first failure
// after a reset (or an expired record) starts a fresh window. Reaching
// MaxAttempts engages the lockout. Empty keys are ignored.
func (l *Limiter) RecordFailure(key string) {
	if key == "" {
		return
	}
	now := l.now()

	var lockedNow bool
	l.mu.Lock()
	r, ok := l.records[key]
	if !ok || l.expired(r, now) {
		l.records[key] = &record{failures: 1, windowStart: now}
		l.mu.Unlock()
		return
	}
	r.failures++
	if r.failures >= l.cfg.MaxAttempts && !now.Before(r.lockedUntil) {
		r.lockedUntil = now.Add(l.cfg.Lockout)
		lockedNow = true
	}
	l.mu.Unlock()

	if lockedNow && l.OnLockout != nil {
		l.OnLockout(key)
	}
}

// RecordSuccess clears all state for key. Idempotent.
func (l *Limiter) RecordSuccess(key string) {
	if key == "" {
		return
	}
	l.mu.Lock()
	delete(l.records, key)
	l.mu.Unlock()
}

// Reset drops every record. Intended for test teardown.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.records = make(map[string]*record)
	l.mu.Unlock()
}

// Len returns the current number of tracked records.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// StartSweep launches the background purge of expired records and
// returns a stop func. The sweep also stops when ctx is cancelled.
// Stopping is idempotent.
func (l *Limiter) StartSweep(ctx context.Context) (stop func()) {
	sctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(l.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sctx.Done():
				return
			case <-ticker.C:
				removed, remaining := l.sweep(l.now())
				if l.OnSweep != nil {
					l.OnSweep(removed, remaining)
				}
			}
		}
	}()
	return cancel
}

// sweep removes records whose window and lock have both expired.
func (l *Limiter) sweep(now time.Time) (removed, remaining int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, r := range l.records {
		if l.expired(r, now) {
			delete(l.records, key)
			removed++
		}
	}
	return removed, len(l.records)
}
