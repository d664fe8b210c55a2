package attempt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

// advance shifts the limiter's clock forward by d without sleeping.
func advance(l *Limiter, d time.Duration) {
	base := l.now
	l.now = func() time.Time { return base().Add(d) }
}

func TestNew_Defaults(t *testing.T) {
	l := newTestLimiter(t, Config{})

	if l.cfg.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", l.cfg.MaxAttempts, DefaultMaxAttempts)
	}
	if l.cfg.Window != DefaultWindow {
		t.Errorf("Window = %v, want %v", l.cfg.Window, DefaultWindow)
	}
	if l.cfg.Lockout != DefaultLockout {
		t.Errorf("Lockout = %v, want %v", l.cfg.Lockout, DefaultLockout)
	}
	if l.cfg.SweepInterval != DefaultSweepInterval {
		t.Errorf("SweepInterval = %v, want %v", l.cfg.SweepInterval, DefaultSweepInterval)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	for _, cfg := range []Config{
		{MaxAttempts: -1},
		{Window: -time.Second},
		{Lockout: -time.Second},
		{SweepInterval: -time.Second},
	} {
		if _, err := New(cfg); err == nil {
			t.Errorf("New(%+v) should fail", cfg)
		}
	}
}

func TestCheck_UnseenKeyAllowed(t *testing.T) {
	l := newTestLimiter(t, Config{})

	if res := l.Check("192.168.1.1"); !res.OK {
		t.Fatal("never-seen key should be allowed")
	}
	if l.Len() != 0 {
		t.Errorf("Check must not create records, Len = %d", l.Len())
	}
}

func TestCheck_UnderThresholdAllowed(t *testing.T) {
	l := newTestLimiter(t, Config{MaxAttempts: 10})

	// concrete scenario: 5 failures under a threshold of 10
	for i := 0; i < 5; i++ {
		l.RecordFailure("192.168.1.2")
		if res := l.Check("192.168.1.2"); !res.OK {
			t.Fatalf("failure %d: should still be allowed under threshold", i+1)
		}
	}
}

func TestCheck_LockoutAtThreshold(t *testing.T) {
	l := newTestLimiter(t, Config{MaxAttempts: 10})

	// concrete scenario: exactly 10 failures lock the key out
	for i := 0; i < 10; i++ {
		l.RecordFailure("192.168.1.4")
	}

	res := l.Check("192.168.1.4")
	if res.OK {
		t.Fatal("key should be locked out after MaxAttempts failures")
	}
	if res.RetryAfter <= 0 {
		t.Fatalf("RetryAfter = %v, want positive", res.RetryAfter)
	}
}

func TestCheck_DoesNotCountAttempts(t *testing.T) {
	l := newTestLimiter(t, Config{MaxAttempts: 3})

	l.RecordFailure("10.0.0.1")

	// many checks must not push the key toward lockout
	for i := 0; i < 20; i++ {
		if res := l.Check("10.0.0.1"); !res.OK {
			t.Fatalf("check %d: denied after a single failure", i+1)
		}
	}
}

func TestRecordSuccess_ResetsState(t *testing.T) {
	l := newTestLimiter(t, Config{MaxAttempts: 10})

	// concrete scenario: two failures then a success
	l.RecordFailure("192.168.1.3")
	l.RecordFailure("192.168.1.3")
	l.RecordSuccess("192.168.1.3")

	if res := l.Check("192.168.1.3"); !res.OK {
		t.Fatal("key should be allowed after success reset")
	}
	if l.Len() != 0 {
		t.Errorf("success should delete the record, Len = %d", l.Len())
	}
}

func TestRecordSuccess_ResetsEvenWhenLocked(t *testing.T) {
	l := newTestLimiter(t, Config{MaxAttempts: 3})

	for i := 0; i < 3; i++ {
		l.RecordFailure("10.0.0.1")
	}
	if res := l.Check("10.0.0.1"); res.OK {
		t.Fatal("precondition: key should be locked")
	}

	l.RecordSuccess("10.0.0.1")
	if res := l.Check("10.0.0.1"); !res.OK {
		t.Fatal("success must clear an active lockout")
	}
}

func TestRecordSuccess_IdempotentOnUnknownKey(t *testing.T) {
	l := newTestLimiter(t, Config{})

	// must not panic or create state
	l.RecordSuccess("ghost")
	l.RecordSuccess("ghost")

	if res := l.Check("ghost"); !res.OK {
		t.Fatal("unknown key should remain allowed")
	}
}

func TestKeys_AreIndependent(t *testing.T) {
	l := newTestLimiter(t, Config{MaxAttempts: 3})

	for i := 0; i < 3; i++ {
		l.RecordFailure("10.0.0.1")
	}

	if res := l.Check("10.0.0.1"); res.OK {
		t.Fatal("driven key should be locked")
	}
	if res := l.Check("10.0.0.2"); !res.OK {
		t.Fatal("other keys must be unaffected")
	}
}

func TestInstances_DoNotShareStorage(t *testing.T) {
	login := newTestLimiter(t, Config{MaxAttempts: 2})
	submit := newTestLimiter(t, Config{MaxAttempts: 2})

	login.RecordFailure("10.0.0.1")
	login.RecordFailure("10.0.0.1")

	if res := login.Check("10.0.0.1"); res.OK {
		t.Fatal("login limiter should be locked")
	}
	if res := submit.Check("10.0.0.1"); !res.OK {
		t.Fatal("same key on a separate instance must be unaffected")
	}
}

func TestEmptyKey_FailOpen(t *testing.T) {
	l := newTestLimiter(t, Config{MaxAttempts: 1})

	// recording and checking an empty key are no-ops
	l.RecordFailure("")
	l.RecordFailure("")
	if res := l.Check(""); !res.OK {
		t.Fatal("empty key should always be allowed")
	}
	if l.Len() != 0 {
		t.Errorf("empty key should not be tracked, Len = %d", l.Len())
	}
	l.RecordSuccess("") // must not panic
}

func TestWindow_ExpiryResetsCount(t *testing.T) {
	l := newTestLimiter(t, Config{MaxAttempts: 3, Window: time.Minute, Lockout: time.Minute})

	l.RecordFailure("10.0.0.1")
	l.RecordFailure("10.0.0.1")

	advance(l, 2*time.Minute)

	// window elapsed without a lock: next failure starts a fresh window
	l.RecordFailure("10.0.0.1")
	if res := l.Check("10.0.0.1"); !res.OK {
		t.Fatal("stale failures must not carry into the new window")
	}

	l.mu.Lock()
	r := l.records["10.0.0.1"]
	l.mu.Unlock()
	if r == nil || r.failures != 1 {
		t.Fatalf("failures = %+v, want fresh record with 1", r)
	}
}

func TestLockout_OutlivesWindow(t *testing.T) {
	l := newTestLimiter(t, Config{MaxAttempts: 2, Window: time.Minute, Lockout: 10 * time.Minute})

	l.RecordFailure("10.0.0.1")
	l.RecordFailure("10.0.0.1")

	// window has elapsed but the lock has not
	advance(l, 2*time.Minute)

	res := l.Check("10.0.0.1")
	if res.OK {
		t.Fatal("active lock must block even after the window expired")
	}
	if res.RetryAfter <= 0 || res.RetryAfter > 10*time.Minute {
		t.Fatalf("RetryAfter = %v, want within (0, 10m]", res.RetryAfter)
	}
}

func TestLockout_ExpiresAndAllows(t *testing.T) {
	l := newTestLimiter(t, Config{MaxAttempts: 2, Window: time.Minute, Lockout: time.Minute})

	l.RecordFailure("10.0.0.1")
	l.RecordFailure("10.0.0.1")
	if res := l.Check("10.0.0.1"); res.OK {
		t.Fatal("precondition: locked")
	}

	// lock and window both elapsed
	advance(l, 2*time.Minute)

	if res := l.Check("10.0.0.1"); !res.OK {
		t.Fatal("expired lock should allow again")
	}
	if l.Len() != 0 {
		t.Errorf("expired record should be lazily removed, Len = %d", l.Len())
	}
}

func TestCheck_EngagesLockWhenThresholdReachedButUnlocked(t *testing.T) {
	l := newTestLimiter(t, Config{MaxAttempts: 3, Window: time.Hour, Lockout: time.Hour})

	// force the borderline state: count at threshold, no lock set
	l.mu.Lock()
	l.records["10.0.0.1"] = &record{failures: 3, windowStart: l.now()}
	l.mu.Unlock()

	res := l.Check("10.0.0.1")
	if res.OK {
		t.Fatal("check should engage the lock when the count is at threshold")
	}
	if res.RetryAfter != time.Hour {
		t.Errorf("RetryAfter = %v, want full lockout duration", res.RetryAfter)
	}

	l.mu.Lock()
	locked := !l.records["10.0.0.1"].lockedUntil.IsZero()
	l.mu.Unlock()
	if !locked {
		t.Fatal("lockedUntil should now be set")
	}
}

func TestOnLockout_FiredOncePerTransition(t *testing.T) {
	var lockouts atomic.Int32
	l := newTestLimiter(t, Config{MaxAttempts: 3})
	l.OnLockout = func(key string) { lockouts.Add(1) }

	for i := 0; i < 6; i++ {
		l.RecordFailure("10.0.0.1")
	}
	l.Check("10.0.0.1")
	l.Check("10.0.0.1")

	if got := lockouts.Load(); got != 1 {
		t.Fatalf("OnLockout fired %d times, want 1", got)
	}
}

func TestOnDenied_FiredPerDeniedCheck(t *testing.T) {
	var denied atomic.Int32
	l := newTestLimiter(t, Config{MaxAttempts: 2})
	l.OnDenied = func(key string) { denied.Add(1) }

	l.RecordFailure("10.0.0.1")
	l.RecordFailure("10.0.0.1")

	for i := 0; i < 5; i++ {
		l.Check("10.0.0.1")
	}
	if got := denied.Load(); got != 5 {
		t.Fatalf("OnDenied fired %d times, want 5", got)
	}
}

func TestNilHooks_NoPanic(t *testing.T) {
	l := newTestLimiter(t, Config{MaxAttempts: 1})
	l.RecordFailure("10.0.0.1")
	l.Check("10.0.0.1") // denied with no hooks set - should be fine
}

func TestSweep_PurgesExpiredRecords(t *testing.T) {
	l := newTestLimiter(t, Config{MaxAttempts: 5, Window: time.Minute, Lockout: time.Minute})

	l.RecordFailure("10.0.0.1")
	l.RecordFailure("10.0.0.2")
	if l.Len() != 2 {
		t.Fatalf("Len = %d, want 2", l.Len())
	}

	advance(l, 2*time.Minute)

	removed, remaining := l.sweep(l.now())
	if removed != 2 || remaining != 0 {
		t.Fatalf("sweep = (%d, %d), want (2, 0)", removed, remaining)
	}
}

func TestSweep_KeepsActiveAndLockedRecords(t *testing.T) {
	l := newTestLimiter(t, Config{MaxAttempts: 2, Window: time.Minute, Lockout: 10 * time.Minute})

	l.RecordFailure("locked")
	l.RecordFailure("locked")
	l.RecordFailure("active")

	// window elapsed: "active" is purgeable, "locked" still holds a lock
	advance(l, 2*time.Minute)

	removed, remaining := l.sweep(l.now())
	if removed != 1 || remaining != 1 {
		t.Fatalf("sweep = (%d, %d), want (1, 1)", removed, remaining)
	}

	l.mu.Lock()
	_, lockedKept := l.records["locked"]
	l.mu.Unlock()
	if !lockedKept {
		t.Fatal("sweep must not purge records with an active lock")
	}
}

func TestSweep_RestartedWindowNotResumed(t *testing.T) {
	l := newTestLimiter(t, Config{MaxAttempts: 3, Window: time.Minute, Lockout: time.Minute})

	l.RecordFailure("10.0.0.1")
	l.RecordFailure("10.0.0.1")

	advance(l, 2*time.Minute)
	l.sweep(l.now())

	// re-driving failures starts over rather than resuming a stale count
	l.RecordFailure("10.0.0.1")
	if res := l.Check("10.0.0.1"); !res.OK {
		t.Fatal("count should have restarted after the sweep")
	}
}

func TestStartSweep_RunsAndStops(t *testing.T) {
	l := newTestLimiter(t, Config{
		MaxAttempts:   5,
		Window:        10 * time.Millisecond,
		Lockout:       10 * time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
	})

	var sweeps atomic.Int32
	l.OnSweep = func(removed, remaining int) { sweeps.Add(1) }

	l.RecordFailure("10.0.0.1")

	stop := l.StartSweep(context.Background())
	time.Sleep(70 * time.Millisecond)
	stop()

	if sweeps.Load() == 0 {
		t.Fatal("sweep never ran")
	}
	if l.Len() != 0 {
		t.Fatalf("expired record survived the sweep, Len = %d", l.Len())
	}

	// after stop, no further sweeps fire
	got := sweeps.Load()
	l.RecordFailure("10.0.0.2")
	time.Sleep(50 * time.Millisecond)
	if sweeps.Load() != got {
		t.Fatal("sweep kept running after stop")
	}

	stop() // idempotent
}

func TestStartSweep_StopsOnContextCancel(t *testing.T) {
	l := newTestLimiter(t, Config{
		Window:        10 * time.Millisecond,
		Lockout:       10 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})

	var sweeps atomic.Int32
	l.OnSweep = func(removed, remaining int) { sweeps.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	l.StartSweep(ctx)
	cancel()

	time.Sleep(40 * time.Millisecond)
	got := sweeps.Load()
	time.Sleep(40 * time.Millisecond)
	if sweeps.Load() != got {
		t.Fatal("sweep kept running after context cancellation")
	}
}

func TestReset_DropsAllRecords(t *testing.T) {
	l := newTestLimiter(t, Config{MaxAttempts: 1})

	l.RecordFailure("a")
	l.RecordFailure("b")
	l.Reset()

	if l.Len() != 0 {
		t.Fatalf("Len = %d after Reset, want 0", l.Len())
	}
	if res := l.Check("a"); !res.OK {
		t.Fatal("reset limiter should allow everything")
	}
}

func TestConcurrentAccess(t *testing.T) {
	l := newTestLimiter(t, Config{MaxAttempts: 5, Window: time.Hour, Lockout: time.Hour})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("10.0.0.%d", n%10)
			for j := 0; j < 20; j++ {
				l.Check(key)
				l.RecordFailure(key)
			}
			l.RecordSuccess(key)
		}(i)
	}
	wg.Wait()

	// all keys saw a final success, so nothing should remain locked
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("10.0.0.%d", i)
		l.RecordSuccess(key)
		if res := l.Check(key); !res.OK {
			t.Fatalf("key %s still locked after success", key)
		}
	}
}
