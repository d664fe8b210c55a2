package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/couponforge-web/internal/httpmw"
)

// client tracks a single IP's bucket and last activity.
type client struct {
	bucket   *rate.Limiter
	lastSeen time.Time
	// logged tracks whether the first-denial log fired for this entry;
	// resets when the entry is evicted and re-created
	logged bool
}

// Flood holds per-IP token buckets with background eviction.
type Flood struct {
	mu      sync.Mutex
	clients map[string]*client

	perSecond  rate.Limit
	burst      int
	ttl        time.Duration
	maxClients int

	// capacityLogged dedupes the at-capacity log until eviction frees room
	capacityLogged bool

	// OnFirstDenied fires once per tracked client on its first denial.
	OnFirstDenied func(ip string)

	// OnDenied fires on every denied request.
	OnDenied func(ip string)

	// OnCapacity fires once when the client table fills up.
	OnCapacity func()
}

type Option func(*Flood)

// WithRate sets the refill rate (tokens per second) and burst ceiling.
func WithRate(perSecond float64, burst int) Option {
	return func(f *Flood) {
		f.perSecond = rate.Limit(perSecond)
		f.burst = burst
	}
}

// WithTTL controls how long an idle IP stays tracked before eviction.
func WithTTL(d time.Duration) Option {
	return func(f *Flood) { f.ttl = d }
}

// WithMaxClients caps the tracked-IP table. New IPs are rejected at
// capacity until eviction frees room. 0 disables the cap.
func WithMaxClients(n int) Option {
	return func(f *Flood) { f.maxClients = n }
}

func WithOnFirstDenied(fn func(ip string)) Option {
	return func(f *Flood) { f.OnFirstDenied = fn }
}

func WithOnDenied(fn func(ip string)) Option {
	return func(f *Flood) { f.OnDenied = fn }
}

func WithOnCapacity(fn func()) Option {
	return func(f *Flood) { f.OnCapacity = fn }
}

// New creates a Flood limiter and starts the background eviction
// goroutine, which stops when ctx is cancelled.
func New(ctx context.Context, opts ...Option) *Flood {
	f := &Flood{
		clients:    make(map[string]*client),
		perSecond:  10,
		burst:      30,
		ttl:        5 * time.Minute,
		maxClients: 100000,
	}
	for _, o := range opts {
		o(f)
	}
	go f.evict(ctx)
	return f
}

// Allow reports whether ip is within its rate limit, creating the
// tracking entry when needed. At capacity, unknown IPs are rejected.
func (f *Flood) Allow(ip string) bool {
	f.mu.Lock()
	c, exists := f.clients[ip]
	if !exists {
		if f.maxClients > 0 && len(f.clients) >= f.maxClients {
			fireCapacity := !f.capacityLogged
			f.capacityLogged = true
			f.mu.Unlock()
			if fireCapacity && f.OnCapacity != nil {
				f.OnCapacity()
			}
			if f.OnDenied != nil {
				f.OnDenied(ip)
			}
			return false
		}
		c = &client{bucket: rate.NewLimiter(f.perSecond, f.burst)}
		f.clients[ip] = c
	}
	c.lastSeen = time.Now()
	allowed := c.bucket.Allow()

	var firstDenial bool
	if !allowed && !c.logged {
		c.logged = true
		firstDenial = true
	}
	f.mu.Unlock()

	if !allowed {
		if firstDenial && f.OnFirstDenied != nil {
			f.OnFirstDenied(ip)
		}
		if f.OnDenied != nil {
			f.OnDenied(ip)
		}
	}
	return allowed
}

// evict periodically drops clients idle past the TTL. Runs every TTL/2
// so stale entries don't linger much beyond their deadline.
func (f *Flood) evict(ctx context.Context) {
	ticker := time.NewTicker(f.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			f.mu.Lock()
			for ip, c := range f.clients {
				if now.Sub(c.lastSeen) > f.ttl {
					delete(f.clients, ip)
				}
			}
			if f.maxClients <= 0 || len(f.clients) < f.maxClients {
				f.capacityLogged = false
			}
			f.mu.Unlock()
		}
	}
}

// retryAfterSeconds is a deliberately coarse hint; the bucket refills
// continuously so an exact value would leak limiter internals.
const retryAfterSeconds = 30

// Middleware rejects requests over the per-IP limit with 429.
func (f *Flood) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := httpmw.ClientIPFromContext(r.Context())

		if !f.Allow(ip) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"too many requests"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}
