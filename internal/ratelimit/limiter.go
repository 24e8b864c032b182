// Package ratelimit implements the fixed-window request counters shared by
// the global (per client IP) and per-token tiers of the admission pipeline.
package ratelimit

import (
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// DefaultWindow is the length of one counting window.
const DefaultWindow = 60 * time.Second

const defaultShards = 32

// Key prefixes keep the two tiers in separate key spaces.
const (
	globalPrefix = "global:"
	tokenPrefix  = "token:"
)

// GlobalKey returns the counter key of the per-IP tier.
func GlobalKey(ip string) string {
	return globalPrefix + ip
}

// TokenKey returns the counter key of the per-token tier. A non-empty
// route narrows the budget to that token on that route.
func TokenKey(tokenID int64, route string) string {
	k := tokenPrefix + strconv.FormatInt(tokenID, 10)
	if route != "" {
		k += ":" + route
	}
	return k
}

// Decision is the outcome of one Take call.
type Decision struct {
	Allowed   bool
	Limit     int
	Count     int
	Remaining int
	ResetAt   time.Time
	// Window is the length of the counting window the limit applies to.
	Window time.Duration
	// RetryAfter is set on denial: the time left until ResetAt.
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below one.
func (d Decision) RetryAfterSeconds() int {
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Reservation is the counter slot claimed by an allowed Take. Releasing it
// gives the slot back if the window it was taken in is still current.
type Reservation struct {
	l       *Limiter
	key     string
	resetAt time.Time
	once    sync.Once
}

// Release returns the reserved slot. Safe to call more than once and on a
// nil Reservation.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		r.l.release(r.key, r.resetAt)
	})
}

type window struct {
	count   int
	resetAt time.Time
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// Options configures a Limiter.
type Options struct {
	Window        time.Duration // zero means DefaultWindow
	Shards        int           // zero means 32
	SweepInterval time.Duration // zero disables the background sweep
	Now           func() time.Time
	Logger        *slog.Logger
}

// Limiter is a sharded, mutex-protected map of fixed windows. Each shard
// has its own lock so concurrent requests on unrelated keys never contend.
type Limiter struct {
	window time.Duration
	shards []*shard
	now    func() time.Time
	logger *slog.Logger

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a Limiter and starts the sweep goroutine when
// opts.SweepInterval is positive. Call Stop to end it.
func New(opts Options) *Limiter {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Shards <= 0 {
		opts.Shards = defaultShards
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	l := &Limiter{
		window:  opts.Window,
		shards:  make([]*shard, opts.Shards),
		now:     opts.Now,
		logger:  opts.Logger,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i] = &shard{windows: make(map[string]*window)}
	}

	if opts.SweepInterval > 0 {
		go l.sweepLoop(opts.SweepInterval)
	} else {
		close(l.stopped)
	}
	return l
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration {
	return l.window
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

// Take counts one request against key. A fresh window starts when none
// exists or the current one has passed its reset time. The request is
// denied once the count exceeds limit. Denied requests still count.
//
// The returned Reservation is non-nil only when the request was allowed.
func (l *Limiter) Take(key string, limit int) (Decision, *Reservation) {
	now := l.now()
	s := l.shardFor(key)

	s.mu.Lock()
	w, ok := s.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(l.window)}
		s.windows[key] = w
	}
	w.count++
	count, resetAt := w.count, w.resetAt
	s.mu.Unlock()

	d := Decision{
		Limit:   limit,
		Count:   count,
		ResetAt: resetAt,
		Window:  l.window,
	}
	if count > limit {
		d.RetryAfter = resetAt.Sub(now)
		return d, nil
	}
	d.Allowed = true
	d.Remaining = limit - count
	return d, &Reservation{l: l, key: key, resetAt: resetAt}
}

func (l *Limiter) release(key string, resetAt time.Time) {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !w.resetAt.Equal(resetAt) || w.count == 0 {
		return
	}
	w.count--
}

// Count returns the number of requests counted for key in its current
// window, or zero when no window is active.
func (l *Limiter) Count(key string) int {
	now := l.now()
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || now.After(w.resetAt) {
		return 0
	}
	return w.count
}

// Len returns the number of tracked windows, expired or not.
func (l *Limiter) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.windows)
		s.mu.Unlock()
	}
	return n
}

// Sweep removes windows whose reset time has passed and returns how many
// were removed. Shards are locked one at a time.
func (l *Limiter) Sweep() int {
	now := l.now()
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for key, w := range s.windows {
			if now.After(w.resetAt) {
				delete(s.windows, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (l *Limiter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(l.stopped)

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if removed := l.Sweep(); removed > 0 {
				l.logger.Debug("rate limit sweep", "removed", removed)
			}
		}
	}
}

// Stop ends the sweep goroutine and waits for it to exit. Safe to call
// multiple times.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
	<-l.stopped
}
