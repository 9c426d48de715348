// Package ratelimit implements the broker's fixed-window throttles.
//
// Two limiter instances exist at runtime: one keyed by client IP for new
// connections and one keyed by session ID for resume attempts. Both share the
// same algorithm and differ only in how long a key stays blocked once it
// exceeds its cap.
package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/shellbroker/shellbroker/pkg/logger"
)

// shardCount fixes the number of mutex shards. Keys are spread by FNV hash so
// unrelated clients rarely contend on the same lock.
const shardCount = 16

// sweepInterval is how often idle window entries are purged.
const sweepInterval = 30 * time.Second

// Decision is the outcome of an Allow call.
type Decision struct {
	// Allowed reports whether the event may proceed.
	Allowed bool
	// RetryAfter is how long the key stays blocked. Zero when Allowed.
	RetryAfter time.Duration
}

// BlockPolicy computes when a key that just exceeded its cap becomes usable
// again.
type BlockPolicy func(windowStart, now time.Time) time.Time

// ConnectionBlockPolicy blocks an IP until two full windows have elapsed from
// the start of the window in which it went over the cap.
func ConnectionBlockPolicy(window time.Duration) BlockPolicy {
	return func(windowStart, _ time.Time) time.Time {
		return windowStart.Add(2 * window)
	}
}

// ResumeBlockPolicy blocks a session's resume counter for a flat five minutes
// from the violating attempt.
func ResumeBlockPolicy() BlockPolicy {
	return func(_, now time.Time) time.Time {
		return now.Add(5 * time.Minute)
	}
}

type entry struct {
	count        int
	windowStart  time.Time
	blockedUntil time.Time
	lastSeen     time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Limiter is a sharded fixed-window rate limiter.
type Limiter struct {
	max    int
	window time.Duration
	block  BlockPolicy
	shards [shardCount]*shard

	// nowFunc is swappable in tests.
	nowFunc func() time.Time
}

// New creates a limiter admitting at most max events per key per window.
func New(max int, window time.Duration, block BlockPolicy) *Limiter {
	l := &Limiter{
		max:     max,
		window:  window,
		block:   block,
		nowFunc: time.Now,
	}
	for i := range l.shards {
		l.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return l
}

// NewConnectionLimiter returns the per-IP connection limiter.
func NewConnectionLimiter(maxPerWindow int, window time.Duration) *Limiter {
	return New(maxPerWindow, window, ConnectionBlockPolicy(window))
}

// NewResumeLimiter returns the per-session resume limiter.
func NewResumeLimiter(maxPerWindow int, window time.Duration) *Limiter {
	return New(maxPerWindow, window, ResumeBlockPolicy())
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}

// Allow records one event for key and reports whether it is admitted.
func (l *Limiter) Allow(key string) Decision {
	now := l.nowFunc()
	s := l.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &entry{windowStart: now}
		s.entries[key] = e
	}
	e.lastSeen = now

	if !e.blockedUntil.IsZero() {
		if now.Before(e.blockedUntil) {
			return Decision{RetryAfter: e.blockedUntil.Sub(now)}
		}
		// Block expired; start a fresh window.
		*e = entry{windowStart: now, lastSeen: now}
	}

	if now.Sub(e.windowStart) >= l.window {
		e.windowStart = now
		e.count = 0
	}

	e.count++
	if e.count > l.max {
		e.blockedUntil = l.block(e.windowStart, now)
		return Decision{RetryAfter: e.blockedUntil.Sub(now)}
	}
	return Decision{Allowed: true}
}

// Reset drops all state for key. Called when a session terminates cleanly so
// its resume counter does not outlive it.
func (l *Limiter) Reset(key string) {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Sweep runs the periodic purge loop until ctx is cancelled. Entries silent
// for at least two windows are dropped; blocked entries are kept until the
// block itself has lapsed.
func (l *Limiter) Sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweepOnce()
		}
	}
}

func (l *Limiter) sweepOnce() {
	now := l.nowFunc()
	cutoff := now.Add(-2 * l.window)
	purged := 0

	for _, s := range l.shards {
		s.mu.Lock()
		for key, e := range s.entries {
			if e.lastSeen.Before(cutoff) && now.After(e.blockedUntil) {
				delete(s.entries, key)
				purged++
			}
		}
		s.mu.Unlock()
	}

	if purged > 0 {
		logger.Debugf("rate limiter sweep purged %d idle entries", purged)
	}
}

// size returns the number of tracked keys. Test hook.
func (l *Limiter) size() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// WithinBufferCap reports whether appending add bytes to a buffer currently
// holding observed bytes stays within cap. Pure predicate consulted before
// buffering output or accepting an oversized inbound message.
func WithinBufferCap(observed, add, cap int) bool {
	if add < 0 || observed < 0 {
		return false
	}
	return observed+add <= cap
}
