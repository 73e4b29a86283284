package ratelimit

import (
	"sync"
	"time"

	"github.com/echolabs/echo-dispatch/pkg/clock"
)

// Decision is the outcome of an admission check. Over-limit is a normal
// reportable outcome, never an error.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter bounds requests per caller identity in a sliding time window.
// Each identity keeps its own timestamp log under its own mutex, so
// unrelated callers never serialize on each other.
type Limiter struct {
	mu      sync.RWMutex
	windows map[string]*callerWindow

	limit  int
	window time.Duration
	clk    clock.Clock

	done chan struct{}
	wg   sync.WaitGroup
}

type callerWindow struct {
	mu       sync.Mutex
	stamps   []time.Time
	lastSeen time.Time
}

// New creates a Limiter admitting at most limit calls per identity within the
// trailing window. A background loop drops windows for callers gone idle.
func New(limit int, window time.Duration, clk clock.Clock) *Limiter {
	l := &Limiter{
		windows: make(map[string]*callerWindow),
		limit:   limit,
		window:  window,
		clk:     clk,
		done:    make(chan struct{}),
	}

	l.wg.Add(1)
	go l.pruneLoop()

	return l
}

// Admit checks and records one call for the given identity.
func (l *Limiter) Admit(identity string) Decision {
	w := l.getOrCreate(identity)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.clk.Now()
	w.lastSeen = now
	w.prune(now.Add(-l.window))

	if len(w.stamps) >= l.limit {
		// Admissible again once the oldest stamp ages out.
		retry := w.stamps[0].Add(l.window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Decision{Allowed: false, Limit: l.limit, Remaining: 0, RetryAfter: retry}
	}

	w.stamps = append(w.stamps, now)
	return Decision{Allowed: true, Limit: l.limit, Remaining: l.limit - len(w.stamps)}
}

// Tracked returns the number of caller identities with live windows.
func (l *Limiter) Tracked() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.windows)
}

// Close stops the background prune loop.
func (l *Limiter) Close() {
	close(l.done)
	l.wg.Wait()
}

func (l *Limiter) getOrCreate(identity string) *callerWindow {
	l.mu.RLock()
	w, ok := l.windows[identity]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.windows[identity]; ok {
		return w
	}
	w = &callerWindow{}
	l.windows[identity] = w
	return w
}

// prune drops stamps at or before cutoff. Caller holds w.mu.
func (w *callerWindow) prune(cutoff time.Time) {
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

func (l *Limiter) pruneLoop() {
	defer l.wg.Done()

	interval := l.window
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.pruneIdle()
		case <-l.done:
			return
		}
	}
}

// pruneIdle removes windows whose callers have been quiet for a full window.
func (l *Limiter) pruneIdle() {
	cutoff := l.clk.Now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	for identity, w := range l.windows {
		w.mu.Lock()
		w.prune(cutoff)
		idle := len(w.stamps) == 0 && w.lastSeen.Before(cutoff)
		w.mu.Unlock()
		if idle {
			delete(l.windows, identity)
		}
	}
}
