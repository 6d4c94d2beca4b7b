// Package ratelimit provides a keyed token-bucket limiter for per-session
// request throttling.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config tunes a Limiter. Zero values take the defaults.
type Config struct {
	// MaxRequests is the budget per Window, and also the bucket burst, so
	// an idle key can spend its whole window budget at once.
	MaxRequests int
	Window      time.Duration
	// IdleTTL is how long an unused key survives before the cleanup loop
	// drops it.
	IdleTTL time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRequests: 100,
		Window:      time.Minute,
		IdleTTL:     10 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxRequests <= 0 {
		c.MaxRequests = d.MaxRequests
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = d.IdleTTL
	}
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks one token bucket per key.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry

	stop chan struct{}
	done chan struct{}
}

// New returns a running Limiter. Call Close to stop its cleanup loop.
func New(cfg Config) *Limiter {
	cfg.applyDefaults()
	l := &Limiter{
		cfg:     cfg,
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Consume takes one token for key. When the bucket is empty it reports
// false and how long until the next token is available.
func (l *Limiter) Consume(key string) (bool, time.Duration) {
	l.mu.Lock()
	ent, ok := l.entries[key]
	if !ok {
		ent = &entry{
			lim: rate.NewLimiter(rate.Limit(float64(l.cfg.MaxRequests)/l.cfg.Window.Seconds()), l.cfg.MaxRequests),
		}
		l.entries[key] = ent
	}
	ent.lastSeen = time.Now()
	l.mu.Unlock()

	res := ent.lim.Reserve()
	if !res.OK() {
		return false, l.cfg.Window
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return false, delay
	}
	return true, 0
}

// Keys reports the number of tracked keys.
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close stops the cleanup loop and waits for it to exit.
func (l *Limiter) Close() {
	close(l.stop)
	<-l.done
}

func (l *Limiter) cleanupLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.cfg.IdleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.mu.Lock()
			for key, ent := range l.entries {
				if now.Sub(ent.lastSeen) > l.cfg.IdleTTL {
					delete(l.entries, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
