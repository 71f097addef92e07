package alerts

import (
	"sort"
	"sync"
	"time"
)

const (
	defaultCooldownWindow = 24 * time.Hour
	defaultCooldownTTL    = 48 * time.Hour
	defaultCooldownCap    = 4096
)

// Cooldown suppresses repeat alerts for the same subject within a rolling
// window while preventing unbounded memory growth. It is safe for concurrent
// use by multiple goroutines.
type Cooldown struct {
	mu      sync.Mutex
	entries map[string]cooldownEntry

	window time.Duration
	ttl    time.Duration
	cap    int
}

type cooldownEntry struct {
	firedAt  time.Time
	lastSeen time.Time
}

// CooldownOption configures a Cooldown instance.
type CooldownOption func(*Cooldown)

// WithCooldownWindow overrides the suppression window.
func WithCooldownWindow(d time.Duration) CooldownOption {
	return func(c *Cooldown) { c.window = d }
}

// WithCooldownTTL overrides the TTL used for tracked subjects. Subjects not
// touched within the TTL are evicted.
func WithCooldownTTL(d time.Duration) CooldownOption {
	return func(c *Cooldown) { c.ttl = d }
}

// WithCooldownCap sets the maximum number of tracked subjects.
func WithCooldownCap(cap int) CooldownOption {
	return func(c *Cooldown) { c.cap = cap }
}

// NewCooldown constructs a cooldown tracker with sensible defaults.
func NewCooldown(opts ...CooldownOption) *Cooldown {
	c := &Cooldown{
		entries: make(map[string]cooldownEntry),
		window:  defaultCooldownWindow,
		ttl:     defaultCooldownTTL,
		cap:     defaultCooldownCap,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.window <= 0 {
		c.window = defaultCooldownWindow
	}
	if c.ttl < c.window {
		c.ttl = 2 * c.window
	}
	if c.cap < 0 {
		c.cap = 0
	}
	return c
}

// Allow reports whether an alert for subject may fire now. A true result
// records the firing and opens a new suppression window.
func (c *Cooldown) Allow(subject string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(now)

	entry, ok := c.entries[subject]
	if ok && now.Sub(entry.firedAt) < c.window {
		entry.lastSeen = now
		c.entries[subject] = entry
		return false
	}
	c.entries[subject] = cooldownEntry{firedAt: now, lastSeen: now}

	if c.cap > 0 && len(c.entries) > c.cap {
		c.enforceCapLocked()
	}
	return true
}

// Len returns the number of tracked subjects. Primarily for testing.
func (c *Cooldown) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cooldown) pruneLocked(now time.Time) {
	if c.ttl > 0 {
		for subject, entry := range c.entries {
			if now.Sub(entry.lastSeen) > c.ttl {
				delete(c.entries, subject)
			}
		}
	}
	if c.cap > 0 && len(c.entries) > c.cap {
		c.enforceCapLocked()
	}
}

func (c *Cooldown) enforceCapLocked() {
	if c.cap <= 0 || len(c.entries) <= c.cap {
		return
	}
	type tracked struct {
		subject  string
		lastSeen time.Time
	}
	all := make([]tracked, 0, len(c.entries))
	for subject, entry := range c.entries {
		all = append(all, tracked{subject: subject, lastSeen: entry.lastSeen})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].lastSeen.Before(all[j].lastSeen)
	})
	excess := len(c.entries) - c.cap
	for i := 0; i < excess && i < len(all); i++ {
		delete(c.entries, all[i].subject)
	}
}
