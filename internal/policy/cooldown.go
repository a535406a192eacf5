package policy

import (
	"sync"
	"time"
)

// CooldownRegistry tracks the last time each (policy, target) pair fired so
// the engine can enforce a minimum interval between successive emissions.
// Timing uses time.Time values from an injectable clock; the default
// time.Now carries a monotonic reading, so wall-clock jumps do not shorten
// or extend cooldowns.
type CooldownRegistry struct {
	mu          sync.Mutex
	lastFired   map[cooldownKey]time.Time
	maxCooldown time.Duration

	now func() time.Time
}

type cooldownKey struct {
	policy string
	target string
}

// NewCooldownRegistry creates an empty cooldown registry.
func NewCooldownRegistry() *CooldownRegistry {
	return &CooldownRegistry{
		lastFired: make(map[cooldownKey]time.Time),
		now:       time.Now,
	}
}

// Ready reports whether the (policy, target) pair is past its cooldown, and
// if not, how long remains. An unknown pair is always ready. Ready does not
// mutate state, which makes it safe for dry-run evaluation.
func (c *CooldownRegistry) Ready(policy, target string, cooldown time.Duration) (bool, time.Duration) {
	if cooldown <= 0 {
		return true, 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	last, ok := c.lastFired[cooldownKey{policy, target}]
	if !ok {
		return true, 0
	}
	elapsed := c.now().Sub(last)
	if elapsed >= cooldown {
		return true, 0
	}
	return false, cooldown - elapsed
}

// TryAcquire atomically checks the cooldown and, when the pair is ready,
// marks it as fired now. Callers must use the returned allowed to decide
// whether to emit an intent. The check-and-mark happens under one lock, so
// concurrent evaluations of the same pair resolve to exactly one winner.
func (c *CooldownRegistry) TryAcquire(policy, target string, cooldown time.Duration) (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	key := cooldownKey{policy, target}

	if last, ok := c.lastFired[key]; ok && cooldown > 0 {
		if elapsed := now.Sub(last); elapsed < cooldown {
			return false, cooldown - elapsed
		}
	}

	c.lastFired[key] = now
	if cooldown > c.maxCooldown {
		c.maxCooldown = cooldown
	}
	c.evictStale(now)
	return true, 0
}

// evictStale opportunistically drops entries idle for more than ten times
// the largest cooldown observed. Treating an unknown key as ready is
// correct, so eviction never causes a false positive. Caller holds the lock.
func (c *CooldownRegistry) evictStale(now time.Time) {
	if c.maxCooldown <= 0 || len(c.lastFired) < 1024 {
		return
	}
	horizon := 10 * c.maxCooldown
	for k, last := range c.lastFired {
		if now.Sub(last) > horizon {
			delete(c.lastFired, k)
		}
	}
}

// Len returns the number of tracked (policy, target) pairs.
func (c *CooldownRegistry) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lastFired)
}
