package core

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// EventDedup is a short-lived deduplication cache that prevents the same
// interaction from being processed twice (e.g., when a proxy tap and an
// agent-side collector both report the same request). Uses a hash of
// (agent_id + session_id + source_ip + message prefix) with a TTL.
type EventDedup struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
}

// NewEventDedup creates a dedup cache. TTL controls how long a hash is
// remembered. maxSize caps memory usage by evicting oldest entries.
func NewEventDedup(ttl time.Duration, maxSize int) *EventDedup {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if maxSize <= 0 {
		maxSize = 50000
	}
	return &EventDedup{
		seen:    make(map[string]time.Time, maxSize/2),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// IsDuplicate returns true if this event was seen within the TTL window.
// If not a duplicate, it records the event hash.
func (d *EventDedup) IsDuplicate(event *AgentEvent) bool {
	hash := d.hash(event)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()

	if seenAt, ok := d.seen[hash]; ok {
		if now.Sub(seenAt) < d.ttl {
			return true
		}
	}

	d.seen[hash] = now
	if len(d.seen) > d.maxSize {
		d.evictLocked(now)
	}

	return false
}

// hash produces a compact fingerprint of the event. Agent, session, source IP
// and the first 256 bytes of the message catch double-ingested interactions
// without hashing the full payload.
func (d *EventDedup) hash(event *AgentEvent) string {
	h := sha256.New()
	h.Write([]byte(event.AgentID))
	h.Write([]byte{0})
	h.Write([]byte(event.SessionID))
	h.Write([]byte{0})
	h.Write([]byte(event.SourceIP))
	h.Write([]byte{0})

	msg := event.Message
	if len(msg) > 256 {
		msg = msg[:256]
	}
	h.Write([]byte(msg))

	return hex.EncodeToString(h.Sum(nil)[:16]) // 128-bit hash is plenty
}

// evictLocked removes entries older than TTL. Called when cache exceeds maxSize.
func (d *EventDedup) evictLocked(now time.Time) {
	for k, t := range d.seen {
		if now.Sub(t) >= d.ttl {
			delete(d.seen, k)
		}
	}
	// If still over capacity after TTL eviction, drop oldest half
	if len(d.seen) > d.maxSize {
		count := 0
		target := len(d.seen) / 2
		for k := range d.seen {
			delete(d.seen, k)
			count++
			if count >= target {
				break
			}
		}
	}
}

// Sweep evicts expired entries. Called from the engine's sweep loop.
func (d *EventDedup) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	removed := 0
	for k, t := range d.seen {
		if now.Sub(t) >= d.ttl {
			delete(d.seen, k)
			removed++
		}
	}
	return removed
}

// Size returns the current number of entries in the cache.
func (d *EventDedup) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
