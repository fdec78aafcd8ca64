package notify

import (
	"sync"
	"time"

	"github.com/mr1hm/go-safety-alerts/internal/clock"
)

const (
	// DedupeTTL is how long an alert id stays in the seen set.
	DedupeTTL = 24 * time.Hour

	dedupePruneInterval = 10 * time.Minute
)

// Deduplicator remembers which alert ids have already produced a
// notification. Entries expire after the TTL and are pruned lazily on write.
type Deduplicator struct {
	clock     clock.Clock
	ttl       time.Duration
	mu        sync.Mutex
	seen      map[string]time.Time
	lastPrune time.Time
}

func NewDeduplicator(clk clock.Clock, ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = DedupeTTL
	}
	return &Deduplicator{
		clock:     clk,
		ttl:       ttl,
		seen:      make(map[string]time.Time),
		lastPrune: clk.Now(),
	}
}

// Record atomically checks whether id is new and marks it as seen if so.
func (d *Deduplicator) Record(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	if now.Sub(d.lastPrune) >= dedupePruneInterval {
		d.pruneLocked(now)
	}
	if seenAt, ok := d.seen[id]; ok && now.Sub(seenAt) <= d.ttl {
		return false
	}
	d.seen[id] = now
	return true
}

func (d *Deduplicator) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[id]
	return ok
}

func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Deduplicator) pruneLocked(now time.Time) {
	for id, seenAt := range d.seen {
		if now.Sub(seenAt) > d.ttl {
			delete(d.seen, id)
		}
	}
	d.lastPrune = now
}
