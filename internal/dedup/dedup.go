// Package dedup suppresses repeated deliveries of the same transport event.
package dedup

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	DefaultWindow = 10 * time.Minute
	shardCount    = 32
)

type shard struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// Deduplicator remembers event ids for a trailing window. An id is admitted at
// most once per window. Ids are spread over independently locked shards, so
// distinct ids only contend when they hash to the same shard.
type Deduplicator struct {
	shards [shardCount]shard
	window time.Duration
	now    func() time.Time
}

func New(window time.Duration) *Deduplicator {
	if window <= 0 {
		window = DefaultWindow
	}
	d := &Deduplicator{window: window, now: time.Now}
	for i := range d.shards {
		d.shards[i].seen = make(map[string]time.Time)
	}
	return d
}

func (d *Deduplicator) shardFor(id string) *shard {
	return &d.shards[xxhash.Sum64String(id)%shardCount]
}

// ShouldProcess reports whether id has not been seen within the window and,
// if so, records it in the same step. Events without an id cannot be
// deduplicated and are always admitted.
func (d *Deduplicator) ShouldProcess(id string) bool {
	if id == "" {
		return true
	}

	now := d.now()
	s := d.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if seenAt, ok := s.seen[id]; ok && now.Sub(seenAt) < d.window {
		return false
	}
	s.seen[id] = now
	return true
}

// Sweep evicts records older than the window and returns how many were removed.
func (d *Deduplicator) Sweep() int {
	now := d.now()
	removed := 0
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.Lock()
		for id, seenAt := range s.seen {
			if now.Sub(seenAt) >= d.window {
				delete(s.seen, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (d *Deduplicator) Len() int {
	n := 0
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.Lock()
		n += len(s.seen)
		s.mu.Unlock()
	}
	return n
}
