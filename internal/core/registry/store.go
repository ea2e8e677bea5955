package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/windlabs/wind/internal/core/observability/log"
	"github.com/windlabs/wind/internal/core/wire"
)

const shardCount = 16

// Entry is a registered service with its expiry bookkeeping.
type Entry struct {
	Info         wire.ServiceInfo
	RegisteredAt time.Time
	ExpiresAt    time.Time
}

// Live reports whether the entry has not expired at the given instant.
func (e *Entry) Live(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// Store is the in-memory service directory. Entries are sharded by name so
// registrations, lookups, and the sweeper contend at key granularity.
// Entries are keyed by name, never by the registering connection.
type Store struct {
	shards [shardCount]shard

	watchMu sync.Mutex
	watches map[uint64]*watch
	watchID uint64

	registrations atomic.Uint64
	lookups       atomic.Uint64
	swept         atomic.Uint64
}

type watch struct {
	pattern Pattern
	ch      chan wire.ServiceInfo
}

// NewStore creates an empty store.
func NewStore() *Store {
	s := &Store{watches: make(map[uint64]*watch)}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*Entry)
	}
	return s
}

func (s *Store) shardFor(name string) *shard {
	return &s.shards[xxhash.Sum64String(name)%shardCount]
}

// Register upserts an entry and resets its TTL. Re-registering an existing
// name replaces the prior entry; this is the heartbeat mechanism. The prior
// entry is returned when one existed.
func (s *Store) Register(info wire.ServiceInfo, ttl time.Duration) *Entry {
	now := time.Now()
	info.RegisteredAtUS = uint64(now.UnixMicro())

	entry := &Entry{
		Info:         info,
		RegisteredAt: now,
		ExpiresAt:    now.Add(ttl),
	}

	sh := s.shardFor(info.Name)
	sh.mu.Lock()
	prev := sh.entries[info.Name]
	sh.entries[info.Name] = entry
	sh.mu.Unlock()

	s.registrations.Add(1)
	s.notifyWatches(info)

	return prev
}

// Unregister removes an entry and reports whether it existed.
func (s *Store) Unregister(name string) bool {
	sh := s.shardFor(name)
	sh.mu.Lock()
	_, existed := sh.entries[name]
	delete(sh.entries, name)
	sh.mu.Unlock()
	return existed
}

// Get returns the live entry with the exact name.
func (s *Store) Get(name string) (wire.ServiceInfo, bool) {
	now := time.Now()
	s.lookups.Add(1)

	sh := s.shardFor(name)
	sh.mu.RLock()
	entry, ok := sh.entries[name]
	sh.mu.RUnlock()

	if !ok || !entry.Live(now) {
		return wire.ServiceInfo{}, false
	}
	return entry.Info, true
}

// Lookup returns every live entry whose name matches the pattern.
func (s *Store) Lookup(pattern Pattern) []wire.ServiceInfo {
	now := time.Now()
	s.lookups.Add(1)

	var out []wire.ServiceInfo
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for name, entry := range sh.entries {
			if entry.Live(now) && pattern.Matches(name) {
				out = append(out, entry.Info)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// Sweep removes every entry whose expiry is at or before now and returns the
// count removed.
func (s *Store) Sweep(now time.Time) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for name, entry := range sh.entries {
			if !entry.Live(now) {
				delete(sh.entries, name)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		s.swept.Add(uint64(removed))
	}
	return removed
}

// Len returns the number of stored entries, expired ones included.
func (s *Store) Len() int {
	total := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		total += len(sh.entries)
		sh.mu.RUnlock()
	}
	return total
}

// Watch delivers the info of every subsequent matching registration until
// ctx ends. Slow watchers miss notifications rather than block registration.
func (s *Store) Watch(ctx context.Context, pattern Pattern) <-chan wire.ServiceInfo {
	ch := make(chan wire.ServiceInfo, 64)

	s.watchMu.Lock()
	s.watchID++
	id := s.watchID
	s.watches[id] = &watch{pattern: pattern, ch: ch}
	s.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		s.watchMu.Lock()
		delete(s.watches, id)
		s.watchMu.Unlock()
		close(ch)
	}()

	return ch
}

func (s *Store) notifyWatches(info wire.ServiceInfo) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, w := range s.watches {
		if !w.pattern.Matches(info.Name) {
			continue
		}
		select {
		case w.ch <- info:
		default:
		}
	}
}

// StartSweeper runs the TTL sweeper at the given cadence until ctx ends.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration, logger log.Log) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if removed := s.Sweep(now); removed > 0 {
					logger.Info("Swept expired services", log.Int("removed", removed))
				}
			}
		}
	}()
}

// Stats returns the store counters.
func (s *Store) Stats() (registrations, lookups, swept uint64) {
	return s.registrations.Load(), s.lookups.Load(), s.swept.Load()
}
