// Package ledger records processed event identifiers so the same logical
// event is acted on at most once.
package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

const (
	DefaultTTL      = 72 * time.Hour
	DefaultCapacity = 100_000
)

// Ledger is an insert-if-absent set of keys. MarkIfAbsent must be atomic:
// two racing callers with the same key see exactly one true.
type Ledger interface {
	MarkIfAbsent(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

var ErrEmptyKey = errors.New("ledger key is required")

// Key joins non-empty parts with ':'.
func Key(parts ...string) string {
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		clean = append(clean, part)
	}
	return strings.Join(clean, ":")
}

// memoryEntry is one mark. seq identifies the mark so a stale ring slot left
// by Forget never evicts a later mark of the same key.
type memoryEntry struct {
	key       string
	expiresAt time.Time
	seq       uint64
}

// MemoryLedger is a bounded in-process ledger. Entries expire after ttl and
// the oldest entries are evicted first once capacity is reached.
type MemoryLedger struct {
	mu       sync.Mutex
	entries  map[string]memoryEntry
	order    []memoryEntry
	head     int
	seq      uint64
	ttl      time.Duration
	capacity int
	now      func() time.Time
}

type MemoryOptions struct {
	TTL      time.Duration
	Capacity int
	Now      func() time.Time
}

func NewMemoryLedger(opts MemoryOptions) *MemoryLedger {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &MemoryLedger{
		entries:  make(map[string]memoryEntry),
		ttl:      opts.TTL,
		capacity: opts.Capacity,
		now:      opts.Now,
	}
}

func (l *MemoryLedger) MarkIfAbsent(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evictExpired(now)
	if cur, ok := l.entries[key]; ok && now.Before(cur.expiresAt) {
		return false, nil
	}
	for len(l.entries) >= l.capacity {
		l.evictOldest()
	}
	l.seq++
	entry := memoryEntry{key: key, expiresAt: now.Add(l.ttl), seq: l.seq}
	l.entries[key] = entry
	l.order = append(l.order, entry)
	return true, nil
}

func (l *MemoryLedger) Forget(_ context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
	return nil
}

func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// evictExpired drops entries from the front of the insertion ring. Entries
// share one ttl, so insertion order is expiry order.
func (l *MemoryLedger) evictExpired(now time.Time) {
	for l.head < len(l.order) {
		entry := l.order[l.head]
		if now.Before(entry.expiresAt) {
			break
		}
		l.dropHead(entry)
	}
	l.compact()
}

func (l *MemoryLedger) evictOldest() {
	if l.head >= len(l.order) {
		// Only reachable when the map and ring disagree; reset both.
		l.entries = make(map[string]memoryEntry)
		l.order = l.order[:0]
		l.head = 0
		return
	}
	l.dropHead(l.order[l.head])
	l.compact()
}

func (l *MemoryLedger) dropHead(entry memoryEntry) {
	if cur, ok := l.entries[entry.key]; ok && cur.seq == entry.seq {
		delete(l.entries, entry.key)
	}
	l.head++
}

func (l *MemoryLedger) compact() {
	if l.head > 1024 && l.head*2 > len(l.order) {
		l.order = append([]memoryEntry(nil), l.order[l.head:]...)
		l.head = 0
	}
}
