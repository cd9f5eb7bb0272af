// Package lock serializes work per entity id (session, subscription,
// enrollment).
package lock

import (
	"context"
	"sync"
)

// Keyed hands out per-key mutual exclusion. The returned release func must
// be called exactly once.
type Keyed interface {
	// Lock blocks until the key is held or ctx is done.
	Lock(ctx context.Context, key string) (func(), error)
	// TryLock returns ok=false immediately if the key is already held.
	TryLock(ctx context.Context, key string) (release func(), ok bool, err error)
}

func SessionKey(id string) string      { return "session:" + id }
func SubscriptionKey(id string) string { return "subscription:" + id }

func EnrollmentKey(ownerID, email, offer string) string {
	return "enrollment:" + ownerID + ":" + email + ":" + offer
}

type slot struct {
	sem  chan struct{}
	refs int
}

// MemoryKeyed is an in-process keyed mutex. Slots are reference counted and
// removed once no goroutine holds or waits on them.
type MemoryKeyed struct {
	mu    sync.Mutex
	slots map[string]*slot
}

func NewMemoryKeyed() *MemoryKeyed {
	return &MemoryKeyed{slots: make(map[string]*slot)}
}

func (m *MemoryKeyed) acquireSlot(key string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	return s
}

func (m *MemoryKeyed) releaseSlot(key string, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(m.slots, key)
	}
}

func (m *MemoryKeyed) Lock(ctx context.Context, key string) (func(), error) {
	s := m.acquireSlot(key)
	select {
	case s.sem <- struct{}{}:
		return m.releaser(key, s), nil
	case <-ctx.Done():
		m.releaseSlot(key, s)
		return nil, ctx.Err()
	}
}

func (m *MemoryKeyed) TryLock(_ context.Context, key string) (func(), bool, error) {
	s := m.acquireSlot(key)
	select {
	case s.sem <- struct{}{}:
		return m.releaser(key, s), true, nil
	default:
		m.releaseSlot(key, s)
		return nil, false, nil
	}
}

func (m *MemoryKeyed) releaser(key string, s *slot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.sem
			m.releaseSlot(key, s)
		})
	}
}

// Held reports how many keys currently have a holder or waiter.
func (m *MemoryKeyed) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
