package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryLease struct {
	owner   string
	expires time.Time
}

// MemoryBackend holds the lock table shared by all MemoryMutex instances of
// one process. It serves single-process clusters.
type MemoryBackend struct {
	mu      sync.Mutex
	leases  map[string]memoryLease
	changed chan struct{} // closed and replaced on every release
}

// NewMemoryBackend creates an empty lock table.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		leases:  make(map[string]memoryLease),
		changed: make(chan struct{}),
	}
}

// Mutex returns a Mutex acquiring locks on behalf of owner.
func (b *MemoryBackend) Mutex(owner string) *MemoryMutex {
	return &MemoryMutex{backend: b, owner: owner}
}

// Holder returns the current owner of name, or "" when it is free.
func (b *MemoryBackend) Holder(name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.leases[name]
	if !ok || !time.Now().Before(l.expires) {
		return ""
	}
	return l.owner
}

// tryAcquire takes name if it is free or its lease expired. Otherwise it
// returns a channel closed on the next release and the current lease expiry.
func (b *MemoryBackend) tryAcquire(name, owner string, lease time.Duration) (bool, <-chan struct{}, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if l, ok := b.leases[name]; ok && now.Before(l.expires) {
		return false, b.changed, l.expires
	}
	b.leases[name] = memoryLease{owner: owner, expires: now.Add(lease)}
	return true, nil, time.Time{}
}

func (b *MemoryBackend) release(name, owner string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.leases[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNotHeld)
	}
	if l.owner != owner {
		return fmt.Errorf("%s held by %s: %w", name, l.owner, ErrLeaseLost)
	}
	delete(b.leases, name)
	close(b.changed)
	b.changed = make(chan struct{})
	return nil
}

// MemoryMutex is a Mutex over a MemoryBackend.
type MemoryMutex struct {
	backend *MemoryBackend
	owner   string
}

// TryLock implements Mutex.
func (m *MemoryMutex) TryLock(ctx context.Context, name string, timeout, lease time.Duration) (bool, error) {
	if lease <= 0 {
		lease = DefaultLease
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		ok, changed, expires := m.backend.tryAcquire(name, m.owner, lease)
		if ok {
			return true, nil
		}

		expiry := time.NewTimer(time.Until(expires))
		select {
		case <-changed:
		case <-expiry.C:
		case <-deadline.C:
			expiry.Stop()
			return false, nil
		case <-ctx.Done():
			expiry.Stop()
			return false, ctx.Err()
		}
		expiry.Stop()
	}
}

// Unlock implements Mutex.
func (m *MemoryMutex) Unlock(_ context.Context, name string) error {
	return m.backend.release(name, m.owner)
}
