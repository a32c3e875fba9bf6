// Package lock provides cluster-wide path locks.
//
// A path lock combines a distributed Mutex, which guarantees that at most one
// node holds the path, with lock/unlock broadcasts that make every member
// prepare and tear down its local staging state.
package lock

import (
	"context"
	"errors"
	"time"
)

// DefaultLease bounds how long a crashed holder can keep a path locked.
const DefaultLease = 15 * time.Minute

var (
	// ErrNotHeld is returned by Unlock for a name this mutex does not hold.
	ErrNotHeld = errors.New("lock not held")
	// ErrLeaseLost is returned by Unlock when the lease expired and another
	// owner took the lock over.
	ErrLeaseLost = errors.New("lease lost")
)

// Mutex is a named cluster-wide lock with a lease.
type Mutex interface {
	// TryLock tries to acquire name for up to timeout. It returns false and
	// no error when name is still held elsewhere once timeout elapses. A
	// successful acquisition expires after lease unless released first.
	TryLock(ctx context.Context, name string, timeout, lease time.Duration) (bool, error)

	// Unlock releases name.
	Unlock(ctx context.Context, name string) error
}
