package lock

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/meshsync/internal/coord/replication"
	"github.com/tunnelmesh/meshsync/internal/metrics"
	"github.com/tunnelmesh/meshsync/internal/syncpath"
)

// Broadcaster asks every member to lock or unlock a path locally.
// *replication.RequestDistributor implements it.
type Broadcaster interface {
	Lock(ctx context.Context, p syncpath.SyncPath) error
	Unlock(ctx context.Context, p syncpath.SyncPath) error
}

// ManagerConfig contains configuration for the lock manager.
type ManagerConfig struct {
	Mutex          Mutex
	Broadcaster    Broadcaster
	AcquireTimeout time.Duration // How long Lock waits for the mutex (default: 10s)
	Lease          time.Duration // Mutex lease (default: DefaultLease)
	CleanupTimeout time.Duration // Bound on rollback broadcasts (default: 30s)
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
}

// Manager provides globally exclusive, globally acknowledged path locks.
type Manager struct {
	mutex          Mutex
	broadcaster    Broadcaster
	acquireTimeout time.Duration
	lease          time.Duration
	cleanupTimeout time.Duration
	logger         zerolog.Logger
	metrics        *metrics.Metrics
}

// NewManager creates a new lock manager.
func NewManager(config ManagerConfig) *Manager {
	if config.AcquireTimeout == 0 {
		config.AcquireTimeout = 10 * time.Second
	}
	if config.Lease == 0 {
		config.Lease = DefaultLease
	}
	if config.CleanupTimeout == 0 {
		config.CleanupTimeout = 30 * time.Second
	}
	return &Manager{
		mutex:          config.Mutex,
		broadcaster:    config.Broadcaster,
		acquireTimeout: config.AcquireTimeout,
		lease:          config.Lease,
		cleanupTimeout: config.CleanupTimeout,
		logger:         config.Logger.With().Str("component", "lock-manager").Logger(),
		metrics:        config.Metrics,
	}
}

// Lock acquires the mutex of p and makes every member lock p locally.
//
// On any failure the mutex is released (if it was acquired) and an unlock is
// broadcast to undo members that did lock. The returned *replication.OpError
// carries the original cause, or no cause when the mutex stayed busy for the
// whole acquire timeout (see IsContention).
func (m *Manager) Lock(ctx context.Context, p syncpath.SyncPath) error {
	name := p.String()

	acquired, cause := m.mutex.TryLock(ctx, name, m.acquireTimeout, m.lease)
	if acquired {
		cause = m.broadcaster.Lock(ctx, p)
		if cause == nil {
			m.metrics.ObserveLock(metrics.LockResultAcquired)
			m.logger.Debug().Str("path", name).Msg("path locked")
			return nil
		}
		var opErr *replication.OpError
		if errors.As(cause, &opErr) && opErr.Err != nil {
			cause = opErr.Err
		}
	}

	// Cleanup must run even when ctx is what failed.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cleanupTimeout)
	defer cancel()

	if acquired {
		if err := m.mutex.Unlock(cleanupCtx, name); err != nil {
			m.logger.Warn().Err(err).Str("path", name).Msg("failed to release mutex after failed lock")
		}
	}
	if err := m.broadcaster.Unlock(cleanupCtx, p); err != nil {
		m.logger.Warn().Err(err).Str("path", name).Msg("failed to roll back local locks")
	}

	if cause == nil {
		m.metrics.ObserveLock(metrics.LockResultContended)
		m.logger.Debug().Str("path", name).Dur("timeout", m.acquireTimeout).Msg("path lock busy")
	} else {
		m.metrics.ObserveLock(metrics.LockResultFailed)
		m.logger.Warn().Err(cause).Str("path", name).Msg("failed to lock path")
	}
	return &replication.OpError{Op: replication.OpLock, Path: p, Err: cause}
}

// Unlock makes every member unlock p locally, then releases the mutex. The
// mutex is released even when the broadcast fails.
func (m *Manager) Unlock(ctx context.Context, p syncpath.SyncPath) (err error) {
	name := p.String()

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cleanupTimeout)
		defer cancel()
		m.metrics.LockReleased()
		if releaseErr := m.mutex.Unlock(releaseCtx, name); releaseErr != nil {
			m.logger.Warn().Err(releaseErr).Str("path", name).Msg("failed to release mutex")
			if err == nil {
				err = &replication.OpError{Op: replication.OpUnlock, Path: p, Err: releaseErr}
			}
		}
	}()

	if berr := m.broadcaster.Unlock(ctx, p); berr != nil {
		var opErr *replication.OpError
		if errors.As(berr, &opErr) && opErr.Err != nil {
			berr = opErr.Err
		}
		return &replication.OpError{Op: replication.OpUnlock, Path: p, Err: berr}
	}
	m.logger.Debug().Str("path", name).Msg("path unlocked")
	return nil
}

// IsContention reports whether err is a lock failure caused only by the
// mutex being held elsewhere for the whole acquire timeout.
func IsContention(err error) bool {
	var opErr *replication.OpError
	return errors.As(err, &opErr) && opErr.Op == replication.OpLock && opErr.Err == nil
}
