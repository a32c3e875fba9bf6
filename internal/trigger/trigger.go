// Package trigger turns local file changes into cluster replication rounds.
//
// A change schedules a SyncTrigger task for its path. The task takes the
// cluster lock, streams the file (or deletes it) and releases the lock. When
// the lock is held elsewhere the task reschedules itself instead of blocking.
package trigger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/meshsync/internal/metrics"
	"github.com/tunnelmesh/meshsync/internal/syncpath"
)

// Distributor is the cluster operation surface used by the trigger.
type Distributor interface {
	// TryLock acquires the cluster lock of p. It returns false without an
	// error when the lock is held elsewhere.
	TryLock(ctx context.Context, p syncpath.SyncPath) (bool, error)
	Unlock(ctx context.Context, p syncpath.SyncPath) error
	Delete(ctx context.Context, p syncpath.SyncPath) error
	Transfer(ctx context.Context, p syncpath.SyncPath, data []byte) error
	Discard(ctx context.Context, p syncpath.SyncPath, cause error) error
	Store(ctx context.Context, p syncpath.SyncPath, checksum string) error
	// Checksum returns the last checksum stored for p, or "".
	Checksum(ctx context.Context, p syncpath.SyncPath) (string, error)
}

// Kind is the kind of a local change.
type Kind string

// Change kinds.
const (
	Modified Kind = "modified"
	Deleted  Kind = "deleted"
)

// Outcome is the result of one task attempt.
type Outcome int

// Task outcomes.
const (
	Done   Outcome = iota // operation replicated
	Retry                 // lock busy, try again later
	Failed                // operation failed or retries exhausted
)

func (o Outcome) String() string {
	switch o {
	case Done:
		return "done"
	case Retry:
		return "retry"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Config contains configuration for the trigger.
type Config struct {
	Distributor Distributor
	Scheduler   Scheduler
	ChunkSize   int           // Bytes per transfer message (default: 64KiB)
	RetryDelay  time.Duration // Delay before retrying a busy lock (default: 1s)
	MaxAttempts int           // Lock attempts per change (default: 10)
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

// Trigger schedules replication tasks for local changes. Changes to a path
// that already has a task are folded into that task: the latest change wins.
type Trigger struct {
	distributor Distributor
	scheduler   Scheduler
	chunkSize   int
	retryDelay  time.Duration
	maxAttempts int
	logger      zerolog.Logger
	metrics     *metrics.Metrics

	mu    sync.Mutex
	tasks map[syncpath.SyncPath]*SyncTrigger
}

// New creates a new trigger.
func New(config Config) *Trigger {
	if config.ChunkSize <= 0 {
		config.ChunkSize = 64 << 10
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 10
	}
	return &Trigger{
		distributor: config.Distributor,
		scheduler:   config.Scheduler,
		chunkSize:   config.ChunkSize,
		retryDelay:  config.RetryDelay,
		maxAttempts: config.MaxAttempts,
		logger:      config.Logger.With().Str("component", "trigger").Logger(),
		metrics:     config.Metrics,
		tasks:       make(map[syncpath.SyncPath]*SyncTrigger),
	}
}

// Modified handles a created or changed file. A task is scheduled only when
// the content differs from the checksum last stored in the cluster; the
// result reports whether one was.
func (t *Trigger) Modified(ctx context.Context, p syncpath.SyncPath, file string) (bool, error) {
	local, err := FileChecksum(file)
	if err != nil {
		return false, err
	}
	stored, err := t.distributor.Checksum(ctx, p)
	if err != nil {
		return false, fmt.Errorf("look up checksum of %s: %w", p, err)
	}
	if local == stored {
		t.logger.Debug().Str("path", p.String()).Msg("content unchanged, nothing to replicate")
		return false, nil
	}
	return t.schedule(p, Modified, file), nil
}

// Deleted handles a removed file. A task is always scheduled.
func (t *Trigger) Deleted(p syncpath.SyncPath) bool {
	return t.schedule(p, Deleted, "")
}

// Pending returns the number of paths with a scheduled or running task.
func (t *Trigger) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}

func (t *Trigger) schedule(p syncpath.SyncPath, kind Kind, file string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if task, ok := t.tasks[p]; ok {
		task.kind, task.file, task.dirty = kind, file, true
		t.logger.Debug().Str("path", p.String()).Str("kind", string(kind)).Msg("change folded into pending task")
		return true
	}

	task := &SyncTrigger{trigger: t, path: p, kind: kind, file: file}
	if !t.scheduler.Schedule(0, task.Run) {
		t.logger.Warn().Str("path", p.String()).Msg("scheduler stopped, dropping change")
		return false
	}
	t.tasks[p] = task
	t.metrics.TaskScheduled(string(kind))
	return true
}

// SyncTrigger replicates one change of one path. It is scheduled by Trigger
// and reschedules itself while the lock is busy.
type SyncTrigger struct {
	trigger *Trigger
	path    syncpath.SyncPath

	// Guarded by trigger.mu.
	kind    Kind
	file    string
	dirty   bool
	attempt int
}

// Run makes one attempt and schedules the next one if needed.
func (s *SyncTrigger) Run(ctx context.Context) {
	t := s.trigger

	t.mu.Lock()
	kind, file := s.kind, s.file
	s.dirty = false
	s.attempt++
	attempt := s.attempt
	t.mu.Unlock()

	outcome := s.attemptOnce(ctx, kind, file)
	if outcome == Retry && attempt >= t.maxAttempts {
		t.logger.Error().
			Str("path", s.path.String()).
			Int("attempts", attempt).
			Msg("lock still busy, giving up until the next change")
		outcome = Failed
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case outcome == Retry:
		t.metrics.TaskRetried()
		t.logger.Debug().Str("path", s.path.String()).Int("attempt", attempt).Dur("delay", t.retryDelay).Msg("lock busy, rescheduling")
		if t.scheduler.Schedule(t.retryDelay, s.Run) {
			return
		}
		outcome = Failed
	case s.dirty:
		// Changed again while running: replicate the latest state from scratch.
		t.metrics.TaskFinished(outcome.String())
		s.attempt = 0
		if t.scheduler.Schedule(0, s.Run) {
			return
		}
		delete(t.tasks, s.path)
		return
	}

	t.metrics.TaskFinished(outcome.String())
	delete(t.tasks, s.path)
}

func (s *SyncTrigger) attemptOnce(ctx context.Context, kind Kind, file string) Outcome {
	t := s.trigger
	d := t.distributor
	name := s.path.String()

	acquired, err := d.TryLock(ctx, s.path)
	if err != nil {
		t.logger.Error().Err(err).Str("path", name).Msg("failed to lock path")
		return Failed
	}
	if !acquired {
		return Retry
	}
	defer func() {
		// Release even when the task is being cancelled.
		if err := d.Unlock(context.WithoutCancel(ctx), s.path); err != nil {
			t.logger.Error().Err(err).Str("path", name).Msg("failed to unlock path")
		}
	}()

	switch kind {
	case Deleted:
		err = d.Delete(ctx, s.path)
	default:
		err = s.stream(ctx, file)
	}
	if err != nil {
		t.logger.Error().Err(err).Str("path", name).Str("kind", string(kind)).Msg("replication failed")
		return Failed
	}
	t.logger.Info().Str("path", name).Str("kind", string(kind)).Msg("replicated")
	return Done
}

// stream sends file in chunks and stores it under the digest of what was
// actually sent. A read error is passed to Discard instead.
func (s *SyncTrigger) stream(ctx context.Context, file string) error {
	t := s.trigger
	d := t.distributor

	f, err := os.Open(file)
	if err != nil {
		if derr := d.Discard(ctx, s.path, err); derr != nil {
			return derr
		}
		return fmt.Errorf("open %s: %w", file, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	buf := make([]byte, t.chunkSize)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			if err := d.Transfer(ctx, s.path, buf[:n]); err != nil {
				return err
			}
			t.metrics.FileBytesSent(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if derr := d.Discard(ctx, s.path, rerr); derr != nil {
				return derr
			}
			return fmt.Errorf("read %s: %w", file, rerr)
		}
	}
	return d.Store(ctx, s.path, hex.EncodeToString(h.Sum(nil)))
}

// FileChecksum returns the hex SHA-256 of the file content.
func FileChecksum(file string) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", file, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
