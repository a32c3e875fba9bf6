package replication

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/meshsync/internal/metrics"
	"github.com/tunnelmesh/meshsync/internal/syncpath"
)

// StagingPattern is the name pattern of staging files. Watchers must ignore
// files matching it.
const StagingPattern = ".meshsync-*.part"

// ErrChecksumMismatch is returned by Store when the staged bytes do not hash
// to the checksum announced by the sender.
var ErrChecksumMismatch = errors.New("staged data does not match checksum")

// Suppressor is told about files the receiver is about to change, so that the
// resulting watch events are not replicated back to the cluster.
type Suppressor interface {
	IgnoreOnce(path string)
}

// ReceiverConfig contains configuration for the receive state machine.
type ReceiverConfig struct {
	Roots      *syncpath.Roots
	Suppressor Suppressor // optional
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

// sink accumulates the bytes of one inbound transfer.
type sink interface {
	Write(p []byte) (int, error)
	// Commit makes the written data visible at the destination.
	Commit(checksum string) error
	// Abort drops the written data.
	Abort() error
}

type stage struct {
	sender string
	dest   string

	mu   sync.Mutex // guards sink; never taken before Receiver.mu
	sink sink
}

// Receiver stages replicated bytes on the receiving node and commits or
// discards them. It keeps at most one stage per path. The stage records the
// member that locked the path and only that member may feed or finish it.
//
// The receiver mutex guards only the stage and failure tables. File I/O runs
// under the stage's own mutex, so slow disks do not serialize unrelated paths.
type Receiver struct {
	roots      *syncpath.Roots
	suppressor Suppressor
	logger     zerolog.Logger
	metrics    *metrics.Metrics

	mu       sync.Mutex
	stages   map[syncpath.SyncPath]*stage
	failures map[syncpath.SyncPath]error
}

// NewReceiver creates a new receiver.
func NewReceiver(config ReceiverConfig) *Receiver {
	return &Receiver{
		roots:      config.Roots,
		suppressor: config.Suppressor,
		logger:     config.Logger.With().Str("component", "receiver").Logger(),
		metrics:    config.Metrics,
		stages:     make(map[syncpath.SyncPath]*stage),
		failures:   make(map[syncpath.SyncPath]error),
	}
}

// LockLocally opens a stage for info.Path on behalf of info.SendingNode. The
// staging file is created next to the destination. Requests published by this
// node get a null sink: a node never replicates to itself.
func (r *Receiver) LockLocally(info syncpath.GlobalPath) error {
	dest, err := r.roots.Resolve(info.Path)
	if err != nil {
		return err
	}
	if err := r.checkUnlocked(info.Path); err != nil {
		return err
	}

	var s sink = nullSink{}
	if !info.IsLocal() {
		fsink, err := newFileSink(dest)
		if err != nil {
			return err
		}
		s = fsink
	}

	r.mu.Lock()
	if st, ok := r.stages[info.Path]; ok {
		r.mu.Unlock()
		if err := s.Abort(); err != nil {
			r.logger.Warn().Err(err).Str("path", info.Path.String()).Msg("failed to close staging file")
		}
		return fmt.Errorf("%s held by %s: %w", info.Path, st.sender, ErrAlreadyLocked)
	}
	delete(r.failures, info.Path)
	r.stages[info.Path] = &stage{sender: info.SendingNode, dest: dest, sink: s}
	r.mu.Unlock()
	r.metrics.StageOpened()

	r.logger.Debug().
		Str("path", info.Path.String()).
		Str("sender", info.SendingNode).
		Msg("path locked locally")
	return nil
}

func (r *Receiver) checkUnlocked(p syncpath.SyncPath) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.stages[p]; ok {
		return fmt.Errorf("%s held by %s: %w", p, st.sender, ErrAlreadyLocked)
	}
	return nil
}

// Transfer appends data to the stage of info.Path. A missing stage or a write
// error is recorded as the path's failure instead of being returned; once a
// failure is recorded further chunks are dropped until Store or Discard.
func (r *Receiver) Transfer(info syncpath.GlobalPath, data []byte) error {
	r.mu.Lock()
	if _, failed := r.failures[info.Path]; failed {
		r.mu.Unlock()
		return nil
	}
	st, err := r.ownedLocked(info)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if st == nil {
		r.failures[info.Path] = fmt.Errorf("transfer %s from %s: %w", info.Path, info.SendingNode, ErrNotLocked)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	st.mu.Lock()
	n, werr := st.sink.Write(data)
	st.mu.Unlock()
	r.metrics.BytesStaged(n)

	if werr != nil {
		r.mu.Lock()
		// The stage may have been finished while writing.
		if r.stages[info.Path] == st {
			r.failures[info.Path] = fmt.Errorf("write %s: %w", info.Path, werr)
		}
		r.mu.Unlock()
	}
	return nil
}

// Discard drops the staged data of info.Path together with any recorded
// failure, and removes the stage.
func (r *Receiver) Discard(info syncpath.GlobalPath, failure string) error {
	r.mu.Lock()
	st, err := r.ownedLocked(info)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	delete(r.failures, info.Path)
	if st == nil {
		r.mu.Unlock()
		r.logger.Warn().Str("path", info.Path.String()).Msg("discard for path without stage")
		return nil
	}
	r.removeLocked(info.Path)
	r.mu.Unlock()

	r.logger.Debug().
		Str("path", info.Path.String()).
		Str("failure", failure).
		Msg("discarding staged data")
	r.close(info.Path, st)
	return nil
}

// Store commits the staged data of info.Path and removes the stage. A failure
// recorded by Transfer is returned instead, and the staged data dropped.
func (r *Receiver) Store(info syncpath.GlobalPath, checksum string) error {
	r.mu.Lock()
	st, err := r.ownedLocked(info)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if failure, failed := r.failures[info.Path]; failed {
		delete(r.failures, info.Path)
		if st != nil {
			r.removeLocked(info.Path)
		}
		r.mu.Unlock()
		if st != nil {
			r.close(info.Path, st)
		}
		return failure
	}
	if st == nil {
		r.mu.Unlock()
		return fmt.Errorf("store %s: %w", info.Path, ErrNotLocked)
	}
	r.removeLocked(info.Path)
	r.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	if _, isFile := st.sink.(*fileSink); isFile && r.suppressor != nil {
		r.suppressor.IgnoreOnce(st.dest)
	}
	err = st.sink.Commit(checksum)
	st.sink = nullSink{}
	if err != nil {
		return fmt.Errorf("store %s: %w", info.Path, err)
	}
	r.metrics.StoreCommitted()
	return nil
}

// Unlock removes the stage of info.Path. A missing stage is only logged:
// Store and Discard already removed it, or the lock never reached this node.
// Unlocks from members that do not hold the stage are ignored: a sender that
// failed to acquire the cluster lock still broadcasts an unlock while
// cleaning up.
func (r *Receiver) Unlock(info syncpath.GlobalPath) error {
	r.mu.Lock()
	st, ok := r.stages[info.Path]
	switch {
	case !ok:
		r.mu.Unlock()
		r.logger.Warn().
			Str("path", info.Path.String()).
			Str("sender", info.SendingNode).
			Msg("unlock for path that is not locked locally")
		return nil
	case st.sender != info.SendingNode:
		r.mu.Unlock()
		r.logger.Debug().
			Str("path", info.Path.String()).
			Str("sender", info.SendingNode).
			Str("holder", st.sender).
			Msg("ignoring unlock from member not holding the path")
		return nil
	}
	r.removeLocked(info.Path)
	r.mu.Unlock()

	r.close(info.Path, st)
	return nil
}

// Delete removes the file of info.Path. An open stage is closed and replaced
// with a null sink that absorbs chunks still in flight.
func (r *Receiver) Delete(info syncpath.GlobalPath) error {
	dest, err := r.roots.Resolve(info.Path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	st, err := r.ownedLocked(info)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if st != nil {
		r.close(info.Path, st)
	}
	if info.IsLocal() {
		return nil
	}

	if r.suppressor != nil {
		r.suppressor.IgnoreOnce(dest)
	}
	if err := os.Remove(dest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", info.Path, err)
	}
	r.logger.Debug().Str("path", info.Path.String()).Msg("deleted")
	return nil
}

// Cancel drops every stage opened by node. It is called when node leaves the
// cluster, since its transfers will never complete. Returns the number of
// stages dropped.
func (r *Receiver) Cancel(node string) int {
	r.mu.Lock()
	dropped := make(map[syncpath.SyncPath]*stage)
	for p, st := range r.stages {
		if st.sender != node {
			continue
		}
		delete(r.stages, p)
		delete(r.failures, p)
		dropped[p] = st
	}
	r.mu.Unlock()

	if len(dropped) == 0 {
		return 0
	}
	for p, st := range dropped {
		r.close(p, st)
	}
	r.metrics.StageClosed(len(dropped))
	r.metrics.StagesDropped(len(dropped))
	r.logger.Info().Str("node", node).Int("stages", len(dropped)).Msg("dropped stages of departed member")
	return len(dropped)
}

// Locked reports whether p has a stage.
func (r *Receiver) Locked(p syncpath.SyncPath) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.stages[p]
	return ok
}

// ownedLocked returns the stage of info.Path, nil if there is none, or
// ErrNotOwner when another member holds it.
func (r *Receiver) ownedLocked(info syncpath.GlobalPath) (*stage, error) {
	st, ok := r.stages[info.Path]
	if !ok {
		return nil, nil
	}
	if st.sender != info.SendingNode {
		return nil, fmt.Errorf("%s held by %s: %w", info.Path, st.sender, ErrNotOwner)
	}
	return st, nil
}

// removeLocked drops the stage and failure entries of p.
func (r *Receiver) removeLocked(p syncpath.SyncPath) {
	delete(r.stages, p)
	delete(r.failures, p)
	r.metrics.StageClosed(1)
}

// close aborts the sink of st and swaps in a null sink.
func (r *Receiver) close(p syncpath.SyncPath, st *stage) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, closed := st.sink.(nullSink); closed {
		return
	}
	if err := st.sink.Abort(); err != nil {
		r.logger.Warn().Err(err).Str("path", p.String()).Msg("failed to close staging file")
	}
	st.sink = nullSink{}
}

// nullSink absorbs writes. Commit and Abort do nothing.
type nullSink struct{}

func (nullSink) Write(p []byte) (int, error) { return len(p), nil }
func (nullSink) Commit(string) error         { return nil }
func (nullSink) Abort() error                { return nil }

// fileSink writes to a temporary file in the destination directory and
// renames it over the destination on commit.
type fileSink struct {
	f    *os.File
	dest string
	hash hash.Hash
}

func newFileSink(dest string) (*fileSink, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dir %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, StagingPattern)
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	return &fileSink{f: f, dest: dest, hash: sha256.New()}, nil
}

func (s *fileSink) Write(p []byte) (int, error) {
	n, err := s.f.Write(p)
	s.hash.Write(p[:n])
	return n, err
}

func (s *fileSink) Commit(checksum string) error {
	tmp := s.f.Name()
	if err := s.f.Sync(); err != nil {
		_ = s.f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync staging file: %w", err)
	}
	if err := s.f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close staging file: %w", err)
	}
	if got := hex.EncodeToString(s.hash.Sum(nil)); checksum != "" && got != checksum {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, got, checksum)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("chmod staging file: %w", err)
	}
	if err := os.Rename(tmp, s.dest); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename staging file: %w", err)
	}
	return nil
}

func (s *fileSink) Abort() error {
	err := s.f.Close()
	if rmErr := os.Remove(s.f.Name()); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) && err == nil {
		err = rmErr
	}
	return err
}
