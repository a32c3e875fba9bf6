package node

import (
	"context"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/tunnelmesh/meshsync/internal/coord/lock"
	"github.com/tunnelmesh/meshsync/internal/coord/replication"
	"github.com/tunnelmesh/meshsync/internal/syncpath"
	"github.com/tunnelmesh/meshsync/internal/watcher"
)

// TryLock implements Distributor. A lock held elsewhere for the whole
// acquire timeout is reported as false without an error.
func (n *Node) TryLock(ctx context.Context, p syncpath.SyncPath) (bool, error) {
	err := n.locks.Lock(ctx, p)
	switch {
	case err == nil:
		return true, nil
	case lock.IsContention(err):
		return false, nil
	default:
		return false, err
	}
}

// Unlock implements Distributor.
func (n *Node) Unlock(ctx context.Context, p syncpath.SyncPath) error {
	return n.locks.Unlock(ctx, p)
}

// Delete implements Distributor.
func (n *Node) Delete(ctx context.Context, p syncpath.SyncPath) error {
	return n.distributor.Delete(ctx, p)
}

// Transfer implements Distributor.
func (n *Node) Transfer(ctx context.Context, p syncpath.SyncPath, data []byte) error {
	return n.distributor.Transfer(ctx, p, data)
}

// Discard implements Distributor.
func (n *Node) Discard(ctx context.Context, p syncpath.SyncPath, cause error) error {
	return n.distributor.Discard(ctx, p, cause)
}

// Store implements Distributor.
func (n *Node) Store(ctx context.Context, p syncpath.SyncPath, checksum string) error {
	return n.distributor.Store(ctx, p, checksum)
}

// Checksum implements Distributor. The journal of every node is updated when
// a store or delete reaches consensus, so the answer is local.
func (n *Node) Checksum(ctx context.Context, p syncpath.SyncPath) (string, error) {
	return n.journal.Get(ctx, p)
}

// watchLoop feeds watcher events to the trigger until the watcher stops.
func (n *Node) watchLoop() {
	defer n.wg.Done()
	for ev := range n.watcher.Events() {
		n.handle(n.ctx, ev)
	}
}

func (n *Node) handle(ctx context.Context, ev watcher.Event) {
	p, err := n.roots.FromLocal(ev.Path)
	if err != nil {
		n.logger.Debug().Err(err).Str("file", ev.Path).Msg("ignoring event outside sync dirs")
		return
	}
	switch ev.Op {
	case watcher.Removed:
		n.trigger.Deleted(p)
	default:
		if _, err := n.trigger.Modified(ctx, p, ev.Path); err != nil {
			n.logger.Warn().Err(err).Str("path", p.String()).Msg("cannot check changed file")
		}
	}
}

// scanLoop runs the initial scan, then rescans every interval. Rescans catch
// changes whose watch events were lost, for example when the OS event queue
// overflowed during a bulk copy.
func (n *Node) scanLoop(initial bool, interval time.Duration) {
	defer n.wg.Done()
	if initial {
		n.scan(n.ctx)
	}
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.scan(n.ctx)
		}
	}
}

// scan feeds every file under the sync dirs to the trigger, so changes made
// while the node was down or missed by the watcher are replicated. Unchanged
// files schedule nothing.
func (n *Node) scan(ctx context.Context) {
	files := 0
	for _, dir := range n.roots.LocalDirs() {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				n.logger.Warn().Err(err).Str("file", path).Msg("scan error")
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if ok, _ := filepath.Match(replication.StagingPattern, d.Name()); ok {
				return nil
			}
			files++
			n.handle(ctx, watcher.Event{Op: watcher.Changed, Path: path})
			return nil
		})
		if err != nil {
			return
		}
	}
	n.logger.Info().Int("files", files).Int("pending", n.trigger.Pending()).Msg("scan finished")
}
