package replication

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/meshsync/internal/syncpath"
)

type mockSuppressor struct {
	mu    sync.Mutex
	paths []string
}

func (m *mockSuppressor) IgnoreOnce(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths = append(m.paths, path)
}

func (m *mockSuppressor) ignored() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.paths...)
}

func newTestReceiver(t *testing.T) (*Receiver, string, *mockSuppressor) {
	t.Helper()
	dir := t.TempDir()
	roots, err := syncpath.NewRoots(map[string]string{"/cluster/shared": dir})
	require.NoError(t, err)
	sup := &mockSuppressor{}
	return NewReceiver(ReceiverConfig{Roots: roots, Suppressor: sup, Logger: zerolog.Nop()}), dir, sup
}

func remote(t *testing.T, sender string) syncpath.GlobalPath {
	return syncpath.GlobalPath{SendingNode: sender, LocalNode: "local", Path: testPath(t)}
}

func stagingFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "docs", StagingPattern))
	require.NoError(t, err)
	return matches
}

func TestReceiverStoresTransfer(t *testing.T) {
	r, dir, sup := newTestReceiver(t)
	info := remote(t, "peer")
	dest := filepath.Join(dir, "docs", "report.txt")

	require.NoError(t, r.LockLocally(info))
	assert.Len(t, stagingFiles(t, dir), 1)

	require.NoError(t, r.Transfer(info, []byte("hello ")))
	require.NoError(t, r.Transfer(info, []byte("world")))
	require.NoError(t, r.Store(info, checksum([]byte("hello world"))))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.Empty(t, stagingFiles(t, dir))
	assert.Equal(t, []string{dest}, sup.ignored())

	assert.False(t, r.Locked(info.Path), "store removes the stage")
	require.NoError(t, r.Unlock(info), "trailing unlock is tolerated")
}

func TestReceiverPathFreeAfterStoreOrDiscard(t *testing.T) {
	for _, finish := range []string{"store", "discard"} {
		t.Run(finish, func(t *testing.T) {
			r, dir, _ := newTestReceiver(t)
			first := remote(t, "first")
			second := remote(t, "second")

			require.NoError(t, r.LockLocally(first))
			require.NoError(t, r.Transfer(first, []byte("v1")))
			if finish == "store" {
				require.NoError(t, r.Store(first, checksum([]byte("v1"))))
			} else {
				require.NoError(t, r.Discard(first, "read error"))
			}

			// The unlock from first never arrives; the path must not stay wedged.
			require.NoError(t, r.LockLocally(second))
			require.NoError(t, r.Transfer(second, []byte("v2")))
			require.NoError(t, r.Store(second, checksum([]byte("v2"))))

			data, err := os.ReadFile(filepath.Join(dir, "docs", "report.txt"))
			require.NoError(t, err)
			assert.Equal(t, "v2", string(data))

			// A late unlock from first changes nothing.
			require.NoError(t, r.Unlock(first))
			require.NoError(t, r.LockLocally(first))
		})
	}
}

func TestReceiverFailedStoreRemovesStage(t *testing.T) {
	r, dir, _ := newTestReceiver(t)
	info := remote(t, "peer")

	require.NoError(t, r.LockLocally(info))
	require.NoError(t, r.Transfer(info, []byte("data")))
	assert.ErrorIs(t, r.Store(info, checksum([]byte("other"))), ErrChecksumMismatch)
	assert.False(t, r.Locked(info.Path))
	assert.Empty(t, stagingFiles(t, dir))
}

func TestReceiverConcurrentPaths(t *testing.T) {
	r, dir, _ := newTestReceiver(t)

	var wg sync.WaitGroup
	for i := range 8 {
		info := remote(t, "peer")
		info.Path.RelativePath = fmt.Sprintf("docs/file-%d.txt", i)
		content := []byte(strings.Repeat(fmt.Sprint(i), 1000))

		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.LockLocally(info))
			for off := 0; off < len(content); off += 100 {
				assert.NoError(t, r.Transfer(info, content[off:off+100]))
			}
			assert.NoError(t, r.Store(info, checksum(content)))
		}()
	}
	wg.Wait()

	for i := range 8 {
		data, err := os.ReadFile(filepath.Join(dir, "docs", fmt.Sprintf("file-%d.txt", i)))
		require.NoError(t, err)
		assert.Equal(t, strings.Repeat(fmt.Sprint(i), 1000), string(data))
	}
	assert.Empty(t, stagingFiles(t, dir))
}

func TestReceiverRejectsDoubleLock(t *testing.T) {
	r, _, _ := newTestReceiver(t)

	require.NoError(t, r.LockLocally(remote(t, "peer")))
	assert.ErrorIs(t, r.LockLocally(remote(t, "peer")), ErrAlreadyLocked)
	assert.ErrorIs(t, r.LockLocally(remote(t, "other")), ErrAlreadyLocked)
}

func TestReceiverTransferWithoutLockSurfacesOnStore(t *testing.T) {
	r, dir, _ := newTestReceiver(t)
	info := remote(t, "peer")

	assert.NoError(t, r.Transfer(info, []byte("chunk")))
	assert.NoError(t, r.Transfer(info, []byte("chunk")))

	err := r.Store(info, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotLocked)

	_, statErr := os.Stat(filepath.Join(dir, "docs", "report.txt"))
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestReceiverDiscard(t *testing.T) {
	r, dir, _ := newTestReceiver(t)
	info := remote(t, "peer")

	require.NoError(t, r.LockLocally(info))
	require.NoError(t, r.Transfer(info, []byte("partial")))
	require.NoError(t, r.Discard(info, "read error"))

	assert.Empty(t, stagingFiles(t, dir))
	_, err := os.Stat(filepath.Join(dir, "docs", "report.txt"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.False(t, r.Locked(info.Path))
}

func TestReceiverDiscardClearsFailure(t *testing.T) {
	r, _, _ := newTestReceiver(t)
	info := remote(t, "peer")

	require.NoError(t, r.Transfer(info, []byte("orphan")))
	require.NoError(t, r.Discard(info, ""))

	require.NoError(t, r.LockLocally(info))
	require.NoError(t, r.Transfer(info, []byte("ok")))
	assert.NoError(t, r.Store(info, checksum([]byte("ok"))))
}

func TestReceiverChecksumMismatch(t *testing.T) {
	r, dir, _ := newTestReceiver(t)
	info := remote(t, "peer")

	require.NoError(t, r.LockLocally(info))
	require.NoError(t, r.Transfer(info, []byte("data")))
	err := r.Store(info, checksum([]byte("other data")))
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	assert.Empty(t, stagingFiles(t, dir))
	_, statErr := os.Stat(filepath.Join(dir, "docs", "report.txt"))
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestReceiverOwnership(t *testing.T) {
	r, _, _ := newTestReceiver(t)
	owner := remote(t, "owner")
	intruder := remote(t, "intruder")

	require.NoError(t, r.LockLocally(owner))
	assert.ErrorIs(t, r.Transfer(intruder, []byte("x")), ErrNotOwner)
	assert.ErrorIs(t, r.Store(intruder, ""), ErrNotOwner)
	assert.ErrorIs(t, r.Discard(intruder, ""), ErrNotOwner)
	assert.ErrorIs(t, r.Delete(intruder), ErrNotOwner)

	// A stray unlock does not release someone else's stage.
	require.NoError(t, r.Unlock(intruder))
	assert.True(t, r.Locked(owner.Path))

	require.NoError(t, r.Transfer(owner, []byte("x")))
	assert.NoError(t, r.Store(owner, checksum([]byte("x"))))
}

func TestReceiverUnlockWithoutStage(t *testing.T) {
	r, _, _ := newTestReceiver(t)
	assert.NoError(t, r.Unlock(remote(t, "peer")))
}

func TestReceiverDelete(t *testing.T) {
	r, dir, sup := newTestReceiver(t)
	info := remote(t, "peer")
	dest := filepath.Join(dir, "docs", "report.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
	require.NoError(t, os.WriteFile(dest, []byte("old"), 0o644))

	require.NoError(t, r.LockLocally(info))
	require.NoError(t, r.Transfer(info, []byte("new")))
	require.NoError(t, r.Delete(info))

	_, err := os.Stat(dest)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Empty(t, stagingFiles(t, dir))
	assert.Equal(t, []string{dest}, sup.ignored())

	// Chunks still in flight are absorbed.
	assert.NoError(t, r.Transfer(info, []byte("late")))
	_, err = os.Stat(dest)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	// Deleting a file that is already gone is fine.
	assert.NoError(t, r.Delete(info))
	require.NoError(t, r.Unlock(info))
}

func TestReceiverCancel(t *testing.T) {
	r, dir, _ := newTestReceiver(t)

	gone := remote(t, "gone")
	staying := remote(t, "staying")
	staying.Path.RelativePath = "docs/other.txt"

	require.NoError(t, r.LockLocally(gone))
	require.NoError(t, r.LockLocally(staying))
	require.NoError(t, r.Transfer(gone, []byte("half")))
	assert.Len(t, stagingFiles(t, dir), 2)

	assert.Equal(t, 1, r.Cancel("gone"))
	assert.False(t, r.Locked(gone.Path))
	assert.True(t, r.Locked(staying.Path))
	assert.Len(t, stagingFiles(t, dir), 1)

	assert.Equal(t, 0, r.Cancel("gone"))
}

func TestReceiverLocalOriginUsesNullSink(t *testing.T) {
	r, dir, sup := newTestReceiver(t)
	info := syncpath.GlobalPath{SendingNode: "local", LocalNode: "local", Path: testPath(t)}

	require.NoError(t, r.LockLocally(info))
	assert.Empty(t, stagingFiles(t, dir))
	require.NoError(t, r.Transfer(info, []byte("ignored")))
	require.NoError(t, r.Store(info, "whatever"))
	require.NoError(t, r.Delete(info))
	require.NoError(t, r.Unlock(info))

	_, err := os.Stat(filepath.Join(dir, "docs", "report.txt"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Empty(t, sup.ignored())
}

func TestReceiverUnknownRoot(t *testing.T) {
	r, _, _ := newTestReceiver(t)
	info := remote(t, "peer")
	info.Path.SyncDir = "/somewhere/else"

	assert.ErrorIs(t, r.LockLocally(info), syncpath.ErrUnknownRoot)
	assert.ErrorIs(t, r.Delete(info), syncpath.ErrUnknownRoot)
}
