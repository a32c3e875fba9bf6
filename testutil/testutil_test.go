package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTempFile(t *testing.T) {
	dir := TempDir(t)
	path := TempFile(t, dir, "nested/dir/file.txt", "content")

	assert.Equal(t, filepath.Join(dir, "nested", "dir", "file.txt"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
}

func TestWaitFor(t *testing.T) {
	start := time.Now()
	WaitFor(t, time.Second, func() bool { return time.Since(start) > 30*time.Millisecond }, "condition")
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}
