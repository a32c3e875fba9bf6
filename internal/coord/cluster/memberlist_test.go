package cluster

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitFor polls condition() every interval until it returns true or ctx is done.
func waitFor(ctx context.Context, interval time.Duration, condition func() bool) error {
	if condition() {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waitFor: %w", ctx.Err())
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

func newTestMember(t *testing.T, name string, seeds ...string) *Memberlist {
	t.Helper()
	m, err := New(Config{
		NodeName:      name,
		BindAddr:      "127.0.0.1:0",
		AdvertiseAddr: name + ".local:8080",
		Seeds:         seeds,
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })
	return m
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		bindAddr    string
		seeds       []string
		expectError bool
	}{
		{name: "without seeds", bindAddr: "127.0.0.1:0"},
		{name: "with unreachable seeds", bindAddr: "127.0.0.1:0", seeds: []string{"127.0.0.1:1"}},
		{name: "invalid bind address", bindAddr: "invalid", expectError: true},
		{name: "invalid port", bindAddr: "127.0.0.1:notaport", expectError: true},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(Config{
				NodeName:      fmt.Sprintf("node%d", i),
				BindAddr:      tt.bindAddr,
				AdvertiseAddr: "127.0.0.1:8080",
				Seeds:         tt.seeds,
				Logger:        zerolog.Nop(),
			})
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer func() { _ = m.Shutdown() }()

			assert.Equal(t, fmt.Sprintf("node%d", i), m.LocalNode())
			assert.Equal(t, []string{m.LocalNode()}, m.Members())
			addr, ok := m.Address(m.LocalNode())
			assert.True(t, ok)
			assert.Equal(t, "127.0.0.1:8080", addr)
		})
	}
}

func TestMembershipJoinAndLeave(t *testing.T) {
	a := newTestMember(t, "a")
	b := newTestMember(t, "b", a.GossipAddr())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, waitFor(ctx, 20*time.Millisecond, func() bool {
		return len(a.Members()) == 2 && len(b.Members()) == 2
	}))
	assert.Equal(t, []string{"a", "b"}, a.Members())

	addr, ok := a.Address("b")
	require.True(t, ok)
	assert.Equal(t, "b.local:8080", addr)

	var mu sync.Mutex
	var left []string
	remove := a.OnLeave(func(node string) {
		mu.Lock()
		defer mu.Unlock()
		left = append(left, node)
	})
	defer remove()

	require.NoError(t, b.Leave())
	require.NoError(t, waitFor(ctx, 20*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(left) == 1
	}))

	mu.Lock()
	assert.Equal(t, []string{"b"}, left)
	mu.Unlock()

	_, ok = a.Address("b")
	assert.False(t, ok)
	assert.Equal(t, []string{"a"}, a.Members())
}
