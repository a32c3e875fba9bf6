package replication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/meshsync/internal/syncpath"
)

func testPath(t *testing.T) syncpath.SyncPath {
	t.Helper()
	p, err := syncpath.New("/cluster/shared", "docs/report.txt")
	require.NoError(t, err)
	return p
}

func newTestBarrier(node *mockNode, p syncpath.SyncPath, topic string, timeout time.Duration) *Barrier {
	return NewBarrier(BarrierConfig{
		Transport:  node,
		Membership: node,
		Timeout:    timeout,
		Logger:     zerolog.Nop(),
	}, p, topic)
}

// assertReleased checks that the barrier left no subscription behind.
func assertReleased(t *testing.T, node *mockNode) {
	t.Helper()
	assert.Equal(t, 0, node.subscriptions(TopicResponse), "response subscription leaked")
	assert.Equal(t, 0, node.leaveListenerCount(), "leave listener leaked")
}

func TestBarrierResolvesWhenAllMembersRespond(t *testing.T) {
	net := newMockNet("a", "b", "c")
	for _, name := range []string{"a", "b", "c"} {
		defer respond(net.node(name), TopicStore, "")()
	}

	a := net.node("a")
	b := newTestBarrier(a, testPath(t), TopicStore, 5*time.Second)

	err := b.Await(context.Background(), Request{Checksum: "abc"})
	require.NoError(t, err)
	assert.Equal(t, []string{TopicStore}, a.publishedTopics())
	assertReleased(t, a)
}

func TestBarrierFailsOnMemberFailure(t *testing.T) {
	net := newMockNet("a", "b", "c")
	defer respond(net.node("a"), TopicTransfer, "")()
	defer respond(net.node("b"), TopicTransfer, "disk full")()
	defer respond(net.node("c"), TopicTransfer, "")()

	a := net.node("a")
	err := newTestBarrier(a, testPath(t), TopicTransfer, 5*time.Second).
		Await(context.Background(), Request{Data: []byte("chunk")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMemberFailed)
	assert.Contains(t, err.Error(), "disk full")

	var rerr *ResponseError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "b", rerr.FailedNode)
	assert.Equal(t, 1, rerr.Failures)
	assertReleased(t, a)
}

func TestBarrierKeepsFirstFailure(t *testing.T) {
	net := newMockNet("a", "b", "c")
	defer respond(net.node("a"), TopicStore, "")()
	defer respond(net.node("b"), TopicStore, "first failure")()
	defer respond(net.node("c"), TopicStore, "second failure")()

	err := newTestBarrier(net.node("a"), testPath(t), TopicStore, 5*time.Second).
		Await(context.Background(), Request{})

	var rerr *ResponseError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "first failure", rerr.Failure)
	assert.Equal(t, 2, rerr.Failures)
	assert.NotContains(t, err.Error(), "second failure")
}

func TestBarrierResolvesWhenSilentMemberLeaves(t *testing.T) {
	net := newMockNet("a")
	net.addGhost("b")
	defer respond(net.node("a"), TopicLock, "")()

	go func() {
		time.Sleep(200 * time.Millisecond)
		net.leave("b")
	}()

	a := net.node("a")
	start := time.Now()
	err := newTestBarrier(a, testPath(t), TopicLock, 5*time.Second).
		Await(context.Background(), Request{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Less(t, time.Since(start), 5*time.Second)
	assertReleased(t, a)
}

func TestBarrierTimesOut(t *testing.T) {
	net := newMockNet("a")
	a := net.node("a")

	start := time.Now()
	err := newTestBarrier(a, testPath(t), TopicLock, 500*time.Millisecond).
		Await(context.Background(), Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResponseTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)

	var rerr *ResponseError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, []string{"a"}, rerr.Outstanding)
	assertReleased(t, a)
}

func TestBarrierContextCancelled(t *testing.T) {
	net := newMockNet("a")
	net.addGhost("b")
	defer respond(net.node("a"), TopicUnlock, "")()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	a := net.node("a")
	err := newTestBarrier(a, testPath(t), TopicUnlock, 5*time.Second).Await(ctx, Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Error(t, ctx.Err(), "context must stay cancelled")
	assertReleased(t, a)
}

func TestBarrierIgnoresForeignResponses(t *testing.T) {
	net := newMockNet("a")
	a := net.node("a")
	other := testPath(t)
	other.RelativePath = "other.txt"

	// Answers with the wrong request ID, wrong topic and wrong path.
	defer a.Subscribe(TopicDelete, func(from string, data []byte) {
		msg, err := UnmarshalMessage(data)
		require.NoError(t, err)
		req, err := msg.DecodeRequest()
		require.NoError(t, err)
		for _, resp := range []Response{
			{RequestID: "bogus", Topic: TopicDelete, Path: req.Path},
			{RequestID: req.ID, Topic: TopicStore, Path: req.Path},
			{RequestID: req.ID, Topic: TopicDelete, Path: other},
		} {
			out, err := EncodeResponse("a", resp)
			require.NoError(t, err)
			require.NoError(t, a.Send(context.Background(), from, TopicResponse, out))
		}
	})()

	err := newTestBarrier(a, testPath(t), TopicDelete, 100*time.Millisecond).
		Await(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrResponseTimeout)
}

func TestBarrierIgnoresLateResponses(t *testing.T) {
	net := newMockNet("a")
	a := net.node("a")

	var captured []byte
	defer a.Subscribe(TopicStore, func(from string, data []byte) {
		captured = data
	})()

	b := newTestBarrier(a, testPath(t), TopicStore, 50*time.Millisecond)
	err := b.Await(context.Background(), Request{})
	require.ErrorIs(t, err, ErrResponseTimeout)

	// A response arriving after the timeout changes nothing.
	msg, err := UnmarshalMessage(captured)
	require.NoError(t, err)
	out, err := EncodeResponse("a", Response{RequestID: msg.ID, Topic: TopicStore, Path: testPath(t)})
	require.NoError(t, err)
	b.onResponse("a", out)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, barrierTimedOut, b.state)
	assert.True(t, b.outstanding.Contains("a"))
}

func TestBarrierCannotBeReused(t *testing.T) {
	net := newMockNet("a")
	defer respond(net.node("a"), TopicLock, "")()

	b := newTestBarrier(net.node("a"), testPath(t), TopicLock, time.Second)
	require.NoError(t, b.Await(context.Background(), Request{}))
	assert.ErrorIs(t, b.Await(context.Background(), Request{}), ErrBarrierUsed)
}

func TestBarrierPublishFailure(t *testing.T) {
	net := newMockNet("a")
	a := net.node("a")
	a.publishErr = errors.New("connection refused")

	err := newTestBarrier(a, testPath(t), TopicLock, time.Second).Await(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assertReleased(t, a)
}
