package replication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDistributor(node *mockNode) *RequestDistributor {
	return NewRequestDistributor(DistributorConfig{
		Transport:       node,
		Membership:      node,
		ResponseTimeout: time.Second,
		Logger:          zerolog.Nop(),
	})
}

func TestDistributorPublishesVerbPayloads(t *testing.T) {
	net := newMockNet("a", "b")
	a := net.node("a")
	p := testPath(t)

	var got []Request
	for _, topic := range RequestTopics {
		topic := topic
		defer net.node("b").Subscribe(topic, func(from string, data []byte) {
			msg, err := UnmarshalMessage(data)
			require.NoError(t, err)
			req, err := msg.DecodeRequest()
			require.NoError(t, err)
			got = append(got, *req)
		})()
		defer respond(a, topic, "")()
		defer respond(net.node("b"), topic, "")()
	}

	d := newTestDistributor(a)
	ctx := context.Background()
	buf := []byte("chunk")

	require.NoError(t, d.Lock(ctx, p))
	require.NoError(t, d.Transfer(ctx, p, buf))
	copy(buf, "XXXXX")
	require.NoError(t, d.Discard(ctx, p, errors.New("read error")))
	require.NoError(t, d.Store(ctx, p, "abc123"))
	require.NoError(t, d.Delete(ctx, p))
	require.NoError(t, d.Unlock(ctx, p))

	require.Len(t, got, 6)
	for _, req := range got {
		assert.Equal(t, p, req.Path)
		assert.NotEmpty(t, req.ID)
	}
	assert.Equal(t, []byte("chunk"), got[1].Data)
	assert.Equal(t, "read error", got[2].Failure)
	assert.Equal(t, "abc123", got[3].Checksum)
	assert.Equal(t, []string{TopicLock, TopicTransfer, TopicDiscard, TopicStore, TopicDelete, TopicUnlock}, a.publishedTopics())
}

func TestDistributorWrapsFailures(t *testing.T) {
	tests := []struct {
		name string
		kind error
		call func(d *RequestDistributor) error
	}{
		{"lock", ErrLock, func(d *RequestDistributor) error { return d.Lock(context.Background(), testPath(t)) }},
		{"unlock", ErrUnlock, func(d *RequestDistributor) error { return d.Unlock(context.Background(), testPath(t)) }},
		{"delete", ErrDelete, func(d *RequestDistributor) error { return d.Delete(context.Background(), testPath(t)) }},
		{"transfer", ErrTransfer, func(d *RequestDistributor) error {
			return d.Transfer(context.Background(), testPath(t), []byte("x"))
		}},
		{"discard", ErrDiscard, func(d *RequestDistributor) error {
			return d.Discard(context.Background(), testPath(t), nil)
		}},
		{"store", ErrStore, func(d *RequestDistributor) error { return d.Store(context.Background(), testPath(t), "sum") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			net := newMockNet("a", "b")
			for _, topic := range RequestTopics {
				defer respond(net.node("a"), topic, "")()
				defer respond(net.node("b"), topic, "permission denied")()
			}

			err := tt.call(newTestDistributor(net.node("a")))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)
			assert.ErrorIs(t, err, ErrMemberFailed)
			assert.Contains(t, err.Error(), "permission denied")

			var opErr *OpError
			require.True(t, errors.As(err, &opErr))
			assert.Equal(t, tt.name, opErr.Op)
			assert.Equal(t, testPath(t), opErr.Path)
		})
	}
}

func TestOpErrorWithoutCause(t *testing.T) {
	err := &OpError{Op: OpLock, Path: testPath(t)}
	assert.ErrorIs(t, err, ErrLock)
	assert.NotErrorIs(t, err, ErrUnlock)
	assert.Nil(t, errors.Unwrap(err))
	assert.Contains(t, err.Error(), "lock failed")
}
