package replication

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tunnelmesh/meshsync/internal/metrics"
	"github.com/tunnelmesh/meshsync/internal/syncpath"
)

// DistributorConfig contains configuration for the request distributor.
type DistributorConfig struct {
	Transport       Transport
	Membership      Membership
	ResponseTimeout time.Duration // How long a barrier waits for all members
	Logger          zerolog.Logger
	Metrics         *metrics.Metrics
}

// RequestDistributor turns each cluster verb into one barrier round: publish
// the request, wait for every member, and report failures as *OpError.
// It never retries.
type RequestDistributor struct {
	barrier BarrierConfig
	logger  zerolog.Logger
}

// NewRequestDistributor creates a new request distributor.
func NewRequestDistributor(config DistributorConfig) *RequestDistributor {
	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = DefaultResponseTimeout
	}
	logger := config.Logger.With().Str("component", "distributor").Logger()

	return &RequestDistributor{
		barrier: BarrierConfig{
			Transport:  config.Transport,
			Membership: config.Membership,
			Timeout:    config.ResponseTimeout,
			Logger:     logger,
			Metrics:    config.Metrics,
		},
		logger: logger,
	}
}

// Lock asks every member to prepare local staging state for p.
func (d *RequestDistributor) Lock(ctx context.Context, p syncpath.SyncPath) error {
	return d.distribute(ctx, TopicLock, OpLock, Request{Path: p})
}

// Unlock asks every member to drop its local staging state for p.
func (d *RequestDistributor) Unlock(ctx context.Context, p syncpath.SyncPath) error {
	return d.distribute(ctx, TopicUnlock, OpUnlock, Request{Path: p})
}

// Delete asks every member to delete p.
func (d *RequestDistributor) Delete(ctx context.Context, p syncpath.SyncPath) error {
	return d.distribute(ctx, TopicDelete, OpDelete, Request{Path: p})
}

// Transfer sends one chunk of p to every member. data is copied before it is
// published, so the caller may reuse its buffer as soon as Transfer returns.
func (d *RequestDistributor) Transfer(ctx context.Context, p syncpath.SyncPath, data []byte) error {
	owned := make([]byte, len(data))
	copy(owned, data)
	return d.distribute(ctx, TopicTransfer, OpTransfer, Request{Path: p, Data: owned})
}

// Discard tells every member to abandon the staged data for p.
func (d *RequestDistributor) Discard(ctx context.Context, p syncpath.SyncPath, cause error) error {
	req := Request{Path: p}
	if cause != nil {
		req.Failure = cause.Error()
	}
	return d.distribute(ctx, TopicDiscard, OpDiscard, req)
}

// Store tells every member to commit the staged data for p.
func (d *RequestDistributor) Store(ctx context.Context, p syncpath.SyncPath, checksum string) error {
	return d.distribute(ctx, TopicStore, OpStore, Request{Path: p, Checksum: checksum})
}

func (d *RequestDistributor) distribute(ctx context.Context, topic, op string, req Request) error {
	req.ID = uuid.NewString()

	barrier := NewBarrier(d.barrier, req.Path, topic)
	if err := barrier.Await(ctx, req); err != nil {
		d.logger.Debug().Err(err).
			Str("op", op).
			Str("path", req.Path.String()).
			Msg("cluster operation failed")
		return &OpError{Op: op, Path: req.Path, Err: err}
	}
	return nil
}
