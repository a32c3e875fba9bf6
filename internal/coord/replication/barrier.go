package replication

import (
	"context"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tunnelmesh/meshsync/internal/metrics"
	"github.com/tunnelmesh/meshsync/internal/syncpath"
)

// DefaultResponseTimeout bounds a barrier wait when no timeout is configured.
const DefaultResponseTimeout = 30 * time.Second

// BarrierConfig holds the collaborators shared by all barriers of a node.
type BarrierConfig struct {
	Transport  Transport
	Membership Membership
	Timeout    time.Duration // 0 means DefaultResponseTimeout
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

type barrierState int

const (
	barrierCreated barrierState = iota
	barrierWaiting
	barrierResolved
	barrierFailed
	barrierTimedOut
	barrierCancelled
)

// Barrier publishes one request and waits until every member that was live at
// publish time has answered it or left the cluster.
//
// A Barrier is bound to one path and one request topic and can be awaited
// exactly once. Its transport subscription and membership listener exist only
// for the duration of Await.
type Barrier struct {
	cfg   BarrierConfig
	path  syncpath.SyncPath
	topic string

	mu          sync.Mutex
	state       barrierState
	requestID   string
	outstanding mapset.Set[string]
	failure     string
	failedNode  string
	failures    int
	done        chan struct{}
}

// NewBarrier creates a barrier for one request on path.
func NewBarrier(cfg BarrierConfig, path syncpath.SyncPath, topic string) *Barrier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultResponseTimeout
	}
	return &Barrier{
		cfg:   cfg,
		path:  path,
		topic: topic,
		done:  make(chan struct{}),
	}
}

// Await publishes req and blocks until all expected members answered, the
// response timeout expires or ctx is done. Failures reported by members come
// back as a *ResponseError carrying the first failure text.
func (b *Barrier) Await(ctx context.Context, req Request) error {
	b.mu.Lock()
	if b.state != barrierCreated {
		b.mu.Unlock()
		return ErrBarrierUsed
	}
	b.state = barrierWaiting
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Path = b.path
	b.requestID = req.ID
	b.mu.Unlock()

	logger := b.cfg.Logger.With().
		Str("topic", b.topic).
		Str("path", b.path.String()).
		Str("request", req.ID).
		Logger()

	unsubscribe := b.cfg.Transport.Subscribe(TopicResponse, b.onResponse)
	defer unsubscribe()
	removeListener := b.cfg.Membership.OnLeave(b.onLeave)
	defer removeListener()

	local := b.cfg.Membership.LocalNode()
	members := b.cfg.Membership.Members()

	b.mu.Lock()
	b.outstanding = mapset.NewThreadUnsafeSet(members...)
	if b.outstanding.Cardinality() == 0 {
		close(b.done)
	}
	b.mu.Unlock()

	data, err := EncodeRequest(b.topic, local, req)
	if err != nil {
		return b.finish(barrierFailed, err, time.Time{})
	}

	started := time.Now()
	logger.Debug().Int("members", len(members)).Msg("publishing request")
	if err := b.cfg.Transport.Publish(ctx, b.topic, data); err != nil {
		if ctx.Err() != nil {
			return b.finish(barrierCancelled, ctx.Err(), started)
		}
		return b.finish(barrierFailed, err, started)
	}

	timer := time.NewTimer(b.cfg.Timeout)
	defer timer.Stop()

	select {
	case <-b.done:
		return b.finish(barrierResolved, nil, started)
	case <-timer.C:
		logger.Warn().Dur("timeout", b.cfg.Timeout).Msg("timed out waiting for responses")
		return b.finish(barrierTimedOut, ErrResponseTimeout, started)
	case <-ctx.Done():
		return b.finish(barrierCancelled, ctx.Err(), started)
	}
}

// finish moves the barrier into its terminal state and builds the result.
// The first terminal outcome wins: once here, late responses are ignored.
func (b *Barrier) finish(state barrierState, cause error, started time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	// All members may have answered while the timer or context fired.
	if (state == barrierTimedOut || state == barrierCancelled) && b.outstanding != nil && b.outstanding.Cardinality() == 0 {
		state, cause = barrierResolved, nil
	}

	if state == barrierResolved && b.failures > 0 {
		state, cause = barrierFailed, ErrMemberFailed
	}
	b.state = state

	var waited time.Duration
	if !started.IsZero() {
		waited = time.Since(started)
	}
	b.cfg.Metrics.ObserveBarrier(b.topic, outcomeLabel(state), waited)

	if state == barrierResolved {
		return nil
	}

	rerr := &ResponseError{
		Topic:      b.topic,
		Path:       b.path,
		Failure:    b.failure,
		FailedNode: b.failedNode,
		Failures:   b.failures,
		Err:        cause,
	}
	if state == barrierTimedOut && b.outstanding != nil {
		rerr.Outstanding = b.outstanding.ToSlice()
		sort.Strings(rerr.Outstanding)
	}
	return rerr
}

func (b *Barrier) onResponse(from string, data []byte) {
	msg, err := UnmarshalMessage(data)
	if err != nil {
		b.cfg.Logger.Debug().Err(err).Str("from", from).Msg("dropping undecodable response")
		return
	}
	resp, err := msg.DecodeResponse()
	if err != nil {
		return
	}
	if resp.Topic != b.topic || resp.Path != b.path {
		return
	}
	if from == "" {
		from = msg.From
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if resp.RequestID != b.requestID || b.state != barrierWaiting || b.outstanding == nil || !b.outstanding.Contains(from) {
		return
	}
	b.outstanding.Remove(from)
	if resp.Failure != "" {
		b.failures++
		if b.failures == 1 {
			b.failure = resp.Failure
			b.failedNode = from
		}
	}
	b.checkDoneLocked()
}

func (b *Barrier) onLeave(node string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != barrierWaiting || b.outstanding == nil || !b.outstanding.Contains(node) {
		return
	}
	b.cfg.Logger.Debug().
		Str("topic", b.topic).
		Str("path", b.path.String()).
		Str("node", node).
		Msg("member left, no longer waiting for it")
	b.outstanding.Remove(node)
	b.checkDoneLocked()
}

func (b *Barrier) checkDoneLocked() {
	if b.outstanding.Cardinality() > 0 {
		return
	}
	select {
	case <-b.done:
	default:
		close(b.done)
	}
}

func outcomeLabel(s barrierState) string {
	switch s {
	case barrierResolved:
		return metrics.OutcomeResolved
	case barrierTimedOut:
		return metrics.OutcomeTimeout
	case barrierCancelled:
		return metrics.OutcomeCancelled
	default:
		return metrics.OutcomeFailed
	}
}
