package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/meshsync/internal/metrics"
	"github.com/tunnelmesh/meshsync/internal/syncpath"
)

// ChecksumJournal records the last checksum stored for each path.
type ChecksumJournal interface {
	Put(ctx context.Context, p syncpath.SyncPath, checksum string) error
	Delete(ctx context.Context, p syncpath.SyncPath) error
}

// DispatcherConfig contains configuration for the inbound dispatcher.
type DispatcherConfig struct {
	Transport   Transport
	Membership  Membership
	Receiver    *Receiver
	Journal     ChecksumJournal // optional
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	SendTimeout time.Duration   // Bound on sending one response (default: 10s)
	Context     context.Context // Parent context for response sends
}

// handlerFunc applies one request to local state. The returned error becomes
// the failure text of the response.
type handlerFunc func(ctx context.Context, info syncpath.GlobalPath, req Request) error

// Dispatcher answers inbound requests: it decodes each message, applies it to
// the Receiver through a per-topic handler and sends the response back to the
// requesting member. It also cancels the stages of members that leave.
type Dispatcher struct {
	transport   Transport
	membership  Membership
	receiver    *Receiver
	journal     ChecksumJournal
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	sendTimeout time.Duration
	handlers    map[string]handlerFunc

	mu      sync.Mutex
	removes []func()

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher creates a new dispatcher. Call Start to subscribe.
func NewDispatcher(config DispatcherConfig) *Dispatcher {
	if config.SendTimeout == 0 {
		config.SendTimeout = 10 * time.Second
	}
	parentCtx := config.Context
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	d := &Dispatcher{
		transport:   config.Transport,
		membership:  config.Membership,
		receiver:    config.Receiver,
		journal:     config.Journal,
		logger:      config.Logger.With().Str("component", "dispatcher").Logger(),
		metrics:     config.Metrics,
		sendTimeout: config.SendTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}
	d.handlers = map[string]handlerFunc{
		TopicLock: func(_ context.Context, info syncpath.GlobalPath, _ Request) error {
			return d.receiver.LockLocally(info)
		},
		TopicUnlock: func(_ context.Context, info syncpath.GlobalPath, _ Request) error {
			return d.receiver.Unlock(info)
		},
		TopicTransfer: func(_ context.Context, info syncpath.GlobalPath, req Request) error {
			return d.receiver.Transfer(info, req.Data)
		},
		TopicDiscard: func(_ context.Context, info syncpath.GlobalPath, req Request) error {
			return d.receiver.Discard(info, req.Failure)
		},
		TopicStore: func(ctx context.Context, info syncpath.GlobalPath, req Request) error {
			if err := d.receiver.Store(info, req.Checksum); err != nil {
				return err
			}
			d.record(ctx, info.Path, req.Checksum)
			return nil
		},
		TopicDelete: func(ctx context.Context, info syncpath.GlobalPath, _ Request) error {
			if err := d.receiver.Delete(info); err != nil {
				return err
			}
			d.record(ctx, info.Path, "")
			return nil
		},
	}
	return d
}

// Start subscribes to every request topic and to membership leave events.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, topic := range RequestTopics {
		d.removes = append(d.removes, d.transport.Subscribe(topic, d.handler(topic)))
	}
	d.removes = append(d.removes, d.membership.OnLeave(d.onLeave))
	d.logger.Debug().Int("topics", len(RequestTopics)).Msg("dispatcher started")
}

// Stop removes all subscriptions and aborts responses still being sent.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	removes := d.removes
	d.removes = nil
	d.mu.Unlock()

	for _, remove := range removes {
		remove()
	}
	d.cancel()
}

func (d *Dispatcher) handler(topic string) Handler {
	apply := d.handlers[topic]
	return func(from string, data []byte) {
		msg, err := UnmarshalMessage(data)
		if err != nil {
			d.logger.Warn().Err(err).Str("from", from).Str("topic", topic).Msg("dropping undecodable request")
			return
		}
		req, err := msg.DecodeRequest()
		if err != nil {
			d.logger.Warn().Err(err).Str("from", from).Str("topic", topic).Msg("dropping undecodable request")
			return
		}
		if from == "" {
			from = msg.From
		}

		ctx, cancel := context.WithTimeout(d.ctx, d.sendTimeout)
		defer cancel()

		info := syncpath.GlobalPath{
			SendingNode: from,
			LocalNode:   d.membership.LocalNode(),
			Path:        req.Path,
		}
		resp := Response{RequestID: req.ID, Topic: topic, Path: req.Path}
		err = req.Path.Validate()
		if err == nil {
			err = apply(ctx, info, *req)
		}
		if err != nil {
			resp.Failure = err.Error()
			d.logger.Warn().Err(err).
				Str("topic", topic).
				Str("path", req.Path.String()).
				Str("from", from).
				Msg("request failed locally")
		}
		d.metrics.InboundHandled(topic, resp.Failure != "")

		out, err := EncodeResponse(info.LocalNode, resp)
		if err != nil {
			d.logger.Error().Err(err).Msg("failed to encode response")
			return
		}
		if err := d.transport.Send(ctx, from, TopicResponse, out); err != nil {
			d.logger.Warn().Err(err).
				Str("topic", topic).
				Str("to", from).
				Msg("failed to send response")
		}
	}
}

// record updates the journal after a store (checksum set) or delete
// (checksum empty). Journal errors do not fail the request: the file itself
// is already in place.
func (d *Dispatcher) record(ctx context.Context, p syncpath.SyncPath, checksum string) {
	if d.journal == nil {
		return
	}
	var err error
	if checksum == "" {
		err = d.journal.Delete(ctx, p)
	} else {
		err = d.journal.Put(ctx, p, checksum)
	}
	if err != nil {
		d.logger.Error().Err(fmt.Errorf("journal %s: %w", p, err)).Msg("failed to update checksum journal")
	}
}

func (d *Dispatcher) onLeave(node string) {
	d.metrics.MemberLeft()
	d.receiver.Cancel(node)
}
