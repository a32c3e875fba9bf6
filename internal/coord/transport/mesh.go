package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/tunnelmesh/meshsync/internal/coord/replication"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// HTTP headers of the mesh protocol.
const (
	HeaderFrom     = "X-Mesh-From"
	HeaderProtocol = "X-Replication-Protocol"
	protocolV1     = "v1"
)

// RoutePattern is the ServeMux pattern the Mesh handler must be mounted on.
const RoutePattern = "POST /api/replication/{topic}"

// ErrUnknownNode is returned when a message is addressed to a node that is not
// a member or has no known address.
var ErrUnknownNode = errors.New("unknown node")

// Directory is a membership view that also knows how to reach each member.
type Directory interface {
	replication.Membership

	// Address returns host:port of the member's HTTP endpoint.
	Address(node string) (string, bool)
}

// MeshConfig contains configuration for the HTTP mesh transport.
type MeshConfig struct {
	Directory      Directory
	Client         *http.Client // optional
	Scheme         string       // "http" or "https" (default: http)
	Compress       bool         // zstd-compress request bodies
	MaxMessageSize int64        // Largest accepted body after decompression (default: 16MiB)
	RateLimit      int          // Maximum inbound messages per second (default: 1000)
	RateBurst      int          // Maximum burst size for rate limiter (default: 100)
	Logger         zerolog.Logger
}

// Mesh implements replication.Transport over HTTP. Every message is a POST to
// /api/replication/{topic} on the receiving member. A publish reaches the
// members in parallel and returns once every one of them accepted it; the
// local member is served in-process.
type Mesh struct {
	dir            Directory
	client         *http.Client
	scheme         string
	compress       bool
	maxMessageSize int64
	limiter        *rate.Limiter
	logger         zerolog.Logger

	encoderPool sync.Pool
	decoderPool sync.Pool

	mu   sync.RWMutex
	next uint64
	subs map[string]map[uint64]replication.Handler
}

// NewMesh creates a new mesh transport.
func NewMesh(config MeshConfig) *Mesh {
	if config.Client == nil {
		config.Client = &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if config.Scheme == "" {
		config.Scheme = "http"
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = 16 << 20
	}
	if config.RateLimit == 0 {
		config.RateLimit = 1000
	}
	if config.RateBurst == 0 {
		config.RateBurst = 100
	}

	m := &Mesh{
		dir:            config.Directory,
		client:         config.Client,
		scheme:         config.Scheme,
		compress:       config.Compress,
		maxMessageSize: config.MaxMessageSize,
		limiter:        rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
		logger:         config.Logger.With().Str("component", "mesh-transport").Logger(),
		subs:           make(map[string]map[uint64]replication.Handler),
	}
	m.encoderPool.New = func() any {
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
		return enc
	}
	m.decoderPool.New = func() any {
		dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(uint64(config.MaxMessageSize)))
		return dec
	}
	return m
}

// Publish implements replication.Transport.
func (m *Mesh) Publish(ctx context.Context, topic string, data []byte) error {
	local := m.dir.LocalNode()
	members := m.dir.Members()
	sort.Strings(members)
	body, encoded := m.encode(data)

	g, gctx := errgroup.WithContext(ctx)
	for _, member := range members {
		if member == local {
			g.Go(func() error {
				m.deliver(local, topic, data)
				return nil
			})
			continue
		}
		g.Go(func() error {
			return m.post(gctx, member, topic, body, encoded)
		})
	}
	return g.Wait()
}

// Send implements replication.Transport.
func (m *Mesh) Send(ctx context.Context, node, topic string, data []byte) error {
	if node == m.dir.LocalNode() {
		m.deliver(node, topic, data)
		return nil
	}
	body, encoded := m.encode(data)
	return m.post(ctx, node, topic, body, encoded)
}

// Subscribe implements replication.Transport.
func (m *Mesh) Subscribe(topic string, h replication.Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.next
	m.next++
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[uint64]replication.Handler)
	}
	m.subs[topic][id] = h

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[topic], id)
	}
}

// ServeHTTP receives one message from another member. Handlers run before the
// request is answered, so a sender that waits for each POST keeps its
// messages in order.
func (m *Mesh) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	from := r.Header.Get(HeaderFrom)
	if topic == "" || from == "" {
		http.Error(w, "missing topic or sender", http.StatusBadRequest)
		return
	}
	if v := r.Header.Get(HeaderProtocol); v != "" && v != protocolV1 {
		http.Error(w, "unsupported protocol "+v, http.StatusBadRequest)
		return
	}

	if err := m.limiter.Wait(r.Context()); err != nil {
		m.logger.Warn().Str("from", from).Msg("rate limit exceeded, dropping replication message")
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, m.maxMessageSize))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	if r.Header.Get("Content-Encoding") == "zstd" {
		data, err = m.decode(data)
		if err != nil {
			http.Error(w, "decompress body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	m.logger.Debug().
		Str("from", from).
		Str("topic", topic).
		Int("size", len(data)).
		Msg("handling incoming replication message")

	m.deliver(from, topic, data)
	w.WriteHeader(http.StatusOK)
}

func (m *Mesh) post(ctx context.Context, node, topic string, body []byte, encoded bool) error {
	addr, ok := m.dir.Address(node)
	if !ok {
		return fmt.Errorf("send to %s: %w", node, ErrUnknownNode)
	}
	url := fmt.Sprintf("%s://%s/api/replication/%s", m.scheme, addr, topic)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderProtocol, protocolV1)
	req.Header.Set(HeaderFrom, m.dir.LocalNode())
	if encoded {
		req.Header.Set("Content-Encoding", "zstd")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s to %s: %w", topic, node, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("send %s to %s: unexpected status %d: %s", topic, node, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

func (m *Mesh) deliver(from, topic string, data []byte) {
	m.mu.RLock()
	ids := make([]uint64, 0, len(m.subs[topic]))
	for id := range m.subs[topic] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]replication.Handler, len(ids))
	for i, id := range ids {
		handlers[i] = m.subs[topic][id]
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		h(from, append([]byte(nil), data...))
	}
}

func (m *Mesh) encode(data []byte) ([]byte, bool) {
	if !m.compress {
		return data, false
	}
	enc := m.encoderPool.Get().(*zstd.Encoder)
	defer m.encoderPool.Put(enc)
	return enc.EncodeAll(data, nil), true
}

func (m *Mesh) decode(data []byte) ([]byte, error) {
	dec := m.decoderPool.Get().(*zstd.Decoder)
	defer m.decoderPool.Put(dec)
	return dec.DecodeAll(data, nil)
}
