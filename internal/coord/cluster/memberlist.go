// Package cluster tracks meshsync cluster membership with hashicorp/memberlist.
package cluster

import (
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/rs/zerolog"
)

// NodeMeta is gossiped with every member so that peers can reach its HTTP API.
type NodeMeta struct {
	Address string `json:"address"` // HTTP advertise address, host:port
}

// Config contains configuration for cluster membership.
type Config struct {
	NodeName      string   // Unique member name
	BindAddr      string   // Gossip address, e.g. ":7946"
	AdvertiseAddr string   // This node's HTTP address, stored in NodeMeta
	Seeds         []string // Gossip addresses of members to join
	Logger        zerolog.Logger
}

// Memberlist implements replication.Membership and transport.Directory on top
// of a gossip cluster.
type Memberlist struct {
	ml     *memberlist.Memberlist
	name   string
	meta   []byte
	logger zerolog.Logger

	mu        sync.RWMutex
	addresses map[string]string
	next      uint64
	listeners map[uint64]func(string)
}

// New creates the local member and joins the seeds. Failing to reach seeds is
// logged, not returned: gossip will retry when they come up.
func New(config Config) (*Memberlist, error) {
	cfg := memberlist.DefaultLANConfig()
	cfg.Name = config.NodeName

	host, port, err := net.SplitHostPort(config.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid bind address %q: %w", config.BindAddr, err)
	}
	portNum, err := net.LookupPort("tcp", port)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", port, err)
	}
	if host == "" {
		host = "0.0.0.0"
	}
	cfg.BindAddr = host
	cfg.BindPort = portNum

	cfg.TCPTimeout = 10 * time.Second
	cfg.IndirectChecks = 3
	cfg.RetransmitMult = 4
	cfg.SuspicionMult = 4
	cfg.ProbeTimeout = 500 * time.Millisecond
	cfg.ProbeInterval = 1 * time.Second
	cfg.GossipInterval = 200 * time.Millisecond
	cfg.GossipNodes = 3

	m := &Memberlist{
		name:      config.NodeName,
		logger:    config.Logger.With().Str("component", "membership").Logger(),
		addresses: make(map[string]string),
		listeners: make(map[uint64]func(string)),
	}
	m.meta, err = json.Marshal(NodeMeta{Address: config.AdvertiseAddr})
	if err != nil {
		return nil, fmt.Errorf("marshal node meta: %w", err)
	}
	m.addresses[config.NodeName] = config.AdvertiseAddr

	cfg.Delegate = m
	cfg.Events = m
	cfg.LogOutput = &logAdapter{logger: m.logger}

	ml, err := memberlist.Create(cfg)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}
	m.ml = ml

	if len(config.Seeds) > 0 {
		if err := m.Join(config.Seeds); err != nil {
			m.logger.Warn().Err(err).Strs("seeds", config.Seeds).Msg("failed to join some seed nodes (will retry via gossip)")
		}
	}
	return m, nil
}

// Join attempts to join the cluster by contacting seed nodes.
// Returns error only if ALL seeds fail (partial success is OK).
func (m *Memberlist) Join(seeds []string) error {
	if len(seeds) == 0 {
		return nil
	}

	joined, err := m.ml.Join(seeds)
	if err != nil {
		return fmt.Errorf("join cluster: %w", err)
	}
	if joined == 0 {
		return fmt.Errorf("failed to join any seed nodes")
	}

	m.logger.Info().Int("joined", joined).Int("total_seeds", len(seeds)).Msg("joined cluster")
	return nil
}

// LocalNode implements replication.Membership.
func (m *Memberlist) LocalNode() string { return m.name }

// Members implements replication.Membership. Names are sorted.
func (m *Memberlist) Members() []string {
	nodes := m.ml.Members()
	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.Name)
	}
	sort.Strings(names)
	return names
}

// GossipAddr returns the address other members use to join this one.
func (m *Memberlist) GossipAddr() string {
	n := m.ml.LocalNode()
	return net.JoinHostPort(n.Addr.String(), fmt.Sprint(n.Port))
}

// NumMembers returns the number of live nodes in the cluster.
func (m *Memberlist) NumMembers() int {
	return m.ml.NumMembers()
}

// OnLeave implements replication.Membership.
func (m *Memberlist) OnLeave(fn func(node string)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.next
	m.next++
	m.listeners[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Address implements transport.Directory.
func (m *Memberlist) Address(node string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	addr, ok := m.addresses[node]
	return addr, ok && addr != ""
}

// Leave gracefully leaves the cluster.
func (m *Memberlist) Leave() error {
	if err := m.ml.Leave(5 * time.Second); err != nil {
		return fmt.Errorf("leave cluster: %w", err)
	}
	return nil
}

// Shutdown shuts down the memberlist instance.
func (m *Memberlist) Shutdown() error {
	if err := m.ml.Shutdown(); err != nil {
		return fmt.Errorf("shutdown memberlist: %w", err)
	}
	return nil
}

// NodeMeta implements memberlist.Delegate.
func (m *Memberlist) NodeMeta(limit int) []byte {
	if len(m.meta) > limit {
		m.logger.Error().Int("size", len(m.meta)).Int("limit", limit).Msg("node meta too large")
		return nil
	}
	return m.meta
}

// NotifyMsg implements memberlist.Delegate. User messages are not used.
func (m *Memberlist) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate.
func (m *Memberlist) GetBroadcasts(overhead, limit int) [][]byte { return nil }

// LocalState implements memberlist.Delegate.
func (m *Memberlist) LocalState(join bool) []byte { return nil }

// MergeRemoteState implements memberlist.Delegate.
func (m *Memberlist) MergeRemoteState(buf []byte, join bool) {}

// NotifyJoin implements memberlist.EventDelegate.
func (m *Memberlist) NotifyJoin(n *memberlist.Node) {
	m.learn(n)
	m.logger.Info().Str("node", n.Name).Str("addr", n.Address()).Msg("member joined")
}

// NotifyUpdate implements memberlist.EventDelegate.
func (m *Memberlist) NotifyUpdate(n *memberlist.Node) {
	m.learn(n)
}

// NotifyLeave implements memberlist.EventDelegate. Listeners run in the
// memberlist goroutine and must not block.
func (m *Memberlist) NotifyLeave(n *memberlist.Node) {
	m.mu.Lock()
	delete(m.addresses, n.Name)
	listeners := make([]func(string), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	m.logger.Info().Str("node", n.Name).Msg("member left")
	for _, fn := range listeners {
		fn(n.Name)
	}
}

func (m *Memberlist) learn(n *memberlist.Node) {
	var meta NodeMeta
	if len(n.Meta) > 0 {
		if err := json.Unmarshal(n.Meta, &meta); err != nil {
			m.logger.Warn().Err(err).Str("node", n.Name).Msg("ignoring malformed node meta")
			return
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addresses[n.Name] = meta.Address
}

// logAdapter adapts memberlist's log output to zerolog.
type logAdapter struct {
	logger zerolog.Logger
}

func (l *logAdapter) Write(p []byte) (n int, err error) {
	l.logger.Debug().Str("source", "memberlist").Msg(string(p))
	return len(p), nil
}
