// Package transport implements replication.Transport and
// replication.Membership: Hub for nodes sharing one process and Mesh for
// nodes talking HTTP.
package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tunnelmesh/meshsync/internal/coord/replication"
)

// Hub connects nodes living in one process. Delivery is synchronous in the
// publishing goroutine, which preserves per-sender order.
type Hub struct {
	mu    sync.RWMutex
	nodes map[string]*HubNode
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{nodes: make(map[string]*HubNode)}
}

// Join adds a member. Joining twice under one name returns the existing node.
func (h *Hub) Join(name string) *HubNode {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n, ok := h.nodes[name]; ok {
		return n
	}
	n := &HubNode{
		hub:    h,
		name:   name,
		subs:   make(map[string]map[uint64]replication.Handler),
		leaves: make(map[uint64]func(string)),
	}
	h.nodes[name] = n
	return n
}

// Leave removes a member and notifies the leave listeners of the others.
func (h *Hub) Leave(name string) {
	h.mu.Lock()
	if _, ok := h.nodes[name]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.nodes, name)
	remaining := make([]*HubNode, 0, len(h.nodes))
	for _, n := range h.nodes {
		remaining = append(remaining, n)
	}
	h.mu.Unlock()

	for _, n := range remaining {
		for _, fn := range n.leaveListeners() {
			fn(name)
		}
	}
}

// Members returns the names of all members, sorted.
func (h *Hub) Members() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.nodes))
	for name := range h.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *Hub) node(name string) *HubNode {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.nodes[name]
}

// HubNode is one member of a Hub.
type HubNode struct {
	hub  *Hub
	name string

	mu     sync.Mutex
	next   uint64
	subs   map[string]map[uint64]replication.Handler
	leaves map[uint64]func(string)
}

// Publish implements replication.Transport.
func (n *HubNode) Publish(ctx context.Context, topic string, data []byte) error {
	for _, name := range n.hub.Members() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if target := n.hub.node(name); target != nil {
			target.deliver(n.name, topic, data)
		}
	}
	return nil
}

// Send implements replication.Transport.
func (n *HubNode) Send(ctx context.Context, node, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target := n.hub.node(node)
	if target == nil {
		return fmt.Errorf("send to %s: %w", node, ErrUnknownNode)
	}
	target.deliver(n.name, topic, data)
	return nil
}

// Subscribe implements replication.Transport.
func (n *HubNode) Subscribe(topic string, h replication.Handler) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.next
	n.next++
	if n.subs[topic] == nil {
		n.subs[topic] = make(map[uint64]replication.Handler)
	}
	n.subs[topic][id] = h

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs[topic], id)
	}
}

// LocalNode implements replication.Membership.
func (n *HubNode) LocalNode() string { return n.name }

// Members implements replication.Membership.
func (n *HubNode) Members() []string { return n.hub.Members() }

// OnLeave implements replication.Membership.
func (n *HubNode) OnLeave(fn func(node string)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.next
	n.next++
	n.leaves[id] = fn

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.leaves, id)
	}
}

// Close leaves the hub.
func (n *HubNode) Close() error {
	n.hub.Leave(n.name)
	return nil
}

// deliver runs the handlers of topic in subscription order. Handlers get
// their own copy of data.
func (n *HubNode) deliver(from, topic string, data []byte) {
	n.mu.Lock()
	ids := make([]uint64, 0, len(n.subs[topic]))
	for id := range n.subs[topic] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]replication.Handler, len(ids))
	for i, id := range ids {
		handlers[i] = n.subs[topic][id]
	}
	n.mu.Unlock()

	for _, h := range handlers {
		h(from, append([]byte(nil), data...))
	}
}

func (n *HubNode) leaveListeners() []func(string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]func(string), 0, len(n.leaves))
	for _, fn := range n.leaves {
		out = append(out, fn)
	}
	return out
}
