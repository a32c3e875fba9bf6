package replication

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// TestMain verifies that no barrier, dispatcher or transport goroutine
// outlives the tests.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

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

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// mockNet is an in-memory cluster. Delivery is synchronous in the publishing
// goroutine, in member name order. Ghost members are listed as live but never
// receive anything.
type mockNet struct {
	mu     sync.Mutex
	nodes  map[string]*mockNode
	ghosts map[string]bool
}

func newMockNet(names ...string) *mockNet {
	n := &mockNet{
		nodes:  make(map[string]*mockNode),
		ghosts: make(map[string]bool),
	}
	for _, name := range names {
		n.nodes[name] = &mockNode{
			net:    n,
			name:   name,
			subs:   make(map[string]map[int]Handler),
			leaves: make(map[int]func(string)),
		}
	}
	return n
}

func (n *mockNet) node(name string) *mockNode {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[name]
}

func (n *mockNet) addGhost(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ghosts[name] = true
}

// leave removes a member and notifies the leave listeners of all others.
func (n *mockNet) leave(name string) {
	n.mu.Lock()
	delete(n.nodes, name)
	delete(n.ghosts, name)
	var listeners []func(string)
	for _, node := range n.nodes {
		listeners = append(listeners, node.leaveListeners()...)
	}
	n.mu.Unlock()

	for _, fn := range listeners {
		fn(name)
	}
}

func (n *mockNet) members() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.nodes)+len(n.ghosts))
	for name := range n.nodes {
		out = append(out, name)
	}
	for name := range n.ghosts {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// mockNode implements Transport and Membership for one member of a mockNet.
type mockNode struct {
	net  *mockNet
	name string

	mu         sync.Mutex
	subs       map[string]map[int]Handler
	leaves     map[int]func(string)
	next       int
	published  []string
	publishErr error
}

func (m *mockNode) Publish(ctx context.Context, topic string, data []byte) error {
	m.mu.Lock()
	m.published = append(m.published, topic)
	err := m.publishErr
	m.mu.Unlock()
	if err != nil {
		return err
	}

	for _, name := range m.net.members() {
		if target := m.net.node(name); target != nil {
			target.deliver(m.name, topic, data)
		}
	}
	return nil
}

func (m *mockNode) Send(ctx context.Context, node, topic string, data []byte) error {
	target := m.net.node(node)
	if target == nil {
		return fmt.Errorf("unknown node %s", node)
	}
	target.deliver(m.name, topic, data)
	return nil
}

func (m *mockNode) Subscribe(topic string, h Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[int]Handler)
	}
	id := m.next
	m.next++
	m.subs[topic][id] = h
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[topic], id)
	}
}

func (m *mockNode) LocalNode() string { return m.name }

func (m *mockNode) Members() []string { return m.net.members() }

func (m *mockNode) OnLeave(fn func(string)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	m.leaves[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.leaves, id)
	}
}

func (m *mockNode) deliver(from, topic string, data []byte) {
	m.mu.Lock()
	ids := make([]int, 0, len(m.subs[topic]))
	for id := range m.subs[topic] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, m.subs[topic][id])
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(from, append([]byte(nil), data...))
	}
}

func (m *mockNode) leaveListeners() []func(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]func(string), 0, len(m.leaves))
	for _, fn := range m.leaves {
		out = append(out, fn)
	}
	return out
}

func (m *mockNode) subscriptions(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[topic])
}

func (m *mockNode) leaveListenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leaves)
}

func (m *mockNode) publishedTopics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.published...)
}

// respond makes node answer every request on topic with failure (empty for
// success).
func respond(node *mockNode, topic, failure string) func() {
	return node.Subscribe(topic, func(from string, data []byte) {
		msg, err := UnmarshalMessage(data)
		if err != nil {
			return
		}
		req, err := msg.DecodeRequest()
		if err != nil {
			return
		}
		out, err := EncodeResponse(node.name, Response{
			RequestID: req.ID,
			Topic:     topic,
			Path:      req.Path,
			Failure:   failure,
		})
		if err != nil {
			return
		}
		_ = node.Send(context.Background(), from, TopicResponse, out)
	})
}
