package replication

import "context"

// Handler receives one inbound message together with the node that sent it.
type Handler func(from string, data []byte)

// Transport delivers messages between cluster members. Messages from one
// sender are delivered in publish order; nothing is guaranteed across senders.
type Transport interface {
	// Publish delivers data on topic to every live member, the sender included.
	Publish(ctx context.Context, topic string, data []byte) error

	// Send delivers data on topic to a single member.
	Send(ctx context.Context, node, topic string, data []byte) error

	// Subscribe registers h for topic. The returned func removes it.
	Subscribe(topic string, h Handler) (unsubscribe func())
}

// Membership exposes the current member set and member departures.
type Membership interface {
	// LocalNode returns the name of this node.
	LocalNode() string

	// Members returns the names of all live members, this node included.
	Members() []string

	// OnLeave registers fn to be called when a member leaves. The returned
	// func removes it.
	OnLeave(fn func(node string)) (remove func())
}
