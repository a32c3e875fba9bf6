package replication

import (
	"encoding/json"
	"fmt"

	"github.com/tunnelmesh/meshsync/internal/syncpath"
)

// ProtocolVersion is the current replication protocol version.
const ProtocolVersion = 1

// Topics carried by the transport. Every request topic is answered on
// TopicResponse by each member that received it.
const (
	TopicLock     = "lock"
	TopicUnlock   = "unlock"
	TopicDelete   = "delete"
	TopicTransfer = "transfer"
	TopicDiscard  = "discard"
	TopicStore    = "store"
	TopicResponse = "response"
)

// RequestTopics lists every topic that expects a response.
var RequestTopics = []string{
	TopicLock,
	TopicUnlock,
	TopicDelete,
	TopicTransfer,
	TopicDiscard,
	TopicStore,
}

// Message is the envelope for all replication protocol messages.
type Message struct {
	Version int             `json:"version"`
	Topic   string          `json:"topic"`
	ID      string          `json:"id"`   // request ID, echoed in responses
	From    string          `json:"from"` // publishing node
	Payload json.RawMessage `json:"payload"`
}

// Request is the payload of every request topic. Only the fields the verb
// needs are set: Data for transfer, Failure for discard, Checksum for store.
type Request struct {
	ID       string            `json:"-"`
	Path     syncpath.SyncPath `json:"path"`
	Data     []byte            `json:"data,omitempty"`
	Failure  string            `json:"failure,omitempty"`
	Checksum string            `json:"checksum,omitempty"`
}

// Response acknowledges one request on one member.
type Response struct {
	RequestID string            `json:"request_id"`
	Topic     string            `json:"topic"`
	Path      syncpath.SyncPath `json:"path"`
	Failure   string            `json:"failure,omitempty"` // empty on success
}

// EncodeRequest wraps a request in a message envelope.
func EncodeRequest(topic, from string, req Request) ([]byte, error) {
	return encode(topic, req.ID, from, req)
}

// EncodeResponse wraps a response in a message envelope.
func EncodeResponse(from string, resp Response) ([]byte, error) {
	return encode(TopicResponse, resp.RequestID, from, resp)
}

func encode(topic, id, from string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", topic, err)
	}

	msg := Message{
		Version: ProtocolVersion,
		Topic:   topic,
		ID:      id,
		From:    from,
		Payload: data,
	}
	out, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return out, nil
}

// UnmarshalMessage deserializes a message envelope.
func UnmarshalMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	if msg.Version != ProtocolVersion {
		return nil, fmt.Errorf("incompatible protocol version: got %d, expected %d", msg.Version, ProtocolVersion)
	}
	return &msg, nil
}

// DecodeRequest decodes a request payload from a message.
func (m *Message) DecodeRequest() (*Request, error) {
	if m.Topic == TopicResponse {
		return nil, fmt.Errorf("message topic is %s, not a request", m.Topic)
	}

	var req Request
	if err := json.Unmarshal(m.Payload, &req); err != nil {
		return nil, fmt.Errorf("unmarshal %s request: %w", m.Topic, err)
	}
	req.ID = m.ID
	return &req, nil
}

// DecodeResponse decodes a response payload from a message.
func (m *Message) DecodeResponse() (*Response, error) {
	if m.Topic != TopicResponse {
		return nil, fmt.Errorf("message topic is %s, not response", m.Topic)
	}

	var resp Response
	if err := json.Unmarshal(m.Payload, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}
