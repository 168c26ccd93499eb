// Package proto defines the wire messages carried inside frames: the
// cleartext handshake pair (Hello/Ack) and the tagged JSON envelopes
// exchanged once a session is Established (Ping/Pong, mesh Message,
// delivery Ack, ContentRequest/Response, NameAnnounce). The tagged-type
// + JSON envelope style follows internal/proto/handshake.go and
// internal/proto/gossip.go.
package proto

import (
	"encoding/json"
	"fmt"
)

const ProtocolVersion = 1

// Message type tags for the encrypted envelope, dispatched by the
// session's tagged-variant match.
const (
	TypePing            = "ping"
	TypePong            = "pong"
	TypeMesh            = "mesh"
	TypeAck             = "ack"
	TypeContentRequest  = "content_request"
	TypeContentResponse = "content_response"
	TypeNameAnnounce    = "name_announce"
)

// Envelope is the outer tagged wrapper every post-handshake message is
// serialized as, so the dispatcher can peek Type before decoding the
// specific payload.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func Encode(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("proto: missing type")
	}
	return env, nil
}

type PingMsg struct {
	Ts int64 `json:"ts"`
}

type PongMsg struct {
	Ts int64 `json:"ts"`
}

// MeshMsg is the wire form of a forwarded application Message.
// Ciphertext is opaque to every relay except origin and target;
// Path/TTL are visible for loop prevention and decay.
type MeshMsg struct {
	MessageID  string   `json:"message_id"`
	Origin     string   `json:"origin_node"`
	Target     string   `json:"target_node"` // "" means broadcast
	Broadcast  bool     `json:"broadcast"`
	Ciphertext []byte   `json:"ciphertext"` // json marshals []byte as base64
	TTL        int      `json:"ttl"`
	Path       []string `json:"path"`
	CreatedAt  int64    `json:"created_at"`
}

type AckMsg struct {
	MessageID string `json:"message_id"`
}

type ContentRequestMsg struct {
	Path   string `json:"path"`
	HopTTL int    `json:"hop_ttl"`
	ReqID  string `json:"req_id"`
}

type ContentResponseMsg struct {
	ReqID       string `json:"req_id"`
	Path        string `json:"path"`
	Bytes       []byte `json:"bytes"`
	Signature   []byte `json:"signature"`
	PublishedAt int64  `json:"published_at"`
	Found       bool   `json:"found"`
}

type NameAnnounceMsg struct {
	Name      string `json:"name"`
	NodeID    string `json:"node_id"`
	Timestamp int64  `json:"timestamp"`
	ExpiresAt int64  `json:"expires_at"`
	Signature []byte `json:"signature"`
}
