package proto

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// MaxHandshakeSize bounds a cleartext HELLO/ACK envelope, well under
// MaxFrameSize; handshake frames never carry bulk content.
const MaxHandshakeSize = 16 << 10

const (
	MsgTypeHello = "hello"
	MsgTypeAck   = "ack"
)

// HelloMsg is sent by both the dialing and accepting side immediately
// on Init: {magic, version, node_id, public_key}. The canonical
// serialization is length-delimited JSON, following the
// Hello1Msg/Hello2Msg shape of internal/proto/handshake.go.
type HelloMsg struct {
	Type       string `json:"type"`
	Magic      string `json:"magic"`
	Version    int    `json:"version"`
	NodeID     string `json:"node_id"`
	PubKey     string `json:"pubkey"`
	ListenAddr string `json:"listen_addr,omitempty"`
	Ephemeral  string `json:"ephemeral"`
	Sig        string `json:"sig"`
}

const HandshakeMagic = "ELYS"

func EncodeHello(m HelloMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeHello
	}
	if m.Magic == "" {
		m.Magic = HandshakeMagic
	}
	return json.Marshal(m)
}

func DecodeHello(data []byte) (HelloMsg, error) {
	var m HelloMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return HelloMsg{}, err
	}
	if m.Magic != HandshakeMagic {
		return HelloMsg{}, fmt.Errorf("proto: bad handshake magic %q", m.Magic)
	}
	if m.Type != MsgTypeHello {
		return HelloMsg{}, fmt.Errorf("proto: unexpected msg type %q", m.Type)
	}
	return m, nil
}

// HandshakeAckMsg carries the sealed session key established during
// KeyExchange (ACK{sealed K, nonce}). Named HandshakeAckMsg to
// avoid clashing with the post-handshake delivery AckMsg in proto.go.
type HandshakeAckMsg struct {
	Type         string `json:"type"`
	NodeID       string `json:"node_id"`
	SealedKey    string `json:"sealed_key"`
	Nonce        string `json:"nonce"`
	Sig          string `json:"sig"`
}

func EncodeHandshakeAck(m HandshakeAckMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeAck
	}
	return json.Marshal(m)
}

func DecodeHandshakeAck(data []byte) (HandshakeAckMsg, error) {
	var m HandshakeAckMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return HandshakeAckMsg{}, err
	}
	if m.Type != MsgTypeAck {
		return HandshakeAckMsg{}, fmt.Errorf("proto: unexpected msg type %q", m.Type)
	}
	return m, nil
}

// HelloSigInput builds the bytes signed over a HELLO to prove
// possession of the identity private key behind pubkey, binding
// node_id, ephemeral public key and the listen address.
func HelloSigInput(nodeID, ephemeral []byte, listenAddr string) []byte {
	buf := make([]byte, 0, len(nodeID)+len(ephemeral)+len(listenAddr))
	buf = append(buf, nodeID...)
	buf = append(buf, ephemeral...)
	buf = append(buf, []byte(listenAddr)...)
	return buf
}

func HexEncode(b []byte) string { return hex.EncodeToString(b) }

func HexDecode(s string) ([]byte, error) { return hex.DecodeString(s) }
