// Package session implements the per-connection handshake state
// machine, encrypted frame dispatch, keepalive and teardown. It is
// grounded on internal/node/session.go's SessionState / SessionStore
// (nonce counters, key storage) and internal/proto/handshake.go's
// Hello1/Hello2 exchange shape, adapted from Web4's ML-KEM-hybrid
// HELLO to a classical RSA-2048 + X25519 + AES-256-GCM path.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/borisgraudt/elysium/internal/elycrypto"
	"github.com/borisgraudt/elysium/internal/elyerr"
	"github.com/borisgraudt/elysium/internal/elylog"
	"github.com/borisgraudt/elysium/internal/proto"
	"github.com/borisgraudt/elysium/internal/wire"
)

// State enumerates the session FSM states.
type State int

const (
	StateInit State = iota
	StateSendHello
	StateRecvHello
	StateKeyExchange
	StateEstablished
	StatePing
	StateBackoff
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateSendHello:
		return "send_hello"
	case StateRecvHello:
		return "recv_hello"
	case StateKeyExchange:
		return "key_exchange"
	case StateEstablished:
		return "established"
	case StatePing:
		return "ping"
	case StateBackoff:
		return "backoff"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// replayWindowBits is the width of the out-of-order acceptance window
// for inbound nonces ("out-of-order receive within a small
// window is accepted; replay outside window is rejected").
const replayWindowBits = 64

// Identity is the minimal capability a Session needs from the node's
// identity, kept as an interface so session has no import cycle onto
// the identity package's concrete type.
type Identity interface {
	ID() [32]byte
	PublicKey() []byte
	Sign(digest []byte) ([]byte, error)
}

// Handler receives dispatched application-level messages once a
// session reaches Established. Implementations must not block for long;
// the reader loop is single-threaded per session.
type Handler interface {
	OnMesh(s *Session, m proto.MeshMsg)
	OnAck(s *Session, m proto.AckMsg)
	OnContentRequest(s *Session, m proto.ContentRequestMsg)
	OnContentResponse(s *Session, m proto.ContentResponseMsg)
	OnNameAnnounce(s *Session, m proto.NameAnnounceMsg)
}

// Session is bound to one peer connection: a shared session key per
// direction, monotonic send counter, a replay window for receive, the
// negotiated protocol version and the peer's verified public key.
type Session struct {
	conn       net.Conn
	selfNodeID [32]byte
	PeerNodeID [32]byte
	PeerPubKey []byte
	Initiator  bool
	Version    int

	mu         sync.Mutex
	state      State
	sendSeq    uint64
	highestSeq uint64
	haveRecv   bool
	recvWindow uint64 // bitset of accepted seqs relative to highestSeq

	keys elycrypto.SessionKeys

	writeQueue chan []byte // bounded outbound queue, applies backpressure
	closeOnce  sync.Once
	closed     chan struct{}

	lastPong    chan struct{}
	pingWaiters map[int64]chan struct{}
	handler     Handler

	latencyEWMA   float64
	latencyAlpha  float64
	haveLatency   bool
	onBackoff     func(reason error)
}

// Config tunes keepalive/backoff timings and queue depth.
type Config struct {
	HandshakeTimeout time.Duration
	IdlePingInterval time.Duration
	PingTimeout      time.Duration
	WriterQueueCap   int
	LatencyAlpha     float64
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		IdlePingInterval: 30 * time.Second,
		PingTimeout:      10 * time.Second,
		WriterQueueCap:   1024,
		LatencyAlpha:     0.3,
	}
}

// Handshake performs the HELLO/ACK exchange over conn and returns an
// Established Session. The role is read from conn (see isDialSide):
// the dial side sends its HELLO first and the accept side reads
// first; both sides run the same function with opposite roles.
func Handshake(conn net.Conn, self Identity, cfg Config, handler Handler, onBackoff func(error)) (*Session, error) {
	_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	eph, err := elycrypto.GenerateEphemeral()
	if err != nil {
		return nil, err
	}
	defer eph.Destroy()
	myEphPub, err := eph.Public()
	if err != nil {
		return nil, err
	}

	selfID := self.ID()
	listenAddr := ""
	mySig, err := self.Sign(elycrypto.SHA3_256(proto.HelloSigInput(selfID[:], myEphPub, listenAddr)))
	if err != nil {
		return nil, err
	}
	myHello := proto.HelloMsg{
		Version:    proto.ProtocolVersion,
		NodeID:     proto.HexEncode(selfID[:]),
		PubKey:     proto.HexEncode(self.PublicKey()),
		ListenAddr: listenAddr,
		Ephemeral:  proto.HexEncode(myEphPub),
		Sig:        proto.HexEncode(mySig),
	}
	myHelloBytes, err := proto.EncodeHello(myHello)
	if err != nil {
		return nil, err
	}

	var initiator bool
	var peerHello proto.HelloMsg

	// Whoever holds the TCP connection's dial side sends first; the
	// accept side reads first. This mirrors the Init->SendHello vs
	// Init->RecvHello transitions without requiring out-of-band role
	// negotiation: dialing is inherently the "outgoing dial ok" event.
	if isDialSide(conn) {
		initiator = true
		if err := wire.WriteFrame(conn, myHelloBytes); err != nil {
			return nil, fmt.Errorf("session: send hello: %w", err)
		}
		peerBytes, err := wire.ReadFrame(conn)
		if err != nil {
			return nil, fmt.Errorf("session: recv hello: %w", err)
		}
		peerHello, err = proto.DecodeHello(peerBytes)
		if err != nil {
			return nil, fmt.Errorf("session: decode hello: %w", err)
		}
	} else {
		initiator = false
		peerBytes, err := wire.ReadFrame(conn)
		if err != nil {
			return nil, fmt.Errorf("session: recv hello: %w", err)
		}
		peerHello, err = proto.DecodeHello(peerBytes)
		if err != nil {
			return nil, fmt.Errorf("session: decode hello: %w", err)
		}
		if err := wire.WriteFrame(conn, myHelloBytes); err != nil {
			return nil, fmt.Errorf("session: send hello: %w", err)
		}
	}

	if peerHello.Version != proto.ProtocolVersion {
		return nil, elyerr.ErrVersionUnsupported
	}

	peerID, err := proto.HexDecode(peerHello.NodeID)
	if err != nil || len(peerID) != 32 {
		return nil, fmt.Errorf("session: %w: bad peer node_id", elyerr.ErrProtocolViolation)
	}
	peerPub, err := proto.HexDecode(peerHello.PubKey)
	if err != nil {
		return nil, fmt.Errorf("session: %w: bad peer pubkey", elyerr.ErrProtocolViolation)
	}
	peerEphPub, err := proto.HexDecode(peerHello.Ephemeral)
	if err != nil || len(peerEphPub) != elycrypto.X25519Size {
		return nil, fmt.Errorf("session: %w: bad peer ephemeral", elyerr.ErrProtocolViolation)
	}
	peerSig, err := proto.HexDecode(peerHello.Sig)
	if err != nil {
		return nil, fmt.Errorf("session: %w: bad peer sig", elyerr.ErrProtocolViolation)
	}
	var peerIDFixed [32]byte
	copy(peerIDFixed[:], peerID)
	if !elycrypto.VerifyDigest(peerPub, elycrypto.SHA3_256(proto.HelloSigInput(peerIDFixed[:], peerEphPub, peerHello.ListenAddr)), peerSig) {
		elylog.Security("handshake sig verify failed from %x", peerIDFixed)
		return nil, elyerr.ErrAuthFailure
	}
	if identityDeriveCheck(peerPub, peerIDFixed) == false {
		elylog.Security("handshake node_id/pubkey mismatch from %x", peerIDFixed)
		return nil, elyerr.ErrAuthFailure
	}

	shared, err := eph.Shared(peerEphPub)
	if err != nil {
		return nil, fmt.Errorf("session: ecdh: %w", err)
	}
	transcript := buildTranscript(selfID, peerIDFixed, myEphPub, peerEphPub)
	keys, err := elycrypto.DeriveSessionKeys(shared, transcript, initiator)
	if err != nil {
		return nil, err
	}

	// KeyExchange -> Established: an ACK confirms both sides derived
	// the same keys without revealing them, by sealing a known marker.
	ackPlain := []byte("elysium-ack")
	ackSealed, err := wire.SealFrame(keys.SendKey, ackPlain, selfID, byte(wire.TypeEncrypted))
	if err != nil {
		return nil, err
	}
	ackMsg := proto.HandshakeAckMsg{NodeID: proto.HexEncode(selfID[:]), SealedKey: proto.HexEncode(ackSealed)}
	ackBytes, err := proto.EncodeHandshakeAck(ackMsg)
	if err != nil {
		return nil, err
	}

	var peerAck proto.HandshakeAckMsg
	if initiator {
		if err := wire.WriteFrame(conn, ackBytes); err != nil {
			return nil, err
		}
		peerAckBytes, err := wire.ReadFrame(conn)
		if err != nil {
			return nil, err
		}
		peerAck, err = proto.DecodeHandshakeAck(peerAckBytes)
		if err != nil {
			return nil, err
		}
	} else {
		peerAckBytes, err := wire.ReadFrame(conn)
		if err != nil {
			return nil, err
		}
		peerAck, err = proto.DecodeHandshakeAck(peerAckBytes)
		if err != nil {
			return nil, err
		}
		if err := wire.WriteFrame(conn, ackBytes); err != nil {
			return nil, err
		}
	}
	peerAckSealed, err := proto.HexDecode(peerAck.SealedKey)
	if err != nil {
		return nil, fmt.Errorf("session: %w: bad ack", elyerr.ErrProtocolViolation)
	}
	if _, err := wire.OpenFrame(keys.RecvKey, peerAckSealed, peerIDFixed, byte(wire.TypeEncrypted)); err != nil {
		elylog.Security("handshake ack open failed from %x", peerIDFixed)
		return nil, elyerr.ErrAuthFailure
	}

	s := &Session{
		conn:         conn,
		selfNodeID:   selfID,
		PeerNodeID:   peerIDFixed,
		PeerPubKey:   peerPub,
		Initiator:    initiator,
		Version:      peerHello.Version,
		state:        StateEstablished,
		keys:         keys,
		writeQueue:   make(chan []byte, cfg.WriterQueueCap),
		closed:       make(chan struct{}),
		lastPong:     make(chan struct{}, 1),
		handler:      handler,
		latencyAlpha: cfg.LatencyAlpha,
		onBackoff:    onBackoff,
	}
	go s.writerLoop()
	go s.readerLoop()
	go s.keepaliveLoop(cfg.IdlePingInterval, cfg.PingTimeout)
	return s, nil
}

func identityDeriveCheck(pub []byte, claimedID [32]byte) bool {
	return deriveNodeID(pub) == claimedID
}

// deriveNodeID mirrors identity.DeriveNodeID without importing the
// identity package (which would create an import cycle through the
// Identity interface's callers); both use the same label and hash.
func deriveNodeID(pub []byte) [32]byte {
	const label = "elysium:nodeid:v1"
	buf := make([]byte, 0, len(label)+len(pub))
	buf = append(buf, []byte(label)...)
	buf = append(buf, pub...)
	sum := elycrypto.SHA3_256(buf)
	var id [32]byte
	copy(id[:], sum)
	return id
}

func buildTranscript(a, b [32]byte, eA, eB []byte) []byte {
	buf := make([]byte, 0, 64+len(eA)+len(eB))
	buf = append(buf, a[:]...)
	buf = append(buf, b[:]...)
	buf = append(buf, eA...)
	buf = append(buf, eB...)
	return buf
}

// isDialSide reports whether conn is the outbound (client) side.
// net.Conn has no generic method for this, so the role is taken from a
// DialSide() method when conn has one (HandshakeAs wraps every conn in
// a roleConn that does); a conn without it is treated as the dial side.
func isDialSide(conn net.Conn) bool {
	type roleTagged interface{ DialSide() bool }
	if rt, ok := conn.(roleTagged); ok {
		return rt.DialSide()
	}
	return true
}

// HandshakeAs is the role-explicit entry point production code should
// use: dial() calls with initiator=true, Accept() loops call with
// initiator=false.
func HandshakeAs(conn net.Conn, initiator bool, self Identity, cfg Config, handler Handler, onBackoff func(error)) (*Session, error) {
	return handshakeRole(conn, initiator, self, cfg, handler, onBackoff)
}

func handshakeRole(conn net.Conn, initiator bool, self Identity, cfg Config, handler Handler, onBackoff func(error)) (*Session, error) {
	return Handshake(&roleConn{Conn: conn, dialSide: initiator}, self, cfg, handler, onBackoff)
}

type roleConn struct {
	net.Conn
	dialSide bool
}

func (r *roleConn) DialSide() bool { return r.dialSide }

// State returns the session's current FSM state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LatencyEWMA returns the current latency estimate in milliseconds and
// whether at least one sample has been observed.
func (s *Session) LatencyEWMA() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latencyEWMA, s.haveLatency
}

// Send serializes and seals an application message, enqueuing it on
// the session's bounded writer queue ( backpressure: overflow
// returns elyerr.ErrCapacity rather than blocking the caller).
func (s *Session) Send(msgType string, payload any) error {
	body, err := proto.Encode(msgType, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.state != StateEstablished && s.state != StatePing {
		s.mu.Unlock()
		return elyerr.ErrProtocolViolation
	}
	seq := s.sendSeq
	s.sendSeq++
	s.mu.Unlock()

	nonce, err := elycrypto.NonceFromBase(s.keys.NonceBaseSend, seq)
	if err != nil {
		return err
	}
	sealed, err := wire.SealFrameWithNonce(s.keys.SendKey, nonce, body, s.selfNodeID, byte(wire.TypeEncrypted))
	if err != nil {
		return err
	}
	frame, err := wire.EncodeFrame(sealed)
	if err != nil {
		return err
	}
	select {
	case s.writeQueue <- frame:
		return nil
	default:
		return elyerr.ErrCapacity
	}
}

// Ping sends an application-level ping over the session and blocks
// until the matching pong arrives or ctx is done, returning the
// observed round-trip time in milliseconds. Backs the management
// API's ping(node_id, timeout) operation , independent of the
// session's own idle keepalive pings.
func (s *Session) Ping(ctx context.Context) (float64, error) {
	ts := time.Now().UnixMilli()
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	if s.pingWaiters == nil {
		s.pingWaiters = make(map[int64]chan struct{})
	}
	s.pingWaiters[ts] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pingWaiters, ts)
		s.mu.Unlock()
	}()

	if err := s.Send(proto.TypePing, proto.PingMsg{Ts: ts}); err != nil {
		return 0, err
	}
	select {
	case <-ch:
		return float64(time.Now().UnixMilli() - ts), nil
	case <-ctx.Done():
		return 0, elyerr.ErrTimeout
	case <-s.closed:
		return 0, elyerr.ErrTimeout
	}
}

func (s *Session) writerLoop() {
	for {
		select {
		case frame := <-s.writeQueue:
			if _, err := s.conn.Write(frame); err != nil {
				s.fail(fmt.Errorf("session: write: %w", err))
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Session) readerLoop() {
	for {
		body, err := wire.ReadFrame(s.conn)
		if err != nil {
			s.fail(fmt.Errorf("session: read: %w", err))
			return
		}
		plain, err := s.decryptInbound(body)
		if err != nil {
			if errors.Is(err, errReplay) {
				continue // drop silently, not fatal to the session
			}
			elylog.Security("frame auth failure from %x: %v", s.PeerNodeID, err)
			s.fail(elyerr.ErrAuthFailure)
			return
		}
		env, err := proto.DecodeEnvelope(plain)
		if err != nil {
			s.fail(elyerr.ErrProtocolViolation)
			return
		}
		s.dispatch(env)
	}
}

var errReplay = errors.New("session: replayed or duplicate sequence")

func (s *Session) decryptInbound(body []byte) ([]byte, error) {
	if len(body) < elycrypto.NonceSize {
		return nil, elyerr.ErrProtocolViolation
	}
	nonce := body[:elycrypto.NonceSize]
	seq, err := seqFromNonce(s.keys.NonceBaseRecv, nonce)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	accept := s.acceptSeqLocked(seq)
	s.mu.Unlock()
	if !accept {
		return nil, errReplay
	}
	pt, err := wire.OpenFrame(s.keys.RecvKey, body, s.PeerNodeID, byte(wire.TypeEncrypted))
	if err != nil {
		return nil, err
	}
	return pt, nil
}

func seqFromNonce(base, nonce []byte) (uint64, error) {
	if len(base) != elycrypto.NonceSize || len(nonce) != elycrypto.NonceSize {
		return 0, elyerr.ErrProtocolViolation
	}
	var seq uint64
	for i := 0; i < 8; i++ {
		b := nonce[elycrypto.NonceSize-8+i] ^ base[elycrypto.NonceSize-8+i]
		seq = seq<<8 | uint64(b)
	}
	return seq, nil
}

// acceptSeqLocked implements the sliding replay window: sequences
// above highestSeq always advance the window; sequences within
// replayWindowBits behind highestSeq are accepted once; anything older
// or already marked is a replay. Caller holds s.mu.
func (s *Session) acceptSeqLocked(seq uint64) bool {
	if !s.haveRecv {
		s.haveRecv = true
		s.highestSeq = seq
		s.recvWindow = 1
		return true
	}
	if seq > s.highestSeq {
		shift := seq - s.highestSeq
		if shift >= replayWindowBits {
			s.recvWindow = 0
		} else {
			s.recvWindow <<= shift
		}
		s.recvWindow |= 1
		s.highestSeq = seq
		return true
	}
	back := s.highestSeq - seq
	if back >= replayWindowBits {
		return false
	}
	bit := uint64(1) << back
	if s.recvWindow&bit != 0 {
		return false
	}
	s.recvWindow |= bit
	return true
}

func (s *Session) dispatch(env proto.Envelope) {
	if s.handler == nil && env.Type != proto.TypePing && env.Type != proto.TypePong {
		return
	}
	switch env.Type {
	case proto.TypePing:
		var m proto.PingMsg
		if json.Unmarshal(env.Payload, &m) == nil {
			_ = s.Send(proto.TypePong, proto.PongMsg{Ts: m.Ts})
		}
	case proto.TypePong:
		var m proto.PongMsg
		if json.Unmarshal(env.Payload, &m) == nil {
			s.observeLatency(m.Ts)
			select {
			case s.lastPong <- struct{}{}:
			default:
			}
			s.mu.Lock()
			ch, ok := s.pingWaiters[m.Ts]
			if ok {
				delete(s.pingWaiters, m.Ts)
			}
			s.mu.Unlock()
			if ok {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	case proto.TypeMesh:
		var m proto.MeshMsg
		if json.Unmarshal(env.Payload, &m) == nil {
			s.handler.OnMesh(s, m)
		}
	case proto.TypeAck:
		var m proto.AckMsg
		if json.Unmarshal(env.Payload, &m) == nil {
			s.handler.OnAck(s, m)
		}
	case proto.TypeContentRequest:
		var m proto.ContentRequestMsg
		if json.Unmarshal(env.Payload, &m) == nil {
			s.handler.OnContentRequest(s, m)
		}
	case proto.TypeContentResponse:
		var m proto.ContentResponseMsg
		if json.Unmarshal(env.Payload, &m) == nil {
			s.handler.OnContentResponse(s, m)
		}
	case proto.TypeNameAnnounce:
		var m proto.NameAnnounceMsg
		if json.Unmarshal(env.Payload, &m) == nil {
			s.handler.OnNameAnnounce(s, m)
		}
	default:
		// unknown tag under the current protocol version: a violation,
		// not silently ignored.
		s.fail(elyerr.ErrProtocolViolation)
	}
}

func (s *Session) observeLatency(sentAtMillis int64) {
	sample := float64(time.Now().UnixMilli() - sentAtMillis)
	if sample < 0 {
		sample = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveLatency {
		s.latencyEWMA = sample
		s.haveLatency = true
		return
	}
	s.latencyEWMA = s.latencyAlpha*sample + (1-s.latencyAlpha)*s.latencyEWMA
}

func (s *Session) keepaliveLoop(idle, pingTimeout time.Duration) {
	timer := time.NewTimer(idle)
	defer timer.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-timer.C:
			sentAt := time.Now().UnixMilli()
			s.mu.Lock()
			s.state = StatePing
			s.mu.Unlock()
			if err := s.Send(proto.TypePing, proto.PingMsg{Ts: sentAt}); err != nil {
				s.fail(fmt.Errorf("session: ping send: %w", err))
				return
			}
			select {
			case <-s.lastPong:
				s.mu.Lock()
				s.state = StateEstablished
				s.mu.Unlock()
				timer.Reset(idle)
			case <-time.After(pingTimeout):
				s.fail(elyerr.ErrTimeout)
				return
			case <-s.closed:
				return
			}
		}
	}
}

func (s *Session) fail(reason error) {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateBackoff {
		s.mu.Unlock()
		return
	}
	s.state = StateBackoff
	s.mu.Unlock()
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
	if s.onBackoff != nil {
		s.onBackoff(reason)
	}
}

// Close tears the session down gracefully, flushing the writer queue
// up to grace before closing the socket ( shutdown bound).
func (s *Session) Close(grace time.Duration) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()
	deadline := time.After(grace)
	for {
		select {
		case frame := <-s.writeQueue:
			_, _ = s.conn.Write(frame)
		case <-deadline:
			s.closeOnce.Do(func() {
				close(s.closed)
				_ = s.conn.Close()
			})
			return
		default:
			s.closeOnce.Do(func() {
				close(s.closed)
				_ = s.conn.Close()
			})
			return
		}
	}
}
