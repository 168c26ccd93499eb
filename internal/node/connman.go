package node

import (
	"context"
	"encoding/hex"
	"net"
	"sync"
	"time"

	"github.com/borisgraudt/elysium/internal/elylog"
	"github.com/borisgraudt/elysium/internal/peer"
	"github.com/borisgraudt/elysium/internal/proto"
	"github.com/borisgraudt/elysium/internal/session"
)

// connManTick is how often the dial/sweep loop wakes up to check for
// peers ready to redial and outbox items past their expiry. Grounded
// on the connManTickDuration default in internal/daemon/connman.go,
// left unexposed as a config knob.
const connManTick = 3 * time.Second

// ConnManager owns the listener and dial loop: accepting inbound
// connections, dialing known peers per their backoff/cooldown state,
// and draining a peer's outbox once its session comes back up.
// Grounded on internal/daemon/connman.go's connMan, with its
// PEX/recovery-panic machinery dropped: peers are only ever learned
// from static bootstrap seeds, not a peer-exchange protocol.
type ConnManager struct {
	n     *Node
	seeds []string

	mu sync.Mutex
	ln net.Listener

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewConnManager(n *Node, seedAddrs []string) *ConnManager {
	return &ConnManager{n: n, seeds: seedAddrs, stopCh: make(chan struct{})}
}

// Listen opens the node's inbound listener and starts the accept loop.
func (cm *ConnManager) Listen() error {
	ln, err := net.Listen("tcp", cm.n.Config.ListenAddr)
	if err != nil {
		return err
	}
	cm.mu.Lock()
	cm.ln = ln
	cm.mu.Unlock()
	go cm.acceptLoop(ln)
	return nil
}

// Addr returns the listener's bound address, useful in tests that bind
// to ":0".
func (cm *ConnManager) Addr() net.Addr {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.ln == nil {
		return nil
	}
	return cm.ln.Addr()
}

func (cm *ConnManager) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-cm.stopCh:
				return
			default:
				elylog.Warn("node: accept failed: %v", err)
				return
			}
		}
		go cm.handleAccepted(conn)
	}
}

func (cm *ConnManager) handleAccepted(conn net.Conn) {
	addr := conn.RemoteAddr().String()
	ref := &backoffRef{}
	sess, err := session.HandshakeAs(conn, false, cm.n.Identity, cm.sessionConfig(), &nodeHandler{n: cm.n}, cm.onBackoffFor(addr, ref))
	if err != nil {
		cm.n.Metrics.IncHandshakeFail()
		elylog.Security("node: inbound handshake from %s failed: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}
	cm.n.Metrics.IncHandshakeOK()
	ref.set(sess)
	cm.registerSession(sess, addr)
}

// DialPeer opens an outbound connection to addr and performs the
// initiator side of the handshake, registering the resulting session
// on success. Used by the dial loop.
func (cm *ConnManager) DialPeer(addr string) (*session.Session, error) {
	conn, err := net.DialTimeout("tcp", addr, cm.dialTimeout())
	if err != nil {
		return nil, err
	}
	ref := &backoffRef{}
	sess, err := session.HandshakeAs(conn, true, cm.n.Identity, cm.sessionConfig(), &nodeHandler{n: cm.n}, cm.onBackoffFor(addr, ref))
	if err != nil {
		cm.n.Metrics.IncHandshakeFail()
		_ = conn.Close()
		return nil, err
	}
	cm.n.Metrics.IncHandshakeOK()
	ref.set(sess)
	cm.registerSession(sess, addr)
	return sess, nil
}

func (cm *ConnManager) sessionConfig() session.Config {
	cfg := session.DefaultConfig()
	c := cm.n.Config
	if c.HandshakeTimeout > 0 {
		cfg.HandshakeTimeout = c.HandshakeTimeout
	}
	if c.IdlePingInterval > 0 {
		cfg.IdlePingInterval = c.IdlePingInterval
	}
	if c.PingTimeout > 0 {
		cfg.PingTimeout = c.PingTimeout
	}
	if c.WriterQueueCap > 0 {
		cfg.WriterQueueCap = c.WriterQueueCap
	}
	if c.LatencyAlpha > 0 {
		cfg.LatencyAlpha = c.LatencyAlpha
	}
	return cfg
}

func (cm *ConnManager) dialTimeout() time.Duration {
	if cm.n.Config.HandshakeTimeout > 0 {
		return cm.n.Config.HandshakeTimeout
	}
	return 10 * time.Second
}

func (cm *ConnManager) dialPolicy() peer.DialPolicy {
	c := cm.n.Config
	return peer.DialPolicy{Base: c.DialBackoffBase, Cap: c.DialBackoffCap, Jitter: c.DialBackoffJitter}
}

// registerSession records the new session in the node's session table
// and peer directory, then drains any outbox backlog for that peer
// ("once a peer reconnects, the sender resumes draining its
// outbox for that target").
func (cm *ConnManager) registerSession(sess *session.Session, addr string) {
	nodeIDHex := hex.EncodeToString(sess.PeerNodeID[:])
	if !cm.n.Sessions.Add(cm.n.NodeIDHex(), nodeIDHex, sess) {
		elylog.Security("node: rejecting duplicate/raced session with %s (%s)", nodeIDHex, addr)
		sess.Close(0)
		return
	}
	cm.n.Peers.Upsert(peer.Info{
		NodeID:    nodeIDHex,
		Addr:      addr,
		PubKey:    sess.PeerPubKey,
		LastSeen:  time.Now().Unix(),
		Connected: true,
	})
	cm.n.Peers.SetConnected(nodeIDHex, true)
	cm.n.Peers.ClearInFlight(nodeIDHex)
	cm.drainOutbox(nodeIDHex, sess)
	elylog.Info("node: session established with %s (%s)", nodeIDHex, addr)
}

func (cm *ConnManager) drainOutbox(nodeIDHex string, sess *session.Session) {
	pending := cm.n.Outbox.Drain(nodeIDHex)
	for _, msg := range pending {
		err := sess.Send(proto.TypeMesh, msg)
		cm.n.Metrics.RecordForward(nodeIDHex, err == nil)
		if err != nil {
			elylog.Warn("node: outbox redelivery to %s failed: %v", nodeIDHex, err)
			_ = cm.n.Outbox.Enqueue(nodeIDHex, msg)
		}
	}
}

// backoffRef lets onBackoffFor's closure learn which session it guards
// once the handshake finishes, since the failure callback is wired in
// before HandshakeAs has a *session.Session to hand back.
type backoffRef struct {
	mu   sync.Mutex
	sess *session.Session
}

func (r *backoffRef) set(s *session.Session) {
	r.mu.Lock()
	r.sess = s
	r.mu.Unlock()
}

func (r *backoffRef) get() *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess
}

// onBackoffFor returns the session failure callback: it unregisters the
// session and marks the peer disconnected so tickDial will redial it
// once its backoff window elapses, rather than leaving a stale
// Established entry in SessionStore after the socket is already dead.
func (cm *ConnManager) onBackoffFor(addr string, ref *backoffRef) func(error) {
	return func(reason error) {
		elylog.Warn("node: session to %s failed: %v", addr, reason)
		sess := ref.get()
		if sess == nil {
			return
		}
		nodeIDHex := hex.EncodeToString(sess.PeerNodeID[:])
		cm.n.Sessions.Remove(nodeIDHex, sess)
		cm.n.Peers.SetConnected(nodeIDHex, false)
	}
}

// Run starts the periodic dial/sweep loop and blocks until ctx is
// cancelled or Close is called.
func (cm *ConnManager) Run(ctx context.Context) {
	for _, addr := range cm.seeds {
		go cm.tryDial(addr, "")
	}
	ticker := time.NewTicker(connManTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-cm.stopCh:
			return
		case <-ticker.C:
			cm.tickDial()
			cm.n.Outbox.PurgeExpired()
			cm.accrueUptime()
		}
	}
}

// tickDial dials every known peer that has an address, isn't already
// connected or in flight, and is outside its backoff cooldown, capped
// at MaxOutboundDials concurrent attempts per tick.
func (cm *ConnManager) tickDial() {
	infos := cm.n.Peers.All()
	dialed := 0
	for _, p := range infos {
		if dialed >= cm.n.Config.MaxOutboundDials {
			return
		}
		if p.Addr == "" || p.Connected {
			continue
		}
		if !cm.n.Peers.ReadyToDial(p.NodeID) {
			continue
		}
		dialed++
		go cm.tryDial(p.Addr, p.NodeID)
	}
}

// accrueUptime adds one tick's worth of connected time to every
// currently-connected peer's UptimeSec, feeding the router's
// uptime score without requiring the peer directory itself to track
// wall-clock connect times.
func (cm *ConnManager) accrueUptime() {
	for _, p := range cm.n.Peers.All() {
		if !p.Connected {
			continue
		}
		p.UptimeSec += int64(connManTick / time.Second)
		cm.n.Peers.Upsert(p)
	}
}

func (cm *ConnManager) tryDial(addr, nodeIDHex string) {
	if nodeIDHex != "" {
		cm.n.Peers.MarkDialAttempt(nodeIDHex, cm.dialPolicy())
	}
	sess, err := cm.DialPeer(addr)
	if nodeIDHex != "" {
		cm.n.Peers.ClearInFlight(nodeIDHex)
	}
	if err != nil {
		elylog.Warn("node: dial %s failed: %v", addr, err)
		if nodeIDHex != "" {
			cm.n.Peers.RecordPing(nodeIDHex, false)
		}
		return
	}
	_ = sess
}

// Close stops the accept/dial loops and closes the listener.
func (cm *ConnManager) Close() error {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
	cm.mu.Lock()
	ln := cm.ln
	cm.mu.Unlock()
	if ln != nil {
		return ln.Close()
	}
	return nil
}
