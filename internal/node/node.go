// Package node wires every subsystem (identity, peer directory,
// router, session transport, mesh forwarder, store-and-forward,
// content store, name registry, fetch protocol, contacts, metrics)
// into one running process: listening for inbound connections,
// dialing known peers per the dial policy, and dispatching established
// sessions' traffic to the right subsystem. Grounded on Web4's own
// node.go (subsystem construction) and internal/daemon/connman.go
// (the accept/dial/sweep task shape), with its ML-KEM/ZK-specific
// wiring replaced by the mesh/store/content/naming stack.
package node

import (
	"path/filepath"

	"github.com/borisgraudt/elysium/internal/config"
	"github.com/borisgraudt/elysium/internal/content"
	"github.com/borisgraudt/elysium/internal/contacts"
	"github.com/borisgraudt/elysium/internal/elylog"
	"github.com/borisgraudt/elysium/internal/fetch"
	"github.com/borisgraudt/elysium/internal/identity"
	"github.com/borisgraudt/elysium/internal/mesh"
	"github.com/borisgraudt/elysium/internal/metrics"
	"github.com/borisgraudt/elysium/internal/naming"
	"github.com/borisgraudt/elysium/internal/peer"
	"github.com/borisgraudt/elysium/internal/proto"
	"github.com/borisgraudt/elysium/internal/router"
	"github.com/borisgraudt/elysium/internal/storebox"
)

// peerStoreCap bounds the peer directory's in-memory LRU so a node that
// has seen many transient addresses over a long uptime doesn't keep
// them all in memory. The on-disk journal is append-only and is not
// compacted, so it is not bounded by this cap.
const peerStoreCap = 8192

// Node owns every long-lived subsystem for one Elysium installation.
type Node struct {
	Identity *identity.Identity
	Config   config.Config

	Peers    *peer.Store
	Scorer   *router.Scorer
	Sessions *SessionStore

	Forwarder *mesh.Forwarder
	Inbox     *storebox.Inbox
	Outbox    *storebox.Outbox
	Content   *content.Store
	Names     *naming.Registry
	Fetcher   *fetch.Fetcher
	Contacts  *contacts.Book
	Metrics   *metrics.Metrics
}

// New constructs a Node from cfg, loading or generating identity and
// opening every subsystem's on-disk store under cfg.DataDir.
func New(cfg config.Config) (*Node, error) {
	id, err := identity.Load(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	peers, err := peer.NewStore(cfg.DataDir, peerStoreCap)
	if err != nil {
		return nil, err
	}
	inbox, err := storebox.NewInbox(filepath.Join(cfg.DataDir, "messages"))
	if err != nil {
		return nil, err
	}
	outbox := storebox.NewOutbox(cfg.OutboxExpiry)
	contentStore, err := content.NewStore(filepath.Join(cfg.DataDir, "content"), identity.NodeIDString(id.NodeID), id.PublicKey(), cfg.ContentCacheCap)
	if err != nil {
		return nil, err
	}
	names, err := naming.NewRegistry(filepath.Join(cfg.DataDir, "names"), cfg.NameExpiry)
	if err != nil {
		return nil, err
	}
	contactsBook, err := contacts.NewBook(filepath.Join(cfg.DataDir, "contacts"))
	if err != nil {
		return nil, err
	}

	n := &Node{
		Identity: id,
		Config:   cfg,
		Peers:    peers,
		Scorer:   router.NewScorer(router.DefaultWeights()),
		Sessions: newSessionStore(),
		Inbox:    inbox,
		Outbox:   outbox,
		Content:  contentStore,
		Names:    names,
		Contacts: contactsBook,
		Metrics:  metrics.New(),
	}

	n.Forwarder = mesh.NewForwarder(n, meshSessions{n}, n, n.Scorer, outbox, n, mesh.Config{
		TopK:        cfg.RouterTopK,
		DefaultTTL:  cfg.DefaultTTL,
		DedupWindow: cfg.DedupWindow,
	})
	n.Fetcher = fetch.NewFetcher(fetchSessions{n}, n, n.Scorer, contentStore, n.ResolvePubKey, fetch.Config{
		HopTTL: cfg.ContentFetchTTL,
		TopK:   cfg.RouterTopK,
	})
	return n, nil
}

// ID satisfies session.Identity and mesh.SelfIdentity.
func (n *Node) ID() [32]byte { return n.Identity.NodeID }

// PublicKey satisfies session.Identity.
func (n *Node) PublicKey() []byte { return n.Identity.PublicKey() }

// Sign satisfies session.Identity.
func (n *Node) Sign(digest []byte) ([]byte, error) { return n.Identity.Sign(digest) }

// OpenSealed satisfies mesh.SelfIdentity.
func (n *Node) OpenSealed(sealed []byte) ([]byte, error) { return n.Identity.OpenSealed(sealed) }

// NodeIDHex is this node's stable textual node_id.
func (n *Node) NodeIDHex() string { return identity.NodeIDString(n.Identity.NodeID) }

// RouterCandidates satisfies mesh.Candidates and fetch.Candidates,
// joining the peer directory's link-quality signals with the
// metrics package's forward-outcome counters (four score
// inputs).
func (n *Node) RouterCandidates() []router.Candidate {
	infos := n.Peers.All()
	out := make([]router.Candidate, 0, len(infos))
	for _, p := range infos {
		if !p.Connected {
			continue
		}
		ok, fail := n.Metrics.PeerForwardCounts(p.NodeID)
		out = append(out, router.Candidate{
			NodeID:      p.NodeID,
			LatencyMS:   p.LatencyEWMA,
			HasLatency:  p.LatencyEWMA > 0,
			UptimeSec:   p.UptimeSec,
			PingSuccess: p.PingSuccess,
			PingTotal:   p.PingTotal,
			ForwardOK:   ok,
			ForwardFail: fail,
		})
	}
	return out
}

// DeliverLocal satisfies mesh.Deliverer: journals a terminal message
// to the inbox and, for unicast deliveries, sends a best-effort ACK
// back toward the origin.
func (n *Node) DeliverLocal(msg proto.MeshMsg, plaintext []byte) {
	err := n.Inbox.Append(storebox.DeliveredMessage{
		MessageID: msg.MessageID,
		Origin:    msg.Origin,
		Plaintext: plaintext,
		Broadcast: msg.Broadcast,
		CreatedAt: msg.CreatedAt,
	})
	if err != nil {
		elylog.Error("node: inbox append failed for %s: %v", msg.MessageID, err)
	}
	if msg.Broadcast {
		return
	}
	n.sendAck(msg)
}

// sendAck delivers AckMsg{message_id} toward msg's origin: directly if
// a live session exists, else via the immediately preceding hop in its
// path, else dropped ("best-effort unicast").
func (n *Node) sendAck(msg proto.MeshMsg) {
	ack := proto.AckMsg{MessageID: msg.MessageID}
	if sess, ok := n.Sessions.Get(msg.Origin); ok {
		if err := sess.Send(proto.TypeAck, ack); err == nil {
			return
		}
	}
	if len(msg.Path) == 0 {
		return
	}
	prevHop := msg.Path[len(msg.Path)-1]
	if sess, ok := n.Sessions.Get(prevHop); ok {
		_ = sess.Send(proto.TypeAck, ack)
	}
}

// ResolvePubKey backs fetch.PubKeyResolver: a node's identity public
// key is learned from the peer directory (handshake-verified) only;
// the local contact book is not consulted. Exported so internal/api can resolve a
// send target's key for end-to-end sealing too.
func (n *Node) ResolvePubKey(nodeID string) ([]byte, bool) {
	if p, err := n.Peers.Get(nodeID); err == nil && len(p.PubKey) > 0 {
		return p.PubKey, true
	}
	return nil, false
}
