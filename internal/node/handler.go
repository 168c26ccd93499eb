package node

import (
	"encoding/hex"

	"github.com/borisgraudt/elysium/internal/elycrypto"
	"github.com/borisgraudt/elysium/internal/elylog"
	"github.com/borisgraudt/elysium/internal/naming"
	"github.com/borisgraudt/elysium/internal/proto"
	"github.com/borisgraudt/elysium/internal/session"
)

// nodeHandler implements session.Handler, dispatching each established
// session's inbound application messages to the owning subsystem.
// Grounded on internal/daemon's message-type switch over
// a live connection, generalized from gossip/peer-exchange tags to
// mesh/ack/content/name tags.
type nodeHandler struct {
	n *Node
}

func (h *nodeHandler) OnMesh(s *session.Session, m proto.MeshMsg) {
	h.n.Forwarder.Dispatch(m)
}

// OnAck only logs the Ack. Nothing waits on it: the outbox removes
// its items for a peer when they are drained onto that peer's
// session, and it does not keep them afterwards until an Ack arrives.
func (h *nodeHandler) OnAck(s *session.Session, m proto.AckMsg) {
	elylog.Debug("node: ack received for %s from %x", m.MessageID, s.PeerNodeID)
}

func (h *nodeHandler) OnContentRequest(s *session.Session, m proto.ContentRequestMsg) {
	h.n.Fetcher.HandleRequest(hex.EncodeToString(s.PeerNodeID[:]), m)
}

func (h *nodeHandler) OnContentResponse(s *session.Session, m proto.ContentResponseMsg) {
	h.n.Fetcher.HandleResponse(m)
}

// OnNameAnnounce verifies the record's signature against its claimed
// owner's public key before merging it, satisfying naming.Apply's
// precondition; propagation is left to the originating node's own
// session fanout, not re-gossiped further.
func (h *nodeHandler) OnNameAnnounce(s *session.Session, m proto.NameAnnounceMsg) {
	rec := naming.Record{
		Name:      m.Name,
		NodeID:    m.NodeID,
		Timestamp: m.Timestamp,
		ExpiresAt: m.ExpiresAt,
		Signature: m.Signature,
	}
	pub, ok := h.n.ResolvePubKey(m.NodeID)
	if !ok {
		elylog.Warn("node: name_announce for unknown owner %s, dropping", m.NodeID)
		return
	}
	digest := elycrypto.SHA3_256(naming.SigningInput(rec))
	if !elycrypto.VerifyDigest(pub, digest, rec.Signature) {
		elylog.Security("node: name_announce signature invalid for name %q from claimed owner %s", m.Name, m.NodeID)
		return
	}
	if err := h.n.Names.Apply(rec); err != nil {
		elylog.Warn("node: name_announce apply failed: %v", err)
	}
}
