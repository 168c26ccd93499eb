// Package mesh implements store-and-forward message relaying across
// the node's established sessions: outbound submission, inbound
// dispatch with dedup/TTL/loop prevention, and handoff to the
// store-and-forward outbox when no live route exists. Grounded on the
// gossip dispatch shape in proto/gossip.go and the connection
// manager's peer-selection loop in daemon/connman.go, adapted from
// epidemic gossip to a TTL-bounded, top-K-routed mesh forward.
package mesh

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/borisgraudt/elysium/internal/elycrypto"
	"github.com/borisgraudt/elysium/internal/elyerr"
	"github.com/borisgraudt/elysium/internal/elylog"
	"github.com/borisgraudt/elysium/internal/proto"
	"github.com/borisgraudt/elysium/internal/router"
)

// SelfIdentity is the subset of identity.Identity the forwarder needs:
// enough to know who "self" is and to open mail addressed to self.
type SelfIdentity interface {
	ID() [32]byte
	OpenSealed(sealed []byte) ([]byte, error)
}

// Sender is the subset of session.Session the forwarder depends on,
// kept as an interface so mesh has no import-time dependency on the
// concrete session type and is straightforward to test in isolation.
type Sender interface {
	Send(msgType string, payload any) error
}

// SessionLookup resolves a node_id to its live, Established session if
// one exists, so the forwarder can hand a frame off directly instead
// of going through the outbox.
type SessionLookup interface {
	Get(nodeID string) (Sender, bool)
}

// Candidates supplies the set of peers eligible as next hops, and
// their router.Candidate scoring inputs, for a given forward.
type Candidates interface {
	RouterCandidates() []router.Candidate
}

// Outbox receives messages that could not be delivered to any live
// session right now, for later retry (.6 store-and-forward).
type Outbox interface {
	Enqueue(targetNodeID string, msg proto.MeshMsg) error
}

// Deliverer hands a fully decrypted, locally-addressed message to the
// node's inbox.
type Deliverer interface {
	DeliverLocal(msg proto.MeshMsg, plaintext []byte)
}

// dedupWindow is the sliding horizon within which a repeated
// message_id is treated as already-seen (.5 loop prevention via
// dedup rather than solely via TTL/path).
type dedupEntry struct {
	seenAt time.Time
}

// Forwarder implements the mesh forwarding policy for one node.
type Forwarder struct {
	self      SelfIdentity
	sessions  SessionLookup
	cands     Candidates
	scorer    *router.Scorer
	outbox    Outbox
	deliverer Deliverer

	topK        int
	defaultTTL  int
	dedupWindow time.Duration

	mu    sync.Mutex
	dedup map[string]dedupEntry
}

type Config struct {
	TopK        int
	DefaultTTL  int
	DedupWindow time.Duration
}

func NewForwarder(self SelfIdentity, sessions SessionLookup, cands Candidates, scorer *router.Scorer, outbox Outbox, deliverer Deliverer, cfg Config) *Forwarder {
	return &Forwarder{
		self:        self,
		sessions:    sessions,
		cands:       cands,
		scorer:      scorer,
		outbox:      outbox,
		deliverer:   deliverer,
		topK:        cfg.TopK,
		defaultTTL:  cfg.DefaultTTL,
		dedupWindow: cfg.DedupWindow,
		dedup:       make(map[string]dedupEntry),
	}
}

// Submit originates a new mesh message from this node. For a unicast
// send, targetPub must be the recipient's identity public key:
// ciphertext is opaque to relays, so only origin and target can ever
// read it; broadcast messages carry cleartext payloads by
// construction since there is no single recipient to seal them to.
func (f *Forwarder) Submit(targetNodeID string, targetPub []byte, broadcast bool, plaintext []byte) (string, error) {
	id, err := newMessageID()
	if err != nil {
		return "", err
	}
	var ciphertext []byte
	if broadcast {
		ciphertext = plaintext
	} else {
		if len(targetPub) == 0 {
			return "", fmt.Errorf("mesh: %w: unknown recipient key", elyerr.ErrInvalidInput)
		}
		ciphertext, err = elycrypto.SealForRecipient(targetPub, plaintext)
		if err != nil {
			return "", err
		}
	}
	selfID := f.self.ID()
	msg := proto.MeshMsg{
		MessageID:  id,
		Origin:     hex.EncodeToString(selfID[:]),
		Target:     targetNodeID,
		Broadcast:  broadcast,
		Ciphertext: ciphertext,
		TTL:        f.defaultTTL,
		Path:       []string{hex.EncodeToString(selfID[:])},
		CreatedAt:  time.Now().Unix(),
	}
	f.markSeen(id)
	// the origin's own send counts as the first forwarding hop, so TTL
	// is decremented here too, not just on each subsequent relay's
	// Dispatch.
	msg.TTL--
	if msg.TTL > 0 {
		f.route(msg, true)
	}
	return id, nil
}

// Dispatch handles an inbound MeshMsg. It delivers locally when
// addressed to this node (or broadcast), and forwards onward while TTL
// and dedup allow.
func (f *Forwarder) Dispatch(msg proto.MeshMsg) {
	if f.alreadySeen(msg.MessageID) {
		return
	}
	f.markSeen(msg.MessageID)

	selfID := f.self.ID()
	selfHex := hex.EncodeToString(selfID[:])

	for _, hop := range msg.Path {
		if hop == selfHex && !msg.Broadcast {
			// a unicast message should never revisit a hop; drop rather
			// than loop.
			return
		}
	}

	isTarget := msg.Target == selfHex
	if isTarget || msg.Broadcast {
		plaintext := msg.Ciphertext
		if !msg.Broadcast {
			pt, err := f.self.OpenSealed(msg.Ciphertext)
			if err != nil {
				elylog.Security("mesh: failed to open message %s from %s: %v", msg.MessageID, msg.Origin, err)
				return
			}
			plaintext = pt
		}
		f.deliverer.DeliverLocal(msg, plaintext)
		if isTarget && !msg.Broadcast {
			return // unicast ends at its target, no further relay
		}
	}

	msg.TTL--
	if msg.TTL <= 0 {
		return
	}
	msg.Path = append(append([]string{}, msg.Path...), selfHex)
	f.route(msg, false)
}

// route selects the best next hops and either forwards immediately
// over a live session or enqueues on the outbox for later delivery.
// isOrigin distinguishes this node originating msg (Submit) from this
// node relaying someone else's msg onward (Dispatch): only the
// originating node owns a message, so only it may park the message in
// its own outbox when no route exists right now; a relay with no
// eligible next hop simply drops it rather than adopting it.
func (f *Forwarder) route(msg proto.MeshMsg, isOrigin bool) {
	exclude := map[string]bool{msg.Origin: true}
	for _, hop := range msg.Path {
		exclude[hop] = true
	}

	if !msg.Broadcast && msg.Target != "" {
		if sess, ok := f.sessions.Get(msg.Target); ok {
			if err := sess.Send(proto.TypeMesh, msg); err == nil {
				return
			}
		}
	}

	candidates := f.cands.RouterCandidates()
	top := f.scorer.SelectTopK(candidates, f.topK, exclude)
	if len(top) == 0 {
		if isOrigin && msg.Target != "" {
			if err := f.outbox.Enqueue(msg.Target, msg); err != nil {
				elylog.Warn("mesh: outbox enqueue failed for %s: %v", msg.Target, err)
			}
		}
		return
	}
	for _, c := range top {
		sess, ok := f.sessions.Get(c.Candidate.NodeID)
		if !ok {
			continue
		}
		if err := sess.Send(proto.TypeMesh, msg); err != nil {
			elylog.Warn("mesh: send to %s failed: %v", c.Candidate.NodeID, err)
		}
	}
}

// AlreadySeen reports whether id is within the current dedup window,
// for callers (such as bundle import) that need to report at-most-once
// delivery counts without duplicating the forwarder's own dedup state.
func (f *Forwarder) AlreadySeen(id string) bool {
	return f.alreadySeen(id)
}

func (f *Forwarder) alreadySeen(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruneLocked()
	_, seen := f.dedup[id]
	return seen
}

func (f *Forwarder) markSeen(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dedup[id] = dedupEntry{seenAt: time.Now()}
}

func (f *Forwarder) pruneLocked() {
	cutoff := time.Now().Add(-f.dedupWindow)
	for id, e := range f.dedup {
		if e.seenAt.Before(cutoff) {
			delete(f.dedup, id)
		}
	}
}

func newMessageID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
