package node

import (
	"sync"

	"github.com/borisgraudt/elysium/internal/fetch"
	"github.com/borisgraudt/elysium/internal/mesh"
	"github.com/borisgraudt/elysium/internal/session"
)

// SessionStore holds every Established session this node currently
// has open, keyed by the peer's hex node_id. Mirrors
// internal/daemon/connman.go's connection-table pattern, simplified to
// a single map since at most one live session per peer is ever kept.
type SessionStore struct {
	mu   sync.Mutex
	byID map[string]*session.Session
}

func newSessionStore() *SessionStore {
	return &SessionStore{byID: make(map[string]*session.Session)}
}

// Add records a freshly established session for nodeIDHex, guarding
// against two ways a second HELLO for an already-Established peer can
// arrive: a genuine duplicate (same direction as the existing
// session, rejected outright to prevent a session hijack) and a
// simultaneous-dial race (opposite direction, broken deterministically
// by node_id so both ends converge on the same surviving connection:
// the side with the lexicographically smaller node_id keeps the
// session it dialed, the larger side keeps the session it accepted).
// Returns false, leaving sess unregistered, when the new session lost
// the race; the caller must close it.
func (s *SessionStore) Add(selfNodeIDHex, nodeIDHex string, sess *session.Session) bool {
	s.mu.Lock()
	old, exists := s.byID[nodeIDHex]
	if !exists || old == sess {
		s.byID[nodeIDHex] = sess
		s.mu.Unlock()
		return true
	}
	if old.Initiator == sess.Initiator {
		s.mu.Unlock()
		return false
	}
	selfSmaller := selfNodeIDHex < nodeIDHex
	if sess.Initiator != selfSmaller {
		s.mu.Unlock()
		return false
	}
	s.byID[nodeIDHex] = sess
	s.mu.Unlock()
	old.Close(0)
	return true
}

// Remove drops nodeIDHex's session entry if it still points at sess
// (a newer session may have already replaced it).
func (s *SessionStore) Remove(nodeIDHex string, sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.byID[nodeIDHex]; ok && cur == sess {
		delete(s.byID, nodeIDHex)
	}
}

func (s *SessionStore) Get(nodeIDHex string) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[nodeIDHex]
	return sess, ok
}

func (s *SessionStore) All() []*session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session.Session, 0, len(s.byID))
	for _, sess := range s.byID {
		out = append(out, sess)
	}
	return out
}

func (s *SessionStore) Has(nodeIDHex string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[nodeIDHex]
	return ok
}

// meshSessions adapts Node's SessionStore to mesh.SessionLookup; mesh
// and fetch each declare their own narrow Sender/SessionLookup
// interfaces to avoid importing the session package, so *session.Session
// needs one thin wrapper per consumer even though both shapes are
// structurally identical.
type meshSessions struct{ n *Node }

func (m meshSessions) Get(nodeID string) (mesh.Sender, bool) {
	sess, ok := m.n.Sessions.Get(nodeID)
	if !ok {
		return nil, false
	}
	return sess, true
}

type fetchSessions struct{ n *Node }

func (f fetchSessions) Get(nodeID string) (fetch.Sender, bool) {
	sess, ok := f.n.Sessions.Get(nodeID)
	if !ok {
		return nil, false
	}
	return sess, true
}
