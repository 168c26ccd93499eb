// Package metrics counts mesh-forwarding and content-fetch outcomes,
// per-peer, feeding internal/router's history_score and the
// management API's status operation. Adapted 's
// atomic-counter + bounded-recent-ring Metrics shape (originally
// tracking delta-CRDT verification and gossip relay counts) onto
// mesh forwarder and fetch protocol.
package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// ForwardEvent records one forwarding attempt to a specific peer, kept
// in a bounded ring for the management API's recent-activity view.
type ForwardEvent struct {
	NodeID  string    `json:"node_id"`
	Success bool      `json:"success"`
	At      time.Time `json:"at"`
}

type peerCounters struct {
	ok   atomic.Uint64
	fail atomic.Uint64
}

// Metrics is the node-wide counter set, safe for concurrent use.
type Metrics struct {
	forwardOK   atomic.Uint64
	forwardFail atomic.Uint64

	fetchRequests atomic.Uint64
	fetchHits     atomic.Uint64
	fetchMisses   atomic.Uint64
	fetchTimeouts atomic.Uint64

	handshakeOK   atomic.Uint64
	handshakeFail atomic.Uint64

	mu     sync.Mutex
	byPeer map[string]*peerCounters
	recent *recentRing
}

func New() *Metrics {
	return &Metrics{
		byPeer: make(map[string]*peerCounters),
		recent: newRecentRing(128),
	}
}

func (m *Metrics) peer(nodeID string) *peerCounters {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byPeer[nodeID]
	if !ok {
		c = &peerCounters{}
		m.byPeer[nodeID] = c
	}
	return c
}

// RecordForward logs a forward attempt's outcome for nodeID, updating
// both the global and per-peer counters the router consults for
// history_score.
func (m *Metrics) RecordForward(nodeID string, success bool) {
	if success {
		m.forwardOK.Add(1)
		m.peer(nodeID).ok.Add(1)
	} else {
		m.forwardFail.Add(1)
		m.peer(nodeID).fail.Add(1)
	}
	m.recent.add(ForwardEvent{NodeID: nodeID, Success: success, At: time.Now()})
}

// PeerForwardCounts returns the cumulative ok/fail forward counts for
// nodeID, used to populate router.Candidate.ForwardOK/ForwardFail.
func (m *Metrics) PeerForwardCounts(nodeID string) (ok, fail uint64) {
	m.mu.Lock()
	c, exists := m.byPeer[nodeID]
	m.mu.Unlock()
	if !exists {
		return 0, 0
	}
	return c.ok.Load(), c.fail.Load()
}

func (m *Metrics) IncFetchRequest()  { m.fetchRequests.Add(1) }
func (m *Metrics) IncFetchHit()      { m.fetchHits.Add(1) }
func (m *Metrics) IncFetchMiss()     { m.fetchMisses.Add(1) }
func (m *Metrics) IncFetchTimeout()  { m.fetchTimeouts.Add(1) }
func (m *Metrics) IncHandshakeOK()   { m.handshakeOK.Add(1) }
func (m *Metrics) IncHandshakeFail() { m.handshakeFail.Add(1) }

// Snapshot is the point-in-time rendering returned by the management
// API's status operation.
type Snapshot struct {
	GeneratedAt time.Time `json:"generated_at"`
	ForwardOK   uint64    `json:"forward_ok"`
	ForwardFail uint64    `json:"forward_fail"`

	FetchRequests uint64 `json:"fetch_requests"`
	FetchHits     uint64 `json:"fetch_hits"`
	FetchMisses   uint64 `json:"fetch_misses"`
	FetchTimeouts uint64 `json:"fetch_timeouts"`

	HandshakeOK   uint64 `json:"handshake_ok"`
	HandshakeFail uint64 `json:"handshake_fail"`

	Recent []ForwardEvent `json:"recent"`
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		GeneratedAt:   time.Now().UTC(),
		ForwardOK:     m.forwardOK.Load(),
		ForwardFail:   m.forwardFail.Load(),
		FetchRequests: m.fetchRequests.Load(),
		FetchHits:     m.fetchHits.Load(),
		FetchMisses:   m.fetchMisses.Load(),
		FetchTimeouts: m.fetchTimeouts.Load(),
		HandshakeOK:   m.handshakeOK.Load(),
		HandshakeFail: m.handshakeFail.Load(),
		Recent:        m.recent.list(),
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// recentRing is a small fixed-capacity ring buffer, the same shape as
// DeltaRecent.
type recentRing struct {
	mu     sync.Mutex
	cap    int
	events []ForwardEvent
}

func newRecentRing(capacity int) *recentRing {
	if capacity <= 0 {
		capacity = 64
	}
	return &recentRing{cap: capacity}
}

func (r *recentRing) add(e ForwardEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) >= r.cap {
		copy(r.events, r.events[1:])
		r.events[len(r.events)-1] = e
		return
	}
	r.events = append(r.events, e)
}

func (r *recentRing) list() []ForwardEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ForwardEvent, len(r.events))
	copy(out, r.events)
	return out
}
