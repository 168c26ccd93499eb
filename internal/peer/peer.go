// Package peer maintains the local peer directory: one record per
// known node_id, its last-known address, link-quality signals
// (latency EWMA, ping success ratio, uptime) and dial-policy
// bookkeeping (backoff shift, cooldown, in-flight count). Grounded on
// internal/peer/store.go's LRU+JSONL Store and
// internal/daemon/connman.go's backoff/jitter/cooldown dial policy.
package peer

import (
	"bufio"
	"container/list"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/borisgraudt/elysium/internal/elyerr"
)

// Info is one entry in the peer directory (table: node_id,
// address, latency_ewma, ping_success_ratio, uptime_seconds,
// last_seen).
type Info struct {
	NodeID      string    `json:"node_id"`
	Addr        string    `json:"addr"`
	PubKey      []byte    `json:"pubkey,omitempty"`
	LatencyEWMA float64   `json:"latency_ewma_ms"`
	PingSuccess uint64    `json:"ping_success"`
	PingTotal   uint64    `json:"ping_total"`
	FirstSeen   int64     `json:"first_seen"`
	LastSeen    int64     `json:"last_seen"`
	UptimeSec   int64     `json:"uptime_seconds"`
	Connected   bool      `json:"-"`

	// dial policy state, not persisted
	consecutiveFails int
	nextDialAt       time.Time
	inFlightDial     bool
}

// PingSuccessRatio returns observed ping successes over attempts, 1.0
// when no pings have been attempted yet (unknown peers start
// with an optimistic score).
func (i *Info) PingSuccessRatio() float64 {
	if i.PingTotal == 0 {
		return 1.0
	}
	return float64(i.PingSuccess) / float64(i.PingTotal)
}

// Store is the in-memory peer directory with an LRU eviction order and
// an append-only JSONL backing file, mirroring the original code's
// peer.Store shape (container/list + map index). The journal is only
// appended to; it is never compacted or rewritten.
type Store struct {
	mu    sync.Mutex
	cap   int
	list  *list.List
	index map[string]*list.Element
	path  string
	rng   *rand.Rand
}

func NewStore(dataDir string, capacity int) (*Store, error) {
	s := &Store{
		cap:   capacity,
		list:  list.New(),
		index: make(map[string]*list.Element),
		path:  filepath.Join(dataDir, "peers.jsonl"),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, err
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		var rec Info
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue // skip corrupt lines rather than fail node startup
		}
		s.upsertLocked(rec)
	}
	return scanner.Err()
}

// Upsert inserts or updates a peer record, moving it to the front of
// the LRU order, and appends the change to the journal.
func (s *Store) Upsert(info Info) {
	s.mu.Lock()
	s.upsertLocked(info)
	s.mu.Unlock()
	s.appendJournal(info)
}

func (s *Store) upsertLocked(info Info) {
	if el, ok := s.index[info.NodeID]; ok {
		existing := el.Value.(*Info)
		merged := mergeInfo(*existing, info)
		*existing = merged
		s.list.MoveToFront(el)
		return
	}
	rec := info
	if rec.FirstSeen == 0 {
		rec.FirstSeen = time.Now().Unix()
	}
	el := s.list.PushFront(&rec)
	s.index[info.NodeID] = el
	if s.cap > 0 && s.list.Len() > s.cap {
		tail := s.list.Back()
		if tail != nil {
			evicted := tail.Value.(*Info)
			delete(s.index, evicted.NodeID)
			s.list.Remove(tail)
		}
	}
}

// mergeInfo keeps the freshest observation per field, preserving
// dial-policy state which is never carried in a JSONL record.
func mergeInfo(old, fresh Info) Info {
	out := old
	if fresh.Addr != "" {
		out.Addr = fresh.Addr
	}
	if len(fresh.PubKey) > 0 {
		out.PubKey = fresh.PubKey
	}
	if fresh.LastSeen > out.LastSeen {
		out.LastSeen = fresh.LastSeen
	}
	if fresh.LatencyEWMA != 0 {
		out.LatencyEWMA = fresh.LatencyEWMA
	}
	out.PingSuccess = fresh.PingSuccess
	out.PingTotal = fresh.PingTotal
	out.UptimeSec = fresh.UptimeSec
	out.Connected = fresh.Connected
	return out
}

func (s *Store) appendJournal(info Info) {
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	line, err := json.Marshal(info)
	if err != nil {
		return
	}
	line = append(line, '\n')
	_, _ = f.Write(line)
}

// Get returns a copy of the peer record for nodeID, or ErrNotFound.
func (s *Store) Get(nodeID string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.index[nodeID]
	if !ok {
		return Info{}, elyerr.ErrNotFound
	}
	return *el.Value.(*Info), nil
}

// All returns a snapshot of every known peer, most-recently-touched
// first.
func (s *Store) All() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, s.list.Len())
	for el := s.list.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*Info))
	}
	return out
}

// SetConnected records current link state for the router's reliability
// score and dial policy.
func (s *Store) SetConnected(nodeID string, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.index[nodeID]
	if !ok {
		return
	}
	rec := el.Value.(*Info)
	rec.Connected = connected
	rec.LastSeen = time.Now().Unix()
	if connected {
		rec.consecutiveFails = 0
	}
}

// ObserveLatency folds a fresh RTT sample into the stored EWMA with the
// configured smoothing factor (latency_score input).
func (s *Store) ObserveLatency(nodeID string, sampleMillis float64, alpha float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.index[nodeID]
	if !ok {
		return
	}
	rec := el.Value.(*Info)
	if rec.LatencyEWMA == 0 {
		rec.LatencyEWMA = sampleMillis
		return
	}
	rec.LatencyEWMA = alpha*sampleMillis + (1-alpha)*rec.LatencyEWMA
}

// RecordPing folds a keepalive outcome into the ping success ratio.
func (s *Store) RecordPing(nodeID string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.index[nodeID]
	if !ok {
		return
	}
	rec := el.Value.(*Info)
	rec.PingTotal++
	if success {
		rec.PingSuccess++
		rec.consecutiveFails = 0
	} else {
		rec.consecutiveFails++
	}
}

// DialPolicy computes exponential backoff with jitter, capped, the
// same formula as connman.go: base*2^fails + jitter,
// clamped to cap.
type DialPolicy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter time.Duration
}

// NextBackoff returns the delay before the next dial attempt given the
// number of consecutive prior failures.
func (s *Store) NextBackoff(nodeID string, policy DialPolicy) time.Duration {
	s.mu.Lock()
	fails := 0
	if el, ok := s.index[nodeID]; ok {
		fails = el.Value.(*Info).consecutiveFails
	}
	s.mu.Unlock()
	return computeBackoff(fails, policy, s.rng)
}

func computeBackoff(fails int, policy DialPolicy, rng *rand.Rand) time.Duration {
	shift := fails
	if shift > 20 {
		shift = 20 // avoid overflow from absurdly large shifts
	}
	backoff := policy.Base * time.Duration(int64(1)<<uint(shift))
	var jitter time.Duration
	if policy.Jitter > 0 {
		jitter = time.Duration(rng.Int63n(int64(policy.Jitter)))
	}
	raw := backoff + jitter
	if raw > policy.Cap || raw < 0 {
		return policy.Cap
	}
	return raw
}

// MarkDialAttempt records that a dial attempt is starting now, so
// ReadyToDial enforces the configured cooldown between attempts.
func (s *Store) MarkDialAttempt(nodeID string, policy DialPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.index[nodeID]
	if !ok {
		return
	}
	rec := el.Value.(*Info)
	backoff := computeBackoff(rec.consecutiveFails, policy, s.rng)
	rec.nextDialAt = time.Now().Add(backoff)
	rec.inFlightDial = true
}

func (s *Store) ClearInFlight(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.index[nodeID]; ok {
		el.Value.(*Info).inFlightDial = false
	}
}

// ReadyToDial reports whether nodeID is outside its backoff/cooldown
// window and not already being dialed.
func (s *Store) ReadyToDial(nodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.index[nodeID]
	if !ok {
		return true
	}
	rec := el.Value.(*Info)
	if rec.inFlightDial || rec.Connected {
		return false
	}
	return time.Now().After(rec.nextDialAt)
}
