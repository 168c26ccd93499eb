// Package storebox implements the store-and-forward layer: an
// append-only inbox journal with live subscriber fan-out, and a
// per-target outbox queue that drains once a peer reconnects. Both
// are grounded on internal/store/store.go's append-only JSONL journal
// with tmp-rename compaction.
package storebox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/borisgraudt/elysium/internal/proto"
)

// DeliveredMessage is one entry in the inbox: a locally-addressed mesh
// message together with its decrypted payload, persisted so a crashed
// node doesn't lose undelivered application messages.
type DeliveredMessage struct {
	MessageID string `json:"message_id"`
	Origin    string `json:"origin_node"`
	Plaintext []byte `json:"plaintext"`
	Broadcast bool   `json:"broadcast"`
	CreatedAt int64  `json:"created_at"`
	StoredAt  int64  `json:"stored_at"`
}

// Lagged is sent to a Watch subscriber when it could not keep up with
// the inbox's fan-out channel and missed one or more messages.
type Lagged struct{ Skipped int }

// Inbox is the append-only local-delivery journal, with support for
// live subscribers (the management API's watch operation).
type Inbox struct {
	mu   sync.Mutex
	path string

	subs   map[int]chan any
	nextID int
}

func NewInbox(dataDir string) (*Inbox, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, err
	}
	return &Inbox{path: filepath.Join(dataDir, "inbox.jsonl"), subs: make(map[int]chan any)}, nil
}

// Append journals a delivered message and fans it out to live
// subscribers; a slow subscriber is told it Lagged rather than
// blocking the rest of the node.
func (ib *Inbox) Append(msg DeliveredMessage) error {
	msg.StoredAt = time.Now().Unix()
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(ib.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}

	ib.mu.Lock()
	defer ib.mu.Unlock()
	for id, ch := range ib.subs {
		select {
		case ch <- msg:
		default:
			select {
			case ch <- Lagged{Skipped: 1}:
			default:
			}
			_ = id
		}
	}
	return nil
}

// All replays the inbox journal from disk.
func (ib *Inbox) All() ([]DeliveredMessage, error) {
	f, err := os.Open(ib.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var out []DeliveredMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		var m DeliveredMessage
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, scanner.Err()
}

// Watch returns a channel of newly-appended messages (DeliveredMessage
// values, or Lagged if this subscriber falls behind) and a cancel
// function to unsubscribe.
func (ib *Inbox) Watch(bufSize int) (<-chan any, func()) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	id := ib.nextID
	ib.nextID++
	ch := make(chan any, bufSize)
	ib.subs[id] = ch
	cancel := func() {
		ib.mu.Lock()
		defer ib.mu.Unlock()
		if c, ok := ib.subs[id]; ok {
			close(c)
			delete(ib.subs, id)
		}
	}
	return ch, cancel
}

// pendingItem is one outbox entry awaiting delivery to target.
type pendingItem struct {
	msg       proto.MeshMsg
	enqueued  time.Time
	expiresAt time.Time
}

// Outbox holds undelivered mesh messages per target node_id in
// insertion order, draining them once the peer manager reports the
// target reachable again.
type Outbox struct {
	mu      sync.Mutex
	byPeer  map[string][]*pendingItem
	expiry  time.Duration
}

func NewOutbox(expiry time.Duration) *Outbox {
	return &Outbox{byPeer: make(map[string][]*pendingItem), expiry: expiry}
}

// Enqueue appends msg to target's pending queue.
func (o *Outbox) Enqueue(targetNodeID string, msg proto.MeshMsg) error {
	if targetNodeID == "" {
		return fmt.Errorf("storebox: outbox requires a target node_id")
	}
	now := time.Now()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.byPeer[targetNodeID] = append(o.byPeer[targetNodeID], &pendingItem{
		msg:       msg,
		enqueued:  now,
		expiresAt: now.Add(o.expiry),
	})
	return nil
}

// Drain returns and clears all non-expired pending messages for
// target, in insertion order, for delivery over a freshly (re)opened
// session.
func (o *Outbox) Drain(targetNodeID string) []proto.MeshMsg {
	o.mu.Lock()
	defer o.mu.Unlock()
	items := o.byPeer[targetNodeID]
	delete(o.byPeer, targetNodeID)
	now := time.Now()
	out := make([]proto.MeshMsg, 0, len(items))
	for _, it := range items {
		if now.After(it.expiresAt) {
			continue
		}
		out = append(out, it.msg)
	}
	return out
}

// PurgeExpired drops expired items across all targets, returning the
// count removed (7-day outbox expiry).
func (o *Outbox) PurgeExpired() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := time.Now()
	removed := 0
	for peer, items := range o.byPeer {
		kept := items[:0:0]
		for _, it := range items {
			if now.After(it.expiresAt) {
				removed++
				continue
			}
			kept = append(kept, it)
		}
		if len(kept) == 0 {
			delete(o.byPeer, peer)
		} else {
			o.byPeer[peer] = kept
		}
	}
	return removed
}

// Pending reports the current queue depth for target, for status
// reporting (the management API's peers operation).
func (o *Outbox) Pending(targetNodeID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.byPeer[targetNodeID])
}

// AllPending returns every non-expired queued message across every
// target, in no particular cross-target order, for bundle.export:
// carrying everything this node owes its peers onto removable media
// rather than just one target's queue.
func (o *Outbox) AllPending() []proto.MeshMsg {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := time.Now()
	var out []proto.MeshMsg
	for _, items := range o.byPeer {
		for _, it := range items {
			if now.After(it.expiresAt) {
				continue
			}
			out = append(out, it.msg)
		}
	}
	return out
}
