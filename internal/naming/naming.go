// Package naming implements the local human-readable name registry:
// signed NameRecord entries resolved with timestamp-wins conflict
// resolution (lexicographically smaller node_id breaking exact ties),
// 30-day expiry. Grounded on internal/peer/invite.go's signed/expiring
// LRU+JSONL record pattern, with the conflict rule taken from
// original_source/core/src/naming.rs (register/resolve/list/delete
// over a sled KV store with no gossip).
package naming

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/borisgraudt/elysium/internal/elycrypto"
	"github.com/borisgraudt/elysium/internal/elyerr"
)

// Record is one signed name -> node_id binding.
type Record struct {
	Name      string `json:"name"`
	NodeID    string `json:"node_id"`
	Timestamp int64  `json:"timestamp"`
	ExpiresAt int64  `json:"expires_at"`
	Signature []byte `json:"signature"`
}

// SigningInput is what the owning node signs: name || node_id ||
// timestamp || expires_at, binding the whole record so a stale
// announce can't be spliced with a newer timestamp.
func SigningInput(r Record) []byte {
	buf := make([]byte, 0, len(r.Name)+len(r.NodeID)+16)
	buf = append(buf, []byte(r.Name)...)
	buf = append(buf, []byte(r.NodeID)...)
	buf = appendInt64(buf, r.Timestamp)
	buf = appendInt64(buf, r.ExpiresAt)
	return buf
}

func appendInt64(buf []byte, v int64) []byte {
	var tmp [8]byte
	for i := 7; i >= 0; i-- {
		tmp[i] = byte(v)
		v >>= 8
	}
	return append(buf, tmp[:]...)
}

// Signer is the minimal identity capability Register needs.
type Signer interface {
	Sign(digest []byte) ([]byte, error)
}

// Registry is the local name -> node_id table.
type Registry struct {
	mu      sync.Mutex
	path    string
	byName  map[string]Record
	expiry  time.Duration
}

func NewRegistry(dataDir string, expiry time.Duration) (*Registry, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, err
	}
	r := &Registry{
		path:   filepath.Join(dataDir, "names.jsonl"),
		byName: make(map[string]Record),
		expiry: expiry,
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 2<<20)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		r.mergeLocked(rec)
	}
	return scanner.Err()
}

// Register creates and signs a fresh binding of name to nodeID for
// this node's identity, overwriting any prior record this node owns
// for that name.
func (r *Registry) Register(signer Signer, name, nodeID string) (Record, error) {
	rec := Record{
		Name:      name,
		NodeID:    nodeID,
		Timestamp: time.Now().Unix(),
		ExpiresAt: time.Now().Add(r.expiry).Unix(),
	}
	sig, err := signer.Sign(elycrypto.SHA3_256(SigningInput(rec)))
	if err != nil {
		return Record{}, err
	}
	rec.Signature = sig
	if err := r.Apply(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Apply merges an externally-received record (e.g. via NameAnnounce)
// into the registry after the caller has verified its signature
// against the claimed owner's public key.
func (r *Registry) Apply(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mergeLocked(rec)
	return r.appendJournal(rec)
}

// mergeLocked applies timestamp-wins rule: the record with
// the larger timestamp wins; on an exact tie, the lexicographically
// smaller node_id wins, giving a deterministic outcome across all
// observers regardless of arrival order.
func (r *Registry) mergeLocked(rec Record) {
	existing, ok := r.byName[rec.Name]
	if !ok {
		r.byName[rec.Name] = rec
		return
	}
	if rec.Timestamp > existing.Timestamp {
		r.byName[rec.Name] = rec
		return
	}
	if rec.Timestamp == existing.Timestamp && rec.NodeID < existing.NodeID {
		r.byName[rec.Name] = rec
	}
}

func (r *Registry) appendJournal(rec Record) error {
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

// Resolve returns the current winning record for name, or
// elyerr.ErrNotFound / elyerr.ErrExpired.
func (r *Registry) Resolve(name string) (Record, error) {
	r.mu.Lock()
	rec, ok := r.byName[name]
	r.mu.Unlock()
	if !ok {
		return Record{}, elyerr.ErrNotFound
	}
	if time.Now().Unix() > rec.ExpiresAt {
		return Record{}, elyerr.ErrExpired
	}
	return rec, nil
}

// List returns every non-expired record.
func (r *Registry) List() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().Unix()
	out := make([]Record, 0, len(r.byName))
	for _, rec := range r.byName {
		if now <= rec.ExpiresAt {
			out = append(out, rec)
		}
	}
	return out
}

// Delete removes a locally owned name from this node's
// view, letting the record lapse at its natural expiry for other
// observers rather than issuing a retraction broadcast.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; !ok {
		return fmt.Errorf("naming: %w: %s", elyerr.ErrNotFound, name)
	}
	delete(r.byName, name)
	return nil
}
