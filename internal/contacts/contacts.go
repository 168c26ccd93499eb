// Package contacts is a supplemental local alias book: a human-facing
// node_id -> display name mapping, distinct from the signed, gossiped
// naming.Registry. Supplemented from
// original_source/core/src/contact_store.rs (add/get/list/remove over
// a keyed store), persisted with the original code's
// internal/peer/store.go-style append-only JSONL journal rather than
// the original's sled KV store, since this repo's persistence idiom
// throughout is JSONL, not an embedded KV engine.
package contacts

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/borisgraudt/elysium/internal/elyerr"
)

// Contact is one entry in the local address book.
type Contact struct {
	NodeID      string `json:"node_id"`
	DisplayName string `json:"display_name"`
	Alias       string `json:"alias,omitempty"`
	AddedAt     int64  `json:"added_at"`
	Removed     bool   `json:"removed,omitempty"`
}

// Book is the local contact store, one entry per node_id.
type Book struct {
	mu   sync.Mutex
	path string
	byID map[string]Contact
}

func NewBook(dataDir string) (*Book, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, err
	}
	b := &Book{path: filepath.Join(dataDir, "contacts.jsonl"), byID: make(map[string]Contact)}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Book) load() error {
	f, err := os.Open(b.path)
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
		var c Contact
		if err := json.Unmarshal(scanner.Bytes(), &c); err != nil {
			continue
		}
		if c.Removed {
			delete(b.byID, c.NodeID)
		} else {
			b.byID[c.NodeID] = c
		}
	}
	return scanner.Err()
}

// Add records or updates a contact (original's add_contact).
func (b *Book) Add(nodeID, displayName, alias string) (Contact, error) {
	c := Contact{NodeID: nodeID, DisplayName: displayName, Alias: alias, AddedAt: time.Now().Unix()}
	b.mu.Lock()
	b.byID[nodeID] = c
	b.mu.Unlock()
	return c, b.appendJournal(c)
}

func (b *Book) appendJournal(c Contact) error {
	f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	line, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

// Get returns one contact by node_id (original's get_contact).
func (b *Book) Get(nodeID string) (Contact, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.byID[nodeID]
	if !ok {
		return Contact{}, elyerr.ErrNotFound
	}
	return c, nil
}

// List returns every known contact (original's get_contacts).
func (b *Book) List() []Contact {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Contact, 0, len(b.byID))
	for _, c := range b.byID {
		out = append(out, c)
	}
	return out
}

// Remove deletes a contact, journaling a tombstone so replay on
// restart doesn't resurrect it (original's remove_contact returns
// whether anything was actually removed).
func (b *Book) Remove(nodeID string) (bool, error) {
	b.mu.Lock()
	_, existed := b.byID[nodeID]
	delete(b.byID, nodeID)
	b.mu.Unlock()
	if !existed {
		return false, nil
	}
	return true, b.appendJournal(Contact{NodeID: nodeID, Removed: true})
}
