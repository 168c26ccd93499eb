// Package content implements the content-addressed publish/fetch
// store: locally published (owner_node, path) -> bytes entries signed
// by the owning node, an ely:// URL scheme for addressing, and a
// bounded cache for content fetched from other nodes. Grounded on
// internal/store/store.go's persistence idiom and the key scheme of
// original_source/core/src/content_store.rs, enriched with the
// hash+signature integrity checks the original lacked (it stored
// bytes with no authenticity check).
package content

import (
	"bufio"
	"container/list"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/borisgraudt/elysium/internal/elycrypto"
	"github.com/borisgraudt/elysium/internal/elyerr"
)

// URLScheme is the scheme prefix for content addresses:
// "ely://<node_id>/<path>".
const URLScheme = "ely://"

// ParseURL splits an ely:// URL into its owning node_id and path.
func ParseURL(u string) (nodeID, path string, err error) {
	if !strings.HasPrefix(u, URLScheme) {
		return "", "", fmt.Errorf("content: %w: missing ely:// scheme", elyerr.ErrInvalidInput)
	}
	rest := u[len(URLScheme):]
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("content: %w: malformed ely url", elyerr.ErrInvalidInput)
	}
	return parts[0], parts[1], nil
}

func BuildURL(nodeID, path string) string {
	return URLScheme + nodeID + "/" + path
}

// Item is one stored content entry, local or cached, with the
// integrity material a remote fetcher needs to verify it.
type Item struct {
	OwnerNodeID string `json:"owner_node_id"`
	Path        string `json:"path"`
	Bytes       []byte `json:"bytes"`
	Hash        []byte `json:"hash"`
	Signature   []byte `json:"signature"`
	PublishedAt int64  `json:"published_at"`
}

// HashInput is what gets SHA3-256 hashed and signed: owner || path ||
// bytes, binding the content to both its owner and its addressed path
// so a signature cannot be replayed onto a different path.
func HashInput(ownerNodeID, path string, data []byte) []byte {
	buf := make([]byte, 0, len(ownerNodeID)+len(path)+len(data))
	buf = append(buf, []byte(ownerNodeID)...)
	buf = append(buf, []byte(path)...)
	buf = append(buf, data...)
	return buf
}

// Signer is the minimal identity capability Publish needs.
type Signer interface {
	Sign(digest []byte) ([]byte, error)
}

// Store holds this node's own published content (journaled to disk)
// plus a bounded in-memory LRU cache of content fetched from peers.
type Store struct {
	selfNodeID string
	selfPub    []byte
	dataDir    string

	mu    sync.Mutex
	own   map[string]Item // path -> item, for this node's own publishes

	cacheCap int
	cache    *list.List
	cacheIdx map[string]*list.Element
}

func NewStore(dataDir, selfNodeID string, selfPub []byte, cacheCap int) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, err
	}
	s := &Store{
		selfNodeID: selfNodeID,
		selfPub:    selfPub,
		dataDir:    dataDir,
		own:        make(map[string]Item),
		cacheCap:   cacheCap,
		cache:      list.New(),
		cacheIdx:   make(map[string]*list.Element),
	}
	if err := s.loadOwn(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) journalPath() string { return filepath.Join(s.dataDir, "content.jsonl") }

func (s *Store) loadOwn() error {
	f, err := os.Open(s.journalPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 8<<20)
	for scanner.Scan() {
		var it Item
		if err := json.Unmarshal(scanner.Bytes(), &it); err != nil {
			continue
		}
		s.own[it.Path] = it
	}
	return scanner.Err()
}

// Publish signs and stores data under path, owned by this node.
func (s *Store) Publish(signer Signer, path string, data []byte) (Item, error) {
	hash := elycrypto.SHA3_256(HashInput(s.selfNodeID, path, data))
	sig, err := signer.Sign(hash)
	if err != nil {
		return Item{}, err
	}
	item := Item{
		OwnerNodeID: s.selfNodeID,
		Path:        path,
		Bytes:       data,
		Hash:        hash,
		Signature:   sig,
		PublishedAt: time.Now().Unix(),
	}
	s.mu.Lock()
	s.own[path] = item
	s.mu.Unlock()
	return item, s.appendJournal(item)
}

func (s *Store) appendJournal(item Item) error {
	f, err := os.OpenFile(s.journalPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	line, err := json.Marshal(item)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

// LookupOwn returns a locally published item for path, if any.
func (s *Store) LookupOwn(path string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.own[path]
	return it, ok
}

// CacheForeign stores a verified remote item in the bounded LRU cache
// so repeated fetches don't re-traverse the mesh. Callers must call
// Verify first; CacheForeign does not re-check the signature.
func (s *Store) CacheForeign(item Item) {
	key := BuildURL(item.OwnerNodeID, item.Path)
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.cacheIdx[key]; ok {
		el.Value = &item
		s.cache.MoveToFront(el)
		return
	}
	el := s.cache.PushFront(&item)
	s.cacheIdx[key] = el
	if s.cacheCap > 0 && s.cache.Len() > s.cacheCap {
		tail := s.cache.Back()
		if tail != nil {
			evicted := tail.Value.(*Item)
			delete(s.cacheIdx, BuildURL(evicted.OwnerNodeID, evicted.Path))
			s.cache.Remove(tail)
		}
	}
}

// LookupCache returns a cached foreign item for nodeID/path, if any.
func (s *Store) LookupCache(nodeID, path string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.cacheIdx[BuildURL(nodeID, path)]
	if !ok {
		return Item{}, false
	}
	s.cache.MoveToFront(el)
	return *el.Value.(*Item), true
}

// Verify checks an item's hash and signature against ownerPub,
// rejecting tampered or misattributed content (.7 integrity
// requirement, absent from the original Rust content_store.rs).
func Verify(item Item, ownerPub []byte) error {
	wantHash := elycrypto.SHA3_256(HashInput(item.OwnerNodeID, item.Path, item.Bytes))
	if string(wantHash) != string(item.Hash) {
		return fmt.Errorf("content: %w: hash mismatch", elyerr.ErrCorruptLocal)
	}
	if !elycrypto.VerifyDigest(ownerPub, item.Hash, item.Signature) {
		return elyerr.ErrSignatureInvalid
	}
	return nil
}
