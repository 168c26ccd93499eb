// Package fetch implements the content request/response protocol: a
// query for an ely:// path floods outward along the router's top-K
// next hops bounded by a hop_ttl (default 4), and the first verifying
// response wins. Each relaying node remembers which neighbor a
// request arrived from so the matching response can be routed
// straight back without a second flood. Grounded on
// proto/gossip.go's push/pull shape and internal/daemon/connman.go's
// top-K peer selection, combined with internal/router for scoring.
package fetch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/borisgraudt/elysium/internal/content"
	"github.com/borisgraudt/elysium/internal/elycrypto"
	"github.com/borisgraudt/elysium/internal/elyerr"
	"github.com/borisgraudt/elysium/internal/elylog"
	"github.com/borisgraudt/elysium/internal/proto"
	"github.com/borisgraudt/elysium/internal/router"
)

// Sender is the subset of session.Session fetch depends on.
type Sender interface {
	Send(msgType string, payload any) error
}

// SessionLookup resolves a node_id to a live session.
type SessionLookup interface {
	Get(nodeID string) (Sender, bool)
}

// Candidates supplies router scoring inputs for next-hop selection.
type Candidates interface {
	RouterCandidates() []router.Candidate
}

// PubKeyResolver looks up a known peer's identity public key, used to
// verify a ContentResponse's signature against its claimed owner.
type PubKeyResolver func(nodeID string) ([]byte, bool)

type pendingRequest struct {
	ch        chan proto.ContentResponseMsg
	ownerNode string
}

// Fetcher coordinates outbound content queries and the relay of
// inbound ones.
type Fetcher struct {
	sessions SessionLookup
	cands    Candidates
	scorer   *router.Scorer
	store    *content.Store
	pubkeys  PubKeyResolver
	hopTTL   int
	topK     int

	mu          sync.Mutex
	pendingHere map[string]*pendingRequest
	reversePath map[string]string
}

type Config struct {
	HopTTL int
	TopK   int
}

func NewFetcher(sessions SessionLookup, cands Candidates, scorer *router.Scorer, store *content.Store, pubkeys PubKeyResolver, cfg Config) *Fetcher {
	return &Fetcher{
		sessions:    sessions,
		cands:       cands,
		scorer:      scorer,
		store:       store,
		pubkeys:     pubkeys,
		hopTTL:      cfg.HopTTL,
		topK:        cfg.TopK,
		pendingHere: make(map[string]*pendingRequest),
		reversePath: make(map[string]string),
	}
}

// Request floods a query for url (an ely:// address) and blocks until
// the first verifying response arrives or ctx expires.
func (f *Fetcher) Request(ctx context.Context, url string) (content.Item, error) {
	ownerNode, _, err := content.ParseURL(url)
	if err != nil {
		return content.Item{}, err
	}
	reqID, err := newReqID()
	if err != nil {
		return content.Item{}, err
	}
	ch := make(chan proto.ContentResponseMsg, 4)
	f.mu.Lock()
	f.pendingHere[reqID] = &pendingRequest{ch: ch, ownerNode: ownerNode}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.pendingHere, reqID)
		f.mu.Unlock()
	}()

	msg := proto.ContentRequestMsg{Path: url, HopTTL: f.hopTTL, ReqID: reqID}
	f.floodRequest(msg, "")

	for {
		select {
		case <-ctx.Done():
			return content.Item{}, elyerr.ErrTimeout
		case resp := <-ch:
			item, ok := f.verifyResponse(ownerNode, url, resp)
			if !ok {
				continue // keep waiting for another candidate response
			}
			return item, nil
		}
	}
}

func (f *Fetcher) verifyResponse(ownerNode, url string, resp proto.ContentResponseMsg) (content.Item, bool) {
	if !resp.Found {
		return content.Item{}, false
	}
	pub, ok := f.pubkeys(ownerNode)
	if !ok {
		elylog.Warn("fetch: no known pubkey for owner %s, cannot verify response", ownerNode)
		return content.Item{}, false
	}
	_, path, err := content.ParseURL(url)
	if err != nil {
		return content.Item{}, false
	}
	item := content.Item{
		OwnerNodeID: ownerNode,
		Path:        path,
		Bytes:       resp.Bytes,
		Signature:   resp.Signature,
		PublishedAt: resp.PublishedAt,
	}
	item.Hash = elycrypto.SHA3_256(content.HashInput(item.OwnerNodeID, item.Path, item.Bytes))
	if err := content.Verify(item, pub); err != nil {
		elylog.Security("fetch: response failed verification for %s: %v", url, err)
		return content.Item{}, false
	}
	f.store.CacheForeign(item)
	return item, true
}

// HandleRequest answers or relays an inbound ContentRequest that
// arrived from fromNodeID.
func (f *Fetcher) HandleRequest(fromNodeID string, msg proto.ContentRequestMsg) {
	ownerNode, path, err := content.ParseURL(msg.Path)
	if err != nil {
		return
	}
	var item content.Item
	var found bool
	if own, ok := f.store.LookupOwn(path); ok && own.OwnerNodeID == ownerNode {
		item, found = own, true
	} else if cached, ok := f.store.LookupCache(ownerNode, path); ok {
		item, found = cached, true
	}
	if found {
		resp := proto.ContentResponseMsg{
			ReqID:       msg.ReqID,
			Path:        msg.Path,
			Bytes:       item.Bytes,
			Signature:   item.Signature,
			PublishedAt: item.PublishedAt,
			Found:       true,
		}
		if sess, ok := f.sessions.Get(fromNodeID); ok {
			if err := sess.Send(proto.TypeContentResponse, resp); err != nil {
				elylog.Warn("fetch: response send to %s failed: %v", fromNodeID, err)
			}
		}
		return
	}

	msg.HopTTL--
	if msg.HopTTL <= 0 {
		return
	}
	f.mu.Lock()
	if _, exists := f.reversePath[msg.ReqID]; !exists {
		f.reversePath[msg.ReqID] = fromNodeID
	}
	f.mu.Unlock()
	f.floodRequest(msg, fromNodeID)
}

// HandleResponse routes an inbound ContentResponse either to a
// locally pending Request call or back toward whichever neighbor the
// matching request arrived from.
func (f *Fetcher) HandleResponse(msg proto.ContentResponseMsg) {
	f.mu.Lock()
	pending, isOurs := f.pendingHere[msg.ReqID]
	back, hasReverse := f.reversePath[msg.ReqID]
	if hasReverse {
		delete(f.reversePath, msg.ReqID)
	}
	f.mu.Unlock()

	if isOurs {
		select {
		case pending.ch <- msg:
		default:
		}
		return
	}
	if hasReverse {
		if sess, ok := f.sessions.Get(back); ok {
			if err := sess.Send(proto.TypeContentResponse, msg); err != nil {
				elylog.Warn("fetch: relay response to %s failed: %v", back, err)
			}
		}
	}
}

func (f *Fetcher) floodRequest(msg proto.ContentRequestMsg, excludeNodeID string) {
	candidates := f.cands.RouterCandidates()
	exclude := map[string]bool{}
	if excludeNodeID != "" {
		exclude[excludeNodeID] = true
	}
	top := f.scorer.SelectTopK(candidates, f.topK, exclude)
	for _, c := range top {
		sess, ok := f.sessions.Get(c.Candidate.NodeID)
		if !ok {
			continue
		}
		if err := sess.Send(proto.TypeContentRequest, msg); err != nil {
			elylog.Warn("fetch: request send to %s failed: %v", c.Candidate.NodeID, err)
		}
	}
}

func newReqID() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
