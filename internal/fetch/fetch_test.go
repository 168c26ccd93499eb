package fetch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/borisgraudt/elysium/internal/content"
	"github.com/borisgraudt/elysium/internal/elycrypto"
	"github.com/borisgraudt/elysium/internal/proto"
	"github.com/borisgraudt/elysium/internal/router"
)

type fakeSender struct {
	mu  sync.Mutex
	in  chan proto.ContentRequestMsg
	out chan proto.ContentResponseMsg
}

func newFakeSender() *fakeSender {
	return &fakeSender{in: make(chan proto.ContentRequestMsg, 8), out: make(chan proto.ContentResponseMsg, 8)}
}

func (s *fakeSender) Send(msgType string, payload any) error {
	switch msgType {
	case proto.TypeContentRequest:
		s.in <- payload.(proto.ContentRequestMsg)
	case proto.TypeContentResponse:
		s.out <- payload.(proto.ContentResponseMsg)
	}
	return nil
}

type fakeSessions struct {
	mu   sync.Mutex
	live map[string]*fakeSender
}

func newFakeSessions() *fakeSessions { return &fakeSessions{live: make(map[string]*fakeSender)} }
func (f *fakeSessions) Get(nodeID string) (Sender, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.live[nodeID]
	return s, ok
}
func (f *fakeSessions) add(nodeID string) *fakeSender {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := newFakeSender()
	f.live[nodeID] = s
	return s
}

type fakeCandidates struct{ list []router.Candidate }

func (f *fakeCandidates) RouterCandidates() []router.Candidate { return f.list }

func TestRequestRoundTripAnsweredDirectly(t *testing.T) {
	sessions := newFakeSessions()
	neighborSender := sessions.add("neighbor")
	cands := &fakeCandidates{list: []router.Candidate{{NodeID: "neighbor"}}}
	scorer := router.NewScorer(router.DefaultWeights())

	pub, priv, err := elycrypto.GenKeypair()
	if err != nil {
		t.Fatalf("GenKeypair: %v", err)
	}
	ownerStore, err := content.NewStore(t.TempDir(), "owner", pub, 4)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := ownerStore.Publish(testSigner{priv}, "notes.txt", []byte("payload")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	requesterStore, err := content.NewStore(t.TempDir(), "requester", nil, 4)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	pubkeys := func(nodeID string) ([]byte, bool) {
		if nodeID == "owner" {
			return pub, true
		}
		return nil, false
	}
	f := NewFetcher(sessions, cands, scorer, requesterStore, pubkeys, Config{HopTTL: 4, TopK: 2})

	go func() {
		req := <-neighborSender.in
		it, ok := ownerStore.LookupOwn("notes.txt")
		if !ok {
			return
		}
		resp := proto.ContentResponseMsg{
			ReqID:       req.ReqID,
			Path:        req.Path,
			Bytes:       it.Bytes,
			Signature:   it.Signature,
			PublishedAt: it.PublishedAt,
			Found:       true,
		}
		f.HandleResponse(resp)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := f.Request(ctx, "ely://owner/notes.txt")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(got.Bytes) != "payload" {
		t.Fatalf("unexpected fetched bytes: %q", got.Bytes)
	}
}

type testSigner struct{ priv []byte }

func (s testSigner) Sign(digest []byte) ([]byte, error) {
	return elycrypto.SignDigest(s.priv, digest)
}

func TestHandleRequestAnswersFromLocalStore(t *testing.T) {
	sessions := newFakeSessions()
	requesterSender := sessions.add("requester")
	cands := &fakeCandidates{}
	scorer := router.NewScorer(router.DefaultWeights())

	pub, priv, err := elycrypto.GenKeypair()
	if err != nil {
		t.Fatalf("GenKeypair: %v", err)
	}
	store, err := content.NewStore(t.TempDir(), "owner", pub, 4)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := store.Publish(testSigner{priv}, "a.txt", []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	f := NewFetcher(sessions, cands, scorer, store, nil, Config{HopTTL: 4, TopK: 2})
	f.HandleRequest("requester", proto.ContentRequestMsg{Path: "ely://owner/a.txt", HopTTL: 4, ReqID: "r1"})

	select {
	case resp := <-requesterSender.out:
		if !resp.Found || string(resp.Bytes) != "x" {
			t.Fatalf("unexpected response: %+v", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestHandleRequestDropsAtZeroHopTTL(t *testing.T) {
	sessions := newFakeSessions()
	sessions.add("next")
	cands := &fakeCandidates{list: []router.Candidate{{NodeID: "next"}}}
	scorer := router.NewScorer(router.DefaultWeights())
	store, err := content.NewStore(t.TempDir(), "relay", nil, 4)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	f := NewFetcher(sessions, cands, scorer, store, nil, Config{HopTTL: 4, TopK: 2})
	f.HandleRequest("prev", proto.ContentRequestMsg{Path: "ely://owner/missing.txt", HopTTL: 1, ReqID: "r2"})

	nextSender, _ := sessions.Get("next")
	select {
	case <-nextSender.(*fakeSender).in:
		t.Fatal("expected no further relay once hop_ttl hits zero")
	case <-time.After(100 * time.Millisecond):
	}
}
