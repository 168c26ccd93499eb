package content

import (
	"testing"

	"github.com/borisgraudt/elysium/internal/elycrypto"
)

type testSigner struct{ priv []byte }

func (s testSigner) Sign(digest []byte) ([]byte, error) {
	return elycrypto.SignDigest(s.priv, digest)
}

func TestParseAndBuildURLRoundTrip(t *testing.T) {
	nodeID, path, err := ParseURL("ely://aabbcc/notes/today.txt")
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	if nodeID != "aabbcc" || path != "notes/today.txt" {
		t.Fatalf("unexpected parse: node=%s path=%s", nodeID, path)
	}
	if BuildURL(nodeID, path) != "ely://aabbcc/notes/today.txt" {
		t.Fatalf("BuildURL mismatch")
	}
}

func TestParseURLRejectsMissingScheme(t *testing.T) {
	if _, _, err := ParseURL("http://aabbcc/x"); err == nil {
		t.Fatal("expected error for non-ely scheme")
	}
}

func TestPublishAndVerifyRoundTrip(t *testing.T) {
	pub, priv, err := elycrypto.GenKeypair()
	if err != nil {
		t.Fatalf("GenKeypair: %v", err)
	}
	s, err := NewStore(t.TempDir(), "nodeA", pub, 8)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	item, err := s.Publish(testSigner{priv: priv}, "notes/a.txt", []byte("hello"))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := Verify(item, pub); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	got, ok := s.LookupOwn("notes/a.txt")
	if !ok || string(got.Bytes) != "hello" {
		t.Fatalf("LookupOwn mismatch: %+v", got)
	}
}

func TestVerifyRejectsTamperedBytes(t *testing.T) {
	pub, priv, err := elycrypto.GenKeypair()
	if err != nil {
		t.Fatalf("GenKeypair: %v", err)
	}
	s, err := NewStore(t.TempDir(), "nodeA", pub, 8)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	item, err := s.Publish(testSigner{priv: priv}, "notes/a.txt", []byte("hello"))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	item.Bytes = []byte("tampered")
	if err := Verify(item, pub); err == nil {
		t.Fatal("expected tampered content to fail verification")
	}
}

func TestCacheForeignEvictsOverCapacity(t *testing.T) {
	pub, _, err := elycrypto.GenKeypair()
	if err != nil {
		t.Fatalf("GenKeypair: %v", err)
	}
	s, err := NewStore(t.TempDir(), "nodeA", pub, 2)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	s.CacheForeign(Item{OwnerNodeID: "n1", Path: "p"})
	s.CacheForeign(Item{OwnerNodeID: "n2", Path: "p"})
	s.CacheForeign(Item{OwnerNodeID: "n3", Path: "p"})
	if _, ok := s.LookupCache("n1", "p"); ok {
		t.Fatal("expected least-recently-used entry to be evicted")
	}
	if _, ok := s.LookupCache("n3", "p"); !ok {
		t.Fatal("expected most recent entry to remain cached")
	}
}
