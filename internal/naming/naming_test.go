package naming

import (
	"testing"
	"time"

	"github.com/borisgraudt/elysium/internal/elycrypto"
)

type testSigner struct{ priv []byte }

func (s testSigner) Sign(digest []byte) ([]byte, error) {
	return elycrypto.SignDigest(s.priv, digest)
}

func TestRegisterAndResolve(t *testing.T) {
	_, priv, err := elycrypto.GenKeypair()
	if err != nil {
		t.Fatalf("GenKeypair: %v", err)
	}
	r, err := NewRegistry(t.TempDir(), 30*24*time.Hour)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, err := r.Register(testSigner{priv: priv}, "alice", "aa"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	rec, err := r.Resolve("alice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec.NodeID != "aa" {
		t.Fatalf("unexpected node_id: %s", rec.NodeID)
	}
}

func TestResolveMissingReturnsNotFound(t *testing.T) {
	r, err := NewRegistry(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, err := r.Resolve("ghost"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestTimestampWinsConflictResolution(t *testing.T) {
	r, err := NewRegistry(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	old := Record{Name: "bob", NodeID: "zz", Timestamp: 100, ExpiresAt: time.Now().Add(time.Hour).Unix()}
	newer := Record{Name: "bob", NodeID: "aa", Timestamp: 200, ExpiresAt: time.Now().Add(time.Hour).Unix()}

	if err := r.Apply(old); err != nil {
		t.Fatalf("Apply old: %v", err)
	}
	if err := r.Apply(newer); err != nil {
		t.Fatalf("Apply newer: %v", err)
	}
	rec, err := r.Resolve("bob")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec.NodeID != "aa" {
		t.Fatalf("expected newer timestamp to win, got node_id=%s", rec.NodeID)
	}

	// a stale record arriving after must not override the winner.
	if err := r.Apply(old); err != nil {
		t.Fatalf("Apply stale replay: %v", err)
	}
	rec2, _ := r.Resolve("bob")
	if rec2.NodeID != "aa" {
		t.Fatalf("expected stale record to not override the timestamp winner, got %s", rec2.NodeID)
	}
}

func TestExactTimestampTieBreaksLexicographically(t *testing.T) {
	r, err := NewRegistry(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	ts := int64(500)
	exp := time.Now().Add(time.Hour).Unix()
	a := Record{Name: "carol", NodeID: "bb", Timestamp: ts, ExpiresAt: exp}
	b := Record{Name: "carol", NodeID: "aa", Timestamp: ts, ExpiresAt: exp}

	if err := r.Apply(a); err != nil {
		t.Fatalf("Apply a: %v", err)
	}
	if err := r.Apply(b); err != nil {
		t.Fatalf("Apply b: %v", err)
	}
	rec, err := r.Resolve("carol")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec.NodeID != "aa" {
		t.Fatalf("expected lexicographically smaller node_id 'aa' to win tie, got %s", rec.NodeID)
	}
}

func TestResolveExpiredReturnsExpired(t *testing.T) {
	r, err := NewRegistry(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	rec := Record{Name: "dan", NodeID: "aa", Timestamp: 1, ExpiresAt: time.Now().Add(-time.Minute).Unix()}
	if err := r.Apply(rec); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := r.Resolve("dan"); err == nil {
		t.Fatal("expected expired error")
	}
}
