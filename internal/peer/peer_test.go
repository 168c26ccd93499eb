package peer

import (
	"math/rand"
	"testing"
	"time"
)

func TestStoreUpsertAndPersist(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 10)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	s.Upsert(Info{NodeID: "aa", Addr: "10.0.0.1:9000"})
	s.Upsert(Info{NodeID: "bb", Addr: "10.0.0.2:9000"})

	got, err := s.Get("aa")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Addr != "10.0.0.1:9000" {
		t.Fatalf("unexpected addr: %s", got.Addr)
	}

	// reload from the journal and confirm both peers survive.
	s2, err := NewStore(dir, 10)
	if err != nil {
		t.Fatalf("NewStore reload: %v", err)
	}
	all := s2.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 peers after reload, got %d", len(all))
	}
}

func TestStoreEvictsOverCapacity(t *testing.T) {
	s, err := NewStore(t.TempDir(), 2)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	s.Upsert(Info{NodeID: "a"})
	s.Upsert(Info{NodeID: "b"})
	s.Upsert(Info{NodeID: "c"})
	if len(s.All()) != 2 {
		t.Fatalf("expected eviction to cap at 2, got %d", len(s.All()))
	}
	if _, err := s.Get("a"); err == nil {
		t.Fatal("expected least-recently-used peer 'a' to be evicted")
	}
}

func TestPingSuccessRatioDefaultsOptimistic(t *testing.T) {
	info := Info{}
	if r := info.PingSuccessRatio(); r != 1.0 {
		t.Fatalf("expected optimistic default ratio 1.0, got %v", r)
	}
	info.PingTotal = 4
	info.PingSuccess = 3
	if r := info.PingSuccessRatio(); r != 0.75 {
		t.Fatalf("expected 0.75, got %v", r)
	}
}

func TestComputeBackoffCapsAndGrows(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	policy := DialPolicy{Base: time.Second, Cap: 10 * time.Second, Jitter: 0}
	d0 := computeBackoff(0, policy, rng)
	d3 := computeBackoff(3, policy, rng)
	d20 := computeBackoff(20, policy, rng)
	if d0 != time.Second {
		t.Fatalf("expected base backoff 1s, got %v", d0)
	}
	if d3 != 8*time.Second {
		t.Fatalf("expected 8s at 3 failures, got %v", d3)
	}
	if d20 != policy.Cap {
		t.Fatalf("expected cap at large failure counts, got %v", d20)
	}
}

func TestReadyToDialRespectsCooldown(t *testing.T) {
	s, err := NewStore(t.TempDir(), 10)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	s.Upsert(Info{NodeID: "x"})
	policy := DialPolicy{Base: time.Hour, Cap: time.Hour, Jitter: 0}
	s.MarkDialAttempt("x", policy)
	if s.ReadyToDial("x") {
		t.Fatal("expected peer to not be ready to dial during backoff window")
	}
	s.ClearInFlight("x")
	if s.ReadyToDial("x") {
		t.Fatal("expected peer still inside backoff window after clearing in-flight flag")
	}
}
