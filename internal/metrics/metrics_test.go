package metrics

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRecordForwardUpdatesGlobalAndPerPeerCounts(t *testing.T) {
	m := New()
	m.RecordForward("aa", true)
	m.RecordForward("aa", true)
	m.RecordForward("aa", false)
	m.RecordForward("bb", true)

	snap := m.Snapshot()
	if snap.ForwardOK != 3 {
		t.Fatalf("expected forward_ok=3, got %d", snap.ForwardOK)
	}
	if snap.ForwardFail != 1 {
		t.Fatalf("expected forward_fail=1, got %d", snap.ForwardFail)
	}

	ok, fail := m.PeerForwardCounts("aa")
	if ok != 2 || fail != 1 {
		t.Fatalf("expected aa ok=2 fail=1, got ok=%d fail=%d", ok, fail)
	}
	ok, fail = m.PeerForwardCounts("bb")
	if ok != 1 || fail != 0 {
		t.Fatalf("expected bb ok=1 fail=0, got ok=%d fail=%d", ok, fail)
	}
}

func TestPeerForwardCountsUnknownPeerReturnsZero(t *testing.T) {
	m := New()
	ok, fail := m.PeerForwardCounts("ghost")
	if ok != 0 || fail != 0 {
		t.Fatalf("expected zero counts for unknown peer, got ok=%d fail=%d", ok, fail)
	}
}

func TestFetchAndHandshakeCounters(t *testing.T) {
	m := New()
	m.IncFetchRequest()
	m.IncFetchRequest()
	m.IncFetchHit()
	m.IncFetchMiss()
	m.IncFetchTimeout()
	m.IncHandshakeOK()
	m.IncHandshakeOK()
	m.IncHandshakeFail()

	snap := m.Snapshot()
	if snap.FetchRequests != 2 || snap.FetchHits != 1 || snap.FetchMisses != 1 || snap.FetchTimeouts != 1 {
		t.Fatalf("unexpected fetch counters: %+v", snap)
	}
	if snap.HandshakeOK != 2 || snap.HandshakeFail != 1 {
		t.Fatalf("unexpected handshake counters: %+v", snap)
	}
}

func TestSnapshotIncludesRecentForwardEvents(t *testing.T) {
	m := New()
	for i := 0; i < 5; i++ {
		m.RecordForward("aa", true)
	}
	snap := m.Snapshot()
	if len(snap.Recent) != 5 {
		t.Fatalf("expected 5 recent events, got %d", len(snap.Recent))
	}
	for _, e := range snap.Recent {
		if e.NodeID != "aa" || !e.Success {
			t.Fatalf("unexpected recent event: %+v", e)
		}
	}
}

func TestRecentRingDropsOldestOverCapacity(t *testing.T) {
	m := New()
	m.recent = newRecentRing(3)
	m.RecordForward("a1", true)
	m.RecordForward("a2", true)
	m.RecordForward("a3", true)
	m.RecordForward("a4", true)

	recent := m.recent.list()
	if len(recent) != 3 {
		t.Fatalf("expected ring capped at 3, got %d", len(recent))
	}
	if recent[0].NodeID != "a2" || recent[2].NodeID != "a4" {
		t.Fatalf("expected oldest entry dropped, got %+v", recent)
	}
}

func TestWriteSnapshotWritesFile(t *testing.T) {
	m := New()
	m.RecordForward("aa", true)
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty snapshot file")
	}
}

func TestWriteSnapshotEmptyPathIsNoop(t *testing.T) {
	m := New()
	if err := m.WriteSnapshot(""); err != nil {
		t.Fatalf("expected no error for empty path, got %v", err)
	}
}
