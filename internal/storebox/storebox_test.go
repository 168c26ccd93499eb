package storebox

import (
	"testing"
	"time"

	"github.com/borisgraudt/elysium/internal/proto"
)

func TestInboxAppendAndReplay(t *testing.T) {
	ib, err := NewInbox(t.TempDir())
	if err != nil {
		t.Fatalf("NewInbox: %v", err)
	}
	if err := ib.Append(DeliveredMessage{MessageID: "m1", Origin: "aa", Plaintext: []byte("hi")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	all, err := ib.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 1 || all[0].MessageID != "m1" {
		t.Fatalf("unexpected inbox contents: %+v", all)
	}
}

func TestInboxWatchReceivesAppends(t *testing.T) {
	ib, err := NewInbox(t.TempDir())
	if err != nil {
		t.Fatalf("NewInbox: %v", err)
	}
	ch, cancel := ib.Watch(4)
	defer cancel()

	if err := ib.Append(DeliveredMessage{MessageID: "m2", Origin: "bb"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	select {
	case v := <-ch:
		dm, ok := v.(DeliveredMessage)
		if !ok || dm.MessageID != "m2" {
			t.Fatalf("unexpected watch value: %#v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for watch notification")
	}
}

func TestOutboxDrainInsertionOrder(t *testing.T) {
	ob := NewOutbox(time.Hour)
	_ = ob.Enqueue("peer1", proto.MeshMsg{MessageID: "a"})
	_ = ob.Enqueue("peer1", proto.MeshMsg{MessageID: "b"})
	_ = ob.Enqueue("peer2", proto.MeshMsg{MessageID: "c"})

	got := ob.Drain("peer1")
	if len(got) != 2 || got[0].MessageID != "a" || got[1].MessageID != "b" {
		t.Fatalf("unexpected drain order: %+v", got)
	}
	if ob.Pending("peer1") != 0 {
		t.Fatal("expected drain to clear the queue")
	}
	if ob.Pending("peer2") != 1 {
		t.Fatal("expected peer2's queue untouched")
	}
}

func TestOutboxPurgeExpired(t *testing.T) {
	ob := NewOutbox(-time.Second) // already expired on enqueue
	_ = ob.Enqueue("peer1", proto.MeshMsg{MessageID: "a"})
	removed := ob.PurgeExpired()
	if removed != 1 {
		t.Fatalf("expected 1 expired item removed, got %d", removed)
	}
	if ob.Pending("peer1") != 0 {
		t.Fatal("expected peer1's queue to be empty after purge")
	}
}
