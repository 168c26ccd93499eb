package api

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/borisgraudt/elysium/internal/config"
	"github.com/borisgraudt/elysium/internal/node"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.ListenAddr = "127.0.0.1:0"
	n, err := node.New(cfg)
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}
	return &Service{N: n}
}

func TestStatusReportsNodeID(t *testing.T) {
	svc := newTestService(t)
	res, err := svc.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if res.NodeID != svc.N.NodeIDHex() {
		t.Fatalf("expected node_id %s, got %s", svc.N.NodeIDHex(), res.NodeID)
	}
}

func TestPeersEmptyOnFreshNode(t *testing.T) {
	svc := newTestService(t)
	res, err := svc.Peers(context.Background())
	if err != nil {
		t.Fatalf("Peers: %v", err)
	}
	if len(res) != 0 {
		t.Fatalf("expected no peers on a fresh node, got %d", len(res))
	}
}

func TestSendUnicastWithoutTargetFails(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Send(context.Background(), SendParams{Payload: []byte("hi")})
	if err == nil {
		t.Fatal("expected error for unicast send with no target")
	}
}

func TestSendUnicastToUnknownTargetFails(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Send(context.Background(), SendParams{Target: "deadbeef", Payload: []byte("hi")})
	if err == nil {
		t.Fatal("expected error for send to an unknown target")
	}
}

func TestPublishAndFetchOwnContent(t *testing.T) {
	svc := newTestService(t)
	pub, err := svc.Publish(context.Background(), PublishParams{Path: "hello.txt", Bytes: []byte("hi there")})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if pub.URL == "" {
		t.Fatal("expected a non-empty ely:// url")
	}

	got, err := svc.Fetch(context.Background(), FetchParams{URL: pub.URL})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got.Bytes) != "hi there" {
		t.Fatalf("expected fetched bytes to round-trip, got %q", got.Bytes)
	}
}

func TestFetchMalformedURLFails(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.Fetch(context.Background(), FetchParams{URL: "not-a-url"}); err == nil {
		t.Fatal("expected malformed url to fail")
	}
}

func TestNameRegisterAndResolve(t *testing.T) {
	svc := newTestService(t)
	reg, err := svc.NameRegister(context.Background(), NameRegisterParams{Name: "alice"})
	if err != nil {
		t.Fatalf("NameRegister: %v", err)
	}
	if reg.Record.NodeID != svc.N.NodeIDHex() {
		t.Fatalf("expected registered record to point at self, got %s", reg.Record.NodeID)
	}

	res, err := svc.NameResolve(context.Background(), NameResolveParams{Name: "alice"})
	if err != nil {
		t.Fatalf("NameResolve: %v", err)
	}
	if res.NodeID != svc.N.NodeIDHex() {
		t.Fatalf("expected resolve to return self, got %s", res.NodeID)
	}
}

func TestNameResolveUnknownNameFails(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.NameResolve(context.Background(), NameResolveParams{Name: "nobody"}); err == nil {
		t.Fatal("expected resolving an unregistered name to fail")
	}
}

// TestBundleExportImportInfoRoundTrip exports the outbox (here just an
// empty queue, since nothing has been sent yet) and exercises
// info/import against the same file, including the self-exporter
// pubkey fallback path in BundleImport.
func TestBundleExportImportInfoRoundTrip(t *testing.T) {
	svc := newTestService(t)
	path := filepath.Join(t.TempDir(), "out.bundle")

	exp, err := svc.BundleExport(context.Background(), BundleExportParams{Path: path})
	if err != nil {
		t.Fatalf("BundleExport: %v", err)
	}
	if exp.ItemCount != 0 {
		t.Fatalf("expected an empty outbox to export zero items, got %d", exp.ItemCount)
	}

	info, err := svc.BundleInfo(context.Background(), BundleInfoParams{Path: path})
	if err != nil {
		t.Fatalf("BundleInfo: %v", err)
	}
	if info.Info.ExporterNodeID != svc.N.NodeIDHex() {
		t.Fatalf("expected exporter %s, got %s", svc.N.NodeIDHex(), info.Info.ExporterNodeID)
	}

	imp, err := svc.BundleImport(context.Background(), BundleImportParams{Path: path})
	if err != nil {
		t.Fatalf("BundleImport: %v", err)
	}
	if imp.Imported != 0 || imp.Duplicates != 0 {
		t.Fatalf("expected an empty bundle to import nothing, got %+v", imp)
	}
}

func TestContactsAddAndList(t *testing.T) {
	svc := newTestService(t)
	add, err := svc.ContactsAdd(context.Background(), ContactsAddParams{
		NodeID:      "deadbeef",
		DisplayName: "Alice",
		Alias:       "al",
	})
	if err != nil {
		t.Fatalf("ContactsAdd: %v", err)
	}
	if add.Contact.DisplayName != "Alice" {
		t.Fatalf("expected display name Alice, got %s", add.Contact.DisplayName)
	}

	list, err := svc.ContactsList(context.Background())
	if err != nil {
		t.Fatalf("ContactsList: %v", err)
	}
	if len(list.Contacts) != 1 || list.Contacts[0].NodeID != "deadbeef" {
		t.Fatalf("expected one contact deadbeef, got %+v", list.Contacts)
	}
}

func TestContactsAddRequiresNodeID(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.ContactsAdd(context.Background(), ContactsAddParams{DisplayName: "nobody"}); err == nil {
		t.Fatal("expected empty node_id to fail")
	}
}

func TestPingUnknownNodeFails(t *testing.T) {
	svc := newTestService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := svc.Ping(ctx, PingParams{NodeID: "deadbeef"}); err == nil {
		t.Fatal("expected ping to an unknown node to fail")
	}
}

// TestServeAndDialRoundTrip exercises the actual jrpc2 transport over a
// Unix domain socket end to end, the same wiring cmd/elysium-node uses.
func TestServeAndDialRoundTrip(t *testing.T) {
	svc := newTestService(t)
	sock := filepath.Join(t.TempDir(), "api.sock")
	ln, err := Serve(svc, sock)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	defer ln.Close()
	time.Sleep(20 * time.Millisecond)

	cli, err := Dial(sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var res StatusResult
	if err := cli.Call(ctx, "status", struct{}{}, &res); err != nil {
		t.Fatalf("status call: %v", err)
	}
	if res.NodeID != svc.N.NodeIDHex() {
		t.Fatalf("expected node_id %s, got %s", svc.N.NodeIDHex(), res.NodeID)
	}
}
