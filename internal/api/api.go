// Package api implements the local management API: the in-process
// operation set (status, peers, send, inbox, watch, publish, fetch,
// name.register, name.resolve, bundle.export/import/info, ping) that
// external CLIs and gateways consume, plus a JSON-RPC transport for
// it. Grounded on parazyd-tordam's cmd/tor-dam/tor-dam.go server setup
// (handler.ServiceMap + server.Loop) and peer_announce.go's client
// shape (jrpc2.NewClient + channel.RawJSON); JSON-RPC over a Unix
// domain socket keeps the transport an implementation detail of the
// host process rather than a network-facing surface.
package api

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/channel"
	"github.com/creachadair/jrpc2/handler"
	"github.com/creachadair/jrpc2/server"

	"github.com/borisgraudt/elysium/internal/bundle"
	"github.com/borisgraudt/elysium/internal/contacts"
	"github.com/borisgraudt/elysium/internal/content"
	"github.com/borisgraudt/elysium/internal/elyerr"
	"github.com/borisgraudt/elysium/internal/elylog"
	"github.com/borisgraudt/elysium/internal/identity"
	"github.com/borisgraudt/elysium/internal/metrics"
	"github.com/borisgraudt/elysium/internal/naming"
	"github.com/borisgraudt/elysium/internal/node"
	"github.com/borisgraudt/elysium/internal/proto"
	"github.com/borisgraudt/elysium/internal/storebox"
)

// ServiceName is the jrpc2 method-group prefix every operation below
// is exposed under ("status" becomes "elysium.status", etc.), the
// same handler.ServiceMap convention tordam uses for its "ann" group.
const ServiceName = "elysium"

// Service implements every management operation against one running
// Node. Each method's signature follows a shape jrpc2/handler's
// reflection-based dispatch recognizes:
// func(context.Context, Req) (Resp, error).
type Service struct {
	N *node.Node
}

// Assigner builds the jrpc2 method map for this service, ready to
// hand to server.Loop or jrpc2.NewServer.
func (s *Service) Assigner() jrpc2.Assigner {
	return handler.ServiceMap{ServiceName: handler.NewService(s)}
}

// Serve opens addr and runs the JSON-RPC server loop, accepting
// connections as tor-dam's main() does. addr is resolved through
// jrpc2.Network, so a filesystem path (the normal case, keeping the
// management API off the network entirely) yields a unix listener,
// while a host:port string yields tcp.
func Serve(svc *Service, addr string) (net.Listener, error) {
	ln, err := net.Listen(jrpc2.Network(addr), addr)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := server.Loop(ln, server.NewStatic(svc.Assigner()), nil); err != nil {
			elylog.Warn("api: server loop exited: %v", err)
		}
	}()
	return ln, nil
}

// --- status ---

type StatusResult struct {
	NodeID     string            `json:"node_id"`
	ListenAddr string            `json:"listen_addr"`
	PeerCount  int               `json:"peer_count"`
	Metrics    metrics.Snapshot  `json:"metrics"`
}

func (s *Service) Status(ctx context.Context) (StatusResult, error) {
	return StatusResult{
		NodeID:     s.N.NodeIDHex(),
		ListenAddr: s.N.Config.ListenAddr,
		PeerCount:  len(s.N.Peers.All()),
		Metrics:    s.N.Metrics.Snapshot(),
	}, nil
}

// --- peers ---

type PeerView struct {
	NodeID        string  `json:"node_id"`
	Addr          string  `json:"addr"`
	Connected     bool    `json:"connected"`
	LatencyEWMAMS float64 `json:"latency_ewma_ms"`
	PingSuccess   uint64  `json:"ping_success"`
	PingTotal     uint64  `json:"ping_total"`
	UptimeSec     int64   `json:"uptime_seconds"`
	OutboxPending int     `json:"outbox_pending"`
}

func (s *Service) Peers(ctx context.Context) ([]PeerView, error) {
	infos := s.N.Peers.All()
	out := make([]PeerView, 0, len(infos))
	for _, p := range infos {
		out = append(out, PeerView{
			NodeID:        p.NodeID,
			Addr:          p.Addr,
			Connected:     p.Connected,
			LatencyEWMAMS: p.LatencyEWMA,
			PingSuccess:   p.PingSuccess,
			PingTotal:     p.PingTotal,
			UptimeSec:     p.UptimeSec,
			OutboxPending: s.N.Outbox.Pending(p.NodeID),
		})
	}
	return out, nil
}

// --- send ---

type SendParams struct {
	Target    string `json:"target"`
	Broadcast bool   `json:"broadcast"`
	Payload   []byte `json:"payload"`
}

type SendResult struct {
	MessageID string `json:"message_id"`
}

func (s *Service) Send(ctx context.Context, p SendParams) (SendResult, error) {
	var targetPub []byte
	if !p.Broadcast {
		if p.Target == "" {
			return SendResult{}, fmt.Errorf("api: %w: target required for unicast send", elyerr.ErrInvalidInput)
		}
		pub, ok := s.N.ResolvePubKey(p.Target)
		if !ok {
			return SendResult{}, fmt.Errorf("api: %w: unknown target %s", elyerr.ErrNotFound, p.Target)
		}
		targetPub = pub
	}
	id, err := s.N.Forwarder.Submit(p.Target, targetPub, p.Broadcast, p.Payload)
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{MessageID: id}, nil
}

// --- inbox ---

type InboxParams struct {
	LastN int `json:"last_n"`
}

type InboxResult struct {
	Messages []storebox.DeliveredMessage `json:"messages"`
}

func (s *Service) Inbox(ctx context.Context, p InboxParams) (InboxResult, error) {
	all, err := s.N.Inbox.All()
	if err != nil {
		return InboxResult{}, err
	}
	if p.LastN > 0 && len(all) > p.LastN {
		all = all[len(all)-p.LastN:]
	}
	return InboxResult{Messages: all}, nil
}

// --- watch ---

// WatchParams bounds how long one long-poll call waits for the next
// inbox event: a push-style stream is rendered over request/response
// JSON-RPC as repeated long-polls.
type WatchParams struct {
	TimeoutMillis int `json:"timeout_ms"`
}

type WatchResult struct {
	Messages []storebox.DeliveredMessage `json:"messages"`
	Lagged   int                         `json:"lagged"`
}

func (s *Service) Watch(ctx context.Context, p WatchParams) (WatchResult, error) {
	timeout := time.Duration(p.TimeoutMillis) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ch, cancel := s.N.Inbox.Watch(16)
	defer cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var result WatchResult
	select {
	case v := <-ch:
		switch ev := v.(type) {
		case storebox.DeliveredMessage:
			result.Messages = append(result.Messages, ev)
		case storebox.Lagged:
			result.Lagged = ev.Skipped
		}
	case <-timer.C:
	case <-ctx.Done():
		return WatchResult{}, elyerr.ErrTimeout
	}
	return result, nil
}

// --- publish / fetch ---

type PublishParams struct {
	Path  string `json:"path"`
	Bytes []byte `json:"bytes"`
}

type PublishResult struct {
	URL string `json:"url"`
}

func (s *Service) Publish(ctx context.Context, p PublishParams) (PublishResult, error) {
	item, err := s.N.Content.Publish(s.N.Identity, p.Path, p.Bytes)
	if err != nil {
		return PublishResult{}, err
	}
	return PublishResult{URL: content.BuildURL(item.OwnerNodeID, item.Path)}, nil
}

type FetchParams struct {
	URL           string `json:"url"`
	TimeoutMillis int    `json:"timeout_ms"`
}

type FetchResult struct {
	Bytes []byte `json:"bytes"`
}

func (s *Service) Fetch(ctx context.Context, p FetchParams) (FetchResult, error) {
	ownerNode, path, err := content.ParseURL(p.URL)
	if err != nil {
		return FetchResult{}, err
	}
	if ownerNode == s.N.NodeIDHex() {
		if item, ok := s.N.Content.LookupOwn(path); ok {
			return FetchResult{Bytes: item.Bytes}, nil
		}
		return FetchResult{}, elyerr.ErrNotFound
	}
	if item, ok := s.N.Content.LookupCache(ownerNode, path); ok {
		return FetchResult{Bytes: item.Bytes}, nil
	}

	timeout := time.Duration(p.TimeoutMillis) * time.Millisecond
	if timeout <= 0 {
		timeout = s.N.Config.ContentFetchTimeout
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	item, err := s.N.Fetcher.Request(fctx, p.URL)
	if err != nil {
		return FetchResult{}, err
	}
	return FetchResult{Bytes: item.Bytes}, nil
}

// --- name.register / name.resolve ---

type NameRegisterParams struct {
	Name string `json:"name"`
}

type NameRegisterResult struct {
	Record naming.Record `json:"record"`
}

func (s *Service) NameRegister(ctx context.Context, p NameRegisterParams) (NameRegisterResult, error) {
	rec, err := s.N.Names.Register(s.N.Identity, p.Name, s.N.NodeIDHex())
	if err != nil {
		return NameRegisterResult{}, err
	}
	s.announceName(rec)
	return NameRegisterResult{Record: rec}, nil
}

// announceName fans a freshly registered record out to every currently
// connected session. This is a best-effort single hop; there is no
// periodic re-announce or multi-hop gossip schedule for names.
func (s *Service) announceName(rec naming.Record) {
	msg := proto.NameAnnounceMsg{
		Name:      rec.Name,
		NodeID:    rec.NodeID,
		Timestamp: rec.Timestamp,
		ExpiresAt: rec.ExpiresAt,
		Signature: rec.Signature,
	}
	for _, sess := range s.N.Sessions.All() {
		if err := sess.Send(proto.TypeNameAnnounce, msg); err != nil {
			elylog.Warn("api: name_announce fanout failed: %v", err)
		}
	}
}

type NameResolveParams struct {
	Name string `json:"name"`
}

type NameResolveResult struct {
	NodeID string `json:"node_id"`
}

func (s *Service) NameResolve(ctx context.Context, p NameResolveParams) (NameResolveResult, error) {
	rec, err := s.N.Names.Resolve(p.Name)
	if err != nil {
		return NameResolveResult{}, err
	}
	return NameResolveResult{NodeID: rec.NodeID}, nil
}

// --- bundle.export / import / info ---

type BundleExportParams struct {
	Path string `json:"path"`
}

type BundleExportResult struct {
	ItemCount int `json:"item_count"`
}

// BundleExport packages every message currently sitting in the
// outbox (across all targets) into a signed bundle written to p.Path,
// for carrying over removable media to a disconnected peer.
func (s *Service) BundleExport(ctx context.Context, p BundleExportParams) (BundleExportResult, error) {
	items := s.N.Outbox.AllPending()
	b, err := bundle.Export(s.N.Identity, s.N.Identity.NodeID, items, s.N.Config.BundleExpiry)
	if err != nil {
		return BundleExportResult{}, err
	}
	data, err := bundle.Encode(b)
	if err != nil {
		return BundleExportResult{}, err
	}
	if err := writeFile(p.Path, data); err != nil {
		return BundleExportResult{}, err
	}
	return BundleExportResult{ItemCount: len(items)}, nil
}

type BundleImportParams struct {
	Path string `json:"path"`
}

type BundleImportResult struct {
	Imported   int `json:"imported"`
	Duplicates int `json:"duplicates"`
}

// BundleImport verifies the bundle's signature against its exporter's
// known public key, then redispatches each item through the mesh
// forwarder exactly as if it had arrived over a session, relying on
// the forwarder's own dedup window to make re-importing the same
// bundle a no-op.
func (s *Service) BundleImport(ctx context.Context, p BundleImportParams) (BundleImportResult, error) {
	data, err := readFile(p.Path)
	if err != nil {
		return BundleImportResult{}, err
	}
	b, err := bundle.Decode(data)
	if err != nil {
		return BundleImportResult{}, err
	}
	exporterHex := identity.NodeIDString(b.ExporterNodeID)
	pub, ok := s.N.ResolvePubKey(exporterHex)
	if !ok && exporterHex == s.N.NodeIDHex() {
		pub, ok = s.N.Identity.PublicKey(), true
	}
	if !ok {
		return BundleImportResult{}, fmt.Errorf("api: %w: unknown bundle exporter %s", elyerr.ErrNotFound, exporterHex)
	}
	if err := bundle.Verify(b, pub); err != nil {
		return BundleImportResult{}, err
	}

	var result BundleImportResult
	for _, item := range b.Items {
		if s.N.Forwarder.AlreadySeen(item.MessageID) {
			result.Duplicates++
			continue
		}
		s.N.Forwarder.Dispatch(item)
		result.Imported++
	}
	return result, nil
}

type BundleInfoParams struct {
	Path string `json:"path"`
}

type BundleInfoResult struct {
	Info bundle.Info `json:"info"`
}

func (s *Service) BundleInfo(ctx context.Context, p BundleInfoParams) (BundleInfoResult, error) {
	data, err := readFile(p.Path)
	if err != nil {
		return BundleInfoResult{}, err
	}
	b, err := bundle.Decode(data)
	if err != nil {
		return BundleInfoResult{}, err
	}
	return BundleInfoResult{Info: b.Info()}, nil
}

// --- ping ---

type PingParams struct {
	NodeID        string `json:"node_id"`
	TimeoutMillis int    `json:"timeout_ms"`
}

type PingResult struct {
	RTTMillis float64 `json:"rtt_ms"`
}

func (s *Service) Ping(ctx context.Context, p PingParams) (PingResult, error) {
	sess, ok := s.N.Sessions.Get(p.NodeID)
	if !ok {
		return PingResult{}, fmt.Errorf("api: %w: no session to %s", elyerr.ErrNotFound, p.NodeID)
	}
	timeout := time.Duration(p.TimeoutMillis) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	rtt, err := sess.Ping(pctx)
	if err != nil {
		return PingResult{}, err
	}
	s.N.Peers.RecordPing(p.NodeID, true)
	return PingResult{RTTMillis: rtt}, nil
}

// --- contacts.add / contacts.list ---
//
// Additive beyond operation list: the local alias book
// (internal/contacts) is a supplemented feature, so it gets its own
// jrpc2 methods rather than overloading name.register/resolve, which
// are reserved for the signed, gossiped naming.Registry.

type ContactsAddParams struct {
	NodeID      string `json:"node_id"`
	DisplayName string `json:"display_name"`
	Alias       string `json:"alias,omitempty"`
}

type ContactsAddResult struct {
	Contact contacts.Contact `json:"contact"`
}

func (s *Service) ContactsAdd(ctx context.Context, p ContactsAddParams) (ContactsAddResult, error) {
	if p.NodeID == "" {
		return ContactsAddResult{}, fmt.Errorf("api: %w: node_id required", elyerr.ErrInvalidInput)
	}
	c, err := s.N.Contacts.Add(p.NodeID, p.DisplayName, p.Alias)
	if err != nil {
		return ContactsAddResult{}, err
	}
	return ContactsAddResult{Contact: c}, nil
}

type ContactsListResult struct {
	Contacts []contacts.Contact `json:"contacts"`
}

func (s *Service) ContactsList(ctx context.Context) (ContactsListResult, error) {
	return ContactsListResult{Contacts: s.N.Contacts.List()}, nil
}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0600)
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Client is a thin jrpc2 client wrapper for CLIs driving a remote
// node's management API, grounded on tordam's peer_announce.go
// jrpc2.NewClient(channel.RawJSON(...)) + CallResult usage.
type Client struct {
	conn net.Conn
	cli  *jrpc2.Client
}

func Dial(addr string) (*Client, error) {
	conn, err := net.Dial(jrpc2.Network(addr), addr)
	if err != nil {
		return nil, err
	}
	cli := jrpc2.NewClient(channel.RawJSON(conn, conn), nil)
	return &Client{conn: conn, cli: cli}, nil
}

func (c *Client) Close() error {
	c.cli.Close()
	return c.conn.Close()
}

// Call invokes one management API operation by name (e.g. "status",
// "bundle.export") and decodes its result into result.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	return c.cli.CallResult(ctx, ServiceName+"."+method, params, result)
}
