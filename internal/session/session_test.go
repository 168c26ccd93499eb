package session

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/borisgraudt/elysium/internal/identity"
	"github.com/borisgraudt/elysium/internal/proto"
)

type pipeConn struct {
	net.Conn
	dialSide bool
}

func (p *pipeConn) DialSide() bool { return p.dialSide }

type recordingHandler struct {
	mu   sync.Mutex
	mesh []proto.MeshMsg
	got  chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{got: make(chan struct{}, 8)}
}

func (h *recordingHandler) OnMesh(s *Session, m proto.MeshMsg) {
	h.mu.Lock()
	h.mesh = append(h.mesh, m)
	h.mu.Unlock()
	h.got <- struct{}{}
}
func (h *recordingHandler) OnAck(s *Session, m proto.AckMsg)                               {}
func (h *recordingHandler) OnContentRequest(s *Session, m proto.ContentRequestMsg)         {}
func (h *recordingHandler) OnContentResponse(s *Session, m proto.ContentResponseMsg)       {}
func (h *recordingHandler) OnNameAnnounce(s *Session, m proto.NameAnnounceMsg)              {}

func mustIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Load(t.TempDir())
	if err != nil {
		t.Fatalf("identity.Load: %v", err)
	}
	return id
}

func handshakePair(t *testing.T) (*Session, *Session) {
	t.Helper()
	clientRaw, serverRaw := net.Pipe()
	clientConn := &pipeConn{Conn: clientRaw, dialSide: true}
	serverConn := &pipeConn{Conn: serverRaw, dialSide: false}

	clientID := mustIdentity(t)
	serverID := mustIdentity(t)

	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 5 * time.Second
	cfg.IdlePingInterval = time.Hour // keep keepalive out of the way during tests

	clientHandler := newRecordingHandler()
	serverHandler := newRecordingHandler()

	var clientSess, serverSess *Session
	var clientErr, serverErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		clientSess, clientErr = Handshake(clientConn, clientID, cfg, clientHandler, nil)
	}()
	go func() {
		defer wg.Done()
		serverSess, serverErr = Handshake(serverConn, serverID, cfg, serverHandler, nil)
	}()
	wg.Wait()

	if clientErr != nil {
		t.Fatalf("client handshake: %v", clientErr)
	}
	if serverErr != nil {
		t.Fatalf("server handshake: %v", serverErr)
	}
	if clientSess.State() != StateEstablished {
		t.Fatalf("client not established: %v", clientSess.State())
	}
	if serverSess.State() != StateEstablished {
		t.Fatalf("server not established: %v", serverSess.State())
	}
	if clientSess.PeerNodeID != serverID.ID() {
		t.Fatalf("client's view of peer id mismatch")
	}
	if serverSess.PeerNodeID != clientID.ID() {
		t.Fatalf("server's view of peer id mismatch")
	}
	return clientSess, serverSess
}

func TestHandshakeEstablishesSession(t *testing.T) {
	client, server := handshakePair(t)
	client.Close(time.Second)
	server.Close(time.Second)
}

func TestSessionSendReceiveMesh(t *testing.T) {
	client, server := handshakePair(t)
	defer client.Close(time.Second)
	defer server.Close(time.Second)

	serverHandler := server.handler.(*recordingHandler)

	msg := proto.MeshMsg{MessageID: "m1", Origin: "aa", TTL: 8, CreatedAt: 1}
	if err := client.Send(proto.TypeMesh, msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case <-serverHandler.got:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mesh message")
	}

	serverHandler.mu.Lock()
	defer serverHandler.mu.Unlock()
	if len(serverHandler.mesh) != 1 || serverHandler.mesh[0].MessageID != "m1" {
		t.Fatalf("unexpected received mesh: %+v", serverHandler.mesh)
	}
}

func TestReplayWindowAcceptsOutOfOrderOnce(t *testing.T) {
	s := &Session{}
	if !s.acceptSeqLocked(5) {
		t.Fatal("expected first seq to be accepted")
	}
	if !s.acceptSeqLocked(7) {
		t.Fatal("expected advancing seq to be accepted")
	}
	if !s.acceptSeqLocked(6) {
		t.Fatal("expected out-of-order seq within window to be accepted")
	}
	if s.acceptSeqLocked(6) {
		t.Fatal("expected replay of the same seq to be rejected")
	}
	if !s.acceptSeqLocked(1000) {
		t.Fatal("expected a far-advancing seq to be accepted")
	}
	if s.acceptSeqLocked(900) {
		t.Fatal("expected a seq far behind the window to be rejected")
	}
}
