package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/borisgraudt/elysium/internal/api"
	"github.com/borisgraudt/elysium/internal/config"
	"github.com/borisgraudt/elysium/internal/node"
)

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"--help"}, &out, &out)
	if code != exitOK {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "elysium-node") {
		t.Fatalf("expected help output to mention elysium-node, got: %s", out.String())
	}
}

func TestUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"bogus"}, &out, &out)
	if code != exitInvalidArgs {
		t.Fatalf("expected exit code %d, got %d", exitInvalidArgs, code)
	}
}

func TestStatusWithoutAPIFlagFails(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"status"}, &out, &out)
	if code != exitInvalidArgs {
		t.Fatalf("expected exit code %d, got %d", exitInvalidArgs, code)
	}
}

func TestSendWithoutTargetOrBroadcastFails(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"send", "--api", "x", "--payload", "hi"}, &out, &out)
	if code != exitInvalidArgs {
		t.Fatalf("expected exit code %d, got %d", exitInvalidArgs, code)
	}
}

func TestFetchRejectsMalformedURL(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"fetch", "--api", "x", "--url", "not-a-url"}, &out, &out)
	if code != exitMalformedInput {
		t.Fatalf("expected exit code %d, got %d", exitMalformedInput, code)
	}
}

func TestStatusUnreachableAPIReturnsNoLocalNode(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "nonexistent.sock")
	var out bytes.Buffer
	code := run([]string{"status", "--api", sock}, &out, &out)
	if code != exitNoLocalNode {
		t.Fatalf("expected exit code %d, got %d", exitNoLocalNode, code)
	}
}

// TestStatusAndPeersAgainstRealNode starts a real node and its
// management API over a Unix socket, then drives the CLI's status and
// peers subcommands against it end to end.
func TestStatusAndPeersAgainstRealNode(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.ListenAddr = "127.0.0.1:0"

	n, err := node.New(cfg)
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}
	sock := filepath.Join(cfg.DataDir, "api.sock")
	svc := &api.Service{N: n}
	ln, err := api.Serve(svc, sock)
	if err != nil {
		t.Fatalf("api.Serve: %v", err)
	}
	defer ln.Close()

	// give the server loop a moment to start accepting.
	time.Sleep(20 * time.Millisecond)

	var out bytes.Buffer
	if code := run([]string{"status", "--api", sock}, &out, &out); code != exitOK {
		t.Fatalf("status failed (code %d): %s", code, out.String())
	}
	if !strings.Contains(out.String(), "node_id:") {
		t.Fatalf("expected status output to include node_id, got: %s", out.String())
	}

	out.Reset()
	if code := run([]string{"peers", "--api", sock}, &out, &out); code != exitOK {
		t.Fatalf("peers failed (code %d): %s", code, out.String())
	}

	out.Reset()
	addArgs := []string{"contacts", "add", "--api", sock, "--node", "deadbeef", "--display-name", "Alice"}
	if code := run(addArgs, &out, &out); code != exitOK {
		t.Fatalf("contacts add failed (code %d): %s", code, out.String())
	}

	out.Reset()
	if code := run([]string{"contacts", "list", "--api", sock}, &out, &out); code != exitOK {
		t.Fatalf("contacts list failed (code %d): %s", code, out.String())
	}
	if !strings.Contains(out.String(), "deadbeef") {
		t.Fatalf("expected contacts list to include deadbeef, got: %s", out.String())
	}
}
