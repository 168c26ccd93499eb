// Command elysium-node is the minimal host process for one Elysium
// installation: it starts the mesh/session/storebox/content/naming
// subsystems and exposes the local management API, or (every other
// subcommand) drives an already-running node's API as a thin client.
// Grounded on cmd/web4-node/main.go's run(args, stdout, stderr) int
// dispatch shape. Terminal UIs and full command-line front-ends are
// kept out of scope as API consumers, so this binary is deliberately
// thin: one subcommand per management operation, no interactive
// shell, no output styling.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/borisgraudt/elysium/internal/api"
	"github.com/borisgraudt/elysium/internal/config"
	"github.com/borisgraudt/elysium/internal/elylog"
	"github.com/borisgraudt/elysium/internal/node"
)

// Exit codes returned to the shell by every subcommand.
const (
	exitOK             = 0
	exitGeneric        = 1
	exitInvalidArgs    = 2
	exitNoLocalNode    = 3
	exitMalformedInput = 4
	exitVerifyFailed   = 5
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return exitOK
	}
	switch args[0] {
	case "run":
		return runDaemon(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "peers":
		return runPeers(args[1:], stdout, stderr)
	case "send":
		return runSend(args[1:], stdout, stderr)
	case "inbox":
		return runInbox(args[1:], stdout, stderr)
	case "watch":
		return runWatch(args[1:], stdout, stderr)
	case "publish":
		return runPublish(args[1:], stdout, stderr)
	case "fetch":
		return runFetch(args[1:], stdout, stderr)
	case "name":
		return runName(args[1:], stdout, stderr)
	case "bundle":
		return runBundle(args[1:], stdout, stderr)
	case "ping":
		return runPing(args[1:], stdout, stderr)
	case "contacts":
		return runContacts(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return exitInvalidArgs
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: elysium-node <command> [args]")
	fmt.Fprintln(w, "  run     --data-dir <dir> [--listen host:port] [--api path-or-addr] [--seed addr]...")
	fmt.Fprintln(w, "  status  --api path-or-addr")
	fmt.Fprintln(w, "  peers   --api path-or-addr")
	fmt.Fprintln(w, "  send    --api path-or-addr --target <node_id>|--broadcast --payload <text>")
	fmt.Fprintln(w, "  inbox   --api path-or-addr [--last-n N]")
	fmt.Fprintln(w, "  watch   --api path-or-addr [--timeout-ms N]")
	fmt.Fprintln(w, "  publish --api path-or-addr --path <name> --file <path>")
	fmt.Fprintln(w, "  fetch   --api path-or-addr --url ely://<node_id>/<path> [--out <path>]")
	fmt.Fprintln(w, "  name    register --api <addr> --name <name>")
	fmt.Fprintln(w, "  name    resolve  --api <addr> --name <name>")
	fmt.Fprintln(w, "  bundle  export --api <addr> --out <path>")
	fmt.Fprintln(w, "  bundle  import --api <addr> --in <path>")
	fmt.Fprintln(w, "  bundle  info   --api <addr> --in <path>")
	fmt.Fprintln(w, "  ping    --api path-or-addr --node <node_id> [--timeout-ms N]")
	fmt.Fprintln(w, "  contacts add  --api <addr> --node <node_id> --display-name <name> [--alias <alias>]")
	fmt.Fprintln(w, "  contacts list --api <addr>")
}

// defaultAPIAddr deliberately has no auto-discovery counterpart on the
// client side: callers of every subcommand below must pass --api
// themselves. This helper only fills the --api flag's default for the
// `run` subcommand's own bookkeeping (so it knows where to listen),
// never for a client subcommand.
func defaultAPIAddr(dataDir string) string {
	return filepath.Join(dataDir, "api.sock")
}

func runDaemon(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dataDir := fs.String("data-dir", "./elysium-data", "directory for identity/content/messages/names/peers")
	listenAddr := fs.String("listen", "127.0.0.1:8080", "mesh listen address (host:port)")
	apiAddr := fs.String("api", "", "management API address (defaults to <data-dir>/api.sock)")
	var seeds stringSliceFlag
	fs.Var(&seeds, "seed", "bootstrap peer address (repeatable)")
	if err := fs.Parse(args); err != nil {
		return exitInvalidArgs
	}

	cfg := config.FromEnv()
	cfg.DataDir = *dataDir
	cfg.ListenAddr = *listenAddr
	cfg.APIAddr = *apiAddr
	if cfg.APIAddr == "" {
		cfg.APIAddr = defaultAPIAddr(cfg.DataDir)
	}

	n, err := node.New(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return exitGeneric
	}

	cm := node.NewConnManager(n, seeds)
	if err := cm.Listen(); err != nil {
		fmt.Fprintf(stderr, "listen failed: %v\n", err)
		return exitGeneric
	}
	defer cm.Close()

	svc := &api.Service{N: n}
	ln, err := api.Serve(svc, cfg.APIAddr)
	if err != nil {
		fmt.Fprintf(stderr, "management api listen failed: %v\n", err)
		return exitGeneric
	}
	defer ln.Close()

	fmt.Fprintf(stdout, "READY node_id=%s listen=%s api=%s\n", n.NodeIDHex(), cfg.ListenAddr, cfg.APIAddr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	cm.Run(ctx)
	return exitOK
}

type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ",") }
func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// dialAPI dials the --api address shared by every non-run subcommand,
// returning exitInvalidArgs when it is empty and exitNoLocalNode when
// the dial fails.
func dialAPI(fs *flag.FlagSet, apiAddr string, stderr io.Writer) (*api.Client, int) {
	if apiAddr == "" {
		fmt.Fprintln(stderr, "missing --api")
		return nil, exitInvalidArgs
	}
	cli, err := api.Dial(apiAddr)
	if err != nil {
		fmt.Fprintf(stderr, "could not contact local node at %s: %v\n", apiAddr, err)
		return nil, exitNoLocalNode
	}
	return cli, exitOK
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	apiAddr := fs.String("api", "", "management API address")
	if err := fs.Parse(args); err != nil {
		return exitInvalidArgs
	}
	cli, code := dialAPI(fs, *apiAddr, stderr)
	if cli == nil {
		return code
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var res api.StatusResult
	if err := cli.Call(ctx, "status", struct{}{}, &res); err != nil {
		fmt.Fprintf(stderr, "status failed: %v\n", err)
		return exitGeneric
	}
	fmt.Fprintf(stdout, "node_id: %s\n", res.NodeID)
	fmt.Fprintf(stdout, "listen_addr: %s\n", res.ListenAddr)
	fmt.Fprintf(stdout, "peers: %d\n", res.PeerCount)
	fmt.Fprintf(stdout, "forward: ok=%d fail=%d\n", res.Metrics.ForwardOK, res.Metrics.ForwardFail)
	fmt.Fprintf(stdout, "fetch: requests=%d hits=%d misses=%d timeouts=%d\n",
		res.Metrics.FetchRequests, res.Metrics.FetchHits, res.Metrics.FetchMisses, res.Metrics.FetchTimeouts)
	fmt.Fprintf(stdout, "handshake: ok=%d fail=%d\n", res.Metrics.HandshakeOK, res.Metrics.HandshakeFail)
	return exitOK
}

func runPeers(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("peers", flag.ContinueOnError)
	fs.SetOutput(stderr)
	apiAddr := fs.String("api", "", "management API address")
	if err := fs.Parse(args); err != nil {
		return exitInvalidArgs
	}
	cli, code := dialAPI(fs, *apiAddr, stderr)
	if cli == nil {
		return code
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var res []api.PeerView
	if err := cli.Call(ctx, "peers", struct{}{}, &res); err != nil {
		fmt.Fprintf(stderr, "peers failed: %v\n", err)
		return exitGeneric
	}
	for _, p := range res {
		fmt.Fprintf(stdout, "%s addr=%s connected=%v latency_ms=%.1f uptime_s=%d outbox=%d\n",
			p.NodeID, p.Addr, p.Connected, p.LatencyEWMAMS, p.UptimeSec, p.OutboxPending)
	}
	return exitOK
}

func runSend(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(stderr)
	apiAddr := fs.String("api", "", "management API address")
	target := fs.String("target", "", "destination node_id (hex)")
	broadcast := fs.Bool("broadcast", false, "send to every reachable peer instead of one target")
	payload := fs.String("payload", "", "message text")
	if err := fs.Parse(args); err != nil {
		return exitInvalidArgs
	}
	if !*broadcast && *target == "" {
		fmt.Fprintln(stderr, "send requires --target or --broadcast")
		return exitInvalidArgs
	}
	cli, code := dialAPI(fs, *apiAddr, stderr)
	if cli == nil {
		return code
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var res api.SendResult
	params := api.SendParams{Target: *target, Broadcast: *broadcast, Payload: []byte(*payload)}
	if err := cli.Call(ctx, "send", params, &res); err != nil {
		fmt.Fprintf(stderr, "send failed: %v\n", err)
		return exitGeneric
	}
	fmt.Fprintf(stdout, "message_id: %s\n", res.MessageID)
	return exitOK
}

func runInbox(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("inbox", flag.ContinueOnError)
	fs.SetOutput(stderr)
	apiAddr := fs.String("api", "", "management API address")
	lastN := fs.Int("last-n", 20, "max entries")
	if err := fs.Parse(args); err != nil {
		return exitInvalidArgs
	}
	cli, code := dialAPI(fs, *apiAddr, stderr)
	if cli == nil {
		return code
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var res api.InboxResult
	if err := cli.Call(ctx, "inbox", api.InboxParams{LastN: *lastN}, &res); err != nil {
		fmt.Fprintf(stderr, "inbox failed: %v\n", err)
		return exitGeneric
	}
	for _, m := range res.Messages {
		fmt.Fprintf(stdout, "%s from=%s broadcast=%v %q\n", m.MessageID, m.Origin, m.Broadcast, string(m.Plaintext))
	}
	return exitOK
}

func runWatch(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	apiAddr := fs.String("api", "", "management API address")
	timeoutMS := fs.Int("timeout-ms", 30000, "long-poll timeout in milliseconds")
	if err := fs.Parse(args); err != nil {
		return exitInvalidArgs
	}
	cli, code := dialAPI(fs, *apiAddr, stderr)
	if cli == nil {
		return code
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeoutMS+5000)*time.Millisecond)
	defer cancel()
	var res api.WatchResult
	if err := cli.Call(ctx, "watch", api.WatchParams{TimeoutMillis: *timeoutMS}, &res); err != nil {
		fmt.Fprintf(stderr, "watch failed: %v\n", err)
		return exitGeneric
	}
	if res.Lagged > 0 {
		fmt.Fprintf(stdout, "lagged: missed %d messages\n", res.Lagged)
	}
	for _, m := range res.Messages {
		fmt.Fprintf(stdout, "%s from=%s broadcast=%v %q\n", m.MessageID, m.Origin, m.Broadcast, string(m.Plaintext))
	}
	return exitOK
}

func runPublish(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	fs.SetOutput(stderr)
	apiAddr := fs.String("api", "", "management API address")
	path := fs.String("path", "", "content path")
	file := fs.String("file", "", "file to publish; '-' reads stdin")
	if err := fs.Parse(args); err != nil {
		return exitInvalidArgs
	}
	if *path == "" || *file == "" {
		fmt.Fprintln(stderr, "publish requires --path and --file")
		return exitInvalidArgs
	}
	data, err := readInput(*file)
	if err != nil {
		fmt.Fprintf(stderr, "read %s failed: %v\n", *file, err)
		return exitGeneric
	}
	cli, code := dialAPI(fs, *apiAddr, stderr)
	if cli == nil {
		return code
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var res api.PublishResult
	if err := cli.Call(ctx, "publish", api.PublishParams{Path: *path, Bytes: data}, &res); err != nil {
		fmt.Fprintf(stderr, "publish failed: %v\n", err)
		return exitGeneric
	}
	fmt.Fprintln(stdout, res.URL)
	return exitOK
}

func runFetch(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	apiAddr := fs.String("api", "", "management API address")
	url := fs.String("url", "", "ely:// content address")
	out := fs.String("out", "-", "output path; '-' writes stdout")
	timeoutMS := fs.Int("timeout-ms", 10000, "fetch timeout in milliseconds")
	if err := fs.Parse(args); err != nil {
		return exitInvalidArgs
	}
	if !strings.HasPrefix(*url, "ely://") {
		fmt.Fprintf(stderr, "malformed ely:// url: %s\n", *url)
		return exitMalformedInput
	}
	cli, code := dialAPI(fs, *apiAddr, stderr)
	if cli == nil {
		return code
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeoutMS+5000)*time.Millisecond)
	defer cancel()
	var res api.FetchResult
	params := api.FetchParams{URL: *url, TimeoutMillis: *timeoutMS}
	if err := cli.Call(ctx, "fetch", params, &res); err != nil {
		fmt.Fprintf(stderr, "fetch failed: %v\n", err)
		return exitVerifyFailed
	}
	return writeOutput(*out, res.Bytes, stdout)
}

func runName(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: elysium-node name <register|resolve> --api <addr> --name <name>")
		return exitInvalidArgs
	}
	sub, rest := args[0], args[1:]
	fs := flag.NewFlagSet("name "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	apiAddr := fs.String("api", "", "management API address")
	name := fs.String("name", "", "name")
	if err := fs.Parse(rest); err != nil {
		return exitInvalidArgs
	}
	if *name == "" {
		fmt.Fprintln(stderr, "missing --name")
		return exitInvalidArgs
	}
	cli, code := dialAPI(fs, *apiAddr, stderr)
	if cli == nil {
		return code
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	switch sub {
	case "register":
		var res api.NameRegisterResult
		if err := cli.Call(ctx, "name.register", api.NameRegisterParams{Name: *name}, &res); err != nil {
			fmt.Fprintf(stderr, "name.register failed: %v\n", err)
			return exitGeneric
		}
		fmt.Fprintf(stdout, "registered %s -> %s (expires %d)\n", res.Record.Name, res.Record.NodeID, res.Record.ExpiresAt)
		return exitOK
	case "resolve":
		var res api.NameResolveResult
		if err := cli.Call(ctx, "name.resolve", api.NameResolveParams{Name: *name}, &res); err != nil {
			fmt.Fprintf(stderr, "name.resolve failed: %v\n", err)
			return exitGeneric
		}
		fmt.Fprintln(stdout, res.NodeID)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown name subcommand: %s\n", sub)
		return exitInvalidArgs
	}
}

func runBundle(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: elysium-node bundle <export|import|info> --api <addr> [--out|--in <path>]")
		return exitInvalidArgs
	}
	sub, rest := args[0], args[1:]
	fs := flag.NewFlagSet("bundle "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	apiAddr := fs.String("api", "", "management API address")
	outPath := fs.String("out", "", "bundle output path")
	inPath := fs.String("in", "", "bundle input path")
	if err := fs.Parse(rest); err != nil {
		return exitInvalidArgs
	}
	cli, code := dialAPI(fs, *apiAddr, stderr)
	if cli == nil {
		return code
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	switch sub {
	case "export":
		if *outPath == "" {
			fmt.Fprintln(stderr, "bundle export requires --out")
			return exitInvalidArgs
		}
		var res api.BundleExportResult
		if err := cli.Call(ctx, "bundle.export", api.BundleExportParams{Path: *outPath}, &res); err != nil {
			fmt.Fprintf(stderr, "bundle.export failed: %v\n", err)
			return exitGeneric
		}
		fmt.Fprintf(stdout, "exported %d item(s) to %s\n", res.ItemCount, *outPath)
		return exitOK
	case "import":
		if *inPath == "" {
			fmt.Fprintln(stderr, "bundle import requires --in")
			return exitInvalidArgs
		}
		var res api.BundleImportResult
		if err := cli.Call(ctx, "bundle.import", api.BundleImportParams{Path: *inPath}, &res); err != nil {
			fmt.Fprintf(stderr, "bundle.import failed: %v\n", err)
			return exitVerifyFailed
		}
		fmt.Fprintf(stdout, "imported=%d duplicates=%d\n", res.Imported, res.Duplicates)
		return exitOK
	case "info":
		if *inPath == "" {
			fmt.Fprintln(stderr, "bundle info requires --in")
			return exitInvalidArgs
		}
		var res api.BundleInfoResult
		if err := cli.Call(ctx, "bundle.info", api.BundleInfoParams{Path: *inPath}, &res); err != nil {
			fmt.Fprintf(stderr, "bundle.info failed: %v\n", err)
			return exitGeneric
		}
		fmt.Fprintf(stdout, "exporter=%s created=%d expires=%d items=%d bytes=%d\n",
			res.Info.ExporterNodeID, res.Info.CreatedAt, res.Info.ExpiresAt, res.Info.ItemCount, res.Info.TotalBytes)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown bundle subcommand: %s\n", sub)
		return exitInvalidArgs
	}
}

func runPing(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ping", flag.ContinueOnError)
	fs.SetOutput(stderr)
	apiAddr := fs.String("api", "", "management API address")
	targetNode := fs.String("node", "", "target node_id (hex)")
	timeoutMS := fs.Int("timeout-ms", 10000, "ping timeout in milliseconds")
	if err := fs.Parse(args); err != nil {
		return exitInvalidArgs
	}
	if *targetNode == "" {
		fmt.Fprintln(stderr, "missing --node")
		return exitInvalidArgs
	}
	cli, code := dialAPI(fs, *apiAddr, stderr)
	if cli == nil {
		return code
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeoutMS+5000)*time.Millisecond)
	defer cancel()
	var res api.PingResult
	params := api.PingParams{NodeID: *targetNode, TimeoutMillis: *timeoutMS}
	if err := cli.Call(ctx, "ping", params, &res); err != nil {
		fmt.Fprintf(stderr, "ping failed: %v\n", err)
		return exitGeneric
	}
	fmt.Fprintf(stdout, "rtt_ms: %.1f\n", res.RTTMillis)
	return exitOK
}

// runContacts drives internal/api's additive contacts.add/contacts.list
// operations, the local alias book kept separate from name.register/
// resolve's signed, gossiped naming.Registry.
func runContacts(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: elysium-node contacts <add|list> --api <addr> [...]")
		return exitInvalidArgs
	}
	sub, rest := args[0], args[1:]
	fs := flag.NewFlagSet("contacts "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	apiAddr := fs.String("api", "", "management API address")
	nodeID := fs.String("node", "", "contact node_id (hex)")
	displayName := fs.String("display-name", "", "display name")
	alias := fs.String("alias", "", "short alias")
	if err := fs.Parse(rest); err != nil {
		return exitInvalidArgs
	}
	cli, code := dialAPI(fs, *apiAddr, stderr)
	if cli == nil {
		return code
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	switch sub {
	case "add":
		if *nodeID == "" {
			fmt.Fprintln(stderr, "contacts add requires --node")
			return exitInvalidArgs
		}
		var res api.ContactsAddResult
		params := api.ContactsAddParams{NodeID: *nodeID, DisplayName: *displayName, Alias: *alias}
		if err := cli.Call(ctx, "contacts.add", params, &res); err != nil {
			fmt.Fprintf(stderr, "contacts.add failed: %v\n", err)
			return exitGeneric
		}
		fmt.Fprintf(stdout, "added %s (%s)\n", res.Contact.NodeID, res.Contact.DisplayName)
		return exitOK
	case "list":
		var res api.ContactsListResult
		if err := cli.Call(ctx, "contacts.list", struct{}{}, &res); err != nil {
			fmt.Fprintf(stderr, "contacts.list failed: %v\n", err)
			return exitGeneric
		}
		for _, c := range res.Contacts {
			fmt.Fprintf(stdout, "%s display_name=%q alias=%q\n", c.NodeID, c.DisplayName, c.Alias)
		}
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown contacts subcommand: %s\n", sub)
		return exitInvalidArgs
	}
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func writeOutput(path string, data []byte, stdout io.Writer) int {
	if path == "-" {
		if _, err := stdout.Write(data); err != nil {
			elylog.Error("cmd: write stdout failed: %v", err)
			return exitGeneric
		}
		return exitOK
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		elylog.Error("cmd: write %s failed: %v", path, err)
		return exitGeneric
	}
	return exitOK
}
