// Package config holds node-wide tunables, defaulted and overridable by
// environment variables following envInt convention
// (internal/daemon/connman.go), renamed from the WEB4_ prefix to
// ELYSIUM_.
package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ListenAddr string
	// APIAddr is the local management API's listen address, resolved
	// through jrpc2.Network: a filesystem path yields a Unix domain
	// socket (the default, kept off the network per ), a
	// host:port string yields TCP. Empty means "unset" — the caller
	// (cmd/elysium-node) fills in DataDir/api.sock, since 's
	// Non-goal on port auto-discovery means a host process must always
	// be able to see this value explicitly rather than guess it.
	APIAddr string
	DataDir string

	HandshakeTimeout time.Duration
	IdlePingInterval time.Duration
	PingTimeout      time.Duration
	WriterGrace      time.Duration

	DialCooldown       time.Duration
	DialBackoffBase    time.Duration
	DialBackoffCap     time.Duration
	DialBackoffJitter  time.Duration
	MaxOutboundDials   int
	ProtocolCloseDelay time.Duration

	LatencyAlpha float64
	PingWindow   int

	RouterTopK int

	DefaultTTL       int
	DedupWindow      time.Duration
	WriterQueueCap   int
	OutboxExpiry     time.Duration
	OutboxRetryGrace time.Duration

	ContentFetchTimeout time.Duration
	ContentFetchTTL     int
	ContentCacheCap     int

	NameExpiry time.Duration

	BundleExpiry time.Duration
}

func Default() Config {
	return Config{
		ListenAddr: "127.0.0.1:8080",
		APIAddr:    "",
		DataDir:    "./elysium-data",

		HandshakeTimeout: 10 * time.Second,
		IdlePingInterval: 30 * time.Second,
		PingTimeout:      10 * time.Second,
		WriterGrace:      2 * time.Second,

		DialCooldown:       5 * time.Second,
		DialBackoffBase:    1 * time.Second,
		DialBackoffCap:     60 * time.Second,
		DialBackoffJitter:  2 * time.Second,
		MaxOutboundDials:   10,
		ProtocolCloseDelay: 60 * time.Second,

		LatencyAlpha: 0.3,
		PingWindow:   32,

		RouterTopK: 3,

		DefaultTTL:       8,
		DedupWindow:      60 * time.Second,
		WriterQueueCap:   1024,
		OutboxExpiry:     7 * 24 * time.Hour,
		OutboxRetryGrace: 30 * time.Second,

		ContentFetchTimeout: 10 * time.Second,
		ContentFetchTTL:     4,
		ContentCacheCap:     256,

		NameExpiry: 30 * 24 * time.Hour,

		BundleExpiry: 7 * 24 * time.Hour,
	}
}

// FromEnv overlays environment overrides onto Default(), mirroring
// the envInt helper in internal/daemon/connman.go.
func FromEnv() Config {
	c := Default()
	if v, ok := envStr("ELYSIUM_LISTEN_ADDR"); ok {
		c.ListenAddr = v
	}
	if v, ok := envStr("ELYSIUM_DATA_DIR"); ok {
		c.DataDir = v
	}
	if v, ok := envStr("ELYSIUM_API_ADDR"); ok {
		c.APIAddr = v
	}
	if v, ok := envInt("ELYSIUM_ROUTER_TOPK"); ok && v > 0 {
		c.RouterTopK = v
	}
	if v, ok := envInt("ELYSIUM_DEFAULT_TTL"); ok && v > 0 {
		c.DefaultTTL = v
	}
	if v, ok := envInt("ELYSIUM_MAX_OUTBOUND_DIALS"); ok && v > 0 {
		c.MaxOutboundDials = v
	}
	if v, ok := envDuration("ELYSIUM_DIAL_COOLDOWN"); ok {
		c.DialCooldown = v
	}
	if v, ok := envDuration("ELYSIUM_DIAL_BACKOFF_CAP"); ok {
		c.DialBackoffCap = v
	}
	return c
}

func envStr(key string) (string, bool) {
	v := os.Getenv(key)
	if v == "" {
		return "", false
	}
	return v, true
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
