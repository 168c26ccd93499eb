// Package identity owns the node's long-lived RSA-2048 keypair and the
// derivation of its stable node_id. The private key never leaves this
// package after Load; callers needing a signature go through Sign.
// Grounded on internal/node/node.go's keypair load/generate-on-missing
// flow and internal/crypto/crypto.go's SaveKeypair/LoadKeypair.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/borisgraudt/elysium/internal/elycrypto"
)

const (
	pubFile  = "pub.der"
	privFile = "priv.der"
	nodeIDLabel = "elysium:nodeid:v1"
)

// Identity holds the local node's keypair and derived node_id. A given
// installation emits exactly one node_id for its lifetime; rotating the
// key requires a fresh data directory.
type Identity struct {
	NodeID  [32]byte
	PubKey  []byte
	privKey []byte
}

// Load reads the keypair from dir, generating and persisting a fresh
// one if none exists yet. The private key file is written with mode
// 0600 since it holds the private key.
func Load(dir string) (*Identity, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	pub, priv, err := loadKeypair(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("identity: load failed: %w", err)
		}
		pub, priv, err = elycrypto.GenKeypair()
		if err != nil {
			return nil, fmt.Errorf("identity: generate failed: %w", err)
		}
		if err := saveKeypair(dir, pub, priv); err != nil {
			return nil, fmt.Errorf("identity: save failed: %w", err)
		}
	}
	return &Identity{
		NodeID:  DeriveNodeID(pub),
		PubKey:  pub,
		privKey: priv,
	}, nil
}

// DeriveNodeID hashes the node's public key with a domain-separation
// label, following internal/node/node.go's DeriveNodeID shape.
func DeriveNodeID(pub []byte) [32]byte {
	buf := make([]byte, 0, len(nodeIDLabel)+len(pub))
	buf = append(buf, []byte(nodeIDLabel)...)
	buf = append(buf, pub...)
	sum := elycrypto.SHA3_256(buf)
	var id [32]byte
	copy(id[:], sum)
	return id
}

// NodeIDString renders a node_id as its stable textual form.
func NodeIDString(id [32]byte) string {
	return hex.EncodeToString(id[:])
}

func ParseNodeID(s string) ([32]byte, error) {
	var id [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return id, errors.New("identity: malformed node_id")
	}
	copy(id[:], b)
	return id, nil
}

// Sign signs a 32-byte digest with the node's private key. The key
// never leaves this package's call stack.
func (id *Identity) Sign(digest []byte) ([]byte, error) {
	return elycrypto.SignDigest(id.privKey, digest)
}

// ID returns the node's derived node_id, satisfying session.Identity.
func (id *Identity) ID() [32]byte { return id.NodeID }

// PublicKey returns the PKIX-encoded RSA public key, satisfying
// session.Identity. Named distinctly from the PubKey field since Go
// forbids a method and field sharing one name.
func (id *Identity) PublicKey() []byte {
	out := make([]byte, len(id.PubKey))
	copy(out, id.PubKey)
	return out
}

// OpenSealed decrypts an end-to-end mesh payload addressed to this
// node, without exposing the private key to the caller.
func (id *Identity) OpenSealed(sealed []byte) ([]byte, error) {
	return elycrypto.OpenFromSender(id.privKey, sealed)
}

func loadKeypair(dir string) (pub, priv []byte, err error) {
	pub, err = os.ReadFile(filepath.Join(dir, pubFile))
	if err != nil {
		return nil, nil, err
	}
	priv, err = os.ReadFile(filepath.Join(dir, privFile))
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

func saveKeypair(dir string, pub, priv []byte) error {
	if err := os.WriteFile(filepath.Join(dir, pubFile), pub, 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, privFile), priv, 0600)
}
