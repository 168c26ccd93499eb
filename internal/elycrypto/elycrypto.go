// Package elycrypto is the node's fixed crypto suite: RSA-2048 for
// identity signatures, X25519 for ephemeral handshake key agreement,
// AES-256-GCM for frame sealing, and SHA3-256 for hashing and KDF. The
// API shape (Seal/Open, Ephemeral helpers, Sign/Verify, KDF) follows
// internal/crypto/crypto.go; the cipher itself is pinned to
// AES-256-GCM with an explicit 12-byte nonce and 16-byte tag, rather
// than the XChaCha20-Poly1305 choice original_source/core makes.
package elycrypto

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
)

const (
	RSABits    = 2048
	KeySize    = 32 // AES-256
	NonceSize  = 12
	TagSize    = 16
	X25519Size = 32
)

// SHA3_256 is the hash used for node_id derivation, content hashing,
// and the handshake transcript.
func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// KDF concatenates a label with input parts and hashes them, the same
// shape as crypto.KDF.
func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

// Seal AES-256-GCM-encrypts plaintext under key, with aad bound in as
// additional authenticated data (peer node_id + frame-type byte).
// Returns a fresh random 12-byte nonce and the ciphertext (which
// includes the 16-byte tag appended by the stdlib AEAD).
func Seal(key32, plaintext, aad []byte) (nonce []byte, ciphertext []byte, err error) {
	aead, err := newGCM(key32)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)
	return nonce, ct, nil
}

// SealWithNonce is used when the nonce is derived deterministically
// from the session's monotonic send counter rather than drawn at
// random ("nonce(12B) || ciphertext || auth_tag").
func SealWithNonce(key32, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key32)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", NonceSize)
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

func Open(key32, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key32)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", NonceSize)
	}
	return aead.Open(nil, nonce, ciphertext, aad)
}

func newGCM(key32 []byte) (cipher.AEAD, error) {
	if len(key32) != KeySize {
		return nil, fmt.Errorf("bad key size: need %d", KeySize)
	}
	block, err := aes.NewCipher(key32)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Ephemeral is a one-shot X25519 keypair used during the handshake,
// zeroed on Destroy so the private scalar never outlives the exchange.
type Ephemeral struct {
	priv      *ecdh.PrivateKey
	pub       []byte
	destroyed bool
}

func GenerateEphemeral() (*Ephemeral, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	pub := priv.PublicKey().Bytes()
	pubCopy := make([]byte, len(pub))
	copy(pubCopy, pub)
	return &Ephemeral{priv: priv, pub: pubCopy}, nil
}

func (e *Ephemeral) Public() ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("ephemeral key destroyed")
	}
	out := make([]byte, len(e.pub))
	copy(out, e.pub)
	return out, nil
}

func (e *Ephemeral) Shared(peerPub []byte) ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("ephemeral key destroyed")
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return e.priv.ECDH(pub)
}

func (e *Ephemeral) Destroy() {
	if e == nil || e.destroyed {
		return
	}
	for i := range e.pub {
		e.pub[i] = 0
	}
	e.priv = nil
	e.destroyed = true
}

// GenKeypair generates the node's long-lived RSA-2048 identity keypair,
// PKIX/PKCS8-encoded like crypto.GenKeypair.
func GenKeypair() (pubDER, privDER []byte, err error) {
	priv, err := rsa.GenerateKey(rand.Reader, RSABits)
	if err != nil {
		return nil, nil, err
	}
	pubDER, err = x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	privDER, err = x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}
	return pubDER, privDER, nil
}

func SignDigest(privDER, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, errors.New("bad digest size")
	}
	key, err := ParseRSAPrivateKey(privDER)
	if err != nil {
		return nil, err
	}
	return rsa.SignPSS(rand.Reader, key, crypto.SHA3_256, digest, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
}

func VerifyDigest(pubDER, digest, sig []byte) bool {
	if len(digest) != 32 {
		return false
	}
	key, err := ParseRSAPublicKey(pubDER)
	if err != nil {
		return false
	}
	return rsa.VerifyPSS(key, crypto.SHA3_256, digest, sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}) == nil
}

func ParseRSAPublicKey(pub []byte) (*rsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an rsa public key")
	}
	return rsaKey, nil
}

func ParseRSAPrivateKey(priv []byte) (*rsa.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an rsa private key")
	}
	return rsaKey, nil
}
