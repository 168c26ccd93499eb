package elycrypto

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// SealForRecipient end-to-end encrypts plaintext so only the holder of
// recipientPub's matching private key can open it, independent of any
// hop-by-hop session key. Relays forwarding a mesh message never see
// this key material ("ciphertext is opaque to every relay
// except origin and target"). The scheme is hybrid: a fresh AES-256
// key seals the plaintext, and that key is wrapped with RSA-OAEP under
// the recipient's identity public key, the same hybrid-envelope shape
// the original code uses for XChaCha sealed boxes in crypto.go, swapped onto
// RSA since the node's long-lived identity key is RSA-2048 rather than
// a Diffie-Hellman key.
func SealForRecipient(recipientPubDER, plaintext []byte) ([]byte, error) {
	pub, err := ParseRSAPublicKey(recipientPubDER)
	if err != nil {
		return nil, fmt.Errorf("elycrypto: parse recipient key: %w", err)
	}
	dek := make([]byte, KeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, err
	}
	nonce, ct, err := Seal(dek, plaintext, nil)
	if err != nil {
		return nil, err
	}
	wrapped, err := rsa.EncryptOAEP(sha3.New256(), rand.Reader, pub, dek, nil)
	if err != nil {
		return nil, fmt.Errorf("elycrypto: wrap dek: %w", err)
	}
	out := make([]byte, 0, 4+len(wrapped)+len(nonce)+len(ct))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(wrapped)))
	out = append(out, lenBuf[:]...)
	out = append(out, wrapped...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

// OpenFromSender reverses SealForRecipient using the local node's own
// RSA private key.
func OpenFromSender(selfPrivDER, sealed []byte) ([]byte, error) {
	if len(sealed) < 4 {
		return nil, fmt.Errorf("elycrypto: sealed envelope too short")
	}
	wrappedLen := binary.BigEndian.Uint32(sealed[:4])
	rest := sealed[4:]
	if uint32(len(rest)) < wrappedLen+uint32(NonceSize) {
		return nil, fmt.Errorf("elycrypto: sealed envelope truncated")
	}
	wrapped := rest[:wrappedLen]
	nonce := rest[wrappedLen : wrappedLen+uint32(NonceSize)]
	ct := rest[wrappedLen+uint32(NonceSize):]

	priv, err := ParseRSAPrivateKey(selfPrivDER)
	if err != nil {
		return nil, fmt.Errorf("elycrypto: parse self key: %w", err)
	}
	dek, err := rsa.DecryptOAEP(sha3.New256(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("elycrypto: unwrap dek: %w", err)
	}
	return Open(dek, nonce, ct, nil)
}
