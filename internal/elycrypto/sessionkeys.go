package elycrypto

import (
	"encoding/binary"
	"errors"
)

// SessionKeys are the per-direction AES-256-GCM keys and nonce bases
// derived from the handshake's X25519 shared secret and transcript
// hash. Deriving distinct send/recv keys (rather than reusing one key
// with directional nonce prefixes) follows the original code's
// DeriveSessionKeys in internal/crypto/session.go.
type SessionKeys struct {
	Master        []byte
	SendKey       []byte
	RecvKey       []byte
	NonceBaseSend []byte
	NonceBaseRecv []byte
}

const (
	labelMaster    = "elysium:kdf:master:v1"
	labelSendKey   = "elysium:send:v1"
	labelRecvKey   = "elysium:recv:v1"
	labelNonceSend = "elysium:nonce:send:v1"
	labelNonceRecv = "elysium:nonce:recv:v1"
)

// DeriveSessionKeys turns the raw X25519 shared secret plus a
// transcript hash (binding both HELLO messages) into directional
// AES-256-GCM keys. Initiator and responder compute the transcript
// identically but assign send/recv opposite to each other by passing
// the initiator flag.
func DeriveSessionKeys(sharedSecret, transcript []byte, initiator bool) (SessionKeys, error) {
	if len(sharedSecret) == 0 || len(transcript) == 0 {
		return SessionKeys{}, errors.New("empty key material")
	}
	master := KDF(labelMaster, sharedSecret, transcript)
	aKey := KDF(labelSendKey, master)[:KeySize]
	bKey := KDF(labelRecvKey, master)[:KeySize]
	aNonce := KDF(labelNonceSend, master)[:NonceSize]
	bNonce := KDF(labelNonceRecv, master)[:NonceSize]

	if initiator {
		return SessionKeys{Master: master, SendKey: aKey, RecvKey: bKey, NonceBaseSend: aNonce, NonceBaseRecv: bNonce}, nil
	}
	return SessionKeys{Master: master, SendKey: bKey, RecvKey: aKey, NonceBaseSend: bNonce, NonceBaseRecv: aNonce}, nil
}

// NonceFromBase XORs a 64-bit monotonic counter into the low 8 bytes
// of a 12-byte nonce base, giving each frame a unique nonce without
// needing to transmit a counter value (the receiver tracks it via the
// session's receive counter instead). Matches the original code's
// NonceFromBase shape, resized for a 12-byte AES-GCM nonce.
func NonceFromBase(base []byte, counter uint64) ([]byte, error) {
	if len(base) != NonceSize {
		return nil, errors.New("bad nonce base size")
	}
	nonce := make([]byte, NonceSize)
	copy(nonce, base)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], counter)
	for i := 0; i < 8; i++ {
		nonce[NonceSize-8+i] ^= tmp[i]
	}
	return nonce, nil
}
