// Package wire implements the length-prefixed frame codec:
// u32 big-endian length || body, where body is either a cleartext
// handshake frame or nonce||ciphertext||tag under AES-256-GCM. Grounded
// on internal/proto/envelope.go's EncodeFrame/ReadFrame/WriteFrame
// shape.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/borisgraudt/elysium/internal/elycrypto"
	"github.com/borisgraudt/elysium/internal/elyerr"
)

// MaxFrameSize is the 16 MiB frame size cap.
const MaxFrameSize = 16 << 20

const lenPrefixSize = 4

// FrameType tags the body so the dispatcher in the session layer can
// reject types invalid for the current state (elyerr.ErrProtocolViolation).
type FrameType byte

const (
	TypeHandshake FrameType = 0x01
	TypeEncrypted FrameType = 0x02
)

// EncodeFrame prepends the u32 big-endian length prefix to body.
func EncodeFrame(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("wire: empty frame body")
	}
	if len(body) > MaxFrameSize {
		return nil, elyerr.ErrFrameTooLarge
	}
	out := make([]byte, lenPrefixSize+len(body))
	binary.BigEndian.PutUint32(out[:lenPrefixSize], uint32(len(body)))
	copy(out[lenPrefixSize:], body)
	return out, nil
}

// ReadFrame blocks until a full length-prefixed body has been read off
// r, or returns an error (including elyerr.ErrFrameTooLarge when the
// declared length exceeds MaxFrameSize).
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [lenPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, fmt.Errorf("wire: zero-length frame")
	}
	if int64(n) > MaxFrameSize {
		return nil, elyerr.ErrFrameTooLarge
	}
	body := make([]byte, int(n))
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WriteFrame encodes and writes body as a single frame, retrying short
// writes, matching internal/proto/envelope.go's WriteFrame.
func WriteFrame(w io.Writer, body []byte) error {
	frame, err := EncodeFrame(body)
	if err != nil {
		return err
	}
	total := 0
	for total < len(frame) {
		n, err := w.Write(frame[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("wire: short write")
		}
		total += n
	}
	return nil
}

// SealFrame builds an encrypted frame body: nonce(12B) || ciphertext ||
// tag(16B within ciphertext), with aad binding the sender's node_id and
// a frame-type byte.
func SealFrame(key32, plaintext []byte, selfNodeID [32]byte, msgType byte) ([]byte, error) {
	aad := buildAAD(selfNodeID, msgType)
	nonce, ct, err := elycrypto.Seal(key32, plaintext, aad)
	if err != nil {
		return nil, err
	}
	body := make([]byte, 0, len(nonce)+len(ct))
	body = append(body, nonce...)
	body = append(body, ct...)
	return body, nil
}

// SealFrameWithNonce seals with an explicit nonce, used when the
// session derives nonces from its monotonic send counter rather than
// picking one at random.
func SealFrameWithNonce(key32, nonce, plaintext []byte, selfNodeID [32]byte, msgType byte) ([]byte, error) {
	aad := buildAAD(selfNodeID, msgType)
	ct, err := elycrypto.SealWithNonce(key32, nonce, plaintext, aad)
	if err != nil {
		return nil, err
	}
	body := make([]byte, 0, len(nonce)+len(ct))
	body = append(body, nonce...)
	body = append(body, ct...)
	return body, nil
}

// OpenFrame splits a sealed body into nonce/ciphertext and decrypts,
// verifying the same AAD the sender bound in. Tag mismatch surfaces as
// elyerr.ErrAuthFailure.
func OpenFrame(key32, body []byte, peerNodeID [32]byte, msgType byte) ([]byte, error) {
	if len(body) < elycrypto.NonceSize+elycrypto.TagSize {
		return nil, elyerr.ErrProtocolViolation
	}
	nonce := body[:elycrypto.NonceSize]
	ct := body[elycrypto.NonceSize:]
	aad := buildAAD(peerNodeID, msgType)
	pt, err := elycrypto.Open(key32, nonce, ct, aad)
	if err != nil {
		return nil, elyerr.ErrAuthFailure
	}
	return pt, nil
}

func buildAAD(nodeID [32]byte, msgType byte) []byte {
	aad := make([]byte, 33)
	copy(aad, nodeID[:])
	aad[32] = msgType
	return aad
}
