// Package bundle implements a signed, self-contained export/import
// codec for a batch of mesh messages an operator can carry between
// disconnected nodes over removable media (the delay-tolerant
// "sneakernet" path). The wire layout is a dedicated binary format,
// not the JSON MessageBundle original_source/core/src/bundle.rs uses;
// BundleInfo's field shape (exporter, counts, time range) is carried
// over from there.
package bundle

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/borisgraudt/elysium/internal/elycrypto"
	"github.com/borisgraudt/elysium/internal/elyerr"
	"github.com/borisgraudt/elysium/internal/proto"
)

// Magic identifies a bundle file; Version is the current codec
// version ("magic ELY1, version byte").
const (
	Magic        = "ELY1"
	Version byte = 1
)

// Bundle is an exporter-signed batch of mesh messages.
type Bundle struct {
	ExporterNodeID [32]byte
	CreatedAt      int64
	ExpiresAt      int64
	Items          []proto.MeshMsg
	Signature      []byte
}

// Info summarizes a bundle without its message payloads, following
// the field shape of original_source/core/src/bundle.rs's BundleInfo.
type Info struct {
	ExporterNodeID string
	CreatedAt      int64
	ExpiresAt      int64
	ItemCount      int
	TotalBytes     int
}

func (b Bundle) Info() Info {
	total := 0
	for _, item := range b.Items {
		total += len(item.Ciphertext)
	}
	return Info{
		ExporterNodeID: fmt.Sprintf("%x", b.ExporterNodeID),
		CreatedAt:      b.CreatedAt,
		ExpiresAt:      b.ExpiresAt,
		ItemCount:      len(b.Items),
		TotalBytes:     total,
	}
}

// Signer is the minimal identity capability Export needs.
type Signer interface {
	Sign(digest []byte) ([]byte, error)
}

// Export builds and signs a bundle from items, with the given validity
// window.
func Export(signer Signer, exporterNodeID [32]byte, items []proto.MeshMsg, validFor time.Duration) (Bundle, error) {
	now := time.Now()
	b := Bundle{
		ExporterNodeID: exporterNodeID,
		CreatedAt:      now.Unix(),
		ExpiresAt:      now.Add(validFor).Unix(),
		Items:          items,
	}
	digest, err := signingDigest(b)
	if err != nil {
		return Bundle{}, err
	}
	sig, err := signer.Sign(digest)
	if err != nil {
		return Bundle{}, err
	}
	b.Signature = sig
	return b, nil
}

// signingDigest hashes everything in the bundle except the signature
// itself, so Encode/Decode round trip the same bytes that were signed.
func signingDigest(b Bundle) ([]byte, error) {
	body, err := encodeBody(b)
	if err != nil {
		return nil, err
	}
	return elycrypto.SHA3_256(body), nil
}

// Encode serializes a bundle to binary layout:
// magic(4) || version(1) || exporter_node_id(32) || created_at(i64 BE)
// || expires_at(i64 BE) || item_count(u32 BE) || items... ||
// sig_len(u32 BE) || signature.
func Encode(b Bundle) ([]byte, error) {
	body, err := encodeBody(b)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+4+len(b.Signature))
	out = append(out, body...)
	var sigLen [4]byte
	binary.BigEndian.PutUint32(sigLen[:], uint32(len(b.Signature)))
	out = append(out, sigLen[:]...)
	out = append(out, b.Signature...)
	return out, nil
}

func encodeBody(b Bundle) ([]byte, error) {
	out := make([]byte, 0, 4+1+32+8+8+4)
	out = append(out, []byte(Magic)...)
	out = append(out, Version)
	out = append(out, b.ExporterNodeID[:]...)
	out = appendInt64(out, b.CreatedAt)
	out = appendInt64(out, b.ExpiresAt)
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(b.Items)))
	out = append(out, countBuf[:]...)
	for _, item := range b.Items {
		raw, err := encodeMeshItem(item)
		if err != nil {
			return nil, err
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(raw)))
		out = append(out, lenBuf[:]...)
		out = append(out, raw...)
	}
	return out, nil
}

func encodeMeshItem(m proto.MeshMsg) ([]byte, error) {
	return proto.Encode(proto.TypeMesh, m)
}

func appendInt64(buf []byte, v int64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	return append(buf, tmp[:]...)
}

// Decode parses a bundle from its binary form without verifying the
// signature; call Verify separately once the exporter's public key is
// known.
func Decode(data []byte) (Bundle, error) {
	if len(data) < 4+1+32+8+8+4 {
		return Bundle{}, fmt.Errorf("bundle: %w: truncated header", elyerr.ErrProtocolViolation)
	}
	if string(data[:4]) != Magic {
		return Bundle{}, fmt.Errorf("bundle: %w: bad magic", elyerr.ErrProtocolViolation)
	}
	off := 4
	version := data[off]
	off++
	if version != Version {
		return Bundle{}, elyerr.ErrVersionUnsupported
	}
	var b Bundle
	copy(b.ExporterNodeID[:], data[off:off+32])
	off += 32
	b.CreatedAt = int64(binary.BigEndian.Uint64(data[off : off+8]))
	off += 8
	b.ExpiresAt = int64(binary.BigEndian.Uint64(data[off : off+8]))
	off += 8
	count := binary.BigEndian.Uint32(data[off : off+4])
	off += 4

	b.Items = make([]proto.MeshMsg, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+4 > len(data) {
			return Bundle{}, fmt.Errorf("bundle: %w: truncated item length", elyerr.ErrProtocolViolation)
		}
		itemLen := binary.BigEndian.Uint32(data[off : off+4])
		off += 4
		if off+int(itemLen) > len(data) {
			return Bundle{}, fmt.Errorf("bundle: %w: truncated item body", elyerr.ErrProtocolViolation)
		}
		env, err := proto.DecodeEnvelope(data[off : off+int(itemLen)])
		if err != nil {
			return Bundle{}, err
		}
		off += int(itemLen)
		var m proto.MeshMsg
		if err := decodeMeshPayload(env, &m); err != nil {
			return Bundle{}, err
		}
		b.Items = append(b.Items, m)
	}

	if off+4 > len(data) {
		return Bundle{}, fmt.Errorf("bundle: %w: truncated signature length", elyerr.ErrProtocolViolation)
	}
	sigLen := binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	if off+int(sigLen) != len(data) {
		return Bundle{}, fmt.Errorf("bundle: %w: signature length mismatch", elyerr.ErrProtocolViolation)
	}
	b.Signature = append([]byte{}, data[off:off+int(sigLen)]...)
	return b, nil
}

func decodeMeshPayload(env proto.Envelope, out *proto.MeshMsg) error {
	if env.Type != proto.TypeMesh {
		return fmt.Errorf("bundle: %w: unexpected item type %q", elyerr.ErrProtocolViolation, env.Type)
	}
	return json.Unmarshal(env.Payload, out)
}

// Verify checks a decoded bundle's signature against the exporter's
// claimed public key and that it has not expired.
func Verify(b Bundle, exporterPub []byte) error {
	if time.Now().Unix() > b.ExpiresAt {
		return elyerr.ErrExpired
	}
	digest, err := signingDigest(b)
	if err != nil {
		return err
	}
	if !elycrypto.VerifyDigest(exporterPub, digest, b.Signature) {
		return elyerr.ErrSignatureInvalid
	}
	return nil
}
