package bundle

import (
	"testing"
	"time"

	"github.com/borisgraudt/elysium/internal/elycrypto"
	"github.com/borisgraudt/elysium/internal/proto"
)

type testSigner struct{ priv []byte }

func (s testSigner) Sign(digest []byte) ([]byte, error) {
	return elycrypto.SignDigest(s.priv, digest)
}

func TestExportEncodeDecodeVerifyRoundTrip(t *testing.T) {
	pub, priv, err := elycrypto.GenKeypair()
	if err != nil {
		t.Fatalf("GenKeypair: %v", err)
	}
	var exporter [32]byte
	exporter[0] = 0xAB

	items := []proto.MeshMsg{
		{MessageID: "m1", Origin: "aa", TTL: 8, CreatedAt: 1},
		{MessageID: "m2", Origin: "bb", TTL: 8, CreatedAt: 2},
	}
	b, err := Export(testSigner{priv}, exporter, items, time.Hour)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	encoded, err := Encode(b)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(encoded[:4]) != Magic {
		t.Fatalf("missing magic prefix")
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(decoded.Items) != 2 || decoded.Items[0].MessageID != "m1" {
		t.Fatalf("unexpected decoded items: %+v", decoded.Items)
	}
	if err := Verify(decoded, pub); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	info := decoded.Info()
	if info.ItemCount != 2 {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	junk := make([]byte, 64)
	copy(junk, []byte("XXXX"))
	if _, err := Decode(junk); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestVerifyRejectsExpiredBundle(t *testing.T) {
	pub, priv, err := elycrypto.GenKeypair()
	if err != nil {
		t.Fatalf("GenKeypair: %v", err)
	}
	var exporter [32]byte
	b, err := Export(testSigner{priv}, exporter, nil, -time.Minute)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if err := Verify(b, pub); err == nil {
		t.Fatal("expected expired bundle to fail verification")
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	pub, priv, err := elycrypto.GenKeypair()
	if err != nil {
		t.Fatalf("GenKeypair: %v", err)
	}
	var exporter [32]byte
	b, err := Export(testSigner{priv}, exporter, []proto.MeshMsg{{MessageID: "m"}}, time.Hour)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	b.Signature[0] ^= 0xFF
	if err := Verify(b, pub); err == nil {
		t.Fatal("expected tampered signature to fail verification")
	}
}
