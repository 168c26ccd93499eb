package wire

import (
	"bytes"
	"testing"
)

func TestEncodeReadFrameRoundTrip(t *testing.T) {
	body := []byte("hello frame")
	var buf bytes.Buffer
	if err := WriteFrame(&buf, body); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("round trip mismatch: %q vs %q", got, body)
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := make([]byte, 4)
	// declare a length larger than MaxFrameSize
	lenBuf[0] = 0xFF
	lenBuf[1] = 0xFF
	lenBuf[2] = 0xFF
	lenBuf[3] = 0xFF
	buf.Write(lenBuf)
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected error for oversized frame")
	}
}

func TestSealOpenFrameRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	var nodeID [32]byte
	nodeID[0] = 7
	body, err := SealFrame(key, []byte("secret payload"), nodeID, 0x02)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	pt, err := OpenFrame(key, body, nodeID, 0x02)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(pt) != "secret payload" {
		t.Fatalf("got %q", pt)
	}
}

func TestOpenFrameWrongAADFails(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	var nodeID [32]byte
	nodeID[0] = 7
	body, err := SealFrame(key, []byte("secret"), nodeID, 0x02)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	var other [32]byte
	other[0] = 9
	if _, err := OpenFrame(key, body, other, 0x02); err == nil {
		t.Fatal("expected auth failure with mismatched AAD")
	}
}
