package elycrypto

import "testing"

func TestSealForRecipientRoundTrip(t *testing.T) {
	pub, priv, err := GenKeypair()
	if err != nil {
		t.Fatalf("GenKeypair: %v", err)
	}
	sealed, err := SealForRecipient(pub, []byte("hello target"))
	if err != nil {
		t.Fatalf("SealForRecipient: %v", err)
	}
	got, err := OpenFromSender(priv, sealed)
	if err != nil {
		t.Fatalf("OpenFromSender: %v", err)
	}
	if string(got) != "hello target" {
		t.Fatalf("got %q", got)
	}
}

func TestOpenFromSenderWrongKeyFails(t *testing.T) {
	pub, _, err := GenKeypair()
	if err != nil {
		t.Fatalf("GenKeypair: %v", err)
	}
	_, otherPriv, err := GenKeypair()
	if err != nil {
		t.Fatalf("GenKeypair: %v", err)
	}
	sealed, err := SealForRecipient(pub, []byte("secret"))
	if err != nil {
		t.Fatalf("SealForRecipient: %v", err)
	}
	if _, err := OpenFromSender(otherPriv, sealed); err == nil {
		t.Fatal("expected decryption to fail with the wrong private key")
	}
}
