package crypto

import (
	"bytes"
	"testing"
)

func TestPadRoundTrip(t *testing.T) {
	msg := []byte("fixed-length envelopes hide message sizes")
	padded, err := PadToLength(msg, 256)
	if err != nil {
		t.Fatalf("PadToLength: %v", err)
	}
	if len(padded) != 256 {
		t.Fatalf("got %d bytes, want 256", len(padded))
	}
	got, err := UnpadFixedLength(padded)
	if err != nil {
		t.Fatalf("UnpadFixedLength: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestPadRejectsOversizedPayload(t *testing.T) {
	if _, err := PadToLength(make([]byte, 300), 256); err == nil {
		t.Fatal("oversized payload should not fit")
	}
}

func TestUnpadRejectsCorruptLength(t *testing.T) {
	if _, err := UnpadFixedLength([]byte{0xff, 0xff, 0xff, 0xff, 0}); err == nil {
		t.Fatal("corrupt length prefix should fail")
	}
	if _, err := UnpadFixedLength([]byte{0, 0}); err == nil {
		t.Fatal("truncated input should fail")
	}
}
