package core

import "testing"

func TestHashBytesIsDeterministic(t *testing.T) {
	a := HashBytes([]byte("payload"))
	b := HashBytes([]byte("payload"))
	if a != b {
		t.Fatalf("expected identical input to hash identically")
	}
	if HashBytes([]byte("other")) == a {
		t.Fatalf("expected distinct input to hash differently")
	}
}

func TestHash2OrderMatters(t *testing.T) {
	a := HashBytes([]byte("a"))
	b := HashBytes([]byte("b"))
	if Hash2(a[:], b[:]) == Hash2(b[:], a[:]) {
		t.Fatalf("Hash2 must not be commutative")
	}
}

func TestHashStringParseHashRoundTrip(t *testing.T) {
	h := HashBytes([]byte("round trip me"))
	parsed, err := ParseHash(h.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != h {
		t.Fatalf("round-tripped hash mismatch")
	}
}

func TestParseHashRejectsWrongLength(t *testing.T) {
	if _, err := ParseHash("abcd"); err == nil {
		t.Fatalf("expected short hex string to fail")
	}
}

func TestParseHashRejectsNonHex(t *testing.T) {
	bad := "zz" + ZeroHash.String()[2:]
	if _, err := ParseHash(bad); err == nil {
		t.Fatalf("expected non-hex string to fail")
	}
}

func TestIsZero(t *testing.T) {
	var h Hash
	if !h.IsZero() {
		t.Fatalf("zero-valued Hash must report IsZero")
	}
	h[0] = 1
	if h.IsZero() {
		t.Fatalf("non-zero Hash must not report IsZero")
	}
}

func TestHashMarshalUnmarshalText(t *testing.T) {
	h := HashBytes([]byte("text roundtrip"))
	text, err := h.MarshalText()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Hash
	if err := got.UnmarshalText(text); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != h {
		t.Fatalf("mismatch after marshal/unmarshal text round trip")
	}
}
