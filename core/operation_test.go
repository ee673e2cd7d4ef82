package core

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"
)

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

func genKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv
}

func TestForgeBootstrapsNewStream(t *testing.T) {
	store := NewMemoryLogStore()
	priv := genKey(t)
	clock := fixedClock(time.Unix(1000, 0))

	h, body, err := Forge(context.Background(), store, priv, Extensions{}, []byte("hello"), clock)
	if err != nil {
		t.Fatalf("forge: %v", err)
	}
	if h.Seq != 0 {
		t.Fatalf("bootstrap operation must have seq 0, got %d", h.Seq)
	}
	if h.Backlink != nil {
		t.Fatalf("bootstrap operation must have no backlink, got %v", h.Backlink)
	}
	if string(body) != "hello" {
		t.Fatalf("unexpected body %q", body)
	}
	if !h.Verify() {
		t.Fatalf("forged header must verify")
	}
	if ExtractStreamRootHash(h) != h.Hash() {
		t.Fatalf("bootstrap stream root must default to the operation's own hash")
	}
}

func TestForgeChainsSubsequentOperations(t *testing.T) {
	store := NewMemoryLogStore()
	priv := genKey(t)
	clock := fixedClock(time.Unix(1000, 0))

	first, body, err := Forge(context.Background(), store, priv, Extensions{}, []byte("a"), clock)
	if err != nil {
		t.Fatalf("forge first: %v", err)
	}
	if err := store.Append(context.Background(), first, body); err != nil {
		t.Fatalf("append first: %v", err)
	}

	root := first.Hash()
	ext := Extensions{StreamRootHash: &root}
	second, _, err := Forge(context.Background(), store, priv, ext, []byte("b"), clock)
	if err != nil {
		t.Fatalf("forge second: %v", err)
	}
	if second.Seq != 1 {
		t.Fatalf("second operation must have seq 1, got %d", second.Seq)
	}
	if second.Backlink == nil || *second.Backlink != first.Hash() {
		t.Fatalf("second operation must backlink to first's hash")
	}
}

func TestHeaderVerifyRejectsTamperedSignature(t *testing.T) {
	store := NewMemoryLogStore()
	priv := genKey(t)
	h, _, err := Forge(context.Background(), store, priv, Extensions{}, []byte("x"), fixedClock(time.Unix(1, 0)))
	if err != nil {
		t.Fatalf("forge: %v", err)
	}
	h.Signature[0] ^= 0xFF
	if h.Verify() {
		t.Fatalf("tampered signature must not verify")
	}
}

func TestEncodeDecodeGossipRoundTrip(t *testing.T) {
	store := NewMemoryLogStore()
	priv := genKey(t)
	h, body, err := Forge(context.Background(), store, priv, Extensions{}, []byte("payload"), fixedClock(time.Unix(1, 0)))
	if err != nil {
		t.Fatalf("forge: %v", err)
	}

	encoded, err := EncodeGossip(h, body)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	headerBytes, bodyBytes, err := DecodeGossip(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	decoded, err := DecodeHeader(headerBytes)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if decoded.Hash() != h.Hash() {
		t.Fatalf("round-tripped header hash mismatch")
	}
	if string(bodyBytes) != string(body) {
		t.Fatalf("round-tripped body mismatch")
	}
}

func TestEncodeGossipOmitsBodyWhenNil(t *testing.T) {
	store := NewMemoryLogStore()
	priv := genKey(t)
	h, _, err := Forge(context.Background(), store, priv, Extensions{}, nil, fixedClock(time.Unix(1, 0)))
	if err != nil {
		t.Fatalf("forge: %v", err)
	}
	encoded, err := EncodeGossip(h, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, bodyBytes, err := DecodeGossip(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if bodyBytes != nil {
		t.Fatalf("expected nil body, got %v", bodyBytes)
	}
}

func TestHashIsDeterministicAcrossEncodingsOfSameHeader(t *testing.T) {
	store := NewMemoryLogStore()
	priv := genKey(t)
	h, _, err := Forge(context.Background(), store, priv, Extensions{}, []byte("x"), fixedClock(time.Unix(42, 0)))
	if err != nil {
		t.Fatalf("forge: %v", err)
	}
	if h.Hash() != h.Hash() {
		t.Fatalf("hash must be stable across repeated calls")
	}
	encoded, err := canonicalEncode(h)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeHeader(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Hash() != h.Hash() {
		t.Fatalf("identity hash must survive an encode/decode round trip")
	}
}
