package core

import (
	"encoding/hex"
	"errors"

	"lukechampine.com/blake3"
)

// Hash is a 32-byte content hash. It is hex-encoded wherever it crosses a
// process boundary (wire encoding, RPC, logs).
type Hash [32]byte

// ZeroHash is the distinguished absent-hash value, used for seq-0 backlinks.
var ZeroHash Hash

// HashBytes returns the BLAKE3-256 hash of b.
func HashBytes(b []byte) Hash {
	var h Hash
	sum := blake3.Sum256(b)
	copy(h[:], sum[:])
	return h
}

// Hash2 combines two hashes, used to derive a StreamID from a root hash and
// an owner public key: StreamID = Hash(root_hash || owner).
func Hash2(a, b []byte) Hash {
	buf := make([]byte, 0, len(a)+len(b))
	buf = append(buf, a...)
	buf = append(buf, b...)
	return HashBytes(buf)
}

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool { return h == ZeroHash }

// ParseHash decodes a 64-character hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != len(h) {
		return h, errors.New("hash: wrong length")
	}
	copy(h[:], b)
	return h, nil
}

// MarshalText implements encoding.TextMarshaler so Hash can appear directly
// in JSON-encoded RPC payloads as a hex string.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
