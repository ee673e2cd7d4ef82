package core

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// PublicKey is a 32-byte Ed25519 public key, the author identity for a log.
type PublicKey [32]byte

func (k PublicKey) String() string { return Hash(k).String() }

func (k PublicKey) MarshalText() ([]byte, error) { return Hash(k).MarshalText() }

func (k *PublicKey) UnmarshalText(text []byte) error {
	var h Hash
	if err := h.UnmarshalText(text); err != nil {
		return err
	}
	*k = PublicKey(h)
	return nil
}

// Header is the signed, linked record at the head of every operation. Field
// order here is fixed by cbor keyasint tags, matching spec §3's "fixed
// order" requirement over the wire.
type Header struct {
	Version     uint8      `cbor:"1,keyasint"`
	Author      PublicKey  `cbor:"2,keyasint"`
	Signature   []byte     `cbor:"3,keyasint"`
	PayloadSize uint64     `cbor:"4,keyasint"`
	PayloadHash Hash       `cbor:"5,keyasint"`
	Timestamp   int64      `cbor:"6,keyasint"`
	Seq         uint64     `cbor:"7,keyasint"`
	Backlink    *Hash      `cbor:"8,keyasint,omitempty"`
	Previous    []Hash     `cbor:"9,keyasint,omitempty"`
	Extensions  Extensions `cbor:"10,keyasint"`
}

const ProtocolVersion uint8 = 1

var canonicalEncMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("core: invalid cbor canonical options: %v", err))
	}
	return mode
}()

// canonicalEncode returns the deterministic CBOR encoding used for both
// signing and identity hashing.
func canonicalEncode(v interface{}) ([]byte, error) {
	return canonicalEncMode.Marshal(v)
}

// signingBytes returns the canonical encoding of h with the signature field
// cleared, i.e. the bytes actually signed/verified.
func (h Header) signingBytes() ([]byte, error) {
	clone := h
	clone.Signature = nil
	return canonicalEncode(clone)
}

// Hash returns the operation's identity: the hash of the canonical encoding
// of the full header, signature included.
func (h Header) Hash() Hash {
	b, err := canonicalEncode(h)
	if err != nil {
		// Encoding a well-formed, already-validated Header cannot fail; a
		// panic here indicates a programming error in Header's shape.
		panic(fmt.Sprintf("core: header must be encodable: %v", err))
	}
	return HashBytes(b)
}

// Verify checks h's signature against its own public key.
func (h Header) Verify() bool {
	if len(h.Signature) != ed25519.SignatureSize {
		return false
	}
	msg, err := h.signingBytes()
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(h.Author[:]), msg, h.Signature)
}

// Clock abstracts wall-clock time so forge is deterministically testable.
type Clock func() time.Time

// LogStoreReader is the subset of LogStore that forge needs to derive
// sequence numbers and backlinks.
type LogStoreReader interface {
	Latest(ctx context.Context, author PublicKey, logID string) (*Header, []byte, bool, error)
}

// Forge builds, signs and returns a new operation for priv's log, deriving
// seq_num and backlink from the store's current head of that log. If
// extensions carries no stream root hash yet, this operation is treated as
// the first of a brand new stream: seq is 0 and backlink is absent without
// consulting the store (no prior operation could legally reference a
// stream whose root is this operation's own, not-yet-computed, hash).
func Forge(ctx context.Context, store LogStoreReader, priv ed25519.PrivateKey, ext Extensions, body []byte, clock Clock) (Header, []byte, error) {
	if clock == nil {
		clock = time.Now
	}
	var author PublicKey
	copy(author[:], priv.Public().(ed25519.PublicKey))

	h := Header{
		Version:    ProtocolVersion,
		Author:     author,
		Timestamp:  clock().Unix(),
		Extensions: ext,
	}
	if len(body) > 0 {
		h.PayloadHash = HashBytes(body)
	}
	h.PayloadSize = uint64(len(body))

	if ext.StreamRootHash != nil {
		owner := author
		if ext.StreamOwner != nil {
			owner = *ext.StreamOwner
		}
		logID := logIDFor(*ext.StreamRootHash, owner, ext.LogPath)
		prevHeader, _, ok, err := store.Latest(ctx, author, logID)
		if err != nil {
			return Header{}, nil, NewError(ErrKindStore, "forge: latest lookup failed", err)
		}
		if ok {
			h.Seq = prevHeader.Seq + 1
			prevHash := prevHeader.Hash()
			h.Backlink = &prevHash
		}
	}

	msg, err := h.signingBytes()
	if err != nil {
		return Header{}, nil, NewError(ErrKindStore, "forge: encode for signing failed", err)
	}
	h.Signature = ed25519.Sign(priv, msg)
	return h, body, nil
}

// EncodeGossip produces the on-the-wire CBOR array [header_bytes, body_bytes?]
// described in spec §6.3.
func EncodeGossip(h Header, body []byte) ([]byte, error) {
	headerBytes, err := canonicalEncode(h)
	if err != nil {
		return nil, NewError(ErrKindPublish, "encode header", err)
	}
	var env []interface{}
	if body != nil {
		env = []interface{}{headerBytes, body}
	} else {
		env = []interface{}{headerBytes}
	}
	out, err := cbor.Marshal(env)
	if err != nil {
		return nil, NewError(ErrKindPublish, "encode envelope", err)
	}
	return out, nil
}

// DecodeGossip is the inverse of EncodeGossip.
func DecodeGossip(data []byte) (headerBytes []byte, bodyBytes []byte, err error) {
	var env []cbor.RawMessage
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, nil, NewError(ErrKindDecode, "decode envelope", err)
	}
	if len(env) < 1 || len(env) > 2 {
		return nil, nil, NewError(ErrKindDecode, "envelope must have 1 or 2 elements", nil)
	}
	if err := cbor.Unmarshal(env[0], &headerBytes); err != nil {
		return nil, nil, NewError(ErrKindDecode, "decode header bytes", err)
	}
	if len(env) == 2 {
		if err := cbor.Unmarshal(env[1], &bodyBytes); err != nil {
			return nil, nil, NewError(ErrKindDecode, "decode body bytes", err)
		}
	}
	return headerBytes, bodyBytes, nil
}

// DecodeHeader unmarshals the canonical CBOR encoding of a Header.
func DecodeHeader(b []byte) (Header, error) {
	var h Header
	if err := cbor.Unmarshal(b, &h); err != nil {
		return Header{}, NewError(ErrKindDecode, "decode header", err)
	}
	return h, nil
}
