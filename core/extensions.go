package core

// Extensions carries the optional, per-operation metadata that turns a flat
// signed header into a member of a stream, a path within a log, or a prune
// marker. Wire keys are the single letters fixed by spec §6.3.
type Extensions struct {
	StreamRootHash *Hash      `cbor:"r,omitempty"`
	StreamOwner    *PublicKey `cbor:"o,omitempty"`
	LogPath        *string    `cbor:"l,omitempty"`
	Prune          bool       `cbor:"p,omitempty"`
}

// ExtractStreamRootHash returns the stream root hash carried by h, defaulting
// to h's own identity hash when absent — the first operation of a stream
// implicitly defines that stream's root.
func ExtractStreamRootHash(h Header) Hash {
	if h.Extensions.StreamRootHash != nil {
		return *h.Extensions.StreamRootHash
	}
	return h.Hash()
}

// ExtractStreamOwner returns the stream owner carried by h, defaulting to h's
// author when absent.
func ExtractStreamOwner(h Header) PublicKey {
	if h.Extensions.StreamOwner != nil {
		return *h.Extensions.StreamOwner
	}
	return h.Author
}

// ExtractLogPath returns the log path carried by h, defaulting to the empty
// path (the stream's default log) when absent.
func ExtractLogPath(h Header) string {
	if h.Extensions.LogPath != nil {
		return *h.Extensions.LogPath
	}
	return ""
}

// ExtractPruneFlag reports whether h marks all prior entries of its log for
// deletion.
func ExtractPruneFlag(h Header) bool {
	return h.Extensions.Prune
}

// StreamID is the stable identifier of the stream h belongs to:
// Hash(stream_root_hash || stream_owner).
func StreamID(h Header) Hash {
	root := ExtractStreamRootHash(h)
	owner := ExtractStreamOwner(h)
	return Hash2(root[:], owner[:])
}

// LogID is the store's key for the (stream, log path) pair h belongs to:
// "{stream_id}/{log_path}".
func LogID(h Header) string {
	return logIDFor(ExtractStreamRootHash(h), ExtractStreamOwner(h), h.Extensions.LogPath)
}

// logIDFor computes a log id from explicit components, used by Forge before
// a full Header exists to derive the identity hash default.
func logIDFor(root Hash, owner PublicKey, path *string) string {
	sid := Hash2(root[:], owner[:])
	p := ""
	if path != nil {
		p = *path
	}
	return sid.String() + "/" + p
}
