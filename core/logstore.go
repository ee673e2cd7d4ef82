package core

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// entry is one stored (header, body) pair, keyed by its position in a log.
type entry struct {
	Header Header `json:"header"`
	Body   []byte `json:"body,omitempty"`
}

// LogStore persists operations per (author, log) and answers the ordering
// and integrity questions the ingestion pipeline needs: what's the current
// head, is this entry already known, what comes after a given sequence
// number. Implementations must serve a single (author, logID) pair without
// tearing under concurrent access, but make no promises across different
// logs (spec §5: no cross-log ordering).
type LogStore interface {
	LogStoreReader

	// Append adds h/body as the new head of its log. Callers are expected to
	// have already validated seq/backlink contiguity; Append itself only
	// guards against a duplicate hash or a non-monotonic seq.
	Append(ctx context.Context, h Header, body []byte) error

	// Get returns the entry at the given sequence number of (author, logID).
	Get(ctx context.Context, author PublicKey, logID string, seq uint64) (*Header, []byte, bool, error)

	// Contains reports whether an operation with this identity hash is
	// already stored, regardless of which log it belongs to.
	Contains(ctx context.Context, id Hash) (bool, error)

	// HeaderByID resolves an operation's identity hash to its (header,
	// body), regardless of which log it belongs to.
	HeaderByID(ctx context.Context, id Hash) (*Header, []byte, bool, error)

	// List returns entries of (author, logID) with seq >= fromSeq, in
	// ascending seq order, used to serve replay.
	List(ctx context.Context, author PublicKey, logID string, fromSeq uint64) ([]Header, [][]byte, error)

	// Prune deletes all entries of (author, logID) with seq < beforeSeq.
	Prune(ctx context.Context, author PublicKey, logID string, beforeSeq uint64) error
}

type logKey struct {
	author PublicKey
	logID  string
}

// MemoryLogStore is an in-process reference LogStore backed by a map of
// append-only slices, one per (author, logID). WALLogStore keeps its
// in-memory index in one, and tests use it directly.
type MemoryLogStore struct {
	mu   sync.RWMutex
	logs map[logKey][]entry
	ids  map[Hash]entry
}

func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{
		logs: make(map[logKey][]entry),
		ids:  make(map[Hash]entry),
	}
}

func (s *MemoryLogStore) Latest(ctx context.Context, author PublicKey, logID string) (*Header, []byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.logs[logKey{author, logID}]
	if len(entries) == 0 {
		return nil, nil, false, nil
	}
	last := entries[len(entries)-1]
	return &last.Header, last.Body, true, nil
}

func (s *MemoryLogStore) Append(ctx context.Context, h Header, body []byte) error {
	key := logKey{h.Author, LogID(h)}
	id := h.Hash()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.ids[id]; exists {
		return NewError(ErrKindLogIntegrity, "operation already stored", nil)
	}
	entries := s.logs[key]
	if len(entries) > 0 && entries[len(entries)-1].Header.Seq >= h.Seq {
		return NewError(ErrKindLogIntegrity, fmt.Sprintf("seq %d is not after current head %d", h.Seq, entries[len(entries)-1].Header.Seq), ErrForkDetected)
	}
	e := entry{Header: h, Body: body}
	s.logs[key] = append(entries, e)
	s.ids[id] = e
	return nil
}

func (s *MemoryLogStore) Get(ctx context.Context, author PublicKey, logID string, seq uint64) (*Header, []byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.logs[logKey{author, logID}]
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].Header.Seq >= seq })
	if idx >= len(entries) || entries[idx].Header.Seq != seq {
		return nil, nil, false, nil
	}
	e := entries[idx]
	return &e.Header, e.Body, true, nil
}

func (s *MemoryLogStore) Contains(ctx context.Context, id Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok, nil
}

// HeaderByID looks up the stored (header, body) whose identity hash is id,
// regardless of which (author, log) it belongs to. Used to resolve an
// operation_id into the (author, logID, seq) an Ack or Replay needs.
func (s *MemoryLogStore) HeaderByID(ctx context.Context, id Hash) (*Header, []byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.ids[id]
	if !ok {
		return nil, nil, false, nil
	}
	return &e.Header, e.Body, true, nil
}

func (s *MemoryLogStore) List(ctx context.Context, author PublicKey, logID string, fromSeq uint64) ([]Header, [][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.logs[logKey{author, logID}]
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].Header.Seq >= fromSeq })
	headers := make([]Header, 0, len(entries)-idx)
	bodies := make([][]byte, 0, len(entries)-idx)
	for _, e := range entries[idx:] {
		headers = append(headers, e.Header)
		bodies = append(bodies, e.Body)
	}
	return headers, bodies, nil
}

func (s *MemoryLogStore) Prune(ctx context.Context, author PublicKey, logID string, beforeSeq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := logKey{author, logID}
	entries := s.logs[key]
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].Header.Seq >= beforeSeq })
	for _, e := range entries[:idx] {
		delete(s.ids, e.Header.Hash())
	}
	s.logs[key] = entries[idx:]
	return nil
}

// WALLogStore is a durable LogStore that replays a newline-delimited JSON
// write-ahead file on open and appends new entries to it, gzip-archiving
// pruned ranges rather than discarding them outright. This mirrors the
// teacher ledger's open/replay/append/archive discipline, applied here to
// per-(author,log) operation history instead of account balances.
type WALLogStore struct {
	mem     *MemoryLogStore
	mu      sync.Mutex
	walPath string
	wal     *os.File
}

// OpenWALLogStore opens (creating if absent) the WAL file at path and
// replays it into memory.
func OpenWALLogStore(path string) (*WALLogStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, NewError(ErrKindStore, "create wal directory", err)
		}
	}
	s := &WALLogStore{mem: NewMemoryLogStore(), walPath: path}

	if f, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			var e entry
			if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
				f.Close()
				return nil, NewError(ErrKindStore, "replay wal record", err)
			}
			if err := s.mem.Append(context.Background(), e.Header, e.Body); err != nil {
				f.Close()
				return nil, NewError(ErrKindStore, "replay wal append", err)
			}
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return nil, NewError(ErrKindStore, "scan wal", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, NewError(ErrKindStore, "open wal", err)
	}

	wal, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, NewError(ErrKindStore, "open wal for append", err)
	}
	s.wal = wal
	return s, nil
}

func (s *WALLogStore) Latest(ctx context.Context, author PublicKey, logID string) (*Header, []byte, bool, error) {
	return s.mem.Latest(ctx, author, logID)
}

func (s *WALLogStore) Get(ctx context.Context, author PublicKey, logID string, seq uint64) (*Header, []byte, bool, error) {
	return s.mem.Get(ctx, author, logID, seq)
}

func (s *WALLogStore) Contains(ctx context.Context, id Hash) (bool, error) {
	return s.mem.Contains(ctx, id)
}

func (s *WALLogStore) HeaderByID(ctx context.Context, id Hash) (*Header, []byte, bool, error) {
	return s.mem.HeaderByID(ctx, id)
}

func (s *WALLogStore) List(ctx context.Context, author PublicKey, logID string, fromSeq uint64) ([]Header, [][]byte, error) {
	return s.mem.List(ctx, author, logID, fromSeq)
}

func (s *WALLogStore) Append(ctx context.Context, h Header, body []byte) error {
	if err := s.mem.Append(ctx, h, body); err != nil {
		return err
	}
	line, err := json.Marshal(entry{Header: h, Body: body})
	if err != nil {
		return NewError(ErrKindStore, "marshal wal record", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.wal.Write(append(line, '\n')); err != nil {
		return NewError(ErrKindStore, "write wal record", err)
	}
	return s.wal.Sync()
}

// Prune deletes in-memory entries below beforeSeq and appends the current
// WAL file to the gzip archive at walPath+".archive.gz" before truncating
// it; the surviving in-memory entries are then rewritten to the fresh WAL,
// so they are what a later open replays.
func (s *WALLogStore) Prune(ctx context.Context, author PublicKey, logID string, beforeSeq uint64) error {
	if err := s.mem.Prune(ctx, author, logID, beforeSeq); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	archivePath := s.walPath + ".archive.gz"
	if err := s.wal.Close(); err != nil {
		return NewError(ErrKindStore, "close wal for archive", err)
	}
	if err := archiveGzip(s.walPath, archivePath); err != nil {
		return NewError(ErrKindStore, "archive wal", err)
	}

	fresh, err := os.OpenFile(s.walPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return NewError(ErrKindStore, "recreate wal after archive", err)
	}
	s.wal = fresh

	s.mem.mu.RLock()
	defer s.mem.mu.RUnlock()
	for _, entries := range s.mem.logs {
		for _, e := range entries {
			line, err := json.Marshal(e)
			if err != nil {
				return NewError(ErrKindStore, "marshal wal record", err)
			}
			if _, err := s.wal.Write(append(line, '\n')); err != nil {
				return NewError(ErrKindStore, "rewrite wal record", err)
			}
		}
	}
	return s.wal.Sync()
}

func (s *WALLogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wal.Close()
}

func archiveGzip(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	if _, err := gw.Write(nil); err != nil {
		return err
	}
	buf := make([]byte, 32*1024)
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := gw.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			break
		}
	}
	return gw.Close()
}
