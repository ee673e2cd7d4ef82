package core

import (
	"context"
	"crypto/ed25519"
	"path/filepath"
	"testing"
	"time"
)

func forgeChain(t *testing.T, store LogStore, priv ed25519.PrivateKey, n int) []Header {
	t.Helper()
	var headers []Header
	var root *Hash
	for i := 0; i < n; i++ {
		ext := Extensions{}
		if root != nil {
			ext.StreamRootHash = root
		}
		h, body, err := Forge(context.Background(), store, priv, ext, []byte{byte(i)}, fixedClock(time.Unix(int64(i), 0)))
		if err != nil {
			t.Fatalf("forge %d: %v", i, err)
		}
		if err := store.Append(context.Background(), h, body); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if root == nil {
			r := h.Hash()
			root = &r
		}
		headers = append(headers, h)
	}
	return headers
}

func TestMemoryLogStoreAppendRejectsDuplicateAndNonMonotonicSeq(t *testing.T) {
	store := NewMemoryLogStore()
	priv := genKey(t)
	headers := forgeChain(t, store, priv, 1)
	h := headers[0]

	if err := store.Append(context.Background(), h, []byte{0}); err == nil {
		t.Fatalf("expected duplicate append to fail")
	}

	// same log (explicit root equal to h's default root), same seq 0, new hash.
	root := h.Hash()
	stale := h
	stale.Extensions.StreamRootHash = &root
	if err := store.Append(context.Background(), stale, []byte{0}); err == nil {
		t.Fatalf("expected append at a seq not after the current head to fail")
	}
}

func TestMemoryLogStoreListReturnsAscendingFromSeq(t *testing.T) {
	store := NewMemoryLogStore()
	priv := genKey(t)
	headers := forgeChain(t, store, priv, 5)
	logID := LogID(headers[0])

	got, bodies, err := store.List(context.Background(), headers[0].Author, logID, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries from seq 2, got %d", len(got))
	}
	for i, h := range got {
		if h.Seq != uint64(2+i) {
			t.Fatalf("entry %d has seq %d, want %d", i, h.Seq, 2+i)
		}
	}
	if len(bodies) != 3 {
		t.Fatalf("expected 3 bodies, got %d", len(bodies))
	}
}

func TestMemoryLogStoreHeaderByIDResolvesAcrossLogs(t *testing.T) {
	store := NewMemoryLogStore()
	priv := genKey(t)
	headers := forgeChain(t, store, priv, 3)

	h, body, ok, err := store.HeaderByID(context.Background(), headers[1].Hash())
	if err != nil {
		t.Fatalf("header by id: %v", err)
	}
	if !ok {
		t.Fatalf("expected operation to be found")
	}
	if h.Seq != 1 {
		t.Fatalf("resolved wrong header: seq %d", h.Seq)
	}
	if len(body) != 1 || body[0] != 1 {
		t.Fatalf("resolved wrong body: %v", body)
	}

	_, _, ok, err = store.HeaderByID(context.Background(), Hash{0xFF})
	if err != nil {
		t.Fatalf("header by id unknown: %v", err)
	}
	if ok {
		t.Fatalf("expected unknown operation id to miss")
	}
}

func TestMemoryLogStorePrunePurgesBothIndexes(t *testing.T) {
	store := NewMemoryLogStore()
	priv := genKey(t)
	headers := forgeChain(t, store, priv, 4)
	logID := LogID(headers[0])

	if err := store.Prune(context.Background(), headers[0].Author, logID, 2); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if ok, _ := store.Contains(context.Background(), headers[0].Hash()); ok {
		t.Fatalf("pruned entry must no longer be Contains-visible")
	}
	got, _, err := store.List(context.Background(), headers[0].Author, logID, 0)
	if err != nil {
		t.Fatalf("list after prune: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 remaining entries, got %d", len(got))
	}
}

func TestWALLogStoreReplaysAfterReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")
	priv := genKey(t)

	store, err := OpenWALLogStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	headers := forgeChain(t, store, priv, 3)
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenWALLogStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	logID := LogID(headers[0])
	got, _, err := reopened.List(context.Background(), headers[0].Author, logID, 0)
	if err != nil {
		t.Fatalf("list after reopen: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 replayed entries, got %d", len(got))
	}
	for i, h := range got {
		if h.Hash() != headers[i].Hash() {
			t.Fatalf("replayed entry %d does not match original", i)
		}
	}
}

func TestWALLogStorePruneArchivesAndTruncates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")
	priv := genKey(t)

	store, err := OpenWALLogStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	headers := forgeChain(t, store, priv, 3)
	logID := LogID(headers[0])

	if err := store.Prune(context.Background(), headers[0].Author, logID, 2); err != nil {
		t.Fatalf("prune: %v", err)
	}
	got, _, err := store.List(context.Background(), headers[0].Author, logID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 remaining entry after prune, got %d", len(got))
	}
}
