package core

import (
	"context"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// syncProtocolID is the direct peer-to-peer protocol used to pull
// operations a subscriber missed before it joined a persisted topic's
// gossip channel (spec §6.2's sync primitive, exercised by the "subscribe
// after the fact" scenario). Gossip alone only fans out what is published
// after a peer subscribes; this request/response stream fills in whatever
// was published before, using the topic map as the routing table of what
// to ask for.
const syncProtocolID = protocol.ID("/meshlog/sync/1.0.0")

// blobProtocolID is the direct peer-to-peer protocol used to fetch a
// blob's bytes by content hash when neither cache tier has it (spec §4.H).
const blobProtocolID = protocol.ID("/meshlog/blob/1.0.0")

const syncStreamTimeout = 10 * time.Second

// logCursor reports, for one (author, logID) pair, how many contiguous
// entries from seq 0 the requester already holds.
type logCursor struct {
	Author PublicKey `cbor:"1,keyasint"`
	LogID  string    `cbor:"2,keyasint"`
	Have   uint64    `cbor:"3,keyasint"`
}

// syncRequest asks a peer for every operation on topic's bound logs beyond
// what the requester already has, per logCursor.
type syncRequest struct {
	Topic   topicWire   `cbor:"1,keyasint"`
	Cursors []logCursor `cbor:"2,keyasint"`
}

// syncEntry is one operation returned by a sync response: a header (still
// in its own canonical encoding so the receiver can hash/verify it exactly
// as if it arrived over gossip) paired with its body.
type syncEntry struct {
	HeaderBytes []byte `cbor:"1,keyasint"`
	Body        []byte `cbor:"2,keyasint"`
}

type syncResponse struct {
	Entries []syncEntry `cbor:"1,keyasint"`
}

type blobRequest struct {
	ID Hash `cbor:"1,keyasint"`
}

type blobResponse struct {
	Found bool   `cbor:"1,keyasint"`
	Data  []byte `cbor:"2,keyasint"`
}

// RegisterSyncHandlers installs the stream handlers that answer another
// peer's sync and blob-fetch requests. Call once the facade's store,
// topics and blob resolver exist — typically right after NewFacade.
func (n *Node) RegisterSyncHandlers(store LogStore, topics *TopicMap, blobs *BlobResolver) {
	n.host.SetStreamHandler(syncProtocolID, func(s network.Stream) {
		defer s.Close()
		n.serveSyncStream(s, store, topics)
	})
	n.host.SetStreamHandler(blobProtocolID, func(s network.Stream) {
		defer s.Close()
		n.serveBlobStream(s, blobs)
	})
}

func (n *Node) serveSyncStream(s network.Stream, store LogStore, topics *TopicMap) {
	_ = s.SetDeadline(time.Now().Add(syncStreamTimeout))
	raw, err := io.ReadAll(s)
	if err != nil {
		n.log.WithError(err).Debug("sync stream read failed")
		return
	}
	var req syncRequest
	if err := decodeCBOR(raw, &req); err != nil {
		n.log.WithError(err).Debug("sync request decode failed")
		return
	}

	topic := Topic{Kind: TopicKind(req.Topic.Kind), Name: req.Topic.Name}
	have := make(map[logKey]uint64, len(req.Cursors))
	for _, c := range req.Cursors {
		have[logKey{author: c.Author, logID: c.LogID}] = c.Have
	}

	var resp syncResponse
	for _, author := range topics.Authors(topic) {
		for _, logID := range topics.Logs(topic, author) {
			from := have[logKey{author: author, logID: logID}]
			headers, bodies, err := store.List(context.Background(), author, logID, from)
			if err != nil {
				n.log.WithError(err).Debug("sync list failed")
				continue
			}
			for i, h := range headers {
				hb, err := canonicalEncode(h)
				if err != nil {
					continue
				}
				resp.Entries = append(resp.Entries, syncEntry{HeaderBytes: hb, Body: bodies[i]})
			}
		}
	}

	out, err := canonicalEncode(resp)
	if err != nil {
		n.log.WithError(err).Debug("sync response encode failed")
		return
	}
	if _, err := s.Write(out); err != nil {
		n.log.WithError(err).Debug("sync response write failed")
	}
}

func (n *Node) serveBlobStream(s network.Stream, blobs *BlobResolver) {
	_ = s.SetDeadline(time.Now().Add(syncStreamTimeout))
	raw, err := io.ReadAll(s)
	if err != nil {
		n.log.WithError(err).Debug("blob stream read failed")
		return
	}
	var req blobRequest
	if err := decodeCBOR(raw, &req); err != nil {
		n.log.WithError(err).Debug("blob request decode failed")
		return
	}

	resp := blobResponse{}
	if data, ok := blobs.localGet(req.ID); ok {
		resp.Found = true
		resp.Data = data
	}
	out, err := canonicalEncode(resp)
	if err != nil {
		n.log.WithError(err).Debug("blob response encode failed")
		return
	}
	if _, err := s.Write(out); err != nil {
		n.log.WithError(err).Debug("blob response write failed")
	}
}

// requestSync opens a direct stream to peerID and asks for every entry on
// topic's bound logs beyond cursors.
func (n *Node) requestSync(ctx context.Context, peerID PeerID, topic Topic, cursors []logCursor) (syncResponse, error) {
	req := syncRequest{Topic: topicWire{Kind: uint8(topic.Kind), Name: topic.Name}, Cursors: cursors}
	payload, err := canonicalEncode(req)
	if err != nil {
		return syncResponse{}, err
	}
	raw, err := n.roundTrip(ctx, peerID, syncProtocolID, payload)
	if err != nil {
		return syncResponse{}, err
	}
	var resp syncResponse
	if err := decodeCBOR(raw, &resp); err != nil {
		return syncResponse{}, NewError(ErrKindDecode, "malformed sync response", err)
	}
	return resp, nil
}

// requestBlob opens a direct stream to peerID and asks for id's bytes.
func (n *Node) requestBlob(ctx context.Context, peerID PeerID, id Hash) ([]byte, error) {
	payload, err := canonicalEncode(blobRequest{ID: id})
	if err != nil {
		return nil, err
	}
	raw, err := n.roundTrip(ctx, peerID, blobProtocolID, payload)
	if err != nil {
		return nil, err
	}
	var resp blobResponse
	if err := decodeCBOR(raw, &resp); err != nil {
		return nil, NewError(ErrKindDecode, "malformed blob response", err)
	}
	if !resp.Found {
		return nil, ErrNotFound
	}
	return resp.Data, nil
}

// roundTrip opens a stream to peerID on proto, writes payload, half-closes
// the write side so the peer knows the request is complete, and returns
// whatever it writes back. Grounded on the teacher's peer_management.go
// SendAsync, extended from fire-and-forget to request/response since both
// sync and blob fetch need an answer, not just delivery.
func (n *Node) roundTrip(ctx context.Context, peerID PeerID, proto protocol.ID, payload []byte) ([]byte, error) {
	pid, err := peer.Decode(string(peerID))
	if err != nil {
		return nil, NewError(ErrKindInit, "malformed peer id", err)
	}
	streamCtx, cancel := context.WithTimeout(ctx, syncStreamTimeout)
	defer cancel()

	s, err := n.host.NewStream(streamCtx, pid, proto)
	if err != nil {
		return nil, NewError(ErrKindPublish, "open sync stream", err)
	}
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(syncStreamTimeout))

	if _, err := s.Write(payload); err != nil {
		return nil, NewError(ErrKindPublish, "write sync request", err)
	}
	if err := s.CloseWrite(); err != nil {
		return nil, NewError(ErrKindPublish, "close sync request", err)
	}
	return io.ReadAll(s)
}

func decodeCBOR(b []byte, v interface{}) error {
	return canonicalEncMode.Unmarshal(b, v)
}

// SyncTopic pulls every entry a known peer has for topic's bound logs
// beyond what store already contains, and feeds each one through submit in
// seq order. It is the catch-up half of subscribing to a persisted topic:
// gossip alone only delivers what is published after the subscription
// exists.
func (n *Node) SyncTopic(ctx context.Context, topic Topic, store LogStore, topics *TopicMap, submit func(ctx context.Context, h Header, body []byte) error) error {
	if topic.Kind != TopicPersisted {
		return nil // spec §3: ephemeral topics have nothing to reconcile
	}
	peers := n.Peers()
	if len(peers) == 0 {
		return nil
	}

	var cursors []logCursor
	for _, author := range topics.Authors(topic) {
		for _, logID := range topics.Logs(topic, author) {
			var have uint64
			if latest, _, ok, err := store.Latest(ctx, author, logID); err == nil && ok {
				have = latest.Seq + 1
			}
			cursors = append(cursors, logCursor{Author: author, LogID: logID, Have: have})
		}
	}

	var lastErr error
	for _, p := range peers {
		resp, err := n.requestSync(ctx, p.ID, topic, cursors)
		if err != nil {
			lastErr = err
			continue
		}
		if err := applySyncEntries(ctx, resp.Entries, submit); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr != nil {
		n.log.WithError(lastErr).WithField("topic", topic.Name).Debug("sync attempt exhausted all peers")
	}
	return lastErr
}

// applySyncEntries decodes and submits entries grouped by log and ordered
// by seq, so the pipeline's contiguous-backlink check sees them in the
// order it expects rather than relying on out-of-order buffering.
func applySyncEntries(ctx context.Context, entries []syncEntry, submit func(ctx context.Context, h Header, body []byte) error) error {
	byLog := make(map[logKey][]Header)
	bodyOf := make(map[Hash][]byte)
	for _, e := range entries {
		var h Header
		if err := decodeCBOR(e.HeaderBytes, &h); err != nil {
			continue
		}
		key := logKey{author: h.Author, logID: LogID(h)}
		byLog[key] = append(byLog[key], h)
		bodyOf[h.Hash()] = e.Body
	}
	var firstErr error
	for _, headers := range byLog {
		sortHeadersBySeq(headers)
		for _, h := range headers {
			if err := submit(ctx, h, bodyOf[h.Hash()]); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func sortHeadersBySeq(h []Header) {
	for i := 1; i < len(h); i++ {
		for j := i; j > 0 && h[j-1].Seq > h[j].Seq; j-- {
			h[j-1], h[j] = h[j], h[j-1]
		}
	}
}

// NewPeerBlobFetcher builds a PeerFetcher that asks every currently known
// peer for id over the direct blob protocol, returning the first hit.
func NewPeerBlobFetcher(n *Node) PeerFetcher {
	return func(ctx context.Context, id Hash) ([]byte, error) {
		peers := n.Peers()
		if len(peers) == 0 {
			return nil, NewError(ErrKindBlob, "no known peers to sync from", ErrNotFound)
		}
		var lastErr error
		for _, p := range peers {
			data, err := n.requestBlob(ctx, p.ID, id)
			if err != nil {
				lastErr = err
				continue
			}
			return data, nil
		}
		if lastErr == nil {
			lastErr = ErrNotFound
		}
		return nil, lastErr
	}
}
