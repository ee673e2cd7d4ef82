package core

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"testing"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/sirupsen/logrus"
)

// fakeHost is a minimal hostIface double so node actor logic (peer
// bookkeeping, system event emission) can be exercised without a real libp2p
// transport.
type fakeHost struct {
	self PeerID

	mu        sync.Mutex
	connected []peer.ID
	failAddr  peer.ID
}

func (f *fakeHost) ID() peer.ID { return peer.ID(f.self) }

func (f *fakeHost) Connect(ctx context.Context, pi peer.AddrInfo) error {
	if pi.ID == f.failAddr {
		return fmt.Errorf("simulated dial failure")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, pi.ID)
	return nil
}

func (f *fakeHost) Close() error { return nil }

// NewStream and SetStreamHandler are never exercised by these peer
// bookkeeping tests; sync/blob protocol behavior is covered separately
// against a real libp2p host where streams are meaningful.
func (f *fakeHost) NewStream(ctx context.Context, p peer.ID, pids ...protocol.ID) (network.Stream, error) {
	return nil, errors.New("fakeHost: streams not supported")
}

func (f *fakeHost) SetStreamHandler(pid protocol.ID, handler network.StreamHandler) {}

func newTestPeerID(t *testing.T) peer.ID {
	t.Helper()
	_, pub, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("derive peer id: %v", err)
	}
	return id
}

func TestNodeHandlePeerFoundSkipsSelf(t *testing.T) {
	self := newTestPeerID(t)
	host := &fakeHost{self: PeerID(self)}
	n := &Node{host: host, ctx: context.Background(), peers: make(map[PeerID]*PeerInfo)}

	n.HandlePeerFound(peer.AddrInfo{ID: self})

	if len(n.Peers()) != 0 {
		t.Fatalf("expected self-discovery to be ignored, got %d peers", len(n.Peers()))
	}
}

func TestNodeHandlePeerFoundConnectsAndRecordsOnce(t *testing.T) {
	self := newTestPeerID(t)
	remote := newTestPeerID(t)
	host := &fakeHost{self: PeerID(self)}

	var events []SystemEvent
	n := &Node{host: host, ctx: context.Background(), peers: make(map[PeerID]*PeerInfo), log: logrus.WithField("component", "node-test")}
	n.SetSystemEventSink(func(evt SystemEvent) { events = append(events, evt) })

	n.HandlePeerFound(peer.AddrInfo{ID: remote})
	n.HandlePeerFound(peer.AddrInfo{ID: remote})

	if len(host.connected) != 1 {
		t.Fatalf("expected a single dial for an already-known peer, got %d", len(host.connected))
	}
	peers := n.Peers()
	if len(peers) != 1 || peers[0].ID != PeerID(remote.String()) {
		t.Fatalf("expected exactly the remote peer tracked, got %+v", peers)
	}
	if len(events) != 1 || events[0].Kind != SystemEventPeerConnected {
		t.Fatalf("expected one peer_connected system event, got %+v", events)
	}
}

func TestNodeDialSeedsReportsPartialFailure(t *testing.T) {
	self := newTestPeerID(t)
	good := newTestPeerID(t)
	bad := newTestPeerID(t)
	host := &fakeHost{self: PeerID(self), failAddr: bad}

	n := &Node{host: host, ctx: context.Background(), peers: make(map[PeerID]*PeerInfo)}
	seeds := []string{
		fmt.Sprintf("/ip4/127.0.0.1/tcp/4001/p2p/%s", good.String()),
		fmt.Sprintf("/ip4/127.0.0.1/tcp/4002/p2p/%s", bad.String()),
		"not-a-multiaddr",
	}

	err := n.dialSeeds(seeds)
	if err == nil {
		t.Fatalf("expected dialSeeds to report the failing/malformed entries")
	}
	peers := n.Peers()
	if len(peers) != 1 || peers[0].ID != PeerID(good.String()) {
		t.Fatalf("expected only the reachable seed to be recorded, got %+v", peers)
	}
}

func TestNodeSystemEventSinkIsOptional(t *testing.T) {
	n := &Node{peers: make(map[PeerID]*PeerInfo)}
	n.emitSystemEvent(SystemEvent{Kind: SystemEventPeerConnected})
}

// fakeConn is a network.Conn double exposing only RemotePeer, the single
// method handleDisconnected reads off a disconnect notification.
type fakeConn struct {
	network.Conn
	remote peer.ID
}

func (f *fakeConn) RemotePeer() peer.ID { return f.remote }

func TestNodeHandleDisconnectedOnlyReportsKnownPeers(t *testing.T) {
	remote := newTestPeerID(t)
	n := &Node{peers: make(map[PeerID]*PeerInfo), log: logrus.WithField("component", "node-test")}

	var events []SystemEvent
	n.SetSystemEventSink(func(evt SystemEvent) { events = append(events, evt) })

	// a disconnect for a peer we never tracked must not be reported.
	n.handleDisconnected(nil, &fakeConn{remote: remote})
	if len(events) != 0 {
		t.Fatalf("expected no event for an untracked peer, got %+v", events)
	}

	n.peers[PeerID(remote.String())] = &PeerInfo{ID: PeerID(remote.String())}
	n.handleDisconnected(nil, &fakeConn{remote: remote})

	if len(events) != 1 || events[0].Kind != SystemEventPeerDisconnected {
		t.Fatalf("expected one peer_disconnected event, got %+v", events)
	}
	if events[0].PeerTag != remote.String() {
		t.Fatalf("expected event to tag the disconnected peer, got %+v", events[0])
	}
	if _, known := n.peers[PeerID(remote.String())]; known {
		t.Fatalf("expected the disconnected peer to be dropped from the peer table")
	}
}
