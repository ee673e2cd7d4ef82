package core

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"strings"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
)

// PeerID identifies a remote node by its libp2p peer id string.
type PeerID string

// PeerInfo is what the node actor tracks about a peer it has connected to.
type PeerInfo struct {
	ID   PeerID
	Addr string
}

// NodeConfig configures the node actor's transport. Grounded on the
// teacher's Config (common_structs.go) but trimmed to the fields a gossip
// transport actually needs.
type NodeConfig struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
	EnableNAT      bool
}

// Node is the node actor (spec §4.F): it owns the libp2p host, GossipSub
// router and mDNS discovery, and turns incoming pubsub messages into
// pipeline submissions / controller ephemeral deliveries. Command methods
// (Subscribe, Broadcast, Shutdown) are goroutine-safe; the actual libp2p
// calls they make are themselves safe for concurrent use, so — unlike the
// controller — this component does not need a single serialized inbox.
type Node struct {
	host   hostIface
	pubsub *pubsub.PubSub
	cfg    NodeConfig
	nat    *NATManager

	ctx    context.Context
	cancel context.CancelFunc

	topicLock sync.Mutex
	topics    map[string]*pubsub.Topic
	subs      map[string]*pubsub.Subscription

	peerLock sync.RWMutex
	peers    map[PeerID]*PeerInfo

	onGossip func(topic string, data []byte)

	sysLock sync.RWMutex
	onSystemEvent func(SystemEvent)

	log *logrus.Entry
}

// SetSystemEventSink installs the callback used to report node-lifecycle
// notifications (peer connect/disconnect, gossip drops) to an RPC event
// subscriber. It may be called after NewNode, once a facade/RPC layer
// exists to receive them; events raised before it is set are simply not
// delivered anywhere.
func (n *Node) SetSystemEventSink(fn func(SystemEvent)) {
	n.sysLock.Lock()
	defer n.sysLock.Unlock()
	n.onSystemEvent = fn
}

func (n *Node) emitSystemEvent(evt SystemEvent) {
	n.sysLock.RLock()
	fn := n.onSystemEvent
	n.sysLock.RUnlock()
	if fn != nil {
		fn(evt)
	}
}

// hostIface is the subset of libp2p's host.Host the node actor uses,
// narrowed so tests can substitute a fake transport.
type hostIface interface {
	ID() peer.ID
	Connect(ctx context.Context, pi peer.AddrInfo) error
	Close() error
	NewStream(ctx context.Context, p peer.ID, pids ...protocol.ID) (network.Stream, error)
	SetStreamHandler(pid protocol.ID, handler network.StreamHandler)
}

// NewNode builds and starts a node actor: libp2p host, GossipSub, optional
// NAT port mapping, bootstrap dialing and mDNS discovery. Adapted from the
// teacher's network.go NewNode, generalized from a blockchain P2P node to a
// plain gossip transport for signed operations.
func NewNode(cfg NodeConfig, onGossip func(topic string, data []byte)) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, NewError(ErrKindInit, "create libp2p host", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, NewError(ErrKindInit, "create gossipsub router", err)
	}

	n := &Node{
		host:     h,
		pubsub:   ps,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		topics:   make(map[string]*pubsub.Topic),
		subs:     make(map[string]*pubsub.Subscription),
		peers:    make(map[PeerID]*PeerInfo),
		onGossip: onGossip,
		log:      logrus.WithField("component", "node"),
	}

	if cfg.EnableNAT {
		if natMgr, err := NewNATManager(); err == nil {
			if port, err := parsePort(cfg.ListenAddr); err == nil {
				if err := natMgr.Map(port); err != nil {
					n.log.WithError(err).Warn("nat port mapping failed")
				}
			}
			n.nat = natMgr
		} else {
			n.log.WithError(err).Warn("nat gateway discovery failed")
		}
	}

	if err := n.dialSeeds(cfg.BootstrapPeers); err != nil {
		n.log.WithError(err).Warn("bootstrap dial had errors")
	}

	mdns.NewMdnsService(h, cfg.DiscoveryTag, n)
	h.Network().Notify(&network.NotifyBundle{DisconnectedF: n.handleDisconnected})

	return n, nil
}

// handleDisconnected implements the Disconnected half of network.Notifiee:
// it drops the peer from the known-peers table and reports a
// SystemEventPeerDisconnected so RPC subscribers see the node leave, not
// just silence on its topics.
func (n *Node) handleDisconnected(_ network.Network, c network.Conn) {
	id := PeerID(c.RemotePeer().String())

	n.peerLock.Lock()
	_, known := n.peers[id]
	delete(n.peers, id)
	n.peerLock.Unlock()
	if !known {
		return
	}
	n.log.WithField("peer", id).Info("peer disconnected")
	n.emitSystemEvent(SystemEvent{Kind: SystemEventPeerDisconnected, PeerTag: string(id)})
}

var _ mdns.Notifee = (*Node)(nil)

// HandlePeerFound implements mdns.Notifee: connect to a locally discovered
// peer, skipping ourselves and peers we already track.
func (n *Node) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	id := PeerID(info.ID.String())

	n.peerLock.RLock()
	_, known := n.peers[id]
	n.peerLock.RUnlock()
	if known {
		return
	}

	if err := n.host.Connect(n.ctx, info); err != nil {
		n.log.WithError(err).WithField("peer", id).Warn("mdns connect failed")
		return
	}
	n.peerLock.Lock()
	n.peers[id] = &PeerInfo{ID: id, Addr: info.String()}
	n.peerLock.Unlock()
	n.log.WithField("peer", id).Info("connected via mdns")
	n.emitSystemEvent(SystemEvent{Kind: SystemEventPeerConnected, PeerTag: string(id), Detail: "mdns"})
}

func (n *Node) dialSeeds(seeds []string) error {
	var errs []string
	for _, addr := range seeds {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid addr %s: %v", addr, err))
			continue
		}
		if err := n.host.Connect(n.ctx, *pi); err != nil {
			errs = append(errs, fmt.Sprintf("connect %s: %v", addr, err))
			continue
		}
		id := PeerID(pi.ID.String())
		n.peerLock.Lock()
		n.peers[id] = &PeerInfo{ID: id, Addr: addr}
		n.peerLock.Unlock()
		n.emitSystemEvent(SystemEvent{Kind: SystemEventPeerConnected, PeerTag: string(id), Detail: "bootstrap"})
	}
	if len(errs) > 0 {
		return NewError(ErrKindInit, strings.Join(errs, "; "), nil)
	}
	return nil
}

// Peers returns a snapshot of currently known peers.
func (n *Node) Peers() []PeerInfo {
	n.peerLock.RLock()
	defer n.peerLock.RUnlock()
	out := make([]PeerInfo, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, *p)
	}
	return out
}

// Broadcast publishes raw bytes (an EncodeGossip envelope) to topic,
// joining it first if this is the first publish.
func (n *Node) Broadcast(topic string, data []byte) error {
	t, err := n.joinTopic(topic)
	if err != nil {
		return err
	}
	if err := t.Publish(n.ctx, data); err != nil {
		return NewError(ErrKindPublish, "publish to topic "+topic, err)
	}
	return nil
}

func (n *Node) joinTopic(topic string) (*pubsub.Topic, error) {
	n.topicLock.Lock()
	defer n.topicLock.Unlock()
	t, ok := n.topics[topic]
	if ok {
		return t, nil
	}
	t, err := n.pubsub.Join(topic)
	if err != nil {
		return nil, NewError(ErrKindPublish, "join topic "+topic, err)
	}
	n.topics[topic] = t
	return t, nil
}

// Subscribe joins topic (if needed) and starts forwarding every message
// received on it to onGossip, undecoded, until the node is shut down.
// Decoding (and dropping undecodable messages) is left to onGossip; when no
// onGossip callback is set, each message is dropped and counted as a gossip
// decode error.
func (n *Node) Subscribe(topic string, metrics *Metrics) error {
	n.topicLock.Lock()
	_, already := n.subs[topic]
	n.topicLock.Unlock()
	if already {
		return nil
	}
	if _, err := n.joinTopic(topic); err != nil {
		return err
	}

	n.topicLock.Lock()
	sub, err := n.pubsub.Subscribe(topic)
	if err != nil {
		n.topicLock.Unlock()
		return NewError(ErrKindPublish, "subscribe topic "+topic, err)
	}
	n.subs[topic] = sub
	n.topicLock.Unlock()

	go func() {
		for {
			msg, err := sub.Next(n.ctx)
			if err != nil {
				n.log.WithError(err).WithField("topic", topic).Debug("subscription ended")
				return
			}
			if msg.GetFrom() == n.host.ID() {
				continue // ignore our own publishes looped back by gossipsub
			}
			if n.onGossip != nil {
				n.onGossip(topic, msg.Data)
			} else {
				metrics.IncGossipDecodeError()
			}
		}
	}()
	return nil
}

// Shutdown tears down the host, context and any NAT mapping.
func (n *Node) Shutdown() error {
	n.cancel()
	if n.nat != nil {
		_ = n.nat.Unmap()
	}
	return n.host.Close()
}

// SignIdentity derives this node's PublicKey from priv, for logging /
// self-identification purposes independent of the libp2p peer id.
func SignIdentity(priv ed25519.PrivateKey) PublicKey {
	var pk PublicKey
	copy(pk[:], priv.Public().(ed25519.PublicKey))
	return pk
}
