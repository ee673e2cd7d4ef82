package core

import (
	"context"
	"crypto/ed25519"
	"sync"

	"github.com/sirupsen/logrus"
)

// Facade is the local node facade (spec §4.G): the single composition root
// an RPC layer or embedding application talks to. It wires together the
// log store, ingestion pipeline, stream controller, topic map, node actor
// and blob resolver, and exposes the operations those components jointly
// implement as one coherent API.
type Facade struct {
	Store      LogStore
	Pipeline   *Pipeline
	Controller *Controller
	Topics     *TopicMap
	Node       *Node
	Blobs      *BlobResolver
	Metrics    *Metrics

	priv  ed25519.PrivateKey
	clock Clock
	log   *logrus.Entry

	// logTopicMu/logTopic remembers which topic each (author, logID) was
	// last published or received under, so the pipeline's topic-agnostic
	// emit callback can still route persisted operations to the right
	// stream controller subscribers.
	logTopicMu sync.RWMutex
	logTopic   map[logKey]Topic
}

// NewFacade constructs and starts every component. ctx governs the
// lifetime of the pipeline and controller's background goroutines; callers
// should cancel it (or call Node.Shutdown) to tear the node down.
func NewFacade(ctx context.Context, store LogStore, node *Node, blobs *BlobResolver, metrics *Metrics, priv ed25519.PrivateKey, clock Clock) *Facade {
	topics := NewTopicMap()
	controller := NewController(store, topics, metrics, 128)
	f := &Facade{
		Store:      store,
		Controller: controller,
		Topics:     topics,
		Node:       node,
		Blobs:      blobs,
		Metrics:    metrics,
		priv:       priv,
		clock:      clock,
		log:        logrus.WithField("component", "facade"),
		logTopic:   make(map[logKey]Topic),
	}
	f.Pipeline = NewPipeline(store, metrics, f.onIngested, 1024)
	go f.Pipeline.Run(ctx)
	go f.Controller.Run(ctx)
	return f
}

// onIngested is the pipeline's emit callback: every persisted operation is
// routed to the stream controller under the topic it was submitted or
// received on.
func (f *Facade) onIngested(h Header, body []byte) {
	topic := f.rememberedTopic(h.Author, LogID(h))
	f.Controller.Ingest(context.Background(), topic, h, body)
}

func (f *Facade) rememberTopic(author PublicKey, logID string, topic Topic) {
	f.logTopicMu.Lock()
	defer f.logTopicMu.Unlock()
	f.logTopic[logKey{author, logID}] = topic
}

func (f *Facade) rememberedTopic(author PublicKey, logID string) Topic {
	f.logTopicMu.RLock()
	defer f.logTopicMu.RUnlock()
	return f.logTopic[logKey{author, logID}]
}

// PublishPersisted forges a new signed operation on priv's log, persists it
// locally through the pipeline, and gossips it to topic. The Kind is forced
// to Persisted regardless of what the caller passed: a log can only ever be
// bound under the persisted variant of a name.
func (f *Facade) PublishPersisted(ctx context.Context, topic Topic, ext Extensions, body []byte) (Header, error) {
	topic = PersistedTopic(topic.Name)
	h, body, err := Forge(ctx, f.Pipeline.store, f.priv, ext, body, f.clock)
	if err != nil {
		return Header{}, err
	}
	f.Topics.Bind(topic, h.Author, LogID(h))
	f.rememberTopic(h.Author, LogID(h), topic)
	f.Metrics.SetTopics(len(f.Topics.Topics()))

	result := <-f.Pipeline.Submit(ctx, h, body)
	if result.Err != nil {
		return Header{}, result.Err
	}

	encoded, err := EncodeGossip(h, body)
	if err != nil {
		return Header{}, err
	}
	if err := f.Node.Broadcast(topic.GossipChannel(), encoded); err != nil {
		f.log.WithError(err).Warn("broadcast failed; operation is persisted locally regardless")
	}
	return h, nil
}

// PublishEphemeral gossips body on topic without persisting it to any log.
// The Kind is forced to Ephemeral regardless of what the caller passed.
func (f *Facade) PublishEphemeral(ctx context.Context, topic Topic, body []byte) error {
	topic = EphemeralTopic(topic.Name)
	var author PublicKey
	copy(author[:], f.priv.Public().(ed25519.PublicKey))
	f.Controller.Ephemeral(ctx, topic, author, body)

	encoded, err := EncodeGossip(Header{Version: ProtocolVersion, Author: author}, body)
	if err != nil {
		return err
	}
	return f.Node.Broadcast(topic.GossipChannel(), encoded)
}

// Ingest decodes a raw gossip envelope received from topic. On an ephemeral
// topic the body goes straight to the stream controller's ephemeral path and
// nothing is persisted; otherwise the operation is submitted to the
// pipeline. Decode failures are dropped with a metric increment, never
// reinterpreted as ephemeral (spec §9.c).
func (f *Facade) Ingest(ctx context.Context, topic Topic, raw []byte) {
	headerBytes, bodyBytes, err := DecodeGossip(raw)
	if err != nil {
		f.Metrics.IncGossipDecodeError()
		f.log.WithError(err).Debug("dropping undecodable gossip message")
		f.Node.emitSystemEvent(SystemEvent{Kind: SystemEventGossipDropped, Detail: "undecodable envelope: " + err.Error()})
		return
	}
	h, err := DecodeHeader(headerBytes)
	if err != nil {
		f.Metrics.IncGossipDecodeError()
		f.log.WithError(err).Debug("dropping undecodable gossip header")
		f.Node.emitSystemEvent(SystemEvent{Kind: SystemEventGossipDropped, Detail: "undecodable header: " + err.Error()})
		return
	}
	if topic.Kind == TopicEphemeral {
		f.Controller.Ephemeral(ctx, topic, h.Author, bodyBytes)
		return
	}
	f.Topics.Bind(topic, h.Author, LogID(h))
	f.rememberTopic(h.Author, LogID(h), topic)
	f.Metrics.SetTopics(len(f.Topics.Topics()))
	<-f.Pipeline.Submit(ctx, h, bodyBytes)
}

// IngestLocal persists an already-constructed (header, body) pair through
// the pipeline without broadcasting it anywhere. Unlike Ingest (which
// decodes a wire envelope received from the network), this is the
// create-without-publish path: a caller that already holds a header/body it
// forged itself (or is replaying from elsewhere) and wants it durable
// locally before deciding whether, or when, to announce it.
func (f *Facade) IngestLocal(ctx context.Context, topic Topic, h Header, body []byte) error {
	topic = PersistedTopic(topic.Name)
	f.Topics.Bind(topic, h.Author, LogID(h))
	f.rememberTopic(h.Author, LogID(h), topic)
	f.Metrics.SetTopics(len(f.Topics.Topics()))

	result := <-f.Pipeline.Submit(ctx, h, body)
	return result.Err
}

// Ack acknowledges the operation identified by operationID on behalf of
// subscriberID.
func (f *Facade) Ack(ctx context.Context, subscriberID string, operationID Hash) error {
	return f.Controller.Ack(ctx, subscriberID, operationID)
}

// Replay re-feeds every unacknowledged entry of every log bound to topic
// through subscriberID's own event channel.
func (f *Facade) Replay(ctx context.Context, subscriberID string, topic Topic) error {
	return f.Controller.Replay(ctx, subscriberID, topic)
}

// AddTopicLog binds (author, logID) under topic without requiring an
// operation to have been seen yet, for callers that learn of a log out of
// band (spec §6.1 add_topic_log).
func (f *Facade) AddTopicLog(author PublicKey, topic Topic, logID string) {
	f.Topics.Bind(topic, author, logID)
	f.rememberTopic(author, logID, topic)
	f.Metrics.SetTopics(len(f.Topics.Topics()))
}

// PublicKey returns this node's own Ed25519 public key.
func (f *Facade) PublicKey() PublicKey {
	var pk PublicKey
	copy(pk[:], f.priv.Public().(ed25519.PublicKey))
	return pk
}

// SubscribePersisted registers ch to receive StreamEventOperation events
// for topic, then kicks off a background catch-up sync against any known
// peer so a subscriber that joins after operations were already published
// still sees them, rather than only whatever gossips in from now on.
func (f *Facade) SubscribePersisted(ctx context.Context, subscriberID string, topic Topic, ch chan<- StreamEvent) {
	topic = PersistedTopic(topic.Name)
	f.Controller.Subscribe(ctx, subscriberID, topic, ch)
	if err := f.Node.Subscribe(topic.GossipChannel(), f.Metrics); err != nil {
		f.log.WithError(err).WithField("topic", topic.Name).Warn("gossip subscribe failed")
	}
	go func() {
		submit := func(ctx context.Context, h Header, body []byte) error {
			f.Topics.Bind(topic, h.Author, LogID(h))
			f.rememberTopic(h.Author, LogID(h), topic)
			result := <-f.Pipeline.Submit(ctx, h, body)
			return result.Err
		}
		if err := f.Node.SyncTopic(ctx, topic, f.Store, f.Topics, submit); err != nil {
			f.log.WithError(err).WithField("topic", topic.Name).Debug("topic catch-up sync did not complete")
		}
	}()
}

// SubscribeEphemeral registers ch to receive StreamEventEphemeral events
// for topic. The subscription is registered under the ephemeral variant of
// the topic name, separate from any SubscribePersisted subscription to the
// same name.
func (f *Facade) SubscribeEphemeral(ctx context.Context, subscriberID string, topic Topic, ch chan<- StreamEvent) {
	topic = EphemeralTopic(topic.Name)
	f.Controller.Subscribe(ctx, subscriberID, topic, ch)
	if err := f.Node.Subscribe(topic.GossipChannel(), f.Metrics); err != nil {
		f.log.WithError(err).WithField("topic", topic.Name).Warn("gossip subscribe failed")
	}
}

func (f *Facade) Unsubscribe(ctx context.Context, subscriberID string, topic Topic) {
	f.Controller.Unsubscribe(ctx, subscriberID, topic)
}

// UploadFile stores data in the blob resolver and returns its blobstore://
// URI.
func (f *Facade) UploadFile(ctx context.Context, data []byte) (string, error) {
	return f.Blobs.Upload(ctx, data)
}

// ReadFile resolves uri to its bytes, syncing from a peer if necessary.
func (f *Facade) ReadFile(ctx context.Context, uri string) ([]byte, error) {
	id, err := ParseBlobURI(uri)
	if err != nil {
		return nil, err
	}
	return f.Blobs.Get(ctx, id)
}

// SyncRemoteFile forces a peer re-fetch of uri's blob, bypassing both
// cache tiers even if a copy is already stored locally. Unlike ReadFile,
// which is cache-first, this is for a caller that suspects its local copy
// is stale or wants to confirm a peer still has it.
func (f *Facade) SyncRemoteFile(ctx context.Context, uri string) ([]byte, error) {
	id, err := ParseBlobURI(uri)
	if err != nil {
		return nil, err
	}
	return f.Blobs.ForceSync(ctx, id)
}
