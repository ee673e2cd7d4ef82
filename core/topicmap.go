package core

import "sync"

// TopicKind tags which variant of the Topic sum type a value is.
type TopicKind uint8

const (
	// TopicEphemeral carries fire-and-forget messages: no log, no sync
	// reconciliation, gossip-only delivery to whoever is currently
	// subscribed.
	TopicEphemeral TopicKind = iota
	// TopicPersisted carries operations backed by an append-only log: bound
	// logs are tracked in the TopicMap and are subject to peer sync.
	TopicPersisted
)

func (k TopicKind) String() string {
	if k == TopicPersisted {
		return "persisted"
	}
	return "ephemeral"
}

// topicWire is the canonical CBOR projection of a Topic, used to derive
// TopicID and as the topic field of a sync request. Field order is fixed by keyasint tags so the same logical topic
// always encodes identically regardless of struct layout changes.
type topicWire struct {
	Kind uint8  `cbor:"1,keyasint"`
	Name string `cbor:"2,keyasint"`
}

// Topic is the tagged union Ephemeral(name) | Persisted(name). Two Topic
// values are the same topic iff both Kind and Name match: an ephemeral
// topic named "chat" and a persisted topic named "chat" are distinct
// rendezvous points and must never be routed together.
type Topic struct {
	Kind TopicKind
	Name string
}

// EphemeralTopic constructs the Ephemeral(name) variant.
func EphemeralTopic(name string) Topic { return Topic{Kind: TopicEphemeral, Name: name} }

// PersistedTopic constructs the Persisted(name) variant.
func PersistedTopic(name string) Topic { return Topic{Kind: TopicPersisted, Name: name} }

// TopicID returns Hash(canonical_encoding(t)), the content-addressed
// identity of a topic. Structurally identical topics always yield the same
// id; topics differing in Kind or Name never collide.
func TopicID(t Topic) Hash {
	b, err := canonicalEncode(topicWire{Kind: uint8(t.Kind), Name: t.Name})
	if err != nil {
		// topicWire has no types canonicalEncode can fail to encode.
		panic(err)
	}
	return HashBytes(b)
}

// GossipChannel returns the underlying pubsub channel name this topic is
// carried on. Ephemeral and persisted topics of the same Name are kept on
// distinct channels so a peer subscribed to one never receives the other's
// traffic.
func (t Topic) GossipChannel() string {
	if t.Kind == TopicEphemeral {
		return t.Name + "/ephemeral"
	}
	return t.Name
}

// String renders t for logs and debugging, not for wire use.
func (t Topic) String() string {
	return t.Kind.String() + ":" + t.Name
}

// ParseGossipChannel recovers the Topic that produced channel via
// GossipChannel, for code that only sees the raw pubsub channel name (e.g.
// the node's gossip-receive callback).
func ParseGossipChannel(channel string) Topic {
	const suffix = "/ephemeral"
	if len(channel) > len(suffix) && channel[len(channel)-len(suffix):] == suffix {
		return EphemeralTopic(channel[:len(channel)-len(suffix)])
	}
	return PersistedTopic(channel)
}

// TopicMap tracks, per topic, which (author, log) pairs have published to
// it and in what order their logs were first observed. Entries are never
// evicted: once an author's log is known to belong to a topic, the node
// keeps routing ingested operations from that log to that topic's
// subscribers for the lifetime of the process (spec invariant — this is
// deliberately NOT an LRU; an evicted entry would silently stop delivering
// to a still-subscribed topic).
//
// Ephemeral topics are never bound: spec §3 routes them with no log
// reconciliation, so Bind/Logs/Authors are meaningful only for Persisted
// topics. Callers that bind an Ephemeral topic get a no-op.
type TopicMap struct {
	mu   sync.RWMutex
	logs map[Topic]map[PublicKey][]string // topic -> author -> ordered logIDs
}

func NewTopicMap() *TopicMap {
	return &TopicMap{logs: make(map[Topic]map[PublicKey][]string)}
}

// Bind records that author's log logID publishes to topic, appending it to
// that author's ordered log list if not already present. Returns true if
// this is a newly observed (topic, author, logID) binding. Ephemeral topics
// carry nothing to reconcile and are never recorded.
func (m *TopicMap) Bind(topic Topic, author PublicKey, logID string) bool {
	if topic.Kind != TopicPersisted {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	byAuthor, ok := m.logs[topic]
	if !ok {
		byAuthor = make(map[PublicKey][]string)
		m.logs[topic] = byAuthor
	}
	for _, existing := range byAuthor[author] {
		if existing == logID {
			return false
		}
	}
	byAuthor[author] = append(byAuthor[author], logID)
	return true
}

// Logs returns the ordered log ids author has bound to topic. Always empty
// for an Ephemeral topic.
func (m *TopicMap) Logs(topic Topic, author PublicKey) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	logs := m.logs[topic][author]
	out := make([]string, len(logs))
	copy(out, logs)
	return out
}

// Authors returns the set of authors known to have published to topic.
// Always empty for an Ephemeral topic.
func (m *TopicMap) Authors(topic Topic) []PublicKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byAuthor := m.logs[topic]
	out := make([]PublicKey, 0, len(byAuthor))
	for a := range byAuthor {
		out = append(out, a)
	}
	return out
}

// Topics returns every persisted topic with at least one bound log.
func (m *TopicMap) Topics() []Topic {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Topic, 0, len(m.logs))
	for t := range m.logs {
		out = append(out, t)
	}
	return out
}

// Count returns the number of distinct topics and the total number of
// (topic, author, log) bindings tracked, for metrics reporting.
func (m *TopicMap) Count() (topics int, bindings int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	topics = len(m.logs)
	for _, byAuthor := range m.logs {
		for _, logs := range byAuthor {
			bindings += len(logs)
		}
	}
	return topics, bindings
}
