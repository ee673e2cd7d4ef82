package core

import "testing"

func TestTopicMapBindIsIdempotentPerLog(t *testing.T) {
	m := NewTopicMap()
	var author PublicKey
	author[0] = 1
	topic := PersistedTopic("chat")

	if !m.Bind(topic, author, "log-a") {
		t.Fatalf("first bind of a new (topic, author, log) must report true")
	}
	if m.Bind(topic, author, "log-a") {
		t.Fatalf("re-binding the same (topic, author, log) must report false")
	}
	logs := m.Logs(topic, author)
	if len(logs) != 1 || logs[0] != "log-a" {
		t.Fatalf("unexpected logs: %v", logs)
	}
}

func TestTopicMapBindPreservesOrder(t *testing.T) {
	m := NewTopicMap()
	var author PublicKey
	author[0] = 2
	topic := PersistedTopic("chat")

	m.Bind(topic, author, "log-a")
	m.Bind(topic, author, "log-b")
	m.Bind(topic, author, "log-c")

	logs := m.Logs(topic, author)
	want := []string{"log-a", "log-b", "log-c"}
	if len(logs) != len(want) {
		t.Fatalf("expected %d logs, got %d", len(want), len(logs))
	}
	for i := range want {
		if logs[i] != want[i] {
			t.Fatalf("logs[%d] = %q, want %q", i, logs[i], want[i])
		}
	}
}

func TestTopicMapNeverEvicts(t *testing.T) {
	m := NewTopicMap()
	topic := PersistedTopic("busy-topic")
	for i := 0; i < 10_000; i++ {
		var author PublicKey
		author[0] = byte(i % 256)
		author[1] = byte(i / 256)
		m.Bind(topic, author, "log")
	}
	_, bindings := m.Count()
	if bindings != 10_000 {
		t.Fatalf("expected all 10000 bindings retained, got %d", bindings)
	}
}

func TestTopicMapAuthorsAndTopics(t *testing.T) {
	m := NewTopicMap()
	var a1, a2 PublicKey
	a1[0] = 1
	a2[0] = 2
	chat := PersistedTopic("chat")
	other := PersistedTopic("other")
	m.Bind(chat, a1, "log-a")
	m.Bind(chat, a2, "log-b")
	m.Bind(other, a1, "log-a")

	topics := m.Topics()
	if len(topics) != 2 {
		t.Fatalf("expected 2 topics, got %d", len(topics))
	}
	authors := m.Authors(chat)
	if len(authors) != 2 {
		t.Fatalf("expected 2 authors bound to chat, got %d", len(authors))
	}
}

// TestTopicMapNeverBindsEphemeral asserts spec §3's routing rule: an
// Ephemeral topic has nothing to reconcile, so binding one must be a no-op
// rather than silently accumulating entries sync will never consult.
func TestTopicMapNeverBindsEphemeral(t *testing.T) {
	m := NewTopicMap()
	var author PublicKey
	author[0] = 1
	topic := EphemeralTopic("chat")

	if m.Bind(topic, author, "log-a") {
		t.Fatalf("binding an ephemeral topic must report false")
	}
	if logs := m.Logs(topic, author); len(logs) != 0 {
		t.Fatalf("expected no logs bound to an ephemeral topic, got %v", logs)
	}
	if topics := m.Topics(); len(topics) != 0 {
		t.Fatalf("expected an ephemeral-only bind to leave Topics() empty, got %v", topics)
	}
}

// TestEphemeralAndPersistedTopicsOfSameNameAreDistinct is the structural
// distinctness property spec §3 requires: Ephemeral(name) and
// Persisted(name) must never collide, in identity or in routing.
func TestEphemeralAndPersistedTopicsOfSameNameAreDistinct(t *testing.T) {
	eph := EphemeralTopic("chat")
	per := PersistedTopic("chat")

	if eph == per {
		t.Fatalf("ephemeral and persisted topics of the same name must not be equal")
	}
	if TopicID(eph) == TopicID(per) {
		t.Fatalf("ephemeral and persisted topics of the same name must have distinct topic ids")
	}
	if eph.GossipChannel() == per.GossipChannel() {
		t.Fatalf("ephemeral and persisted topics of the same name must not share a gossip channel")
	}

	m := NewTopicMap()
	var author PublicKey
	author[0] = 1
	m.Bind(per, author, "log-a")
	if logs := m.Logs(eph, author); len(logs) != 0 {
		t.Fatalf("a persisted bind must not be visible under the ephemeral variant of the same name")
	}
}

func TestTopicIDIsDeterministicAndStructural(t *testing.T) {
	a := PersistedTopic("chat")
	b := PersistedTopic("chat")
	c := PersistedTopic("other")

	if TopicID(a) != TopicID(b) {
		t.Fatalf("structurally identical topics must hash identically")
	}
	if TopicID(a) == TopicID(c) {
		t.Fatalf("topics differing in name must hash differently")
	}
}

func TestParseGossipChannelRoundTrip(t *testing.T) {
	for _, topic := range []Topic{PersistedTopic("chat"), EphemeralTopic("chat"), PersistedTopic("")} {
		got := ParseGossipChannel(topic.GossipChannel())
		if got != topic {
			t.Fatalf("ParseGossipChannel(%q) = %+v, want %+v", topic.GossipChannel(), got, topic)
		}
	}
}
