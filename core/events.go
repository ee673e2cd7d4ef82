package core

// StreamEventKind classifies the payload carried by a StreamEvent.
type StreamEventKind string

const (
	StreamEventOperation StreamEventKind = "operation" // a persisted operation became visible
	StreamEventEphemeral StreamEventKind = "ephemeral"  // an unpersisted, fire-and-forget message
)

// StreamEvent is what the stream controller delivers to a subscriber of a
// given topic: either a newly-visible persisted operation or an ephemeral
// message, tagged with the log it belongs to.
type StreamEvent struct {
	Kind   StreamEventKind
	Topic  Topic
	Author PublicKey
	LogID  string
	Header *Header // nil for ephemeral
	Body   []byte
}

// SystemEventKind enumerates the node-lifecycle notifications the facade
// surfaces to RPC subscribers alongside stream events (SPEC_FULL.md
// supplement — the original app surfaces these as toasts/status-bar state).
type SystemEventKind string

const (
	SystemEventPeerConnected    SystemEventKind = "peer_connected"
	SystemEventPeerDisconnected SystemEventKind = "peer_disconnected"
	SystemEventBlobSyncStarted  SystemEventKind = "blob_sync_started"
	SystemEventBlobSyncFinished SystemEventKind = "blob_sync_finished"
	SystemEventGossipDropped    SystemEventKind = "gossip_dropped"
)

// SystemEvent is a node-lifecycle notification, distinct from stream
// content, delivered on the same RPC event channel.
type SystemEvent struct {
	Kind    SystemEventKind
	Detail  string
	BlobID  *Hash
	PeerTag string
}
