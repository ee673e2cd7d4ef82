// Package rpc exposes the local node facade over HTTP + WebSocket, per
// spec §6.1's command table. All payload byte fields are JSON-tagged as
// base64 (encoding/json's default for []byte) so the wire format stays
// plain JSON rather than a second binary encoding layered on top of CBOR.
package rpc

// PublicKeyResponse answers the public_key command.
type PublicKeyResponse struct {
	PublicKey string `json:"public_key"`
}

// AckRequest is the ack command's input: an operation's identity hash,
// hex-encoded.
type AckRequest struct {
	OperationID string `json:"operation_id"`
}

// TopicDTO is the JSON projection of core.Topic's tagged union: a Kind
// ("ephemeral" or "persisted") paired with Name, so a client can't conflate
// an ephemeral topic and a persisted topic that happen to share a name —
// they are structurally distinct rendezvous points, not one topic with a
// flag.
type TopicDTO struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// ReplayRequest is the replay command's input: the topic whose logs should
// be replayed to the caller's own event channel.
type ReplayRequest struct {
	Topic TopicDTO `json:"topic"`
}

// AddTopicLogRequest is the add_topic_log command's input.
type AddTopicLogRequest struct {
	AuthorPublicKey string   `json:"author_public_key"`
	Topic           TopicDTO `json:"topic"`
	LogID           string   `json:"log_id"`
}

// SubscribeRequest is shared by subscribe_persisted and subscribe_ephemeral;
// Topic.Kind is ignored and forced by whichever route handled the request.
type SubscribeRequest struct {
	Topic TopicDTO `json:"topic"`
}

// PublishPersistedRequest is the publish_persisted command's input.
type PublishPersistedRequest struct {
	Topic          TopicDTO `json:"topic"`
	Payload        []byte   `json:"payload"`
	StreamRootHash *string  `json:"stream_root_hash,omitempty"`
	StreamOwner    *string  `json:"stream_owner,omitempty"`
	LogPath        *string  `json:"log_path,omitempty"`
	Prune          bool     `json:"prune,omitempty"`
}

// PublishPersistedResponse is the publish_persisted command's result.
type PublishPersistedResponse struct {
	OperationID string `json:"operation_id"`
	StreamID    string `json:"stream_id"`
}

// PublishEphemeralRequest is the publish_ephemeral command's input.
type PublishEphemeralRequest struct {
	Topic   TopicDTO `json:"topic"`
	Payload []byte   `json:"payload"`
}

// IngestLocalRequest is the ingest command's input (spec §4.G's local-only
// create-without-publish operation): a fully forged header plus its body,
// to be persisted without ever being broadcast.
type IngestLocalRequest struct {
	Topic      TopicDTO `json:"topic"`
	HeaderCBOR []byte   `json:"header_cbor"`
	Payload    []byte   `json:"payload"`
}

// ReadFileRequest is shared by read_file and sync_remote_file.
type ReadFileRequest struct {
	URI string `json:"uri"`
}

// ReadFileResponse answers read_file and sync_remote_file.
type ReadFileResponse struct {
	Data []byte `json:"data"`
}

// UploadFileRequest is the upload_file command's input: a path on the
// machine running this node (the RPC layer, not the caller, reads it).
type UploadFileRequest struct {
	Path string `json:"path"`
}

// UploadFileResponse is the upload_file command's result.
type UploadFileResponse struct {
	BlobHash string `json:"blob_hash"`
}

// ErrorResponse flattens a core.Error to the stable string taxonomy of
// spec §7, for JSON transport across the RPC boundary.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// envelopeKind tags the outer shape of a message sent over the /rpc/events
// WebSocket connection, so a single frame type can carry either a
// StreamEvent or a SystemEvent.
type envelopeKind string

const (
	envelopeStream       envelopeKind = "stream"
	envelopeSystem       envelopeKind = "system"
	envelopeSubscribedTo envelopeKind = "subscribed_to_topic"
)

// eventEnvelope is the JSON frame written to the event WebSocket.
type eventEnvelope struct {
	Kind  envelopeKind `json:"kind"`
	Event interface{}  `json:"event"`
}

// streamEventDTO is the JSON projection of core.StreamEvent.
type streamEventDTO struct {
	Kind   string   `json:"kind"`
	Topic  TopicDTO `json:"topic"`
	Author string   `json:"author"`
	LogID  string   `json:"log_id,omitempty"`

	OperationID string `json:"operation_id,omitempty"`
	Seq         uint64 `json:"seq,omitempty"`
	Payload     []byte `json:"payload,omitempty"`
}

// systemEventDTO is the JSON projection of core.SystemEvent.
type systemEventDTO struct {
	Kind    string `json:"kind"`
	Detail  string `json:"detail,omitempty"`
	BlobID  string `json:"blob_id,omitempty"`
	PeerTag string `json:"peer_tag,omitempty"`
}
