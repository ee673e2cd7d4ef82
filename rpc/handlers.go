package rpc

import (
	"net/http"
	"os"

	"github.com/meshlog/node/core"
)

// handleInit upgrades the connection to a WebSocket and installs it as the
// single active event delivery channel (idempotent replace, DESIGN.md O1).
// It subscribes to no topic itself: subscribe_persisted/subscribe_ephemeral
// bind topics to this session's channel, which both share.
func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	s.session.replace(conn)
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	pk := s.facade.PublicKey()
	writeJSON(w, http.StatusOK, PublicKeyResponse{PublicKey: pk.String()})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req AckRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, err := core.ParseHash(req.OperationID)
	if err != nil {
		writeError(w, core.NewError(core.ErrKindDecode, "malformed operation_id", err))
		return
	}
	if err := s.facade.Ack(r.Context(), subscriberID, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req ReplayRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	topic, err := topicFromDTO(req.Topic)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.facade.Replay(r.Context(), subscriberID, topic); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleAddTopicLog(w http.ResponseWriter, r *http.Request) {
	var req AddTopicLogRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	author, err := parsePublicKey(req.AuthorPublicKey)
	if err != nil {
		writeError(w, err)
		return
	}
	topic, err := topicFromDTO(req.Topic)
	if err != nil {
		writeError(w, err)
		return
	}
	s.facade.AddTopicLog(author, topic, req.LogID)
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleSubscribePersisted(w http.ResponseWriter, r *http.Request) {
	s.subscribe(w, r, core.TopicPersisted)
}

func (s *Server) handleSubscribeEphemeral(w http.ResponseWriter, r *http.Request) {
	s.subscribe(w, r, core.TopicEphemeral)
}

// subscribe binds the active event session's channel to topic, forcing
// kind so a request posted to /subscribe_ephemeral can never bind the
// persisted variant of the same name or vice versa.
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request, kind core.TopicKind) {
	var req SubscribeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.session.mu.Lock()
	ch := s.session.events
	s.session.mu.Unlock()
	if ch == nil {
		writeError(w, core.NewError(core.ErrKindChannel, "no active event channel; call init first", nil))
		return
	}
	topic := core.Topic{Kind: kind, Name: req.Topic.Name}
	if kind == core.TopicPersisted {
		s.facade.SubscribePersisted(r.Context(), subscriberID, topic, ch)
	} else {
		s.facade.SubscribeEphemeral(r.Context(), subscriberID, topic, ch)
	}
	s.session.pushSubscribed(topic.String())
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handlePublishPersisted(w http.ResponseWriter, r *http.Request) {
	var req PublishPersistedRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ext, err := buildExtensions(req)
	if err != nil {
		writeError(w, err)
		return
	}
	h, err := s.facade.PublishPersisted(r.Context(), core.PersistedTopic(req.Topic.Name), ext, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PublishPersistedResponse{
		OperationID: h.Hash().String(),
		StreamID:    core.StreamID(h).String(),
	})
}

func (s *Server) handlePublishEphemeral(w http.ResponseWriter, r *http.Request) {
	var req PublishEphemeralRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.facade.PublishEphemeral(r.Context(), core.EphemeralTopic(req.Topic.Name), req.Payload); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// handleIngestLocal is the ingest command (spec §4.G): persist an
// already-constructed header/body pair locally without broadcasting it,
// for a caller importing an operation it received out of band rather than
// one this node forges and gossips itself.
func (s *Server) handleIngestLocal(w http.ResponseWriter, r *http.Request) {
	var req IngestLocalRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	h, err := core.DecodeHeader(req.HeaderCBOR)
	if err != nil {
		writeError(w, core.NewError(core.ErrKindDecode, "malformed header_cbor", err))
		return
	}
	topic, err := topicFromDTO(req.Topic)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.facade.IngestLocal(r.Context(), topic, h, req.Payload); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	var req ReadFileRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	data, err := s.facade.ReadFile(r.Context(), req.URI)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReadFileResponse{Data: data})
}

func (s *Server) handleSyncRemoteFile(w http.ResponseWriter, r *http.Request) {
	var req ReadFileRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	data, err := s.facade.SyncRemoteFile(r.Context(), req.URI)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReadFileResponse{Data: data})
}

// handleUploadFile reads the file at the given path on the machine this
// node runs on and stores its bytes in the blob resolver. The path is
// trusted input: this RPC surface is bound to localhost by configuration,
// not exposed to untrusted network callers (spec's non-goal of a public
// multi-tenant API).
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	var req UploadFileRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	data, err := os.ReadFile(req.Path)
	if err != nil {
		writeError(w, core.NewError(core.ErrKindBlob, "read upload source file", err))
		return
	}
	uri, err := s.facade.UploadFile(r.Context(), data)
	if err != nil {
		writeError(w, err)
		return
	}
	hash, err := core.ParseBlobURI(uri)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UploadFileResponse{BlobHash: hash.String()})
}

// topicFromDTO converts a wire TopicDTO into a core.Topic, rejecting any
// kind other than the two spec §3 defines.
func topicFromDTO(dto TopicDTO) (core.Topic, error) {
	switch dto.Kind {
	case "persisted", "":
		return core.PersistedTopic(dto.Name), nil
	case "ephemeral":
		return core.EphemeralTopic(dto.Name), nil
	default:
		return core.Topic{}, core.NewError(core.ErrKindDecode, "unknown topic kind "+dto.Kind, nil)
	}
}

func topicToDTO(t core.Topic) TopicDTO {
	return TopicDTO{Kind: t.Kind.String(), Name: t.Name}
}

func parsePublicKey(s string) (core.PublicKey, error) {
	var pk core.PublicKey
	h, err := core.ParseHash(s)
	if err != nil {
		return pk, core.NewError(core.ErrKindDecode, "malformed public key", err)
	}
	return core.PublicKey(h), nil
}

func buildExtensions(req PublishPersistedRequest) (core.Extensions, error) {
	var ext core.Extensions
	if req.StreamRootHash != nil {
		h, err := core.ParseHash(*req.StreamRootHash)
		if err != nil {
			return ext, core.NewError(core.ErrKindDecode, "malformed stream_root_hash", err)
		}
		ext.StreamRootHash = &h
	}
	if req.StreamOwner != nil {
		pk, err := parsePublicKey(*req.StreamOwner)
		if err != nil {
			return ext, err
		}
		ext.StreamOwner = &pk
	}
	if req.LogPath != nil {
		ext.LogPath = req.LogPath
	}
	ext.Prune = req.Prune
	return ext, nil
}
