package rpc

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/meshlog/node/core"
)

// Server is the RPC surface (spec §4.I): a chi-routed HTTP API under
// /rpc/*, plus one /rpc/events WebSocket upgrade for the init command's
// event delivery channel.
type Server struct {
	facade   *core.Facade
	upgrader websocket.Upgrader
	session  *session
	log      *logrus.Entry
}

// NewServer wires an RPC server around facade. For system-event delivery,
// pass the returned server's PushSystemEvent to facade.Node's
// SetSystemEventSink afterwards (see cmd/meshlogd/main.go wiring).
func NewServer(facade *core.Facade) *Server {
	return &Server{
		facade: facade,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		session: newSession(),
		log:     logrus.WithField("component", "rpc.server"),
	}
}

// PushSystemEvent forwards evt to the currently connected event channel, if
// any. Suitable as the callback passed to core.Node.SetSystemEventSink.
func (s *Server) PushSystemEvent(evt core.SystemEvent) {
	s.session.pushSystem(evt)
}

// Routes builds the chi router for this server.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/rpc", func(r chi.Router) {
		r.Get("/events", s.handleInit) // init: websocket upgrade
		r.Get("/public_key", s.handlePublicKey)
		r.Post("/ack", s.handleAck)
		r.Post("/replay", s.handleReplay)
		r.Post("/add_topic_log", s.handleAddTopicLog)
		r.Post("/subscribe_persisted", s.handleSubscribePersisted)
		r.Post("/subscribe_ephemeral", s.handleSubscribeEphemeral)
		r.Post("/publish_persisted", s.handlePublishPersisted)
		r.Post("/publish_ephemeral", s.handlePublishEphemeral)
		r.Post("/ingest", s.handleIngestLocal)
		r.Post("/upload_file", s.handleUploadFile)
		r.Post("/read_file", s.handleReadFile)
		r.Post("/sync_remote_file", s.handleSyncRemoteFile)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError flattens err to the spec §7 taxonomy. Non-core errors (a
// malformed request body, for instance) are reported under the "decode"
// kind rather than leaking an internal Go error type to the wire.
func writeError(w http.ResponseWriter, err error) {
	kind := string(core.ErrKindDecode)
	msg := err.Error()
	if ce, ok := err.(*core.Error); ok {
		kind = string(ce.Kind)
		msg = ce.Message
	}
	status := http.StatusBadRequest
	if kind == string(core.ErrKindStore) || kind == string(core.ErrKindInit) {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, ErrorResponse{Kind: kind, Message: msg})
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
