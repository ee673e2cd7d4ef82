package rpc

import (
	"encoding/hex"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/meshlog/node/core"
)

// subscriberID is fixed rather than per-connection: spec §4.I models a
// single local UI process talking to one node, so init replaces the
// existing event channel instead of minting a new identity per reconnect
// (see DESIGN.md Open Question O1).
const subscriberID = "local-ui"

// session owns the single active /rpc/events WebSocket connection and the
// channel the stream controller delivers StreamEvents to on its behalf.
// A new init atomically replaces both the connection and the channel; the
// old connection is closed so its write goroutine exits cleanly.
type session struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	events chan core.StreamEvent
	done   chan struct{}
	log    *logrus.Entry
}

func newSession() *session {
	return &session{log: logrus.WithField("component", "rpc.session")}
}

// replace swaps in conn as the active event connection, closing out any
// previous one, and starts a fresh forwarding goroutine. The returned
// channel is what callers should hand to Controller.Subscribe.
func (s *session) replace(conn *websocket.Conn) chan core.StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		close(s.done)
		_ = s.conn.Close()
	}

	events := make(chan core.StreamEvent, 256)
	done := make(chan struct{})
	s.conn = conn
	s.events = events
	s.done = done

	go s.pump(conn, events, done)
	return events
}

func (s *session) pump(conn *websocket.Conn, events chan core.StreamEvent, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(eventEnvelope{Kind: envelopeStream, Event: toStreamEventDTO(evt)}); err != nil {
				s.log.WithError(err).Debug("event channel write failed")
				return
			}
		}
	}
}

// pushSystem delivers a SystemEvent to the currently active connection, if
// any. Unlike stream events it is not routed through the controller, so it
// is sent directly rather than via the shared events channel.
func (s *session) pushSystem(evt core.SystemEvent) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.WriteJSON(eventEnvelope{Kind: envelopeSystem, Event: toSystemEventDTO(evt)}); err != nil {
		s.log.WithError(err).Debug("system event write failed")
	}
}

// pushSubscribed notifies the active connection that subscription to topic
// took effect.
func (s *session) pushSubscribed(topic string) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.WriteJSON(eventEnvelope{Kind: envelopeSubscribedTo, Event: topic}); err != nil {
		s.log.WithError(err).Debug("subscribed-to-topic write failed")
	}
}

func toStreamEventDTO(evt core.StreamEvent) streamEventDTO {
	dto := streamEventDTO{
		Kind:    string(evt.Kind),
		Topic:   topicToDTO(evt.Topic),
		Author:  hex.EncodeToString(evt.Author[:]),
		LogID:   evt.LogID,
		Payload: evt.Body,
	}
	if evt.Header != nil {
		dto.OperationID = evt.Header.Hash().String()
		dto.Seq = evt.Header.Seq
	}
	return dto
}

func toSystemEventDTO(evt core.SystemEvent) systemEventDTO {
	dto := systemEventDTO{
		Kind:    string(evt.Kind),
		Detail:  evt.Detail,
		PeerTag: evt.PeerTag,
	}
	if evt.BlobID != nil {
		dto.BlobID = evt.BlobID.String()
	}
	return dto
}
