package core

import (
	"context"

	"github.com/sirupsen/logrus"
)

// controllerCmd is the single command type the stream controller's inbox
// goroutine understands. Exactly one field is populated (commands that
// answer carry their own reply channel), matching the teacher's single-goroutine-over-a-command-channel shape.
type controllerCmd struct {
	ingest      *ingestCmd
	ephem       *ephemeralCmd
	ack         *ackCmd
	replay      *replayCmd
	subscribe   *subscribeCmd
	unsubscribe *unsubscribeCmd
}

type ingestCmd struct {
	topic  Topic
	header Header
	body   []byte
}

type ephemeralCmd struct {
	topic  Topic
	author PublicKey
	body   []byte
}

// ackCmd acknowledges an operation by its identity hash, per spec §6.1's
// `ack(operation_id)` contract; the controller resolves author/log/seq from
// the store.
type ackCmd struct {
	subscriberID string
	operationID  Hash
	reply        chan<- error
}

// replayCmd re-feeds every unacknowledged entry of every (author, log)
// bound to topic through subscriberID's own event channel, per spec §6.1's
// `replay(topic)` contract.
type replayCmd struct {
	subscriberID string
	topic        Topic
	reply        chan<- error
}

type subscribeCmd struct {
	subscriberID string
	topic        Topic
	ch           chan<- StreamEvent
}

type unsubscribeCmd struct {
	subscriberID string
	topic        Topic
}

// ackKey identifies a single subscriber's progress through a single log.
type ackKey struct {
	subscriberID string
	author       PublicKey
	logID        string
}

// Controller is the stream controller (spec §4.D): it owns topic
// subscriptions, per-subscriber acknowledgment state, and replay. All state
// mutation happens on a single goroutine reading from an inbox channel, so
// no internal locking is needed for the acked table or subscriber list.
type Controller struct {
	store LogStore
	topic *TopicMap

	inbox chan controllerCmd
	log   *logrus.Entry

	metrics *Metrics

	// fields below are only ever touched from the inbox goroutine.
	acked       map[ackKey]uint64
	subscribers map[Topic]map[string]chan<- StreamEvent
}

// NewController constructs a Controller over store/topicMap. Run must be
// called (in its own goroutine) before commands are accepted.
func NewController(store LogStore, topicMap *TopicMap, metrics *Metrics, cap int) *Controller {
	if cap <= 0 {
		cap = 128
	}
	return &Controller{
		store:       store,
		topic:       topicMap,
		inbox:       make(chan controllerCmd, cap),
		log:         logrus.WithField("component", "controller"),
		metrics:     metrics,
		acked:       make(map[ackKey]uint64),
		subscribers: make(map[Topic]map[string]chan<- StreamEvent),
	}
}

// Run processes commands until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.inbox:
			c.handle(ctx, cmd)
		}
	}
}

func (c *Controller) handle(ctx context.Context, cmd controllerCmd) {
	switch {
	case cmd.ingest != nil:
		c.handleIngest(*cmd.ingest)
	case cmd.ephem != nil:
		c.handleEphemeral(*cmd.ephem)
	case cmd.ack != nil:
		c.handleAck(ctx, *cmd.ack)
	case cmd.replay != nil:
		c.handleReplay(ctx, *cmd.replay)
	case cmd.subscribe != nil:
		c.handleSubscribe(*cmd.subscribe)
	case cmd.unsubscribe != nil:
		c.handleUnsubscribe(*cmd.unsubscribe)
	}
}

func (c *Controller) handleIngest(cmd ingestCmd) {
	c.topic.Bind(cmd.topic, cmd.header.Author, LogID(cmd.header))
	event := StreamEvent{
		Kind:   StreamEventOperation,
		Topic:  cmd.topic,
		Author: cmd.header.Author,
		LogID:  LogID(cmd.header),
		Header: &cmd.header,
		Body:   cmd.body,
	}
	c.fanOut(cmd.topic, event)
}

func (c *Controller) handleEphemeral(cmd ephemeralCmd) {
	event := StreamEvent{
		Kind:   StreamEventEphemeral,
		Topic:  cmd.topic,
		Author: cmd.author,
		Body:   cmd.body,
	}
	c.fanOut(cmd.topic, event)
}

func (c *Controller) fanOut(topic Topic, event StreamEvent) {
	for id, ch := range c.subscribers[topic] {
		select {
		case ch <- event:
		default:
			c.log.WithField("subscriber", id).Warn("event channel full, dropping delivery")
		}
	}
}

// handleAck resolves cmd.operationID to its (author, logID, seq) and
// advances that subscriber's ack cursor; fails if the operation is unknown
// to the store (spec §7 StreamController error).
func (c *Controller) handleAck(ctx context.Context, cmd ackCmd) {
	h, _, ok, err := c.store.HeaderByID(ctx, cmd.operationID)
	if err != nil {
		cmd.reply <- NewError(ErrKindStore, "ack: lookup operation", err)
		return
	}
	if !ok {
		cmd.reply <- NewError(ErrKindStreamController, "ack: unknown operation", ErrUnknownOperation)
		return
	}
	key := ackKey{subscriberID: cmd.subscriberID, author: h.Author, logID: LogID(*h)}
	if cur, ok := c.acked[key]; !ok || h.Seq > cur {
		c.acked[key] = h.Seq
		c.metrics.IncAcked()
	}
	cmd.reply <- nil
}

// handleReplay re-feeds every entry past the ack cursor, for every
// (author, log) currently bound to topic, into subscriberID's own event
// channel. Replayed operations pass through the same StreamEvent shape as
// live delivery, so a consumer cannot distinguish replay from live traffic.
func (c *Controller) handleReplay(ctx context.Context, cmd replayCmd) {
	ch, ok := c.subscribers[cmd.topic][cmd.subscriberID]
	if !ok {
		cmd.reply <- NewError(ErrKindStreamController, "replay: subscriber has no active subscription for topic", nil)
		return
	}

	for _, author := range c.topic.Authors(cmd.topic) {
		for _, logID := range c.topic.Logs(cmd.topic, author) {
			fromSeq := uint64(0)
			if acked, ok := c.acked[ackKey{cmd.subscriberID, author, logID}]; ok {
				fromSeq = acked + 1
			}
			headers, bodies, err := c.store.List(ctx, author, logID, fromSeq)
			if err != nil {
				cmd.reply <- NewError(ErrKindStore, "replay: list log", err)
				return
			}
			for i, h := range headers {
				event := StreamEvent{
					Kind:   StreamEventOperation,
					Topic:  cmd.topic,
					Author: h.Author,
					LogID:  logID,
					Header: &headers[i],
					Body:   bodies[i],
				}
				select {
				case ch <- event:
				default:
					c.log.WithField("subscriber", cmd.subscriberID).Warn("replay event channel full, dropping delivery")
				}
			}
		}
	}
	cmd.reply <- nil
}

func (c *Controller) handleSubscribe(cmd subscribeCmd) {
	byID, ok := c.subscribers[cmd.topic]
	if !ok {
		byID = make(map[string]chan<- StreamEvent)
		c.subscribers[cmd.topic] = byID
	}
	byID[cmd.subscriberID] = cmd.ch
}

func (c *Controller) handleUnsubscribe(cmd unsubscribeCmd) {
	delete(c.subscribers[cmd.topic], cmd.subscriberID)
}

// --- public, blocking-send API; safe to call from any goroutine ---

func (c *Controller) Ingest(ctx context.Context, topic Topic, h Header, body []byte) {
	c.send(ctx, controllerCmd{ingest: &ingestCmd{topic: topic, header: h, body: body}})
}

func (c *Controller) Ephemeral(ctx context.Context, topic Topic, author PublicKey, body []byte) {
	c.send(ctx, controllerCmd{ephem: &ephemeralCmd{topic: topic, author: author, body: body}})
}

// Ack acknowledges the operation identified by operationID on behalf of
// subscriberID.
func (c *Controller) Ack(ctx context.Context, subscriberID string, operationID Hash) error {
	reply := make(chan error, 1)
	c.send(ctx, controllerCmd{ack: &ackCmd{subscriberID: subscriberID, operationID: operationID, reply: reply}})
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Replay re-feeds every unacknowledged entry of every log bound to topic
// through subscriberID's event channel.
func (c *Controller) Replay(ctx context.Context, subscriberID string, topic Topic) error {
	reply := make(chan error, 1)
	c.send(ctx, controllerCmd{replay: &replayCmd{subscriberID: subscriberID, topic: topic, reply: reply}})
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers ch to receive StreamEvents for topic under
// subscriberID until Unsubscribe is called.
func (c *Controller) Subscribe(ctx context.Context, subscriberID string, topic Topic, ch chan<- StreamEvent) {
	c.send(ctx, controllerCmd{subscribe: &subscribeCmd{subscriberID: subscriberID, topic: topic, ch: ch}})
}

func (c *Controller) Unsubscribe(ctx context.Context, subscriberID string, topic Topic) {
	c.send(ctx, controllerCmd{unsubscribe: &unsubscribeCmd{subscriberID: subscriberID, topic: topic}})
}

func (c *Controller) send(ctx context.Context, cmd controllerCmd) {
	select {
	case c.inbox <- cmd:
	case <-ctx.Done():
	}
}
