package core

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// IngestResult reports the outcome of a single ingested operation back to
// whatever emitted it onto the pipeline (node actor gossip, RPC publish).
type IngestResult struct {
	Header Header
	Body   []byte
	Err    error
}

// ingestRequest is one unit of pipeline work: a candidate header/body pair
// plus the channel its outcome is reported on.
type ingestRequest struct {
	header Header
	body   []byte
	reply  chan<- IngestResult
}

// EmitFunc is called once per successfully persisted operation, in log
// order, so the stream controller can fan it out to subscribers.
type EmitFunc func(h Header, body []byte)

// Pipeline is the ingestion pipeline (spec §4.C): it validates, orders,
// deduplicates, persists and prunes incoming operations, then emits each
// one to the stream controller. A single dispatcher goroutine routes work
// to one goroutine per (author, log) so operations within a log are
// processed strictly in submission order, while unrelated logs proceed
// concurrently (spec §5: no cross-log ordering guarantee).
type Pipeline struct {
	store LogStore
	emit  EmitFunc
	log   *logrus.Entry

	inbound chan ingestRequest

	mu      sync.Mutex
	workers map[logKey]chan ingestRequest

	// pending buffers out-of-order arrivals per log until their backlink's
	// predecessor has been persisted, keyed by each buffered operation's own
	// seq (persisting seq n releases the entry at seq n+1).
	pendingMu sync.Mutex
	pending   map[logKey]map[uint64]ingestRequest

	metrics *Metrics
}

// NewPipeline constructs a Pipeline backed by store, with inbound capacity
// cap (spec §5 suggests 1024 for the gossip/RPC ingress path).
func NewPipeline(store LogStore, metrics *Metrics, emit EmitFunc, cap int) *Pipeline {
	if cap <= 0 {
		cap = 1024
	}
	p := &Pipeline{
		store:   store,
		emit:    emit,
		log:     logrus.WithField("component", "pipeline"),
		inbound: make(chan ingestRequest, cap),
		workers: make(map[logKey]chan ingestRequest),
		pending: make(map[logKey]map[uint64]ingestRequest),
		metrics: metrics,
	}
	return p
}

// Run drains the inbound channel and dispatches to per-log workers until ctx
// is cancelled. Callers run this in its own goroutine.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-p.inbound:
			p.dispatch(ctx, req)
		}
	}
}

// Submit enqueues h/body for ingestion and blocks until either it is
// accepted onto the inbound channel or ctx is cancelled.
func (p *Pipeline) Submit(ctx context.Context, h Header, body []byte) <-chan IngestResult {
	reply := make(chan IngestResult, 1)
	req := ingestRequest{header: h, body: body, reply: reply}
	select {
	case p.inbound <- req:
	case <-ctx.Done():
		reply <- IngestResult{Header: h, Body: body, Err: ctx.Err()}
	}
	return reply
}

func (p *Pipeline) dispatch(ctx context.Context, req ingestRequest) {
	key := logKey{author: req.header.Author, logID: LogID(req.header)}

	p.mu.Lock()
	ch, ok := p.workers[key]
	if !ok {
		ch = make(chan ingestRequest, 128)
		p.workers[key] = ch
		go p.runWorker(ctx, key, ch)
	}
	p.mu.Unlock()

	ch <- req
}

func (p *Pipeline) runWorker(ctx context.Context, key logKey, ch <-chan ingestRequest) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-ch:
			p.process(ctx, key, req)
		}
	}
}

// process validates and persists one operation, then drains any buffered
// successors that are now contiguous.
func (p *Pipeline) process(ctx context.Context, key logKey, req ingestRequest) {
	for {
		// an operation already in the store is answered with a nil error but
		// is neither counted nor emitted a second time.
		known, _ := p.store.Contains(ctx, req.header.Hash())
		result := p.validateAndPersist(ctx, req.header, req.body)
		if req.reply != nil {
			req.reply <- IngestResult{Header: req.header, Body: req.body, Err: result}
		}
		if result == nil {
			if !known {
				p.metrics.IncIngested()
				if p.emit != nil {
					p.emit(req.header, req.body)
				}
			}
		} else if result == ErrBacklinkPending {
			p.bufferPending(key, req)
			return
		} else {
			p.metrics.IncRejected()
			p.log.WithError(result).WithField("seq", req.header.Seq).Warn("operation rejected")
		}

		next, ok := p.popPending(key, req.header.Seq+1)
		if !ok {
			return
		}
		req = next
	}
}

func (p *Pipeline) bufferPending(key logKey, req ingestRequest) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	m, ok := p.pending[key]
	if !ok {
		m = make(map[uint64]ingestRequest)
		p.pending[key] = m
	}
	m[req.header.Seq] = req
}

func (p *Pipeline) popPending(key logKey, seq uint64) (ingestRequest, bool) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	m, ok := p.pending[key]
	if !ok {
		return ingestRequest{}, false
	}
	req, ok := m[seq]
	if ok {
		delete(m, seq)
	}
	return req, ok
}

// ErrBacklinkPending signals that req's backlink has not yet been persisted;
// the caller buffers it and retries once the predecessor lands.
var ErrBacklinkPending = NewError(ErrKindLogIntegrity, "backlink not yet persisted", nil)

func (p *Pipeline) validateAndPersist(ctx context.Context, h Header, body []byte) error {
	if !h.Verify() {
		return NewError(ErrKindSignature, "signature verification failed", nil)
	}
	if h.PayloadSize != uint64(len(body)) {
		return NewError(ErrKindLogIntegrity, "payload size mismatch", ErrMissingBody)
	}
	if len(body) > 0 && h.PayloadHash != HashBytes(body) {
		return NewError(ErrKindLogIntegrity, "payload hash mismatch", nil)
	}

	id := h.Hash()
	if known, err := p.store.Contains(ctx, id); err != nil {
		return NewError(ErrKindStore, "dedup lookup failed", err)
	} else if known {
		return nil // already ingested; idempotent no-op, not an error
	}

	logID := LogID(h)
	prev, _, hasPrev, err := p.store.Latest(ctx, h.Author, logID)
	if err != nil {
		return NewError(ErrKindStore, "latest lookup failed", err)
	}

	switch {
	case !hasPrev:
		if h.Seq != 0 || h.Backlink != nil {
			return NewError(ErrKindLogIntegrity, "first entry of a log must have seq 0 and no backlink", ErrMissingSeqZero)
		}
	case h.Seq == prev.Seq:
		return NewError(ErrKindLogIntegrity, "duplicate sequence number at existing head", ErrForkDetected)
	case h.Seq == prev.Seq+1:
		prevHash := prev.Hash()
		if h.Backlink == nil || *h.Backlink != prevHash {
			return NewError(ErrKindLogIntegrity, "backlink does not match predecessor hash", nil)
		}
	default:
		if existing, _, ok, err := p.store.Get(ctx, h.Author, logID, h.Seq); err != nil {
			return NewError(ErrKindStore, "existing-entry lookup failed", err)
		} else if ok {
			if existing.Hash() != h.Hash() {
				return NewError(ErrKindLogIntegrity, "conflicting entry at an already-superseded sequence number", ErrForkDetected)
			}
			return nil // already ingested at this position; idempotent no-op
		}
		return ErrBacklinkPending
	}

	if err := p.store.Append(ctx, h, body); err != nil {
		return NewError(ErrKindStore, "append failed", err)
	}

	if ExtractPruneFlag(h) {
		if err := p.store.Prune(ctx, h.Author, logID, h.Seq); err != nil {
			return NewError(ErrKindStore, "prune failed", err)
		}
	}
	return nil
}
