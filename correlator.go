package logwarden

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// RequestState is the explicit lifecycle tag of one pending content
// request. State is represented directly rather than inferred from
// which fields happen to be populated.
type RequestState int

// Request lifecycle. Complete, Failed and Abandoned are terminal.
const (
	StateCreated RequestState = iota
	StateRegistered
	StateAcknowledged
	StateAssembling
	StateComplete
	StateFailed
	StateAbandoned
)

func (s RequestState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRegistered:
		return "registered"
	case StateAcknowledged:
		return "acknowledged"
	case StateAssembling:
		return "assembling"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	case StateAbandoned:
		return "abandoned"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type chunk struct {
	begin uint64
	end   uint64
	lines []string
}

// pendingRequest holds the correlator-owned state for one in-flight
// content request.
type pendingRequest struct {
	log    Log
	begin  uint64
	end    uint64
	state  RequestState
	status Status
	err    error

	next   uint64 // high-water mark of received chunks
	chunks []chunk

	acked chan struct{} // closed when any response arrives
	done  chan struct{} // closed on any terminal transition
}

func (p *pendingRequest) markAcked() {
	select {
	case <-p.acked:
	default:
		close(p.acked)
	}
}

func (p *pendingRequest) terminate(state RequestState, err error) {
	p.state = state
	p.err = err
	p.markAcked()
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

// Correlator owns the request-id to pending-request mapping for one
// proxy connection. All mutating calls are serialized; flows on the
// same connection share nothing else.
type Correlator struct {
	mu      sync.Mutex
	pending map[uint32]*pendingRequest
	logger  *slog.Logger
}

// NewCorrelator creates an empty correlator table.
func NewCorrelator(logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		pending: make(map[uint32]*pendingRequest),
		logger:  logger,
	}
}

// Allocate returns the lowest request id not currently pending.
// Released ids are reused. The id is not reserved; callers racing each
// other must use AllocateAndRegister instead.
func (c *Correlator) Allocate() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lowestFree()
}

func (c *Correlator) lowestFree() (uint32, error) {
	if uint64(len(c.pending)) > math.MaxUint32 {
		return 0, ErrExhaustedIdentifierSpace
	}
	for id := uint32(0); ; id++ {
		if _, ok := c.pending[id]; !ok {
			return id, nil
		}
		if id == math.MaxUint32 {
			return 0, ErrExhaustedIdentifierSpace
		}
	}
}

func newPendingRequest(log Log, begin, end uint64) *pendingRequest {
	return &pendingRequest{
		log:   log,
		begin: begin,
		end:   end,
		state: StateRegistered,
		next:  begin,
		acked: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// AllocateAndRegister reserves the lowest free request id and records
// pending state for it in one critical section, so concurrent fetches
// on the same connection can never be handed the same id.
func (c *Correlator) AllocateAndRegister(log Log, begin, end uint64) (uint32, error) {
	if begin > end {
		return 0, fmt.Errorf("register: begin record %d greater than end record %d", begin, end)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id, err := c.lowestFree()
	if err != nil {
		return 0, err
	}
	c.pending[id] = newPendingRequest(log, begin, end)
	return id, nil
}

// Register records pending state for a request under a caller-chosen
// id. The id must not already be pending.
func (c *Correlator) Register(id uint32, log Log, begin, end uint64) error {
	if begin > end {
		return fmt.Errorf("register %d: begin record %d greater than end record %d", id, begin, end)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; ok {
		return fmt.Errorf("register %d: %w", id, ErrDuplicateRequestID)
	}
	c.pending[id] = newPendingRequest(log, begin, end)
	return nil
}

// OnResponse applies a content status message to the pending request.
// A failure status terminates the flow. An unknown id is reported with
// ErrUnknownRequestID; the caller decides whether it is the benign
// abandonment race or a proxy violation.
func (c *Correlator) OnResponse(id uint32, status Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.pending[id]
	if !ok {
		return fmt.Errorf("response for %d: %w", id, ErrUnknownRequestID)
	}
	if err := status.Err(); err != nil {
		req.status = status
		req.terminate(StateFailed, err)
		return nil
	}
	switch status {
	case StatusFoundBeginSend:
		if req.state == StateRegistered {
			req.state = StateAcknowledged
		}
		req.status = status
		req.markAcked()
	case StatusEndSend:
		// Terminal acknowledgement from the proxy. Completion is
		// decided by chunk accounting, never by this message; an end
		// marker before the range is full means records were lost.
		if req.state != StateComplete {
			req.terminate(StateFailed, ErrIncompleteDelivery)
		}
	default:
		c.logger.Warn("unrecognized content status", "request_id", id, "status", int32(status))
	}
	return nil
}

// OnData applies a content data chunk to the pending request. Chunks
// must arrive at the current high-water mark and stay inside the
// requested range; a violation fails the flow and is returned.
func (c *Correlator) OnData(id uint32, begin, end uint64, lines []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.pending[id]
	if !ok {
		return fmt.Errorf("data for %d: %w", id, ErrUnknownRequestID)
	}
	switch req.state {
	case StateComplete, StateFailed, StateAbandoned:
		return fmt.Errorf("data for %d in state %s: %w", id, req.state, ErrOutOfOrderData)
	}
	if end > req.end {
		err := fmt.Errorf("chunk [%d, %d) past requested end %d: %w", begin, end, req.end, ErrRangeOverrun)
		req.terminate(StateFailed, err)
		return err
	}
	if begin != req.next {
		err := fmt.Errorf("chunk begins at %d, expected %d: %w", begin, req.next, ErrOutOfOrderData)
		req.terminate(StateFailed, err)
		return err
	}
	if uint64(len(lines)) != end-begin {
		err := fmt.Errorf("chunk [%d, %d) carries %d lines: %w", begin, end, len(lines), ErrOutOfOrderData)
		req.terminate(StateFailed, err)
		return err
	}
	req.state = StateAssembling
	req.chunks = append(req.chunks, chunk{begin: begin, end: end, lines: lines})
	req.next = end
	if req.next == req.end {
		req.state = StateComplete
		req.markAcked()
		close(req.done)
	}
	return nil
}

// IsComplete reports whether the received chunks cover the requested
// range exactly.
func (c *Correlator) IsComplete(id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.pending[id]
	return ok && req.state == StateComplete
}

// Release removes the pending entry. Callable only once the request
// reached a terminal state.
func (c *Correlator) Release(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.pending[id]
	if !ok {
		return
	}
	switch req.state {
	case StateComplete, StateFailed, StateAbandoned:
		delete(c.pending, id)
	default:
		c.logger.Warn("release of non-terminal request", "request_id", id, "state", req.state.String())
	}
}

// Abandon marks the request abandoned and releases it. Partial data is
// discarded with the entry. Further messages for the id will report
// ErrUnknownRequestID, the expected race after abandonment.
func (c *Correlator) Abandon(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.pending[id]
	if !ok {
		return
	}
	if req.state != StateComplete && req.state != StateFailed {
		req.terminate(StateAbandoned, ErrIncompleteDelivery)
	}
	delete(c.pending, id)
}

// AbandonAll abandons every pending request. Called when the
// connection drops or the agent shuts down.
func (c *Correlator) AbandonAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, req := range c.pending {
		if req.state != StateComplete && req.state != StateFailed {
			req.terminate(StateAbandoned, ErrIncompleteDelivery)
		}
		delete(c.pending, id)
	}
}

// PendingCount returns the number of requests currently pending.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// lookup returns the pending entry for the retrieval engine. Channels
// on the entry are safe to wait on without the correlator lock.
func (c *Correlator) lookup(id uint32) (*pendingRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.pending[id]
	return req, ok
}

// terminalErr returns the terminal error and failure flag for id.
func (c *Correlator) terminalErr(id uint32) (error, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.pending[id]
	if !ok {
		return ErrUnknownRequestID, true
	}
	return c.requestErrLocked(req)
}

// requestErr returns the terminal error and failure flag for a request
// the caller already holds. Unlike terminalErr it stays answerable
// after AbandonAll has purged the entry from the table.
func (c *Correlator) requestErr(req *pendingRequest) (error, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestErrLocked(req)
}

func (c *Correlator) requestErrLocked(req *pendingRequest) (error, bool) {
	if req.state == StateFailed || req.state == StateAbandoned {
		return req.err, true
	}
	return nil, false
}

// assembled concatenates the received chunks in ascending order. Only
// meaningful once the request is complete.
func (c *Correlator) assembled(id uint32) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.pending[id]
	if !ok || req.state != StateComplete {
		return nil
	}
	lines := make([]string, 0, req.end-req.begin)
	for _, ch := range req.chunks {
		lines = append(lines, ch.lines...)
	}
	return lines
}
