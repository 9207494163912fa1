package logwarden

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Sender emits outbound frames on a proxy connection. Writes for one
// connection are serialized by the implementation.
type Sender interface {
	Send(t MessageType, payload []byte) error
}

// Engine drives ranged record retrieval over one proxy connection.
// Multiple fetches may run concurrently on the same connection; they
// share only the correlator table.
type Engine struct {
	conn    Sender
	corr    *Correlator
	cursor  *PositionCursor
	store   Store // optional
	timeout time.Duration
	logger  *slog.Logger
}

// DefaultFetchTimeout bounds a fetch when no timeout is configured.
const DefaultFetchTimeout = 30 * time.Second

// NewEngine creates a retrieval engine. store may be nil when the
// agent runs without durable record storage.
func NewEngine(conn Sender, corr *Correlator, cursor *PositionCursor, store Store, timeout time.Duration, logger *slog.Logger) *Engine {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		conn:    conn,
		corr:    corr,
		cursor:  cursor,
		store:   store,
		timeout: timeout,
		logger:  logger,
	}
}

// Fetch retrieves the missing records of log up to end, i.e. the range
// [cursor, end). On success it returns the ordered records, advances
// the cursor to end, and (when a store is attached) persists the
// records. On any failure the cursor is untouched and no partial data
// is surfaced.
//
// Fetch blocks until completion, failure, deadline expiry, or ctx
// cancellation. The engine never retries on its own; retry policy
// belongs to the caller, with a fresh request id.
func (e *Engine) Fetch(ctx context.Context, log Log, end uint64) ([]Record, error) {
	begin := e.cursor.Position(log)
	if end < begin {
		return nil, fmt.Errorf("fetch %q: target end %d below accepted position %d: %w",
			log.Name, end, begin, ErrRegressionDetected)
	}
	if begin == end {
		// Nothing missing; no wire round trip.
		return []Record{}, nil
	}

	id, err := e.corr.AllocateAndRegister(log, begin, end)
	if err != nil {
		return nil, fmt.Errorf("fetch %q: %w", log.Name, err)
	}

	payload, err := MarshalContentRequest(ContentRequestMsg{
		Log:         log,
		RequestID:   id,
		BeginRecord: begin,
		EndRecord:   end,
	})
	if err != nil {
		e.corr.Abandon(id)
		return nil, fmt.Errorf("fetch %q: %w", log.Name, err)
	}
	if err := e.conn.Send(MsgGetLogContent, payload); err != nil {
		e.corr.Abandon(id)
		return nil, fmt.Errorf("fetch %q: send request: %w", log.Name, err)
	}

	req, ok := e.corr.lookup(id)
	if !ok {
		// The connection dropped between send and lookup.
		return nil, fmt.Errorf("fetch %q: %w", log.Name, ErrIncompleteDelivery)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	// Await the status response.
	select {
	case <-ctx.Done():
		e.corr.Abandon(id)
		return nil, fmt.Errorf("fetch %q: awaiting response: %w", log.Name, ErrIncompleteDelivery)
	case <-req.acked:
	}
	if err, failed := e.corr.requestErr(req); failed {
		e.corr.Release(id)
		return nil, fmt.Errorf("fetch %q [%d, %d): %w", log.Name, begin, end, err)
	}

	// Await data completion.
	select {
	case <-ctx.Done():
		e.corr.Abandon(id)
		e.logger.Debug("fetch abandoned on deadline",
			"log", log.Name, "request_id", id, "begin", begin, "end", end)
		return nil, fmt.Errorf("fetch %q [%d, %d): %w", log.Name, begin, end, ErrIncompleteDelivery)
	case <-req.done:
	}
	if err, failed := e.corr.requestErr(req); failed {
		e.corr.Release(id)
		return nil, fmt.Errorf("fetch %q [%d, %d): %w", log.Name, begin, end, err)
	}

	lines := e.corr.assembled(id)
	now := time.Now()
	records := make([]Record, len(lines))
	for i, line := range lines {
		records[i] = Record{Log: log, Timestamp: now, Message: line}
	}

	if e.store != nil {
		if err := e.store.AppendRecords(log, begin, records); err != nil {
			e.corr.Release(id)
			return nil, fmt.Errorf("fetch %q: persist records: %w", log.Name, err)
		}
	}
	if err := e.cursor.Advance(log, end); err != nil {
		e.corr.Release(id)
		return nil, fmt.Errorf("fetch %q: %w", log.Name, err)
	}
	e.corr.Release(id)
	return records, nil
}
