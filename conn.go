package logwarden

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// RecordSink receives records pushed live by proxies and answers
// position queries. Implemented by the snapshot Collector.
type RecordSink interface {
	CollectRecord(ctx context.Context, rec Record) error
	LogPosition(log Log) uint64
}

// ProxyConn wraps one persistent connection to a log proxy: a frame
// read loop dispatching inbound messages, serialized outbound writes,
// and a per-connection correlator + retrieval engine. State is scoped
// to the connection, so flows on different connections share nothing.
type ProxyConn struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex

	corr   *Correlator
	engine *Engine
	sink   RecordSink
	logger *slog.Logger
}

// NewProxyConn builds the per-connection state around an accepted
// proxy connection.
func NewProxyConn(conn net.Conn, sink RecordSink, cursor *PositionCursor, store Store, fetchTimeout time.Duration, logger *slog.Logger) *ProxyConn {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("proxy", conn.RemoteAddr().String())
	p := &ProxyConn{
		conn:   conn,
		reader: bufio.NewReader(conn),
		sink:   sink,
		logger: logger,
	}
	p.corr = NewCorrelator(logger)
	p.engine = NewEngine(p, p.corr, cursor, store, fetchTimeout, logger)
	return p
}

// RemoteAddr returns the proxy's address.
func (p *ProxyConn) RemoteAddr() string { return p.conn.RemoteAddr().String() }

// Send frames and writes one message. Safe for concurrent use.
func (p *ProxyConn) Send(t MessageType, payload []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return WriteFrame(p.conn, t, payload)
}

// Fetch retrieves the missing records of log up to end over this
// connection. See Engine.Fetch.
func (p *ProxyConn) Fetch(ctx context.Context, log Log, end uint64) ([]Record, error) {
	return p.engine.Fetch(ctx, log, end)
}

// Close shuts the connection down and abandons every pending fetch.
// Position cursors keep their last successfully advanced values.
func (p *ProxyConn) Close() error {
	p.corr.AbandonAll()
	return p.conn.Close()
}

// ReadLoop reads and dispatches frames until the connection fails or
// ctx is cancelled. It always abandons pending flows before returning.
func (p *ProxyConn) ReadLoop(ctx context.Context) error {
	defer p.corr.AbandonAll()

	go func() {
		<-ctx.Done()
		_ = p.conn.Close()
	}()

	for {
		frame, err := ReadFrame(p.reader)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		if err := p.dispatch(ctx, frame); err != nil {
			return fmt.Errorf("dispatch %d: %w", frame.Type, err)
		}
	}
}

// dispatch routes one inbound frame. Correlator-level protocol errors
// fail only the affected flow; an error returned from here tears the
// connection down.
func (p *ProxyConn) dispatch(ctx context.Context, frame Frame) error {
	switch frame.Type {
	case MsgAddRecord:
		rec, err := UnmarshalRecord(frame.Payload)
		if err != nil {
			return err
		}
		return p.sink.CollectRecord(ctx, rec)

	case MsgGetLogPosition:
		log, err := UnmarshalLog(frame.Payload)
		if err != nil {
			return err
		}
		pos := p.sink.LogPosition(log)
		payload, err := MarshalLogPosition(LogPositionMsg{Log: log, Position: int64(pos)})
		if err != nil {
			return err
		}
		return p.Send(MsgLogPositionResponse, payload)

	case MsgLogContentStatus:
		msg, err := UnmarshalContentStatus(frame.Payload)
		if err != nil {
			return err
		}
		if err := p.corr.OnResponse(msg.RequestID, msg.Status); err != nil {
			// Expected race with abandonment; anything else would have
			// torn down the flow already.
			p.logger.Debug("content status dropped", "request_id", msg.RequestID, "err", err)
		}
		return nil

	case MsgLogContentData:
		msg, err := UnmarshalContentData(frame.Payload)
		if err != nil {
			return err
		}
		if err := p.corr.OnData(msg.RequestID, msg.BeginRecord, msg.EndRecord, msg.Contents); err != nil {
			if errors.Is(err, ErrUnknownRequestID) {
				p.logger.Debug("content data dropped", "request_id", msg.RequestID, "err", err)
			} else {
				// Structural violation: the flow is already failed;
				// the connection stays usable for other flows.
				p.logger.Warn("content data rejected", "request_id", msg.RequestID, "err", err)
			}
		}
		return nil
	}
	return fmt.Errorf("unknown message type %d", frame.Type)
}
