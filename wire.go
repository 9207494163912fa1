package logwarden

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// MessageType identifies the payload carried by one frame.
type MessageType byte

// Agent <-> proxy message types. The values are part of the wire
// contract and must not be renumbered.
const (
	MsgAddRecord           MessageType = 1
	MsgGetLogPosition      MessageType = 2
	MsgLogPositionResponse MessageType = 3
	MsgGetLogContent       MessageType = 4
	MsgLogContentStatus    MessageType = 5
	MsgLogContentData      MessageType = 6
)

// Status is the proxy's verdict on a content request.
type Status int32

// Status codes. 0 and 1 and -1 are the original proxy codes; the
// remaining negative codes extend the failure taxonomy.
const (
	StatusFoundBeginSend   Status = 0
	StatusEndSend          Status = 1
	StatusNotFound         Status = -1
	StatusRangeUnavailable Status = -2
	StatusProxyBusy        Status = -3
)

// Err maps a failure status to its sentinel error. Non-failure
// statuses map to nil.
func (s Status) Err() error {
	switch s {
	case StatusNotFound:
		return ErrLogNotFound
	case StatusRangeUnavailable:
		return ErrRangeUnavailable
	case StatusProxyBusy:
		return ErrProxyBusy
	}
	return nil
}

// Frame layout: 1 byte message type, 4 bytes big-endian payload
// length, then the protobuf-encoded payload.
const frameHeaderSize = 5

// maxFramePayload bounds a single frame. A proxy chunking a large
// range sends multiple data messages instead of one huge frame.
const maxFramePayload = 16 << 20

// Frame is one length-delimited message read off a connection.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// WriteFrame writes one framed message to w.
func WriteFrame(w io.Writer, t MessageType, payload []byte) error {
	if len(payload) > maxFramePayload {
		return fmt.Errorf("frame payload %d exceeds limit %d", len(payload), maxFramePayload)
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint32(buf[1:frameHeaderSize], uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one framed message from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(hdr[1:])
	if length > maxFramePayload {
		return Frame{}, fmt.Errorf("frame payload %d exceeds limit %d", length, maxFramePayload)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}
	return Frame{Type: MessageType(hdr[0]), Payload: payload}, nil
}

// The payload messages below are encoded field by field with protowire
// so the framing layer owns the field ordinals directly. Field numbers
// are the compatibility contract:
//
//	Log                1:name
//	Record             1:log 2:timestamp 3:message
//	LogPosition        1:log 2:position
//	LogContentRequest  1:log 2:request_id 3:begin_record 4:end_record
//	LogContentResponse 1:request_id 2:status
//	LogContentData     1:request_id 2:begin_record 3:end_record 4:contents
//
// Unknown fields are skipped on decode.

// LogPositionMsg reports the agent's accepted position for a log.
// Position is widened to int64 on this side; the original schema's
// signed 32-bit width is treated as a migration defect.
type LogPositionMsg struct {
	Log      Log
	Position int64
}

// ContentRequestMsg asks a proxy for records [BeginRecord, EndRecord)
// of a log.
type ContentRequestMsg struct {
	Log         Log
	RequestID   uint32
	BeginRecord uint64
	EndRecord   uint64
}

// ContentStatusMsg acknowledges a content request. It carries no
// record data.
type ContentStatusMsg struct {
	RequestID uint32
	Status    Status
}

// ContentDataMsg delivers one chunk of a requested range. The chunks
// for one request partition the requested range in order.
type ContentDataMsg struct {
	RequestID   uint32
	BeginRecord uint64
	EndRecord   uint64
	Contents    []string
}

func appendSubmessage(b []byte, num protowire.Number, sub []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

// MarshalLog encodes a Log payload.
func MarshalLog(l Log) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, l.Name)
	return b
}

// UnmarshalLog decodes a Log payload.
func UnmarshalLog(b []byte) (Log, error) {
	var l Log
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Log{}, protowire.ParseError(n)
		}
		b = b[n:]
		if num == 1 && typ == protowire.BytesType {
			name, n := protowire.ConsumeString(b)
			if n < 0 {
				return Log{}, protowire.ParseError(n)
			}
			l.Name = name
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return Log{}, protowire.ParseError(n)
		}
		b = b[n:]
	}
	if l.Name == "" {
		return Log{}, fmt.Errorf("log message without a name")
	}
	return l, nil
}

// MarshalRecord encodes a Record payload. The timestamp is an embedded
// google.protobuf.Timestamp.
func MarshalRecord(r Record) ([]byte, error) {
	ts, err := proto.Marshal(timestamppb.New(r.Timestamp))
	if err != nil {
		return nil, fmt.Errorf("marshal timestamp: %w", err)
	}
	var b []byte
	b = appendSubmessage(b, 1, MarshalLog(r.Log))
	b = appendSubmessage(b, 2, ts)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, r.Message)
	return b, nil
}

// UnmarshalRecord decodes a Record payload.
func UnmarshalRecord(b []byte) (Record, error) {
	var r Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Record{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			sub, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			l, err := UnmarshalLog(sub)
			if err != nil {
				return Record{}, fmt.Errorf("record log: %w", err)
			}
			r.Log = l
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			sub, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			var ts timestamppb.Timestamp
			if err := proto.Unmarshal(sub, &ts); err != nil {
				return Record{}, fmt.Errorf("record timestamp: %w", err)
			}
			r.Timestamp = ts.AsTime()
			b = b[n:]
		case num == 3 && typ == protowire.BytesType:
			msg, n := protowire.ConsumeString(b)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			r.Message = msg
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if r.Log.Name == "" {
		return Record{}, fmt.Errorf("record without a log")
	}
	return r, nil
}

// MarshalLogPosition encodes a LogPosition payload.
func MarshalLogPosition(m LogPositionMsg) ([]byte, error) {
	if m.Position < 0 {
		return nil, fmt.Errorf("negative log position %d", m.Position)
	}
	var b []byte
	b = appendSubmessage(b, 1, MarshalLog(m.Log))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Position))
	return b, nil
}

// UnmarshalLogPosition decodes a LogPosition payload. Negative
// positions are rejected.
func UnmarshalLogPosition(b []byte) (LogPositionMsg, error) {
	var m LogPositionMsg
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return LogPositionMsg{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			sub, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return LogPositionMsg{}, protowire.ParseError(n)
			}
			l, err := UnmarshalLog(sub)
			if err != nil {
				return LogPositionMsg{}, fmt.Errorf("log position log: %w", err)
			}
			m.Log = l
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return LogPositionMsg{}, protowire.ParseError(n)
			}
			m.Position = int64(v)
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return LogPositionMsg{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if m.Log.Name == "" {
		return LogPositionMsg{}, fmt.Errorf("log position without a log")
	}
	if m.Position < 0 {
		return LogPositionMsg{}, fmt.Errorf("negative log position %d", m.Position)
	}
	return m, nil
}

// MarshalContentRequest encodes a LogContentRequest payload.
func MarshalContentRequest(m ContentRequestMsg) ([]byte, error) {
	if m.BeginRecord > m.EndRecord {
		return nil, fmt.Errorf("begin record %d greater than end record %d", m.BeginRecord, m.EndRecord)
	}
	var b []byte
	b = appendSubmessage(b, 1, MarshalLog(m.Log))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.RequestID))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, m.BeginRecord)
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, m.EndRecord)
	return b, nil
}

// UnmarshalContentRequest decodes a LogContentRequest payload.
func UnmarshalContentRequest(b []byte) (ContentRequestMsg, error) {
	var m ContentRequestMsg
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ContentRequestMsg{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			sub, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ContentRequestMsg{}, protowire.ParseError(n)
			}
			l, err := UnmarshalLog(sub)
			if err != nil {
				return ContentRequestMsg{}, fmt.Errorf("content request log: %w", err)
			}
			m.Log = l
			b = b[n:]
		case num >= 2 && num <= 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ContentRequestMsg{}, protowire.ParseError(n)
			}
			switch num {
			case 2:
				m.RequestID = uint32(v)
			case 3:
				m.BeginRecord = v
			case 4:
				m.EndRecord = v
			}
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ContentRequestMsg{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if m.Log.Name == "" {
		return ContentRequestMsg{}, fmt.Errorf("content request without a log")
	}
	if m.BeginRecord > m.EndRecord {
		return ContentRequestMsg{}, fmt.Errorf("begin record %d greater than end record %d", m.BeginRecord, m.EndRecord)
	}
	return m, nil
}

// MarshalContentStatus encodes a LogContentResponse payload.
func MarshalContentStatus(m ContentStatusMsg) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.RequestID))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(m.Status)))
	return b
}

// UnmarshalContentStatus decodes a LogContentResponse payload.
func UnmarshalContentStatus(b []byte) (ContentStatusMsg, error) {
	var m ContentStatusMsg
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ContentStatusMsg{}, protowire.ParseError(n)
		}
		b = b[n:]
		if typ == protowire.VarintType && (num == 1 || num == 2) {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ContentStatusMsg{}, protowire.ParseError(n)
			}
			if num == 1 {
				m.RequestID = uint32(v)
			} else {
				m.Status = Status(int32(v))
			}
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return ContentStatusMsg{}, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return m, nil
}

// MarshalContentData encodes a LogContentData payload.
func MarshalContentData(m ContentDataMsg) ([]byte, error) {
	if m.BeginRecord > m.EndRecord {
		return nil, fmt.Errorf("begin record %d greater than end record %d", m.BeginRecord, m.EndRecord)
	}
	if uint64(len(m.Contents)) != m.EndRecord-m.BeginRecord {
		return nil, fmt.Errorf("content count %d does not match range [%d, %d)", len(m.Contents), m.BeginRecord, m.EndRecord)
	}
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.RequestID))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, m.BeginRecord)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, m.EndRecord)
	for _, s := range m.Contents {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	return b, nil
}

// UnmarshalContentData decodes a LogContentData payload. The content
// count must match the half-open range exactly.
func UnmarshalContentData(b []byte) (ContentDataMsg, error) {
	var m ContentDataMsg
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ContentDataMsg{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num >= 1 && num <= 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ContentDataMsg{}, protowire.ParseError(n)
			}
			switch num {
			case 1:
				m.RequestID = uint32(v)
			case 2:
				m.BeginRecord = v
			case 3:
				m.EndRecord = v
			}
			b = b[n:]
		case num == 4 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return ContentDataMsg{}, protowire.ParseError(n)
			}
			m.Contents = append(m.Contents, s)
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ContentDataMsg{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if m.BeginRecord > m.EndRecord {
		return ContentDataMsg{}, fmt.Errorf("begin record %d greater than end record %d", m.BeginRecord, m.EndRecord)
	}
	if uint64(len(m.Contents)) != m.EndRecord-m.BeginRecord {
		return ContentDataMsg{}, fmt.Errorf("content count %d does not match range [%d, %d)", len(m.Contents), m.BeginRecord, m.EndRecord)
	}
	return m, nil
}
