package logwarden

import "errors"

// ErrExhaustedIdentifierSpace is returned by Allocate when every
// request id is pending on the connection.
var ErrExhaustedIdentifierSpace = errors.New("request identifier space exhausted")

// ErrDuplicateRequestID is returned when registering an id that is
// already pending.
var ErrDuplicateRequestID = errors.New("duplicate request id")

// ErrUnknownRequestID is returned when a response or data message
// names no pending request. This is an expected race when the request
// was just abandoned; any other occurrence is a protocol violation by
// the proxy.
var ErrUnknownRequestID = errors.New("unknown request id")

// ErrOutOfOrderData is returned when a data chunk does not start at
// the high-water mark of previously received chunks.
var ErrOutOfOrderData = errors.New("out of order content data")

// ErrRangeOverrun is returned when a data chunk extends past the
// requested end record.
var ErrRangeOverrun = errors.New("content data overruns requested range")

// ErrLogNotFound is reported by a proxy that does not serve the
// requested log.
var ErrLogNotFound = errors.New("log not found on proxy")

// ErrRangeUnavailable is reported by a proxy that no longer holds the
// requested record range.
var ErrRangeUnavailable = errors.New("record range unavailable on proxy")

// ErrProxyBusy is reported by a proxy refusing the request under load.
var ErrProxyBusy = errors.New("proxy busy")

// ErrIncompleteDelivery is returned when the deadline expires before
// all requested records arrive. Partial data is discarded; a gap in a
// forgery-relevant range must never be surfaced as a short result.
var ErrIncompleteDelivery = errors.New("incomplete content delivery")

// ErrRegressionDetected is returned when a position would move
// backwards. A proxy re-serving a truncated history looks exactly like
// this, so it is escalated, never clamped.
var ErrRegressionDetected = errors.New("log position regression detected")
