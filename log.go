// Package logwarden implements the collection agent side of a log
// forgery detection system. Log proxies on monitored hosts push live
// records to the agent and serve ranged content requests; the agent
// keeps rolling snapshot fingerprints, re-fetches previously delivered
// ranges, and reports to a backend whether history still matches.
package logwarden

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Log names one log stream. Identity is the name; the ID is assigned by
// the backend when the log is first registered and is only meaningful
// in backend requests.
type Log struct {
	Name string
	ID   string
}

// Record is one named, timestamped log entry. Ordering within a log is
// by record index, never by timestamp: a source with a broken clock is
// exactly what the surrounding system is built to notice.
type Record struct {
	Log       Log
	Timestamp time.Time
	Message   string
}

// FingerprintSeed returns the fingerprint of the empty window,
// H("") in hex.
func FingerprintSeed() string {
	sum := sha256.Sum256(nil)
	return hex.EncodeToString(sum[:])
}

// Fingerprint folds one record line into a cumulative fingerprint:
// h_i = H(h_{i-1} || line), with h and H output in hex.
func Fingerprint(prev, line string) string {
	sum := sha256.Sum256([]byte(prev + line))
	return hex.EncodeToString(sum[:])
}

// Snapshot accumulates the fingerprint of one window of a log's
// records. The window covers record indices [FirstLine, NextLine()).
type Snapshot struct {
	mu          sync.Mutex
	log         Log
	fingerprint string
	firstLine   uint64
	lineCount   uint64
}

// NewSnapshot creates an empty snapshot window starting at firstLine.
func NewSnapshot(log Log, firstLine uint64) *Snapshot {
	return &Snapshot{
		log:         log,
		fingerprint: FingerprintSeed(),
		firstLine:   firstLine,
	}
}

// Log returns the log this snapshot belongs to.
func (s *Snapshot) Log() Log {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log
}

// SetLogID records the backend-assigned id once registration completes.
func (s *Snapshot) SetLogID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.ID = id
}

// AddRecord folds one record into the current window.
func (s *Snapshot) AddRecord(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fingerprint = Fingerprint(s.fingerprint, rec.Message)
	s.lineCount++
}

// NextLine returns the exclusive end of the current window, which is
// also the position of the next record the agent expects for this log.
func (s *Snapshot) NextLine() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstLine + s.lineCount
}

// LineCount returns the number of records folded into the current
// window.
func (s *Snapshot) LineCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lineCount
}

// SnapshotUpload is the closed-window form sent to the backend.
// The window is half-open: [FirstLine, LastLine).
type SnapshotUpload struct {
	FirstLine   uint64 `json:"firstLine"`
	LastLine    uint64 `json:"lastLine"`
	LogID       string `json:"logId"`
	Fingerprint string `json:"fingerprint"`
}

// UploadPrep closes the current window, returns its upload form, and
// starts a fresh window at the old window's end. An empty window
// produces FirstLine == LastLine; callers skip uploading those.
func (s *Snapshot) UploadPrep() SnapshotUpload {
	s.mu.Lock()
	defer s.mu.Unlock()
	up := SnapshotUpload{
		FirstLine:   s.firstLine,
		LastLine:    s.firstLine + s.lineCount,
		LogID:       s.log.ID,
		Fingerprint: s.fingerprint,
	}
	s.firstLine += s.lineCount
	s.lineCount = 0
	s.fingerprint = FingerprintSeed()
	return up
}
