package logwarden

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Collector accumulates live records pushed by proxies into per-log
// snapshot windows and uploads closed windows to the backend.
type Collector struct {
	mu        sync.Mutex
	snapshots map[string]*Snapshot
	backend   *Backend
	logger    *slog.Logger
}

// NewCollector creates a collector seeded with the logs the backend
// already knows about, so windows resume at the right position after a
// restart.
func NewCollector(ctx context.Context, backend *Backend, logger *slog.Logger) (*Collector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		snapshots: make(map[string]*Snapshot),
		backend:   backend,
		logger:    logger,
	}
	seeds, err := backend.LogsForAgent(ctx)
	if err != nil {
		return nil, fmt.Errorf("seed collector: %w", err)
	}
	for _, seed := range seeds {
		c.snapshots[seed.Log.Name] = NewSnapshot(seed.Log, seed.Records)
	}
	return c, nil
}

// CollectRecord folds one pushed record into its log's current window,
// registering the log with the backend on first sight.
func (c *Collector) CollectRecord(ctx context.Context, rec Record) error {
	c.mu.Lock()
	snap, ok := c.snapshots[rec.Log.Name]
	c.mu.Unlock()
	if !ok {
		log, err := c.backend.RegisterLog(ctx, rec.Log.Name)
		if err != nil {
			return fmt.Errorf("register log %q: %w", rec.Log.Name, err)
		}
		c.mu.Lock()
		// Another record for the same log may have raced us here.
		if existing, ok := c.snapshots[log.Name]; ok {
			snap = existing
		} else {
			snap = NewSnapshot(log, 0)
			c.snapshots[log.Name] = snap
		}
		c.mu.Unlock()
	}
	snap.AddRecord(rec)
	return nil
}

// LogPosition returns the next record index expected for log; zero for
// a log never seen.
func (c *Collector) LogPosition(log Log) uint64 {
	c.mu.Lock()
	snap, ok := c.snapshots[log.Name]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	return snap.NextLine()
}

// Logs returns the logs currently tracked.
func (c *Collector) Logs() []Log {
	c.mu.Lock()
	defer c.mu.Unlock()
	logs := make([]Log, 0, len(c.snapshots))
	for _, snap := range c.snapshots {
		logs = append(logs, snap.Log())
	}
	return logs
}

// RecordCount returns the number of records buffered in open windows
// across all logs.
func (c *Collector) RecordCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total uint64
	for _, snap := range c.snapshots {
		total += snap.LineCount()
	}
	return total
}

// Upload closes every non-empty window and sends it to the backend.
// A failed upload for one log does not block the others.
func (c *Collector) Upload(ctx context.Context) error {
	c.mu.Lock()
	snaps := make([]*Snapshot, 0, len(c.snapshots))
	for _, snap := range c.snapshots {
		snaps = append(snaps, snap)
	}
	c.mu.Unlock()

	var firstErr error
	for _, snap := range snaps {
		if snap.LineCount() == 0 {
			continue
		}
		up := snap.UploadPrep()
		if err := c.backend.UploadSnapshot(ctx, up); err != nil {
			c.logger.Error("snapshot upload failed", "log_id", up.LogID, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
