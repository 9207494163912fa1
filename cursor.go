package logwarden

import (
	"fmt"
	"sync"
)

// PositionCursor tracks, per log, the last record index the agent has
// durably accepted. Positions only move forward; a backwards move is
// evidence of a re-served, truncated history and is surfaced as
// ErrRegressionDetected rather than clamped.
//
// Cursors are process-wide state. With an optional Store attached,
// positions survive restarts.
type PositionCursor struct {
	mu        sync.Mutex
	positions map[string]uint64
	store     Store
}

// NewPositionCursor creates an empty cursor table.
func NewPositionCursor() *PositionCursor {
	return &PositionCursor{positions: make(map[string]uint64)}
}

// NewPersistentCursor creates a cursor table backed by store, seeded
// with the positions persisted there.
func NewPersistentCursor(store Store) (*PositionCursor, error) {
	positions, err := store.Positions()
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	return &PositionCursor{positions: positions, store: store}, nil
}

// Position returns the last accepted index for log. A log never seen
// before starts at zero.
func (pc *PositionCursor) Position(log Log) uint64 {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.positions[log.Name]
}

// Advance moves the cursor for log to position. The read-compare-store
// is a single atomic step. Advancing to the current position is a
// no-op; moving backwards fails with ErrRegressionDetected.
func (pc *PositionCursor) Advance(log Log, position uint64) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	current := pc.positions[log.Name]
	if position < current {
		return fmt.Errorf("advance %q from %d to %d: %w", log.Name, current, position, ErrRegressionDetected)
	}
	if position == current {
		return nil
	}
	if pc.store != nil {
		if err := pc.store.SavePosition(log, position); err != nil {
			return fmt.Errorf("persist position for %q: %w", log.Name, err)
		}
	}
	pc.positions[log.Name] = position
	return nil
}
