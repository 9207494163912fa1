package logwarden

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Agent is the assembled collection agent: it accepts proxy
// connections, collects live records into snapshot windows, and
// periodically re-verifies delivered history against the backend.
type Agent struct {
	cfg    Config
	logger *slog.Logger

	backend   *Backend
	collector *Collector
	cursor    *PositionCursor
	store     Store
	validator *Validator

	mu    sync.Mutex
	conns []*ProxyConn

	// backend-controlled knobs, refreshed by the maintenance loop
	knobsMu sync.Mutex
	knobs   AgentConfig
}

// NewAgent wires up an agent from configuration. When cfg.StatePath is
// set, records and cursor positions are persisted to SQLite there.
func NewAgent(ctx context.Context, cfg Config, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	backend := NewBackend(cfg.BackendEndpoint, cfg.Token)
	collector, err := NewCollector(ctx, backend, logger)
	if err != nil {
		return nil, err
	}

	var store Store
	var cursor *PositionCursor
	if cfg.StatePath != "" {
		store, err = OpenSQLiteStore(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("open state store: %w", err)
		}
		cursor, err = NewPersistentCursor(store)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	} else {
		cursor = NewPositionCursor()
	}

	return &Agent{
		cfg:       cfg,
		logger:    logger,
		backend:   backend,
		collector: collector,
		cursor:    cursor,
		store:     store,
		validator: NewValidator(backend, logger),
	}, nil
}

// Run serves until ctx is cancelled or a loop fails. All pending
// fetches are abandoned on the way out; cursors keep their last
// successfully advanced values.
func (a *Agent) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.listenAndAccept(ctx, g) })
	g.Go(func() error { return a.maintenanceLoop(ctx) })
	g.Go(func() error { return a.verifyLoop(ctx) })

	err := g.Wait()
	a.closeConns()
	if a.store != nil {
		_ = a.store.Close()
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *Agent) addConn(conn *ProxyConn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conns = append(a.conns, conn)
}

func (a *Agent) removeConn(conn *ProxyConn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, c := range a.conns {
		if c == conn {
			a.conns = append(a.conns[:i], a.conns[i+1:]...)
			return
		}
	}
}

// Conns returns the currently connected proxies.
func (a *Agent) Conns() []*ProxyConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*ProxyConn, len(a.conns))
	copy(out, a.conns)
	return out
}

func (a *Agent) closeConns() {
	for _, conn := range a.Conns() {
		_ = conn.Close()
	}
}

// maintenanceLoop refreshes the backend-controlled configuration and
// flushes snapshot windows, either on the backend's interval or when
// the buffered record count exceeds the configured maximum.
func (a *Agent) maintenanceLoop(ctx context.Context) error {
	uploadTicker := time.NewTicker(a.uploadInterval())
	defer uploadTicker.Stop()
	stateTicker := time.NewTicker(a.cfg.StateControlInterval)
	defer stateTicker.Stop()

	a.syncState(ctx, uploadTicker)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stateTicker.C:
			a.syncState(ctx, uploadTicker)
		case <-uploadTicker.C:
			if err := a.collector.Upload(ctx); err != nil {
				a.logger.Error("snapshot upload sweep failed", "err", err)
			}
		}
	}
}

func (a *Agent) uploadInterval() time.Duration {
	a.knobsMu.Lock()
	defer a.knobsMu.Unlock()
	if a.knobs.SnapshotInterval > 0 {
		return time.Duration(a.knobs.SnapshotInterval) * time.Second
	}
	return a.cfg.SnapshotInterval
}

func (a *Agent) syncState(ctx context.Context, uploadTicker *time.Ticker) {
	knobs, err := a.backend.Config(ctx)
	if err != nil {
		a.logger.Error("config sync failed", "err", err)
	} else {
		a.knobsMu.Lock()
		changed := knobs.SnapshotInterval != a.knobs.SnapshotInterval
		a.knobs = knobs
		a.knobsMu.Unlock()
		if changed {
			uploadTicker.Reset(a.uploadInterval())
			a.logger.Info("snapshot interval updated", "seconds", knobs.SnapshotInterval)
		}
	}

	a.knobsMu.Lock()
	maxRecords := a.knobs.MaxRecordCount
	a.knobsMu.Unlock()
	if maxRecords > 0 && a.collector.RecordCount() > maxRecords {
		if err := a.collector.Upload(ctx); err != nil {
			a.logger.Error("threshold upload failed", "err", err)
		}
	}
}

// verifyLoop runs the verification sweep on its interval.
func (a *Agent) verifyLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.LogsControlInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.verifySweep(ctx)
		}
	}
}

func (a *Agent) verifySweep(ctx context.Context) {
	conns := a.Conns()
	if len(conns) == 0 {
		return
	}
	fetchers := make([]ContentFetcher, len(conns))
	for i, c := range conns {
		fetchers[i] = c
	}
	for _, log := range a.collector.Logs() {
		if err := a.validator.VerifyLog(ctx, log, fetchers); err != nil {
			a.logger.Error("log verification failed", "log", log.Name, "err", err)
		}
	}
}
