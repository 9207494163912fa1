package logwarden

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ContentFetcher retrieves the missing records of a log up to end.
// Implemented by ProxyConn.
type ContentFetcher interface {
	Fetch(ctx context.Context, log Log, end uint64) ([]Record, error)
}

// Validator re-fetches previously delivered log content from the
// proxies and checks it against the snapshot fingerprints stored at
// the backend. A mismatch means the history a proxy serves today
// differs from what it delivered when the snapshot was taken.
type Validator struct {
	backend *Backend
	logger  *slog.Logger
}

// NewValidator creates a validator bound to a backend session.
func NewValidator(backend *Backend, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{backend: backend, logger: logger}
}

// VerifyLog verifies one log against its stored snapshots, trying the
// given fetchers (one per proxy connection) in order until one serves
// the log. The verdict is posted to the backend; transient fetch
// failures return without a verdict so the next sweep retries.
// Position regressions are both reported as a negative verdict and
// escalated to the caller.
func (v *Validator) VerifyLog(ctx context.Context, log Log, fetchers []ContentFetcher) error {
	snaps, err := v.backend.SnapshotsForLog(ctx, log)
	if err != nil {
		return fmt.Errorf("verify %q: list snapshots: %w", log.Name, err)
	}
	if len(snaps) == 0 {
		// Nothing committed yet; trivially correct.
		return v.backend.ReportVerdict(ctx, log, true)
	}
	end := snaps[len(snaps)-1].LastLine

	var records []Record
	fetched := false
	for _, fetcher := range fetchers {
		records, err = fetcher.Fetch(ctx, log, end)
		switch {
		case err == nil:
			fetched = true
		case errors.Is(err, ErrLogNotFound):
			continue // next proxy may serve this log
		case errors.Is(err, ErrRegressionDetected):
			if verr := v.backend.ReportVerdict(ctx, log, false); verr != nil {
				v.logger.Error("verdict report failed", "log", log.Name, "err", verr)
			}
			return fmt.Errorf("verify %q: %w", log.Name, err)
		default:
			return fmt.Errorf("verify %q: %w", log.Name, err)
		}
		if fetched {
			break
		}
	}
	if !fetched {
		// No connected proxy serves this log: the content the
		// snapshots commit to is gone.
		if err := v.backend.ReportVerdict(ctx, log, false); err != nil {
			return fmt.Errorf("verify %q: report verdict: %w", log.Name, err)
		}
		return nil
	}

	// records cover [begin, end).
	begin := end - uint64(len(records))
	ok := true
	for _, snap := range snaps {
		if snap.FirstLine < begin {
			// Verified by an earlier sweep; the cursor has moved past it.
			continue
		}
		fp := FingerprintSeed()
		for i := snap.FirstLine; i < snap.LastLine; i++ {
			fp = Fingerprint(fp, records[i-begin].Message)
		}
		if fp != snap.Fingerprint {
			v.logger.Warn("fingerprint mismatch",
				"log", log.Name, "first_line", snap.FirstLine, "last_line", snap.LastLine)
			ok = false
			break
		}
	}
	if err := v.backend.ReportVerdict(ctx, log, ok); err != nil {
		return fmt.Errorf("verify %q: report verdict: %w", log.Name, err)
	}
	return nil
}
