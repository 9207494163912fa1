package logwarden

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Backend is the authenticated session with the backend service. The
// backend plays the trusted-server role: it stores snapshot
// fingerprints out of the proxies' reach and receives the agent's
// verification verdicts.
type Backend struct {
	BaseURL string       // e.g. "https://backend.example.com/api/"
	Token   string       // bearer token
	Client  *http.Client // customizable timeouts, TLS, etc.
}

// NewBackend creates a backend session with a default HTTP client.
func NewBackend(baseURL, token string) *Backend {
	return &Backend{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// apiEnvelope is the backend's uniform response wrapper.
type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
}

// LogSeed describes a log the backend already tracks for this agent.
// Records is the count of records covered by uploaded snapshots, i.e.
// where the next window starts.
type LogSeed struct {
	Log     Log
	Records uint64
}

// SnapshotInfo is a stored snapshot window as returned by the backend.
// Windows are half-open: [FirstLine, LastLine).
type SnapshotInfo struct {
	FirstLine   uint64 `json:"firstLine"`
	LastLine    uint64 `json:"lastLine"`
	Fingerprint string `json:"fingerprint"`
}

// AgentConfig is the backend-controlled part of the agent's runtime
// configuration.
type AgentConfig struct {
	SnapshotInterval int    `json:"snapshotInterval"` // seconds; 0 disables interval uploads
	MaxRecordCount   uint64 `json:"maxRecordCount"`   // flush threshold; 0 disables
}

func (b *Backend) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.BaseURL+endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+b.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := b.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", method, endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: server returned %d: %s", method, endpoint, resp.StatusCode, raw)
	}
	var envelope apiEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("%s %s: decode envelope: %w", method, endpoint, err)
	}
	if !envelope.Success {
		return fmt.Errorf("%s %s: backend error: %s", method, endpoint, envelope.Message)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("%s %s: decode data: %w", method, endpoint, err)
		}
	}
	return nil
}

// RegisterLog creates (or fetches) the backend entry for a log name
// and returns the log with its backend-assigned id.
func (b *Backend) RegisterLog(ctx context.Context, name string) (Log, error) {
	var data struct {
		ID string `json:"id"`
	}
	if err := b.do(ctx, http.MethodPost, "log", map[string]string{"name": name}, &data); err != nil {
		return Log{}, err
	}
	return Log{Name: name, ID: data.ID}, nil
}

// UploadSnapshot sends one closed snapshot window. Empty windows are
// not sent.
func (b *Backend) UploadSnapshot(ctx context.Context, up SnapshotUpload) error {
	if up.FirstLine == up.LastLine {
		return nil
	}
	return b.do(ctx, http.MethodPost, "snapshot", up, nil)
}

// ReportVerdict posts the verification outcome for a log.
func (b *Backend) ReportVerdict(ctx context.Context, log Log, correct bool) error {
	endpoint := "log/" + log.ID + "/verification"
	return b.do(ctx, http.MethodPost, endpoint, map[string]bool{"isCorrect": correct}, nil)
}

// LogsForAgent returns the logs the backend tracks for this agent.
func (b *Backend) LogsForAgent(ctx context.Context) ([]LogSeed, error) {
	var data []struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Records uint64 `json:"records"`
	}
	if err := b.do(ctx, http.MethodGet, "log/for_agent", nil, &data); err != nil {
		return nil, err
	}
	seeds := make([]LogSeed, len(data))
	for i, d := range data {
		seeds[i] = LogSeed{Log: Log{Name: d.Name, ID: d.ID}, Records: d.Records}
	}
	return seeds, nil
}

// SnapshotsForLog returns the stored snapshot windows of a log in
// ascending order.
func (b *Backend) SnapshotsForLog(ctx context.Context, log Log) ([]SnapshotInfo, error) {
	var data []SnapshotInfo
	if err := b.do(ctx, http.MethodGet, "snapshot/agent_for_log/"+log.ID, nil, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// Config fetches the backend-controlled agent configuration.
func (b *Backend) Config(ctx context.Context) (AgentConfig, error) {
	var cfg AgentConfig
	if err := b.do(ctx, http.MethodGet, "agent/config", nil, &cfg); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}
