// Package snapshot implements the opt-in debug snapshot writer the
// transport notifies at each phase of an outbound call (§4.6). It is
// deliberately a thin adapter, not the daemon/admin-UI observability
// stack named out of scope in §1: writes are fire-and-forget, mirroring
// the teacher's "go func(){ store.TouchKeyUsed(...) }()" texture in
// internal/auth/apikey.go.
package snapshot

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/routecodex/routecodex/internal/snapshotstore"
)

// Phase names the point in a provider call a snapshot was taken at.
type Phase string

const (
	PhaseProviderRequest  Phase = "provider-request"
	PhaseProviderResponse Phase = "provider-response"
	PhaseProviderError    Phase = "provider-error"
	PhaseProviderBodyDbg  Phase = "provider-body-debug"
)

// headerMaskKeys are header names whose values are truncated before a
// snapshot is written, regardless of the envelope's own masking.
var headerMaskKeys = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
	"api-key":       true,
}

// Envelope is one snapshot record: the payload plus enough provenance to
// reconstruct which request/phase/protocol it belongs to.
type Envelope struct {
	RequestID string            `json:"requestId"`
	Protocol  string            `json:"protocol"`
	Phase     Phase             `json:"phase"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
	TakenAtMS int64             `json:"takenAtMs"`
}

// MaskHeaders returns a copy of headers with every masked key's value
// truncated to its first 8 characters plus "...", or replaced by "***"
// when it is 8 characters or shorter.
func MaskHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if headerMaskKeys[normalizeHeaderKey(k)] {
			out[k] = maskValue(v)
			continue
		}
		out[k] = v
	}
	return out
}

func normalizeHeaderKey(k string) string {
	out := make([]byte, len(k))
	for i := 0; i < len(k); i++ {
		c := k[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

func maskValue(v string) string {
	if len(v) <= 8 {
		return "***"
	}
	return v[:8] + "..."
}

// Writer persists snapshot envelopes. Notify must never block the
// caller's request path.
type Writer interface {
	Notify(env Envelope)
}

// NoopWriter discards every envelope; it is the default when snapshots
// are not enabled.
type NoopWriter struct{}

// Notify implements Writer.
func (NoopWriter) Notify(Envelope) {}

// FileWriter persists one JSON file per (protocol, requestId, phase)
// under "<baseDir>/codex-samples/<protocol>/<requestId>_<phase>.json"
// (§6). Writes happen on a bounded worker goroutine so a slow disk never
// backs up the request path; a full queue drops the envelope and logs a
// warning rather than blocking.
type FileWriter struct {
	baseDir string
	queue   chan Envelope
	wg      sync.WaitGroup
	logger  *slog.Logger
	index   *snapshotstore.Index // optional; nil when no index was opened
}

// NewFileWriter starts a FileWriter rooted at baseDir (the
// "~/.routecodex" directory; snapshots live under its codex-samples
// subdirectory) with a bounded in-memory queue, draining it on a single
// background goroutine until Close is called.
func NewFileWriter(baseDir string, queueSize int, logger *slog.Logger) *FileWriter {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &FileWriter{
		baseDir: baseDir,
		queue:   make(chan Envelope, queueSize),
		logger:  logger,
	}
	if idx, err := snapshotstore.Open(filepath.Join(baseDir, "codex-samples", "index.db")); err != nil {
		logger.Warn("snapshot: index unavailable, continuing without it", "error", err)
	} else {
		w.index = idx
	}
	w.wg.Add(1)
	go w.drain()
	return w
}

// Notify enqueues env for writing. If the queue is full the envelope is
// dropped and a warning logged, never blocking the caller.
func (w *FileWriter) Notify(env Envelope) {
	if env.TakenAtMS == 0 {
		env.TakenAtMS = time.Now().UnixMilli()
	}
	env.Headers = MaskHeaders(env.Headers)
	select {
	case w.queue <- env:
	default:
		w.logger.Warn("snapshot: queue full, dropping envelope", "requestId", env.RequestID, "phase", env.Phase)
	}
}

// Close stops accepting new envelopes, waits for the drain goroutine to
// flush the queue, and closes the snapshot index if one was opened.
func (w *FileWriter) Close() {
	close(w.queue)
	w.wg.Wait()
	if w.index != nil {
		if err := w.index.Close(); err != nil {
			w.logger.Warn("snapshot: index close failed", "error", err)
		}
	}
}

func (w *FileWriter) drain() {
	defer w.wg.Done()
	for env := range w.queue {
		path, err := w.write(env)
		if err != nil {
			w.logger.Warn("snapshot: write failed", "requestId", env.RequestID, "phase", env.Phase, "error", err)
			continue
		}
		if w.index == nil {
			continue
		}
		takenAt := time.UnixMilli(env.TakenAtMS)
		if err := w.index.Record(context.Background(), env.RequestID, env.Protocol, string(env.Phase), takenAt, path); err != nil {
			w.logger.Warn("snapshot: index record failed", "requestId", env.RequestID, "phase", env.Phase, "error", err)
		}
	}
}

func (w *FileWriter) write(env Envelope) (string, error) {
	dir := filepath.Join(w.baseDir, "codex-samples", env.Protocol)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return "", err
	}
	name := env.RequestID + "_" + string(env.Phase) + ".json"
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// Lookup returns the indexed snapshot locations for requestID, or nil
// (not an error) if no index is attached to this writer.
func (w *FileWriter) Lookup(ctx context.Context, requestID string) ([]snapshotstore.Entry, error) {
	if w.index == nil {
		return nil, nil
	}
	return w.index.Lookup(ctx, requestID)
}

// Enabled reports whether snapshotting is turned on via
// ROUTECODEX_SNAPSHOTS or RCC_SNAPSHOTS (§6, §4.6).
func Enabled() bool {
	for _, key := range []string{"ROUTECODEX_SNAPSHOTS", "RCC_SNAPSHOTS"} {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		return v != "" && v != "0"
	}
	return false
}
