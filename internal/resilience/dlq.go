package resilience

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-intake/internal/model"
)

// DLQEntry represents a failed incoming record that can be replayed later.
// Rejected records (structurally invalid) never enter the queue; only
// records that failed on store or CRM errors do.
type DLQEntry struct {
	ID           string               `json:"id"`
	Record       model.IncomingRecord `json:"record"`
	Error        string               `json:"error"`
	ErrorType    string               `json:"error_type"` // "transient" or "permanent"
	RetryCount   int                  `json:"retry_count"`
	MaxRetries   int                  `json:"max_retries"`
	NextRetryAt  time.Time            `json:"next_retry_at"`
	CreatedAt    time.Time            `json:"created_at"`
	LastFailedAt time.Time            `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	Limit     int    `json:"limit,omitempty"`
}

// DefaultDLQMaxRetries is the replay budget given to transient failures.
const DefaultDLQMaxRetries = 3

// dlqRetryDelay spaces out replays of the same transient failure.
const dlqRetryDelay = 5 * time.Minute

// DeadLetterSink receives records whose processing failed, so the batch
// can keep moving while the failures wait for replay.
type DeadLetterSink interface {
	Enqueue(ctx context.Context, entry DLQEntry) error
}

// NewDLQEntry builds a queue entry for one failed record. Transient
// failures keep a replay budget; permanent ones get none, so replay
// skips them until an operator edits or drops the entry.
func NewDLQEntry(rec model.IncomingRecord, cause error, now time.Time) DLQEntry {
	entry := DLQEntry{
		ID:           uuid.NewString(),
		Record:       rec,
		Error:        cause.Error(),
		ErrorType:    ClassifyError(cause),
		CreatedAt:    now,
		LastFailedAt: now,
	}
	if entry.ErrorType == "transient" {
		entry.MaxRetries = DefaultDLQMaxRetries
		entry.NextRetryAt = now.Add(dlqRetryDelay)
	}
	return entry
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// MarkFailed records one spent replay attempt.
func (e *DLQEntry) MarkFailed(cause error, now time.Time) {
	e.RetryCount++
	e.Error = cause.Error()
	e.LastFailedAt = now
	e.NextRetryAt = now.Add(dlqRetryDelay)
}

// Matches reports whether the entry passes the filter's type criterion.
func (f DLQFilter) Matches(e DLQEntry) bool {
	return f.ErrorType == "" || f.ErrorType == e.ErrorType
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}

// FileDLQ appends entries to a JSONL file. Safe for concurrent use by
// the engine's workers.
type FileDLQ struct {
	mu sync.Mutex
	f  *os.File
}

// OpenFileDLQ opens (or creates) the dead letter file for appending.
func OpenFileDLQ(path string) (*FileDLQ, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, eris.Wrap(err, "resilience: open dead letter file")
	}
	return &FileDLQ{f: f}, nil
}

// Enqueue appends one entry as a JSON line.
func (q *FileDLQ) Enqueue(_ context.Context, entry DLQEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return eris.Wrap(err, "resilience: marshal dead letter entry")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.f.Write(append(data, '\n')); err != nil {
		return eris.Wrap(err, "resilience: append dead letter entry")
	}
	return nil
}

// Close flushes and closes the underlying file.
func (q *FileDLQ) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.f.Close()
}

// ReadDLQ loads entries from a dead letter file, newest last, applying
// the filter. A missing file is an empty queue, not an error.
func ReadDLQ(path string, filter DLQFilter) ([]DLQEntry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "resilience: open dead letter file")
	}
	defer f.Close() //nolint:errcheck

	var out []DLQEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var entry DLQEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, eris.Wrapf(err, "resilience: parse dead letter entry at line %d", line)
		}
		if !filter.Matches(entry) {
			continue
		}
		out = append(out, entry)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrap(err, "resilience: read dead letter file")
	}
	return out, nil
}

// WriteDLQ replaces the dead letter file with the given entries. Replay
// uses it to drop succeeded entries while keeping the rest.
func WriteDLQ(path string, entries []DLQEntry) error {
	var buf bytes.Buffer
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return eris.Wrap(err, "resilience: marshal dead letter entry")
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return eris.Wrap(err, "resilience: rewrite dead letter file")
	}
	return nil
}
