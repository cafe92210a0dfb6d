// Package recorder accumulates the command transcript of one worker.
package recorder

import (
	"sync"
	"time"
)

// Record is one executed command: what ran, how it exited, and a bounded
// tail of its output. Records are append-only and never rewritten.
type Record struct {
	Cmd        string        `json:"cmd"`
	Argv       []string      `json:"argv"`
	ExitCode   int           `json:"exit_code"`
	StdoutTail string        `json:"stdout_tail,omitempty"`
	StderrTail string        `json:"stderr_tail,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	AgentID    string        `json:"agent_id,omitempty"`
}

// Recorder is the append-only command transcript for one worker.
// Sibling sub-agents append concurrently; ordering is arrival order at the
// recorder and is stable thereafter.
type Recorder struct {
	stdoutLimit int
	stderrLimit int

	mu      sync.Mutex
	records []Record
}

// New creates a Recorder with the given per-command tail limits in bytes.
// Non-positive limits disable capture for that stream.
func New(stdoutLimit, stderrLimit int) *Recorder {
	return &Recorder{
		stdoutLimit: stdoutLimit,
		stderrLimit: stderrLimit,
	}
}

// Append adds a record, truncating output tails to the configured limits.
// It is the sole mutator.
func (r *Recorder) Append(rec Record) {
	rec.StdoutTail = Tail(rec.StdoutTail, r.stdoutLimit)
	rec.StderrTail = Tail(rec.StderrTail, r.stderrLimit)

	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

// Snapshot returns a copy of all records in arrival order.
func (r *Recorder) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]Record, len(r.records))
	copy(cp, r.records)
	return cp
}

// Len returns the number of records appended so far.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Since returns a copy of the records appended at index offset and later.
// Used by the worker to build progress deltas.
func (r *Recorder) Since(offset int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(r.records) {
		return nil
	}
	cp := make([]Record, len(r.records)-offset)
	copy(cp, r.records[offset:])
	return cp
}

const truncationMark = "[...truncated]"

// Tail bounds s to at most limit bytes, keeping the end of the stream.
// Truncated values are prefixed with a marker. A non-positive limit yields "".
func Tail(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(s) <= limit {
		return s
	}
	cut := s[len(s)-limit:]
	return truncationMark + cut
}
