// Package protocol defines the wire contract between the arbor supervisor,
// its worker processes, and the sub-agents inside a worker.
//
// Every message is a Frame: a tagged envelope carrying a unique message ID,
// an optional correlation ID binding a response to its request, and a
// JSON-encoded payload. Frames travel length-prefixed over a byte stream
// (see internal/ipc); the encoding never depends on line boundaries because
// diffs and prompts carry arbitrary bytes.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame tags, supervisor <-> worker.
const (
	// TagStartWorker (S->W) carries the worktree binding and the task.
	TagStartWorker = "start_worker"
	// TagUserInputResponse (S->W) answers an earlier request_user_input.
	TagUserInputResponse = "user_input_response"
	// TagCancelWorker (S->W) requests cooperative worker shutdown.
	TagCancelWorker = "cancel_worker"
	// TagRequestUserInput (W->S) asks the human front end a question.
	TagRequestUserInput = "request_user_input"
	// TagProgress (W->S) carries incremental command-record deltas.
	TagProgress = "progress"
	// TagWorkerResult (W->S) is the single final result of a worker.
	TagWorkerResult = "worker_result"
)

// Frame tags, worker <-> sub-agent.
const (
	// TagSpawnAgent requests a typed sub-agent.
	TagSpawnAgent = "spawn_agent"
	// TagAgentResult reports a sub-agent's terminal state.
	TagAgentResult = "agent_result"
)

// AgentType is the closed set of sub-agent kinds.
type AgentType string

const (
	AgentExplore AgentType = "explore" // read-only exploration
	AgentReview  AgentType = "review"  // read-only review
	AgentEditor  AgentType = "editor"  // write-capable editing
)

// ReadOnly reports whether agents of this type may run in parallel with
// other readers. Editors require exclusive access to the worktree.
func (t AgentType) ReadOnly() bool {
	return t == AgentExplore || t == AgentReview
}

// Valid reports whether t is one of the three known agent kinds.
func (t AgentType) Valid() bool {
	switch t {
	case AgentExplore, AgentReview, AgentEditor:
		return true
	}
	return false
}

// Status values shared by workers and sub-agents.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Worker process exit codes.
const (
	ExitCompleted = 0
	ExitFailed    = 1
	ExitCancelled = 2
	ExitProtocol  = 3
)

// Frame is the envelope for every message on the channel.
type Frame struct {
	MessageID     string          `json:"message_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Tag           string          `json:"tag"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// StartWorker binds a worker to a worktree and hands it its task.
type StartWorker struct {
	WorktreePath string `json:"worktree_path"`
	BaselineRef  string `json:"baseline_ref"`
	Task         string `json:"task"`
}

// RequestUserInput asks the supervisor's front end a question. Exactly one
// UserInputResponse with the same RequestID answers it.
type RequestUserInput struct {
	RequestID   string   `json:"request_id"`
	Prompt      string   `json:"prompt"`
	Constraints []string `json:"constraints,omitempty"`
}

// UserInputResponse carries the front end's answer back to the asking worker.
type UserInputResponse struct {
	RequestID string `json:"request_id"`
	Response  string `json:"response"`
}

// CancelWorker requests cooperative shutdown. No payload fields.
type CancelWorker struct{}

// CommandRecord is the wire form of one executed command.
type CommandRecord struct {
	Cmd        string   `json:"cmd"`
	Argv       []string `json:"argv"`
	ExitCode   int      `json:"exit_code"`
	StdoutTail string   `json:"stdout_tail,omitempty"`
	StderrTail string   `json:"stderr_tail,omitempty"`
	DurationMS int64    `json:"duration_ms"`
	AgentID    string   `json:"agent_id,omitempty"`
}

// WarningWriterDeadline marks a write-capable sub-agent holding exclusion
// past the configured soft deadline. A warning only, never a preemption.
const WarningWriterDeadline = "writer_deadline_exceeded"

// Warning is a structured, machine-readable notice attached to a progress
// frame, so the supervisor can surface it as a typed event rather than
// parsing free-form notes.
type Warning struct {
	Kind    string `json:"kind"`
	AgentID string `json:"agent_id,omitempty"`
	HeldMS  int64  `json:"held_ms,omitempty"`
}

// Progress carries command records appended since the previous progress
// frame (deltas, not cumulative lists), an optional free-form note, and an
// optional structured warning.
type Progress struct {
	CommandsDelta []CommandRecord `json:"commands_delta,omitempty"`
	Note          string          `json:"note,omitempty"`
	Warning       *Warning        `json:"warning,omitempty"`
}

// WorkerResult is the single structured result of a worker run.
type WorkerResult struct {
	Summary  string          `json:"summary"`
	Diff     string          `json:"diff"`
	Commands []CommandRecord `json:"commands"`
	Status   string          `json:"status"`
	Error    string          `json:"error,omitempty"`
}

// SpawnAgent requests a typed sub-agent inside a worker.
type SpawnAgent struct {
	AgentID   string    `json:"agent_id"`
	AgentType AgentType `json:"agent_type"`
	Message   string    `json:"message"`
}

// AgentResult reports a sub-agent's terminal state to its worker.
type AgentResult struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewFrame builds a Frame with the given IDs and a marshaled payload.
func NewFrame(messageID, correlationID, tag string, payload any) (Frame, error) {
	f := Frame{MessageID: messageID, CorrelationID: correlationID, Tag: tag}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("protocol: marshal %s payload: %w", tag, err)
		}
		f.Payload = data
	}
	return f, nil
}

// DecodePayload unmarshals a frame's payload into the target struct.
func DecodePayload[T any](f Frame) (*T, error) {
	var v T
	if len(f.Payload) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(f.Payload, &v); err != nil {
		return nil, fmt.Errorf("protocol: decode %s payload: %w", f.Tag, err)
	}
	return &v, nil
}

// DurationMS converts a duration to the whole-millisecond wire form.
func DurationMS(d time.Duration) int64 {
	return d.Milliseconds()
}
