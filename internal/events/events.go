// Package events defines the lifecycle events published by the supervisor
// and consumed by the monitor webserver.
package events

import "time"

// WorkerStartedMsg signals that a worker process has been launched.
type WorkerStartedMsg struct {
	WorkerID     string
	WorktreePath string
	BaselineRef  string
	Task         string
	StartedAt    time.Time
}

// WorkerProgressMsg carries a progress note and the running command count.
type WorkerProgressMsg struct {
	WorkerID string
	Note     string
	Commands int
}

// WorkerFinishedMsg signals a worker's terminal state.
type WorkerFinishedMsg struct {
	WorkerID string
	Status   string
	Summary  string
	ExitCode int
	Duration time.Duration
}

// UserInputRequestedMsg signals that a worker is blocked on the front end.
type UserInputRequestedMsg struct {
	WorkerID  string
	RequestID string
	Prompt    string
}

// UserInputAnsweredMsg signals that a pending request was answered.
type UserInputAnsweredMsg struct {
	WorkerID  string
	RequestID string
}

// WriterDeadlineExceededMsg is the warning for a writer sub-agent holding
// exclusion past the configured deadline. Never a preemption.
type WriterDeadlineExceededMsg struct {
	WorkerID string
	AgentID  string
	Held     time.Duration
}
