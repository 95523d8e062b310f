package v1

import (
	"encoding/json"
	"time"
)

// JobState is the dispatcher queue state of a job row.
type JobState string

const (
	// JobPending: eligible to be claimed once RunAt has passed.
	JobPending JobState = "pending"
	// JobRunning: claimed by a worker.
	JobRunning JobState = "running"
	// JobCompleted: handler returned nil. Terminal.
	JobCompleted JobState = "completed"
	// JobFailed: attempts exhausted. Terminal.
	JobFailed JobState = "failed"
)

// Job is one durable unit of dispatcher work. Delivery is at-least-once;
// handlers are idempotent.
type Job struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	// DedupKey collapses duplicate enqueues: at most one pending job per
	// key exists at a time.
	DedupKey    string          `json:"dedup_key,omitempty"`
	Args        json.RawMessage `json:"args,omitempty"`
	State       JobState        `json:"state"`
	RunAt       time.Time       `json:"run_at"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
