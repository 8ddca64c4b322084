package job

import (
	"encoding/json"
	"regexp"
	"time"
)

// Type identifies which pipeline a job runs through.
type Type string

const (
	TypeMediaTransform     Type = "media_transform"
	TypeIdentityGeneration Type = "identity_generation"
	TypeTraining           Type = "training"
)

// Types lists all known job types, used for queue partition declarations.
func Types() []Type {
	return []Type{TypeMediaTransform, TypeIdentityGeneration, TypeTraining}
}

// ParseType validates a job type string
func ParseType(s string) (Type, bool) {
	t := Type(s)
	switch t {
	case TypeMediaTransform, TypeIdentityGeneration, TypeTraining:
		return t, true
	}
	return "", false
}

// Status is the lifecycle state of a job. Transitions are forward-only;
// completed and failed are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is a terminal state
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether moving from s to next is a legal forward
// transition. Failure is reachable from any non-terminal state (cancellation,
// reaping, enqueue failure).
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusQueued || next == StatusProcessing || next == StatusFailed
	case StatusQueued:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// MaxLogEntries bounds the per-job progress log.
const MaxLogEntries = 50

// LogEntry is one timestamped progress log line
type LogEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Log is the append-only, bounded progress log of a job.
type Log []LogEntry

var percentPattern = regexp.MustCompile(`\d+(\.\d+)?%`)

// Append adds a message to the log. A message that differs from the last
// entry only in a numeric progress percentage replaces that entry instead of
// appending, so polling updates do not flood the log. The log is capped at
// MaxLogEntries; the oldest entries are dropped first.
func (l Log) Append(message string, now time.Time) Log {
	entry := LogEntry{Time: now, Message: message}

	if n := len(l); n > 0 {
		last := l[n-1].Message
		if message != last && percentPattern.MatchString(message) &&
			percentPattern.ReplaceAllString(message, "%") == percentPattern.ReplaceAllString(last, "%") {
			l[n-1] = entry
			return l
		}
	}

	l = append(l, entry)
	if len(l) > MaxLogEntries {
		l = l[len(l)-MaxLogEntries:]
	}
	return l
}

// Job is a persisted unit of asynchronous work.
type Job struct {
	ID                string          `db:"job_id"`
	Type              Type            `db:"job_type"`
	ReferenceID       string          `db:"reference_id"`
	Status            Status          `db:"status"`
	Progress          int             `db:"progress"`
	InputPayload      json.RawMessage `db:"input_payload"`
	OutputPayload     json.RawMessage `db:"output_payload"`
	ExternalRequestID string          `db:"external_request_id"`
	ExternalStatus    string          `db:"external_status"`
	ErrorMessage      string          `db:"error_message"`
	CostUnits         float64         `db:"cost_units"`
	ProgressLog       Log             `db:"-"`
	WorkerID          string          `db:"worker_id"`
	CreatedAt         time.Time       `db:"created_at"`
	StartedAt         *time.Time      `db:"started_at"`
	CompletedAt       *time.Time      `db:"completed_at"`
	LeaseExpiresAt    *time.Time      `db:"lease_expires_at"`
}

// Message is the queue payload referencing a job. The job row remains the
// source of truth; the message only carries routing data.
type Message struct {
	JobID       string          `json:"job_id"`
	Type        Type            `json:"job_type"`
	Input       json.RawMessage `json:"input_payload,omitempty"`
	DeliveryTag uint64          `json:"-"`
}
