package models

import (
	"time"
)

// Job lifecycle states tracked by the queue.
const (
	JobStateCreated   = "created"
	JobStateActive    = "active"
	JobStateRetry     = "retry"
	JobStateCompleted = "completed"
	JobStateFailed    = "failed"
	JobStateCancelled = "cancelled"
)

// IsTerminalJobState reports whether a job state can no longer transition.
func IsTerminalJobState(state string) bool {
	switch state {
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// Job represents one durable unit of document-processing work.
type Job struct {
	ID           string         `json:"id"`
	QueueName    string         `json:"queue_name"`
	Priority     string         `json:"priority"`
	Payload      map[string]any `json:"payload"`
	State        string         `json:"state"`
	RetryCount   int            `json:"retry_count"`
	RetryLimit   int            `json:"retry_limit"`
	SingletonKey string         `json:"singleton_key,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// ProcessPayload is the document-processing job payload accepted from the API.
type ProcessPayload struct {
	DocumentID     string `json:"document_id"`
	BlobKey        string `json:"blob_key"`
	FileName       string `json:"file_name"`
	FileSize       int64  `json:"file_size"`
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
}
