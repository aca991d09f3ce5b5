package models

import (
	"time"
)

// Document processing statuses persisted in Postgres.
const (
	DocStatusPending    = "PENDING"
	DocStatusProcessing = "PROCESSING"
	DocStatusProcessed  = "PROCESSED"
	DocStatusFailed     = "FAILED"
)

// Pipeline stages reported through the progress read model.
const (
	StageStarting      = "STARTING"
	StageAcquiringSlot = "ACQUIRING_SLOT"
	StageDownloading   = "DOWNLOADING"
	StageProcessing    = "PROCESSING"
	StageSaving        = "SAVING"
	StageCompleted     = "COMPLETED"
	StageError         = "ERROR"
)

// Document is the persistence view of an uploaded document. The worker is the
// sole writer of the processing fields while a job is running.
type Document struct {
	ID                string         `json:"id"`
	UserID            string         `json:"user_id"`
	OrganizationID    string         `json:"organization_id"`
	BlobKey           string         `json:"blob_key"`
	FileName          string         `json:"file_name"`
	FileSize          int64          `json:"file_size"`
	Status            string         `json:"status"`
	ProcessingStage   string         `json:"processing_stage"`
	ProcessingProgress int           `json:"processing_progress"`
	ProcessingMessage string         `json:"processing_message"`
	OCRConfidence     float64        `json:"ocr_confidence"`
	ExtractedText     string         `json:"extracted_text,omitempty"`
	ExtractedFields   map[string]any `json:"extracted_fields,omitempty"`
	Provider          string         `json:"provider,omitempty"`
	ErrorType         string         `json:"error_type,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	BatchID           string         `json:"batch_id,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Progress is the externally observable slice of a running document job.
type Progress struct {
	Stage   string `json:"stage"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

// ProcessingAttempt is an append-only diagnostic record of one parser or
// provider attempt during a pipeline run. It is never read back into control
// flow.
type ProcessingAttempt struct {
	DocumentID       string    `json:"document_id"`
	Source           string    `json:"source"`
	Outcome          string    `json:"outcome"`
	Confidence       float64   `json:"confidence"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
	Error            string    `json:"error,omitempty"`
	RecordedAt       time.Time `json:"recorded_at"`
}
