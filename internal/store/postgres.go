// Package store wraps pgxpool for document, batch, and attempt persistence,
// and hosts the advisory-lock slots that cap per-organization concurrency.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"docpipeline/internal/models"
)

// ErrDocumentNotFound distinguishes a vanished document from an
// infrastructure failure so the worker can soft-skip.
var ErrDocumentNotFound = errors.New("document not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetDocument fetches a document row. A missing row returns
// ErrDocumentNotFound.
func (s *Store) GetDocument(ctx context.Context, id string) (models.Document, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, organization_id, blob_key, file_name, file_size,
		       status, processing_stage, processing_progress, processing_message,
		       ocr_confidence, extracted_text, extracted_fields, provider,
		       error_type, error_message, batch_id, created_at, updated_at
		FROM documents WHERE id = $1
	`, id)

	var doc models.Document
	var fieldsJSON []byte
	var extractedText, provider, errType, errMsg, batchID pgtype.Text

	err := row.Scan(&doc.ID, &doc.UserID, &doc.OrganizationID, &doc.BlobKey,
		&doc.FileName, &doc.FileSize, &doc.Status, &doc.ProcessingStage,
		&doc.ProcessingProgress, &doc.ProcessingMessage, &doc.OCRConfidence,
		&extractedText, &fieldsJSON, &provider, &errType, &errMsg, &batchID,
		&doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Document{}, ErrDocumentNotFound
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("scan document: %w", err)
	}

	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &doc.ExtractedFields); err != nil {
			return models.Document{}, fmt.Errorf("unmarshal extracted fields: %w", err)
		}
	}
	doc.ExtractedText = extractedText.String
	doc.Provider = provider.String
	doc.ErrorType = errType.String
	doc.ErrorMessage = errMsg.String
	doc.BatchID = batchID.String
	return doc, nil
}

// CreateDocument inserts a document row in PENDING state. Used by the API
// when the surrounding system has not registered the document yet.
func (s *Store) CreateDocument(ctx context.Context, doc models.Document) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (id, user_id, organization_id, blob_key, file_name, file_size,
		                       status, processing_stage, processing_progress, processing_message,
		                       batch_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, '', 0, '', NULLIF($8, ''), $9, $9)
		ON CONFLICT (id) DO NOTHING
	`, doc.ID, doc.UserID, doc.OrganizationID, doc.BlobKey, doc.FileName,
		doc.FileSize, models.DocStatusPending, doc.BatchID, now)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// UpdateProgress writes the externally observable progress record for a
// running job. A missing row returns ErrDocumentNotFound.
func (s *Store) UpdateProgress(ctx context.Context, id string, p models.Progress) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents
		SET status = $2, processing_stage = $3, processing_progress = $4,
		    processing_message = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.DocStatusProcessing, p.Stage, p.Percent, p.Message)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// SaveResult persists a successful extraction. The write is idempotent per
// document id: re-processing simply overwrites the prior result.
func (s *Store) SaveResult(ctx context.Context, id string, text string, confidence float64, fields map[string]any, provider string) error {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal extracted fields: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents
		SET status = $2, processing_stage = $3, processing_progress = 100,
		    processing_message = '', ocr_confidence = $4, extracted_text = $5,
		    extracted_fields = $6, provider = $7, error_type = NULL,
		    error_message = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.DocStatusProcessed, models.StageCompleted, confidence, text, fieldsJSON, provider)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// MarkFailed records a terminal failure with its classified code and the
// user-facing message.
func (s *Store) MarkFailed(ctx context.Context, id, errorType, errorMessage string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents
		SET status = $2, processing_stage = $3, processing_message = $4,
		    error_type = $5, error_message = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.DocStatusFailed, models.StageError, errorMessage, errorType)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// AppendAttempt adds one parser/provider attempt to the diagnostic log.
func (s *Store) AppendAttempt(ctx context.Context, a models.ProcessingAttempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processing_attempts (document_id, source, outcome, confidence, processing_time_ms, error, recorded_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NOW())
	`, a.DocumentID, a.Source, a.Outcome, a.Confidence, a.ProcessingTimeMs, a.Error)
	if err != nil {
		return fmt.Errorf("append attempt: %w", err)
	}
	return nil
}
