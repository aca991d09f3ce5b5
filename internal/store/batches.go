package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"docpipeline/internal/models"
)

// ErrBatchNotFound is returned for unknown or detached batch ids.
var ErrBatchNotFound = errors.New("batch not found")

// CreateBatch inserts a batch row and attaches the given documents to it.
func (s *Store) CreateBatch(ctx context.Context, userID string, documentIDs []string) (string, error) {
	batchID := uuid.New().String()
	now := time.Now().UTC()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	_, err = tx.Exec(ctx, `
		INSERT INTO document_batches (id, user_id, total_count, processed_count, failed_count, pending_count, notification_sent, created_at)
		VALUES ($1, $2, $3, 0, 0, $3, FALSE, $4)
	`, batchID, userID, len(documentIDs), now)
	if err != nil {
		return "", fmt.Errorf("insert batch: %w", err)
	}

	for _, docID := range documentIDs {
		if _, err := tx.Exec(ctx, `
			UPDATE documents SET batch_id = $2, updated_at = NOW() WHERE id = $1
		`, docID, batchID); err != nil {
			return "", fmt.Errorf("attach document %s: %w", docID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return batchID, nil
}

// BatchForDocument resolves the batch a document belongs to, if any.
func (s *Store) BatchForDocument(ctx context.Context, documentID string) (models.Batch, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT b.id, b.user_id, b.total_count, b.processed_count, b.failed_count,
		       b.pending_count, b.notification_sent, b.created_at
		FROM document_batches b
		JOIN documents d ON d.batch_id = b.id
		WHERE d.id = $1
	`, documentID)
	return scanBatch(row)
}

// BumpBatch records one document outcome and returns the updated counters.
// The counter bump is keyed by the document's batch_outcome transition, so a
// redelivered job for an already-settled document reads the counters without
// moving them. The returned bool reports whether this call counted.
func (s *Store) BumpBatch(ctx context.Context, batchID, documentID string, success bool) (models.Batch, bool, error) {
	outcome := "failed"
	if success {
		outcome = "processed"
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Batch{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	tag, err := tx.Exec(ctx, `
		UPDATE documents
		SET batch_outcome = $3, updated_at = NOW()
		WHERE id = $1 AND batch_id = $2 AND batch_outcome IS NULL
	`, documentID, batchID, outcome)
	if err != nil {
		return models.Batch{}, false, fmt.Errorf("settle document outcome: %w", err)
	}

	var (
		row     pgx.Row
		counted = tag.RowsAffected() == 1
	)
	if counted {
		row = tx.QueryRow(ctx, `
			UPDATE document_batches
			SET processed_count = processed_count + CASE WHEN $2 THEN 1 ELSE 0 END,
			    failed_count    = failed_count    + CASE WHEN $2 THEN 0 ELSE 1 END,
			    pending_count   = GREATEST(pending_count - 1, 0)
			WHERE id = $1
			RETURNING id, user_id, total_count, processed_count, failed_count,
			          pending_count, notification_sent, created_at
		`, batchID, success)
	} else {
		row = tx.QueryRow(ctx, `
			SELECT id, user_id, total_count, processed_count, failed_count,
			       pending_count, notification_sent, created_at
			FROM document_batches WHERE id = $1
		`, batchID)
	}
	batch, err := scanBatch(row)
	if err != nil {
		return models.Batch{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Batch{}, false, fmt.Errorf("commit: %w", err)
	}
	return batch, counted, nil
}

// ClaimBatchNotification flips notification_sent exactly once when the batch
// has drained. Only the caller that gets a row back may notify.
func (s *Store) ClaimBatchNotification(ctx context.Context, batchID string) (models.Batch, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE document_batches
		SET notification_sent = TRUE
		WHERE id = $1 AND pending_count = 0 AND NOT notification_sent
		RETURNING id, user_id, total_count, processed_count, failed_count,
		          pending_count, notification_sent, created_at
	`, batchID)
	batch, err := scanBatch(row)
	if errors.Is(err, ErrBatchNotFound) {
		return models.Batch{}, false, nil
	}
	if err != nil {
		return models.Batch{}, false, err
	}
	return batch, true, nil
}

func scanBatch(row pgx.Row) (models.Batch, error) {
	var b models.Batch
	err := row.Scan(&b.ID, &b.UserID, &b.TotalCount, &b.ProcessedCount,
		&b.FailedCount, &b.PendingCount, &b.NotificationSent, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Batch{}, ErrBatchNotFound
	}
	if err != nil {
		return models.Batch{}, fmt.Errorf("scan batch: %w", err)
	}
	return b, nil
}
