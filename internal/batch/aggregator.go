// Package batch consolidates per-document outcomes of one upload batch into
// a single user notification instead of per-document spam.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"docpipeline/internal/models"
	"docpipeline/internal/notify"
	"docpipeline/internal/store"
)

// minBatchSize is the smallest group worth aggregating. Smaller uploads get
// individual notifications.
const minBatchSize = 3

// Store is the persistence slice the aggregator needs. Implemented by the
// Postgres store; tests substitute an in-memory fake.
type Store interface {
	CreateBatch(ctx context.Context, userID string, documentIDs []string) (string, error)
	BatchForDocument(ctx context.Context, documentID string) (models.Batch, error)
	BumpBatch(ctx context.Context, batchID, documentID string, success bool) (models.Batch, bool, error)
	ClaimBatchNotification(ctx context.Context, batchID string) (models.Batch, bool, error)
}

// Aggregator tracks upload batches and emits the consolidated notification
// exactly once per batch.
type Aggregator struct {
	store    Store
	notifier notify.Notifier
	logger   *slog.Logger
}

func NewAggregator(st Store, notifier notify.Notifier, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: st, notifier: notifier, logger: logger}
}

// CreateBatch groups the given documents under one batch. Uploads of fewer
// than three documents are too small to aggregate and return an empty id.
func (a *Aggregator) CreateBatch(ctx context.Context, userID string, documentIDs []string) (string, error) {
	if len(documentIDs) < minBatchSize {
		return "", nil
	}
	return a.store.CreateBatch(ctx, userID, documentIDs)
}

// UpdateProgress records one document outcome. The counter bump is keyed by
// the document, so a redelivered job cannot drain the batch twice; when the
// batch drains, the summary notification is composed and sent, with the sent
// flag claimed atomically so concurrent workers cannot double-notify.
func (a *Aggregator) UpdateProgress(ctx context.Context, documentID string, success bool) error {
	b, err := a.store.BatchForDocument(ctx, documentID)
	if errors.Is(err, store.ErrBatchNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve batch: %w", err)
	}

	// A replay still falls through to the notification claim: the original
	// execution may have died between counting and notifying.
	updated, _, err := a.store.BumpBatch(ctx, b.ID, documentID, success)
	if err != nil {
		return fmt.Errorf("bump batch: %w", err)
	}
	if updated.PendingCount > 0 {
		return nil
	}

	final, claimed, err := a.store.ClaimBatchNotification(ctx, b.ID)
	if err != nil {
		return fmt.Errorf("claim batch notification: %w", err)
	}
	if !claimed {
		return nil
	}

	title, message := summarize(final)
	if err := a.notifier.Send(ctx, notify.Notification{
		UserID:  final.UserID,
		Kind:    notify.KindBatchCompleted,
		Title:   title,
		Message: message,
		Metadata: map[string]any{
			"batch_id":  final.ID,
			"total":     final.TotalCount,
			"processed": final.ProcessedCount,
			"failed":    final.FailedCount,
		},
	}); err != nil {
		// Sink failures must not fail the job.
		a.logger.Warn("batch notification delivery failed", "batch_id", final.ID, "error", err)
	}
	return nil
}

// ShouldSendIndividual is the policy gate a worker consults before emitting
// a per-document notification: true only when the document has no batch or
// its batch was too small to aggregate.
func (a *Aggregator) ShouldSendIndividual(ctx context.Context, documentID string) bool {
	b, err := a.store.BatchForDocument(ctx, documentID)
	if errors.Is(err, store.ErrBatchNotFound) {
		return true
	}
	if err != nil {
		a.logger.Warn("batch lookup failed, suppressing individual notification", "document_id", documentID, "error", err)
		return false
	}
	return b.TotalCount < minBatchSize
}

func summarize(b models.Batch) (title, message string) {
	switch {
	case b.FailedCount == 0:
		return "Documents processed",
			fmt.Sprintf("All %d documents were processed successfully.", b.TotalCount)
	case b.ProcessedCount == 0:
		return "Document processing failed",
			fmt.Sprintf("All %d documents failed to process. Check the files and try again.", b.TotalCount)
	default:
		return "Documents processed with errors",
			fmt.Sprintf("%d of %d documents processed, %d failed.", b.ProcessedCount, b.TotalCount, b.FailedCount)
	}
}
