// Package worker claims document jobs and drives each one through the
// download, extraction, and persistence pipeline under per-organization
// concurrency limits.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"docpipeline/internal/blob"
	"docpipeline/internal/config"
	"docpipeline/internal/fields"
	"docpipeline/internal/fileproc"
	"docpipeline/internal/models"
	"docpipeline/internal/notify"
	"docpipeline/internal/procerr"
	"docpipeline/internal/store"
	"docpipeline/internal/telemetry"
)

// Queue is the job-queue slice the worker depends on.
type Queue interface {
	Claim(ctx context.Context, queueName string, batchSize int) ([]models.Job, error)
	Complete(ctx context.Context, queueName, jobID string, result map[string]any) error
	Fail(ctx context.Context, queueName, jobID, reason string) error
	FailPermanent(ctx context.Context, queueName, jobID, reason string) error
	ExtendLease(ctx context.Context, queueName, jobID string, extension time.Duration) error
	PromoteScheduled(ctx context.Context, queueName string, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, queueName string, now time.Time, limit int64) ([]string, error)
}

// DocumentStore is the persistence slice the worker writes through.
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (models.Document, error)
	UpdateProgress(ctx context.Context, id string, p models.Progress) error
	SaveResult(ctx context.Context, id string, text string, confidence float64, extractedFields map[string]any, provider string) error
	MarkFailed(ctx context.Context, id, errorType, errorMessage string) error
	AppendAttempt(ctx context.Context, a models.ProcessingAttempt) error
}

// Slot is a held per-organization concurrency claim.
type Slot interface {
	Release(ctx context.Context) error
}

// SlotLocker hands out per-organization concurrency slots.
type SlotLocker interface {
	AcquireSlot(ctx context.Context, organizationID string, maxSlots int, timeout time.Duration) (Slot, error)
}

// StoreSlotLocker adapts the Postgres advisory-lock store to SlotLocker.
type StoreSlotLocker struct {
	Store *store.Store
}

func (l StoreSlotLocker) AcquireSlot(ctx context.Context, organizationID string, maxSlots int, timeout time.Duration) (Slot, error) {
	slot, err := l.Store.AcquireSlot(ctx, organizationID, maxSlots, timeout)
	if err != nil {
		return nil, err
	}
	return slot, nil
}

// FileProcessor is the extraction cascade contract.
type FileProcessor interface {
	Process(ctx context.Context, fileName string, data []byte, strategyOverride *fileproc.ProcessingStrategy) (fileproc.Result, []fileproc.Attempt)
}

// Aggregator is the batch-notification slice the worker reports into.
type Aggregator interface {
	UpdateProgress(ctx context.Context, documentID string, success bool) error
	ShouldSendIndividual(ctx context.Context, documentID string) bool
}

// Worker processes document jobs from one named queue.
type Worker struct {
	cfg        config.Config
	queue      Queue
	docs       DocumentStore
	locks      SlotLocker
	blobs      blob.Store
	processor  FileProcessor
	aggregator Aggregator
	notifier   notify.Notifier
	logger     *slog.Logger
}

func New(cfg config.Config, q Queue, docs DocumentStore, locks SlotLocker, blobs blob.Store, processor FileProcessor, aggregator Aggregator, notifier notify.Notifier, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:        cfg,
		queue:      q,
		docs:       docs,
		locks:      locks,
		blobs:      blobs,
		processor:  processor,
		aggregator: aggregator,
		notifier:   notifier,
		logger:     logger,
	}
}

// stagePercent maps pipeline stages to the coarse progress scale reported to
// pollers.
var stagePercent = map[string]int{
	models.StageStarting:      5,
	models.StageAcquiringSlot: 15,
	models.StageDownloading:   30,
	models.StageProcessing:    50,
	models.StageSaving:        85,
	models.StageCompleted:     100,
}

// ProcessJob runs one job through the pipeline state machine. Returned
// errors are reported to the queue by the caller; job-level outcomes (soft
// skip, terminal content failure) are settled here.
func (w *Worker) ProcessJob(ctx context.Context, job models.Job) error {
	start := time.Now()

	payload, err := decodePayload(job)
	if err != nil {
		// Malformed payloads can never succeed; dead-letter immediately.
		w.logger.Error("malformed job payload", "job_id", job.ID, "error", err)
		return w.queue.FailPermanent(ctx, job.QueueName, job.ID, err.Error())
	}

	log := w.logger.With("job_id", job.ID, "document_id", payload.DocumentID, "org_id", payload.OrganizationID)

	// Heartbeat the visibility lease for the whole run so slot waits and
	// long extractions need not fit inside one visibility window.
	stopHeartbeat := w.keepLeaseAlive(ctx, job, log)
	defer stopHeartbeat()

	// STARTING: a vanished document is a soft skip, not an error; the
	// entity may have been deleted between enqueue and claim.
	w.setProgress(ctx, payload.DocumentID, models.StageStarting, "Preparing document")
	if _, err := w.docs.GetDocument(ctx, payload.DocumentID); err != nil {
		if errors.Is(err, store.ErrDocumentNotFound) {
			return w.softSkip(ctx, job, log, "document record missing")
		}
		return w.settleFailure(ctx, job, payload, log, procerr.New(procerr.CodeInfrastructure, "load document", err))
	}

	if w.cfg.MaxFileBytes > 0 && payload.FileSize > w.cfg.MaxFileBytes {
		return w.settleFailure(ctx, job, payload, log,
			procerr.New(procerr.CodeFileTooLarge, fmt.Sprintf("file is %d bytes", payload.FileSize), nil))
	}

	// ACQUIRING_SLOT: bounded jittered polling over the organization's
	// advisory-lock slots.
	w.setProgress(ctx, payload.DocumentID, models.StageAcquiringSlot, "Waiting for a processing slot")
	telemetry.SlotWaitGauge.Inc()
	slot, err := w.locks.AcquireSlot(ctx, payload.OrganizationID, w.cfg.OrgSlots, w.cfg.SlotAcquireTimeout)
	telemetry.SlotWaitGauge.Dec()
	if err != nil {
		if errors.Is(err, store.ErrSlotTimeout) {
			return w.settleFailure(ctx, job, payload, log,
				procerr.New(procerr.CodeConcurrencyTimeout, "no organization slot freed in time", err))
		}
		return w.settleFailure(ctx, job, payload, log, procerr.New(procerr.CodeInfrastructure, "acquire slot", err))
	}
	// Guaranteed release; the session-scoped lock is the safety net if the
	// process dies before this runs.
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := slot.Release(releaseCtx); err != nil {
			log.Warn("slot release failed", "error", err)
		}
	}()

	// DOWNLOADING: a missing blob is a soft skip for the same reason a
	// missing document is.
	w.setProgress(ctx, payload.DocumentID, models.StageDownloading, "Downloading file")
	data, err := w.blobs.Get(ctx, payload.BlobKey)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return w.softSkip(ctx, job, log, "blob missing")
		}
		return w.settleFailure(ctx, job, payload, log, procerr.New(procerr.CodeInfrastructure, "download blob", err))
	}

	// PROCESSING under the hard timeout.
	w.setProgress(ctx, payload.DocumentID, models.StageProcessing, "Extracting document data")
	procCtx, cancel := context.WithTimeout(ctx, w.cfg.ProcessingTimeout)
	result, attempts := w.processor.Process(procCtx, payload.FileName, data, nil)
	cancel()

	w.recordAttempts(ctx, payload.DocumentID, attempts)

	if procCtx.Err() != nil && strings.TrimSpace(result.Text) == "" {
		return w.settleFailure(ctx, job, payload, log,
			procerr.New(procerr.CodeOCRTimeout, "processing exceeded its time budget", procCtx.Err()))
	}
	if strings.TrimSpace(result.Text) == "" {
		code := procerr.CodeUnreadable
		cause := ""
		switch {
		case len(result.Errors) > 0:
			code = procerr.CodeOCRFailed
			cause = result.Errors[len(result.Errors)-1]
		case result.Format == fileproc.FormatUnknown:
			code = procerr.CodeUnsupportedFormat
		}
		return w.settleFailure(ctx, job, payload, log, procerr.New(code, cause, nil))
	}

	// SAVING: idempotent write keyed by document id.
	w.setProgress(ctx, payload.DocumentID, models.StageSaving, "Saving results")
	extracted := fields.Extract(result.Text, w.logger)
	if err := w.docs.SaveResult(ctx, payload.DocumentID, result.Text, result.Confidence, extracted, result.Source); err != nil {
		if errors.Is(err, store.ErrDocumentNotFound) {
			return w.softSkip(ctx, job, log, "document vanished before save")
		}
		return w.settleFailure(ctx, job, payload, log, procerr.New(procerr.CodeInfrastructure, "save result", err))
	}

	if err := w.queue.Complete(ctx, job.QueueName, job.ID, map[string]any{
		"confidence": result.Confidence,
		"source":     result.Source,
		"text_len":   len(result.Text),
	}); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}

	telemetry.WorkerSuccess.Inc()
	telemetry.StageDuration.WithLabelValues(models.StageCompleted).Observe(time.Since(start).Seconds())
	log.Info("document processed",
		"confidence", result.Confidence,
		"source", result.Source,
		"duration_ms", time.Since(start).Milliseconds())

	w.reportOutcome(ctx, payload, true, "")
	return nil
}

// keepLeaseAlive extends the job's visibility lease on a fixed cadence until
// the returned stop function runs. A failed extension is logged, not fatal:
// the job keeps running and at worst gets redelivered.
func (w *Worker) keepLeaseAlive(ctx context.Context, job models.Job, log *slog.Logger) func() {
	if w.cfg.VisibilityTimeout <= 0 {
		return func() {}
	}
	hbCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(w.cfg.VisibilityTimeout / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := w.queue.ExtendLease(hbCtx, job.QueueName, job.ID, w.cfg.VisibilityTimeout); err != nil {
					log.Warn("lease extension failed", "error", err)
				}
			}
		}
	}()
	return cancel
}

// softSkip completes a job successfully with an empty result because the
// referenced entity no longer exists.
func (w *Worker) softSkip(ctx context.Context, job models.Job, log *slog.Logger, reason string) error {
	log.Info("soft skip", "reason", reason)
	telemetry.WorkerSoftSkip.Inc()
	return w.queue.Complete(ctx, job.QueueName, job.ID, map[string]any{"skipped": true, "reason": reason})
}

// settleFailure routes a classified failure: retryable codes with budget
// left go back to the queue; everything else is terminal for the document.
// Unclassified errors default to the infrastructure code.
func (w *Worker) settleFailure(ctx context.Context, job models.Job, payload models.ProcessPayload, log *slog.Logger, failure error) error {
	code := procerr.CodeOf(failure)
	willRetry := procerr.Retryable(code) && job.RetryCount < job.RetryLimit

	log.Warn("pipeline step failed",
		"code", string(code),
		"will_retry", willRetry,
		"error", failure)

	if willRetry {
		telemetry.WorkerFailures.Inc()
		w.setProgress(ctx, payload.DocumentID, models.StageError, procerr.UserMessage(code))
		return w.queue.Fail(ctx, job.QueueName, job.ID, failure.Error())
	}

	telemetry.WorkerDeadLetter.Inc()
	message := procerr.UserMessage(code)
	if err := w.docs.MarkFailed(ctx, payload.DocumentID, string(code), message); err != nil && !errors.Is(err, store.ErrDocumentNotFound) {
		log.Error("mark document failed", "error", err)
	}
	w.reportOutcome(ctx, payload, false, message)

	if procerr.Retryable(code) {
		// Retryable code with an exhausted budget: let the queue dead-letter
		// through its normal accounting.
		return w.queue.Fail(ctx, job.QueueName, job.ID, failure.Error())
	}
	return w.queue.FailPermanent(ctx, job.QueueName, job.ID, failure.Error())
}

// reportOutcome forwards the document outcome to the batch aggregator and,
// when policy allows, emits an individual notification. Neither path may
// fail the job.
func (w *Worker) reportOutcome(ctx context.Context, payload models.ProcessPayload, success bool, failureMessage string) {
	if err := w.aggregator.UpdateProgress(ctx, payload.DocumentID, success); err != nil {
		w.logger.Warn("batch progress update failed", "document_id", payload.DocumentID, "error", err)
	}
	if !w.aggregator.ShouldSendIndividual(ctx, payload.DocumentID) {
		return
	}

	n := notify.Notification{
		UserID:   payload.UserID,
		Kind:     notify.KindDocumentProcessed,
		Title:    "Document processed",
		Message:  fmt.Sprintf("%s has been processed.", payload.FileName),
		Metadata: map[string]any{"document_id": payload.DocumentID},
	}
	if !success {
		n.Kind = notify.KindDocumentFailed
		n.Title = "Document processing failed"
		n.Message = failureMessage
	}
	if err := w.notifier.Send(ctx, n); err != nil {
		w.logger.Warn("notification delivery failed", "document_id", payload.DocumentID, "error", err)
	}
}

func (w *Worker) setProgress(ctx context.Context, documentID, stage, message string) {
	err := w.docs.UpdateProgress(ctx, documentID, models.Progress{
		Stage:   stage,
		Percent: stagePercent[stage],
		Message: message,
	})
	if err != nil && !errors.Is(err, store.ErrDocumentNotFound) {
		w.logger.Warn("progress update failed", "document_id", documentID, "stage", stage, "error", err)
	}
}

func (w *Worker) recordAttempts(ctx context.Context, documentID string, attempts []fileproc.Attempt) {
	for _, a := range attempts {
		telemetry.ProviderAttempts.WithLabelValues(a.Source, a.Outcome).Inc()
		err := w.docs.AppendAttempt(ctx, models.ProcessingAttempt{
			DocumentID:       documentID,
			Source:           a.Source,
			Outcome:          a.Outcome,
			Confidence:       a.Confidence,
			ProcessingTimeMs: a.Duration.Milliseconds(),
			Error:            a.Err,
		})
		if err != nil {
			w.logger.Warn("attempt log write failed", "document_id", documentID, "error", err)
		}
	}
}

func decodePayload(job models.Job) (models.ProcessPayload, error) {
	var payload models.ProcessPayload
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return payload, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.DocumentID == "" {
		return payload, errors.New("document_id is required")
	}
	if payload.BlobKey == "" {
		return payload, errors.New("blob_key is required")
	}
	return payload, nil
}
