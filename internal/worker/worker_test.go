package worker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"docpipeline/internal/blob"
	"docpipeline/internal/config"
	"docpipeline/internal/fileproc"
	"docpipeline/internal/models"
	"docpipeline/internal/notify"
	"docpipeline/internal/store"
)

type fakeQueue struct {
	mu          sync.Mutex
	completed   []string
	failed      []string
	deadLetters []string
	lastResult  map[string]any
	lastReason  string
	extensions  int
}

func (f *fakeQueue) Claim(ctx context.Context, queueName string, batchSize int) ([]models.Job, error) {
	return nil, nil
}

func (f *fakeQueue) Complete(ctx context.Context, queueName, jobID string, result map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, jobID)
	f.lastResult = result
	return nil
}

func (f *fakeQueue) Fail(ctx context.Context, queueName, jobID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, jobID)
	f.lastReason = reason
	return nil
}

func (f *fakeQueue) FailPermanent(ctx context.Context, queueName, jobID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadLetters = append(f.deadLetters, jobID)
	f.lastReason = reason
	return nil
}

func (f *fakeQueue) ExtendLease(ctx context.Context, queueName, jobID string, extension time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extensions++
	return nil
}

func (f *fakeQueue) leaseExtensions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.extensions
}

func (f *fakeQueue) PromoteScheduled(ctx context.Context, queueName string, now time.Time, limit int64) (int, error) {
	return 0, nil
}

func (f *fakeQueue) RequeueExpired(ctx context.Context, queueName string, now time.Time, limit int64) ([]string, error) {
	return nil, nil
}

type fakeDocs struct {
	mu        sync.Mutex
	docs      map[string]models.Document
	progress  []models.Progress
	saved     map[string]string // document id -> extracted text
	failures  map[string]string // document id -> error type
	attempts  []models.ProcessingAttempt
	saveError error
}

func newFakeDocs(ids ...string) *fakeDocs {
	d := &fakeDocs{
		docs:     map[string]models.Document{},
		saved:    map[string]string{},
		failures: map[string]string{},
	}
	for _, id := range ids {
		d.docs[id] = models.Document{ID: id, Status: models.DocStatusPending}
	}
	return d
}

func (f *fakeDocs) GetDocument(ctx context.Context, id string) (models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return models.Document{}, store.ErrDocumentNotFound
	}
	return doc, nil
}

func (f *fakeDocs) UpdateProgress(ctx context.Context, id string, p models.Progress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[id]; !ok {
		return store.ErrDocumentNotFound
	}
	f.progress = append(f.progress, p)
	return nil
}

func (f *fakeDocs) SaveResult(ctx context.Context, id string, text string, confidence float64, extractedFields map[string]any, provider string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveError != nil {
		return f.saveError
	}
	if _, ok := f.docs[id]; !ok {
		return store.ErrDocumentNotFound
	}
	f.saved[id] = text
	return nil
}

func (f *fakeDocs) MarkFailed(ctx context.Context, id, errorType, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[id]; !ok {
		return store.ErrDocumentNotFound
	}
	f.failures[id] = errorType
	return nil
}

func (f *fakeDocs) AppendAttempt(ctx context.Context, a models.ProcessingAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, a)
	return nil
}

// countingLocker enforces the per-organization slot cap in memory and records
// the highest concurrency it ever observed.
type countingLocker struct {
	mu      sync.Mutex
	held    map[string]int
	peak    map[string]int
	timeout bool
}

func newCountingLocker() *countingLocker {
	return &countingLocker{held: map[string]int{}, peak: map[string]int{}}
}

type countingSlot struct {
	locker *countingLocker
	orgID  string
}

func (s *countingSlot) Release(ctx context.Context) error {
	s.locker.mu.Lock()
	defer s.locker.mu.Unlock()
	s.locker.held[s.orgID]--
	return nil
}

func (l *countingLocker) AcquireSlot(ctx context.Context, organizationID string, maxSlots int, timeout time.Duration) (Slot, error) {
	if l.timeout {
		return nil, store.ErrSlotTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		l.mu.Lock()
		if l.held[organizationID] < maxSlots {
			l.held[organizationID]++
			if l.held[organizationID] > l.peak[organizationID] {
				l.peak[organizationID] = l.held[organizationID]
			}
			l.mu.Unlock()
			return &countingSlot{locker: l, orgID: organizationID}, nil
		}
		l.mu.Unlock()
		if time.Now().After(deadline) {
			return nil, store.ErrSlotTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

type fakeProcessor struct {
	result   fileproc.Result
	attempts []fileproc.Attempt
	delay    time.Duration
}

func (f *fakeProcessor) Process(ctx context.Context, fileName string, data []byte, strategyOverride *fileproc.ProcessingStrategy) (fileproc.Result, []fileproc.Attempt) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return fileproc.Result{}, f.attempts
		}
	}
	return f.result, f.attempts
}

type fakeAggregator struct {
	mu       sync.Mutex
	outcomes map[string]bool
}

func (f *fakeAggregator) UpdateProgress(ctx context.Context, documentID string, success bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outcomes == nil {
		f.outcomes = map[string]bool{}
	}
	f.outcomes[documentID] = success
	return nil
}

func (f *fakeAggregator) ShouldSendIndividual(ctx context.Context, documentID string) bool {
	return true
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (f *fakeNotifier) Send(ctx context.Context, n notify.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

type testEnv struct {
	worker   *Worker
	queue    *fakeQueue
	docs     *fakeDocs
	locker   *countingLocker
	blobs    *blob.MemoryStore
	notifier *fakeNotifier
	agg      *fakeAggregator
}

func newTestEnv(t *testing.T, docs *fakeDocs, processor FileProcessor) *testEnv {
	t.Helper()
	cfg := config.Config{
		OrgSlots:           2,
		SlotAcquireTimeout: time.Second,
		ProcessingTimeout:  200 * time.Millisecond,
		MaxFileBytes:       1 << 20,
	}
	env := &testEnv{
		queue:    &fakeQueue{},
		docs:     docs,
		locker:   newCountingLocker(),
		blobs:    blob.NewMemoryStore(),
		notifier: &fakeNotifier{},
		agg:      &fakeAggregator{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.worker = New(cfg, env.queue, env.docs, env.locker, env.blobs, processor, env.agg, env.notifier, logger)
	return env
}

func testJob(id, docID string) models.Job {
	return models.Job{
		ID:         id,
		QueueName:  "docs",
		RetryLimit: 2,
		Payload: map[string]any{
			"document_id":     docID,
			"blob_key":        "blobs/" + docID,
			"file_name":       "usage.csv",
			"file_size":       float64(128),
			"user_id":         "user1",
			"organization_id": "org1",
		},
	}
}

func TestProcessJobSuccess(t *testing.T) {
	ctx := context.Background()
	docs := newFakeDocs("doc1")
	proc := &fakeProcessor{
		result: fileproc.Result{Text: "Usage 1250 kWh", Confidence: 0.9, Source: "delimited-text"},
		attempts: []fileproc.Attempt{
			{Source: "delimited-text", Outcome: "ok", Confidence: 0.9},
		},
	}
	env := newTestEnv(t, docs, proc)
	if _, err := env.blobs.Put(ctx, "blobs/doc1", []byte("site,kwh\nA,1250\n"), "text/csv"); err != nil {
		t.Fatalf("put blob: %v", err)
	}

	if err := env.worker.ProcessJob(ctx, testJob("job1", "doc1")); err != nil {
		t.Fatalf("process job: %v", err)
	}

	if len(env.queue.completed) != 1 {
		t.Fatalf("expected job completion, got %+v", env.queue)
	}
	if docs.saved["doc1"] != "Usage 1250 kWh" {
		t.Fatalf("extracted text not saved: %q", docs.saved["doc1"])
	}
	if len(docs.attempts) != 1 || docs.attempts[0].Source != "delimited-text" {
		t.Fatalf("attempt log not persisted: %+v", docs.attempts)
	}
	if !env.agg.outcomes["doc1"] {
		t.Fatalf("aggregator should see success")
	}
	if len(env.notifier.sent) != 1 || env.notifier.sent[0].Kind != notify.KindDocumentProcessed {
		t.Fatalf("individual notification missing: %+v", env.notifier.sent)
	}
	if env.locker.held["org1"] != 0 {
		t.Fatalf("slot leaked: %d still held", env.locker.held["org1"])
	}

	stages := make([]string, 0, len(docs.progress))
	for _, p := range docs.progress {
		stages = append(stages, p.Stage)
	}
	want := []string{
		models.StageStarting,
		models.StageAcquiringSlot,
		models.StageDownloading,
		models.StageProcessing,
		models.StageSaving,
	}
	if len(stages) != len(want) {
		t.Fatalf("unexpected stage sequence %v", stages)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Fatalf("stage %d = %s, want %s", i, stages[i], want[i])
		}
	}
}

func TestProcessJobSoftSkipsMissingDocument(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, newFakeDocs(), &fakeProcessor{})

	if err := env.worker.ProcessJob(ctx, testJob("job1", "ghost")); err != nil {
		t.Fatalf("soft skip must not error: %v", err)
	}
	if len(env.queue.completed) != 1 {
		t.Fatalf("soft skip should complete the job")
	}
	if skipped, _ := env.queue.lastResult["skipped"].(bool); !skipped {
		t.Fatalf("completion should carry the skip marker: %v", env.queue.lastResult)
	}
}

func TestProcessJobSoftSkipsMissingBlob(t *testing.T) {
	ctx := context.Background()
	docs := newFakeDocs("doc1")
	env := newTestEnv(t, docs, &fakeProcessor{})

	if err := env.worker.ProcessJob(ctx, testJob("job1", "doc1")); err != nil {
		t.Fatalf("soft skip must not error: %v", err)
	}
	if len(env.queue.completed) != 1 || len(env.queue.failed) != 0 {
		t.Fatalf("missing blob must soft-skip, got %+v", env.queue)
	}
	if env.locker.held["org1"] != 0 {
		t.Fatalf("slot leaked on soft skip")
	}
}

func TestProcessJobMalformedPayloadDeadLetters(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, newFakeDocs("doc1"), &fakeProcessor{})

	job := testJob("job1", "doc1")
	delete(job.Payload, "blob_key")
	if err := env.worker.ProcessJob(ctx, job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(env.queue.deadLetters) != 1 {
		t.Fatalf("malformed payload must dead-letter immediately: %+v", env.queue)
	}
}

func TestProcessJobSlotTimeoutRetries(t *testing.T) {
	ctx := context.Background()
	docs := newFakeDocs("doc1")
	env := newTestEnv(t, docs, &fakeProcessor{})
	env.locker.timeout = true

	if err := env.worker.ProcessJob(ctx, testJob("job1", "doc1")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(env.queue.failed) != 1 {
		t.Fatalf("slot timeout is retryable and must requeue: %+v", env.queue)
	}
	if len(docs.failures) != 0 {
		t.Fatalf("document must not be terminally failed while retries remain")
	}
}

func TestProcessJobUnreadableContentIsTerminal(t *testing.T) {
	ctx := context.Background()
	docs := newFakeDocs("doc1")
	proc := &fakeProcessor{
		result: fileproc.Result{Source: "none", Errors: []string{"no text detected"}},
		attempts: []fileproc.Attempt{
			{Source: "plain-text", Outcome: "error", Err: "no text detected"},
		},
	}
	env := newTestEnv(t, docs, proc)
	if _, err := env.blobs.Put(ctx, "blobs/doc1", []byte{0x00, 0x01}, "application/octet-stream"); err != nil {
		t.Fatalf("put blob: %v", err)
	}

	if err := env.worker.ProcessJob(ctx, testJob("job1", "doc1")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(env.queue.deadLetters) != 1 {
		t.Fatalf("content failure must dead-letter without retries: %+v", env.queue)
	}
	if docs.failures["doc1"] != "OCR_FAILED" {
		t.Fatalf("document error type = %q", docs.failures["doc1"])
	}
	if env.agg.outcomes["doc1"] {
		t.Fatalf("aggregator should see failure")
	}
	if len(env.notifier.sent) != 1 || env.notifier.sent[0].Kind != notify.KindDocumentFailed {
		t.Fatalf("failure notification missing: %+v", env.notifier.sent)
	}
}

func TestProcessJobOversizedFileIsTerminal(t *testing.T) {
	ctx := context.Background()
	docs := newFakeDocs("doc1")
	env := newTestEnv(t, docs, &fakeProcessor{})

	job := testJob("job1", "doc1")
	job.Payload["file_size"] = float64(10 << 20)
	if err := env.worker.ProcessJob(ctx, job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(env.queue.deadLetters) != 1 {
		t.Fatalf("oversized file must dead-letter: %+v", env.queue)
	}
	if docs.failures["doc1"] != "FILE_TOO_LARGE" {
		t.Fatalf("document error type = %q", docs.failures["doc1"])
	}
}

func TestProcessJobTimeoutMapsToOCRTimeout(t *testing.T) {
	ctx := context.Background()
	docs := newFakeDocs("doc1")
	proc := &fakeProcessor{delay: time.Second}
	env := newTestEnv(t, docs, proc)
	if _, err := env.blobs.Put(ctx, "blobs/doc1", []byte("scan"), "image/png"); err != nil {
		t.Fatalf("put blob: %v", err)
	}

	if err := env.worker.ProcessJob(ctx, testJob("job1", "doc1")); err != nil {
		t.Fatalf("process: %v", err)
	}
	// OCR_TIMEOUT is retryable; with budget left the job goes back to the queue.
	if len(env.queue.failed) != 1 {
		t.Fatalf("timeout must requeue for retry: %+v", env.queue)
	}
}

func TestOrgSlotCapHolds(t *testing.T) {
	ctx := context.Background()
	ids := []string{"doc1", "doc2", "doc3", "doc4", "doc5"}
	docs := newFakeDocs(ids...)
	proc := &fakeProcessor{
		result: fileproc.Result{Text: "some extracted text", Confidence: 0.9, Source: "plain-text"},
		delay:  20 * time.Millisecond,
	}
	env := newTestEnv(t, docs, proc)
	for _, id := range ids {
		if _, err := env.blobs.Put(ctx, "blobs/"+id, []byte("text"), "text/plain"); err != nil {
			t.Fatalf("put blob: %v", err)
		}
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(jobID string, docID string) {
			defer wg.Done()
			if err := env.worker.ProcessJob(ctx, testJob(jobID, docID)); err != nil {
				t.Errorf("process %s: %v", jobID, err)
			}
		}("job"+ids[i], id)
	}
	wg.Wait()

	if env.locker.peak["org1"] > 2 {
		t.Fatalf("org slot cap exceeded: peak %d", env.locker.peak["org1"])
	}
	if len(env.queue.completed) != len(ids) {
		t.Fatalf("expected all jobs completed, got %d", len(env.queue.completed))
	}
}

func TestProcessJobUnsupportedFormatIsTerminal(t *testing.T) {
	ctx := context.Background()
	docs := newFakeDocs("doc1")
	proc := &fakeProcessor{
		result: fileproc.Result{Source: "none", Format: fileproc.FormatUnknown},
		attempts: []fileproc.Attempt{
			{Source: "plain-text", Outcome: "empty"},
		},
	}
	env := newTestEnv(t, docs, proc)
	if _, err := env.blobs.Put(ctx, "blobs/doc1", []byte{0xde, 0xad}, "application/octet-stream"); err != nil {
		t.Fatalf("put blob: %v", err)
	}

	if err := env.worker.ProcessJob(ctx, testJob("job1", "doc1")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(env.queue.deadLetters) != 1 {
		t.Fatalf("unsupported format must dead-letter: %+v", env.queue)
	}
	if docs.failures["doc1"] != "UNSUPPORTED_FORMAT" {
		t.Fatalf("document error type = %q", docs.failures["doc1"])
	}
}

func TestProcessJobExtendsLeaseWhileProcessing(t *testing.T) {
	ctx := context.Background()
	docs := newFakeDocs("doc1")
	proc := &fakeProcessor{
		result: fileproc.Result{Text: "ok", Confidence: 0.9, Source: "plain-text"},
		delay:  120 * time.Millisecond,
	}
	env := newTestEnv(t, docs, proc)

	cfg := config.Config{
		OrgSlots:           2,
		SlotAcquireTimeout: time.Second,
		ProcessingTimeout:  time.Second,
		MaxFileBytes:       1 << 20,
		VisibilityTimeout:  30 * time.Millisecond,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := New(cfg, env.queue, env.docs, env.locker, env.blobs, proc, env.agg, env.notifier, logger)

	if _, err := env.blobs.Put(ctx, "blobs/doc1", []byte("payload"), "text/plain"); err != nil {
		t.Fatalf("put blob: %v", err)
	}
	if err := w.ProcessJob(ctx, testJob("job1", "doc1")); err != nil {
		t.Fatalf("process: %v", err)
	}

	if env.queue.leaseExtensions() == 0 {
		t.Fatalf("expected the visibility lease to be extended during processing")
	}
	if len(env.queue.completed) != 1 {
		t.Fatalf("job should still complete: %+v", env.queue)
	}
}
