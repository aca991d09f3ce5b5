package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"docpipeline/internal/config"
	"docpipeline/internal/models"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := config.Config{
		PriorityQueues:    []string{"high", "default", "low"},
		VisibilityTimeout: 30 * time.Second,
		RetryLimit:        2,
		BackoffInitial:    time.Second,
		BackoffMax:        8 * time.Second,
		DedupWindow:       time.Minute,
		DLQName:           "queue:dlq",
	}
	return NewRedisQueueWithClient(client, cfg), mr
}

func TestEnqueueDedup(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	first, deduped, err := q.Enqueue(ctx, "docs", map[string]any{"document_id": "doc1"}, Options{
		SingletonKey: "ocr:doc1",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if deduped {
		t.Fatalf("first enqueue should not dedup")
	}

	second, deduped, err := q.Enqueue(ctx, "docs", map[string]any{"document_id": "doc1"}, Options{
		SingletonKey: "ocr:doc1",
	})
	if err != nil {
		t.Fatalf("enqueue again: %v", err)
	}
	if !deduped {
		t.Fatalf("second enqueue should dedup")
	}
	if first != second {
		t.Fatalf("expected same job id, got %s and %s", first, second)
	}

	stats, err := q.Stats(ctx, "docs")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Waiting != 1 {
		t.Fatalf("expected 1 waiting job, got %d", stats.Waiting)
	}
}

func TestDedupReleasedOnCompletion(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	first, _, err := q.Enqueue(ctx, "docs", map[string]any{"n": 1}, Options{SingletonKey: "ocr:doc1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	jobs, err := q.Claim(ctx, "docs", 1)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("claim: jobs=%d err=%v", len(jobs), err)
	}
	if err := q.Complete(ctx, "docs", first, map[string]any{"ok": true}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	second, deduped, err := q.Enqueue(ctx, "docs", map[string]any{"n": 2}, Options{SingletonKey: "ocr:doc1"})
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if deduped || second == first {
		t.Fatalf("terminal job must not block a new submission (deduped=%v)", deduped)
	}
}

func TestClaimMarksActiveAndLeases(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id, _, err := q.Enqueue(ctx, "docs", map[string]any{"document_id": "doc1"}, Options{Priority: "high"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	jobs, err := q.Claim(ctx, "docs", 5)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != id {
		t.Fatalf("expected claimed job %s, got %+v", id, jobs)
	}
	if jobs[0].State != models.JobStateActive {
		t.Fatalf("expected active state, got %s", jobs[0].State)
	}

	// A second claim must not see the leased job.
	again, err := q.Claim(ctx, "docs", 5)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("leased job visible to second claimer: %+v", again)
	}

	stats, _ := q.Stats(ctx, "docs")
	if stats.Active != 1 {
		t.Fatalf("expected 1 active job, got %d", stats.Active)
	}
}

func TestPriorityOrdering(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	low, _, _ := q.Enqueue(ctx, "docs", map[string]any{}, Options{Priority: "low"})
	high, _, _ := q.Enqueue(ctx, "docs", map[string]any{}, Options{Priority: "high"})

	jobs, err := q.Claim(ctx, "docs", 2)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != high || jobs[1].ID != low {
		t.Fatalf("expected high before low, got %s then %s", jobs[0].ID, jobs[1].ID)
	}
}

func TestFailSchedulesRetryThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id, _, err := q.Enqueue(ctx, "docs", map[string]any{}, Options{RetryLimit: 1, SingletonKey: "ocr:doc1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := q.Claim(ctx, "docs", 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.Fail(ctx, "docs", id, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	job, err := q.GetJob(ctx, "docs", id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.State != models.JobStateRetry || job.RetryCount != 1 {
		t.Fatalf("expected retry state with count 1, got %s count=%d", job.State, job.RetryCount)
	}

	// Promote the retry well past its backoff and fail it again.
	if _, err := q.PromoteScheduled(ctx, "docs", time.Now().Add(time.Hour), 10); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if _, err := q.Claim(ctx, "docs", 1); err != nil {
		t.Fatalf("claim retry: %v", err)
	}
	if err := q.Fail(ctx, "docs", id, "boom again"); err != nil {
		t.Fatalf("fail again: %v", err)
	}

	job, _ = q.GetJob(ctx, "docs", id)
	if job.State != models.JobStateFailed {
		t.Fatalf("expected terminal failed, got %s", job.State)
	}
	dlq, err := q.DLQPeek(ctx, 10)
	if err != nil {
		t.Fatalf("dlq peek: %v", err)
	}
	if len(dlq) != 1 || dlq[0] != id {
		t.Fatalf("expected job in dlq, got %v", dlq)
	}

	stats, _ := q.Stats(ctx, "docs")
	if stats.Failed != 1 {
		t.Fatalf("expected failed counter 1, got %d", stats.Failed)
	}
}

func TestRequeueExpiredReturnsAbandonedJobs(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id, _, err := q.Enqueue(ctx, "docs", map[string]any{}, Options{ExpireAfter: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Claim(ctx, "docs", 1); err != nil {
		t.Fatalf("claim: %v", err)
	}

	reclaimed, err := q.RequeueExpired(ctx, "docs", time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != id {
		t.Fatalf("expected reclaimed job %s, got %v", id, reclaimed)
	}

	jobs, err := q.Claim(ctx, "docs", 1)
	if err != nil || len(jobs) != 1 || jobs[0].ID != id {
		t.Fatalf("expected job claimable again, got %v err=%v", jobs, err)
	}
}

func TestCancelOnlyWhileWaiting(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id, _, err := q.Enqueue(ctx, "docs", map[string]any{}, Options{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Cancel(ctx, "docs", id); err != nil {
		t.Fatalf("cancel waiting: %v", err)
	}
	job, _ := q.GetJob(ctx, "docs", id)
	if job.State != models.JobStateCancelled {
		t.Fatalf("expected cancelled, got %s", job.State)
	}

	id2, _, _ := q.Enqueue(ctx, "docs", map[string]any{}, Options{})
	if _, err := q.Claim(ctx, "docs", 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.Cancel(ctx, "docs", id2); err != ErrNotCancellable {
		t.Fatalf("expected ErrNotCancellable for active job, got %v", err)
	}
}

func TestFailPermanentSkipsRetryBudget(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id, _, _ := q.Enqueue(ctx, "docs", map[string]any{}, Options{RetryLimit: 5})
	if _, err := q.Claim(ctx, "docs", 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.FailPermanent(ctx, "docs", id, "unreadable"); err != nil {
		t.Fatalf("fail permanent: %v", err)
	}

	job, _ := q.GetJob(ctx, "docs", id)
	if job.State != models.JobStateFailed {
		t.Fatalf("expected failed, got %s", job.State)
	}
	if job.LastError != "unreadable" {
		t.Fatalf("expected last error recorded, got %q", job.LastError)
	}
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := BackoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := BackoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}
}

func TestSingletonTakeoverGuardedByObservedHolder(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	first, _, err := q.Enqueue(ctx, "docs", map[string]any{"n": 1}, Options{SingletonKey: "ocr:doc1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Claim(ctx, "docs", 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.Complete(ctx, "docs", first, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Completion normally deletes the key; reinstall it to simulate an
	// enqueue racing ahead of the terminal cleanup.
	singKey := q.singletonRedisKey("docs", "ocr:doc1")
	if err := mr.Set(singKey, first); err != nil {
		t.Fatalf("reinstall key: %v", err)
	}

	second, deduped, err := q.Enqueue(ctx, "docs", map[string]any{"n": 2}, Options{SingletonKey: "ocr:doc1"})
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if deduped || second == first {
		t.Fatalf("terminal holder must be replaced (deduped=%v id=%s)", deduped, second)
	}

	holder, err := mr.Get(singKey)
	if err != nil {
		t.Fatalf("read key: %v", err)
	}
	if holder != second {
		t.Fatalf("key should hold the new job id, got %q want %q", holder, second)
	}

	third, deduped, err := q.Enqueue(ctx, "docs", map[string]any{"n": 3}, Options{SingletonKey: "ocr:doc1"})
	if err != nil {
		t.Fatalf("third enqueue: %v", err)
	}
	if !deduped || third != second {
		t.Fatalf("live holder must dedup, got id=%s deduped=%v", third, deduped)
	}
}

func TestSingletonKeyWithoutRecordDedups(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	// A key whose holder record is missing looks like an enqueue whose job
	// hash has not landed yet; it must dedup, not be stolen.
	singKey := q.singletonRedisKey("docs", "ocr:doc9")
	if err := mr.Set(singKey, "in-flight-id"); err != nil {
		t.Fatalf("install key: %v", err)
	}

	id, deduped, err := q.Enqueue(ctx, "docs", map[string]any{"n": 1}, Options{SingletonKey: "ocr:doc9"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !deduped || id != "in-flight-id" {
		t.Fatalf("expected dedup against the in-flight holder, got id=%s deduped=%v", id, deduped)
	}
}

func TestExtendLeasePushesDeadlineForward(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id, _, err := q.Enqueue(ctx, "docs", map[string]any{"n": 1}, Options{ExpireAfter: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Claim(ctx, "docs", 1); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := q.ExtendLease(ctx, "docs", id, time.Hour); err != nil {
		t.Fatalf("extend lease: %v", err)
	}

	reclaimed, err := q.RequeueExpired(ctx, "docs", time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("extended lease must not be reclaimed, got %v", reclaimed)
	}
}
