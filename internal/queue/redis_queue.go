// Package queue implements the durable document-job queue on Redis: ready
// lists per priority, an in-flight set with visibility-timeout leases, a
// scheduled set for retry backoff, singleton-key deduplication, and a
// dead-letter list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"docpipeline/internal/config"
	"docpipeline/internal/models"
)

// ErrNotCancellable is returned when cancellation is requested for a job that
// already left the waiting state.
var ErrNotCancellable = errors.New("job is not waiting and cannot be cancelled")

// ErrJobNotFound is returned when a job id has no backing record.
var ErrJobNotFound = errors.New("job not found")

// Options control a single enqueue call.
type Options struct {
	Priority     string
	RetryLimit   int
	ExpireAfter  time.Duration
	SingletonKey string
	DedupWindow  time.Duration
}

// Stats summarizes one named queue.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// RedisQueue coordinates ready, in-flight, and scheduled job sets in Redis.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	visibilityTTL  time.Duration
	retryLimit     int
	backoffInitial time.Duration
	backoffMax     time.Duration
	dedupWindow    time.Duration
	dlqKey         string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg)
}

// NewRedisQueueWithClient wires an existing Redis client, used by tests.
func NewRedisQueueWithClient(client *redis.Client, cfg config.Config) *RedisQueue {
	priorities := cfg.PriorityQueues
	if len(priorities) == 0 {
		priorities = []string{"default"}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 5 * time.Minute
	}
	dedup := cfg.DedupWindow
	if dedup == 0 {
		dedup = 10 * time.Minute
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		visibilityTTL:  visibility,
		retryLimit:     cfg.RetryLimit,
		backoffInitial: cfg.BackoffInitial,
		backoffMax:     cfg.BackoffMax,
		dedupWindow:    dedup,
		dlqKey:         dlq,
	}
}

func (q *RedisQueue) readyKey(queueName, priority string) string {
	return fmt.Sprintf("q:%s:ready:%s", queueName, priority)
}

func (q *RedisQueue) scheduledKey(queueName string) string {
	return fmt.Sprintf("q:%s:scheduled", queueName)
}

func (q *RedisQueue) inflightKey(queueName string) string {
	return fmt.Sprintf("q:%s:inflight", queueName)
}

func (q *RedisQueue) jobKey(queueName, jobID string) string {
	return fmt.Sprintf("q:%s:job:%s", queueName, jobID)
}

func (q *RedisQueue) singletonRedisKey(queueName, singletonKey string) string {
	return fmt.Sprintf("q:%s:singleton:%s", queueName, singletonKey)
}

func (q *RedisQueue) counterKey(queueName, name string) string {
	return fmt.Sprintf("q:%s:count:%s", queueName, name)
}

// Enqueue inserts a job into the named queue. When a singleton key is given
// and a non-terminal job already holds it within the dedup window, the
// existing job's id is returned with deduped=true and no new job is created.
func (q *RedisQueue) Enqueue(ctx context.Context, queueName string, payload map[string]any, opts Options) (string, bool, error) {
	if opts.Priority == "" {
		opts.Priority = "default"
	}
	if opts.RetryLimit == 0 {
		opts.RetryLimit = q.retryLimit
	}
	if opts.ExpireAfter == 0 {
		opts.ExpireAfter = q.visibilityTTL
	}
	if opts.DedupWindow == 0 {
		opts.DedupWindow = q.dedupWindow
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", false, fmt.Errorf("marshal payload: %w", err)
	}

	jobID := uuid.New().String()

	if opts.SingletonKey != "" {
		owned, existingID, err := q.claimSingleton(ctx, queueName, opts.SingletonKey, jobID, opts.DedupWindow)
		if err != nil {
			return "", false, err
		}
		if !owned {
			return existingID, true, nil
		}
	}

	now := time.Now()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(queueName, jobID), map[string]any{
		"queue_name":      queueName,
		"payload":         payloadJSON,
		"priority":        opts.Priority,
		"state":           models.JobStateCreated,
		"retry_count":     0,
		"retry_limit":     opts.RetryLimit,
		"expire_after_ms": opts.ExpireAfter.Milliseconds(),
		"singleton_key":   opts.SingletonKey,
		"created_at_ms":   now.UnixMilli(),
	})
	pipe.RPush(ctx, q.readyKey(queueName, opts.Priority), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", false, fmt.Errorf("enqueue job: %w", err)
	}
	return jobID, false, nil
}

// takeoverScript replaces the singleton key only while it still holds the
// value the caller observed. Without the guard two enqueues racing past a
// terminal holder could both install their own id and both create jobs.
var takeoverScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
  return 1
end
return 0`)

// claimSingleton tries to install jobID under the singleton key. It returns
// owned=true when this enqueue may create the job, or the current holder's
// id when the submission dedups against a live job.
func (q *RedisQueue) claimSingleton(ctx context.Context, queueName, singletonKey, jobID string, window time.Duration) (bool, string, error) {
	singKey := q.singletonRedisKey(queueName, singletonKey)

	for attempt := 0; attempt < 3; attempt++ {
		claimed, err := q.client.SetNX(ctx, singKey, jobID, window).Result()
		if err != nil {
			return false, "", fmt.Errorf("claim singleton key: %w", err)
		}
		if claimed {
			return true, "", nil
		}

		existingID, err := q.client.Get(ctx, singKey).Result()
		if errors.Is(err, redis.Nil) {
			// Expired between SetNX and Get; retry the claim.
			continue
		}
		if err != nil {
			return false, "", fmt.Errorf("read singleton key: %w", err)
		}

		state, err := q.client.HGet(ctx, q.jobKey(queueName, existingID), "state").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return false, "", fmt.Errorf("read existing job state: %w", err)
		}
		if !models.IsTerminalJobState(state) {
			// An empty state means the holder's record is still being
			// written; treat it as live. An orphaned key without a record
			// expires with the dedup window.
			return false, existingID, nil
		}

		// Holder is terminal; take over, guarded against a concurrent
		// enqueue doing the same.
		n, err := takeoverScript.Run(ctx, q.client, []string{singKey},
			existingID, jobID, window.Milliseconds()).Int()
		if err != nil {
			return false, "", fmt.Errorf("replace singleton key: %w", err)
		}
		if n == 1 {
			return true, "", nil
		}
		// Lost the takeover race; loop re-evaluates the new holder.
	}

	existingID, err := q.client.Get(ctx, singKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, "", fmt.Errorf("read singleton key: %w", err)
	}
	if existingID != "" {
		return false, existingID, nil
	}
	return false, "", fmt.Errorf("singleton key %q is contended", singletonKey)
}

// claimScript pops one ready job (priority order), marks it active, and
// records its lease deadline in the in-flight set. ARGV[1] is now in millis.
var claimScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
local now = tonumber(ARGV[1])
local prefix = ARGV[2]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    local jobKey = prefix .. job
    local expire = tonumber(redis.call('HGET', jobKey, 'expire_after_ms')) or tonumber(ARGV[3])
    redis.call('ZADD', inflight, now + expire, job)
    redis.call('HSET', jobKey, 'state', 'active', 'started_at_ms', now)
    return job
  end
end
return false
`)

// Claim leases up to batchSize jobs from the named queue. Leased jobs are
// invisible to other claimers until completed, failed, or lease-expired.
func (q *RedisQueue) Claim(ctx context.Context, queueName string, batchSize int) ([]models.Job, error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(queueName, p))
	}
	keys = append(keys, q.inflightKey(queueName))
	prefix := fmt.Sprintf("q:%s:job:", queueName)

	jobs := make([]models.Job, 0, batchSize)
	for len(jobs) < batchSize {
		res, err := claimScript.Run(ctx, q.client, keys,
			time.Now().UnixMilli(), prefix, q.visibilityTTL.Milliseconds()).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return jobs, fmt.Errorf("claim job: %w", err)
		}
		jobID, ok := res.(string)
		if !ok || jobID == "" {
			break
		}
		job, err := q.GetJob(ctx, queueName, jobID)
		if err != nil {
			// Orphaned id without a record; drop the lease and move on.
			_ = q.client.ZRem(ctx, q.inflightKey(queueName), jobID).Err()
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Complete marks a leased job as terminally succeeded and releases its
// singleton key so a later submission for the same document is accepted.
func (q *RedisQueue) Complete(ctx context.Context, queueName, jobID string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	singletonKey, _ := q.client.HGet(ctx, q.jobKey(queueName, jobID), "singleton_key").Result()

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(queueName), jobID)
	pipe.HSet(ctx, q.jobKey(queueName, jobID), map[string]any{
		"state":           models.JobStateCompleted,
		"result":          resultJSON,
		"completed_at_ms": time.Now().UnixMilli(),
	})
	pipe.Incr(ctx, q.counterKey(queueName, "completed"))
	if singletonKey != "" {
		pipe.Del(ctx, q.singletonRedisKey(queueName, singletonKey))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// Fail records a failure. Below the retry limit the job is scheduled for a
// retry with exponential backoff; beyond it the job is terminally failed and
// pushed to the DLQ.
func (q *RedisQueue) Fail(ctx context.Context, queueName, jobID, reason string) error {
	job, err := q.GetJob(ctx, queueName, jobID)
	if err != nil {
		return err
	}
	attempts := job.RetryCount + 1

	if attempts <= job.RetryLimit {
		nextRun := time.Now().Add(BackoffWithJitter(q.backoffInitial, q.backoffMax, attempts))
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.inflightKey(queueName), jobID)
		pipe.HSet(ctx, q.jobKey(queueName, jobID), map[string]any{
			"state":       models.JobStateRetry,
			"retry_count": attempts,
			"last_error":  reason,
		})
		pipe.ZAdd(ctx, q.scheduledKey(queueName), redis.Z{
			Score:  float64(nextRun.UnixMilli()),
			Member: jobID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		return nil
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(queueName), jobID)
	pipe.HSet(ctx, q.jobKey(queueName, jobID), map[string]any{
		"state":           models.JobStateFailed,
		"retry_count":     attempts,
		"last_error":      reason,
		"completed_at_ms": time.Now().UnixMilli(),
	})
	pipe.Incr(ctx, q.counterKey(queueName, "failed"))
	pipe.RPush(ctx, q.dlqKey, jobID)
	if job.SingletonKey != "" {
		pipe.Del(ctx, q.singletonRedisKey(queueName, job.SingletonKey))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead-letter job: %w", err)
	}
	return nil
}

// FailPermanent dead-letters a job immediately, bypassing the retry budget.
// Used for failures that can never succeed, like malformed payloads or
// unreadable content.
func (q *RedisQueue) FailPermanent(ctx context.Context, queueName, jobID, reason string) error {
	job, err := q.GetJob(ctx, queueName, jobID)
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(queueName), jobID)
	pipe.HSet(ctx, q.jobKey(queueName, jobID), map[string]any{
		"state":           models.JobStateFailed,
		"last_error":      reason,
		"completed_at_ms": time.Now().UnixMilli(),
	})
	pipe.Incr(ctx, q.counterKey(queueName, "failed"))
	pipe.RPush(ctx, q.dlqKey, jobID)
	if job.SingletonKey != "" {
		pipe.Del(ctx, q.singletonRedisKey(queueName, job.SingletonKey))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead-letter job: %w", err)
	}
	return nil
}

// Cancel removes a waiting job. Jobs that are already active run to
// completion or lease expiry and cannot be cancelled mid-flight.
func (q *RedisQueue) Cancel(ctx context.Context, queueName, jobID string) error {
	job, err := q.GetJob(ctx, queueName, jobID)
	if err != nil {
		return err
	}
	if job.State != models.JobStateCreated && job.State != models.JobStateRetry {
		return ErrNotCancellable
	}

	pipe := q.client.TxPipeline()
	for _, p := range q.priorityQueues {
		pipe.LRem(ctx, q.readyKey(queueName, p), 0, jobID)
	}
	pipe.ZRem(ctx, q.scheduledKey(queueName), jobID)
	pipe.HSet(ctx, q.jobKey(queueName, jobID), map[string]any{
		"state":           models.JobStateCancelled,
		"completed_at_ms": time.Now().UnixMilli(),
	})
	if job.SingletonKey != "" {
		pipe.Del(ctx, q.singletonRedisKey(queueName, job.SingletonKey))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	return nil
}

// PromoteScheduled moves due retry jobs back into ready queues. It returns
// how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, queueName string, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey(queueName), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan scheduled: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		priority := q.jobPriority(ctx, queueName, id)
		pipe.ZRem(ctx, q.scheduledKey(queueName), id)
		pipe.RPush(ctx, q.readyKey(queueName, priority), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("promote scheduled: %w", err)
	}
	return len(ids), nil
}

// RequeueExpired reclaims leases whose visibility deadline passed, returning
// the abandoned jobs to waiting. This is the crash-recovery path for workers
// that died mid-job.
func (q *RedisQueue) RequeueExpired(ctx context.Context, queueName string, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey(queueName), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan inflight: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		priority := q.jobPriority(ctx, queueName, id)
		pipe.ZRem(ctx, q.inflightKey(queueName), id)
		pipe.HSet(ctx, q.jobKey(queueName, id), "state", models.JobStateCreated)
		pipe.RPush(ctx, q.readyKey(queueName, priority), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("requeue expired: %w", err)
	}
	return ids, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, queueName, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey(queueName), redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// GetJob fetches a job record by id.
func (q *RedisQueue) GetJob(ctx context.Context, queueName, jobID string) (models.Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(queueName, jobID)).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("read job: %w", err)
	}
	if len(fields) == 0 {
		return models.Job{}, ErrJobNotFound
	}

	job := models.Job{
		ID:           jobID,
		QueueName:    queueName,
		Priority:     fields["priority"],
		State:        fields["state"],
		SingletonKey: fields["singleton_key"],
		LastError:    fields["last_error"],
	}
	job.RetryCount, _ = strconv.Atoi(fields["retry_count"])
	job.RetryLimit, _ = strconv.Atoi(fields["retry_limit"])
	if raw := fields["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Payload); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	job.CreatedAt = msField(fields, "created_at_ms")
	if t := msField(fields, "started_at_ms"); !t.IsZero() {
		job.StartedAt = &t
	}
	if t := msField(fields, "completed_at_ms"); !t.IsZero() {
		job.CompletedAt = &t
	}
	return job, nil
}

// Stats reports queue depths and terminal counters for one named queue.
func (q *RedisQueue) Stats(ctx context.Context, queueName string) (Stats, error) {
	pipe := q.client.Pipeline()
	readyCmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		readyCmds = append(readyCmds, pipe.LLen(ctx, q.readyKey(queueName, p)))
	}
	scheduledCmd := pipe.ZCard(ctx, q.scheduledKey(queueName))
	activeCmd := pipe.ZCard(ctx, q.inflightKey(queueName))
	completedCmd := pipe.Get(ctx, q.counterKey(queueName, "completed"))
	failedCmd := pipe.Get(ctx, q.counterKey(queueName, "failed"))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}

	var stats Stats
	for _, c := range readyCmds {
		stats.Waiting += c.Val()
	}
	stats.Waiting += scheduledCmd.Val()
	stats.Active = activeCmd.Val()
	stats.Completed, _ = strconv.ParseInt(completedCmd.Val(), 10, 64)
	stats.Failed, _ = strconv.ParseInt(failedCmd.Val(), 10, 64)
	return stats, nil
}

// DLQPeek reads the oldest dead-lettered job IDs for operational inspection.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// BackoffWithJitter computes an exponential backoff capped at max, with the
// upper half randomized to spread retries from competing workers.
func BackoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

func (q *RedisQueue) jobPriority(ctx context.Context, queueName, jobID string) string {
	priority, err := q.client.HGet(ctx, q.jobKey(queueName, jobID), "priority").Result()
	if err != nil || priority == "" {
		return "default"
	}
	return priority
}

func msField(fields map[string]string, name string) time.Time {
	ms, err := strconv.ParseInt(fields[name], 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
