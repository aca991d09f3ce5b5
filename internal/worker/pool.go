package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"docpipeline/internal/config"
	"docpipeline/internal/models"
	"docpipeline/internal/telemetry"
)

// Pool runs the claim loop and fans jobs out to a bounded team of
// processing goroutines.
type Pool struct {
	cfg    config.Config
	worker *Worker
	queue  Queue
	logger *slog.Logger
}

func NewPool(cfg config.Config, w *Worker, q Queue, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{cfg: cfg, worker: w, queue: q, logger: logger}
}

// Run drives the pool until context cancellation: promote due retries,
// reclaim expired leases, claim a batch, and hand jobs to the team.
func (p *Pool) Run(ctx context.Context) error {
	teamSize := p.cfg.TeamSize
	if teamSize <= 0 {
		teamSize = 1
	}

	jobCh := make(chan models.Job)
	var wg sync.WaitGroup
	for i := 0; i < teamSize; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for job := range jobCh {
				telemetry.InFlightGauge.Inc()
				if err := p.worker.ProcessJob(ctx, job); err != nil {
					p.logger.Error("job processing error", "team_member", n, "job_id", job.ID, "error", err)
				}
				telemetry.InFlightGauge.Dec()
			}
		}(i + 1)
	}

	p.logger.Info("worker pool started",
		"queue", p.cfg.QueueName,
		"team_size", teamSize,
		"org_slots", p.cfg.OrgSlots)

	for {
		select {
		case <-ctx.Done():
			close(jobCh)
			wg.Wait()
			p.logger.Info("worker pool stopped")
			return ctx.Err()
		default:
		}

		now := time.Now()
		if _, err := p.queue.PromoteScheduled(ctx, p.cfg.QueueName, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
			p.logger.Warn("promote scheduled failed", "error", err)
		}
		if reclaimed, err := p.queue.RequeueExpired(ctx, p.cfg.QueueName, now, 100); err != nil {
			p.logger.Warn("requeue expired failed", "error", err)
		} else if len(reclaimed) > 0 {
			p.logger.Info("reclaimed expired leases", "count", len(reclaimed))
		}

		jobs, err := p.queue.Claim(ctx, p.cfg.QueueName, p.cfg.ClaimBatchSize)
		if err != nil {
			p.logger.Warn("claim failed", "error", err)
			p.sleep(ctx)
			continue
		}
		if len(jobs) == 0 {
			p.sleep(ctx)
			continue
		}

		for _, job := range jobs {
			select {
			case jobCh <- job:
			case <-ctx.Done():
				close(jobCh)
				wg.Wait()
				return ctx.Err()
			}
		}
	}
}

func (p *Pool) sleep(ctx context.Context) {
	interval := p.cfg.WorkerPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(interval):
	}
}
