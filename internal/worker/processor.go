package worker

import (
	"context"
	"log/slog"
	"time"

	"deckforge/internal/config"
	"deckforge/internal/pipeline"
	"deckforge/internal/queue"
	"deckforge/internal/retry"
	"deckforge/internal/telemetry"
)

// Processor drives the worker execution loop. Each dequeue advances a job
// by exactly one stage; unfinished jobs go straight back on the queue so
// long pipelines share workers fairly.
type Processor struct {
	cfg   config.Config
	queue *queue.RedisQueue
	orch  *pipeline.Orchestrator
	log   *slog.Logger
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, orch *pipeline.Orchestrator, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{cfg: cfg, queue: q, orch: orch, log: log}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	infraFailures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize)); err != nil {
			p.log.Warn("promote scheduled", "error", err)
		}
		if reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100); err != nil {
			p.log.Warn("requeue expired", "error", err)
		} else if len(reclaimed) > 0 {
			p.log.Info("reclaimed expired leases", "count", len(reclaimed))
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
		if inflight, err := p.queue.InflightDepth(ctx); err == nil {
			telemetry.InFlightGauge.Set(float64(inflight))
		}

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			p.log.Warn("dequeue", "error", err)
			time.Sleep(p.cfg.WorkerPollInterval)
			continue
		}
		if jobID == "" {
			time.Sleep(p.cfg.WorkerPollInterval)
			continue
		}

		done, err := p.orch.Advance(ctx, jobID)
		switch {
		case err != nil:
			// Infrastructure fault. Back off and let the lease expire so the
			// job is redelivered, possibly to a healthier worker.
			infraFailures++
			p.log.Error("advance job", "job", jobID, "error", err)
			sleepCtx(ctx, retry.Delay(p.cfg.WorkerPollInterval, 30*time.Second, infraFailures))
		case done:
			infraFailures = 0
			// Terminal jobs are purged from every queue set, not just the
			// inflight lease, so duplicate enqueues cannot redeliver them.
			if err := p.queue.Remove(ctx, jobID); err != nil {
				p.log.Warn("remove finished job", "job", jobID, "error", err)
			}
		default:
			infraFailures = 0
			if err := p.queue.Ack(ctx, jobID); err != nil {
				p.log.Warn("ack job", "job", jobID, "error", err)
			}
			if err := p.queue.Enqueue(ctx, jobID, time.Now()); err != nil {
				// The lease is gone but the row still holds the stage; the
				// operator can re-enqueue. Log loudly.
				p.log.Error("re-enqueue job", "job", jobID, "error", err)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
