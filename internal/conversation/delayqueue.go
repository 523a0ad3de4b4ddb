package conversation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/inboxpilot/inboxpilot/pkg/logging"
)

const (
	delayedJobsKey        = "delayed_jobs"
	delayedJobPayloadsKey = "delayed_jobs:payloads"
	defaultPumpInterval   = time.Second
)

// DelayQueue schedules jobs for future execution. SQS caps native delays at
// 15 minutes, so delayed jobs live in a Redis sorted set scored by due time;
// a pump promotes due jobs onto the work queue. The job id is the sorted-set
// member and doubles as the cancellation handle.
type DelayQueue struct {
	redis  *redis.Client
	queue  queueClient
	logger *logging.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// PendingJob describes one scheduled-but-not-yet-due job.
type PendingJob struct {
	ID    string
	DueAt time.Time
}

// NewDelayQueue creates a delayed-job store that promotes due jobs to the
// provided queue.
func NewDelayQueue(rdb *redis.Client, queue queueClient, logger *logging.Logger) *DelayQueue {
	if rdb == nil {
		panic("conversation: redis client cannot be nil")
	}
	if queue == nil {
		panic("conversation: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DelayQueue{
		redis:  rdb,
		queue:  queue,
		logger: logger,
		tracer: otel.Tracer("inboxpilot.internal.conversation.delayqueue"),
		now:    time.Now,
	}
}

// Schedule stores a job due after delay. Scheduling an id that already
// exists supersedes the previous due time and payload.
func (q *DelayQueue) Schedule(ctx context.Context, payload jobPayload, delay time.Duration) (string, error) {
	ctx, span := q.tracer.Start(ctx, "conversation.schedule_delayed_job")
	defer span.End()

	payload, body, err := encodePayload(payload)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	dueAt := q.now().Add(delay)
	pipe := q.redis.TxPipeline()
	pipe.ZAdd(ctx, delayedJobsKey, redis.Z{Score: float64(dueAt.UnixMilli()), Member: payload.ID})
	pipe.HSet(ctx, delayedJobPayloadsKey, payload.ID, body)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("conversation: schedule delayed job: %w", err)
	}
	return payload.ID, nil
}

// Remove cancels a scheduled job. Removing an id that already ran or was
// never scheduled is a no-op.
func (q *DelayQueue) Remove(ctx context.Context, jobID string) error {
	if jobID == "" {
		return nil
	}
	ctx, span := q.tracer.Start(ctx, "conversation.remove_delayed_job")
	defer span.End()

	pipe := q.redis.TxPipeline()
	pipe.ZRem(ctx, delayedJobsKey, jobID)
	pipe.HDel(ctx, delayedJobPayloadsKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("conversation: remove delayed job: %w", err)
	}
	return nil
}

// GetDelayed lists scheduled jobs that have not yet been promoted.
func (q *DelayQueue) GetDelayed(ctx context.Context) ([]PendingJob, error) {
	entries, err := q.redis.ZRangeWithScores(ctx, delayedJobsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("conversation: list delayed jobs: %w", err)
	}

	jobs := make([]PendingJob, 0, len(entries))
	for _, entry := range entries {
		id, ok := entry.Member.(string)
		if !ok {
			continue
		}
		jobs = append(jobs, PendingJob{
			ID:    id,
			DueAt: time.UnixMilli(int64(entry.Score)),
		})
	}
	return jobs, nil
}

// PromoteDue moves every due job onto the work queue. Returns the number of
// jobs promoted. Safe to call from multiple pumps: ZREM decides the winner.
func (q *DelayQueue) PromoteDue(ctx context.Context) (int, error) {
	now := q.now()
	ids, err := q.redis.ZRangeByScore(ctx, delayedJobsKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("conversation: fetch due jobs: %w", err)
	}

	promoted := 0
	for _, id := range ids {
		removed, err := q.redis.ZRem(ctx, delayedJobsKey, id).Result()
		if err != nil {
			return promoted, fmt.Errorf("conversation: claim due job: %w", err)
		}
		if removed == 0 {
			// Another pump claimed it.
			continue
		}

		body, err := q.redis.HGet(ctx, delayedJobPayloadsKey, id).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return promoted, fmt.Errorf("conversation: load due job payload: %w", err)
		}

		if err := q.queue.Send(ctx, body); err != nil {
			// Put it back so the job is not lost; it will be retried on the
			// next pump tick.
			q.redis.ZAdd(ctx, delayedJobsKey, redis.Z{Score: float64(now.UnixMilli()), Member: id})
			q.logger.Error("failed to promote delayed job", "error", err, "job_id", id)
			continue
		}

		q.redis.HDel(ctx, delayedJobPayloadsKey, id)
		promoted++
	}
	return promoted, nil
}

// RunPump promotes due jobs on an interval until ctx is cancelled.
func (q *DelayQueue) RunPump(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultPumpInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.PromoteDue(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				q.logger.Error("delayed job pump failed", "error", err)
			}
		}
	}
}
