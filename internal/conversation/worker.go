package conversation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/inboxpilot/inboxpilot/pkg/logging"
)

const (
	defaultWorkerConcurrency = 5
	defaultReceiveBatch      = 10
	defaultWaitSeconds       = 20
	workerErrorBackoff       = 5 * time.Second
)

// Worker consumes promoted delivery and follow-up jobs from the work queue.
type Worker struct {
	queue     queueClient
	delivery  *Delivery
	followups *Followups
	logger    *logging.Logger

	concurrency int
	wg          sync.WaitGroup
}

// WorkerOption customizes worker behavior.
type WorkerOption func(*Worker)

// WithConcurrency sets the number of consumer goroutines.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// NewWorker wires a queue consumer over the delivery and follow-up executors.
func NewWorker(queue queueClient, delivery *Delivery, followups *Followups, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if queue == nil {
		panic("conversation: queue cannot be nil")
	}
	if delivery == nil {
		panic("conversation: delivery cannot be nil")
	}
	if followups == nil {
		panic("conversation: followups cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	w := &Worker{
		queue:       queue,
		delivery:    delivery,
		followups:   followups,
		logger:      logger,
		concurrency: defaultWorkerConcurrency,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the consumer goroutines. They run until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("starting job workers", "concurrency", w.concurrency)
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.run(ctx)
		}()
	}
}

// Wait blocks until every consumer goroutine has exited.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		msgs, err := w.queue.Receive(ctx, defaultReceiveBatch, defaultWaitSeconds)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to receive jobs", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(workerErrorBackoff):
			}
			continue
		}

		for _, msg := range msgs {
			if w.handle(ctx, msg.Body) {
				if err := w.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
					w.logger.Error("failed to delete job", "error", err, "message_id", msg.ID)
				}
			}
		}
	}
}

// handle executes one job. It reports whether the message should be deleted:
// malformed payloads are deleted (redelivery cannot fix them), transient
// execution failures are left for the queue to redeliver.
func (w *Worker) handle(ctx context.Context, body string) bool {
	var payload jobPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		w.logger.Error("dropping malformed job payload", "error", err)
		return true
	}

	switch payload.Kind {
	case jobTypeChunk:
		if payload.Chunk == nil {
			w.logger.Error("dropping chunk job with no body", "job_id", payload.ID)
			return true
		}
		if _, _, err := w.delivery.ExecuteChunk(ctx, *payload.Chunk, ""); err != nil {
			w.logger.Error("chunk job failed", "error", err, "job_id", payload.ID)
			return false
		}
	case jobTypeFollowup:
		if payload.Followup == nil {
			w.logger.Error("dropping followup job with no body", "job_id", payload.ID)
			return true
		}
		if err := w.followups.Execute(ctx, payload.ID, *payload.Followup, ""); err != nil {
			w.logger.Error("followup job failed", "error", err, "job_id", payload.ID)
			return false
		}
	default:
		w.logger.Error("dropping job with unknown kind", "kind", string(payload.Kind), "job_id", payload.ID)
	}
	return true
}
