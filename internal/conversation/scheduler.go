package conversation

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/inboxpilot/inboxpilot/internal/observability/metrics"
	"github.com/inboxpilot/inboxpilot/pkg/logging"
)

// Sender delivers one outbound message and returns the provider message id.
type Sender interface {
	Send(ctx context.Context, businessID, recipientID, text string) (string, error)
}

// Archiver mirrors sent/received messages into long-term storage. Archive
// failures never block or roll back a delivered message.
type Archiver interface {
	AppendMessage(ctx context.Context, convoKey, role, content, providerMessageID string) error
}

// DeliveryConfig tunes the human-pacing model.
type DeliveryConfig struct {
	// ReplyDelayMin/Max bound the base delay of chunk 0.
	ReplyDelayMin time.Duration
	ReplyDelayMax time.Duration
	// StalenessCut collapses the base delay to zero when the conversation
	// has been idle longer than this: an old conversation gets an immediate
	// reply, not an artificially throttled one.
	StalenessCut time.Duration
	// ChunkGapMin/Max bound the random gap between consecutive chunks.
	ChunkGapMin time.Duration
	ChunkGapMax time.Duration
	// MaxChunks caps the number of physically sent fragments; excess tail
	// parts are merged into the last kept part, never dropped.
	MaxChunks int
}

func (c DeliveryConfig) withDefaults() DeliveryConfig {
	if c.ReplyDelayMin <= 0 {
		c.ReplyDelayMin = 30 * time.Second
	}
	if c.ReplyDelayMax < c.ReplyDelayMin {
		c.ReplyDelayMax = c.ReplyDelayMin
	}
	if c.StalenessCut <= 0 {
		c.StalenessCut = 10 * time.Minute
	}
	if c.ChunkGapMin <= 0 {
		c.ChunkGapMin = 4 * time.Second
	}
	if c.ChunkGapMax < c.ChunkGapMin {
		c.ChunkGapMax = c.ChunkGapMin
	}
	if c.MaxChunks <= 0 {
		c.MaxChunks = 3
	}
	return c
}

// Delivery schedules human-paced, multi-chunk reply delivery. With a delay
// queue configured, scheduling returns as soon as all chunks are queued and
// a worker executes them; without one, an in-process fallback loop sends the
// chunks itself.
type Delivery struct {
	store   *Store
	delayed *DelayQueue
	sender  Sender
	archive Archiver
	metrics *metrics.EngineMetrics
	logger  *logging.Logger
	cfg     DeliveryConfig

	now     func() time.Time
	randDur func(min, max time.Duration) time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

// DeliveryOption customizes delivery behavior.
type DeliveryOption func(*Delivery)

// WithDelayQueue enables the durable scheduling path.
func WithDelayQueue(q *DelayQueue) DeliveryOption {
	return func(d *Delivery) { d.delayed = q }
}

// WithArchiver mirrors sent messages into long-term storage.
func WithArchiver(a Archiver) DeliveryOption {
	return func(d *Delivery) { d.archive = a }
}

// WithEngineMetrics wires delivery counters.
func WithEngineMetrics(m *metrics.EngineMetrics) DeliveryOption {
	return func(d *Delivery) { d.metrics = m }
}

// WithDeliveryClock overrides the time source, random gaps, and sleeping
// for tests.
func WithDeliveryClock(now func() time.Time, randDur func(min, max time.Duration) time.Duration, sleep func(ctx context.Context, d time.Duration) error) DeliveryOption {
	return func(d *Delivery) {
		if now != nil {
			d.now = now
		}
		if randDur != nil {
			d.randDur = randDur
		}
		if sleep != nil {
			d.sleep = sleep
		}
	}
}

// NewDelivery creates the delivery scheduler.
func NewDelivery(store *Store, sender Sender, cfg DeliveryConfig, logger *logging.Logger, opts ...DeliveryOption) *Delivery {
	if store == nil {
		panic("conversation: store cannot be nil")
	}
	if sender == nil {
		panic("conversation: sender cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	d := &Delivery{
		store:   store,
		sender:  sender,
		logger:  logger,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		randDur: randomDuration,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DeliverRequest describes one reply to schedule.
type DeliverRequest struct {
	SenderID    string
	RecipientID string
	// BusinessID identifies the workspace whose channel credentials send
	// the message (the page side of the conversation).
	BusinessID string
	Text       string
	// ExpectedMID is the provider id of the newest pending user message the
	// reply was generated for.
	ExpectedMID string
}

// Deliver splits the reply into chunks, computes the delay schedule, clears
// any stale queued tail from an earlier reply, and schedules each chunk.
// A fresh user turn always supersedes an unsent reply to an older turn.
func (d *Delivery) Deliver(ctx context.Context, req DeliverRequest) error {
	if strings.TrimSpace(req.Text) == "" {
		return nil
	}

	if err := d.clearPrevious(ctx, req.SenderID, req.RecipientID); err != nil {
		return err
	}

	conv, err := d.store.GetConversation(ctx, req.SenderID, req.RecipientID)
	if err != nil {
		return err
	}

	parts := SplitChunks(req.Text, d.cfg.MaxChunks)
	delays := d.chunkDelays(conv.LastAssistantAt(), len(parts))

	chunks := make([]QueuedChunk, 0, len(parts))
	for i, part := range parts {
		chunk, err := d.store.EnqueueChunk(ctx, req.SenderID, req.RecipientID, part, delays[i])
		if err != nil {
			return err
		}
		chunks = append(chunks, *chunk)

		if d.delayed == nil {
			continue
		}
		job := jobPayload{
			ID:   chunkJobID(chunk.ID),
			Kind: jobTypeChunk,
			Chunk: &ChunkJob{
				SenderID:    req.SenderID,
				RecipientID: req.RecipientID,
				ChunkID:     chunk.ID,
				ChunkIndex:  i,
			},
		}
		if i == 0 {
			job.Chunk.ExpectedMID = req.ExpectedMID
		}
		if _, err := d.delayed.Schedule(ctx, job, delays[i]); err != nil {
			return err
		}
	}

	if d.delayed == nil {
		go d.runInProcess(context.WithoutCancel(ctx), req, chunks, delays)
	}
	return nil
}

// clearPrevious discards queued chunks from an earlier unsent reply along
// with their delayed jobs.
func (d *Delivery) clearPrevious(ctx context.Context, senderID, recipientID string) error {
	stale, err := d.store.ClearAllChunks(ctx, senderID, recipientID)
	if err != nil {
		return err
	}
	for _, chunk := range stale {
		d.metrics.ObserveChunk("superseded")
		if d.delayed == nil {
			continue
		}
		if err := d.delayed.Remove(ctx, chunkJobID(chunk.ID)); err != nil {
			d.logger.Warn("failed to remove superseded chunk job", "error", err, "chunk_id", chunk.ID)
		}
	}
	return nil
}

// ExecuteChunk performs the pre-send consistency checks and sends one chunk.
// Every check failure is a silent no-op: the chunk was handled elsewhere or
// the reply is no longer wanted. sent reports whether a message went out;
// halt tells in-process callers to stop walking the remaining chunks.
func (d *Delivery) ExecuteChunk(ctx context.Context, job ChunkJob, businessID string) (sent bool, halt bool, err error) {
	conv, err := d.store.GetConversation(ctx, job.SenderID, job.RecipientID)
	if err != nil {
		return false, false, err
	}
	if conv == nil {
		return false, true, nil
	}

	// Autopilot off: stop, but leave remaining chunks queued for manual
	// action rather than purging them.
	if !conv.AutopilotOn {
		d.metrics.ObserveChunk("autopilot_off")
		return false, true, nil
	}

	// A newer user message supersedes this reply before its first chunk.
	if job.ExpectedMID != "" {
		_, pending := PartitionHistory(conv.Messages)
		if latest := LatestPendingMID(pending); latest != "" && latest != job.ExpectedMID {
			d.metrics.ObserveChunk("aborted_stale")
			return false, true, nil
		}
	}

	content := ""
	for _, chunk := range conv.QueuedChunks {
		if chunk.ID == job.ChunkID {
			content = chunk.Content
			break
		}
	}

	removed, err := d.store.RemoveChunk(ctx, job.SenderID, job.RecipientID, job.ChunkID)
	if err != nil {
		return false, false, err
	}
	if !removed || content == "" {
		// Already consumed, cancelled, or sent manually by an operator.
		d.metrics.ObserveChunk("already_handled")
		return false, false, nil
	}

	if businessID == "" {
		businessID = job.RecipientID
	}
	mid, err := d.sender.Send(ctx, businessID, job.SenderID, content)
	if err != nil {
		d.metrics.ObserveChunk("send_failed")
		return false, false, fmt.Errorf("conversation: send chunk: %w", err)
	}
	d.metrics.ObserveChunk("sent")

	d.persistSent(ctx, job.SenderID, job.RecipientID, content, mid)
	return true, false, nil
}

// persistSent records a delivered chunk in the message log. The external
// send already happened, so storage failures are logged, never propagated.
func (d *Delivery) persistSent(ctx context.Context, senderID, recipientID, content, mid string) {
	var metadata map[string]string
	if mid != "" {
		metadata = map[string]string{MetadataMID: mid}
	}
	err := d.store.StoreMessage(ctx, StoreMessageInput{
		SenderID:      senderID,
		RecipientID:   recipientID,
		Content:       content,
		Role:          RoleAssistant,
		Metadata:      metadata,
		IsAIGenerated: true,
	})
	if err != nil {
		d.logger.Error("failed to persist sent chunk", "error", err,
			"conversation_id", ConvoKey(senderID, recipientID))
	}

	if d.archive != nil {
		if err := d.archive.AppendMessage(ctx, ConvoKey(senderID, recipientID), RoleAssistant, content, mid); err != nil {
			d.logger.Warn("failed to archive sent chunk", "error", err)
		}
	}
}

// runInProcess is the wait-then-send fallback used when no durable job
// backend is configured. Cancellation stays cooperative: every iteration
// re-validates against the store before sending.
func (d *Delivery) runInProcess(ctx context.Context, req DeliverRequest, chunks []QueuedChunk, delays []time.Duration) {
	var elapsed time.Duration
	for i, chunk := range chunks {
		if err := d.sleep(ctx, delays[i]-elapsed); err != nil {
			return
		}
		elapsed = delays[i]

		job := ChunkJob{
			SenderID:    req.SenderID,
			RecipientID: req.RecipientID,
			ChunkID:     chunk.ID,
			ChunkIndex:  i,
		}
		if i == 0 {
			job.ExpectedMID = req.ExpectedMID
		}

		_, halt, err := d.ExecuteChunk(ctx, job, req.BusinessID)
		if err != nil {
			d.logger.Error("in-process chunk delivery failed", "error", err,
				"conversation_id", ConvoKey(req.SenderID, req.RecipientID), "chunk_index", i)
			return
		}
		if halt {
			return
		}
	}
}

// chunkDelays expands one base delay into cumulative per-chunk delays.
// Chunk 0 fires at the base delay; each later chunk adds a random gap, so
// scheduledFor is non-decreasing across the reply.
func (d *Delivery) chunkDelays(lastAssistantAt time.Time, n int) []time.Duration {
	base := d.baseDelay(lastAssistantAt)
	delays := make([]time.Duration, n)
	acc := base
	for i := 0; i < n; i++ {
		if i > 0 {
			acc += d.randDur(d.cfg.ChunkGapMin, d.cfg.ChunkGapMax)
		}
		delays[i] = acc
	}
	return delays
}

// baseDelay paces an ongoing back-and-forth but never makes a fresh or
// long-idle lead wait.
func (d *Delivery) baseDelay(lastAssistantAt time.Time) time.Duration {
	if lastAssistantAt.IsZero() {
		return 0
	}
	if d.now().Sub(lastAssistantAt) > d.cfg.StalenessCut {
		return 0
	}
	return d.randDur(d.cfg.ReplyDelayMin, d.cfg.ReplyDelayMax)
}

var paragraphGapPattern = regexp.MustCompile(`\n\s*\n`)

// SplitChunks splits display text at paragraph/line-gap boundaries into at
// most maxParts fragments. Excess tail parts are merged into the last kept
// part so no content is ever dropped.
func SplitChunks(text string, maxParts int) []string {
	if maxParts <= 0 {
		maxParts = 1
	}

	var parts []string
	for _, part := range paragraphGapPattern.Split(text, -1) {
		part = strings.TrimSpace(part)
		if part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) == 0 {
		return nil
	}
	if len(parts) > maxParts {
		parts[maxParts-1] = strings.Join(parts[maxParts-1:], "\n\n")
		parts = parts[:maxParts]
	}
	return parts
}

func chunkJobID(chunkID string) string {
	return "chunk:" + chunkID
}

func randomDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
