package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/inboxpilot/inboxpilot/internal/observability/metrics"
	"github.com/inboxpilot/inboxpilot/pkg/logging"
)

// messagingWindow is the channel policy window for business-initiated sends.
// Every follow-up delay is capped below it so a nudge never fires after the
// conversation can no longer legally receive one.
const messagingWindow = 24 * time.Hour

// FollowupStep is one nudge in a sequence: text plus the delay from the
// previous engagement point.
type FollowupStep struct {
	Text  string
	Delay time.Duration
}

// followupSequences maps a sequence key to its ordered steps. Stage tags are
// grouped onto sequence keys by sequenceKeyForStage; a stage change between
// scheduling and firing restarts the new stage's sequence from step 0.
var followupSequences = map[string][]FollowupStep{
	"lead": {
		{Text: "Hey! Just checking in — did you still want more info? Happy to answer any questions.", Delay: 2 * time.Hour},
		{Text: "No pressure at all! If now isn't a good time, just let me know what works for you.", Delay: 8 * time.Hour},
		{Text: "Last check-in from me — I'll leave you to it, but I'm here whenever you're ready!", Delay: 23 * time.Hour},
	},
	"qualification": {
		{Text: "Just wanted to follow up on my last question — whenever you get a sec!", Delay: 3 * time.Hour},
		{Text: "Still around if you'd like to pick this back up. No rush!", Delay: 20 * time.Hour},
	},
	"booking": {
		{Text: "Did you get a chance to grab a time? The link's right above if you need it again.", Delay: 90 * time.Minute},
		{Text: "Spots have been filling up — wanted to give you a heads up in case you still want one!", Delay: 6 * time.Hour},
		{Text: "Last nudge from me! Let me know if anything's getting in the way of booking.", Delay: 23 * time.Hour},
	},
	"call_booked": {
		{Text: "Looking forward to your call! Let me know if you have any questions beforehand.", Delay: 4 * time.Hour},
	},
}

// sequenceKeyForStage maps a normalized stage tag to its follow-up sequence.
// Unknown and early-funnel stages share the lead sequence; flagged and
// terminal stages get none.
func sequenceKeyForStage(stage string) string {
	switch NormalizeStageTag(stage) {
	case "qualification", "qualifying":
		return "qualification"
	case "booking", "booking_link_sent":
		return "booking"
	case "call_booked", "booked":
		return "call_booked"
	case "closed", "lost", "flag", "flagged":
		return ""
	default:
		return "lead"
	}
}

// Followups schedules and executes stage-aware nudges. At most one follow-up
// job is pending per conversation; the stored PendingJobID is the claim token
// that lets a fired job detect it was superseded.
type Followups struct {
	store   *Store
	delayed *DelayQueue
	sender  Sender
	archive Archiver
	metrics *metrics.EngineMetrics
	logger  *logging.Logger

	newJobID func() string
}

// FollowupOption customizes follow-up behavior.
type FollowupOption func(*Followups)

// WithFollowupArchiver mirrors sent nudges into long-term storage.
func WithFollowupArchiver(a Archiver) FollowupOption {
	return func(f *Followups) { f.archive = a }
}

// WithFollowupMetrics wires follow-up counters.
func WithFollowupMetrics(m *metrics.EngineMetrics) FollowupOption {
	return func(f *Followups) { f.metrics = m }
}

// WithFollowupJobIDs overrides job id generation for tests.
func WithFollowupJobIDs(gen func() string) FollowupOption {
	return func(f *Followups) {
		if gen != nil {
			f.newJobID = gen
		}
	}
}

// NewFollowups creates the follow-up scheduler. A nil delay queue disables
// scheduling entirely: Schedule calls become no-ops rather than panics, so a
// deployment without Redis simply runs without nudges.
func NewFollowups(store *Store, delayed *DelayQueue, sender Sender, logger *logging.Logger, opts ...FollowupOption) *Followups {
	if store == nil {
		panic("conversation: store cannot be nil")
	}
	if sender == nil {
		panic("conversation: sender cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	f := &Followups{
		store:    store,
		delayed:  delayed,
		sender:   sender,
		logger:   logger,
		newJobID: func() string { return "followup:" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ScheduleSequence cancels any pending follow-up and arms step 0 of the
// sequence for the conversation's current stage. Stages with no sequence
// leave the conversation with no pending follow-up.
func (f *Followups) ScheduleSequence(ctx context.Context, senderID, recipientID string) error {
	if err := f.Cancel(ctx, senderID, recipientID); err != nil {
		return err
	}

	stage, err := f.store.GetStageTag(ctx, senderID, recipientID)
	if err != nil {
		return err
	}
	key := sequenceKeyForStage(stage)
	if key == "" {
		return nil
	}
	return f.scheduleStep(ctx, senderID, recipientID, key, 0)
}

// scheduleStep arms one step of a sequence. An index past the sequence end
// clears follow-up state: the sequence is complete.
func (f *Followups) scheduleStep(ctx context.Context, senderID, recipientID, key string, index int) error {
	if f.delayed == nil {
		return nil
	}

	steps := followupSequences[key]
	if index >= len(steps) {
		return f.store.ClearFollowupState(ctx, senderID, recipientID)
	}

	delay := steps[index].Delay
	if delay >= messagingWindow {
		delay = messagingWindow - time.Minute
	}

	jobID := f.newJobID()
	_, err := f.delayed.Schedule(ctx, jobPayload{
		ID:   jobID,
		Kind: jobTypeFollowup,
		Followup: &FollowupJob{
			SenderID:    senderID,
			RecipientID: recipientID,
			SequenceKey: key,
			Index:       index,
		},
	}, delay)
	if err != nil {
		return err
	}

	err = f.store.SetFollowupState(ctx, senderID, recipientID, FollowupState{
		SequenceKey:   key,
		FollowupIndex: index,
		PendingJobID:  jobID,
		ScheduledFor:  time.Now().UTC().Add(delay),
		IsActive:      true,
	})
	if err != nil {
		// The job will fire but find a mismatched PendingJobID and no-op.
		if rmErr := f.delayed.Remove(ctx, jobID); rmErr != nil {
			f.logger.Warn("failed to remove orphaned followup job", "error", rmErr, "job_id", jobID)
		}
		return err
	}

	f.metrics.ObserveFollowup("scheduled")
	return nil
}

// Execute runs one fired follow-up job. Every consistency check failure is a
// silent no-op: the user replied, an operator took over, or a newer schedule
// superseded this job.
func (f *Followups) Execute(ctx context.Context, jobID string, job FollowupJob, businessID string) error {
	conv, err := f.store.GetConversation(ctx, job.SenderID, job.RecipientID)
	if err != nil {
		return err
	}
	if conv == nil || !conv.AutopilotOn || conv.Flagged {
		f.metrics.ObserveFollowup("skipped")
		return nil
	}

	state := conv.Followup
	if state == nil || !state.IsActive || state.PendingJobID != jobID {
		// Superseded or cancelled after this job was scheduled.
		f.metrics.ObserveFollowup("superseded")
		return nil
	}

	// The stage may have moved since scheduling. A stage on a different
	// sequence restarts that sequence from step 0 instead of sending a
	// nudge written for the old stage.
	currentKey := sequenceKeyForStage(conv.StageTag)
	if currentKey == "" {
		f.metrics.ObserveFollowup("skipped")
		return f.store.ClearFollowupState(ctx, job.SenderID, job.RecipientID)
	}
	if currentKey != job.SequenceKey {
		return f.scheduleStep(ctx, job.SenderID, job.RecipientID, currentKey, 0)
	}

	steps := followupSequences[job.SequenceKey]
	if job.Index >= len(steps) {
		return f.store.ClearFollowupState(ctx, job.SenderID, job.RecipientID)
	}
	text := steps[job.Index].Text

	if businessID == "" {
		businessID = job.RecipientID
	}
	mid, err := f.sender.Send(ctx, businessID, job.SenderID, text)
	if err != nil {
		f.metrics.ObserveFollowup("send_failed")
		return fmt.Errorf("conversation: send followup: %w", err)
	}
	f.metrics.ObserveFollowup("sent")

	f.persistSent(ctx, job.SenderID, job.RecipientID, text, mid)
	return f.scheduleStep(ctx, job.SenderID, job.RecipientID, job.SequenceKey, job.Index+1)
}

// Cancel removes the pending follow-up job and clears state. Cancelling a
// conversation with nothing pending is a no-op.
func (f *Followups) Cancel(ctx context.Context, senderID, recipientID string) error {
	conv, err := f.store.GetConversation(ctx, senderID, recipientID)
	if err != nil {
		return err
	}
	if conv == nil || conv.Followup == nil {
		return nil
	}

	if f.delayed != nil && conv.Followup.PendingJobID != "" {
		if err := f.delayed.Remove(ctx, conv.Followup.PendingJobID); err != nil {
			f.logger.Warn("failed to remove followup job", "error", err,
				"job_id", conv.Followup.PendingJobID)
		}
	}
	f.metrics.ObserveFollowup("cancelled")
	return f.store.ClearFollowupState(ctx, senderID, recipientID)
}

func (f *Followups) persistSent(ctx context.Context, senderID, recipientID, content, mid string) {
	var metadata map[string]string
	if mid != "" {
		metadata = map[string]string{MetadataMID: mid}
	}
	err := f.store.StoreMessage(ctx, StoreMessageInput{
		SenderID:      senderID,
		RecipientID:   recipientID,
		Content:       content,
		Role:          RoleAssistant,
		Metadata:      metadata,
		IsAIGenerated: true,
	})
	if err != nil {
		f.logger.Error("failed to persist followup message", "error", err,
			"conversation_id", ConvoKey(senderID, recipientID))
	}

	if f.archive != nil {
		if err := f.archive.AppendMessage(ctx, ConvoKey(senderID, recipientID), RoleAssistant, content, mid); err != nil {
			f.logger.Warn("failed to archive followup message", "error", err)
		}
	}
}
