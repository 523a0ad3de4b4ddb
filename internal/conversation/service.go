package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/inboxpilot/inboxpilot/internal/channels/instagram"
	"github.com/inboxpilot/inboxpilot/internal/observability/metrics"
	"github.com/inboxpilot/inboxpilot/internal/settings"
	"github.com/inboxpilot/inboxpilot/pkg/logging"
)

// apologyText is sent when reply generation fails, so the lead is never
// left on read by an internal error.
const apologyText = "Sorry, I'm having a little trouble on my end right now. Give me a moment and I'll get back to you!"

// Service orchestrates the inbound pipeline: ingest, trigger matching,
// reply composition, and scheduling of delivery and follow-ups.
type Service struct {
	store     *Store
	composer  *Composer
	delivery  *Delivery
	followups *Followups
	settings  SettingsProvider
	metrics   *metrics.EngineMetrics
	logger    *logging.Logger

	historyLimit int
	now          func() time.Time
}

// ServiceOption customizes service behavior.
type ServiceOption func(*Service)

// WithServiceMetrics wires engine counters.
func WithServiceMetrics(m *metrics.EngineMetrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithHistoryLimit caps how many prior messages are fed to the generator.
func WithHistoryLimit(limit int) ServiceOption {
	return func(s *Service) {
		if limit > 0 {
			s.historyLimit = limit
		}
	}
}

// WithServiceClock overrides the time source for tests.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires the orchestrator.
func NewService(store *Store, composer *Composer, delivery *Delivery, followups *Followups, provider SettingsProvider, logger *logging.Logger, opts ...ServiceOption) *Service {
	if store == nil {
		panic("conversation: store cannot be nil")
	}
	if composer == nil {
		panic("conversation: composer cannot be nil")
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

	s := &Service{
		store:        store,
		composer:     composer,
		delivery:     delivery,
		followups:    followups,
		settings:     provider,
		logger:       logger,
		historyLimit: 40,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnInboundMessage handles one webhook messaging event end to end. Errors
// after the message is durably stored are logged, not returned: the webhook
// was already acknowledged and a retry would duplicate the ingest.
func (s *Service) OnInboundMessage(ctx context.Context, ev instagram.InboundEvent) error {
	if ev.IsEcho {
		return s.onEcho(ctx, ev)
	}
	s.metrics.ObserveInbound("message")

	text := inboundText(ev)
	if text == "" {
		return nil
	}

	var metadata map[string]string
	if ev.ProviderMessageID != "" {
		metadata = map[string]string{MetadataMID: ev.ProviderMessageID}
	}
	err := s.store.StoreMessage(ctx, StoreMessageInput{
		SenderID:    ev.SenderID,
		RecipientID: ev.RecipientID,
		Content:     text,
		Role:        RoleUser,
		Metadata:    metadata,
	})
	if err != nil {
		return fmt.Errorf("conversation: ingest message: %w", err)
	}

	// The user spoke; any pending nudge is now moot.
	if err := s.followups.Cancel(ctx, ev.SenderID, ev.RecipientID); err != nil {
		s.logger.Warn("failed to cancel followup on inbound", "error", err,
			"conversation_id", ConvoKey(ev.SenderID, ev.RecipientID))
	}

	ws, err := s.workspace(ctx, ev.RecipientID)
	if err != nil {
		s.logger.Error("failed to load workspace settings", "error", err, "business_id", ev.RecipientID)
		return nil
	}
	if ws.AutopilotMode == settings.ModeOff {
		return nil
	}

	match := MatchTriggers(text, ws)
	switch match.Kind {
	case TriggerKeyword, TriggerKeywordPhrase:
		s.metrics.ObserveInbound("trigger_keyword")
		s.handleKeywordTrigger(ctx, ev, ws)
		return nil
	case TriggerActivation:
		s.metrics.ObserveInbound("trigger_activation")
		if err := s.store.SetAutopilotStatus(ctx, ev.SenderID, ev.RecipientID, true); err != nil {
			s.logger.Error("failed to enable autopilot on activation", "error", err)
			return nil
		}
		if err := s.store.UpdateStageTag(ctx, ev.SenderID, ev.RecipientID, "responded"); err != nil {
			s.logger.Warn("failed to set activation stage", "error", err)
		}
	}

	s.respond(ctx, ev, ws)
	return nil
}

// onEcho records a message the business sent from another surface (the
// native app, or a human operator). An echo of our own delivery is dropped
// by mid de-duplication; a genuine human reply cancels pending follow-ups.
func (s *Service) onEcho(ctx context.Context, ev instagram.InboundEvent) error {
	s.metrics.ObserveInbound("echo")

	text := inboundText(ev)
	if text == "" {
		return nil
	}

	// Echo direction is reversed: the page is the sender. Normalize back to
	// the user-keyed conversation.
	userID, businessID := ev.RecipientID, ev.SenderID

	var metadata map[string]string
	if ev.ProviderMessageID != "" {
		metadata = map[string]string{MetadataMID: ev.ProviderMessageID}
	}
	err := s.store.StoreMessage(ctx, StoreMessageInput{
		SenderID:    userID,
		RecipientID: businessID,
		Content:     text,
		Role:        RoleAssistant,
		Metadata:    metadata,
	})
	if err != nil {
		return fmt.Errorf("conversation: ingest echo: %w", err)
	}

	if err := s.followups.Cancel(ctx, userID, businessID); err != nil {
		s.logger.Warn("failed to cancel followup on echo", "error", err)
	}
	return nil
}

// handleKeywordTrigger activates the conversation and sends the configured
// initial message in place of a generated reply.
func (s *Service) handleKeywordTrigger(ctx context.Context, ev instagram.InboundEvent, ws settings.Workspace) {
	if err := s.store.SetAutopilotStatus(ctx, ev.SenderID, ev.RecipientID, true); err != nil {
		s.logger.Error("failed to enable autopilot on keyword", "error", err)
		return
	}
	if err := s.store.UpdateStageTag(ctx, ev.SenderID, ev.RecipientID, "lead"); err != nil {
		s.logger.Warn("failed to set lead stage", "error", err)
	}

	initial := strings.TrimSpace(ws.InitialMessage)
	if initial == "" {
		return
	}

	err := s.delivery.Deliver(ctx, DeliverRequest{
		SenderID:    ev.SenderID,
		RecipientID: ev.RecipientID,
		BusinessID:  ws.BusinessID,
		Text:        initial,
		ExpectedMID: ev.ProviderMessageID,
	})
	if err != nil {
		s.logger.Error("failed to schedule initial message", "error", err)
		return
	}
	s.metrics.ObserveReply("initial")

	if ws.StartFollowupsOnKeyword {
		if err := s.followups.ScheduleSequence(ctx, ev.SenderID, ev.RecipientID); err != nil {
			s.logger.Warn("failed to arm followups on keyword", "error", err)
		}
	}
}

// respond generates and schedules a reply for the conversation's pending
// user messages.
func (s *Service) respond(ctx context.Context, ev instagram.InboundEvent, ws settings.Workspace) {
	conv, err := s.store.GetConversation(ctx, ev.SenderID, ev.RecipientID)
	if err != nil || conv == nil {
		s.logger.Error("failed to load conversation for reply", "error", err)
		return
	}

	if conv.Flagged {
		s.metrics.ObserveReply("flagged_skip")
		return
	}
	if !conv.AutopilotOn && ws.AutopilotMode != settings.ModeFull {
		s.metrics.ObserveReply("autopilot_off")
		return
	}

	history := conv.Messages
	if s.historyLimit > 0 && len(history) > s.historyLimit {
		history = history[len(history)-s.historyLimit:]
	}
	answered, pending := PartitionHistory(history)
	userTurn := CombinePending(pending)
	if userTurn == "" {
		return
	}
	expectedMID := LatestPendingMID(pending)

	start := s.now()
	reply, err := s.composer.Compose(ctx, ComposeInput{
		SystemPrompt: ws.SystemPrompt,
		History:      answered,
		UserTurn:     userTurn,
		Replacements: ws.Replacements(),
	})
	s.metrics.ObserveGeneratorLatency(s.now().Sub(start).Seconds())
	if err != nil {
		s.metrics.ObserveReply("generate_failed")
		s.logger.Error("reply generation failed", "error", err,
			"conversation_id", ConvoKey(ev.SenderID, ev.RecipientID))
		s.sendApology(ctx, ev, ws, expectedMID)
		return
	}

	if reply.StageTag != "" {
		if err := s.store.UpdateStageTag(ctx, ev.SenderID, ev.RecipientID, reply.StageTag); err != nil {
			s.logger.Error("failed to persist stage tag", "error", err)
		}
	}
	if reply.Suppressed {
		s.metrics.ObserveReply("flagged")
		if err := s.followups.Cancel(ctx, ev.SenderID, ev.RecipientID); err != nil {
			s.logger.Warn("failed to cancel followup on flag", "error", err)
		}
		return
	}
	if reply.Text == "" {
		s.metrics.ObserveReply("empty")
		return
	}

	err = s.delivery.Deliver(ctx, DeliverRequest{
		SenderID:    ev.SenderID,
		RecipientID: ev.RecipientID,
		BusinessID:  ws.BusinessID,
		Text:        reply.Text,
		ExpectedMID: expectedMID,
	})
	if err != nil {
		s.metrics.ObserveReply("schedule_failed")
		s.logger.Error("failed to schedule reply", "error", err)
		return
	}
	s.metrics.ObserveReply("scheduled")

	if err := s.followups.ScheduleSequence(ctx, ev.SenderID, ev.RecipientID); err != nil {
		s.logger.Warn("failed to arm followups", "error", err)
	}
}

// sendApology schedules the fixed apology so a generation failure never
// leaves the lead on read. Scheduled through the normal path so a quick
// second message still supersedes it.
func (s *Service) sendApology(ctx context.Context, ev instagram.InboundEvent, ws settings.Workspace, expectedMID string) {
	err := s.delivery.Deliver(ctx, DeliverRequest{
		SenderID:    ev.SenderID,
		RecipientID: ev.RecipientID,
		BusinessID:  ws.BusinessID,
		Text:        apologyText,
		ExpectedMID: expectedMID,
	})
	if err != nil {
		s.logger.Error("failed to schedule apology", "error", err)
		return
	}
	s.metrics.ObserveReply("apology")
}

// SetAutopilot toggles per-conversation automation. Disabling also discards
// queued chunks, their delayed jobs, and any pending follow-up, so nothing
// automated fires after an operator takes over.
func (s *Service) SetAutopilot(ctx context.Context, senderID, recipientID string, enabled bool) error {
	if err := s.store.SetAutopilotStatus(ctx, senderID, recipientID, enabled); err != nil {
		return err
	}
	if enabled {
		return nil
	}

	if err := s.delivery.clearPrevious(ctx, senderID, recipientID); err != nil {
		return err
	}
	return s.followups.Cancel(ctx, senderID, recipientID)
}

// ListConversations returns dashboard summaries, newest first.
func (s *Service) ListConversations(ctx context.Context, limit int, stageFilter string) ([]ConversationSummary, error) {
	return s.store.ListConversations(ctx, limit, stageFilter)
}

// GetConversation returns the full conversation document for the dashboard
// detail view, or nil when the pair has never exchanged a message.
func (s *Service) GetConversation(ctx context.Context, senderID, recipientID string) (*Conversation, error) {
	return s.store.GetConversation(ctx, senderID, recipientID)
}

func (s *Service) workspace(ctx context.Context, businessID string) (settings.Workspace, error) {
	if s.settings == nil {
		return settings.Defaults(businessID), nil
	}
	return s.settings.Get(ctx, businessID)
}

// inboundText normalizes an event into stored message content. Image-only
// messages are recorded with a bracketed marker so history stays coherent
// for the generator.
func inboundText(ev instagram.InboundEvent) string {
	text := strings.TrimSpace(ev.Text)
	if text == "" && ev.ImageURL != "" {
		return "[image] " + ev.ImageURL
	}
	return text
}
