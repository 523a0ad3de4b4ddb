package conversation

import (
	"strings"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// MetadataMID is the metadata key carrying the provider message id, used for
// echo detection and ingest de-duplication.
const MetadataMID = "mid"

// Message is one turn in a conversation. Messages are append-only and
// timestamp-ordered.
type Message struct {
	Role          string            `dynamodbav:"role" json:"role"`
	Content       string            `dynamodbav:"content" json:"content"`
	Timestamp     time.Time         `dynamodbav:"timestamp" json:"timestamp"`
	IsAIGenerated bool              `dynamodbav:"isAiGenerated" json:"isAiGenerated"`
	Metadata      map[string]string `dynamodbav:"metadata,omitempty" json:"metadata,omitempty"`
}

// MID returns the provider message id attached to the message, if any.
func (m Message) MID() string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[MetadataMID]
}

// QueuedChunk is one scheduled fragment of a reply awaiting delivery. A
// chunk's absence from the queue at send time means it was already handled
// elsewhere; senders must treat that as a no-op.
type QueuedChunk struct {
	ID           string    `dynamodbav:"id" json:"id"`
	Content      string    `dynamodbav:"content" json:"content"`
	CreatedAt    time.Time `dynamodbav:"createdAt" json:"createdAt"`
	ScheduledFor time.Time `dynamodbav:"scheduledFor" json:"scheduledFor"`
	DelayMs      int64     `dynamodbav:"delayMs" json:"delayMs"`
}

// FollowupState tracks the single pending follow-up job for a conversation.
type FollowupState struct {
	SequenceKey   string    `dynamodbav:"sequenceKey" json:"sequenceKey"`
	FollowupIndex int       `dynamodbav:"followupIndex" json:"followupIndex"`
	PendingJobID  string    `dynamodbav:"pendingJobId" json:"pendingJobId"`
	ScheduledFor  time.Time `dynamodbav:"scheduledFor" json:"scheduledFor"`
	IsActive      bool      `dynamodbav:"isActive" json:"isActive"`
}

// Conversation is the durable per-(sender, recipient) document. Exactly one
// document exists per key; creation is implicit on first write.
type Conversation struct {
	ConversationID string         `dynamodbav:"conversationId" json:"conversationId"`
	SenderID       string         `dynamodbav:"senderId" json:"senderId"`
	RecipientID    string         `dynamodbav:"recipientId" json:"recipientId"`
	Messages       []Message      `dynamodbav:"messages,omitempty" json:"messages,omitempty"`
	StageTag       string         `dynamodbav:"stageTag,omitempty" json:"stageTag,omitempty"`
	AutopilotOn    bool           `dynamodbav:"isAutopilotOn" json:"isAutopilotOn"`
	Flagged        bool           `dynamodbav:"isFlagged" json:"isFlagged"`
	QueuedChunks   []QueuedChunk  `dynamodbav:"queuedMessages,omitempty" json:"queuedMessages,omitempty"`
	Followup       *FollowupState `dynamodbav:"followupState,omitempty" json:"followupState,omitempty"`
	MIDs           []string       `dynamodbav:"mids,stringset,omitempty" json:"-"`
	LastUpdated    time.Time      `dynamodbav:"lastUpdated" json:"lastUpdated"`
}

// LastAssistantAt returns the timestamp of the most recent assistant message,
// or the zero time if none exists.
func (c *Conversation) LastAssistantAt() time.Time {
	if c == nil {
		return time.Time{}
	}
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleAssistant {
			return c.Messages[i].Timestamp
		}
	}
	return time.Time{}
}

// ConversationSummary is the dashboard projection of a conversation.
type ConversationSummary struct {
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	RecipientID    string    `json:"recipientId"`
	StageTag       string    `json:"stageTag,omitempty"`
	AutopilotOn    bool      `json:"isAutopilotOn"`
	Flagged        bool      `json:"isFlagged"`
	LastMessage    string    `json:"lastMessage,omitempty"`
	MessageCount   int       `json:"messageCount"`
	LastUpdated    time.Time `json:"lastUpdated"`
}

// ConvoKey builds the canonical conversation key for a (sender, recipient)
// pair: recipientId + "_" + senderId.
func ConvoKey(senderID, recipientID string) string {
	return recipientID + "_" + senderID
}

// NormalizeStageTag trims and lowercases a stage tag.
func NormalizeStageTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// IsFlagStage reports whether a normalized stage tag is the terminal flag
// directive rather than a real stage.
func IsFlagStage(tag string) bool {
	switch NormalizeStageTag(tag) {
	case "flag", "flagged":
		return true
	}
	return false
}
