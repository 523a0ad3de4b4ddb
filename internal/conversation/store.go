package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/inboxpilot/inboxpilot/pkg/logging"
)

type dynamoAPI interface {
	UpdateItem(context.Context, *dynamodb.UpdateItemInput, ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Scan(context.Context, *dynamodb.ScanInput, ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// StageFilterFlagged makes ListConversations match flagged conversations
// instead of a stage tag.
const StageFilterFlagged = "flag"

// Store persists conversation documents to DynamoDB. All mutations are
// atomic at the single-conversation granularity; there is no in-process
// locking anywhere above this layer.
type Store struct {
	client    dynamoAPI
	tableName string
	logger    *logging.Logger
	now       func() time.Time
	newID     func() string
}

// StoreOption customizes store behavior.
type StoreOption func(*Store)

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides chunk id generation.
func WithIDGenerator(gen func() string) StoreOption {
	return func(s *Store) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// NewStore builds a store backed by the provided DynamoDB client.
func NewStore(client dynamoAPI, tableName string, logger *logging.Logger, opts ...StoreOption) *Store {
	if client == nil {
		panic("conversation: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("conversation: table name cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}

	s := &Store{
		client:    client,
		tableName: tableName,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(convoKey string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"conversationId": &types.AttributeValueMemberS{Value: convoKey},
	}
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// StoreMessageInput carries the fields for appending one message.
type StoreMessageInput struct {
	SenderID      string
	RecipientID   string
	Content       string
	Role          string
	Metadata      map[string]string
	IsAIGenerated bool
}

// StoreMessage appends a message to the conversation, creating the document
// with defaults (autopilot off, unflagged, empty queue) on first write. A
// message whose provider mid is already recorded is silently dropped.
func (s *Store) StoreMessage(ctx context.Context, in StoreMessageInput) error {
	now := s.now().UTC()
	msg := Message{
		Role:          in.Role,
		Content:       in.Content,
		Timestamp:     now,
		IsAIGenerated: in.IsAIGenerated,
		Metadata:      in.Metadata,
	}

	msgAttr, err := attributevalue.Marshal([]Message{msg})
	if err != nil {
		return fmt.Errorf("conversation: marshal message: %w", err)
	}

	convoKey := ConvoKey(in.SenderID, in.RecipientID)
	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(convoKey),
		UpdateExpression: aws.String(
			"SET messages = list_append(if_not_exists(messages, :empty), :msg), " +
				"senderId = if_not_exists(senderId, :sid), " +
				"recipientId = if_not_exists(recipientId, :rid), " +
				"isAutopilotOn = if_not_exists(isAutopilotOn, :off), " +
				"isFlagged = if_not_exists(isFlagged, :off), " +
				"queuedMessages = if_not_exists(queuedMessages, :empty), " +
				"lastUpdated = :now",
		),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
			":msg":   msgAttr,
			":sid":   &types.AttributeValueMemberS{Value: in.SenderID},
			":rid":   &types.AttributeValueMemberS{Value: in.RecipientID},
			":off":   &types.AttributeValueMemberBOOL{Value: false},
			":now":   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	}

	mid := msg.MID()
	if mid != "" {
		expr := *input.UpdateExpression + " ADD mids :midset"
		input.UpdateExpression = aws.String(expr)
		input.ExpressionAttributeValues[":midset"] = &types.AttributeValueMemberSS{Value: []string{mid}}
		input.ExpressionAttributeValues[":mid"] = &types.AttributeValueMemberS{Value: mid}
		input.ConditionExpression = aws.String("attribute_not_exists(mids) OR NOT contains(mids, :mid)")
	}

	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		if mid != "" && isConditionalCheckFailed(err) {
			s.logger.Debug("skipping duplicate message", "conversation_id", convoKey, "mid", mid)
			return nil
		}
		return fmt.Errorf("conversation: store message: %w", err)
	}
	return nil
}

// GetConversation fetches the full conversation document, or nil if the
// pair has never exchanged a message.
func (s *Store) GetConversation(ctx context.Context, senderID, recipientID string) (*Conversation, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(ConvoKey(senderID, recipientID)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("conversation: get conversation: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}

	var conv Conversation
	if err := attributevalue.UnmarshalMap(out.Item, &conv); err != nil {
		return nil, fmt.Errorf("conversation: decode conversation: %w", err)
	}
	return &conv, nil
}

// GetHistory returns the last limit messages, oldest first.
func (s *Store) GetHistory(ctx context.Context, senderID, recipientID string, limit int) ([]Message, error) {
	conv, err := s.GetConversation(ctx, senderID, recipientID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, nil
	}

	msgs := conv.Messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// GetStageTag returns the conversation's current normalized stage tag.
func (s *Store) GetStageTag(ctx context.Context, senderID, recipientID string) (string, error) {
	conv, err := s.GetConversation(ctx, senderID, recipientID)
	if err != nil {
		return "", err
	}
	if conv == nil {
		return "", nil
	}
	return NormalizeStageTag(conv.StageTag), nil
}

// UpdateStageTag normalizes and persists a stage tag. A flag directive sets
// isFlagged instead of overwriting the stage. Writing the value already
// stored is a no-op and does not touch lastUpdated.
func (s *Store) UpdateStageTag(ctx context.Context, senderID, recipientID, tag string) error {
	normalized := NormalizeStageTag(tag)
	if normalized == "" {
		return nil
	}
	now := s.now().UTC().Format(time.RFC3339Nano)
	convoKey := ConvoKey(senderID, recipientID)

	var input *dynamodb.UpdateItemInput
	if IsFlagStage(normalized) {
		input = &dynamodb.UpdateItemInput{
			TableName:           aws.String(s.tableName),
			Key:                 s.key(convoKey),
			UpdateExpression:    aws.String("SET isFlagged = :on, lastUpdated = :now"),
			ConditionExpression: aws.String("attribute_not_exists(isFlagged) OR isFlagged = :off"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":on":  &types.AttributeValueMemberBOOL{Value: true},
				":off": &types.AttributeValueMemberBOOL{Value: false},
				":now": &types.AttributeValueMemberS{Value: now},
			},
		}
	} else {
		input = &dynamodb.UpdateItemInput{
			TableName:           aws.String(s.tableName),
			Key:                 s.key(convoKey),
			UpdateExpression:    aws.String("SET stageTag = :tag, lastUpdated = :now"),
			ConditionExpression: aws.String("attribute_not_exists(stageTag) OR stageTag <> :tag"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":tag": &types.AttributeValueMemberS{Value: normalized},
				":now": &types.AttributeValueMemberS{Value: now},
			},
		}
	}

	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		if isConditionalCheckFailed(err) {
			return nil
		}
		return fmt.Errorf("conversation: update stage tag: %w", err)
	}
	return nil
}

// GetAutopilotStatus reports whether automated replies are enabled.
func (s *Store) GetAutopilotStatus(ctx context.Context, senderID, recipientID string) (bool, error) {
	conv, err := s.GetConversation(ctx, senderID, recipientID)
	if err != nil {
		return false, err
	}
	if conv == nil {
		return false, nil
	}
	return conv.AutopilotOn, nil
}

// SetAutopilotStatus toggles the per-conversation autopilot flag, creating
// the document if needed.
func (s *Store) SetAutopilotStatus(ctx context.Context, senderID, recipientID string, enabled bool) error {
	now := s.now().UTC().Format(time.RFC3339Nano)
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(ConvoKey(senderID, recipientID)),
		UpdateExpression: aws.String(
			"SET isAutopilotOn = :v, " +
				"senderId = if_not_exists(senderId, :sid), " +
				"recipientId = if_not_exists(recipientId, :rid), " +
				"isFlagged = if_not_exists(isFlagged, :off), " +
				"lastUpdated = :now",
		),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v":   &types.AttributeValueMemberBOOL{Value: enabled},
			":sid": &types.AttributeValueMemberS{Value: senderID},
			":rid": &types.AttributeValueMemberS{Value: recipientID},
			":off": &types.AttributeValueMemberBOOL{Value: false},
			":now": &types.AttributeValueMemberS{Value: now},
		},
	})
	if err != nil {
		return fmt.Errorf("conversation: set autopilot: %w", err)
	}
	return nil
}

// EnqueueChunk appends a queued chunk scheduled delayMs from now and returns it.
func (s *Store) EnqueueChunk(ctx context.Context, senderID, recipientID, content string, delay time.Duration) (*QueuedChunk, error) {
	now := s.now().UTC()
	chunk := QueuedChunk{
		ID:           s.newID(),
		Content:      content,
		CreatedAt:    now,
		ScheduledFor: now.Add(delay),
		DelayMs:      delay.Milliseconds(),
	}

	chunkAttr, err := attributevalue.Marshal([]QueuedChunk{chunk})
	if err != nil {
		return nil, fmt.Errorf("conversation: marshal chunk: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(ConvoKey(senderID, recipientID)),
		UpdateExpression: aws.String(
			"SET queuedMessages = list_append(if_not_exists(queuedMessages, :empty), :chunk), " +
				"senderId = if_not_exists(senderId, :sid), " +
				"recipientId = if_not_exists(recipientId, :rid), " +
				"isAutopilotOn = if_not_exists(isAutopilotOn, :off), " +
				"isFlagged = if_not_exists(isFlagged, :off), " +
				"lastUpdated = :now",
		),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
			":chunk": chunkAttr,
			":sid":   &types.AttributeValueMemberS{Value: senderID},
			":rid":   &types.AttributeValueMemberS{Value: recipientID},
			":off":   &types.AttributeValueMemberBOOL{Value: false},
			":now":   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("conversation: enqueue chunk: %w", err)
	}
	return &chunk, nil
}

// RemoveChunk atomically removes a queued chunk by id. It returns false when
// the chunk is no longer queued — callers must treat that as "already handled
// elsewhere" and abort their send, never as an error.
func (s *Store) RemoveChunk(ctx context.Context, senderID, recipientID, chunkID string) (bool, error) {
	conv, err := s.GetConversation(ctx, senderID, recipientID)
	if err != nil {
		return false, err
	}
	if conv == nil {
		return false, nil
	}

	idx := -1
	for i, c := range conv.QueuedChunks {
		if c.ID == chunkID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.key(ConvoKey(senderID, recipientID)),
		UpdateExpression:    aws.String(fmt.Sprintf("REMOVE queuedMessages[%d]", idx)),
		ConditionExpression: aws.String(fmt.Sprintf("queuedMessages[%d].id = :id", idx)),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":id": &types.AttributeValueMemberS{Value: chunkID},
		},
	})
	if err != nil {
		// Lost the race to a concurrent mutation of the queue.
		if isConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("conversation: remove chunk: %w", err)
	}
	return true, nil
}

// ClearAllChunks empties the queued-chunk list, discarding any stale tail
// before a fresh reply is scheduled. Returns the chunks that were queued.
func (s *Store) ClearAllChunks(ctx context.Context, senderID, recipientID string) ([]QueuedChunk, error) {
	conv, err := s.GetConversation(ctx, senderID, recipientID)
	if err != nil {
		return nil, err
	}
	if conv == nil || len(conv.QueuedChunks) == 0 {
		return nil, nil
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key:              s.key(ConvoKey(senderID, recipientID)),
		UpdateExpression: aws.String("SET queuedMessages = :empty"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("conversation: clear chunks: %w", err)
	}
	return conv.QueuedChunks, nil
}

// SetFollowupState records the single pending follow-up job for the
// conversation, superseding any previous state.
func (s *Store) SetFollowupState(ctx context.Context, senderID, recipientID string, state FollowupState) error {
	stateAttr, err := attributevalue.Marshal(state)
	if err != nil {
		return fmt.Errorf("conversation: marshal followup state: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key:              s.key(ConvoKey(senderID, recipientID)),
		UpdateExpression: aws.String("SET followupState = :s"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s": stateAttr,
		},
	})
	if err != nil {
		return fmt.Errorf("conversation: set followup state: %w", err)
	}
	return nil
}

// ClearFollowupState removes the conversation's follow-up state. Clearing a
// conversation that has none is a no-op.
func (s *Store) ClearFollowupState(ctx context.Context, senderID, recipientID string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key:              s.key(ConvoKey(senderID, recipientID)),
		UpdateExpression: aws.String("REMOVE followupState"),
	})
	if err != nil {
		return fmt.Errorf("conversation: clear followup state: %w", err)
	}
	return nil
}

// ListConversations returns summaries most-recently-updated first. A
// StageFilterFlagged filter matches flagged conversations instead of a
// stage tag.
func (s *Store) ListConversations(ctx context.Context, limit int, stageFilter string) ([]ConversationSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	filter := NormalizeStageTag(stageFilter)

	var summaries []ConversationSummary
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.tableName),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("conversation: list conversations: %w", err)
		}

		var page []Conversation
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("conversation: decode conversations: %w", err)
		}

		for i := range page {
			conv := &page[i]
			switch {
			case filter == "":
			case filter == StageFilterFlagged || filter == "flagged":
				if !conv.Flagged {
					continue
				}
			default:
				if NormalizeStageTag(conv.StageTag) != filter {
					continue
				}
			}

			summary := ConversationSummary{
				ConversationID: conv.ConversationID,
				SenderID:       conv.SenderID,
				RecipientID:    conv.RecipientID,
				StageTag:       NormalizeStageTag(conv.StageTag),
				AutopilotOn:    conv.AutopilotOn,
				Flagged:        conv.Flagged,
				MessageCount:   len(conv.Messages),
				LastUpdated:    conv.LastUpdated,
			}
			if n := len(conv.Messages); n > 0 {
				summary.LastMessage = conv.Messages[n-1].Content
			}
			summaries = append(summaries, summary)
		}

		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastUpdated.After(summaries[j].LastUpdated)
	})
	if len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}
