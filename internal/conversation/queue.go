package conversation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

type queueClient interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type queueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}

type jobType string

const (
	jobTypeChunk    jobType = "delivery_chunk"
	jobTypeFollowup jobType = "followup"
)

// ChunkJob delivers one queued reply fragment.
type ChunkJob struct {
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	ChunkID     string `json:"chunkId"`
	ChunkIndex  int    `json:"chunkIndex"`
	// ExpectedMID is set on index 0: the provider id of the newest pending
	// user message this reply answers. A mismatch at send time means a
	// fresher message arrived and this reply must be abandoned.
	ExpectedMID string `json:"expectedMid,omitempty"`
}

// FollowupJob sends one nudge of a stage sequence.
type FollowupJob struct {
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	SequenceKey string `json:"sequenceKey"`
	Index       int    `json:"index"`
}

type jobPayload struct {
	ID       string       `json:"id"`
	Kind     jobType      `json:"kind"`
	Chunk    *ChunkJob    `json:"chunk,omitempty"`
	Followup *FollowupJob `json:"followup,omitempty"`
}

func encodePayload(payload jobPayload) (jobPayload, string, error) {
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return jobPayload{}, "", fmt.Errorf("conversation: encode job payload: %w", err)
	}

	return payload, string(body), nil
}
