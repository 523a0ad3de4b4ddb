package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiGenerator implements Generator using Google's Gemini API.
type GeminiGenerator struct {
	client  *genai.Client
	modelID string
}

// NewGeminiGenerator creates a new Gemini-backed generator.
func NewGeminiGenerator(ctx context.Context, apiKey, modelID string) (*GeminiGenerator, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("conversation: gemini api key is required")
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("conversation: create gemini client: %w", err)
	}

	return &GeminiGenerator{
		client:  client,
		modelID: modelID,
	}, nil
}

// Generate sends the answered history plus the combined pending turn to
// Gemini and returns the raw completion text.
func (g *GeminiGenerator) Generate(ctx context.Context, systemPrompt string, history []Message, userTurn string) (string, error) {
	model := g.client.GenerativeModel(g.modelID)

	if strings.TrimSpace(systemPrompt) != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(systemPrompt))
	}

	cs := model.StartChat()
	for _, msg := range history {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		role := "user"
		if msg.Role == RoleAssistant {
			role = "model"
		}
		cs.History = append(cs.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(content)},
		})
	}

	resp, err := cs.SendMessage(ctx, genai.Text(userTurn))
	if err != nil {
		return "", fmt.Errorf("conversation: gemini completion: %w", err)
	}

	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
		break
	}

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", errors.New("conversation: gemini returned no text")
	}
	return text, nil
}

// Close releases the underlying API client.
func (g *GeminiGenerator) Close() error {
	return g.client.Close()
}
