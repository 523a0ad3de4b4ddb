package conversation

import (
	"context"
	"fmt"

	"github.com/inboxpilot/inboxpilot/internal/channels/instagram"
	"github.com/inboxpilot/inboxpilot/internal/settings"
)

// SettingsProvider resolves per-workspace configuration at send time.
type SettingsProvider interface {
	Get(ctx context.Context, businessID string) (settings.Workspace, error)
}

// InstagramSender sends outbound messages through the Instagram Graph API
// using each workspace's own page access token.
type InstagramSender struct {
	client        *instagram.Client
	settings      SettingsProvider
	fallbackToken string
}

// NewInstagramSender builds a Sender over the Graph API client. fallbackToken
// is used when a workspace has no token configured (single-tenant setups).
func NewInstagramSender(client *instagram.Client, provider SettingsProvider, fallbackToken string) *InstagramSender {
	if client == nil {
		panic("conversation: instagram client cannot be nil")
	}
	return &InstagramSender{
		client:        client,
		settings:      provider,
		fallbackToken: fallbackToken,
	}
}

// Send delivers one text message from the business's page to the recipient
// and returns the provider message id.
func (s *InstagramSender) Send(ctx context.Context, businessID, recipientID, text string) (string, error) {
	token := s.fallbackToken
	if s.settings != nil {
		ws, err := s.settings.Get(ctx, businessID)
		if err != nil {
			return "", fmt.Errorf("conversation: resolve workspace token: %w", err)
		}
		if ws.PageAccessToken != "" {
			token = ws.PageAccessToken
		}
	}
	if token == "" {
		return "", fmt.Errorf("conversation: no page access token for business %s", businessID)
	}
	return s.client.SendText(ctx, token, recipientID, text)
}
