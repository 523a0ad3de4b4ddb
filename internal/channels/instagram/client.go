package instagram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultGraphAPIBase = "https://graph.facebook.com/v18.0"
	defaultHTTPTimeout  = 10 * time.Second
)

// Client sends messages via the Instagram/Meta Graph API.
type Client struct {
	graphAPIBase string
	httpClient   *http.Client
}

// NewClient creates a new Graph API client.
func NewClient() *Client {
	return &Client{
		graphAPIBase: defaultGraphAPIBase,
		httpClient:   &http.Client{Timeout: defaultHTTPTimeout},
	}
}

// SetGraphAPIBase overrides the Graph API base URL (useful for testing).
func (c *Client) SetGraphAPIBase(base string) {
	c.graphAPIBase = base
}

// SendText sends a plain text message to the given recipient using the
// page access token of the workspace the conversation belongs to. Returns
// the provider message id assigned by the Graph API.
func (c *Client) SendText(ctx context.Context, accessToken, recipientID, text string) (string, error) {
	req := SendRequest{
		Recipient: SendRecipient{ID: recipientID},
		Message:   SendMessage{Text: text},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("instagram: marshal send request: %w", err)
	}

	url := fmt.Sprintf("%s/me/messages?access_token=%s", c.graphAPIBase, accessToken)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("instagram: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("instagram: send message: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("instagram: read response: %w", err)
	}

	var sendResp SendResponse
	if err := json.Unmarshal(respBody, &sendResp); err != nil {
		return "", fmt.Errorf("instagram: unmarshal response: %w", err)
	}

	if sendResp.Error != nil {
		return "", fmt.Errorf("instagram: API error %d: %s", sendResp.Error.Code, sendResp.Error.Message)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("instagram: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	return sendResp.MessageID, nil
}
