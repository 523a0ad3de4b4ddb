package instagram

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookHandler handles Instagram webhook verification and inbound messages.
type WebhookHandler struct {
	verifyToken string
	appSecret   string
	onEvent     func(evt InboundEvent)
}

// NewWebhookHandler creates a new webhook handler.
// onEvent is called for each parsed inbound message, echoes included.
func NewWebhookHandler(verifyToken, appSecret string, onEvent func(InboundEvent)) *WebhookHandler {
	return &WebhookHandler{
		verifyToken: verifyToken,
		appSecret:   appSecret,
		onEvent:     onEvent,
	}
}

// HandleVerification handles the GET webhook verification challenge from Meta.
func (h *WebhookHandler) HandleVerification(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && token == h.verifyToken {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, challenge)
		return
	}

	http.Error(w, "Forbidden", http.StatusForbidden)
}

// HandleInbound handles POST webhook events (incoming messages).
func (h *WebhookHandler) HandleInbound(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("X-Hub-Signature-256")
	if !VerifySignature(h.appSecret, body, signature) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	// Must respond 200 quickly to avoid Meta retries
	w.WriteHeader(http.StatusOK)

	for _, evt := range ParseWebhookEvent(event) {
		if h.onEvent != nil {
			h.onEvent(evt)
		}
	}
}

// ParseWebhookEvent extracts normalized InboundEvents from a webhook event.
func ParseWebhookEvent(event WebhookEvent) []InboundEvent {
	var events []InboundEvent

	for _, entry := range event.Entry {
		for _, m := range entry.Messaging {
			if m.Message == nil {
				continue
			}

			evt := InboundEvent{
				SenderID:          m.Sender.ID,
				RecipientID:       m.Recipient.ID,
				Text:              m.Message.Text,
				ProviderMessageID: m.Message.MID,
				IsEcho:            m.Message.IsEcho,
				Timestamp:         time.UnixMilli(m.Timestamp),
			}

			for _, att := range m.Message.Attachments {
				if att.Type == "image" && att.Payload.URL != "" {
					evt.ImageURL = att.Payload.URL
					break
				}
			}

			events = append(events, evt)
		}
	}

	return events
}

// VerifySignature verifies the X-Hub-Signature-256 header.
func VerifySignature(appSecret string, body []byte, signature string) bool {
	if appSecret == "" || signature == "" {
		return false
	}

	// Signature format: "sha256=<hex>"
	const prefix = "sha256="
	if len(signature) <= len(prefix) {
		return false
	}
	sigHex := signature[len(prefix):]

	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(sigHex))
}
