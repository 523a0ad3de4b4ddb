package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/inboxpilot/inboxpilot/internal/channels/instagram"
	"github.com/inboxpilot/inboxpilot/internal/conversation"
	"github.com/inboxpilot/inboxpilot/internal/settings"
	"github.com/inboxpilot/inboxpilot/pkg/logging"
)

// Handler serves the webhook and dashboard API.
type Handler struct {
	service  *conversation.Service
	webhook  *instagram.WebhookHandler
	settings *settings.Store
	logger   *logging.Logger
}

// New creates the HTTP handler set. The settings store may be nil when no
// database is configured; settings routes then return 503.
func New(service *conversation.Service, webhook *instagram.WebhookHandler, settingsStore *settings.Store, logger *logging.Logger) *Handler {
	if service == nil {
		panic("handlers: service cannot be nil")
	}
	if webhook == nil {
		panic("handlers: webhook cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, webhook: webhook, settings: settingsStore, logger: logger}
}

// RegisterRoutes mounts all routes on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.health)

	r.Get("/webhook", h.webhook.HandleVerification)
	r.Post("/webhook", h.webhook.HandleInbound)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/conversations", h.listConversations)
		r.Get("/conversations/{senderID}/{recipientID}", h.getConversation)
		r.Post("/conversations/{senderID}/{recipientID}/autopilot", h.setAutopilot)

		r.Get("/settings/{businessID}", h.getSettings)
		r.Put("/settings/{businessID}", h.putSettings)
	})
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listConversations(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	stage := r.URL.Query().Get("stage")

	summaries, err := h.service.ListConversations(r.Context(), limit, stage)
	if err != nil {
		h.logger.Error("failed to list conversations", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if summaries == nil {
		summaries = []conversation.ConversationSummary{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"conversations": summaries})
}

func (h *Handler) getConversation(w http.ResponseWriter, r *http.Request) {
	senderID := chi.URLParam(r, "senderID")
	recipientID := chi.URLParam(r, "recipientID")

	conv, err := h.service.GetConversation(r.Context(), senderID, recipientID)
	if err != nil {
		h.logger.Error("failed to load conversation", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if conv == nil {
		h.respondError(w, http.StatusNotFound, "conversation not found")
		return
	}
	h.respondJSON(w, http.StatusOK, conv)
}

func (h *Handler) setAutopilot(w http.ResponseWriter, r *http.Request) {
	senderID := chi.URLParam(r, "senderID")
	recipientID := chi.URLParam(r, "recipientID")

	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.service.SetAutopilot(r.Context(), senderID, recipientID, body.Enabled); err != nil {
		h.logger.Error("failed to set autopilot", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to set autopilot")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]bool{"enabled": body.Enabled})
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	if h.settings == nil {
		h.respondError(w, http.StatusServiceUnavailable, "settings storage not configured")
		return
	}
	ws, err := h.settings.Get(r.Context(), chi.URLParam(r, "businessID"))
	if err != nil {
		h.logger.Error("failed to load settings", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	h.respondJSON(w, http.StatusOK, ws)
}

func (h *Handler) putSettings(w http.ResponseWriter, r *http.Request) {
	if h.settings == nil {
		h.respondError(w, http.StatusServiceUnavailable, "settings storage not configured")
		return
	}

	var ws settings.Workspace
	if err := json.NewDecoder(r.Body).Decode(&ws); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ws.BusinessID = chi.URLParam(r, "businessID")

	updated, err := h.settings.Upsert(r.Context(), ws)
	if err != nil {
		h.logger.Error("failed to save settings", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}
	h.respondJSON(w, http.StatusOK, updated)
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, msg string) {
	h.respondJSON(w, status, map[string]string{"error": msg})
}
