package chat

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/drakyn/agent/backend/internal/middleware"
	"github.com/drakyn/agent/backend/internal/model/chat"
	"github.com/drakyn/agent/backend/internal/model/user"
	chatservice "github.com/drakyn/agent/backend/internal/service/chat"
	"github.com/drakyn/agent/backend/internal/service/session"
	"github.com/drakyn/agent/backend/pkg/utils"
)

// Handler serves the conversation REST endpoints.
type Handler struct {
	store    chatservice.Store
	registry *session.Registry
}

// New creates the conversation handler.
func New(store chatservice.Store, registry *session.Registry) *Handler {
	return &Handler{store: store, registry: registry}
}

// RegisterRoutes mounts the conversation routes. They expect an identity in the
// request context.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", h.handleListConversations)
		r.Post("/", h.handleCreateConversation)
		r.Get("/{conversationID}", h.handleGetConversation)
		r.Patch("/{conversationID}", h.handleRenameConversation)
		r.Delete("/{conversationID}", h.handleDeleteConversation)
	})
}

type titlePayload struct {
	Title string `json:"title"`
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	conversations, err := h.store.ListConversations(r.Context(), identity.Email)
	if err != nil {
		respondStoreError(w, err, "list conversations")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"conversations": conversations})
}

func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var payload titlePayload
	if err := utils.DecodeJSON(r, &payload, true); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conv, err := h.store.CreateConversation(r.Context(), identity.Email, payload.Title)
	if err != nil {
		respondStoreError(w, err, "create conversation")
		return
	}
	utils.RespondJSON(w, http.StatusCreated, map[string]any{
		"conversation_id": conv.ID,
		"conversation":    conv,
	})
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.ownedConversation(w, r)
	if !ok {
		return
	}

	messages, err := h.store.List(r.Context(), conv.ID)
	if err != nil {
		respondStoreError(w, err, "list messages")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"conversation": conv,
		"messages":     messages,
	})
}

func (h *Handler) handleRenameConversation(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var payload titlePayload
	if err := utils.DecodeJSON(r, &payload, false); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := chi.URLParam(r, "conversationID")
	if err := h.store.RenameConversation(r.Context(), id, identity.Email, payload.Title); err != nil {
		respondStoreError(w, err, "rename conversation")
		return
	}

	conv, err := h.store.GetConversation(r.Context(), id)
	if err != nil {
		respondStoreError(w, err, "get conversation")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"conversation": conv})
}

func (h *Handler) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.ownedConversation(w, r)
	if !ok {
		return
	}

	if err := h.registry.Evict(conv.ID); err != nil {
		if errors.Is(err, session.ErrAlreadyStreaming) {
			utils.RespondError(w, http.StatusConflict, "conversation is streaming a reply")
			return
		}
		respondStoreError(w, err, "evict session")
		return
	}

	if err := h.store.DeleteConversation(r.Context(), conv.ID, conv.Owner); err != nil {
		respondStoreError(w, err, "delete conversation")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ownedConversation loads the URL's conversation and hides other users' ones as 404.
func (h *Handler) ownedConversation(w http.ResponseWriter, r *http.Request) (chat.Conversation, bool) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return chat.Conversation{}, false
	}

	conv, err := h.store.GetConversation(r.Context(), chi.URLParam(r, "conversationID"))
	if err == nil && conv.Owner != identity.Email {
		err = chatservice.ErrNotFound
	}
	if err != nil {
		respondStoreError(w, err, "get conversation")
		return chat.Conversation{}, false
	}
	return conv, true
}

func requireIdentity(w http.ResponseWriter, r *http.Request) (user.Identity, bool) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "not authenticated")
	}
	return identity, ok
}

func respondStoreError(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, chatservice.ErrNotFound) {
		utils.RespondError(w, http.StatusNotFound, "conversation not found")
		return
	}
	log.Error().Err(err).Str("component", "chat").Str("op", op).Msg("store operation failed")
	utils.RespondError(w, http.StatusInternalServerError, "internal error")
}
