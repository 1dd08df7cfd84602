package conversation

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/voice-tavern/backend/internal/model/profile"
	"github.com/zhouzirui/voice-tavern/backend/internal/service/transcript"
	"github.com/zhouzirui/voice-tavern/backend/pkg/utils"
)

// Handler 转写记录的HTTP处理器
type Handler struct {
	transcripts *transcript.Service
	profiles    profile.Store
}

// New 创建转写处理器
func New(transcripts *transcript.Service, profiles profile.Store) *Handler {
	return &Handler{
		transcripts: transcripts,
		profiles:    profiles,
	}
}

// RegisterRoutes 注册会话与转写相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/conversation", h.handleCreateConversation)
	r.Get("/conversation/{conversationID}", h.handleGetConversation)
	r.Get("/conversation/{conversationID}/transcript", h.handleGetTranscript)
}

// handleCreateConversation 创建会话
func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID    string `json:"userId"`
		ProfileID string `json:"profileId"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if payload.UserID == "" {
		utils.RespondError(w, http.StatusBadRequest, "userId is required")
		return
	}

	profileID := payload.ProfileID
	if profileID == "" {
		profileID = profile.DefaultID
	}
	if _, ok := h.profiles.FindByID(profileID); !ok {
		utils.RespondError(w, http.StatusBadRequest, "profile not found")
		return
	}

	conv, err := h.transcripts.CreateConversation(r.Context(), payload.UserID, profileID)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusCreated, conv)
}

// handleGetConversation 查询会话
func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	conv, err := h.transcripts.GetConversation(r.Context(), conversationID)
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, "conversation not found")
		return
	}

	utils.RespondJSON(w, http.StatusOK, conv)
}

// handleGetTranscript 查询会话的全部转写轮次
func (h *Handler) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	turns, err := h.transcripts.History(r.Context(), conversationID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, transcript.ErrConversationNotFound) {
			status = http.StatusNotFound
		}
		utils.RespondError(w, status, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"conversationId": conversationID,
		"turns":          turns,
	})
}
