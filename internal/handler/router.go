package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	conversationHandler "github.com/zhouzirui/voice-tavern/backend/internal/handler/conversation"
	profilesHandler "github.com/zhouzirui/voice-tavern/backend/internal/handler/profiles"
	voiceHandler "github.com/zhouzirui/voice-tavern/backend/internal/handler/voice"
	middlewarePkg "github.com/zhouzirui/voice-tavern/backend/internal/middleware"
	profileModel "github.com/zhouzirui/voice-tavern/backend/internal/model/profile"
	"github.com/zhouzirui/voice-tavern/backend/internal/service/transcript"
	voiceService "github.com/zhouzirui/voice-tavern/backend/internal/service/voice"
	"github.com/zhouzirui/voice-tavern/backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(profiles profileModel.Store, transcripts *transcript.Service, sessionOpts voiceService.Options, registry *voiceService.Registry) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	conversations := conversationHandler.New(transcripts, profiles)
	profileRoutes := profilesHandler.New(profiles)

	r.Route("/api", func(api chi.Router) {
		profileRoutes.RegisterRoutes(api)
		conversations.RegisterRoutes(api)

		// 语音会话仅在识别/合成/对话三条链路齐备时开放
		if sessionOpts.Recognizer != nil && sessionOpts.Synthesizer != nil && sessionOpts.Dialogue != nil {
			voiceHandler.New(sessionOpts, registry).RegisterRoutes(api)
		} else {
			api.Get("/voice/ws", func(w http.ResponseWriter, r *http.Request) {
				utils.RespondError(w, http.StatusServiceUnavailable, "voice session unavailable")
			})
		}
	})

	return r
}
