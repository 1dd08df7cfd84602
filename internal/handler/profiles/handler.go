package profiles

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/voice-tavern/backend/internal/model/profile"
	"github.com/zhouzirui/voice-tavern/backend/pkg/utils"
)

// Handler 助手配置的HTTP处理器
type Handler struct {
	profiles profile.Store
}

// New 创建profile处理器
func New(profiles profile.Store) *Handler {
	return &Handler{
		profiles: profiles,
	}
}

// RegisterRoutes 注册profile相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/profiles", h.handleListProfiles)
}

// handleListProfiles 列出所有可用助手配置
func (h *Handler) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.profiles.List())
}
