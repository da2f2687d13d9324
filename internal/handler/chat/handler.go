package chat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/groq-gate/internal/service/ai"
	"github.com/zhouzirui/groq-gate/pkg/utils"
)

// Replier 生成回复的模型服务
type Replier interface {
	Reply(ctx context.Context, message string) (string, error)
}

// Handler 聊天转发接口的HTTP处理器
type Handler struct {
	replier Replier
	logger  *slog.Logger
}

// New 创建聊天处理器，replier 为空时接口返回 503
func New(replier Replier) *Handler {
	return &Handler{
		replier: replier,
		logger:  slog.Default().With("component", "chat_api"),
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/groq", h.handleQuery)
}

type queryRequest struct {
	Message string `json:"message"`
}

type queryResponse struct {
	Reply string `json:"reply"`
}

// handleQuery 转发一条消息到模型并返回回复
func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	var payload queryRequest
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if strings.TrimSpace(payload.Message) == "" {
		utils.RespondError(w, http.StatusBadRequest, "message is required")
		return
	}

	if h.replier == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "inference unavailable")
		return
	}

	reply, err := h.replier.Reply(r.Context(), payload.Message)
	if err != nil {
		if errors.Is(err, ai.ErrEmptyMessage) {
			utils.RespondError(w, http.StatusBadRequest, "message is required")
			return
		}
		h.logger.Error("inference failed", "request_id", middleware.GetReqID(r.Context()), "error", err)
		utils.RespondError(w, http.StatusBadGateway, "upstream inference failed")
		return
	}

	utils.RespondJSON(w, http.StatusOK, queryResponse{Reply: reply})
}
