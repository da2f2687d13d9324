package pages

import (
	"context"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/groq-gate/internal/middleware"
	model "github.com/zhouzirui/groq-gate/internal/model/identity"
	"github.com/zhouzirui/groq-gate/internal/screen"
)

// SocketPath 受保护页面连接的 WebSocket 路径。
const SocketPath = "/ws/chat"

// Auth 页面需要的身份操作。
type Auth interface {
	screen.Authenticator
	SignOut(ctx context.Context, sessionID string) error
}

// Handler 渲染首页、注册、登录与受保护页面。
type Handler struct {
	auth         Auth
	register     *screen.AuthFlow
	login        *screen.AuthFlow
	cookieSecure bool
	logger       *slog.Logger
	templates    map[string]*template.Template
}

// New 创建页面处理器。
func New(auth Auth, cookieSecure bool) *Handler {
	return &Handler{
		auth:         auth,
		register:     screen.NewAuthFlow(screen.ModeRegister, auth),
		login:        screen.NewAuthFlow(screen.ModeLogin, auth),
		cookieSecure: cookieSecure,
		logger:       slog.Default().With("component", "pages"),
		templates: map[string]*template.Template{
			"index":     template.Must(template.ParseFS(templateFS, "templates/base.html", "templates/index.html")),
			"auth":      template.Must(template.ParseFS(templateFS, "templates/base.html", "templates/auth.html")),
			"protected": template.Must(template.ParseFS(templateFS, "templates/base.html", "templates/protected.html")),
		},
	}
}

// RegisterRoutes 注册页面路由。路由需要挂在 middleware.LoadSession 之后。
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get(screen.RouteHome, h.handleIndex)
	r.Get(screen.RouteRegister, h.handleAuthForm(h.register))
	r.Post(screen.RouteRegister, h.handleAuthSubmit(h.register))
	r.Get(screen.RouteLogin, h.handleAuthForm(h.login))
	r.Post(screen.RouteLogin, h.handleAuthSubmit(h.login))
	r.With(middleware.RequireSession(screen.RouteLogin)).Get(screen.RouteProtected, h.handleProtected)
	r.Post("/logout", h.handleLogout)
}

type indexData struct {
	Title string
}

type authData struct {
	Title     string
	Action    string
	Submit    string
	Email     string
	Status    string
	CSRFToken string
	AltPath   string
	AltLabel  string
}

type protectedData struct {
	Title      string
	Email      string
	CSRFToken  string
	SocketPath string
}

// handleIndex 首页，只有导航链接
func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	h.render(w, http.StatusOK, "index", indexData{Title: "Home"})
}

// handleAuthForm 渲染注册或登录表单
func (h *Handler) handleAuthForm(flow *screen.AuthFlow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := middleware.EnsureCSRFToken(w, r, h.cookieSecure)
		h.renderAuth(w, http.StatusOK, flow, authData{CSRFToken: token})
	}
}

// handleAuthSubmit 提交表单：成功写入会话并跳转，失败带状态信息重新渲染
func (h *Handler) handleAuthSubmit(flow *screen.AuthFlow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}
		if !middleware.ValidCSRF(r) {
			h.logger.Warn("csrf validation failed", "path", r.URL.Path)
			http.Error(w, "invalid csrf token", http.StatusForbidden)
			return
		}

		creds := model.Credentials{
			Email:    r.PostFormValue("email"),
			Password: r.PostFormValue("password"),
		}
		outcome := flow.Submit(r.Context(), creds)
		if outcome.Succeeded() {
			h.logger.Info("auth succeeded", "flow", flow.Mode().String(), "session_id", outcome.Session.ID)
			middleware.SetSessionCookie(w, outcome.Session, h.cookieSecure)
			http.Redirect(w, r, outcome.Route, http.StatusSeeOther)
			return
		}

		h.logger.Info("auth failed", "flow", flow.Mode().String(), "status", outcome.Status)
		token := middleware.EnsureCSRFToken(w, r, h.cookieSecure)
		h.renderAuth(w, http.StatusOK, flow, authData{
			Email:     creds.Email,
			Status:    outcome.Status,
			CSRFToken: token,
		})
	}
}

// handleProtected 受保护页面，会话守卫由 RequireSession 完成
func (h *Handler) handleProtected(w http.ResponseWriter, r *http.Request) {
	session, _ := middleware.SessionFromContext(r.Context())
	token := middleware.EnsureCSRFToken(w, r, h.cookieSecure)
	h.render(w, http.StatusOK, "protected", protectedData{
		Title:      "Protected",
		Email:      session.Email,
		CSRFToken:  token,
		SocketPath: SocketPath,
	})
}

// handleLogout 无脚本时的退出入口
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	if !middleware.ValidCSRF(r) {
		http.Error(w, "invalid csrf token", http.StatusForbidden)
		return
	}

	if id := middleware.SessionID(r); id != "" {
		if err := h.auth.SignOut(r.Context(), id); err != nil {
			h.logger.Warn("sign-out failed", "session_id", id, "error", err)
		}
	}
	middleware.ClearSessionCookie(w, h.cookieSecure)
	http.Redirect(w, r, screen.RouteLogin, http.StatusSeeOther)
}

func (h *Handler) renderAuth(w http.ResponseWriter, status int, flow *screen.AuthFlow, data authData) {
	data.Action = screen.RouteLogin
	data.Title = "Login"
	data.Submit = "Login"
	data.AltPath = screen.RouteRegister
	data.AltLabel = "Don't have an account? Register"
	if flow.Mode() == screen.ModeRegister {
		data.Action = screen.RouteRegister
		data.Title = "Register"
		data.Submit = "Register"
		data.AltPath = screen.RouteLogin
		data.AltLabel = "Already registered? Login"
	}
	h.render(w, status, "auth", data)
}

func (h *Handler) render(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := h.templates[name].Execute(w, data); err != nil {
		h.logger.Error("failed to render page", "page", name, "error", err)
	}
}
