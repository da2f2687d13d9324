package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/groq-gate/internal/handler/chat"
	"github.com/zhouzirui/groq-gate/internal/handler/pages"
	"github.com/zhouzirui/groq-gate/internal/handler/ws"
	middlewarePkg "github.com/zhouzirui/groq-gate/internal/middleware"
	"github.com/zhouzirui/groq-gate/internal/screen"
	"github.com/zhouzirui/groq-gate/internal/service/ai"
	"github.com/zhouzirui/groq-gate/internal/service/auth"
	"github.com/zhouzirui/groq-gate/internal/service/proxy"
	"github.com/zhouzirui/groq-gate/pkg/utils"
)

// errInferenceUnavailable 没有配置模型也没有配置转发地址时的回复错误
var errInferenceUnavailable = errors.New("inference unavailable")

// Options 路由依赖。AI 与 Proxy 都可以为空。
type Options struct {
	Auth         *auth.Client
	AI           *ai.Service
	Proxy        *proxy.Client
	CookieSecure bool
}

// NewRouter wires HTTP routes to core services.
func NewRouter(opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.LoadSession(opts.Auth))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	pages.New(opts.Auth, opts.CookieSecure).RegisterRoutes(r)
	ws.New(opts.Auth, replierFactory(opts)).RegisterRoutes(r)

	// 接口只接受会话 cookie 或 Bearer id token
	var chatReplier chat.Replier
	if opts.AI != nil {
		chatReplier = opts.AI
	}
	r.Route("/api", func(api chi.Router) {
		api.Use(middlewarePkg.RequireSessionAPI(opts.Auth))
		chat.New(chatReplier).RegisterRoutes(api)
	})

	return r
}

// replierFactory 优先使用外部转发地址，其次是进程内的模型服务
func replierFactory(opts Options) ws.ReplierFactory {
	switch {
	case opts.Proxy != nil:
		// 每次请求取最新的 id token，刷新后的 token 也能用
		return func(r *http.Request) screen.Replier {
			sessionID := middlewarePkg.SessionID(r)
			return opts.Proxy.WithBearer(func() string {
				if session, ok := opts.Auth.Current(sessionID); ok {
					return session.IDToken
				}
				return ""
			})
		}
	case opts.AI != nil:
		return func(*http.Request) screen.Replier { return opts.AI }
	default:
		return func(*http.Request) screen.Replier { return unavailable{} }
	}
}

type unavailable struct{}

func (unavailable) Reply(context.Context, string) (string, error) {
	return "", errInferenceUnavailable
}
