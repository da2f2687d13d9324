package middleware

import (
	"context"
	"net/http"
	"strings"

	model "github.com/zhouzirui/groq-gate/internal/model/identity"
	"github.com/zhouzirui/groq-gate/pkg/utils"
)

// SessionCookieName 保存会话 ID 的 cookie 名称。
const SessionCookieName = "groq_session"

type contextKey int

const sessionKey contextKey = iota

// SessionSource 按 ID 查找仍然有效的会话。
type SessionSource interface {
	Current(sessionID string) (*model.Session, bool)
}

// LoadSession 读取会话 cookie，会话有效时写入请求上下文。
func LoadSession(src SessionSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := SessionID(r); id != "" {
				if session, ok := src.Current(id); ok {
					r = r.WithContext(context.WithValue(r.Context(), sessionKey, session))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SessionFromContext 返回 LoadSession 写入的会话。
func SessionFromContext(ctx context.Context) (*model.Session, bool) {
	session, ok := ctx.Value(sessionKey).(*model.Session)
	return session, ok && session != nil
}

// SessionID 返回 cookie 中的会话 ID，不校验其有效性。
func SessionID(r *http.Request) string {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// RequireSession 页面守卫：没有有效会话时 303 跳转到登录页。
func RequireSession(loginPath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := SessionFromContext(r.Context()); !ok {
				http.Redirect(w, r, loginPath, http.StatusSeeOther)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TokenVerifier 校验 Authorization 头中的 id token。
type TokenVerifier interface {
	VerifyIDToken(token string) (*model.Session, error)
}

// RequireSessionAPI 接口守卫：接受会话 cookie 或经 verifier 校验的
// Bearer id token，都没有时返回 401 JSON。verifier 为 nil 时只认 cookie。
func RequireSessionAPI(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := SessionFromContext(r.Context()); ok {
				next.ServeHTTP(w, r)
				return
			}
			token, ok := bearerToken(r)
			if !ok || verifier == nil {
				utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			session, err := verifier.VerifyIDToken(token)
			if err != nil {
				utils.RespondError(w, http.StatusUnauthorized, "invalid id token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey, session)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// SetSessionCookie 写入会话 cookie。
func SetSessionCookie(w http.ResponseWriter, session *model.Session, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    session.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie 删除会话 cookie。
func ClearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}
