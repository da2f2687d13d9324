package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
)

const (
	// CSRFCookieName CSRF token 的 cookie 名称。
	CSRFCookieName = "groq_csrf"
	// CSRFFieldName 表单中携带 token 的字段名。
	CSRFFieldName = "csrf_token"
	// CSRFHeaderName 脚本请求携带 token 的请求头。
	CSRFHeaderName = "X-CSRF-Token"
)

// EnsureCSRFToken 复用已有的 CSRF cookie，没有则生成新的 token 并写入 cookie。
func EnsureCSRFToken(w http.ResponseWriter, r *http.Request, secure bool) string {
	if cookie, err := r.Cookie(CSRFCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	token, err := generateSecureToken(32)
	if err != nil {
		// 空 token 无法通过校验，但不影响页面渲染
		slog.Default().Error("failed to generate csrf token", "error", err)
		token = ""
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})

	return token
}

// ValidCSRF 比对表单或请求头中的 token 与 cookie。
func ValidCSRF(r *http.Request) bool {
	cookie, err := r.Cookie(CSRFCookieName)
	if err != nil || cookie.Value == "" {
		return false
	}

	token := r.FormValue(CSRFFieldName)
	if token == "" {
		token = r.Header.Get(CSRFHeaderName)
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(cookie.Value)) == 1
}

func generateSecureToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
