package pages

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/zhouzirui/groq-gate/internal/middleware"
	"github.com/zhouzirui/groq-gate/internal/screen"
	"github.com/zhouzirui/groq-gate/internal/service/auth"
	"github.com/zhouzirui/groq-gate/internal/service/identity"
)

func setupRouter(t *testing.T) (http.Handler, *auth.Client) {
	t.Helper()
	provider := identity.NewMemoryProvider(identity.MemoryConfig{
		Secret:     []byte("test-secret"),
		BcryptCost: bcrypt.MinCost,
	})
	client := auth.NewClient(provider, auth.Config{})
	t.Cleanup(client.Close)

	r := chi.NewRouter()
	r.Use(middleware.LoadSession(client))
	New(client, false).RegisterRoutes(r)
	return r, client
}

func csrfCookie(t *testing.T, h http.Handler, path string) *http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	for _, c := range rec.Result().Cookies() {
		if c.Name == middleware.CSRFCookieName {
			return c
		}
	}
	t.Fatalf("no csrf cookie set by GET %s", path)
	return nil
}

func postForm(h http.Handler, path string, form url.Values, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == middleware.SessionCookieName {
			return c
		}
	}
	return nil
}

func credentials(csrf *http.Cookie, email, password string) url.Values {
	return url.Values{
		middleware.CSRFFieldName: {csrf.Value},
		"email":                  {email},
		"password":               {password},
	}
}

func TestIndexLinksToScreens(t *testing.T) {
	h, _ := setupRouter(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	for _, link := range []string{`href="/register"`, `href="/login"`, `href="/protected"`} {
		assert.Contains(t, rec.Body.String(), link)
	}
}

func TestRegisterRejectsMissingCSRF(t *testing.T) {
	h, _ := setupRouter(t)

	rec := postForm(h, "/register", url.Values{"email": {"a@b.com"}, "password": {"secret1"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Nil(t, sessionCookie(rec))
}

func TestRegisterThenProtected(t *testing.T) {
	h, client := setupRouter(t)
	csrf := csrfCookie(t, h, "/register")

	rec := postForm(h, "/register", credentials(csrf, "a@b.com", "secret1"), csrf)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, screen.RouteProtected, rec.Header().Get("Location"))

	session := sessionCookie(rec)
	require.NotNil(t, session)
	_, ok := client.Current(session.Value)
	assert.True(t, ok)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.AddCookie(session)
	page := httptest.NewRecorder()
	h.ServeHTTP(page, req)

	require.Equal(t, http.StatusOK, page.Code)
	body := page.Body.String()
	assert.Contains(t, body, "Welcome, a@b.com!")
	assert.Contains(t, body, "Ask a GROQ query below...")
	assert.Contains(t, body, `action="/logout"`)
	// the query box locks with the send button while a reply is pending
	assert.Contains(t, body, "send.disabled = state.loading;")
	assert.Contains(t, body, "input.disabled = state.loading;")
}

func TestRegisterFailureRerendersForm(t *testing.T) {
	h, _ := setupRouter(t)
	csrf := csrfCookie(t, h, "/register")

	rec := postForm(h, "/register", credentials(csrf, "a@b.com", "123"), csrf)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, sessionCookie(rec))

	body := rec.Body.String()
	assert.Contains(t, body, "❌ ")
	assert.Contains(t, body, "weak-password")
	assert.Contains(t, body, `value="a@b.com"`)
}

func TestLoginFlow(t *testing.T) {
	h, client := setupRouter(t)
	_, err := client.CreateAccount(context.Background(), "a@b.com", "secret1")
	require.NoError(t, err)

	csrf := csrfCookie(t, h, "/login")

	bad := postForm(h, "/login", credentials(csrf, "a@b.com", "wrong-password"), csrf)
	require.Equal(t, http.StatusOK, bad.Code)
	assert.Contains(t, bad.Body.String(), "invalid-credential")
	assert.Contains(t, bad.Body.String(), `href="/register"`)

	good := postForm(h, "/login", credentials(csrf, "a@b.com", "secret1"), csrf)
	require.Equal(t, http.StatusSeeOther, good.Code)
	assert.Equal(t, screen.RouteProtected, good.Header().Get("Location"))
	assert.NotNil(t, sessionCookie(good))
}

func TestProtectedRedirectsWithoutSession(t *testing.T) {
	h, _ := setupRouter(t)

	for _, cookie := range []*http.Cookie{nil, {Name: middleware.SessionCookieName, Value: "stale"}} {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		if cookie != nil {
			req.AddCookie(cookie)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusSeeOther, rec.Code)
		assert.Equal(t, screen.RouteLogin, rec.Header().Get("Location"))
	}
}

func TestLogoutEndsSession(t *testing.T) {
	h, client := setupRouter(t)
	session, err := client.CreateAccount(context.Background(), "a@b.com", "secret1")
	require.NoError(t, err)

	csrf := csrfCookie(t, h, "/login")
	cookie := &http.Cookie{Name: middleware.SessionCookieName, Value: session.ID}

	rec := postForm(h, "/logout", url.Values{middleware.CSRFFieldName: {csrf.Value}}, csrf, cookie)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, screen.RouteLogin, rec.Header().Get("Location"))

	_, ok := client.Current(session.ID)
	assert.False(t, ok)
}
