package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/zhouzirui/groq-gate/internal/middleware"
	"github.com/zhouzirui/groq-gate/internal/model/chat"
	"github.com/zhouzirui/groq-gate/internal/screen"
	"github.com/zhouzirui/groq-gate/internal/service/auth"
	"github.com/zhouzirui/groq-gate/internal/service/identity"
)

type replierFunc func(ctx context.Context, message string) (string, error)

func (f replierFunc) Reply(ctx context.Context, message string) (string, error) {
	return f(ctx, message)
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type stateData struct {
	State      string       `json:"state"`
	Email      string       `json:"email"`
	Transcript []chat.Entry `json:"transcript"`
	Loading    bool         `json:"loading"`
	Input      string       `json:"input"`
}

func setupServer(t *testing.T, replier screen.Replier) (*httptest.Server, *auth.Client) {
	t.Helper()
	provider := identity.NewMemoryProvider(identity.MemoryConfig{
		Secret:     []byte("test-secret"),
		BcryptCost: bcrypt.MinCost,
	})
	client := auth.NewClient(provider, auth.Config{})
	t.Cleanup(client.Close)

	r := chi.NewRouter()
	New(client, func(*http.Request) screen.Replier { return replier }).RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, client
}

func dial(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if sessionID != "" {
		header.Set("Cookie", middleware.SessionCookieName+"="+sessionID)
	}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		if match(f) {
			return f
		}
	}
}

func decodeState(t *testing.T, f frame) stateData {
	t.Helper()
	var s stateData
	require.NoError(t, json.Unmarshal(f.Data, &s))
	return s
}

func isType(msgType string) func(frame) bool {
	return func(f frame) bool { return f.Type == msgType }
}

func signIn(t *testing.T, client *auth.Client) string {
	t.Helper()
	session, err := client.CreateAccount(context.Background(), "a@b.com", "secret1")
	require.NoError(t, err)
	return session.ID
}

func TestUnauthenticatedConnectionNavigatesToLogin(t *testing.T) {
	srv, _ := setupServer(t, replierFunc(nil))
	conn := dial(t, srv, "")

	first := readUntil(t, conn, func(frame) bool { return true })
	require.Equal(t, "state", first.Type)
	assert.Equal(t, "unauthenticated", decodeState(t, first).State)

	nav := readUntil(t, conn, isType("navigate"))
	var data navigateData
	require.NoError(t, json.Unmarshal(nav.Data, &data))
	assert.Equal(t, screen.RouteLogin, data.To)
}

func TestChatExchangeRendersMarkdown(t *testing.T) {
	srv, client := setupServer(t, replierFunc(func(_ context.Context, message string) (string, error) {
		if message != "hello" {
			return "", assert.AnError
		}
		return "**hi** there", nil
	}))
	conn := dial(t, srv, signIn(t, client))

	ready := decodeState(t, readUntil(t, conn, isType("state")))
	require.Equal(t, "authenticated", ready.State)
	assert.Equal(t, "a@b.com", ready.Email)
	assert.Empty(t, ready.Transcript)

	require.NoError(t, conn.WriteJSON(inboundMessage{Type: "send", Text: "hello"}))

	done := readUntil(t, conn, func(f frame) bool {
		if f.Type != "state" {
			return false
		}
		s := decodeState(t, f)
		return len(s.Transcript) == 2 && !s.Loading
	})
	s := decodeState(t, done)
	assert.Equal(t, chat.SenderUser, s.Transcript[0].Sender)
	assert.Equal(t, "hello", s.Transcript[0].Text)
	assert.Empty(t, s.Transcript[0].HTML)
	assert.Equal(t, chat.SenderBot, s.Transcript[1].Sender)
	assert.Equal(t, "**hi** there", s.Transcript[1].Text)
	assert.Contains(t, s.Transcript[1].HTML, "<strong>hi</strong>")
	assert.Empty(t, s.Input)
}

func TestChatFailureShowsFallback(t *testing.T) {
	srv, client := setupServer(t, replierFunc(func(context.Context, string) (string, error) {
		return "", assert.AnError
	}))
	conn := dial(t, srv, signIn(t, client))
	readUntil(t, conn, isType("state"))

	require.NoError(t, conn.WriteJSON(inboundMessage{Type: "send", Text: "hello"}))

	done := readUntil(t, conn, func(f frame) bool {
		return f.Type == "state" && len(decodeState(t, f).Transcript) == 2
	})
	s := decodeState(t, done)
	assert.Equal(t, screen.FallbackReply, s.Transcript[1].Text)
	assert.False(t, s.Loading)
}

func TestBlankQueryReturnsError(t *testing.T) {
	srv, client := setupServer(t, replierFunc(nil))
	conn := dial(t, srv, signIn(t, client))
	readUntil(t, conn, isType("state"))

	require.NoError(t, conn.WriteJSON(inboundMessage{Type: "send", Text: "   "}))

	f := readUntil(t, conn, isType("error"))
	var data errorData
	require.NoError(t, json.Unmarshal(f.Data, &data))
	assert.Equal(t, screen.ErrEmptyQuery.Error(), data.Message)
}

func TestUnsupportedMessageType(t *testing.T) {
	srv, client := setupServer(t, replierFunc(nil))
	conn := dial(t, srv, signIn(t, client))
	readUntil(t, conn, isType("state"))

	require.NoError(t, conn.WriteJSON(inboundMessage{Type: "dance"}))

	f := readUntil(t, conn, isType("error"))
	assert.Contains(t, string(f.Data), "unsupported message type: dance")
}

func TestLogoutEndsSessionAndNavigates(t *testing.T) {
	srv, client := setupServer(t, replierFunc(nil))
	sessionID := signIn(t, client)
	conn := dial(t, srv, sessionID)
	readUntil(t, conn, isType("state"))

	require.NoError(t, conn.WriteJSON(inboundMessage{Type: "logout"}))

	nav := readUntil(t, conn, isType("navigate"))
	var data navigateData
	require.NoError(t, json.Unmarshal(nav.Data, &data))
	assert.Equal(t, screen.RouteLogin, data.To)

	_, ok := client.Current(sessionID)
	assert.False(t, ok)
}
