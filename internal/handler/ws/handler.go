package ws

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/zhouzirui/groq-gate/internal/middleware"
	"github.com/zhouzirui/groq-gate/internal/model/chat"
	"github.com/zhouzirui/groq-gate/internal/screen"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
	outboxSize   = 32
)

// ReplierFactory 为一次连接选择回复来源，可以读取请求中的 cookie。
type ReplierFactory func(r *http.Request) screen.Replier

// Handler 聊天页面的 WebSocket 处理器，每个连接挂载一个 ChatScreen
type Handler struct {
	auth     screen.AuthState
	replier  ReplierFactory
	markdown goldmark.Markdown
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New 创建WebSocket处理器
func New(auth screen.AuthState, replier ReplierFactory) *Handler {
	return &Handler{
		auth:     auth,
		replier:  replier,
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
		logger:   slog.Default().With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/chat", h.handleWebSocket)
}

type inboundMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type navigateData struct {
	To string `json:"to"`
}

type errorData struct {
	Message string `json:"message"`
}

// connection 一个连接的写通道，所有写操作都经过 writeLoop
type connection struct {
	ctx    context.Context
	outbox chan outgoingMessage
}

func (c *connection) send(msgType string, data any) {
	msg := outgoingMessage{Type: msgType, Data: data, Timestamp: time.Now().Unix()}
	select {
	case c.outbox <- msg:
	case <-c.ctx.Done():
	}
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.SessionID(r)
	replier := h.replier(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &connection{ctx: ctx, outbox: make(chan outgoingMessage, outboxSize)}
	go h.writeLoop(ctx, cancel, conn, c.outbox)

	chatScreen, err := screen.Mount(ctx, screen.ChatConfig{
		SessionID: sessionID,
		Auth:      h.auth,
		Replier:   replier,
		Navigator: screen.NavigatorFunc(func(route string) {
			c.send("navigate", navigateData{To: route})
		}),
		OnChange: func(snap screen.Snapshot) {
			c.send("state", h.render(snap))
		},
		Logger: h.logger,
	})
	if err != nil {
		h.logger.Error("mount chat screen failed", "error", err)
		return
	}
	defer func() {
		cancel()
		chatScreen.Close()
	}()

	h.logger.Info("chat connection opened", "session_id", sessionID)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("read error", "session_id", sessionID, "error", err)
			}
			h.logger.Info("chat connection closed", "session_id", sessionID)
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		h.handleMessage(ctx, c, chatScreen, &msg)
	}
}

func (h *Handler) handleMessage(ctx context.Context, c *connection, chatScreen *screen.ChatScreen, msg *inboundMessage) {
	switch msg.Type {
	case "send":
		if err := chatScreen.Send(msg.Text); err != nil {
			c.send("error", errorData{Message: err.Error()})
		}
	case "logout":
		if err := chatScreen.Logout(ctx); err != nil && !errors.Is(err, screen.ErrClosed) {
			h.logger.Warn("logout failed", "error", err)
			c.send("error", errorData{Message: err.Error()})
		}
	default:
		c.send("error", errorData{Message: "unsupported message type: " + msg.Type})
	}
}

// writeLoop 串行写出消息并定期发送 ping
func (h *Handler) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, outbox <-chan outgoingMessage) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case msg := <-outbox:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Warn("write failed", "type", msg.Type, "error", err)
				cancel()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				cancel()
				return
			}
		}
	}
}

// render 为机器人回复附上 markdown 渲染后的 HTML
func (h *Handler) render(snap screen.Snapshot) screen.Snapshot {
	entries := make([]chat.Entry, len(snap.Transcript))
	for i, entry := range snap.Transcript {
		if entry.Sender == chat.SenderBot {
			entry.HTML = h.toHTML(entry.Text)
		}
		entries[i] = entry
	}
	snap.Transcript = entries
	return snap
}

func (h *Handler) toHTML(text string) string {
	var buf bytes.Buffer
	if err := h.markdown.Convert([]byte(text), &buf); err != nil {
		h.logger.Warn("markdown render failed", "error", err)
		return ""
	}
	return buf.String()
}
