package screen

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/zhouzirui/groq-gate/internal/model/chat"
	model "github.com/zhouzirui/groq-gate/internal/model/identity"
)

// FallbackReply replaces the bot reply whenever the proxy call fails.
const FallbackReply = "❌ Error fetching data from GROQ."

var (
	ErrEmptyQuery       = errors.New("query is empty")
	ErrQueryPending     = errors.New("a query is already pending")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrClosed           = errors.New("screen closed")
)

// State is the session-guard state of a chat screen.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
)

func (s State) String() string {
	if s == StateAuthenticated {
		return "authenticated"
	}
	return "unauthenticated"
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Replier answers a query. Both the proxy client and the in-process
// inference service satisfy it.
type Replier interface {
	Reply(ctx context.Context, message string) (string, error)
}

// AuthState is the part of the auth client the session guard needs.
type AuthState interface {
	OnAuthStateChanged(sessionID string, fn func(*model.Session)) func()
	SignOut(ctx context.Context, sessionID string) error
}

// Snapshot is a copy of everything the chat view renders.
type Snapshot struct {
	State      State        `json:"state"`
	Email      string       `json:"email,omitempty"`
	Transcript []chat.Entry `json:"transcript"`
	Loading    bool         `json:"loading"`
	Input      string       `json:"input"`
}

// ChatConfig wires a chat screen to its collaborators.
type ChatConfig struct {
	SessionID string
	Auth      AuthState
	Replier   Replier
	Navigator Navigator
	// OnChange receives a snapshot after every mutation. It runs on the
	// screen's loop and must not call back into the screen.
	OnChange func(Snapshot)
	Logger   *slog.Logger
}

// ChatScreen is the protected chat view. All state is owned by a single
// goroutine; callers talk to it through closures sent over events.
type ChatScreen struct {
	cfg    ChatConfig
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	events    chan func()
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	unsubMu     sync.Mutex
	unsubscribe func()

	// owned by the loop
	state      State
	session    *model.Session
	transcript []chat.Entry
	loading    bool
	input      string
}

// Mount starts the screen and subscribes it to auth state for cfg.SessionID.
// The first auth callback is seen by every call made after Mount returns.
func Mount(ctx context.Context, cfg ChatConfig) (*ChatScreen, error) {
	switch {
	case cfg.Auth == nil:
		return nil, errors.New("chat screen: auth state is required")
	case cfg.Replier == nil:
		return nil, errors.New("chat screen: replier is required")
	case cfg.Navigator == nil:
		return nil, errors.New("chat screen: navigator is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	screenCtx, cancel := context.WithCancel(ctx)
	s := &ChatScreen{
		cfg:     cfg,
		logger:  logger.With("component", "chat_screen"),
		ctx:     screenCtx,
		cancel:  cancel,
		events:  make(chan func()),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.loop()

	unsubscribe := cfg.Auth.OnAuthStateChanged(cfg.SessionID, s.onAuthState)

	s.unsubMu.Lock()
	s.unsubscribe = unsubscribe
	s.unsubMu.Unlock()

	return s, nil
}

// Close unsubscribes from auth state, cancels any in-flight query and stops
// the loop. Later events are dropped.
func (s *ChatScreen) Close() {
	s.closeOnce.Do(func() {
		s.unsubMu.Lock()
		close(s.done)
		unsubscribe := s.unsubscribe
		s.unsubscribe = nil
		s.unsubMu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
		s.cancel()
		<-s.stopped
	})
}

// Send submits text as a query. Whitespace-only text returns ErrEmptyQuery,
// and a second query while one is in flight returns ErrQueryPending; neither
// changes any state.
func (s *ChatScreen) Send(text string) error {
	var err error
	if doErr := s.do(func() { err = s.submit(text) }); doErr != nil {
		return doErr
	}
	return err
}

// Logout signs the visitor out and navigates to the login screen.
func (s *ChatScreen) Logout(ctx context.Context) error {
	if err := s.cfg.Auth.SignOut(ctx, s.cfg.SessionID); err != nil {
		return err
	}
	return s.do(func() {
		s.applyAuthState(nil)
	})
}

// Snapshot returns the current view state.
func (s *ChatScreen) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := s.do(func() { snap = s.snapshot() })
	return snap, err
}

func (s *ChatScreen) loop() {
	defer close(s.stopped)
	for {
		select {
		case fn := <-s.events:
			select {
			case <-s.done:
				return
			default:
			}
			fn()
		case <-s.done:
			return
		}
	}
}

// do runs fn on the loop and waits for it.
func (s *ChatScreen) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case s.events <- func() { fn(); close(finished) }:
	case <-s.done:
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-s.stopped:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// post hands fn to the loop without waiting for it to run.
func (s *ChatScreen) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.done:
	}
}

func (s *ChatScreen) onAuthState(session *model.Session) {
	s.post(func() { s.applyAuthState(session) })
}

func (s *ChatScreen) applyAuthState(session *model.Session) {
	if session == nil {
		s.state = StateUnauthenticated
		s.session = nil
		s.changed()
		s.cfg.Navigator.Navigate(RouteLogin)
		return
	}
	s.state = StateAuthenticated
	s.session = session
	s.changed()
}

func (s *ChatScreen) submit(text string) error {
	if s.state != StateAuthenticated {
		return ErrNotAuthenticated
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyQuery
	}
	if s.loading {
		return ErrQueryPending
	}

	s.input = text
	s.transcript = append(s.transcript, chat.UserEntry(text))
	s.loading = true
	s.changed()

	go func() {
		reply, err := s.cfg.Replier.Reply(s.ctx, text)
		s.post(func() { s.finish(reply, err) })
	}()
	return nil
}

func (s *ChatScreen) finish(reply string, err error) {
	if err != nil {
		s.logger.Warn("query failed", "session_id", s.cfg.SessionID, "error", err)
		reply = FallbackReply
	}
	s.transcript = append(s.transcript, chat.BotEntry(reply))
	s.loading = false
	s.input = ""
	s.changed()
}

func (s *ChatScreen) changed() {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange(s.snapshot())
	}
}

func (s *ChatScreen) snapshot() Snapshot {
	snap := Snapshot{
		State:      s.state,
		Transcript: append([]chat.Entry(nil), s.transcript...),
		Loading:    s.loading,
		Input:      s.input,
	}
	if snap.Transcript == nil {
		snap.Transcript = []chat.Entry{}
	}
	if s.session != nil {
		snap.Email = s.session.Email
	}
	return snap
}
