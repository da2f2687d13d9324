package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	model "github.com/zhouzirui/groq-gate/internal/model/identity"
	"github.com/zhouzirui/groq-gate/internal/service/identity"
)

const refreshTimeout = 30 * time.Second

// ErrInvalidToken is returned when a bearer id token cannot be verified.
var ErrInvalidToken = errors.New("invalid id token")

// Listener receives the current session, or nil once the session is gone.
type Listener = func(*model.Session)

// Config tunes session upkeep.
type Config struct {
	// RefreshSkew is how long before expiry the id token is refreshed.
	RefreshSkew time.Duration
}

type liveSession struct {
	session *model.Session
	timer   *time.Timer
}

// Client tracks signed-in browser sessions on top of an identity provider
// and fans auth-state changes out to subscribers.
type Client struct {
	provider identity.Provider
	skew     time.Duration
	logger   *slog.Logger
	now      func() time.Time

	// notify orders deliveries per session so a subscriber never sees a
	// stale session after it has been told the session is gone.
	notifyMu sync.Mutex
	notify   map[string]*notifyLock

	mu        sync.RWMutex
	sessions  map[string]*liveSession
	listeners map[string]map[uint64]Listener
	nextID    uint64
	closed    bool
}

// NewClient wraps provider.
func NewClient(provider identity.Provider, cfg Config) *Client {
	return &Client{
		provider:  provider,
		skew:      cfg.RefreshSkew,
		logger:    slog.Default().With("component", "auth"),
		now:       time.Now,
		notify:    make(map[string]*notifyLock),
		sessions:  make(map[string]*liveSession),
		listeners: make(map[string]map[uint64]Listener),
	}
}

// CreateAccount registers a new account and returns its live session.
func (c *Client) CreateAccount(ctx context.Context, email, password string) (*model.Session, error) {
	session, err := c.provider.CreateAccount(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return c.track(session), nil
}

// SignIn authenticates an existing account and returns its live session.
func (c *Client) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	session, err := c.provider.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return c.track(session), nil
}

// SignOut ends the session and tells its subscribers. Unknown IDs are a no-op.
func (c *Client) SignOut(ctx context.Context, sessionID string) error {
	defer c.lockSession(sessionID)()

	session, listeners := c.drop(sessionID)
	if session == nil {
		return nil
	}

	err := c.provider.SignOut(ctx, session)
	if err != nil {
		c.logger.Warn("provider sign-out failed", "session", sessionID, "error", err)
	}
	c.logger.Info("signed out", "session", sessionID, "email", session.Email)

	for _, fn := range listeners {
		fn(nil)
	}
	return err
}

// Current returns a copy of the live session for sessionID.
func (c *Client) Current(sessionID string) (*model.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	live, ok := c.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return live.session.Clone(), true
}

// OnAuthStateChanged calls fn with the current state right away and again
// whenever the session ends. The returned func unsubscribes; calling it more
// than once is harmless.
func (c *Client) OnAuthStateChanged(sessionID string, fn Listener) func() {
	defer c.lockSession(sessionID)()

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	if c.listeners[sessionID] == nil {
		c.listeners[sessionID] = make(map[uint64]Listener)
	}
	c.listeners[sessionID][id] = fn
	var current *model.Session
	if live, ok := c.sessions[sessionID]; ok {
		current = live.session.Clone()
	}
	c.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.listeners[sessionID], id)
			if len(c.listeners[sessionID]) == 0 {
				delete(c.listeners, sessionID)
			}
		})
	}
}

// VerifyIDToken resolves a bearer id token. Providers that can check tokens
// offline do so; otherwise the token must belong to a live, unexpired session.
func (c *Client) VerifyIDToken(token string) (*model.Session, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	if verifier, ok := c.provider.(identity.TokenVerifier); ok {
		userID, email, err := verifier.VerifyIDToken(token)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
		}
		return &model.Session{UserID: userID, Email: email, IDToken: token}, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	for _, live := range c.sessions {
		if live.session.Expired(now) {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(live.session.IDToken), []byte(token)) == 1 {
			return live.session.Clone(), nil
		}
	}
	return nil, ErrInvalidToken
}

// Close stops every refresh timer. Sessions are not signed out.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	for _, live := range c.sessions {
		if live.timer != nil {
			live.timer.Stop()
		}
	}
}

func (c *Client) listenerCount(sessionID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.listeners[sessionID])
}

type notifyLock struct {
	mu   sync.Mutex
	refs int
}

// lockSession serialises deliveries for one session and returns the unlock.
func (c *Client) lockSession(sessionID string) func() {
	c.notifyMu.Lock()
	l, ok := c.notify[sessionID]
	if !ok {
		l = &notifyLock{}
		c.notify[sessionID] = l
	}
	l.refs++
	c.notifyMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.notifyMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.notify, sessionID)
		}
		c.notifyMu.Unlock()
	}
}

func (c *Client) track(session *model.Session) *model.Session {
	session = session.Clone()
	session.ID = uuid.NewString()

	c.mu.Lock()
	live := &liveSession{session: session}
	c.sessions[session.ID] = live
	live.timer = c.scheduleLocked(session)
	c.mu.Unlock()

	c.logger.Info("session started", "session", session.ID, "email", session.Email)
	return session.Clone()
}

func (c *Client) scheduleLocked(session *model.Session) *time.Timer {
	if c.closed || session.ExpiresAt.IsZero() {
		return nil
	}
	delay := session.ExpiresAt.Sub(c.now()) - c.skew
	if delay < 0 {
		delay = 0
	}
	id := session.ID
	return time.AfterFunc(delay, func() { c.refresh(id) })
}

// refresh renews the id token while someone is watching the session. A
// session nobody subscribes to is signed out instead.
func (c *Client) refresh(sessionID string) {
	current, ok := c.Current(sessionID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	if c.listenerCount(sessionID) == 0 {
		c.logger.Info("session idle, ending", "session", sessionID)
		_ = c.SignOut(ctx, sessionID)
		return
	}

	next, err := c.provider.Refresh(ctx, current)
	if err != nil {
		c.logger.Info("session refresh failed, expiring", "session", sessionID, "error", err)
		c.expire(sessionID)
		return
	}
	next = next.Clone()
	next.ID = sessionID

	if c.replace(sessionID, next) {
		return
	}
	// signed out while the refresh was in flight; the rotated token is orphaned
	if err := c.provider.SignOut(ctx, next); err != nil {
		c.logger.Warn("revoking refreshed token failed", "session", sessionID, "error", err)
	}
}

// replace installs next as the live session and reschedules its refresh.
func (c *Client) replace(sessionID string, next *model.Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	live, ok := c.sessions[sessionID]
	if !ok {
		return false
	}
	if live.timer != nil {
		live.timer.Stop()
	}
	live.session = next
	live.timer = c.scheduleLocked(next)
	return true
}

func (c *Client) expire(sessionID string) {
	defer c.lockSession(sessionID)()

	session, listeners := c.drop(sessionID)
	if session == nil {
		return
	}
	for _, fn := range listeners {
		fn(nil)
	}
}

// drop removes the session and snapshots its listeners.
func (c *Client) drop(sessionID string) (*model.Session, []Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()

	live, ok := c.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	delete(c.sessions, sessionID)
	if live.timer != nil {
		live.timer.Stop()
	}

	listeners := make([]Listener, 0, len(c.listeners[sessionID]))
	for _, fn := range c.listeners[sessionID] {
		listeners = append(listeners, fn)
	}
	return live.session, listeners
}
