package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	model "github.com/zhouzirui/groq-gate/internal/model/identity"
)

const minPasswordLength = 6

// dummyHash keeps sign-in timing flat when the account does not exist.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

var errInvalidIDToken = errors.New("invalid id token")

type account struct {
	id    string
	email string
	hash  []byte
}

// MemoryConfig tunes the in-process provider.
type MemoryConfig struct {
	Secret     []byte
	TokenTTL   time.Duration
	BcryptCost int
}

// MemoryProvider keeps accounts in process memory. Nothing survives a restart.
type MemoryProvider struct {
	mu       sync.RWMutex
	accounts map[string]account
	refresh  map[string]string

	secret []byte
	ttl    time.Duration
	cost   int
	now    func() time.Time
}

// NewMemoryProvider returns an empty provider signing id tokens with cfg.Secret.
func NewMemoryProvider(cfg MemoryConfig) *MemoryProvider {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &MemoryProvider{
		accounts: make(map[string]account),
		refresh:  make(map[string]string),
		secret:   append([]byte(nil), cfg.Secret...),
		ttl:      ttl,
		cost:     cost,
		now:      time.Now,
	}
}

// CreateAccount registers email with a bcrypt hash of password and signs it in.
func (p *MemoryProvider) CreateAccount(_ context.Context, email, password string) (*model.Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if password == "" {
		return nil, newAuthError(CodeMissingPassword, "password is required")
	}
	if len(password) < minPasswordLength {
		return nil, newAuthError(CodeWeakPassword, fmt.Sprintf("password should be at least %d characters", minPasswordLength))
	}

	p.mu.RLock()
	_, exists := p.accounts[email]
	p.mu.RUnlock()
	if exists {
		return nil, newAuthError(CodeEmailInUse, "email already in use")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return nil, &AuthError{Code: CodeInternal, Message: "could not create account", Err: err}
	}

	acc := account{id: uuid.NewString(), email: email, hash: hash}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.accounts[email]; exists {
		return nil, newAuthError(CodeEmailInUse, "email already in use")
	}
	p.accounts[email] = acc
	return p.issueLocked(acc, "")
}

// SignIn checks password against the stored hash.
func (p *MemoryProvider) SignIn(_ context.Context, email, password string) (*model.Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if password == "" {
		return nil, newAuthError(CodeMissingPassword, "password is required")
	}

	p.mu.RLock()
	acc, ok := p.accounts[email]
	p.mu.RUnlock()

	if !ok {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return nil, newAuthError(CodeInvalidCredential, "invalid email or password")
	}
	if err := bcrypt.CompareHashAndPassword(acc.hash, []byte(password)); err != nil {
		return nil, newAuthError(CodeInvalidCredential, "invalid email or password")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.issueLocked(acc, "")
}

// Refresh rotates the refresh token and issues a new id token.
func (p *MemoryProvider) Refresh(_ context.Context, session *model.Session) (*model.Session, error) {
	if session == nil || session.RefreshToken == "" {
		return nil, newAuthError(CodeTokenExpired, "session has no refresh token")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	email, ok := p.refresh[session.RefreshToken]
	if !ok {
		return nil, newAuthError(CodeTokenExpired, "refresh token revoked")
	}
	delete(p.refresh, session.RefreshToken)

	acc, ok := p.accounts[email]
	if !ok {
		return nil, newAuthError(CodeTokenExpired, "account no longer exists")
	}
	return p.issueLocked(acc, session.ID)
}

// SignOut revokes the session's refresh token.
func (p *MemoryProvider) SignOut(_ context.Context, session *model.Session) error {
	if session == nil {
		return nil
	}
	p.mu.Lock()
	delete(p.refresh, session.RefreshToken)
	p.mu.Unlock()
	return nil
}

// VerifyIDToken validates a token issued by this provider and returns its subject and email.
func (p *MemoryProvider) VerifyIDToken(tokenString string) (string, string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.secret, nil
	}, jwt.WithTimeFunc(p.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", "", newAuthError(CodeTokenExpired, "id token expired")
		}
		return "", "", fmt.Errorf("%w: %v", errInvalidIDToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", errInvalidIDToken
	}
	sub, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	if sub == "" {
		return "", "", fmt.Errorf("%w: missing sub", errInvalidIDToken)
	}
	return sub, email, nil
}

func (p *MemoryProvider) issueLocked(acc account, sessionID string) (*model.Session, error) {
	now := p.now()
	expiresAt := now.Add(p.ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   acc.id,
		"email": acc.email,
		"iat":   now.Unix(),
		"exp":   expiresAt.Unix(),
	})
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return nil, &AuthError{Code: CodeInternal, Message: "could not issue token", Err: err}
	}

	refreshToken := uuid.NewString()
	p.refresh[refreshToken] = acc.email

	return &model.Session{
		ID:           sessionID,
		UserID:       acc.id,
		Email:        acc.email,
		IDToken:      signed,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", newAuthError(CodeInvalidEmail, "email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", newAuthError(CodeInvalidEmail, "email address is badly formatted")
	}
	return email, nil
}
