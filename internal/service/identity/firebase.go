package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	model "github.com/zhouzirui/groq-gate/internal/model/identity"
)

const (
	DefaultFirebaseAuthURL  = "https://identitytoolkit.googleapis.com/v1"
	DefaultFirebaseTokenURL = "https://securetoken.googleapis.com/v1"
)

// FirebaseConfig points the provider at an Identity Toolkit deployment.
type FirebaseConfig struct {
	APIKey   string
	AuthURL  string
	TokenURL string
	Client   *http.Client
}

// FirebaseProvider talks to the Firebase Auth REST API.
type FirebaseProvider struct {
	apiKey   string
	authURL  string
	tokenURL string
	client   *http.Client
	now      func() time.Time
}

// NewFirebaseProvider validates cfg and returns a provider.
func NewFirebaseProvider(cfg FirebaseConfig) (*FirebaseProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("firebase api key is required")
	}
	authURL := strings.TrimRight(cfg.AuthURL, "/")
	if authURL == "" {
		authURL = DefaultFirebaseAuthURL
	}
	tokenURL := strings.TrimRight(cfg.TokenURL, "/")
	if tokenURL == "" {
		tokenURL = DefaultFirebaseTokenURL
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &FirebaseProvider{
		apiKey:   cfg.APIKey,
		authURL:  authURL,
		tokenURL: tokenURL,
		client:   client,
		now:      time.Now,
	}, nil
}

type passwordRequest struct {
	Email             string `json:"email"`
	Password          string `json:"password"`
	ReturnSecureToken bool   `json:"returnSecureToken"`
}

type passwordResponse struct {
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
}

type refreshResponse struct {
	UserID       string `json:"user_id"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateAccount calls accounts:signUp.
func (p *FirebaseProvider) CreateAccount(ctx context.Context, email, password string) (*model.Session, error) {
	return p.passwordCall(ctx, "accounts:signUp", email, password)
}

// SignIn calls accounts:signInWithPassword.
func (p *FirebaseProvider) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	return p.passwordCall(ctx, "accounts:signInWithPassword", email, password)
}

// Refresh exchanges the refresh token at the secure token endpoint.
func (p *FirebaseProvider) Refresh(ctx context.Context, session *model.Session) (*model.Session, error) {
	if session == nil || session.RefreshToken == "" {
		return nil, newAuthError(CodeTokenExpired, "session has no refresh token")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", session.RefreshToken)

	endpoint := p.tokenURL + "/token?key=" + url.QueryEscape(p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &AuthError{Code: CodeInternal, Message: "could not build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out refreshResponse
	if err := p.do(req, &out); err != nil {
		return nil, err
	}

	email := session.Email
	if claimed := emailClaim(out.IDToken); claimed != "" {
		email = claimed
	}

	userID := out.UserID
	if userID == "" {
		userID = session.UserID
	}

	return &model.Session{
		ID:           session.ID,
		UserID:       userID,
		Email:        email,
		IDToken:      out.IDToken,
		RefreshToken: out.RefreshToken,
		ExpiresAt:    p.expiry(out.ExpiresIn),
	}, nil
}

// SignOut is local to the caller; Firebase keeps no server-side session to end.
func (p *FirebaseProvider) SignOut(context.Context, *model.Session) error {
	return nil
}

func (p *FirebaseProvider) passwordCall(ctx context.Context, method, email, password string) (*model.Session, error) {
	body, err := json.Marshal(passwordRequest{Email: email, Password: password, ReturnSecureToken: true})
	if err != nil {
		return nil, &AuthError{Code: CodeInternal, Message: "could not encode request", Err: err}
	}

	endpoint := p.authURL + "/" + method + "?key=" + url.QueryEscape(p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &AuthError{Code: CodeInternal, Message: "could not build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	var out passwordResponse
	if err := p.do(req, &out); err != nil {
		return nil, err
	}

	return &model.Session{
		UserID:       out.LocalID,
		Email:        out.Email,
		IDToken:      out.IDToken,
		RefreshToken: out.RefreshToken,
		ExpiresAt:    p.expiry(out.ExpiresIn),
	}, nil
}

func (p *FirebaseProvider) do(req *http.Request, out any) error {
	resp, err := p.client.Do(req)
	if err != nil {
		return &AuthError{Code: CodeNetwork, Message: "could not reach identity provider", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &AuthError{Code: CodeNetwork, Message: "could not read identity provider response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr errorResponse
		if err := json.Unmarshal(data, &apiErr); err != nil || apiErr.Error.Message == "" {
			return &AuthError{Code: CodeInternal, Message: fmt.Sprintf("identity provider returned status %d", resp.StatusCode)}
		}
		return translateFirebaseError(apiErr.Error.Message)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &AuthError{Code: CodeInternal, Message: "malformed identity provider response", Err: err}
	}
	return nil
}

func (p *FirebaseProvider) expiry(raw string) time.Time {
	seconds, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || seconds <= 0 {
		seconds = 3600
	}
	return p.now().Add(time.Duration(seconds) * time.Second)
}

// translateFirebaseError maps REST messages such as "WEAK_PASSWORD : Password
// should be at least 6 characters" onto provider codes.
func translateFirebaseError(message string) *AuthError {
	key, detail, _ := strings.Cut(message, ":")
	key = strings.TrimSpace(key)
	detail = strings.TrimSpace(detail)

	var authErr *AuthError
	switch key {
	case "EMAIL_EXISTS":
		authErr = newAuthError(CodeEmailInUse, "email already in use")
	case "INVALID_EMAIL", "MISSING_EMAIL":
		authErr = newAuthError(CodeInvalidEmail, "email address is badly formatted")
	case "WEAK_PASSWORD":
		authErr = newAuthError(CodeWeakPassword, "password is too weak")
	case "MISSING_PASSWORD":
		authErr = newAuthError(CodeMissingPassword, "password is required")
	case "INVALID_LOGIN_CREDENTIALS", "EMAIL_NOT_FOUND", "INVALID_PASSWORD":
		authErr = newAuthError(CodeInvalidCredential, "invalid email or password")
	case "USER_DISABLED":
		authErr = newAuthError(CodeUserDisabled, "this account has been disabled")
	case "TOO_MANY_ATTEMPTS_TRY_LATER":
		authErr = newAuthError(CodeTooManyRequests, "too many attempts, try again later")
	case "TOKEN_EXPIRED", "INVALID_REFRESH_TOKEN", "USER_NOT_FOUND", "INVALID_ID_TOKEN":
		authErr = newAuthError(CodeTokenExpired, "session expired, sign in again")
	default:
		authErr = newAuthError(CodeInternal, strings.ToLower(strings.ReplaceAll(key, "_", " ")))
	}
	if detail != "" {
		authErr.Message = detail
	}
	return authErr
}

// emailClaim reads the email claim without verifying the signature; the token
// came straight from the provider over TLS.
func emailClaim(idToken string) string {
	if idToken == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return ""
	}
	email, _ := claims["email"].(string)
	return email
}
