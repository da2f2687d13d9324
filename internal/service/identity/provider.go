package identity

import (
	"context"
	"errors"
	"fmt"

	model "github.com/zhouzirui/groq-gate/internal/model/identity"
)

// Provider is the identity backend: it owns password checks and token issuance.
type Provider interface {
	CreateAccount(ctx context.Context, email, password string) (*model.Session, error)
	SignIn(ctx context.Context, email, password string) (*model.Session, error)
	Refresh(ctx context.Context, session *model.Session) (*model.Session, error)
	SignOut(ctx context.Context, session *model.Session) error
}

// TokenVerifier is implemented by providers that can check their own id
// tokens without a round trip.
type TokenVerifier interface {
	VerifyIDToken(token string) (userID, email string, err error)
}

// Error codes mirror the identity provider's own vocabulary.
const (
	CodeEmailInUse        = "email-already-in-use"
	CodeInvalidEmail      = "invalid-email"
	CodeWeakPassword      = "weak-password"
	CodeMissingPassword   = "missing-password"
	CodeInvalidCredential = "invalid-credential"
	CodeUserDisabled      = "user-disabled"
	CodeTooManyRequests   = "too-many-requests"
	CodeTokenExpired      = "user-token-expired"
	CodeNetwork           = "network-request-failed"
	CodeInternal          = "internal-error"
)

// AuthError is every failure the provider reports back to a user.
type AuthError struct {
	Code    string
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("auth/%s", e.Code)
	}
	return fmt.Sprintf("%s (auth/%s)", e.Message, e.Code)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func newAuthError(code, message string) *AuthError {
	return &AuthError{Code: code, Message: message}
}

// CodeOf extracts the provider code from err, or "" when err is not an AuthError.
func CodeOf(err error) string {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Code
	}
	return ""
}
