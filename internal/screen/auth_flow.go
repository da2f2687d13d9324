package screen

import (
	"context"

	model "github.com/zhouzirui/groq-gate/internal/model/identity"
)

// Status lines shown after a submit.
const (
	StatusRegistered = "✅ Registration successful!"
	StatusLoggedIn   = "✅ Login successful!"
	failurePrefix    = "❌ "
)

// Mode selects which provider operation a flow drives.
type Mode int

const (
	ModeRegister Mode = iota
	ModeLogin
)

func (m Mode) String() string {
	if m == ModeRegister {
		return "register"
	}
	return "login"
}

// Authenticator is the part of the auth client the flows need.
type Authenticator interface {
	CreateAccount(ctx context.Context, email, password string) (*model.Session, error)
	SignIn(ctx context.Context, email, password string) (*model.Session, error)
}

// Outcome is what a submit produced. Route is empty when the visitor stays put.
type Outcome struct {
	Status  string
	Route   string
	Session *model.Session
}

// Succeeded reports whether the submit established a session.
func (o Outcome) Succeeded() bool {
	return o.Session != nil
}

// AuthFlow is the shared behaviour of the registration and login screens.
// Inputs are passed through untouched; all validation is the provider's.
type AuthFlow struct {
	mode Mode
	auth Authenticator
}

// NewAuthFlow returns a flow for mode.
func NewAuthFlow(mode Mode, auth Authenticator) *AuthFlow {
	return &AuthFlow{mode: mode, auth: auth}
}

// Mode returns the flow's mode.
func (f *AuthFlow) Mode() Mode {
	return f.mode
}

// Submit runs the provider operation once. It never retries.
func (f *AuthFlow) Submit(ctx context.Context, creds model.Credentials) Outcome {
	var (
		session *model.Session
		err     error
		status  string
	)
	switch f.mode {
	case ModeRegister:
		session, err = f.auth.CreateAccount(ctx, creds.Email, creds.Password)
		status = StatusRegistered
	default:
		session, err = f.auth.SignIn(ctx, creds.Email, creds.Password)
		status = StatusLoggedIn
	}
	if err != nil {
		return Outcome{Status: failurePrefix + err.Error()}
	}
	return Outcome{Status: status, Route: RouteProtected, Session: session}
}
