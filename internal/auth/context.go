// ABOUTME: Authentication context carried through request handlers
// ABOUTME: Shared resolution of a bearer token into an AuthContext for HTTP and gRPC

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/frontdesk/internal/store"
)

// AuthContext holds the authenticated caller.
type AuthContext struct {
	Subject Subject
	Agent   *store.Agent // set for agent subjects
}

// IsService reports whether the caller is a trusted service.
func (a *AuthContext) IsService() bool {
	return a != nil && a.Subject.Kind == SubjectService
}

// AgentID returns the agent's ID for agent callers, empty otherwise.
func (a *AuthContext) AgentID() string {
	if a == nil || a.Subject.Kind != SubjectAgent {
		return ""
	}
	return a.Subject.ID
}

// Anonymous is injected when authentication is disabled. It has service
// rights.
var Anonymous = &AuthContext{Subject: Subject{Kind: SubjectService, ID: "anonymous"}}

// AgentStore looks up agents named by agent tokens.
type AgentStore interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
}

// Authentication failures
var (
	ErrMissingCredentials = errors.New("missing authorization header")
	ErrUnknownAgent       = errors.New("agent not found")
	ErrDeactivatedAgent   = errors.New("agent is deactivated")
)

type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// extractBearerToken returns the token from an Authorization header value.
func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingCredentials
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", fmt.Errorf("%w: invalid authorization header format", ErrInvalidToken)
	}
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	return token, nil
}

// Authenticator turns Authorization header values into AuthContexts.
type Authenticator struct {
	tokens TokenVerifier
	agents AgentStore
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(tokens TokenVerifier, agents AgentStore) *Authenticator {
	return &Authenticator{tokens: tokens, agents: agents}
}

// Authenticate validates header and, for agent tokens, checks that the
// agent exists and is active.
func (a *Authenticator) Authenticate(ctx context.Context, header string) (*AuthContext, error) {
	token, err := extractBearerToken(header)
	if err != nil {
		return nil, err
	}
	subject, err := a.tokens.Verify(token)
	if err != nil {
		return nil, err
	}

	authCtx := &AuthContext{Subject: subject}
	if subject.Kind == SubjectAgent {
		agent, err := a.agents.GetAgent(ctx, subject.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownAgent, err)
		}
		if agent.Deactivated {
			return nil, ErrDeactivatedAgent
		}
		authCtx.Agent = agent
	}
	return authCtx, nil
}
