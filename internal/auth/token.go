// ABOUTME: JWT bearer tokens for services and agents calling the frontdesk API
// ABOUTME: HS256 signing; the subject names either a service or an agent

package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the shortest accepted signing secret.
const MinSecretLength = 32

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrShortSecret  = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
)

// SubjectKind says what a token's subject is.
type SubjectKind string

const (
	// SubjectService is a trusted caller such as a channel adapter.
	SubjectService SubjectKind = "service"
	// SubjectAgent is a single support agent acting as themselves.
	SubjectAgent SubjectKind = "agent"
)

// Subject is the parsed "sub" claim, written as "<kind>:<id>".
type Subject struct {
	Kind SubjectKind
	ID   string
}

func (s Subject) String() string { return string(s.Kind) + ":" + s.ID }

// ParseSubject parses "service:<name>" or "agent:<id>".
func ParseSubject(raw string) (Subject, error) {
	kind, id, ok := strings.Cut(raw, ":")
	if !ok || id == "" {
		return Subject{}, fmt.Errorf("%w: malformed subject %q", ErrInvalidToken, raw)
	}
	switch SubjectKind(kind) {
	case SubjectService, SubjectAgent:
		return Subject{Kind: SubjectKind(kind), ID: id}, nil
	default:
		return Subject{}, fmt.Errorf("%w: unknown subject kind %q", ErrInvalidToken, kind)
	}
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (Subject, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier. The secret must be at least
// MinSecretLength bytes.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrShortSecret
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the token and returns its subject.
func (v *JWTVerifier) Verify(tokenString string) (Subject, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Subject{}, ErrExpiredToken
		}
		return Subject{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return Subject{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return ParseSubject(sub)
}

// Generate signs a token for subject. A zero expiresIn produces a token
// without expiry.
func (v *JWTVerifier) Generate(subject Subject, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject.String(),
		"iat": now.Unix(),
	}
	if expiresIn > 0 {
		claims["exp"] = now.Add(expiresIn).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
