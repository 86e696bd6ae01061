package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrNoToken      = errors.New("no access token configured")
	ErrTokenExpired = errors.New("access token expired")
)

// Token is a bearer credential plus any extra headers the backend expects
// next to it.
type Token struct {
	Value     string
	ExpiresAt time.Time
	Headers   map[string]string
}

func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Apply sets the authorization and extra headers on an outgoing request.
func (t Token) Apply(h http.Header) {
	h.Set("Authorization", "Bearer "+t.Value)
	for k, v := range t.Headers {
		h.Set(k, v)
	}
}

// TokenSource hands out access tokens. Login flows and credential storage
// live behind it.
type TokenSource interface {
	AccessToken(ctx context.Context) (Token, error)
}

type TokenSourceFunc func(ctx context.Context) (Token, error)

func (f TokenSourceFunc) AccessToken(ctx context.Context) (Token, error) {
	return f(ctx)
}

// StaticTokenSource serves a token taken from configuration or the
// environment.
type StaticTokenSource struct {
	Token Token
	Now   func() time.Time
}

func NewStaticTokenSource(value string, headers map[string]string) *StaticTokenSource {
	return &StaticTokenSource{Token: Token{Value: value, Headers: headers}}
}

func (s *StaticTokenSource) AccessToken(ctx context.Context) (Token, error) {
	if s.Token.Value == "" {
		return Token{}, ErrNoToken
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	if s.Token.Expired(now()) {
		return Token{}, errors.Wrapf(ErrTokenExpired, "expired at %s", s.Token.ExpiresAt.Format(time.RFC3339))
	}
	return s.Token, nil
}

// Fetch gets a token and rejects expired ones before any backend call is
// made, whatever the source.
func Fetch(ctx context.Context, src TokenSource) (Token, error) {
	if src == nil {
		return Token{}, ErrNoToken
	}
	tok, err := src.AccessToken(ctx)
	if err != nil {
		return Token{}, err
	}
	if tok.Value == "" {
		return Token{}, ErrNoToken
	}
	if tok.Expired(time.Now()) {
		return Token{}, ErrTokenExpired
	}
	return tok, nil
}
