package auth

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticTokenSource(t *testing.T) {
	src := NewStaticTokenSource("abc", map[string]string{"X-Client-Key": "k"})
	tok, err := Fetch(context.Background(), src)
	require.NoError(t, err)

	h := http.Header{}
	tok.Apply(h)
	assert.Equal(t, "Bearer abc", h.Get("Authorization"))
	assert.Equal(t, "k", h.Get("X-Client-Key"))
}

func TestExpiredTokenIsRejected(t *testing.T) {
	src := &StaticTokenSource{Token: Token{Value: "abc", ExpiresAt: time.Now().Add(-time.Minute)}}
	_, err := Fetch(context.Background(), src)
	assert.True(t, errors.Is(err, ErrTokenExpired))

	fn := TokenSourceFunc(func(ctx context.Context) (Token, error) {
		return Token{Value: "x", ExpiresAt: time.Now().Add(-time.Second)}, nil
	})
	_, err = Fetch(context.Background(), fn)
	assert.True(t, errors.Is(err, ErrTokenExpired))
}

func TestMissingToken(t *testing.T) {
	_, err := Fetch(context.Background(), NewStaticTokenSource("", nil))
	assert.True(t, errors.Is(err, ErrNoToken))

	_, err = Fetch(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrNoToken))
}
