package settings

import (
	"testing"
	"time"

	"github.com/go-go-golems/agentbridge/pkg/security"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	s := NewSettings()
	require.NoError(t, s.Validate())
	assert.Equal(t, 15*time.Minute, s.Session.Timeout)
	assert.Equal(t, 3, s.Session.MaxConsecutiveMalformed)
	assert.Equal(t, DefaultRunPath, s.Backend.RunPath)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	s, err := FromYAML([]byte(`
backend:
  base_url: http://localhost:9999
  allow_insecure: true
  read_timeout: 30s
session:
  timeout: 5m
redis:
  url: redis://localhost:6379/0
auth:
  headers:
    x-client-key: abc
`))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9999", s.Backend.BaseURL)
	assert.Equal(t, 30*time.Second, s.Backend.ReadTimeout)
	assert.Equal(t, DefaultAppendPath, s.Backend.AppendPath)
	assert.Equal(t, 5*time.Minute, s.Session.Timeout)
	assert.Equal(t, 3, s.Session.MaxConsecutiveMalformed)
	assert.Equal(t, "redis://localhost:6379/0", s.Redis.URL)
	assert.Equal(t, "agentbridge:session:", s.Redis.KeyPrefix)
	assert.Equal(t, "abc", s.Auth.Headers["x-client-key"])
}

func TestValidateRejectsBadValues(t *testing.T) {
	_, err := FromYAML([]byte("backend:\n  base_url: not a url\n"))
	assert.Error(t, err)

	_, err = FromYAML([]byte("session:\n  max_consecutive_malformed: 0\n"))
	assert.Error(t, err)

	_, err = FromYAML([]byte("backend:\n  base_url: http://127.0.0.1:9999\n"))
	assert.True(t, errors.Is(err, security.ErrUnsafeURL))
}

func TestCloneIsDeep(t *testing.T) {
	s := NewSettings()
	c := s.Clone()
	c.Backend.BaseURL = "http://other"
	c.Session.Timeout = time.Second
	assert.Equal(t, "https://api2.cursor.sh", s.Backend.BaseURL)
	assert.Equal(t, 15*time.Minute, s.Session.Timeout)
}
