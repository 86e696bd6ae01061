package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-go-golems/agentbridge/pkg/auth"
	"github.com/go-go-golems/agentbridge/pkg/schema"
	"github.com/go-go-golems/agentbridge/pkg/settings"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrReadTimeout = errors.New("backend read timeout")

// TransportError is an HTTP-level failure while opening or appending to a
// conversation, or while reading its stream. Status is 0 when no response was
// received.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: backend returned status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type Client struct {
	settings *settings.BackendSettings
	tokens   auth.TokenSource
	http     *http.Client
}

type ClientOption func(*Client)

// WithHTTPClient replaces the pooled client built from the settings.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.http = c
	}
}

func NewClient(s *settings.BackendSettings, tokens auth.TokenSource, options ...ClientOption) *Client {
	dialer := &net.Dialer{Timeout: s.ConnectTimeout, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   s.ConnectTimeout,
		ResponseHeaderTimeout: s.ReadTimeout,
	}
	c := &Client{
		settings: s,
		tokens:   tokens,
		http:     &http.Client{Transport: tr},
	}
	for _, o := range options {
		o(c)
	}
	return c
}

func (c *Client) newRequest(ctx context.Context, path string, body []byte, requestID string) (*http.Request, error) {
	tok, err := auth.Fetch(ctx, c.tokens)
	if err != nil {
		return nil, errors.Wrap(err, "could not get access token")
	}
	u := strings.TrimRight(c.settings.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	tok.Apply(req.Header)
	req.Header.Set("Connect-Protocol-Version", "1")
	if c.settings.TimeoutHint > 0 {
		req.Header.Set("Connect-Timeout-Ms", strconv.FormatInt(c.settings.TimeoutHint.Milliseconds(), 10))
	}
	if c.settings.ClientVersion != "" {
		req.Header.Set("X-Client-Version", c.settings.ClientVersion)
	}
	if requestID != "" {
		req.Header.Set("X-Request-Id", requestID)
	}
	return req, nil
}

// OpenStream posts the run request and returns the event stream. frame is an
// encoded client message; the envelope is added here.
func (c *Client) OpenStream(ctx context.Context, requestID string, frame []byte) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := c.newRequest(ctx, c.settings.RunPath, EncodeEnvelope(frame), requestID)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/connect+proto")
	req.Header.Set("Accept", "text/event-stream")

	log.Debug().Str("request_id", requestID).Int("bytes", len(frame)).Msg("opening backend stream")
	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, &TransportError{Op: "open", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logErrorBody("open", resp)
		cancel()
		return nil, &TransportError{Op: "open", Status: resp.StatusCode}
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
		log.Warn().Str("content_type", ct).Msg("unexpected content type on backend stream")
	}
	return newStream(resp.Body, cancel, c.settings), nil
}

// Append posts one client message to a running conversation.
func (c *Client) Append(ctx context.Context, requestID string, seq uint64, frame []byte) error {
	body := schema.AppendRequest{Data: frame, RequestID: requestID, Seq: seq}.Encode()
	req, err := c.newRequest(ctx, c.settings.AppendPath, EncodeEnvelope(body), requestID)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/proto")

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: "append", Err: err}
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logErrorBody("append", resp)
		return &TransportError{Op: "append", Status: resp.StatusCode}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	log.Debug().Str("request_id", requestID).Uint64("seq", seq).Msg("appended client message")
	return nil
}

func logErrorBody(op string, resp *http.Response) {
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	log.Warn().
		Str("op", op).
		Int("status", resp.StatusCode).
		Str("url", resp.Request.URL.String()).
		Str("body", string(b)).
		Msg("backend call failed")
}

// Stream is an open backend event stream. Next blocks until the next data
// line; if no line arrives within the read timeout the request is cancelled.
// Only time spent inside Next counts: the timer is stopped while the caller
// holds a line. The cancellation only affects this request, never the
// connection pool.
type Stream struct {
	body     io.ReadCloser
	reader   *SSEReader
	cancel   context.CancelFunc
	timeout  time.Duration
	timer    *time.Timer
	timedOut atomic.Bool
	once     sync.Once
}

func newStream(body io.ReadCloser, cancel context.CancelFunc, s *settings.BackendSettings) *Stream {
	st := &Stream{
		body:    body,
		reader:  NewSSEReader(body, s.MaxLineBytes, s.MaxFrameBytes),
		cancel:  cancel,
		timeout: s.ReadTimeout,
	}
	if st.timeout > 0 {
		st.timer = time.AfterFunc(st.timeout, func() {
			st.timedOut.Store(true)
			cancel()
		})
		st.timer.Stop()
	}
	return st
}

func (s *Stream) Next() (SSEMessage, error) {
	if s.timer != nil {
		s.timer.Reset(s.timeout)
	}
	msg, err := s.reader.Next()
	if s.timer != nil {
		s.timer.Stop()
	}
	if err != nil && !errors.Is(err, io.EOF) {
		if s.timedOut.Load() {
			return SSEMessage{}, &TransportError{Op: "read", Err: ErrReadTimeout}
		}
		return SSEMessage{}, &TransportError{Op: "read", Err: err}
	}
	return msg, err
}

func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}
		s.cancel()
		err = s.body.Close()
	})
	return err
}
