package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"

	"conductor/internal/api"
)

const CodeTransport = "transport_error"

// ClientError is returned by every failed client call. Payload echoes the
// request for diagnostics.
type ClientError struct {
	Code    string
	Message string
	Payload any
	Err     error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// IsCode reports whether err is a ClientError with the given code.
func IsCode(err error, code string) bool {
	var ce *ClientError
	return errors.As(err, &ce) && ce.Code == code
}

type Backoff struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{
		MaxRetries: 3,
		MinWait:    200 * time.Millisecond,
		MaxWait:    5 * time.Second,
	}
}

// Client talks to the scheduler server. Calls that are safe to repeat are
// retried on 429 and 5xx responses, and all calls share one circuit breaker.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	backoff Backoff
	sleepFn func(time.Duration)
	logger  zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithBackoff(b Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

// WithSleepFunc overrides the sleep between retries.
func WithSleepFunc(fn func(time.Duration)) Option {
	return func(c *Client) { c.sleepFn = fn }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// above the server's long-poll timeout
		http:    &http.Client{Timeout: 90 * time.Second},
		backoff: DefaultBackoff(),
		sleepFn: time.Sleep,
		logger:  log.With().Str("component", "orchestrator-client").Logger(),
	}
	c.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "orchestrator",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type call struct {
	method string
	path   string
	body   any
	// idempotent calls are retried
	idempotent bool
	// payload is attached to errors; defaults to body
	payload any
}

func (c *Client) do(ctx context.Context, cl call, out any) error {
	payload := cl.payload
	if payload == nil {
		payload = cl.body
	}

	var body []byte
	if cl.body != nil {
		var err error
		if body, err = json.Marshal(cl.body); err != nil {
			return &ClientError{Code: CodeTransport, Message: "failed to encode request", Payload: payload, Err: err}
		}
	}

	attempts := 1
	if cl.idempotent {
		attempts += c.backoff.MaxRetries
	}

	var (
		res *http.Response
		err error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		res, err = c.roundTrip(ctx, cl.method, cl.path, body)
		if err == nil {
			break
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) || ctx.Err() != nil {
			break
		}
		if res != nil && res.StatusCode != http.StatusTooManyRequests && res.StatusCode < 500 {
			break
		}
		if attempt < attempts-1 {
			if res != nil {
				res.Body.Close()
			}
			c.sleepFn(c.wait(attempt))
		}
	}
	if res == nil {
		return &ClientError{Code: CodeTransport, Message: fmt.Sprintf("%s %s failed", cl.method, cl.path), Payload: payload, Err: err}
	}
	defer res.Body.Close()

	raw, rerr := io.ReadAll(res.Body)
	if rerr != nil {
		return &ClientError{Code: CodeTransport, Message: "failed to read response", Payload: payload, Err: rerr}
	}

	// an error key wins over the status code
	var apiErr api.ErrorResponse
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != nil {
		return &ClientError{Code: apiErr.Error.Code, Message: apiErr.Error.Message, Payload: payload}
	}
	if res.StatusCode >= 300 {
		return &ClientError{
			Code:    CodeTransport,
			Message: fmt.Sprintf("%s %s returned %d", cl.method, cl.path, res.StatusCode),
			Payload: payload,
			Err:     err,
		}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &ClientError{Code: CodeTransport, Message: "failed to decode response", Payload: payload, Err: err}
		}
	}
	return nil
}

// roundTrip sends one request through the breaker. 429 and 5xx responses are
// returned together with an error.
func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	return c.breaker.Execute(func() (*http.Response, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("content-type", "application/json")
		res, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
			return res, fmt.Errorf("server returned %d", res.StatusCode)
		}
		return res, nil
	})
}

func (c *Client) wait(attempt int) time.Duration {
	base := float64(c.backoff.MinWait) * math.Pow(2, float64(attempt))
	if hi := float64(c.backoff.MaxWait); base > hi {
		base = hi
	}
	lo := float64(c.backoff.MinWait)
	if base <= lo {
		return c.backoff.MinWait
	}
	return time.Duration(lo + rand.Float64()*(base-lo))
}
