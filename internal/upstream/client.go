package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/goodtune/restatus/internal/metrics"
)

const maxBodySize = 10 << 20

// Response is a successful upstream reply.
type Response struct {
	Body        []byte
	ContentType string
}

// Client performs GET requests against one upstream behind a circuit
// breaker. Only UpstreamUnavailable failures count against the breaker;
// auth and rate-limit answers mean the upstream is alive.
type Client struct {
	name    string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*Response]
	logger  zerolog.Logger
}

// NewClient creates a client for the named upstream.
func NewClient(name string, timeout time.Duration, logger zerolog.Logger) *Client {
	logger = logger.With().Str("upstream", name).Logger()

	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	breaker := gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || KindOf(err) != UpstreamUnavailable
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})

	return &Client{
		name:    name,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
		logger:  logger,
	}
}

// Name returns the upstream name.
func (c *Client) Name() string {
	return c.name
}

// GetBytes fetches rawURL and returns the body of a 2xx reply.
func (c *Client) GetBytes(ctx context.Context, rawURL string, headers http.Header) (*Response, error) {
	start := time.Now()

	resp, err := c.breaker.Execute(func() (*Response, error) {
		return c.do(ctx, rawURL, headers)
	})

	metrics.UpstreamRequestDuration.WithLabelValues(c.name).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.UpstreamRequestsTotal.WithLabelValues(c.name, "rejected").Inc()
			return nil, Wrap(UpstreamUnavailable, err, c.name+" circuit open")
		}
		metrics.UpstreamRequestsTotal.WithLabelValues(c.name, KindOf(err).String()).Inc()
		return nil, err
	}

	metrics.UpstreamRequestsTotal.WithLabelValues(c.name, "success").Inc()
	return resp, nil
}

// GetJSON fetches rawURL and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, rawURL string, headers http.Header, out any) error {
	resp, err := c.GetBytes(ctx, rawURL, headers)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return Wrap(UpstreamUnavailable, err, c.name+" returned malformed JSON")
	}
	return nil
}

func (c *Client) do(ctx context.Context, rawURL string, headers http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, Wrap(InvalidInput, err, "build request")
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, Wrap(UpstreamUnavailable, err, c.name+" request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if err := statusError(c.name, resp.StatusCode); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, Wrap(UpstreamUnavailable, err, c.name+" read body")
	}

	return &Response{Body: body, ContentType: resp.Header.Get("Content-Type")}, nil
}

func statusError(name string, status int) error {
	if status >= 200 && status < 300 {
		return nil
	}

	code := strconv.Itoa(status)
	msg := fmt.Sprintf("%s returned HTTP %d", name, status)
	switch status {
	case http.StatusUnauthorized:
		return &Error{Kind: Unauthorized, Code: code, Message: msg}
	case http.StatusForbidden:
		return &Error{Kind: Forbidden, Code: code, Message: msg}
	case http.StatusTooManyRequests:
		return &Error{Kind: RateLimited, Code: code, Message: msg}
	default:
		return &Error{Kind: UpstreamUnavailable, Code: code, Message: msg}
	}
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
