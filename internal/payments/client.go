package payments

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"propcanvas/internal/types"

	"github.com/sony/gobreaker/v2"
)

// RetryPolicy configures the retry behavior for the BaseClient.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy returns the retry defaults for payment provider calls.
// Retries stay conservative: subscription creation and refunds are not
// idempotent at the provider, so only transport failures, 429s, and 5xx
// responses are ever retried, and not many times.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		MinWait:    500 * time.Millisecond,
		MaxWait:    5 * time.Second,
	}
}

// BaseClient routes every outbound provider HTTP call through a circuit
// breaker with bounded retries. Razorpay and Stripe each get their own
// BaseClient and breaker, so a Stripe outage never opens the Razorpay
// circuit.
type BaseClient struct {
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	retryPolicy RetryPolicy
	userAgent   string
	sleepFn     func(time.Duration) // for testability; defaults to time.Sleep
}

// BaseClientOption is a functional option for configuring a BaseClient.
type BaseClientOption func(*BaseClient)

// WithSleepFunc overrides the sleep between retries so tests run instantly.
func WithSleepFunc(fn func(time.Duration)) BaseClientOption {
	return func(c *BaseClient) {
		c.sleepFn = fn
	}
}

// newProviderBreaker builds the per-provider circuit breaker: it opens after
// five consecutive failures and probes with a single request after 30
// seconds.
func newProviderBreaker(name string) *gobreaker.CircuitBreaker[*http.Response] {
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
}

// NewBaseClient creates a BaseClient with its own breaker named after the
// provider. A nil httpClient falls back to http.DefaultClient.
func NewBaseClient(
	httpClient *http.Client,
	breakerName string,
	retryPolicy RetryPolicy,
	userAgent string,
	opts ...BaseClientOption,
) *BaseClient {
	return NewBaseClientWithBreaker(httpClient, newProviderBreaker(breakerName), retryPolicy, userAgent, opts...)
}

// NewBaseClientWithBreaker creates a BaseClient with a caller-supplied
// circuit breaker, for tests that need control over breaker thresholds.
func NewBaseClientWithBreaker(
	httpClient *http.Client,
	breaker *gobreaker.CircuitBreaker[*http.Response],
	retryPolicy RetryPolicy,
	userAgent string,
	opts ...BaseClientOption,
) *BaseClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	bc := &BaseClient{
		client:      httpClient,
		breaker:     breaker,
		retryPolicy: retryPolicy,
		userAgent:   userAgent,
		sleepFn:     time.Sleep,
	}
	for _, opt := range opts {
		opt(bc)
	}
	return bc
}

// Do executes the request through the breaker with retries on 429 and 5xx
// (honoring Retry-After). The request id from the context rides along as
// X-B3-TraceId. Responses the provider answered deliberately (2xx/3xx/4xx
// other than 429) come back as-is and the caller owns the body; exhausted
// retries and an open breaker come back as upstream AppErrors.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if traceID := types.GetRequestID(req.Context()); traceID != "" {
		req.Header.Set("X-B3-TraceId", traceID)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	// The body has to be buffered once up front so later attempts can
	// replay it.
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, types.NewAppError(
				types.ErrCodeInternalUnexpected,
				"failed to read request body for retry support",
				err,
			)
		}
	}

	var lastResp *http.Response
	var lastErr error

	for attempt := 0; attempt <= c.retryPolicy.MaxRetries; attempt++ {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
			req.ContentLength = int64(len(body))
		}

		resp, err := c.attempt(req)
		if err == nil {
			return resp, nil
		}

		lastErr = err
		final := attempt == c.retryPolicy.MaxRetries

		// An open breaker means the provider is down; retrying would only
		// hammer it further.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}

		if resp != nil {
			// Deliberate non-retryable answers (4xx other than 429) belong
			// to the caller.
			if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
				return resp, nil
			}
			if final {
				lastResp = resp
			} else {
				resp.Body.Close()
			}
		}

		if !final {
			c.sleepFn(c.backoff(attempt, resp))
		}
	}

	if lastResp != nil {
		lastResp.Body.Close()
	}
	return nil, c.mapError(lastResp, lastErr)
}

// attempt runs one request through the breaker. 5xx and 429 are reported as
// breaker failures so consecutive provider trouble trips the circuit.
func (c *BaseClient) attempt(req *http.Request) (*http.Response, error) {
	return c.breaker.Execute(func() (*http.Response, error) {
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		switch {
		case resp.StatusCode >= 500:
			return resp, fmt.Errorf("upstream returned %d", resp.StatusCode)
		case resp.StatusCode == http.StatusTooManyRequests:
			return resp, fmt.Errorf("upstream returned 429")
		}
		return resp, nil
	})
}

// backoff picks the wait before the next attempt: the Retry-After header
// when the provider sent one, otherwise exponential backoff with jitter
// clamped to [MinWait, MaxWait].
func (c *BaseClient) backoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if wait, ok := c.retryAfterWait(resp.Header.Get("Retry-After")); ok {
			return wait
		}
	}

	base := float64(c.retryPolicy.MinWait) * math.Pow(2, float64(attempt))
	if max := float64(c.retryPolicy.MaxWait); base > max {
		base = max
	}

	min := float64(c.retryPolicy.MinWait)
	if base <= min {
		return c.retryPolicy.MinWait
	}
	return time.Duration(min + rand.Float64()*(base-min))
}

// retryAfterWait parses a Retry-After header value, which may be either a
// delay in seconds or an HTTP-date.
func (c *BaseClient) retryAfterWait(header string) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}

	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return c.clampWait(time.Duration(seconds) * time.Second), true
	}
	if t, err := http.ParseTime(header); err == nil {
		return c.clampWait(time.Until(t)), true
	}
	return 0, false
}

func (c *BaseClient) clampWait(wait time.Duration) time.Duration {
	if wait <= 0 {
		return c.retryPolicy.MinWait
	}
	if wait > c.retryPolicy.MaxWait {
		return c.retryPolicy.MaxWait
	}
	return wait
}

// mapError translates transport-level failures into domain AppErrors.
func (c *BaseClient) mapError(resp *http.Response, err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			"circuit breaker is open; payment provider unavailable",
			err,
		)
	}

	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return types.NewAppError(
				types.ErrCodeUpstreamRateLimited,
				"payment provider rate limit exceeded",
				err,
			)
		case resp.StatusCode >= 500:
			return types.NewAppError(
				types.ErrCodeUpstreamUnavailable,
				fmt.Sprintf("payment provider returned %d after retries", resp.StatusCode),
				err,
			)
		}
	}

	return types.NewAppError(
		types.ErrCodeUpstreamUnavailable,
		"payment provider request failed",
		err,
	)
}
