package payments

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propcanvas/internal/types"
)

// countingServer answers failStatus for the first failCount requests, then
// 200 with body "ok". It records request bodies when capture is set.
type countingServer struct {
	*httptest.Server
	calls      atomic.Int32
	failCount  int32
	failStatus int
	headers    http.Header
	bodies     []string
	capture    bool
}

func newCountingServer(failCount int32, failStatus int) *countingServer {
	cs := &countingServer{failCount: failCount, failStatus: failStatus}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cs.capture {
			body, _ := io.ReadAll(r.Body)
			cs.bodies = append(cs.bodies, string(body))
		}
		if n := cs.calls.Add(1); n <= cs.failCount {
			for k, vs := range cs.headers {
				for _, v := range vs {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(cs.failStatus)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	return cs
}

// noopSleep skips the retry wait so tests run instantly.
func noopSleep(time.Duration) {}

func fastPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries: maxRetries,
		MinWait:    time.Millisecond,
		MaxWait:    10 * time.Millisecond,
	}
}

func newFastClient(policy RetryPolicy, opts ...BaseClientOption) *BaseClient {
	opts = append([]BaseClientOption{WithSleepFunc(noopSleep)}, opts...)
	return NewBaseClient(nil, "test", policy, "PropCanvas-Test/1.0", opts...)
}

func get(t *testing.T, ctx context.Context, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	return req
}

func TestDo_Success(t *testing.T) {
	srv := newCountingServer(0, 0)
	defer srv.Close()

	resp, err := newFastClient(fastPolicy(2)).Do(get(t, context.Background(), srv.URL))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(1), srv.calls.Load())
}

func TestDo_InjectsTraceIDAndUserAgent(t *testing.T) {
	var gotTrace, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTrace = r.Header.Get("X-B3-TraceId")
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := types.WithRequestID(context.Background(), "trace-abc-123")
	resp, err := newFastClient(fastPolicy(0)).Do(get(t, ctx, srv.URL))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "trace-abc-123", gotTrace)
	assert.Equal(t, "PropCanvas-Test/1.0", gotUA)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	srv := newCountingServer(2, http.StatusInternalServerError)
	defer srv.Close()

	resp, err := newFastClient(fastPolicy(3)).Do(get(t, context.Background(), srv.URL))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), srv.calls.Load(), "two failures then a success")
}

func TestDo_ExhaustedRetries(t *testing.T) {
	tests := []struct {
		name       string
		failStatus int
		wantCode   types.ErrorCode
	}{
		{name: "5xx maps to unavailable", failStatus: http.StatusBadGateway, wantCode: types.ErrCodeUpstreamUnavailable},
		{name: "429 maps to rate limited", failStatus: http.StatusTooManyRequests, wantCode: types.ErrCodeUpstreamRateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newCountingServer(100, tt.failStatus)
			defer srv.Close()

			resp, err := newFastClient(fastPolicy(2)).Do(get(t, context.Background(), srv.URL))
			assert.Nil(t, resp)
			require.Error(t, err)

			assert.True(t, types.IsErrorCode(err, tt.wantCode), "got: %v", err)
			assert.Equal(t, int32(3), srv.calls.Load(), "one attempt plus two retries")
		})
	}
}

func TestDo_4xxNotRetried(t *testing.T) {
	srv := newCountingServer(100, http.StatusBadRequest)
	defer srv.Close()

	resp, err := newFastClient(fastPolicy(3)).Do(get(t, context.Background(), srv.URL))
	require.NoError(t, err, "a deliberate 4xx answer belongs to the caller")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int32(1), srv.calls.Load())
}

func TestDo_OpenBreakerFailsFast(t *testing.T) {
	srv := newCountingServer(100, http.StatusInternalServerError)
	defer srv.Close()

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "test-open",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})
	client := NewBaseClientWithBreaker(nil, breaker, fastPolicy(0), "PropCanvas-Test/1.0",
		WithSleepFunc(func(time.Duration) {}))

	for i := 0; i < 4; i++ {
		_, _ = client.Do(get(t, context.Background(), srv.URL))
	}
	before := srv.calls.Load()

	resp, err := client.Do(get(t, context.Background(), srv.URL))
	assert.Nil(t, resp)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrCodeUpstreamRateLimited), "got: %v", err)
	assert.Equal(t, before, srv.calls.Load(), "open breaker must not reach the server")
}

func TestDo_RetryAfterHeader(t *testing.T) {
	tests := []struct {
		name       string
		retryAfter string
		wantSleep  time.Duration
	}{
		{name: "seconds honored", retryAfter: "2", wantSleep: 2 * time.Second},
		{name: "capped at MaxWait", retryAfter: "3600", wantSleep: 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newCountingServer(1, http.StatusTooManyRequests)
			srv.headers = http.Header{"Retry-After": []string{tt.retryAfter}}
			defer srv.Close()

			var sleeps []time.Duration
			client := NewBaseClient(nil, "test-retry-after",
				RetryPolicy{MaxRetries: 1, MinWait: 100 * time.Millisecond, MaxWait: 5 * time.Second},
				"PropCanvas-Test/1.0",
				WithSleepFunc(func(d time.Duration) { sleeps = append(sleeps, d) }))

			resp, err := client.Do(get(t, context.Background(), srv.URL))
			require.NoError(t, err)
			resp.Body.Close()

			require.Len(t, sleeps, 1)
			assert.Equal(t, tt.wantSleep, sleeps[0])
		})
	}
}

func TestDo_PostBodyReplayedAcrossRetries(t *testing.T) {
	srv := newCountingServer(1, http.StatusInternalServerError)
	srv.capture = true
	defer srv.Close()

	const payload = `{"plan_id":"plan_solo_monthly"}`
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, srv.URL,
		strings.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := newFastClient(fastPolicy(2)).Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, srv.bodies, 2)
	for i, body := range srv.bodies {
		assert.Equal(t, payload, body, "attempt %d", i)
	}
}

func TestBackoff_StaysWithinBounds(t *testing.T) {
	client := &BaseClient{
		retryPolicy: RetryPolicy{
			MaxRetries: 5,
			MinWait:    100 * time.Millisecond,
			MaxWait:    10 * time.Second,
		},
	}

	// Jitter makes exact values unpredictable; check bounds only.
	for attempt := 0; attempt < 5; attempt++ {
		wait := client.backoff(attempt, nil)
		assert.GreaterOrEqual(t, wait, client.retryPolicy.MinWait, "attempt %d", attempt)
		assert.LessOrEqual(t, wait, client.retryPolicy.MaxWait, "attempt %d", attempt)
	}
}

func TestMapError(t *testing.T) {
	client := &BaseClient{}

	open := client.mapError(nil, gobreaker.ErrOpenState)
	assert.Equal(t, types.ErrCodeUpstreamRateLimited, open.Code)
	assert.Contains(t, open.Message, "circuit breaker")

	unavailable := client.mapError(&http.Response{StatusCode: http.StatusBadGateway}, nil)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, unavailable.Code)

	network := client.mapError(nil, io.ErrUnexpectedEOF)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, network.Code)
}
