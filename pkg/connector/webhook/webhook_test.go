package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/syncmaven/syncmaven-sub000/pkg/connector/destination"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/process"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/protocol"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/rpc"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/sdk"
	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/json"
	"github.com/syncmaven/syncmaven-sub000/pkg/store"
	"github.com/syncmaven/syncmaven-sub000/pkg/testutil"
)

func TestParseConfig(t *testing.T) {
	tests := []struct {
		name        string
		credentials map[string]interface{}
		options     map[string]interface{}
		wantErr     string
		check       func(t *testing.T, cfg *Config)
	}{
		{
			name:        "defaults",
			credentials: map[string]interface{}{"url": "https://hooks.example.com/in"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, defaultBatchSize, cfg.BatchSize)
				assert.Equal(t, defaultMaxRetries, cfg.retries)
				assert.Equal(t, defaultTimeout, cfg.timeout)
			},
		},
		{
			name:        "options override credentials",
			credentials: map[string]interface{}{"url": "http://localhost:9000", "batch_size": 10},
			options:     map[string]interface{}{"batch_size": 2, "max_retries": 0, "timeout": "5s"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 2, cfg.BatchSize)
				assert.Equal(t, 0, cfg.retries)
				assert.Equal(t, 5*time.Second, cfg.timeout)
			},
		},
		{
			name:        "missing url",
			credentials: map[string]interface{}{},
			wantErr:     "not an http(s) URL",
		},
		{
			name:        "unsupported scheme",
			credentials: map[string]interface{}{"url": "ftp://example.com"},
			wantErr:     "not an http(s) URL",
		},
		{
			name:        "negative retries",
			credentials: map[string]interface{}{"url": "http://example.com", "max_retries": -1},
			wantErr:     "max_retries",
		},
		{
			name:        "bad timeout",
			credentials: map[string]interface{}{"url": "http://example.com", "timeout": "soon"},
			wantErr:     "invalid duration",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseConfig(tt.credentials, tt.options)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

// endpoint records the batches it receives. fail answers the first n
// requests with status.
type endpoint struct {
	mu      sync.Mutex
	batches []payload
	headers []http.Header

	failures atomic.Int32
	status   int
}

func (e *endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if e.failures.Add(-1) >= 0 {
		w.WriteHeader(e.status)
		return
	}
	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer zr.Close()
		body = zr
	}
	var p payload
	if err := json.NewDecoder(body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e.mu.Lock()
	e.batches = append(e.batches, p)
	e.headers = append(e.headers, r.Header.Clone())
	e.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

func (e *endpoint) rows() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, b := range e.batches {
		n += len(b.Rows)
	}
	return n
}

func stream(t *testing.T, credentials map[string]interface{}, rows int) (*protocol.StreamResult, error) {
	t.Helper()
	testutil.UseTestLogger(t)
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	d := destination.New(process.NewInProcess(Name, sdk.Func(New())))
	defer d.Close(context.Background())

	require.NoError(t, d.StartStream(ctx, &protocol.StartStream{
		StreamID:              "st-1",
		SyncID:                "users",
		Stream:                "rows",
		ConnectionCredentials: credentials,
	}, &rpc.ExecutionContext{SyncID: "users", Store: store.NewMemoryStore()}))
	for i := 0; i < rows; i++ {
		require.NoError(t, d.Row(map[string]interface{}{"id": i}))
	}
	return d.StopStream(ctx)
}

func TestDeliverBatches(t *testing.T) {
	ep := &endpoint{}
	srv := httptest.NewServer(ep)
	defer srv.Close()

	result, err := stream(t, map[string]interface{}{
		"url":        srv.URL,
		"batch_size": 2,
		"headers":    map[string]interface{}{"Authorization": "Bearer t"},
	}, 5)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, int64(5), result.Success)

	require.Len(t, ep.batches, 3)
	assert.Len(t, ep.batches[2].Rows, 1)
	assert.Equal(t, "users", ep.batches[0].SyncID)
	assert.Equal(t, "st-1", ep.batches[0].StreamID)
	assert.Equal(t, "Bearer t", ep.headers[0].Get("Authorization"))
	assert.Equal(t, 5, ep.rows())
}

func TestDeliverCompressed(t *testing.T) {
	ep := &endpoint{}
	srv := httptest.NewServer(ep)
	defer srv.Close()

	_, err := stream(t, map[string]interface{}{"url": srv.URL, "compress": true}, 3)
	require.NoError(t, err)
	require.Len(t, ep.batches, 1)
	assert.Equal(t, "gzip", ep.headers[0].Get("Content-Encoding"))
	assert.Equal(t, 3, ep.rows())
}

func TestRetryTransientFailures(t *testing.T) {
	ep := &endpoint{status: http.StatusServiceUnavailable}
	ep.failures.Store(2)
	srv := httptest.NewServer(ep)
	defer srv.Close()

	result, err := stream(t, map[string]interface{}{"url": srv.URL, "retry_backoff": "1ms"}, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Success)
	assert.Equal(t, 2, ep.rows())
}

func TestPersistentFailureHalts(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"server error", http.StatusInternalServerError},
		{"rejected", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := &endpoint{status: tt.status}
			ep.failures.Store(100)
			srv := httptest.NewServer(ep)
			defer srv.Close()

			result, err := stream(t, map[string]interface{}{
				"url":           srv.URL,
				"max_retries":   1,
				"retry_backoff": "1ms",
			}, 2)
			assert.Nil(t, result)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeHalt))
			assert.Contains(t, err.Error(), "webhook delivery failed")
			assert.Zero(t, ep.rows())
		})
	}
}

func TestOpenHaltsWhileBreakerIsOpen(t *testing.T) {
	testutil.UseTestLogger(t)
	c := New()
	url := "http://hooks.example.com"
	b := c.breaker(url)
	for i := 0; i < breakerThreshold; i++ {
		b.RecordFailure()
	}

	_, err := c.Open(context.Background(), &sdk.StreamContext{Start: &protocol.StartStream{
		Stream:                "rows",
		ConnectionCredentials: map[string]interface{}{"url": url},
	}})
	var halt *sdk.HaltError
	require.True(t, errors.As(err, &halt))
	assert.Equal(t, protocol.HaltStatusError, halt.Status)
	assert.Contains(t, halt.Message, "is failing")
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := newCircuitBreaker(2, time.Minute, zap.NewNop())
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	ok, _ := cb.Allow()
	assert.True(t, ok)
	cb.RecordFailure()
	assert.Equal(t, stateOpen, cb.State())

	ok, retryAt := cb.Allow()
	assert.False(t, ok)
	assert.Equal(t, now.Add(time.Minute), retryAt)

	now = now.Add(time.Minute)
	ok, _ = cb.Allow()
	assert.True(t, ok)
	assert.Equal(t, stateHalfOpen, cb.State())

	cb.RecordFailure()
	assert.Equal(t, stateOpen, cb.State(), "a failed probe reopens the breaker")

	now = now.Add(time.Minute)
	ok, _ = cb.Allow()
	require.True(t, ok)
	cb.RecordSuccess()
	assert.Equal(t, stateClosed, cb.State())
}

func TestRateLimiter(t *testing.T) {
	fast := newRateLimiter(1000, 1)
	for i := 0; i < 3; i++ {
		require.NoError(t, fast.Wait(context.Background()))
	}

	slow := newRateLimiter(0.001, 1)
	require.NoError(t, slow.Wait(context.Background()), "the burst is available immediately")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, slow.Wait(ctx), context.DeadlineExceeded)

	var unlimited *rateLimiter
	assert.NoError(t, unlimited.Wait(context.Background()))
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, 2*time.Second, retryAfter("2"))
	assert.Zero(t, retryAfter(""))
	assert.Zero(t, retryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))
	assert.Equal(t, maxBackoff, retryAfter("3600"))
}
