// Package webhook is a built-in destination connector that posts rows to an
// HTTP endpoint in JSON batches.
//
// Credentials:
//
//	url:          endpoint receiving POST requests (required)
//	headers:      extra request headers, e.g. Authorization
//	rate_limit:   requests per second, 0 for unlimited
//	batch_size:   rows per request (default 100)
//	max_retries:  attempts after the first for 429, 5xx and transport errors (default 3)
//	timeout:      per-request timeout (default 30s)
//	compress:     gzip request bodies
//
// A batch that still fails after its retries halts the stream with an
// error, which ends the sync run.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/syncmaven/syncmaven-sub000/pkg/connector/protocol"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/sdk"
	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/json"
	"github.com/syncmaven/syncmaven-sub000/pkg/logger"
)

// Name is the builtin name the connector registers under.
const Name = "webhook"

const (
	defaultBatchSize  = 100
	defaultMaxRetries = 3
	defaultTimeout    = 30 * time.Second
	defaultBackoff    = 500 * time.Millisecond
	maxBackoff        = 30 * time.Second

	breakerThreshold = 3
	breakerCooldown  = time.Minute
)

// Config is decoded from the connection credentials, overlaid with the
// stream options.
type Config struct {
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers,omitempty"`
	RateLimit  float64           `json:"rate_limit,omitempty"`
	BatchSize  int               `json:"batch_size,omitempty"`
	MaxRetries *int              `json:"max_retries,omitempty"`
	Timeout    string            `json:"timeout,omitempty"`
	Compress   bool              `json:"compress,omitempty"`
	// RetryBackoff is the delay before the first retry; it doubles per attempt.
	RetryBackoff string `json:"retry_backoff,omitempty"`

	timeout time.Duration
	backoff time.Duration
	retries int
}

// ParseConfig decodes and validates a configuration.
func ParseConfig(credentials, options map[string]interface{}) (*Config, error) {
	merged := make(map[string]interface{}, len(credentials)+len(options))
	for k, v := range credentials {
		merged[k] = v
	}
	for k, v := range options {
		merged[k] = v
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid webhook configuration")
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid webhook configuration")
	}

	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.Newf(errors.ErrorTypeConfig, "webhook url %q is not an http(s) URL", cfg.URL)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	cfg.retries = defaultMaxRetries
	if cfg.MaxRetries != nil {
		if *cfg.MaxRetries < 0 {
			return nil, errors.New(errors.ErrorTypeConfig, "max_retries cannot be negative")
		}
		cfg.retries = *cfg.MaxRetries
	}
	if cfg.timeout, err = parseDuration(cfg.Timeout, defaultTimeout); err != nil {
		return nil, err
	}
	if cfg.backoff, err = parseDuration(cfg.RetryBackoff, defaultBackoff); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeConfig, "invalid duration "+s)
	}
	return d, nil
}

// Connector is the webhook destination. One Connector may serve many
// streams; its circuit breakers persist across them.
type Connector struct {
	log *zap.Logger

	mu       sync.Mutex
	breakers map[string]*circuitBreaker
}

// New returns a webhook connector.
func New() *Connector {
	return &Connector{
		log:      logger.With(zap.String("component", "webhook")),
		breakers: make(map[string]*circuitBreaker),
	}
}

var credentialsSchema = json.RawMessage(`{
  "type": "object",
  "required": ["url"],
  "properties": {
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "rate_limit": {"type": "number", "minimum": 0},
    "batch_size": {"type": "integer", "minimum": 1},
    "max_retries": {"type": "integer", "minimum": 0},
    "timeout": {"type": "string"},
    "compress": {"type": "boolean"}
  }
}`)

// Spec describes the connector.
func (c *Connector) Spec(context.Context) (*protocol.Spec, error) {
	return &protocol.Spec{
		Description:           "Posts rows to an HTTP endpoint in JSON batches",
		Roles:                 []string{"destination"},
		ConnectionCredentials: credentialsSchema,
	}, nil
}

// Streams validates the credentials. The webhook accepts any row.
func (c *Connector) Streams(_ context.Context, credentials map[string]interface{}) (*protocol.StreamSpec, error) {
	if _, err := ParseConfig(credentials, nil); err != nil {
		return nil, sdk.Halt("%s", err.Error())
	}
	return &protocol.StreamSpec{
		Streams:       []protocol.StreamDescriptor{{Name: "rows"}},
		DefaultStream: "rows",
	}, nil
}

// Open starts a batching writer for the stream.
func (c *Connector) Open(_ context.Context, sc *sdk.StreamContext) (sdk.Writer, error) {
	cfg, err := ParseConfig(sc.Start.ConnectionCredentials, sc.Start.StreamOptions)
	if err != nil {
		return nil, sdk.Halt("%s", err.Error())
	}
	breaker := c.breaker(cfg.URL)
	if ok, retryAt := breaker.Allow(); !ok {
		return nil, sdk.Halt("webhook %s is failing; deliveries resume after %s", cfg.URL, retryAt.Format(time.RFC3339))
	}

	return &writer{
		cfg:     cfg,
		sc:      sc,
		client:  &http.Client{Timeout: cfg.timeout, Transport: gzhttp.Transport(http.DefaultTransport)},
		limiter: newRateLimiter(cfg.RateLimit, 1),
		breaker: breaker,
		log:     c.log.With(zap.String("stream", sc.Start.Stream), zap.String("stream_id", sc.Start.StreamID)),
		batch:   make([]map[string]interface{}, 0, cfg.BatchSize),
	}, nil
}

func (c *Connector) breaker(endpoint string) *circuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[endpoint]
	if !ok {
		b = newCircuitBreaker(breakerThreshold, breakerCooldown, c.log)
		c.breakers[endpoint] = b
	}
	return b
}

// payload is the body of one request.
type payload struct {
	SyncID   string                   `json:"syncId"`
	StreamID string                   `json:"streamId"`
	Stream   string                   `json:"stream"`
	Rows     []map[string]interface{} `json:"rows"`
}

type writer struct {
	cfg     *Config
	sc      *sdk.StreamContext
	client  *http.Client
	limiter *rateLimiter
	breaker *circuitBreaker
	log     *zap.Logger

	batch []map[string]interface{}
	sent  int
}

func (w *writer) Write(ctx context.Context, row map[string]interface{}) error {
	w.batch = append(w.batch, row)
	if len(w.batch) < w.cfg.BatchSize {
		return nil
	}
	return w.flush(ctx)
}

// Close sends the last partial batch.
func (w *writer) Close(ctx context.Context) error {
	if len(w.batch) == 0 {
		return nil
	}
	return w.flush(ctx)
}

func (w *writer) flush(ctx context.Context) error {
	body, err := json.Marshal(payload{
		SyncID:   w.sc.Start.SyncID,
		StreamID: w.sc.Start.StreamID,
		Stream:   w.sc.Start.Stream,
		Rows:     w.batch,
	})
	if err != nil {
		return sdk.Halt("failed to encode batch: %v", err)
	}
	if w.cfg.Compress {
		if body, err = gzipBody(body); err != nil {
			return sdk.Halt("failed to compress batch: %v", err)
		}
	}

	if err := w.post(ctx, body); err != nil {
		w.breaker.RecordFailure()
		return sdk.Halt("webhook delivery failed after %d attempts: %v", w.cfg.retries+1, err)
	}
	w.breaker.RecordSuccess()
	w.sent += len(w.batch)
	w.log.Debug("batch delivered", zap.Int("rows", len(w.batch)), zap.Int("sent", w.sent))
	w.batch = w.batch[:0]
	return nil
}

// post sends body, retrying throttled, failed and unreachable requests with
// exponential backoff.
func (w *writer) post(ctx context.Context, body []byte) error {
	backoff := w.cfg.backoff
	var lastErr error
	for attempt := 0; attempt <= w.cfg.retries; attempt++ {
		if attempt > 0 {
			wait := backoff
			var ra *retryAfterError
			if errors.As(lastErr, &ra) && ra.after > 0 {
				wait = ra.after
			}
			w.log.Warn("retrying webhook request", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(lastErr))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}

		retry, err := w.send(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
	}
	return lastErr
}

// retryAfterError is a throttled response carrying the server's Retry-After.
type retryAfterError struct {
	status int
	after  time.Duration
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("endpoint returned %d", e.status)
}

// send performs one request. retry reports whether the failure is transient.
func (w *writer) send(ctx context.Context, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "syncmaven-webhook")
	if w.cfg.Compress {
		req.Header.Set("Content-Encoding", "gzip")
	}
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, &retryAfterError{status: resp.StatusCode, after: retryAfter(resp.Header.Get("Retry-After"))}
	default:
		return false, fmt.Errorf("endpoint rejected the batch with status %d", resp.StatusCode)
	}
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func gzipBody(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
