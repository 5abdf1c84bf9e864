// Package inference delivers clips to the remote model service over HTTP.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/andresmejia3/vigil/internal/metrics"
	"github.com/andresmejia3/vigil/internal/types"
)

const (
	inferPath  = "/api/v1/infer"
	healthPath = "/health"

	// Responses larger than this are treated as malformed.
	maxResponseBytes = 1 << 20
)

// Options configures a Client. Zero values fall back to the defaults used by the service.
type Options struct {
	Endpoint     string
	Timeout      time.Duration
	Retries      int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	TopK         int
	RawFrames    bool
	JPEGQuality  int
	ResizeWidth  int
	ResizeHeight int

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
	// OnRetry is called before each retry with the clip ID and the failure that caused it.
	OnRetry func(clipID uint64, attempt int, f *types.Failure)
}

// Client is stateless across calls and safe for concurrent use.
type Client struct {
	base    *url.URL
	opts    Options
	http    *http.Client
	encoder frameEncoder
	log     zerolog.Logger
	m       *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// New validates the endpoint and fills in defaults.
func New(opts Options, m *metrics.Metrics, log zerolog.Logger) (*Client, error) {
	base, err := url.Parse(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", opts.Endpoint, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" || base.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q: want http(s)://host[:port]", opts.Endpoint)
	}
	base.Path = strings.TrimSuffix(base.Path, "/")

	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 250 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = 2 * time.Second
		if opts.BackoffMax < opts.BackoffBase {
			opts.BackoffMax = opts.BackoffBase
		}
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 95
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}

	return &Client{
		base: base,
		opts: opts,
		http: hc,
		encoder: frameEncoder{
			raw:          opts.RawFrames,
			quality:      opts.JPEGQuality,
			resizeWidth:  opts.ResizeWidth,
			resizeHeight: opts.ResizeHeight,
		},
		log:   log,
		m:     m,
		sleep: sleepCtx,
	}, nil
}

// WithRetryHook returns a copy of the client that calls fn before each retry.
func (c *Client) WithRetryHook(fn func(clipID uint64, attempt int, f *types.Failure)) *Client {
	cp := *c
	cp.opts.OnRetry = fn
	return &cp
}

// Endpoint returns the base URL the client talks to.
func (c *Client) Endpoint() string { return c.base.String() }

// MaxDuration bounds a single Submit call: every attempt times out and every backoff hits the cap.
func (c *Client) MaxDuration() time.Duration {
	attempts := time.Duration(c.opts.Retries + 1)
	backoff := time.Duration(c.opts.Retries) * (c.opts.BackoffMax + c.opts.BackoffMax/5)
	return attempts*c.opts.Timeout + backoff
}

// Submit sends one clip, retrying transient failures. It never returns an error:
// every outcome, including cancellation, is described by the result.
func (c *Client) Submit(ctx context.Context, clip *types.Clip) types.InferenceResult {
	start := time.Now()
	res := types.InferenceResult{ClipID: clip.ID}

	frames, err := c.encoder.encodeClip(clip)
	if err != nil {
		// Frames were validated on the way in, so this is a local bug rather than a transient failure.
		res.Failure = &types.Failure{Kind: types.FailureClient, Message: "encode: " + err.Error()}
		res.Elapsed = time.Since(start)
		return res
	}
	w, h := c.encoder.outputSize(clip)
	body, err := json.Marshal(types.InferenceRequest{
		Frames: frames,
		Width:  w,
		Height: h,
		Format: clip.Format.String(),
	})
	if err != nil {
		res.Failure = &types.Failure{Kind: types.FailureClient, Message: "marshal: " + err.Error()}
		res.Elapsed = time.Since(start)
		return res
	}

	maxAttempts := c.opts.Retries + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		c.m.RecordAttempt(attempt > 1)

		preds, remoteID, failure := c.attempt(ctx, clip.ID, body)
		if failure == nil {
			res.Predictions = preds
			res.RemoteID = remoteID
			res.Failure = nil
			break
		}
		res.Failure = failure

		if !failure.Kind.Transient() || attempt == maxAttempts {
			break
		}

		delay := c.backoff(attempt)
		c.log.Debug().
			Uint64("clip_id", clip.ID).
			Int("attempt", attempt).
			Str("kind", string(failure.Kind)).
			Dur("retry_in", delay).
			Msg("transient inference failure, retrying")
		if c.opts.OnRetry != nil {
			c.opts.OnRetry(clip.ID, attempt, failure)
		}
		if err := c.sleep(ctx, delay); err != nil {
			res.Failure = &types.Failure{Kind: types.FailureShutdown, Message: "cancelled during backoff"}
			break
		}
	}

	res.Elapsed = time.Since(start)
	return res
}

// attempt performs one HTTP exchange under its own deadline.
func (c *Client) attempt(ctx context.Context, clipID uint64, body []byte) ([]types.Prediction, string, *types.Failure) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.url(inferPath), bytes.NewReader(body))
	if err != nil {
		return nil, "", &types.Failure{Kind: types.FailureClient, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	req.Header.Set("X-Clip-ID", strconv.FormatUint(clipID, 10))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", classify(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, "", classify(ctx, err)
	}

	if resp.StatusCode != http.StatusOK {
		detail := errorDetail(data)
		f := &types.Failure{
			Kind:       types.FailureClient,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, detail),
		}
		switch {
		case resp.StatusCode == http.StatusServiceUnavailable && strings.Contains(strings.ToLower(detail), "model not loaded"):
			f.Kind = types.FailureEndpointUnhealthy
		case resp.StatusCode >= 500:
			f.Kind = types.FailureServer
		}
		return nil, "", f
	}
	if len(data) > maxResponseBytes {
		return nil, "", &types.Failure{Kind: types.FailureMalformed, StatusCode: resp.StatusCode, Message: "response body too large"}
	}

	preds, remoteID, err := c.parse(data)
	if err != nil {
		return nil, "", &types.Failure{Kind: types.FailureMalformed, StatusCode: resp.StatusCode, Message: err.Error()}
	}
	return preds, remoteID, nil
}

// parse validates the response body and truncates the ranking to TopK.
func (c *Client) parse(data []byte) ([]types.Prediction, string, error) {
	var body types.InferenceResponse
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, "", fmt.Errorf("invalid JSON: %w", err)
	}
	if len(body.Predictions) == 0 {
		return nil, "", errors.New("empty prediction list")
	}
	for i, p := range body.Predictions {
		if math.IsNaN(p.Confidence) || p.Confidence < 0 || p.Confidence > 1 {
			return nil, "", fmt.Errorf("prediction %d confidence %v outside [0,1]", i, p.Confidence)
		}
		if i > 0 && p.Confidence > body.Predictions[i-1].Confidence {
			return nil, "", fmt.Errorf("predictions not ranked: %d (%v) above %d (%v)",
				i, p.Confidence, i-1, body.Predictions[i-1].Confidence)
		}
	}

	preds := body.Predictions
	if len(preds) > c.opts.TopK {
		preds = preds[:c.opts.TopK]
	}
	return preds, body.ClipID, nil
}

// Health probes GET /health with the per-attempt timeout.
func (c *Client) Health(ctx context.Context) (types.Health, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(healthPath), nil)
	if err != nil {
		return types.Health{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return types.Health{}, fmt.Errorf("health probe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.Health{}, fmt.Errorf("health probe: HTTP %d", resp.StatusCode)
	}
	var h types.Health
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&h); err != nil {
		return types.Health{}, fmt.Errorf("health probe: invalid JSON: %w", err)
	}
	return h, nil
}

func (c *Client) url(path string) string {
	u := *c.base
	u.Path = c.base.Path + path
	return u.String()
}

// backoff doubles from BackoffBase up to BackoffMax, then applies ±20% jitter.
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.opts.BackoffBase << (attempt - 1)
	if delay > c.opts.BackoffMax || delay <= 0 {
		delay = c.opts.BackoffMax
	}
	if spread := int64(delay / 5); spread > 0 {
		delay += time.Duration(rand.Int63n(2*spread+1) - spread)
	}
	return delay
}

// classify maps a transport error to a failure kind. ctx is the caller's context,
// not the per-attempt one, so a parent cancellation is told apart from a timeout.
func classify(ctx context.Context, err error) *types.Failure {
	f := &types.Failure{Message: err.Error()}

	var netErr net.Error
	switch {
	case ctx.Err() != nil:
		f.Kind = types.FailureShutdown
	case errors.Is(err, context.DeadlineExceeded):
		f.Kind = types.FailureTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		f.Kind = types.FailureTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		f.Kind = types.FailureConnRefused
	default:
		f.Kind = types.FailureNetwork
	}
	return f
}

func errorDetail(data []byte) string {
	var e types.ErrorResponse
	if json.Unmarshal(data, &e) == nil && e.Detail != "" {
		return e.Detail
	}
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
