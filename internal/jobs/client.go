// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/jeranaias/chatlink/internal/logging"
	"github.com/jeranaias/chatlink/internal/telemetry"
	"github.com/jeranaias/chatlink/internal/transport"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultImagePath is the image job creation endpoint.
	DefaultImagePath = "/api/images/generate"

	// DefaultVideoPath is the video job creation endpoint.
	DefaultVideoPath = "/api/videos/generate"

	// DefaultStatusPath is the job status endpoint; {id} is replaced by the job id.
	DefaultStatusPath = "/api/jobs/{id}"

	// DefaultPollInterval is the wait between status polls.
	DefaultPollInterval = 800 * time.Millisecond

	// DefaultMaxInterval caps the exponential policy.
	DefaultMaxInterval = 10 * time.Second

	// Poll interval policies.
	BackoffConstant    = "constant"
	BackoffExponential = "exponential"

	opSubmit = "jobs.submit"
	opStatus = "jobs.status"
	opAwait  = "jobs.await"
)

// =============================================================================
// CLIENT
// =============================================================================

// Options configures a Client.
type Options struct {
	BaseURL    string
	APIKey     string
	ImagePath  string
	VideoPath  string
	StatusPath string

	PollInterval time.Duration // 0 uses DefaultPollInterval
	Backoff      string        // BackoffConstant (default) or BackoffExponential
	MaxInterval  time.Duration // exponential cap; 0 uses DefaultMaxInterval

	// MaxAttempts and MaxWait bound Await. Zero leaves them unbounded.
	MaxAttempts int
	MaxWait     time.Duration

	// Coalesce makes concurrent Await calls for one job id share a poll loop.
	Coalesce bool

	// RequestsPerSecond limits status polls across all loops. 0 disables.
	RequestsPerSecond float64

	HTTPClient transport.Doer
	Logger     *slog.Logger
}

// Client talks to the job endpoints. It is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	imagePath  string
	videoPath  string
	statusPath string

	interval    time.Duration
	policy      string
	maxInterval time.Duration
	maxAttempts int
	maxWait     time.Duration
	coalesce    bool

	limiter *rate.Limiter
	http    transport.Doer
	log     *slog.Logger

	group   singleflight.Group
	mu      sync.Mutex
	flights map[string]*flight
}

// flight is a shared poll loop and the number of callers waiting on it.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// New creates a job client.
func New(opts Options) *Client {
	c := &Client{
		baseURL:     opts.BaseURL,
		apiKey:      opts.APIKey,
		imagePath:   orDefault(opts.ImagePath, DefaultImagePath),
		videoPath:   orDefault(opts.VideoPath, DefaultVideoPath),
		statusPath:  orDefault(opts.StatusPath, DefaultStatusPath),
		interval:    opts.PollInterval,
		policy:      strings.ToLower(opts.Backoff),
		maxInterval: opts.MaxInterval,
		maxAttempts: opts.MaxAttempts,
		maxWait:     opts.MaxWait,
		coalesce:    opts.Coalesce,
		http:        opts.HTTPClient,
		log:         logging.Or(opts.Logger),
		flights:     make(map[string]*flight),
	}
	if c.interval <= 0 {
		c.interval = DefaultPollInterval
	}
	if c.maxInterval <= 0 {
		c.maxInterval = DefaultMaxInterval
	}
	if c.http == nil {
		c.http = transport.DefaultClient
	}
	if opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return c
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// PollInterval returns the base wait between polls.
func (c *Client) PollInterval() time.Duration {
	return c.interval
}

// newBackOff returns a fresh interval policy for one poll loop.
func (c *Client) newBackOff() backoff.BackOff {
	if c.policy == BackoffExponential {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = c.interval
		b.MaxInterval = c.maxInterval
		b.Reset()
		return b
	}
	return backoff.NewConstantBackOff(c.interval)
}

// =============================================================================
// SUBMIT
// =============================================================================

type submitRequest struct {
	Prompt string `json:"prompt"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

// Submit creates a job and returns its id. Every failure is a *SubmissionError.
func (c *Client) Submit(ctx context.Context, kind Kind, prompt string) (id string, err error) {
	ctx, span := telemetry.StartSpan(ctx, "chatlink.jobs.submit", telemetry.AttrJobKind.String(string(kind)))
	defer func() {
		if id != "" {
			span.SetAttributes(telemetry.AttrJobID.String(id))
		}
		telemetry.EndSpan(span, err)
	}()

	var path string
	switch kind {
	case KindImage:
		path = c.imagePath
	case KindVideo:
		path = c.videoPath
	default:
		return "", &SubmissionError{Kind: kind, Err: fmt.Errorf("%w: %q", ErrUnknownKind, kind)}
	}

	req, err := transport.NewJSONRequest(ctx, http.MethodPost, transport.JoinURL(c.baseURL, path), submitRequest{Prompt: prompt}, c.apiKey)
	if err != nil {
		return "", &SubmissionError{Kind: kind, Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", &SubmissionError{Kind: kind, Err: transport.Cancelled(ctx, opSubmit)}
		}
		return "", &SubmissionError{Kind: kind, Err: transport.NetworkError(opSubmit, err)}
	}
	defer resp.Body.Close()

	if err := transport.CheckStatus(opSubmit, resp); err != nil {
		c.log.Warn("job submission rejected", "kind", kind, "status", resp.StatusCode, "err", err)
		return "", &SubmissionError{Kind: kind, Err: err}
	}

	var out submitResponse
	if err := transport.DecodeJSON(opSubmit, resp, &out); err != nil {
		return "", &SubmissionError{Kind: kind, Err: err}
	}
	if out.JobID == "" {
		return "", &SubmissionError{Kind: kind, Err: errNoJobID}
	}

	c.log.Info("job submitted", "kind", kind, "job_id", out.JobID,
		"request_id", req.Header.Get(transport.RequestIDHeader))
	return out.JobID, nil
}

// =============================================================================
// STATUS
// =============================================================================

// statusURL expands the status path for id.
func (c *Client) statusURL(id string) string {
	escaped := url.PathEscape(id)
	if strings.Contains(c.statusPath, "{id}") {
		return transport.JoinURL(c.baseURL, strings.ReplaceAll(c.statusPath, "{id}", escaped))
	}
	return transport.JoinURL(transport.JoinURL(c.baseURL, c.statusPath), escaped)
}

// Status performs one status poll.
func (c *Client) Status(ctx context.Context, id string) (*Job, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, transport.Cancelled(ctx, opStatus)
			}
			return nil, fmt.Errorf("%s: %w", opStatus, err)
		}
	}

	req, err := transport.NewJSONRequest(ctx, http.MethodGet, c.statusURL(id), nil, c.apiKey)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, transport.Cancelled(ctx, opStatus)
		}
		return nil, transport.NetworkError(opStatus, err)
	}
	defer resp.Body.Close()

	if err := transport.CheckStatus(opStatus, resp); err != nil {
		return nil, err
	}

	var job Job
	if err := transport.DecodeJSON(opStatus, resp, &job); err != nil {
		return nil, err
	}
	if job.ID == "" {
		job.ID = id
	}
	return &job, nil
}

// =============================================================================
// AWAIT
// =============================================================================

// Await polls id until it completes or fails. See Poller.Await.
func (c *Client) Await(ctx context.Context, id string) (*Result, error) {
	if c.coalesce {
		return c.awaitShared(ctx, id)
	}
	return NewPoller(c, id).Await(ctx)
}

// Generate submits a job and waits for it.
func (c *Client) Generate(ctx context.Context, kind Kind, prompt string) (*Result, error) {
	id, err := c.Submit(ctx, kind, prompt)
	if err != nil {
		return nil, err
	}
	return c.Await(ctx, id)
}

// awaitShared joins (or starts) the poll loop for id. The loop keeps running
// while at least one caller waits on it and is cancelled when the last leaves.
func (c *Client) awaitShared(ctx context.Context, id string) (*Result, error) {
	c.mu.Lock()
	f := c.flights[id]
	if f == nil {
		loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: loopCtx, cancel: cancel}
		c.flights[id] = f
	}
	f.waiters++
	c.mu.Unlock()

	ch := c.group.DoChan(id, func() (any, error) {
		return NewPoller(c, id).Await(f.ctx)
	})

	select {
	case res := <-ch:
		c.leave(id, f)
		if res.Shared {
			c.log.Debug("joined shared poll loop", "job_id", id)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Result), nil
	case <-ctx.Done():
		c.leave(id, f)
		return nil, transport.Cancelled(ctx, opAwait)
	}
}

func (c *Client) leave(id string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if c.flights[id] == f {
		delete(c.flights, id)
		c.group.Forget(id)
	}
}
