// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package jobs

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jeranaias/chatlink/internal/telemetry"
	"github.com/jeranaias/chatlink/internal/transport"
)

// =============================================================================
// POLLER
// =============================================================================

// Poller tracks exactly one job id for its lifetime.
type Poller struct {
	client   *Client
	id       string
	attempts atomic.Int64
}

// NewPoller binds a poller to id.
func NewPoller(client *Client, id string) *Poller {
	return &Poller{client: client, id: id}
}

// JobID returns the tracked job id.
func (p *Poller) JobID() string {
	return p.id
}

// Attempts returns the number of status polls made so far.
func (p *Poller) Attempts() int {
	return int(p.attempts.Load())
}

// Await polls immediately and then once per interval until the job reaches a
// terminal status.
//
// COMPLETED returns the result. FAILED returns a *JobError with the server
// text or FallbackMessage. A failed poll returns its *transport.Error without
// retrying. Unknown statuses keep the loop going. Cancelling ctx returns at
// once with an error matching transport.ErrCancelled.
func (p *Poller) Await(ctx context.Context) (result *Result, err error) {
	c := p.client
	ctx, span := telemetry.StartSpan(ctx, "chatlink.jobs.await", telemetry.AttrJobID.String(p.id))
	var last Status
	defer func() {
		span.SetAttributes(
			telemetry.AttrAttempts.Int(p.Attempts()),
			telemetry.AttrJobStatus.String(string(last)),
		)
		telemetry.EndSpan(span, err)
	}()

	// pollCtx carries the wait budget so it also bounds an in-flight poll.
	pollCtx := ctx
	if c.maxWait > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, c.maxWait)
		defer cancel()
	}
	waitExpired := func() error {
		if ctx.Err() == nil && pollCtx.Err() != nil {
			return fmt.Errorf("%w: job %s after %s (last status %s)", ErrMaxWait, p.id, c.maxWait, last)
		}
		return nil
	}

	policy := c.newBackOff()
	log := c.log.With("job_id", p.id)
	warnedUnknown := false

	for {
		job, err := c.Status(pollCtx, p.id)
		attempt := int(p.attempts.Add(1))
		if err != nil {
			if expired := waitExpired(); expired != nil {
				return nil, expired
			}
			if ctx.Err() != nil {
				return nil, transport.Cancelled(ctx, opAwait)
			}
			log.Warn("job status poll failed", "attempt", attempt, "err", err)
			return nil, err
		}

		last = job.Status
		log.Debug("job status", "attempt", attempt, "status", job.Status)

		switch job.Status {
		case StatusCompleted:
			if job.Result == nil {
				return &Result{}, nil
			}
			return job.Result, nil
		case StatusFailed:
			jobErr := newJobError(p.id, job.Error)
			log.Info("job failed", "attempt", attempt, "err", jobErr.Message)
			return nil, jobErr
		}
		if !job.Status.Known() && !warnedUnknown {
			log.Warn("unknown job status, continuing to poll", "status", job.Status)
			warnedUnknown = true
		}

		if c.maxAttempts > 0 && attempt >= c.maxAttempts {
			return nil, fmt.Errorf("%w: job %s after %d polls (last status %s)", ErrMaxAttempts, p.id, attempt, last)
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return nil, fmt.Errorf("%w: job %s after %d polls (last status %s)", ErrMaxAttempts, p.id, attempt, last)
		}

		timer := time.NewTimer(wait)
		select {
		case <-pollCtx.Done():
			timer.Stop()
			if expired := waitExpired(); expired != nil {
				return nil, expired
			}
			return nil, transport.Cancelled(ctx, opAwait)
		case <-timer.C:
		}
	}
}
