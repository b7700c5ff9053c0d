// Package fallback drives the extractor through an ordered ladder of
// strategies under an attempt cap and a wall-clock budget.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/YannKr/streamgate/internal/apierr"
	"github.com/YannKr/streamgate/internal/extractor"
	"github.com/YannKr/streamgate/internal/model"
)

// Source is the extractor as seen by the controller.
type Source interface {
	Extract(ctx context.Context, rawURL string, s extractor.Strategy) (*model.VideoMetadata, error)
	CookiesAvailable() bool
}

type Controller struct {
	Source         Source
	Strategies     []extractor.Strategy
	MaxAttempts    int
	AttemptTimeout time.Duration
	TotalBudget    time.Duration
	Retryable      map[extractor.Kind]bool
	// Backoff is the pause before the second attempt; it doubles after that.
	Backoff time.Duration
	// OnAttempt, when set, observes every finished attempt.
	OnAttempt func(model.ExtractionAttempt)
}

type Options struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	TotalBudget    time.Duration
	RetryableKinds []string
}

func New(src Source, opts Options) *Controller {
	retryable := make(map[extractor.Kind]bool, len(opts.RetryableKinds))
	for _, k := range opts.RetryableKinds {
		retryable[extractor.Kind(k)] = true
	}
	return &Controller{
		Source:         src,
		Strategies:     extractor.DefaultStrategies,
		MaxAttempts:    opts.MaxAttempts,
		AttemptTimeout: opts.AttemptTimeout,
		TotalBudget:    opts.TotalBudget,
		Retryable:      retryable,
		Backoff:        500 * time.Millisecond,
	}
}

type Result struct {
	Metadata *model.VideoMetadata
	Attempts []model.ExtractionAttempt
	Strategy extractor.Strategy
}

// ExhaustedError carries every attempt of a failed resolution.
type ExhaustedError struct {
	Attempts []model.ExtractionAttempt
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("extraction failed after %d attempt(s): %v", len(e.Attempts), e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Resolve runs strategies in order until one succeeds, a non-retryable kind
// is seen, the ladder or attempt cap runs out, or the budget is spent.
// Failures come back as an *apierr.Error of the extraction class.
func (c *Controller) Resolve(ctx context.Context, rawURL string) (*Result, error) {
	budgetCtx, cancel := context.WithTimeout(ctx, c.TotalBudget)
	defer cancel()

	var attempts []model.ExtractionAttempt
	var lastErr error
	lastKind := extractor.KindUnknown

	for _, s := range c.Strategies {
		if len(attempts) >= c.MaxAttempts {
			break
		}
		if s.UseCookies && !c.Source.CookiesAvailable() {
			slog.Debug("skipping cookie strategy, no usable cookies", "url", rawURL)
			continue
		}
		if len(attempts) > 0 && !c.pause(budgetCtx, len(attempts)) {
			break
		}

		attemptCtx, cancelAttempt := context.WithTimeout(budgetCtx, c.AttemptTimeout)
		start := time.Now()
		meta, err := c.Source.Extract(attemptCtx, rawURL, s)
		cancelAttempt()

		a := model.ExtractionAttempt{Strategy: s.Name, StartedAt: start, Duration: time.Since(start)}
		if err == nil {
			attempts = append(attempts, a)
			c.observe(a)
			return &Result{Metadata: meta, Attempts: attempts, Strategy: s}, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var ae *apierr.Error
		if errors.As(err, &ae) {
			return nil, err
		}
		if errors.Is(err, extractor.ErrNoCookies) {
			continue
		}

		kind := extractor.KindOf(err)
		if budgetCtx.Err() != nil {
			kind = extractor.KindTimeout
		}
		a.Kind, a.Err = string(kind), err.Error()
		attempts = append(attempts, a)
		c.observe(a)
		lastErr, lastKind = err, kind

		slog.Info("extraction attempt failed", "strategy", s.Name, "kind", kind,
			"attempt", len(attempts), "error", err)

		if !c.Retryable[kind] || budgetCtx.Err() != nil {
			break
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no extraction strategy could run")
	}
	return nil, apierr.Extraction(string(lastKind), &ExhaustedError{Attempts: attempts, Err: lastErr})
}

// pause waits out the backoff before attempt n+1. It reports false when the
// wait would not fit in the remaining budget.
func (c *Controller) pause(ctx context.Context, n int) bool {
	wait := c.Backoff << (n - 1)
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= wait {
		return false
	}
	if wait <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Controller) observe(a model.ExtractionAttempt) {
	if c.OnAttempt != nil {
		c.OnAttempt(a)
	}
}
