package fallback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/YannKr/streamgate/internal/apierr"
	"github.com/YannKr/streamgate/internal/extractor"
	"github.com/YannKr/streamgate/internal/model"
)

type fakeSource struct {
	mu      sync.Mutex
	results []error
	calls   []string
	cookies bool
	block   bool
}

func (f *fakeSource) Extract(ctx context.Context, rawURL string, s extractor.Strategy) (*model.VideoMetadata, error) {
	f.mu.Lock()
	i := len(f.calls)
	f.calls = append(f.calls, s.Name)
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, &extractor.Error{Kind: extractor.KindTimeout, Err: ctx.Err()}
	}
	if i < len(f.results) && f.results[i] != nil {
		return nil, f.results[i]
	}
	return &model.VideoMetadata{ID: "v", Title: "ok"}, nil
}

func (f *fakeSource) CookiesAvailable() bool { return f.cookies }

func xerr(k extractor.Kind) error { return &extractor.Error{Kind: k, Message: string(k)} }

func newController(src Source, maxAttempts int) *Controller {
	c := New(src, Options{
		MaxAttempts:    maxAttempts,
		AttemptTimeout: time.Second,
		TotalBudget:    5 * time.Second,
		RetryableKinds: []string{"network_error", "timeout", "rate_limited", "auth_required"},
	})
	c.Backoff = time.Millisecond
	return c
}

func TestResolveFirstStrategySucceeds(t *testing.T) {
	src := &fakeSource{}
	res, err := newController(src, 3).Resolve(context.Background(), "https://youtu.be/x")
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy.Name != "default" || len(res.Attempts) != 1 {
		t.Errorf("strategy %q attempts %d", res.Strategy.Name, len(res.Attempts))
	}
}

func TestResolveFallsBackOnRetryable(t *testing.T) {
	src := &fakeSource{results: []error{xerr(extractor.KindNetworkError)}}
	var observed []model.ExtractionAttempt
	c := newController(src, 3)
	c.OnAttempt = func(a model.ExtractionAttempt) { observed = append(observed, a) }

	res, err := c.Resolve(context.Background(), "https://youtu.be/x")
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy.Name != "alt_args" {
		t.Errorf("strategy = %q, want alt_args", res.Strategy.Name)
	}
	if len(observed) != 2 || observed[0].Kind != "network_error" || observed[1].Kind != "" {
		t.Errorf("observed attempts = %+v", observed)
	}
}

func TestResolveStopsOnTerminalKind(t *testing.T) {
	for _, k := range []extractor.Kind{extractor.KindPrivateVideo, extractor.KindVideoUnavailable, extractor.KindUnknown} {
		src := &fakeSource{results: []error{xerr(k)}}
		_, err := newController(src, 3).Resolve(context.Background(), "https://youtu.be/x")

		var ae *apierr.Error
		if !errors.As(err, &ae) || ae.Class != apierr.ClassExtraction || ae.Kind != string(k) {
			t.Errorf("%s: err = %v", k, err)
		}
		if len(src.calls) != 1 {
			t.Errorf("%s: %d calls, want 1", k, len(src.calls))
		}
	}
}

func TestResolveNeverExceedsAttemptCap(t *testing.T) {
	fail := xerr(extractor.KindRateLimited)
	src := &fakeSource{results: []error{fail, fail, fail, fail}, cookies: true}
	_, err := newController(src, 2).Resolve(context.Background(), "https://youtu.be/x")
	if err == nil {
		t.Fatal("expected failure")
	}
	if len(src.calls) != 2 {
		t.Errorf("%d calls, want 2", len(src.calls))
	}

	var ex *ExhaustedError
	if !errors.As(err, &ex) || len(ex.Attempts) != 2 {
		t.Errorf("err = %v, want ExhaustedError with 2 attempts", err)
	}
	if !errors.Is(err, fail) {
		t.Error("last extractor error should stay reachable")
	}
}

func TestResolveSkipsCookiesWhenUnavailable(t *testing.T) {
	fail := xerr(extractor.KindAuthRequired)
	src := &fakeSource{results: []error{fail, fail, fail}}
	_, err := newController(src, 3).Resolve(context.Background(), "https://youtu.be/x")
	if err == nil {
		t.Fatal("expected failure")
	}
	want := []string{"default", "alt_args"}
	if len(src.calls) != len(want) || src.calls[0] != want[0] || src.calls[1] != want[1] {
		t.Errorf("calls = %v, want %v", src.calls, want)
	}

	src = &fakeSource{results: []error{fail, fail}, cookies: true}
	res, err := newController(src, 3).Resolve(context.Background(), "https://youtu.be/x")
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy.Name != "cookies" {
		t.Errorf("strategy = %q, want cookies", res.Strategy.Name)
	}
}

func TestResolveHonorsTotalBudget(t *testing.T) {
	src := &fakeSource{block: true, cookies: true}
	c := newController(src, 3)
	c.AttemptTimeout = 10 * time.Second
	c.TotalBudget = 200 * time.Millisecond

	start := time.Now()
	_, err := c.Resolve(context.Background(), "https://youtu.be/x")
	if d := time.Since(start); d > 2*time.Second {
		t.Errorf("Resolve took %v, budget is 200ms", d)
	}
	var ae *apierr.Error
	if !errors.As(err, &ae) || ae.Kind != "timeout" {
		t.Errorf("err = %v, want timeout extraction error", err)
	}
	if len(src.calls) != 1 {
		t.Errorf("%d calls, want 1 once the budget is spent", len(src.calls))
	}
}

func TestResolveCallerCancel(t *testing.T) {
	src := &fakeSource{block: true}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := newController(src, 3).Resolve(ctx, "https://youtu.be/x")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestResolvePassesValidationThrough(t *testing.T) {
	verr := apierr.Validation("INVALID_URL", "bad url")
	src := &fakeSource{results: []error{verr}}
	_, err := newController(src, 3).Resolve(context.Background(), "nope")
	if !apierr.IsClass(err, apierr.ClassValidation) {
		t.Errorf("err = %v, want validation", err)
	}
}
