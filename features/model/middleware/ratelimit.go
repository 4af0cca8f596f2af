// Package middleware provides model.Client decorators applied around the
// provider clients of the chat server.
package middleware

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/pulse/rmap"

	"goa.design/lackey/runtime/chat/model"
	"goa.design/lackey/runtime/chat/telemetry"
)

type (
	// AdaptiveRateLimiter throttles chat requests by estimated tokens per
	// minute. The budget halves when a provider reports rate limiting and
	// grows linearly after successful requests (AIMD). When created with a
	// Pulse replicated map the budget is shared by every process using the
	// same key.
	AdaptiveRateLimiter struct {
		mu      sync.Mutex
		limiter *rate.Limiter
		tpm     float64
		floor   float64
		ceiling float64
		step    float64
		logger  telemetry.Logger
		// onChange publishes local adjustments to the shared budget.
		onChange func(backoff bool)
	}

	limitedClient struct {
		next    model.Client
		limiter *AdaptiveRateLimiter
	}

	limitedStreamer struct {
		model.Streamer
		limiter *AdaptiveRateLimiter
		once    sync.Once
	}

	// sharedBudget is the subset of rmap.Map used to share the budget.
	sharedBudget interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}
)

const (
	defaultTPM = 60000
	// sharedUpdateAttempts bounds compare-and-swap retries on the shared
	// budget.
	sharedUpdateAttempts = 3
	sharedUpdateTimeout  = 2 * time.Second
)

// NewAdaptiveRateLimiter returns a limiter starting at initialTPM tokens per
// minute and never exceeding maxTPM. When m is not nil and key is not empty
// the budget is read from and published to m under key.
func NewAdaptiveRateLimiter(ctx context.Context, m *rmap.Map, key string, initialTPM, maxTPM float64, logger telemetry.Logger) *AdaptiveRateLimiter {
	var shared sharedBudget
	if m != nil {
		shared = m
	}
	l := newSharedLimiter(ctx, shared, key, initialTPM, maxTPM)
	if logger != nil {
		l.logger = logger
	}
	return l
}

func newLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = defaultTPM
	}
	if maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	return &AdaptiveRateLimiter{
		limiter: rate.NewLimiter(rate.Limit(initialTPM/60), int(initialTPM)),
		tpm:     initialTPM,
		floor:   max(initialTPM*0.1, 1),
		ceiling: maxTPM,
		step:    max(initialTPM*0.05, 1),
		logger:  telemetry.NewNoopLogger(),
	}
}

// Wrap returns a client that waits for budget before starting each stream
// and adjusts the budget from the outcome.
func (l *AdaptiveRateLimiter) Wrap(next model.Client) model.Client {
	return &limitedClient{next: next, limiter: l}
}

// TPM returns the current tokens per minute budget.
func (l *AdaptiveRateLimiter) TPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tpm
}

func (c *limitedClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	if err := c.limiter.limiter.WaitN(ctx, estimateTokens(req)); err != nil {
		return nil, err
	}
	st, err := c.next.Stream(ctx, req)
	if err != nil {
		c.limiter.observe(ctx, err)
		return nil, err
	}
	return &limitedStreamer{Streamer: st, limiter: c.limiter}, nil
}

// Recv reports the stream outcome to the limiter once: success at EOF,
// backoff when the provider throttled mid-stream.
func (s *limitedStreamer) Recv() (model.Chunk, error) {
	c, err := s.Streamer.Recv()
	if err != nil {
		s.once.Do(func() {
			outcome := err
			if errors.Is(outcome, io.EOF) {
				outcome = nil
			}
			s.limiter.observe(context.Background(), outcome)
		})
	}
	return c, err
}

func (l *AdaptiveRateLimiter) observe(ctx context.Context, err error) {
	switch {
	case err == nil:
		l.adjust(ctx, false)
	case errors.Is(err, model.ErrRateLimited):
		l.adjust(ctx, true)
	}
}

func (l *AdaptiveRateLimiter) adjust(ctx context.Context, backoff bool) {
	l.mu.Lock()
	next := l.tpm + l.step
	if backoff {
		next = l.tpm * 0.5
	}
	changed := l.set(next)
	tpm, notify := l.tpm, l.onChange
	l.mu.Unlock()

	if !changed {
		return
	}
	if backoff {
		l.logger.Warn(ctx, "provider rate limited, reducing budget", "tpm", tpm)
	} else {
		l.logger.Debug(ctx, "increasing budget", "tpm", tpm)
	}
	if notify != nil {
		notify(backoff)
	}
}

// set clamps tpm to the limiter bounds and applies it. l.mu must be held.
func (l *AdaptiveRateLimiter) set(tpm float64) bool {
	tpm = min(max(tpm, l.floor), l.ceiling)
	if tpm == l.tpm {
		return false
	}
	l.tpm = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60))
	l.limiter.SetBurst(int(tpm))
	return true
}

// estimateTokens approximates the prompt size at three characters per token
// plus a fixed allowance for the completion.
func estimateTokens(req *model.Request) int {
	const completion = 500
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + 16*len(tc.Args)
		}
	}
	if req.MaxTokens > 0 {
		return chars/3 + req.MaxTokens
	}
	return chars/3 + completion
}

func newSharedLimiter(ctx context.Context, m sharedBudget, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if m == nil || key == "" {
		return newLimiter(initialTPM, maxTPM)
	}
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
			return newLimiter(initialTPM, maxTPM)
		}
	}
	start := initialTPM
	if v, ok := readBudget(m, key); ok {
		start = v
	}
	l := newLimiter(start, maxTPM)
	floor, ceiling, step := l.floor, l.ceiling, l.step
	l.onChange = func(backoff bool) {
		update := func(cur float64) float64 { return min(cur+step, ceiling) }
		if backoff {
			update = func(cur float64) float64 { return max(cur*0.5, floor) }
		}
		go updateShared(m, key, update)
	}

	events := m.Subscribe()
	go func() {
		for range events {
			if v, ok := readBudget(m, key); ok {
				l.mu.Lock()
				l.set(v)
				l.mu.Unlock()
			}
		}
	}()
	return l
}

func readBudget(m sharedBudget, key string) (float64, bool) {
	s, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// updateShared applies update to the shared budget with compare-and-swap,
// retrying when another process changed it concurrently.
func updateShared(m sharedBudget, key string, update func(float64) float64) {
	ctx, cancel := context.WithTimeout(context.Background(), sharedUpdateTimeout)
	defer cancel()
	for range sharedUpdateAttempts {
		cur, ok := m.Get(key)
		if !ok {
			return
		}
		v, err := strconv.ParseFloat(cur, 64)
		if err != nil || v <= 0 {
			return
		}
		next := strconv.Itoa(int(update(v)))
		if next == cur {
			return
		}
		prev, err := m.TestAndSet(ctx, key, cur, next)
		if err != nil || prev == cur {
			return
		}
	}
}
