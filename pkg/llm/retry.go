package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig configures RetryClient.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, default 3.
	MaxAttempts int
	// BaseDelay doubles on every retry (1s, 2s, 4s by default).
	BaseDelay time.Duration
	Logger    zerolog.Logger
}

// RetryClient retries transient failures with exponential backoff. Streams
// are retried only while no token has been delivered.
type RetryClient struct {
	next        Client
	maxAttempts int
	baseDelay   time.Duration
	logger      zerolog.Logger
}

// NewRetryClient wraps next.
func NewRetryClient(next Client, cfg RetryConfig) *RetryClient {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	return &RetryClient{
		next:        next,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		logger:      cfg.Logger.With().Str("provider", next.Provider()).Logger(),
	}
}

func (r *RetryClient) Provider() string {
	return r.next.Provider()
}

func (r *RetryClient) Chat(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		resp, err := r.next.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !IsRetryableError(err) || attempt == r.maxAttempts-1 {
			break
		}
		if err := r.wait(ctx, attempt, err); err != nil {
			return nil, err
		}
	}
	if !IsRetryableError(lastErr) {
		return nil, lastErr
	}
	return nil, fmt.Errorf("max retries (%d) exceeded: %w", r.maxAttempts, lastErr)
}

func (r *RetryClient) StreamChat(ctx context.Context, req Request, h StreamHandler) error {
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		delivered := false
		inner := StreamHandler{
			OnToken: func(token string) error {
				delivered = true
				return h.token(token)
			},
			OnComplete: h.OnComplete,
		}

		err := r.next.StreamChat(ctx, req, inner)
		if err == nil {
			return nil
		}
		lastErr = err

		if delivered || !IsRetryableError(err) || attempt == r.maxAttempts-1 {
			break
		}
		if err := r.wait(ctx, attempt, err); err != nil {
			return h.finish(nil, err)
		}
	}
	return h.finish(nil, lastErr)
}

func (r *RetryClient) wait(ctx context.Context, attempt int, cause error) error {
	delay := r.baseDelay * time.Duration(1<<attempt)
	r.logger.Info().
		Err(cause).
		Int("attempt", attempt+1).
		Dur("delay", delay).
		Msg("Retrying after error")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
