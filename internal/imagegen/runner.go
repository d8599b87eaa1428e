package imagegen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/quill/internal/config"
	"github.com/xkilldash9x/quill/internal/retry"
)

// Key is the result map key for the prompt at zero-based index i.
func Key(i int) string { return fmt.Sprintf("이미지%d", i+1) }

// ProgressFunc is told after each image that index (one-based) of total is
// done.
type ProgressFunc func(index, total int)

// Runner generates a list of images strictly one after another.
type Runner struct {
	provider Provider
	opts     Options
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker[string]
	retry    retry.Policy
	logger   *zap.Logger
}

// NewRunner wraps provider with the rate limit, circuit breaker and retry
// policy from cfg.
func NewRunner(provider Provider, cfg config.ImagesConfig, policy retry.Policy, logger *zap.Logger) *Runner {
	logger = logger.Named("imagegen")

	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Duration(float64(time.Minute) / cfg.RequestsPerMinute))
	}

	maxFailures := cfg.BreakerFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	timeout := cfg.BreakerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "imagegen:" + provider.Name(),
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// A rejected prompt says nothing about the provider's health.
			var apiErr *APIError
			return err == nil || errors.Is(err, context.Canceled) || (errors.As(err, &apiErr) && !apiErr.Retryable())
		},
	})

	return &Runner{
		provider: provider,
		opts:     OptionsFromConfig(cfg),
		limiter:  rate.NewLimiter(limit, 1),
		breaker:  breaker,
		retry:    policy,
		logger:   logger,
	}
}

// Generate produces one image per prompt, in order, keyed "이미지1",
// "이미지2", and so on. onProgress, when set, runs after each image. On the
// first failure it stops and returns the images made so far with the error.
func (r *Runner) Generate(ctx context.Context, prompts []string, onProgress ProgressFunc) (map[string]string, error) {
	images := make(map[string]string, len(prompts))
	for i, prompt := range prompts {
		url, err := r.one(ctx, i, prompt)
		if err != nil {
			r.logger.Error("Image generation failed", zap.Int("index", i+1), zap.Int("total", len(prompts)), zap.Error(err))
			return images, fmt.Errorf("image %d of %d: %w", i+1, len(prompts), err)
		}
		images[Key(i)] = url
		if onProgress != nil {
			onProgress(i+1, len(prompts))
		}
	}
	return images, nil
}

func (r *Runner) one(ctx context.Context, i int, prompt string) (string, error) {
	policy := r.retry
	policy.Label = fmt.Sprintf("%s %s", r.provider.Name(), Key(i))

	return retry.Do(ctx, r.logger, policy, func(ctx context.Context) (string, error) {
		if err := r.limiter.Wait(ctx); err != nil {
			return "", retry.Permanent(err)
		}
		url, err := r.breaker.Execute(func() (string, error) {
			return r.provider.GenerateImage(ctx, prompt, r.opts)
		})
		if err == nil {
			return url, nil
		}

		var apiErr *APIError
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return "", retry.Permanent(err)
		case errors.As(err, &apiErr) && !apiErr.Retryable():
			return "", retry.Permanent(err)
		case ctx.Err() != nil:
			return "", retry.Permanent(ctx.Err())
		}
		return "", err
	})
}
