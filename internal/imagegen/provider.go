// Package imagegen turns image prompts into image URLs through an external
// image generation API.
package imagegen

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/xkilldash9x/quill/internal/config"
)

// Options are the per-request generation settings.
type Options struct {
	Model   string
	Size    string
	Style   string
	Quality string
}

// Provider generates one image per call.
type Provider interface {
	Name() string
	// GenerateImage returns a URL for the generated image. Providers that
	// return image bytes encode them as a data URL.
	GenerateImage(ctx context.Context, prompt string, opts Options) (string, error)
}

// APIError is a failed provider call with the provider's status and message
// kept intact.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s image API error: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s image API error: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the request could succeed. Client
// errors are final apart from timeouts and rate limiting.
func (e *APIError) Retryable() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return false
	default:
		return true
	}
}

// ErrNoImage means the provider answered without an image.
var ErrNoImage = errors.New("provider returned no image")

// NewProvider builds the configured provider.
func NewProvider(ctx context.Context, cfg config.ImagesConfig, logger *zap.Logger) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s image provider: API key is required", cfg.Provider)
	}
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return NewOpenAIProvider(cfg, logger), nil
	case config.ProviderGemini:
		return NewGeminiProvider(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown image provider %q (supported: %s, %s)", cfg.Provider, config.ProviderOpenAI, config.ProviderGemini)
	}
}

// OptionsFromConfig returns the request options held in cfg.
func OptionsFromConfig(cfg config.ImagesConfig) Options {
	return Options{Model: cfg.Model, Size: cfg.Size, Style: cfg.Style, Quality: cfg.Quality}
}
