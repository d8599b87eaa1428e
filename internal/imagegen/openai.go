// internal/imagegen/openai.go
package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/quill/internal/config"
)

const defaultOpenAIEndpoint = "https://api.openai.com/v1/images/generations"

// OpenAIProvider calls the OpenAI Images REST API.
type OpenAIProvider struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

// -- OpenAI Images request/response structures --

type openAIImageRequest struct {
	Model   string `json:"model,omitempty"`
	Prompt  string `json:"prompt"`
	N       int    `json:"n"`
	Size    string `json:"size,omitempty"`
	Style   string `json:"style,omitempty"`
	Quality string `json:"quality,omitempty"`
}

type openAIImageResponse struct {
	Data []struct {
		URL           string `json:"url"`
		B64JSON       string `json:"b64_json"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
}

type openAIErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// NewOpenAIProvider creates the provider. cfg.Endpoint overrides the
// default API URL.
func NewOpenAIProvider(cfg config.ImagesConfig, logger *zap.Logger) *OpenAIProvider {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultOpenAIEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OpenAIProvider{
		apiKey:     cfg.APIKey,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("imagegen.openai"),
	}
}

func (p *OpenAIProvider) Name() string { return string(config.ProviderOpenAI) }

// GenerateImage makes a single request. Retrying is the caller's concern.
func (p *OpenAIProvider) GenerateImage(ctx context.Context, prompt string, opts Options) (string, error) {
	body, err := json.Marshal(openAIImageRequest{
		Model:   opts.Model,
		Prompt:  prompt,
		N:       1,
		Size:    opts.Size,
		Style:   opts.Style,
		Quality: opts.Quality,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return "", cerr
		}
		return "", &APIError{Provider: p.Name(), Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &APIError{Provider: p.Name(), StatusCode: resp.StatusCode, Message: "reading response failed", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", p.apiError(resp.StatusCode, respBody)
	}

	var payload openAIImageResponse
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return "", fmt.Errorf("failed to decode response payload: %w", err)
	}
	if len(payload.Data) == 0 {
		return "", ErrNoImage
	}

	img := payload.Data[0]
	p.logger.Info("Image generated", zap.Duration("duration", time.Since(start)), zap.Bool("revised_prompt", img.RevisedPrompt != ""))
	switch {
	case img.URL != "":
		return img.URL, nil
	case img.B64JSON != "":
		return "data:image/png;base64," + img.B64JSON, nil
	default:
		return "", ErrNoImage
	}
}

func (p *OpenAIProvider) apiError(status int, body []byte) error {
	msg := string(body)
	var parsed openAIErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		msg = parsed.Error.Message
	}
	p.logger.Error("Image API returned error status", zap.Int("status", status), zap.String("message", msg))
	return &APIError{Provider: p.Name(), StatusCode: status, Message: msg}
}
