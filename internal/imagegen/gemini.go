package imagegen

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/quill/internal/config"
)

const defaultGeminiImageModel = "imagen-4.0-generate-001"

// imageModels is the part of the genai client the provider calls.
type imageModels interface {
	GenerateImages(ctx context.Context, model, prompt string, cfg *genai.GenerateImagesConfig) (*genai.GenerateImagesResponse, error)
}

// GeminiProvider generates images with Imagen through the Gemini API. The
// API returns bytes, which are handed back as a data URL.
type GeminiProvider struct {
	models imageModels
	model  string
	logger *zap.Logger
}

// NewGeminiProvider creates a genai client for cfg.
func NewGeminiProvider(ctx context.Context, cfg config.ImagesConfig, logger *zap.Logger) (*GeminiProvider, error) {
	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.Endpoint != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newGeminiProvider(client.Models, cfg.Model, logger), nil
}

func newGeminiProvider(models imageModels, model string, logger *zap.Logger) *GeminiProvider {
	// The OpenAI default model name means nothing to Imagen.
	if model == "" || strings.HasPrefix(model, "dall-e") || strings.HasPrefix(model, "gpt-image") {
		model = defaultGeminiImageModel
	}
	return &GeminiProvider{models: models, model: model, logger: logger.Named("imagegen.gemini")}
}

func (p *GeminiProvider) Name() string { return string(config.ProviderGemini) }

func (p *GeminiProvider) GenerateImage(ctx context.Context, prompt string, opts Options) (string, error) {
	model := p.model
	if opts.Model != "" && !strings.HasPrefix(opts.Model, "dall-e") && !strings.HasPrefix(opts.Model, "gpt-image") {
		model = opts.Model
	}

	resp, err := p.models.GenerateImages(ctx, model, prompt, &genai.GenerateImagesConfig{
		NumberOfImages: 1,
		AspectRatio:    AspectRatio(opts.Size),
		OutputMIMEType: "image/png",
	})
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return "", cerr
		}
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return "", &APIError{Provider: p.Name(), StatusCode: apiErr.Code, Message: apiErr.Message, Err: err}
		}
		return "", &APIError{Provider: p.Name(), Message: err.Error(), Err: err}
	}
	if resp == nil || len(resp.GeneratedImages) == 0 {
		return "", ErrNoImage
	}

	gen := resp.GeneratedImages[0]
	if gen.Image == nil || len(gen.Image.ImageBytes) == 0 {
		if gen.RAIFilteredReason != "" {
			return "", &APIError{Provider: p.Name(), StatusCode: 400, Message: "filtered: " + gen.RAIFilteredReason}
		}
		return "", ErrNoImage
	}

	mime := gen.Image.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	p.logger.Debug("Image generated", zap.String("model", model), zap.Int("bytes", len(gen.Image.ImageBytes)))
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(gen.Image.ImageBytes), nil
}

// AspectRatio converts a WIDTHxHEIGHT size to the closest ratio Imagen
// accepts. Unparseable sizes map to square.
func AspectRatio(size string) string {
	w, h, ok := parseSize(size)
	if !ok {
		return "1:1"
	}
	ratio := float64(w) / float64(h)
	best, bestDiff := "1:1", 1e9
	for _, c := range []struct {
		name  string
		value float64
	}{
		{"1:1", 1}, {"3:4", 0.75}, {"4:3", 4.0 / 3}, {"9:16", 9.0 / 16}, {"16:9", 16.0 / 9},
	} {
		d := ratio - c.value
		if d < 0 {
			d = -d
		}
		if d < bestDiff {
			best, bestDiff = c.name, d
		}
	}
	return best
}

func parseSize(size string) (int, int, bool) {
	ws, hs, found := strings.Cut(strings.ToLower(size), "x")
	if !found {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(strings.TrimSpace(ws))
	h, err2 := strconv.Atoi(strings.TrimSpace(hs))
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}
