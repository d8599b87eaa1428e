package imagegen

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/quill/internal/config"
	"github.com/xkilldash9x/quill/internal/retry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) GenerateImage(ctx context.Context, prompt string, opts Options) (string, error) {
	args := m.Called(ctx, prompt, opts)
	return args.String(0), args.Error(1)
}

func testImagesConfig() config.ImagesConfig {
	cfg := config.NewDefaultConfig().Images
	cfg.RequestsPerMinute = 0
	return cfg
}

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, Delay: time.Millisecond}
}

func TestRunnerGenerateInOrder(t *testing.T) {
	p := new(mockProvider)
	cfg := testImagesConfig()
	opts := OptionsFromConfig(cfg)
	p.On("GenerateImage", mock.Anything, "sunrise", opts).Return("https://img/1", nil).Once()
	p.On("GenerateImage", mock.Anything, "harbor", opts).Return("https://img/2", nil).Once()
	p.On("GenerateImage", mock.Anything, "forest", opts).Return("https://img/3", nil).Once()

	r := NewRunner(p, cfg, fastPolicy(3), zaptest.NewLogger(t))

	type tick struct{ Index, Total int }
	var ticks []tick
	got, err := r.Generate(context.Background(), []string{"sunrise", "harbor", "forest"}, func(i, n int) {
		ticks = append(ticks, tick{i, n})
	})
	require.NoError(t, err)

	want := map[string]string{"이미지1": "https://img/1", "이미지2": "https://img/2", "이미지3": "https://img/3"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("images mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]tick{{1, 3}, {2, 3}, {3, 3}}, ticks); diff != "" {
		t.Errorf("progress mismatch (-want +got):\n%s", diff)
	}

	var order []string
	for _, c := range p.Calls {
		order = append(order, c.Arguments.String(1))
	}
	assert.Equal(t, []string{"sunrise", "harbor", "forest"}, order)
	p.AssertExpectations(t)
}

func TestRunnerStopsAtFirstFailure(t *testing.T) {
	p := new(mockProvider)
	bad := &APIError{Provider: "mock", StatusCode: 400, Message: "content policy violation"}
	p.On("GenerateImage", mock.Anything, "one", mock.Anything).Return("https://img/1", nil).Once()
	p.On("GenerateImage", mock.Anything, "two", mock.Anything).Return("", bad).Once()

	r := NewRunner(p, testImagesConfig(), fastPolicy(3), zaptest.NewLogger(t))
	var progressed []int
	got, err := r.Generate(context.Background(), []string{"one", "two", "three"}, func(i, _ int) {
		progressed = append(progressed, i)
	})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.StatusCode)
	assert.Equal(t, "content policy violation", apiErr.Message)
	assert.Equal(t, map[string]string{"이미지1": "https://img/1"}, got)
	assert.Equal(t, []int{1}, progressed)
	p.AssertNumberOfCalls(t, "GenerateImage", 2)
}

func TestRunnerRetriesTransientErrors(t *testing.T) {
	p := new(mockProvider)
	busy := &APIError{Provider: "mock", StatusCode: 429, Message: "rate limited"}
	p.On("GenerateImage", mock.Anything, "one", mock.Anything).Return("", busy).Twice()
	p.On("GenerateImage", mock.Anything, "one", mock.Anything).Return("https://img/1", nil).Once()

	r := NewRunner(p, testImagesConfig(), fastPolicy(3), zaptest.NewLogger(t))
	got, err := r.Generate(context.Background(), []string{"one"}, nil)

	require.NoError(t, err)
	assert.Equal(t, "https://img/1", got["이미지1"])
	p.AssertNumberOfCalls(t, "GenerateImage", 3)
}

func TestRunnerExhaustionKeepsLastError(t *testing.T) {
	p := new(mockProvider)
	e1 := &APIError{Provider: "mock", StatusCode: 500, Message: "E1"}
	e2 := &APIError{Provider: "mock", StatusCode: 502, Message: "E2"}
	e3 := &APIError{Provider: "mock", StatusCode: 503, Message: "E3"}
	p.On("GenerateImage", mock.Anything, mock.Anything, mock.Anything).Return("", e1).Once()
	p.On("GenerateImage", mock.Anything, mock.Anything, mock.Anything).Return("", e2).Once()
	p.On("GenerateImage", mock.Anything, mock.Anything, mock.Anything).Return("", e3).Once()

	cfg := testImagesConfig()
	cfg.BreakerFailures = 10
	r := NewRunner(p, cfg, fastPolicy(3), zaptest.NewLogger(t))
	_, err := r.Generate(context.Background(), []string{"one"}, nil)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Same(t, e3, apiErr)
}

func TestRunnerBreakerOpens(t *testing.T) {
	p := new(mockProvider)
	down := &APIError{Provider: "mock", StatusCode: 503, Message: "unavailable"}
	p.On("GenerateImage", mock.Anything, mock.Anything, mock.Anything).Return("", down)

	cfg := testImagesConfig()
	cfg.BreakerFailures = 2
	cfg.BreakerTimeout = time.Hour
	r := NewRunner(p, cfg, fastPolicy(5), zaptest.NewLogger(t))

	_, err := r.Generate(context.Background(), []string{"one"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState), "breaker should short-circuit the remaining attempts")
	p.AssertNumberOfCalls(t, "GenerateImage", 2)
}

func TestRunnerCancelled(t *testing.T) {
	p := new(mockProvider)
	r := NewRunner(p, testImagesConfig(), fastPolicy(3), zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := r.Generate(ctx, []string{"one"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, got)
	p.AssertNotCalled(t, "GenerateImage", mock.Anything, mock.Anything, mock.Anything)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "이미지1", Key(0))
	assert.Equal(t, "이미지12", Key(11))
}
