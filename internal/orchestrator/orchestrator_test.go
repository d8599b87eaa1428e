// internal/orchestrator/orchestrator_test.go
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/quill/internal/browser"
	"github.com/xkilldash9x/quill/internal/browser/session"
	"github.com/xkilldash9x/quill/internal/chat"
	"github.com/xkilldash9x/quill/internal/config"
	"github.com/xkilldash9x/quill/internal/imagegen"
	"github.com/xkilldash9x/quill/internal/observability"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- Mock Implementations for Testing --

// fakePage only implements WaitForLogin; the generator is faked, so nothing
// else on the page is reached.
type fakePage struct {
	Page
	loginErr   error
	loginCalls int
}

func (p *fakePage) WaitForLogin(ctx context.Context, ready func(context.Context) (bool, error), _, _ time.Duration) error {
	p.loginCalls++
	if p.loginErr != nil {
		return p.loginErr
	}
	_, err := ready(ctx)
	return err
}

type fakeBrowser struct {
	mu       sync.Mutex
	page     *fakePage
	openErr  error
	opens    int
	cleanups int
}

func (b *fakeBrowser) Open(ctx context.Context) (Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opens++
	if b.openErr != nil {
		return nil, b.openErr
	}
	if b.page == nil {
		b.page = &fakePage{}
	}
	return b.page, nil
}

func (b *fakeBrowser) Cleanup(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanups++
	b.page = nil
}

type fakeGenerator struct {
	mu          sync.Mutex
	calls       []string
	attached    []chat.Attachment
	prompt      string
	submitGate  chan struct{}
	submitted   chan struct{}
	submitErr   error
	attachErr   error
	waitErr     error
	completion  chat.Completion
	result      chat.Result
	resets      int
	readyChecks int
}

func (g *fakeGenerator) record(call string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call)
}

func (g *fakeGenerator) Ready(context.Context) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.readyChecks++
	return true, nil
}

func (g *fakeGenerator) AttachFiles(_ context.Context, a []chat.Attachment) (int, error) {
	g.record("attach")
	if g.attachErr != nil {
		return 0, g.attachErr
	}
	g.attached = a
	return len(a), nil
}

func (g *fakeGenerator) SubmitPrompt(ctx context.Context, prompt string) error {
	g.record("submit")
	g.prompt = prompt
	if g.submitted != nil {
		close(g.submitted)
	}
	if g.submitGate != nil {
		select {
		case <-g.submitGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return g.submitErr
}

func (g *fakeGenerator) WaitForCompletion(context.Context) (chat.Completion, error) {
	g.record("wait")
	return g.completion, g.waitErr
}

func (g *fakeGenerator) Extract(context.Context) (chat.Result, error) {
	g.record("extract")
	return g.result, nil
}

func (g *fakeGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resets++
}

type fakeImages struct {
	prompts []string
	err     error
}

func (f *fakeImages) Generate(_ context.Context, prompts []string, onProgress imagegen.ProgressFunc) (map[string]string, error) {
	f.prompts = prompts
	out := map[string]string{}
	for i := range prompts {
		if f.err != nil {
			return out, f.err
		}
		out[imagegen.Key(i)] = "https://img/" + prompts[i]
		onProgress(i+1, len(prompts))
	}
	return out, nil
}

func newTestOrchestrator(t *testing.T, gen *fakeGenerator, mutate func(*config.Config), opts ...Option) (*Orchestrator, *fakeBrowser) {
	t.Helper()
	cfg := config.NewDefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	b := &fakeBrowser{}
	o, err := New(cfg, zaptest.NewLogger(t), b, opts...)
	require.NoError(t, err)
	o.newGenerator = func(Page) Generator { return gen }
	return o, b
}

// -- Test Cases --

func TestNew(t *testing.T) {
	_, err := New(nil, zap.NewNop(), &fakeBrowser{})
	assert.Error(t, err)
	_, err = New(config.NewDefaultConfig(), nil, &fakeBrowser{})
	assert.Error(t, err)
	_, err = New(config.NewDefaultConfig(), zap.NewNop(), nil)
	assert.Error(t, err)

	o, err := New(config.NewDefaultConfig(), zap.NewNop(), &fakeBrowser{})
	require.NoError(t, err)
	assert.NotNil(t, o)
}

func TestFullFlow(t *testing.T) {
	gen := &fakeGenerator{
		completion: chat.Completion{Mode: chat.ModeArtifact, Phase: chat.PhaseDone},
		result:     chat.Result{GenerationID: "g1", Text: "# Title"},
	}
	o, b := newTestOrchestrator(t, gen, nil)
	ctx := context.Background()

	attachments := []chat.Attachment{{Path: "/tmp/a.md", Role: chat.RoleStyleSample}}
	require.NoError(t, o.SendPrompt(ctx, attachments, "write a post"))

	c, err := o.WaitForCompletion(ctx)
	require.NoError(t, err)
	assert.Equal(t, chat.ModeArtifact, c.Mode)

	res, err := o.DownloadResult(ctx)
	require.NoError(t, err)
	assert.Equal(t, "# Title", res.Text)

	if diff := cmp.Diff([]string{"attach", "submit", "wait", "extract"}, gen.calls); diff != "" {
		t.Errorf("call order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, attachments, gen.attached)
	assert.Equal(t, "write a post", gen.prompt)
	assert.Equal(t, 1, b.opens)
	assert.Zero(t, gen.readyChecks, "launch mode does not wait for login")
}

func TestSendPromptWithoutAttachmentsSkipsUpload(t *testing.T) {
	gen := &fakeGenerator{}
	o, _ := newTestOrchestrator(t, gen, nil)

	require.NoError(t, o.SendPrompt(context.Background(), nil, "hi"))
	assert.Equal(t, []string{"submit"}, gen.calls)
}

func TestSendPromptInFlightRejectsBeforeSubmit(t *testing.T) {
	gen := &fakeGenerator{attachErr: chat.ErrGenerationInFlight}
	o, b := newTestOrchestrator(t, gen, nil)

	err := o.SendPrompt(context.Background(), []chat.Attachment{{Path: "/tmp/a.md"}}, "second")
	assert.ErrorIs(t, err, chat.ErrGenerationInFlight)
	assert.Equal(t, []string{"attach"}, gen.calls)
	assert.Empty(t, gen.attached)
	assert.Empty(t, gen.prompt)
	assert.Zero(t, b.cleanups, "an in-flight rejection keeps the session")
}

func TestSendPromptAttachModeWaitsForLogin(t *testing.T) {
	gen := &fakeGenerator{}
	o, b := newTestOrchestrator(t, gen, func(c *config.Config) { c.Browser.Mode = config.ModeAttach })

	require.NoError(t, o.SendPrompt(context.Background(), nil, "hi"))
	assert.Equal(t, 1, b.page.loginCalls)
	assert.Equal(t, 1, gen.readyChecks)
}

func TestSendPromptLoginTimeout(t *testing.T) {
	gen := &fakeGenerator{}
	o, b := newTestOrchestrator(t, gen, func(c *config.Config) { c.Browser.Mode = config.ModeAttach })
	b.page = &fakePage{loginErr: browser.ErrTimingExceeded}

	err := o.SendPrompt(context.Background(), nil, "hi")
	assert.ErrorIs(t, err, browser.ErrTimingExceeded)
	assert.Equal(t, 1, b.cleanups)
	assert.Empty(t, gen.calls)
}

func TestSendPromptOpenFailureCleansUp(t *testing.T) {
	o, b := newTestOrchestrator(t, &fakeGenerator{}, nil)
	b.openErr = session.ErrBrowserNotFound

	err := o.SendPrompt(context.Background(), nil, "hi")
	assert.ErrorIs(t, err, session.ErrBrowserNotFound)
	assert.Equal(t, 1, b.cleanups)
}

func TestConcurrentSendPromptIsRejected(t *testing.T) {
	defer goleak.VerifyNone(t)

	gen := &fakeGenerator{submitGate: make(chan struct{}), submitted: make(chan struct{})}
	o, _ := newTestOrchestrator(t, gen, nil)

	done := make(chan error, 1)
	go func() { done <- o.SendPrompt(context.Background(), nil, "first") }()
	<-gen.submitted

	err := o.SendPrompt(context.Background(), nil, "second")
	assert.ErrorIs(t, err, ErrBusy)
	_, err = o.WaitForCompletion(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	close(gen.submitGate)
	require.NoError(t, <-done)
	assert.Equal(t, "first", gen.prompt)
}

func TestSessionLossDropsSession(t *testing.T) {
	gen := &fakeGenerator{waitErr: browser.ErrSessionUnavailable}
	o, b := newTestOrchestrator(t, gen, nil)
	ctx := context.Background()

	require.NoError(t, o.SendPrompt(ctx, nil, "hi"))
	_, err := o.WaitForCompletion(ctx)
	assert.ErrorIs(t, err, browser.ErrSessionUnavailable)
	assert.Equal(t, 1, b.cleanups)

	_, err = o.DownloadResult(ctx)
	assert.ErrorIs(t, err, chat.ErrNoGeneration)
}

func TestWaitWithoutPrompt(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeGenerator{}, nil)
	_, err := o.WaitForCompletion(context.Background())
	assert.ErrorIs(t, err, chat.ErrNoGeneration)
	_, err = o.DownloadResult(context.Background())
	assert.ErrorIs(t, err, chat.ErrNoGeneration)
}

func TestCleanupIsIdempotent(t *testing.T) {
	gen := &fakeGenerator{}
	o, b := newTestOrchestrator(t, gen, nil)
	require.NoError(t, o.SendPrompt(context.Background(), nil, "hi"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NotPanics(t, func() {
		o.Cleanup(ctx)
		o.Cleanup(ctx)
	})
	assert.Equal(t, 1, gen.resets)
	assert.Equal(t, 2, b.cleanups)
	assert.Nil(t, o.current())
}

func TestGenerateImages(t *testing.T) {
	images := &fakeImages{}
	var stages []int
	reporter := observability.ReporterFunc(func(stage string, index, total int) {
		assert.Equal(t, "images", stage)
		stages = append(stages, index)
	})
	o, b := newTestOrchestrator(t, &fakeGenerator{}, nil, WithImageRunner(images), WithReporter(reporter))

	var progress []int
	got, err := o.GenerateImages(context.Background(), []string{"a", "b", "c"}, func(i, _ int) {
		progress = append(progress, i)
	})
	require.NoError(t, err)

	want := map[string]string{"이미지1": "https://img/a", "이미지2": "https://img/b", "이미지3": "https://img/c"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("images mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []int{1, 2, 3}, progress)
	assert.Equal(t, []int{1, 2, 3}, stages)
	assert.Zero(t, b.opens, "image generation never opens the browser")
}

func TestGenerateImagesProviderConfigError(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeGenerator{}, func(c *config.Config) { c.Images.APIKey = "" })
	_, err := o.GenerateImages(context.Background(), []string{"a"}, nil)
	assert.ErrorContains(t, err, "API key is required")
}

func TestGenerateImagesPropagatesFailure(t *testing.T) {
	boom := errors.New("provider down")
	o, _ := newTestOrchestrator(t, &fakeGenerator{}, nil, WithImageRunner(&fakeImages{err: boom}))
	_, err := o.GenerateImages(context.Background(), []string{"a"}, nil)
	assert.ErrorIs(t, err, boom)
}
