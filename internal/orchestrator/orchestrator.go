// File: internal/orchestrator/orchestrator.go
// Description: The generation facade. It owns the browser session for the
// lifetime of a flow and is injected with its collaborators via interfaces.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/quill/internal/browser"
	"github.com/xkilldash9x/quill/internal/browser/clipboard"
	"github.com/xkilldash9x/quill/internal/browser/input"
	"github.com/xkilldash9x/quill/internal/browser/locator"
	"github.com/xkilldash9x/quill/internal/browser/session"
	"github.com/xkilldash9x/quill/internal/chat"
	"github.com/xkilldash9x/quill/internal/config"
	"github.com/xkilldash9x/quill/internal/imagegen"
	"github.com/xkilldash9x/quill/internal/observability"
	"github.com/xkilldash9x/quill/internal/retry"
)

// ErrBusy rejects a call while another one of the same kind is running.
var ErrBusy = errors.New("orchestrator is busy with another request")

const cleanupTimeout = 15 * time.Second

// Page is everything the chat stack needs from a live browser session.
type Page interface {
	Evaluate(ctx context.Context, script string, out any) error
	EvaluateInFrame(ctx context.Context, frameID, script string, out any) error
	Frames(ctx context.Context) ([]browser.Frame, error)
	Sleep(ctx context.Context, d time.Duration) error
	SendKeys(ctx context.Context, keys string) error
	InsertText(ctx context.Context, text string) error
	DispatchKey(ctx context.Context, ev browser.KeyEvent) error
	DispatchMouse(ctx context.Context, ev browser.MouseEvent) error
	ArmFileChooser(ctx context.Context) (browser.FileChooser, error)
	WaitForLogin(ctx context.Context, ready func(context.Context) (bool, error), timeout, interval time.Duration) error
}

// Browser hands out the current session, establishing one when needed.
type Browser interface {
	Open(ctx context.Context) (Page, error)
	Cleanup(ctx context.Context)
}

// Generator runs one prompt/response exchange on a page.
type Generator interface {
	Ready(ctx context.Context) (bool, error)
	AttachFiles(ctx context.Context, attachments []chat.Attachment) (int, error)
	SubmitPrompt(ctx context.Context, prompt string) error
	WaitForCompletion(ctx context.Context) (chat.Completion, error)
	Extract(ctx context.Context) (chat.Result, error)
	Reset()
}

// ImageRunner turns prompts into images.
type ImageRunner interface {
	Generate(ctx context.Context, prompts []string, onProgress imagegen.ProgressFunc) (map[string]string, error)
}

// SessionBrowser adapts a session.Manager to Browser.
type SessionBrowser struct {
	manager *session.Manager
}

// NewSessionBrowser wraps m.
func NewSessionBrowser(m *session.Manager) *SessionBrowser {
	return &SessionBrowser{manager: m}
}

func (b *SessionBrowser) Open(ctx context.Context) (Page, error) {
	s, err := b.manager.Open(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (b *SessionBrowser) Cleanup(ctx context.Context) { b.manager.Cleanup(ctx) }

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithReporter routes progress notifications to r.
func WithReporter(r observability.Reporter) Option {
	return func(o *Orchestrator) { o.reporter = r }
}

// WithImageRunner replaces the runner built from the images configuration.
func WithImageRunner(r ImageRunner) Option {
	return func(o *Orchestrator) { o.images = r }
}

// Orchestrator is the single entry point for generation flows. Browser calls
// are never interleaved: a second one arriving while the first runs is
// rejected with ErrBusy.
type Orchestrator struct {
	cfg      *config.Config
	logger   *zap.Logger
	browser  Browser
	reporter observability.Reporter

	browserSem *semaphore.Weighted
	imageSem   *semaphore.Weighted

	mu   sync.Mutex
	page Page
	gen  Generator

	images       ImageRunner
	newGenerator func(Page) Generator
}

// New creates an Orchestrator. No browser is opened until the first prompt.
func New(cfg *config.Config, logger *zap.Logger, b Browser, opts ...Option) (*Orchestrator, error) {
	if cfg == nil || logger == nil || b == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	o := &Orchestrator{
		cfg:        cfg,
		logger:     logger.Named("orchestrator"),
		browser:    b,
		reporter:   observability.NopReporter{},
		browserSem: semaphore.NewWeighted(1),
		imageSem:   semaphore.NewWeighted(1),
	}
	o.newGenerator = o.buildGenerator
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// buildGenerator wires the chat stack on top of page.
func (o *Orchestrator) buildGenerator(page Page) Generator {
	var clip clipboard.Clipboard = clipboard.NewBrowser(page)
	if o.cfg.Clipboard.Backend == config.ClipboardSystem {
		clip = clipboard.NewSystem(o.logger)
	}

	targets := chat.DefaultTargets()
	find := locator.New(page, locator.Options{
		CandidateTimeout:      o.cfg.Chat.LocatorTimeout,
		FrameCandidateTimeout: o.cfg.Chat.FrameLocatorTimeout,
	}, o.logger)
	quick := locator.New(page, locator.Options{}, o.logger)

	ctrl := input.NewController(page, clip, o.cfg.Input, o.logger)
	probe := chat.NewDOMProber(page, quick, targets, o.logger)
	return chat.NewProtocol(find, ctrl, probe, o.cfg.Chat, o.logger,
		chat.WithTargets(targets),
		chat.WithReporter(o.reporter),
		chat.WithRetry(retry.FromConfig(o.cfg.Retry, "")),
	)
}

func (o *Orchestrator) acquireBrowser() error {
	if !o.browserSem.TryAcquire(1) {
		return ErrBusy
	}
	return nil
}

// generator returns the generator for the live session, opening the browser
// and waiting for login on first use.
func (o *Orchestrator) generator(ctx context.Context) (Generator, error) {
	page, err := o.browser.Open(ctx)
	if err != nil {
		o.logger.Error("Failed to open browser session", zap.Error(err))
		o.browser.Cleanup(session.Detach(ctx))
		return nil, fmt.Errorf("open browser session: %w", err)
	}

	o.mu.Lock()
	if o.gen != nil && o.page == page {
		gen := o.gen
		o.mu.Unlock()
		return gen, nil
	}
	gen := o.newGenerator(page)
	o.page, o.gen = page, gen
	o.mu.Unlock()

	if o.cfg.Browser.Mode == config.ModeAttach {
		if err := page.WaitForLogin(ctx, gen.Ready, o.cfg.Browser.Attach.LoginTimeout, 2*time.Second); err != nil {
			o.dropSession(ctx)
			return nil, err
		}
	}
	return gen, nil
}

func (o *Orchestrator) current() Generator {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gen
}

// dropSession forgets the generator and closes the browser, so the next
// prompt starts from a fresh session.
func (o *Orchestrator) dropSession(ctx context.Context) {
	o.mu.Lock()
	o.page, o.gen = nil, nil
	o.mu.Unlock()
	o.browser.Cleanup(session.Detach(ctx))
}

func (o *Orchestrator) handleErr(ctx context.Context, op string, err error) error {
	if errors.Is(err, browser.ErrSessionUnavailable) {
		o.logger.Warn("Browser session lost", zap.String("operation", op))
		o.dropSession(ctx)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// SendPrompt uploads the attachments in order and submits prompt. A missing
// attachment is skipped, not fatal.
func (o *Orchestrator) SendPrompt(ctx context.Context, attachments []chat.Attachment, prompt string) error {
	if err := o.acquireBrowser(); err != nil {
		return err
	}
	defer o.browserSem.Release(1)

	gen, err := o.generator(ctx)
	if err != nil {
		return err
	}

	if len(attachments) > 0 {
		n, err := gen.AttachFiles(ctx, attachments)
		if err != nil {
			return o.handleErr(ctx, "attach files", err)
		}
		o.logger.Info("Attachments uploaded", zap.Int("uploaded", n), zap.Int("requested", len(attachments)))
	}
	if err := gen.SubmitPrompt(ctx, prompt); err != nil {
		return o.handleErr(ctx, "submit prompt", err)
	}
	o.logger.Info("Prompt submitted", zap.Int("length", len(prompt)))
	return nil
}

// WaitForCompletion blocks until the submitted prompt has been answered.
// Running into a polling ceiling is not an error; Completion.Degraded says so.
func (o *Orchestrator) WaitForCompletion(ctx context.Context) (chat.Completion, error) {
	if err := o.acquireBrowser(); err != nil {
		return chat.Completion{}, err
	}
	defer o.browserSem.Release(1)

	gen := o.current()
	if gen == nil {
		return chat.Completion{}, chat.ErrNoGeneration
	}
	c, err := gen.WaitForCompletion(ctx)
	if err != nil {
		return c, o.handleErr(ctx, "wait for completion", err)
	}
	return c, nil
}

// DownloadResult copies the finished response out of the page.
func (o *Orchestrator) DownloadResult(ctx context.Context) (chat.Result, error) {
	if err := o.acquireBrowser(); err != nil {
		return chat.Result{}, err
	}
	defer o.browserSem.Release(1)

	gen := o.current()
	if gen == nil {
		return chat.Result{}, chat.ErrNoGeneration
	}
	res, err := gen.Extract(ctx)
	if err != nil {
		return res, o.handleErr(ctx, "download result", err)
	}
	o.logger.Info("Result downloaded",
		zap.String("generation", res.GenerationID),
		zap.String("mode", string(res.Completion.Mode)),
		zap.Bool("degraded", res.Completion.Degraded),
		zap.Int("length", len(res.Text)),
	)
	return res, nil
}

// GenerateImages produces one image per prompt, keyed "이미지1".."이미지N" in
// prompt order. It does not touch the browser.
func (o *Orchestrator) GenerateImages(ctx context.Context, prompts []string, onProgress imagegen.ProgressFunc) (map[string]string, error) {
	if !o.imageSem.TryAcquire(1) {
		return nil, ErrBusy
	}
	defer o.imageSem.Release(1)

	runner, err := o.imageRunner(ctx)
	if err != nil {
		return nil, err
	}
	return runner.Generate(ctx, prompts, func(index, total int) {
		o.reporter.Progress("images", index, total)
		if onProgress != nil {
			onProgress(index, total)
		}
	})
}

func (o *Orchestrator) imageRunner(ctx context.Context) (ImageRunner, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.images != nil {
		return o.images, nil
	}
	provider, err := imagegen.NewProvider(ctx, o.cfg.Images, o.logger)
	if err != nil {
		return nil, err
	}
	o.images = imagegen.NewRunner(provider, o.cfg.Images, retry.FromConfig(o.cfg.Retry, ""), o.logger)
	return o.images, nil
}

// Cleanup closes the browser session. It runs on a context detached from
// ctx so an interrupted flow still releases the browser, and it is safe to
// call any number of times.
func (o *Orchestrator) Cleanup(ctx context.Context) {
	ctx, cancel := context.WithTimeout(session.Detach(ctx), cleanupTimeout)
	defer cancel()

	o.mu.Lock()
	gen := o.gen
	o.page, o.gen = nil, nil
	o.mu.Unlock()

	if gen != nil {
		gen.Reset()
	}
	o.browser.Cleanup(ctx)
	o.logger.Debug("Cleanup complete")
}
