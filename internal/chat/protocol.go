package chat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quill/internal/browser"
	"github.com/xkilldash9x/quill/internal/browser/locator"
	"github.com/xkilldash9x/quill/internal/config"
	"github.com/xkilldash9x/quill/internal/observability"
	"github.com/xkilldash9x/quill/internal/retry"
)

var (
	// ErrGenerationInFlight rejects a prompt while the previous generation
	// has not been extracted.
	ErrGenerationInFlight = errors.New("a generation is already in flight")
	// ErrNoGeneration means the operation needs a submitted prompt first.
	ErrNoGeneration = errors.New("no generation in progress")
	// ErrAttachmentMissing marks an attachment whose file does not exist. It
	// is logged and the attachment skipped.
	ErrAttachmentMissing = errors.New("attachment file missing")
	// ErrEmptyResult means the copy produced nothing on the clipboard.
	ErrEmptyResult = errors.New("clipboard held no generated content")
)

// Input is the slice of the input controller the protocol drives.
type Input interface {
	ClickElement(ctx context.Context, el *browser.Element) error
	SetClipboardText(ctx context.Context, text string) error
	ReadClipboard(ctx context.Context) (string, error)
	Paste(ctx context.Context) error
	PressKey(ctx context.Context, name string) error
	InterceptFileChooser(ctx context.Context, trigger func(context.Context) error, paths []string) error
}

// Role is what an attachment is for.
type Role string

const (
	RoleStyleSample Role = "style_sample"
	RoleSEOGuide    Role = "seo_guide"
	RoleReference   Role = "reference"
)

// Attachment is a file to upload before the prompt. When Content is set it
// is written to a temporary file named after Name and Path is ignored.
type Attachment struct {
	Path    string
	Role    Role
	Name    string
	Content []byte
}

func (a Attachment) label() string {
	if a.Path != "" {
		return a.Path
	}
	return a.Name
}

// Completion describes how a generation ended.
type Completion struct {
	Mode Mode
	// Degraded is set when a ceiling was hit and content may be partial.
	Degraded bool
	Phase    Phase
	Polls    int
	Samples  int
	Elapsed  time.Duration
}

// Result is extracted generated content.
type Result struct {
	GenerationID string
	Text         string
	Completion
}

type generation struct {
	id         string
	submitted  bool
	started    time.Time
	completion *Completion
	finished   bool
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option { return func(p *Protocol) { p.clock = c } }

// WithTargets replaces the default UI targets.
func WithTargets(t Targets) Option { return func(p *Protocol) { p.targets = t } }

// WithReporter receives progress notifications.
func WithReporter(r observability.Reporter) Option { return func(p *Protocol) { p.reporter = r } }

// WithRetry sets the policy for extraction attempts.
func WithRetry(policy retry.Policy) Option { return func(p *Protocol) { p.retry = policy } }

// Protocol runs one generation at a time against a chat page.
type Protocol struct {
	find     Finder
	in       Input
	probe    Prober
	clock    Clock
	cfg      config.ChatConfig
	targets  Targets
	retry    retry.Policy
	reporter observability.Reporter
	logger   *zap.Logger

	mu  sync.Mutex
	gen *generation
}

// NewProtocol creates a protocol.
func NewProtocol(find Finder, in Input, probe Prober, cfg config.ChatConfig, logger *zap.Logger, opts ...Option) *Protocol {
	p := &Protocol{
		find:     find,
		in:       in,
		probe:    probe,
		clock:    SystemClock{},
		cfg:      cfg,
		targets:  DefaultTargets(),
		retry:    retry.Policy{MaxAttempts: 3, Delay: time.Second, Linear: true},
		reporter: observability.NopReporter{},
		logger:   logger.Named("chat"),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.retry.Label = "extract result"
	return p
}

// Ready reports whether the prompt editor is available, which is the sign
// of a logged-in chat page.
func (p *Protocol) Ready(ctx context.Context) (bool, error) {
	el, err := p.find.Find(ctx, p.targets.Editor)
	return el != nil, err
}

// AttachFiles uploads attachments one after another in the given order, each
// settled before the next. Missing files are logged and skipped. It returns
// the number uploaded. Like SubmitPrompt it is rejected while a generation is
// in flight, so nothing is left in the composer for a later prompt.
func (p *Protocol) AttachFiles(ctx context.Context, attachments []Attachment) (int, error) {
	if p.inFlight() {
		return 0, ErrGenerationInFlight
	}
	attached := 0
	for i, a := range attachments {
		if err := ctx.Err(); err != nil {
			return attached, err
		}

		path, release, err := p.materialize(a)
		if errors.Is(err, ErrAttachmentMissing) {
			p.logger.Warn("Attachment missing, skipping", zap.String("path", a.Path), zap.String("role", string(a.Role)))
			p.reporter.Progress("attach", i+1, len(attachments))
			continue
		}
		if err != nil {
			return attached, err
		}

		err = p.attachOne(ctx, path)
		release()
		if err != nil {
			return attached, fmt.Errorf("attach %s: %w", a.label(), err)
		}
		attached++
		p.logger.Info("Attached file", zap.String("file", a.label()), zap.String("role", string(a.Role)))
		p.reporter.Progress("attach", i+1, len(attachments))
	}
	return attached, nil
}

// materialize returns a local path for a, plus a release func that removes
// any temporary file created for it.
func (p *Protocol) materialize(a Attachment) (string, func(), error) {
	noop := func() {}
	if a.Content != nil {
		name := filepath.Base(a.Name)
		if name == "." || name == string(filepath.Separator) || name == "" {
			name = "attachment.txt"
		}
		f, err := os.CreateTemp("", "quill-*-"+name)
		if err != nil {
			return "", noop, fmt.Errorf("create temp attachment: %w", err)
		}
		path := f.Name()
		release := func() {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				p.logger.Debug("Could not remove temp attachment", zap.String("path", path), zap.Error(err))
			}
		}
		_, werr := f.Write(a.Content)
		cerr := f.Close()
		if err := errors.Join(werr, cerr); err != nil {
			release()
			return "", noop, fmt.Errorf("write temp attachment: %w", err)
		}
		return path, release, nil
	}

	path, err := homedir.Expand(a.Path)
	if err != nil {
		return "", noop, fmt.Errorf("expand %s: %w", a.Path, err)
	}
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return "", noop, fmt.Errorf("%w: %s", ErrAttachmentMissing, a.Path)
	}
	return path, noop, nil
}

func (p *Protocol) attachOne(ctx context.Context, path string) error {
	menu, err := p.find.Find(ctx, p.targets.AttachMenu)
	if err != nil {
		return err
	}
	if menu != nil {
		if err := p.in.ClickElement(ctx, menu); err != nil {
			return err
		}
		if err := p.clock.Sleep(ctx, p.cfg.MenuSettle); err != nil {
			return err
		}
	}

	upload, err := p.find.Find(ctx, p.targets.UploadAction)
	if err != nil {
		return err
	}
	if upload == nil {
		if menu != nil {
			_ = p.in.PressKey(ctx, "Escape")
		}
		return browser.NotFound(p.targets.UploadAction.Name)
	}

	trigger := func(ctx context.Context) error { return p.in.ClickElement(ctx, upload) }
	if err := p.in.InterceptFileChooser(ctx, trigger, []string{path}); err != nil {
		return err
	}
	return p.clock.Sleep(ctx, p.cfg.AttachmentSettle)
}

// SubmitPrompt pastes prompt into the editor and sends it. It is rejected
// while a previous generation is still in flight.
func (p *Protocol) SubmitPrompt(ctx context.Context, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return errors.New("prompt is empty")
	}

	p.mu.Lock()
	if p.gen != nil && !p.gen.finished {
		p.mu.Unlock()
		return ErrGenerationInFlight
	}
	gen := &generation{id: uuid.NewString()}
	p.gen = gen
	p.mu.Unlock()

	if err := p.submit(ctx, prompt); err != nil {
		p.mu.Lock()
		if p.gen == gen {
			p.gen = nil
		}
		p.mu.Unlock()
		return err
	}

	p.mu.Lock()
	gen.submitted = true
	gen.started = p.clock.Now()
	p.mu.Unlock()
	p.logger.Info("Prompt submitted", zap.String("generation_id", gen.id), zap.Int("prompt_length", len(prompt)))
	return nil
}

func (p *Protocol) submit(ctx context.Context, prompt string) error {
	if err := p.in.SetClipboardText(ctx, ""); err != nil {
		return fmt.Errorf("clear clipboard: %w", err)
	}
	if err := p.in.SetClipboardText(ctx, prompt); err != nil {
		return fmt.Errorf("write prompt to clipboard: %w", err)
	}

	editor, err := p.find.Find(ctx, p.targets.Editor)
	if err != nil {
		return err
	}
	if editor == nil {
		return browser.NotFound(p.targets.Editor.Name)
	}
	if err := p.in.ClickElement(ctx, editor); err != nil {
		return err
	}
	if err := p.in.Paste(ctx); err != nil {
		return err
	}
	if err := p.clock.Sleep(ctx, p.cfg.ClipboardSettle); err != nil {
		return err
	}
	if err := p.in.PressKey(ctx, "Enter"); err != nil {
		return fmt.Errorf("submit prompt: %w", err)
	}
	return nil
}

func (p *Protocol) inFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen != nil && !p.gen.finished
}

func (p *Protocol) current() *generation {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen == nil || !p.gen.submitted {
		return nil
	}
	return p.gen
}

func (p *Protocol) recordCompletion(gen *generation, c Completion) {
	p.mu.Lock()
	defer p.mu.Unlock()
	gen.completion = &c
}

func (p *Protocol) finish(gen *generation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	gen.finished = true
}

// Reset forgets the current generation so a new prompt can be submitted.
func (p *Protocol) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen = nil
}

// WaitForCompletion polls the page until the submitted prompt's response is
// complete or a ceiling is hit. Hitting a ceiling is not an error: the
// completion is marked degraded and extraction proceeds with what is there.
func (p *Protocol) WaitForCompletion(ctx context.Context) (Completion, error) {
	gen := p.current()
	if gen == nil {
		return Completion{}, ErrNoGeneration
	}
	p.mu.Lock()
	done := gen.completion
	p.mu.Unlock()
	if done != nil {
		return *done, nil
	}

	m := NewMachine(Limits{
		ResearchCeiling:    p.cfg.ResearchPollCeiling,
		GraceTicks:         p.cfg.GraceTicks,
		StabilityThreshold: p.cfg.StabilityThreshold,
		StabilityCeiling:   p.cfg.StabilityCeiling,
	})
	log := p.logger.With(zap.String("generation_id", gen.id))

	c, err := p.drive(ctx, m, log)
	c.Elapsed = p.clock.Now().Sub(gen.started)
	if err != nil {
		m.Fail()
		c.Phase = m.Phase()
		p.finish(gen)
		return c, err
	}

	p.recordCompletion(gen, c)
	log.Info("Generation complete",
		zap.String("mode", string(c.Mode)),
		zap.Bool("degraded", c.Degraded),
		zap.Int("polls", c.Polls),
		zap.Int("samples", c.Samples),
		zap.Duration("elapsed", c.Elapsed),
	)
	return c, nil
}

func (p *Protocol) drive(ctx context.Context, m *Machine, log *zap.Logger) (Completion, error) {
	snapshot := func() Completion {
		return Completion{Mode: m.Mode(), Degraded: m.Degraded(), Phase: m.Phase(), Polls: m.Polls(), Samples: m.Samples()}
	}
	if err := m.Start(); err != nil {
		return snapshot(), err
	}

	for m.Phase() == PhaseResearchPolling {
		if err := p.clock.Sleep(ctx, p.cfg.ResearchPollInterval); err != nil {
			return snapshot(), err
		}
		obs, err := p.probe.Observe(ctx)
		if err := p.tolerate(ctx, err, log); err != nil {
			return snapshot(), err
		}
		if _, err := m.OnResearchPoll(obs); err != nil {
			return snapshot(), err
		}
		p.reporter.Progress("research", m.Polls(), p.cfg.ResearchPollCeiling)
	}

	for m.Phase() == PhaseChatCompletionCheck {
		if err := p.clock.Sleep(ctx, p.cfg.GraceInterval); err != nil {
			return snapshot(), err
		}
		present, err := p.probe.ArtifactPresent(ctx)
		if err := p.tolerate(ctx, err, log); err != nil {
			return snapshot(), err
		}
		if _, err := m.OnGraceTick(present); err != nil {
			return snapshot(), err
		}
	}

	if m.Phase() == PhaseArtifactDetected {
		log.Info("Artifact detected, waiting for its content to settle")
		if _, err := m.BeginStabilizing(); err != nil {
			return snapshot(), err
		}
		for !m.Phase().Terminal() {
			if err := p.clock.Sleep(ctx, p.cfg.StabilityInterval); err != nil {
				return snapshot(), err
			}
			content, err := p.probe.SampleArtifact(ctx)
			if err := p.tolerate(ctx, err, log); err != nil {
				return snapshot(), err
			}
			if _, err := m.OnSample(content); err != nil {
				return snapshot(), err
			}
			p.reporter.Progress("stabilize", m.Samples(), p.cfg.StabilityCeiling)
		}
	}

	if m.Phase() == PhaseTimedOut {
		log.Warn("Response did not complete within the poll ceiling, extracting what is there", zap.Int("polls", m.Polls()))
	} else if m.Degraded() {
		log.Warn("Artifact never settled within the sample ceiling, extracting what is there",
			zap.Int("samples", m.Samples()), zap.Int("content_length", m.ContentLength()))
	}
	return snapshot(), nil
}

// tolerate turns a probe failure into nil unless it is session loss or
// cancellation. Pages re-render while generating and probes fail in between.
func (p *Protocol) tolerate(ctx context.Context, err error, log *zap.Logger) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, browser.ErrSessionUnavailable) {
		return err
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	log.Debug("Probe failed, treating as no observation", zap.Error(err))
	return nil
}

// Extract copies the finished response out through the clipboard. Artifact
// content is taken from the artifact's copy control, chat content from the
// response's, falling back to the response overflow menu. The overflow menu
// copies the chat reply, so it is never used for an artifact.
func (p *Protocol) Extract(ctx context.Context) (Result, error) {
	gen := p.current()
	if gen == nil {
		return Result{}, ErrNoGeneration
	}
	p.mu.Lock()
	comp := gen.completion
	p.mu.Unlock()
	if comp == nil {
		return Result{}, fmt.Errorf("%w: completion has not been awaited", ErrNoGeneration)
	}

	text, err := retry.Do(ctx, p.logger, p.retry, func(ctx context.Context) (string, error) {
		text, err := p.copyOut(ctx, comp.Mode)
		if errors.Is(err, browser.ErrSessionUnavailable) {
			return "", retry.Permanent(err)
		}
		return text, err
	})
	if err != nil {
		return Result{}, err
	}

	p.finish(gen)
	p.logger.Info("Result extracted", zap.String("generation_id", gen.id), zap.String("mode", string(comp.Mode)), zap.Int("length", len(text)))
	return Result{GenerationID: gen.id, Text: text, Completion: *comp}, nil
}

func (p *Protocol) copyOut(ctx context.Context, mode Mode) (string, error) {
	if err := p.in.SetClipboardText(ctx, ""); err != nil {
		return "", fmt.Errorf("clear clipboard: %w", err)
	}

	target := p.targets.CopyResponse
	if mode == ModeArtifact {
		target = p.targets.ArtifactCopy
	}
	el, err := p.find.Find(ctx, target)
	if err != nil {
		return "", err
	}
	if el == nil {
		if mode == ModeArtifact {
			return "", browser.NotFound(target.Name)
		}
		if el, err = p.copyFromMenu(ctx, target); err != nil {
			return "", err
		}
	}

	p.logger.Debug("Copying result", zap.String("via", el.Target))
	if err := p.in.ClickElement(ctx, el); err != nil {
		return "", err
	}
	if err := p.clock.Sleep(ctx, p.cfg.ClipboardSettle); err != nil {
		return "", err
	}
	text, err := p.in.ReadClipboard(ctx)
	if err != nil {
		return "", fmt.Errorf("read clipboard: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResult
	}
	return text, nil
}

// copyFromMenu opens the response overflow menu and returns its copy item.
func (p *Protocol) copyFromMenu(ctx context.Context, primary locator.Target) (*browser.Element, error) {
	menu, err := p.find.Find(ctx, p.targets.OverflowMenu)
	if err != nil {
		return nil, err
	}
	if menu == nil {
		return nil, browser.NotFound(primary.Name)
	}
	if err := p.in.ClickElement(ctx, menu); err != nil {
		return nil, err
	}
	if err := p.clock.Sleep(ctx, p.cfg.MenuSettle); err != nil {
		return nil, err
	}
	item, err := p.find.Find(ctx, p.targets.OverflowCopy)
	if err != nil {
		return nil, err
	}
	if item == nil {
		_ = p.in.PressKey(ctx, "Escape")
		return nil, browser.NotFound(p.targets.OverflowCopy.Name)
	}
	return item, nil
}
