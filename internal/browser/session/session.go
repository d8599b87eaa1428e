// internal/browser/session/session.go
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quill/internal/browser"
)

// Session is one live connection to a browser with a single working page.
// It is exclusively owned by the Manager that created it; every primitive
// fails with browser.ErrSessionUnavailable once the session is closed or the
// browser has gone away.
type Session struct {
	id         string
	logger     *zap.Logger
	port       int
	profileDir string

	// tabCtx is the working page, browserCtx the connection owning it.
	tabCtx        context.Context
	tabCancel     context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	// cmd is the browser process spawned for attach mode.
	cmd *exec.Cmd

	actionTimeout  time.Duration
	chooserTimeout time.Duration

	// cancelTarget closes the target behind a chromedp context.
	cancelTarget func(context.Context) error

	alive     atomic.Bool
	closeOnce sync.Once
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// Port returns the remote-debugging port, or zero in launch mode.
func (s *Session) Port() int { return s.port }

// ProfileDir returns the persistent profile directory, or "" when the
// browser runs on a throwaway profile.
func (s *Session) ProfileDir() string { return s.profileDir }

// Alive reports whether the session can still run commands.
func (s *Session) Alive() bool {
	return s.alive.Load() && s.tabCtx != nil && s.tabCtx.Err() == nil
}

// run executes actions against the working page under the caller's context
// and the action timeout. Failures after the page context died are reported
// as session loss.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	if !s.Alive() {
		return browser.ErrSessionUnavailable
	}
	runCtx, cancel := CombineContext(s.tabCtx, ctx)
	defer cancel()
	if s.actionTimeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, s.actionTimeout)
		defer cancelTimeout()
	}

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if s.tabCtx.Err() != nil {
		s.alive.Store(false)
		return fmt.Errorf("%w: %v", browser.ErrSessionUnavailable, err)
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return err
}

// Navigate loads url in the working page.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

// Evaluate runs script in the main document, awaiting a returned promise,
// and decodes the result into out.
func (s *Session) Evaluate(ctx context.Context, script string, out any) error {
	var raw json.RawMessage
	err := s.run(ctx, chromedp.Evaluate(script, &raw, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true).WithReturnByValue(true)
	}))
	if err != nil {
		return err
	}
	return decodeResult(raw, out)
}

// EvaluateInFrame runs script in an isolated world of the given frame. The
// world shares the frame's DOM but not its scripts.
func (s *Session) EvaluateInFrame(ctx context.Context, frameID, script string, out any) error {
	var raw json.RawMessage
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		execID, err := page.CreateIsolatedWorld(cdp.FrameID(frameID)).WithWorldName("quill").Do(ctx)
		if err != nil {
			return fmt.Errorf("isolated world for frame %s: %w", frameID, err)
		}
		res, exc, err := runtime.Evaluate(script).
			WithContextID(execID).
			WithReturnByValue(true).
			WithAwaitPromise(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("script exception in frame %s: %s", frameID, exc.Text)
		}
		if res == nil || res.Type == runtime.TypeUndefined {
			raw = json.RawMessage("null")
			return nil
		}
		raw = json.RawMessage(res.Value)
		return nil
	}))
	if err != nil {
		return err
	}
	return decodeResult(raw, out)
}

func decodeResult(raw json.RawMessage, out any) error {
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding script result: %w", err)
	}
	return nil
}

// Frames lists every frame in the page, the main document first.
func (s *Session) Frames(ctx context.Context) ([]browser.Frame, error) {
	var tree *page.FrameTree
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		tree, err = page.GetFrameTree().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("frame tree: %w", err)
	}
	return flattenFrames(tree, nil), nil
}

func flattenFrames(t *page.FrameTree, out []browser.Frame) []browser.Frame {
	if t == nil || t.Frame == nil {
		return out
	}
	out = append(out, browser.Frame{
		ID:   string(t.Frame.ID),
		URL:  t.Frame.URL + t.Frame.URLFragment,
		Main: t.Frame.ParentID == "",
	})
	for _, child := range t.ChildFrames {
		out = flattenFrames(child, out)
	}
	return out
}

// SendKeys types keys as key events.
func (s *Session) SendKeys(ctx context.Context, keys string) error {
	return s.run(ctx, chromedp.KeyEvent(keys))
}

// InsertText commits text as a single composition.
func (s *Session) InsertText(ctx context.Context, text string) error {
	return s.run(ctx, input.InsertText(text))
}

// DispatchKey sends a keyDown/keyUp pair.
func (s *Session) DispatchKey(ctx context.Context, ev browser.KeyEvent) error {
	downType := input.KeyRawDown
	if ev.Text != "" {
		downType = input.KeyDown
	}
	mods := input.Modifier(ev.Modifiers)

	down := input.DispatchKeyEvent(downType).
		WithKey(ev.Key).
		WithCode(ev.Code).
		WithWindowsVirtualKeyCode(ev.KeyCode).
		WithNativeVirtualKeyCode(ev.KeyCode).
		WithModifiers(mods)
	if ev.Text != "" {
		down = down.WithText(ev.Text).WithUnmodifiedText(ev.Text)
	}
	if len(ev.Commands) > 0 {
		down = down.WithCommands(ev.Commands)
	}
	up := input.DispatchKeyEvent(input.KeyUp).
		WithKey(ev.Key).
		WithCode(ev.Code).
		WithWindowsVirtualKeyCode(ev.KeyCode).
		WithNativeVirtualKeyCode(ev.KeyCode).
		WithModifiers(mods)

	if err := s.run(ctx, down, up); err != nil {
		return fmt.Errorf("dispatch key %s: %w", ev.Key, err)
	}
	return nil
}

// DispatchMouse sends one left-button mouse event.
func (s *Session) DispatchMouse(ctx context.Context, ev browser.MouseEvent) error {
	p := input.DispatchMouseEvent(input.MouseType(ev.Type), ev.X, ev.Y)
	if ev.Type != browser.MouseMoved {
		p = p.WithButton(input.Left).WithClickCount(ev.ClickCount)
		if ev.Type == browser.MousePressed {
			p = p.WithButtons(1)
		}
	}
	return s.run(ctx, p)
}

// Close releases the page, then the browser context, then the browser
// itself. Every step is attempted even when an earlier one fails; failures
// are logged, never returned. Calling Close again is a no-op.
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.alive.Store(false)

		// Page.
		if s.tabCtx != nil && s.tabCtx != s.browserCtx {
			s.cancelCtx("page", s.tabCtx)
		}
		if s.tabCancel != nil {
			s.tabCancel()
		}

		// Context.
		if s.browserCtx != nil {
			s.cancelCtx("browser context", s.browserCtx)
		}
		if s.browserCancel != nil {
			s.browserCancel()
		}

		// Browser.
		if s.allocCancel != nil {
			s.allocCancel()
		}
		s.stopProcess(ctx)
		s.logger.Info("Browser session closed")
	})
}

func (s *Session) cancelCtx(step string, c context.Context) {
	if s.cancelTarget == nil {
		return
	}
	if err := s.cancelTarget(c); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("Cleanup step failed", zap.String("step", step), zap.Error(err))
	}
}

func (s *Session) stopProcess(ctx context.Context) {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	if err := s.cmd.Process.Kill(); err != nil {
		s.logger.Warn("Cleanup step failed", zap.String("step", "browser process"), zap.Error(err))
		return
	}
	done := make(chan struct{})
	go func() {
		_ = s.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("Browser process did not exit after kill", zap.Int("pid", s.cmd.Process.Pid))
	case <-ctx.Done():
	}
}

// Sleep waits for d unless ctx is cancelled or the session dies first.
func (s *Session) Sleep(ctx context.Context, d time.Duration) error {
	if !s.Alive() {
		return browser.ErrSessionUnavailable
	}
	waitCtx, cancel := CombineContext(ctx, s.tabCtx)
	defer cancel()
	if err := browser.Sleep(waitCtx, d); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return browser.ErrSessionUnavailable
	}
	return nil
}

// WaitForLogin polls ready until it reports true. Running out of time is a
// hard failure: without a logged-in page nothing downstream can work.
func (s *Session) WaitForLogin(ctx context.Context, ready func(context.Context) (bool, error), timeout, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	deadline := time.Now().Add(timeout)
	logged := false
	for {
		ok, err := ready(ctx)
		if err != nil && errors.Is(err, browser.ErrSessionUnavailable) {
			return err
		}
		if ok {
			return nil
		}
		if !logged {
			s.logger.Info("Waiting for the chat page to become usable. Log in in the browser window if prompted.",
				zap.Duration("timeout", timeout))
			logged = true
		}
		if time.Now().Add(interval).After(deadline) {
			return fmt.Errorf("login wait: %w after %s", browser.ErrTimingExceeded, timeout)
		}
		if err := s.Sleep(ctx, interval); err != nil {
			return err
		}
	}
}
