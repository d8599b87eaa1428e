// Package input simulates a user at the keyboard and mouse, and moves data
// through the clipboard and the file chooser.
package input

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/xkilldash9x/quill/internal/browser"
	"github.com/xkilldash9x/quill/internal/browser/clipboard"
	"github.com/xkilldash9x/quill/internal/browser/locator"
	"github.com/xkilldash9x/quill/internal/config"
	"github.com/xkilldash9x/quill/internal/content"
)

// Executor is the low-level page surface the controller drives. Each call
// fails with browser.ErrSessionUnavailable when the session is gone.
type Executor interface {
	Sleep(ctx context.Context, d time.Duration) error
	// SendKeys types keys as individual key events.
	SendKeys(ctx context.Context, keys string) error
	// InsertText commits text as if from an input method.
	InsertText(ctx context.Context, text string) error
	DispatchKey(ctx context.Context, ev browser.KeyEvent) error
	DispatchMouse(ctx context.Context, ev browser.MouseEvent) error
	EvaluateInFrame(ctx context.Context, frameID, script string, out any) error
	ArmFileChooser(ctx context.Context) (browser.FileChooser, error)
}

// Controller is the high-level input API used by the chat protocol.
type Controller struct {
	exec   Executor
	clip   clipboard.Clipboard
	cfg    config.InputConfig
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
	// primary is the platform's shortcut modifier.
	primary browser.Modifier
}

// NewController creates a controller. clip may be nil when the caller never
// touches the clipboard.
func NewController(exec Executor, clip clipboard.Clipboard, cfg config.InputConfig, logger *zap.Logger) *Controller {
	primary := browser.ModCtrl
	if runtime.GOOS == "darwin" {
		primary = browser.ModMeta
	}
	return &Controller{
		exec:    exec,
		clip:    clip,
		cfg:     cfg,
		logger:  logger.Named("input"),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		primary: primary,
	}
}

func (c *Controller) keyDelay() time.Duration {
	lo, hi := c.cfg.KeyDelayMin, c.cfg.KeyDelayMax
	if hi <= lo {
		return lo
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo + time.Duration(c.rng.Int63n(int64(hi-lo)+1))
}

// Type enters text one character at a time with a randomized delay drawn
// from the configured band after each character.
func (c *Controller) Type(ctx context.Context, text string) error {
	return c.typeWith(ctx, text, c.keyDelay)
}

// TypeWithDelay enters text with a fixed delay after each character.
func (c *Controller) TypeWithDelay(ctx context.Context, text string, delay time.Duration) error {
	return c.typeWith(ctx, text, func() time.Duration { return delay })
}

func (c *Controller) typeWith(ctx context.Context, text string, delay func() time.Duration) error {
	for _, r := range text {
		var err error
		if r < unicode.MaxASCII {
			err = c.exec.SendKeys(ctx, string(r))
		} else {
			err = c.exec.InsertText(ctx, string(r))
		}
		if err != nil {
			return fmt.Errorf("typing %q: %w", r, err)
		}
		if err := c.exec.Sleep(ctx, delay()); err != nil {
			return err
		}
	}
	return nil
}

var namedKeys = map[string]browser.KeyEvent{
	"Enter":     {Key: "Enter", Code: "Enter", Text: "\r", KeyCode: 13},
	"Tab":       {Key: "Tab", Code: "Tab", KeyCode: 9},
	"Escape":    {Key: "Escape", Code: "Escape", KeyCode: 27},
	"Backspace": {Key: "Backspace", Code: "Backspace", KeyCode: 8},
	"Delete":    {Key: "Delete", Code: "Delete", KeyCode: 46},
	"ArrowDown": {Key: "ArrowDown", Code: "ArrowDown", KeyCode: 40},
	"ArrowUp":   {Key: "ArrowUp", Code: "ArrowUp", KeyCode: 38},
}

// PressKey presses and releases a named key such as "Enter" or "Escape".
func (c *Controller) PressKey(ctx context.Context, name string) error {
	ev, ok := namedKeys[name]
	if !ok {
		return fmt.Errorf("unknown key %q", name)
	}
	return c.exec.DispatchKey(ctx, ev)
}

// Shortcut presses key with the platform's primary modifier held (Meta on
// macOS, Control elsewhere) and runs the given editing commands with it.
func (c *Controller) Shortcut(ctx context.Context, key string, commands ...string) error {
	upper := string(unicode.ToUpper([]rune(key)[0]))
	ev := browser.KeyEvent{
		Key:       key,
		Code:      "Key" + upper,
		KeyCode:   int64(upper[0]),
		Modifiers: c.primary,
		Commands:  commands,
	}
	if err := c.exec.DispatchKey(ctx, ev); err != nil {
		return fmt.Errorf("shortcut %s: %w", key, err)
	}
	return nil
}

// Paste sends the paste shortcut.
func (c *Controller) Paste(ctx context.Context) error {
	return c.Shortcut(ctx, "v", "paste")
}

// SelectAll sends the select-all shortcut.
func (c *Controller) SelectAll(ctx context.Context) error {
	return c.Shortcut(ctx, "a", "selectAll")
}

// ClickAt performs a left click at viewport coordinates.
func (c *Controller) ClickAt(ctx context.Context, x, y float64) error {
	steps := []browser.MouseEvent{
		{Type: browser.MouseMoved, X: x, Y: y},
		{Type: browser.MousePressed, X: x, Y: y, ClickCount: 1},
	}
	for _, ev := range steps {
		if err := c.exec.DispatchMouse(ctx, ev); err != nil {
			return fmt.Errorf("click at (%.0f, %.0f): %w", x, y, err)
		}
	}
	if err := c.exec.Sleep(ctx, c.cfg.ClickHold); err != nil {
		return err
	}
	if err := c.exec.DispatchMouse(ctx, browser.MouseEvent{Type: browser.MouseReleased, X: x, Y: y, ClickCount: 1}); err != nil {
		return fmt.Errorf("click at (%.0f, %.0f): %w", x, y, err)
	}
	return nil
}

// ClickElement clicks a located element. Main-document elements get a real
// mouse click at their center; elements inside frames are clicked from
// script because their rects are frame-relative.
func (c *Controller) ClickElement(ctx context.Context, el *browser.Element) error {
	if el.InMainDocument() {
		x, y := el.Rect.Center()
		return c.ClickAt(ctx, x, y)
	}

	script := fmt.Sprintf(`(() => {
	const el = %s;
	if (!el) return false;
	el.scrollIntoView({ block: "center" });
	el.click();
	return true;
})()`, locator.Expr(el.Selector))

	var clicked bool
	if err := c.exec.EvaluateInFrame(ctx, el.Frame.ID, script, &clicked); err != nil {
		return fmt.Errorf("click %s in frame: %w", el.Target, err)
	}
	if !clicked {
		return browser.NotFound(el.Target)
	}
	return nil
}

// SetClipboardText replaces the clipboard with text.
func (c *Controller) SetClipboardText(ctx context.Context, text string) error {
	return c.clip.WriteText(ctx, text)
}

// SetClipboardHTML replaces the clipboard with html plus a tag-stripped
// plain-text flavor.
func (c *Controller) SetClipboardHTML(ctx context.Context, html string) error {
	plain, err := content.PlainText(html)
	if err != nil {
		c.logger.Debug("Falling back to raw markup for plain clipboard flavor", zap.Error(err))
		plain = html
	}
	return c.clip.WriteHTML(ctx, html, plain)
}

// ReadClipboard returns the clipboard's text.
func (c *Controller) ReadClipboard(ctx context.Context) (string, error) {
	return c.clip.ReadText(ctx)
}

// InterceptFileChooser arms a one-shot file dialog interception, runs
// trigger, and supplies paths to the dialog it opens.
func (c *Controller) InterceptFileChooser(ctx context.Context, trigger func(context.Context) error, paths []string) error {
	chooser, err := c.exec.ArmFileChooser(ctx)
	if err != nil {
		return fmt.Errorf("arming file chooser: %w", err)
	}
	defer chooser.Disarm()

	if err := trigger(ctx); err != nil {
		return fmt.Errorf("triggering file chooser: %w", err)
	}
	if err := chooser.Accept(ctx, paths); err != nil {
		return fmt.Errorf("supplying files: %w", err)
	}
	c.logger.Debug("Files supplied to chooser", zap.Strings("paths", paths))
	return nil
}
