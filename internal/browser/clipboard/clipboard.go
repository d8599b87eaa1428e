// Package clipboard moves text in and out of the clipboard the controlled
// page pastes from and copies to.
package clipboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/atotto/clipboard"
	"go.uber.org/zap"
)

// Clipboard is the contract used by the input layer.
type Clipboard interface {
	WriteText(ctx context.Context, text string) error
	// WriteHTML stores a rich payload together with its plain-text rendering
	// for targets that only accept text.
	WriteHTML(ctx context.Context, html, plain string) error
	ReadText(ctx context.Context) (string, error)
}

// Evaluator runs a script in the page's main document and decodes its
// (awaited) result into out.
type Evaluator interface {
	Evaluate(ctx context.Context, script string, out any) error
}

// ErrUnsupported is returned by System when no OS clipboard utility exists.
var ErrUnsupported = errors.New("system clipboard unsupported")

// Browser uses the page's async Clipboard API. The session must hold the
// clipboard read/write permission grants.
type Browser struct {
	eval Evaluator
}

// NewBrowser returns a clipboard backed by navigator.clipboard.
func NewBrowser(eval Evaluator) *Browser {
	return &Browser{eval: eval}
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func (b *Browser) WriteText(ctx context.Context, text string) error {
	script := fmt.Sprintf(`navigator.clipboard.writeText(%s).then(() => true)`, quote(text))
	var ok bool
	if err := b.eval.Evaluate(ctx, script, &ok); err != nil {
		return fmt.Errorf("write clipboard text: %w", err)
	}
	return nil
}

func (b *Browser) WriteHTML(ctx context.Context, html, plain string) error {
	script := fmt.Sprintf(`(async () => {
	const item = new ClipboardItem({
		"text/html": new Blob([%s], { type: "text/html" }),
		"text/plain": new Blob([%s], { type: "text/plain" }),
	});
	await navigator.clipboard.write([item]);
	return true;
})()`, quote(html), quote(plain))
	var ok bool
	if err := b.eval.Evaluate(ctx, script, &ok); err != nil {
		return fmt.Errorf("write clipboard html: %w", err)
	}
	return nil
}

func (b *Browser) ReadText(ctx context.Context) (string, error) {
	var text string
	if err := b.eval.Evaluate(ctx, `navigator.clipboard.readText()`, &text); err != nil {
		return "", fmt.Errorf("read clipboard text: %w", err)
	}
	return text, nil
}

// System uses the operating system clipboard. It only carries plain text,
// so HTML writes store the plain rendering.
type System struct {
	logger *zap.Logger
}

// NewSystem returns a clipboard backed by the OS clipboard utilities.
func NewSystem(logger *zap.Logger) *System {
	return &System{logger: logger.Named("clipboard.system")}
}

func (s *System) WriteText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if clipboard.Unsupported {
		return ErrUnsupported
	}
	if err := clipboard.WriteAll(text); err != nil {
		return fmt.Errorf("write system clipboard: %w", err)
	}
	return nil
}

func (s *System) WriteHTML(ctx context.Context, html, plain string) error {
	s.logger.Debug("System clipboard has no rich payloads, writing plain text", zap.Int("html_len", len(html)))
	return s.WriteText(ctx, plain)
}

func (s *System) ReadText(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if clipboard.Unsupported {
		return "", ErrUnsupported
	}
	text, err := clipboard.ReadAll()
	if err != nil {
		return "", fmt.Errorf("read system clipboard: %w", err)
	}
	return text, nil
}
