// Package locator resolves logical UI targets to live DOM nodes by trying an
// ordered list of candidate selectors across the main document and its
// sub-frames.
package locator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/quill/internal/browser"
)

// Scope restricts which documents a target is searched in.
type Scope int

const (
	// ScopeAny searches the main document first, then every sub-frame.
	ScopeAny Scope = iota
	// ScopeMainOnly never descends into frames.
	ScopeMainOnly
	// ScopeFramesOnly skips the main document.
	ScopeFramesOnly
)

// TextPrefix marks a candidate that matches clickable elements by their
// visible text instead of by CSS.
const TextPrefix = "text="

// Target is a logical UI element with its candidate selectors. Candidates
// are tried in declaration order and the first match wins.
type Target struct {
	Name       string
	Candidates []string
	Scope      Scope
	// FrameURLPattern, when set, limits frame search to frames whose URL
	// contains it.
	FrameURLPattern string
}

// Evaluator is the slice of a browser session the locator needs.
type Evaluator interface {
	Evaluate(ctx context.Context, script string, out any) error
	EvaluateInFrame(ctx context.Context, frameID, script string, out any) error
	Frames(ctx context.Context) ([]browser.Frame, error)
}

// Options bound how long each candidate is given.
type Options struct {
	// CandidateTimeout is how long a main-document candidate is polled
	// before moving on. Zero checks once.
	CandidateTimeout time.Duration
	// FrameCandidateTimeout is the same bound for frame candidates.
	FrameCandidateTimeout time.Duration
	PollInterval          time.Duration
}

// Locator performs ordered multi-frame lookups.
type Locator struct {
	eval   Evaluator
	opts   Options
	logger *zap.Logger
}

// New creates a Locator.
func New(eval Evaluator, opts Options, logger *zap.Logger) *Locator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	return &Locator{eval: eval, opts: opts, logger: logger.Named("locator")}
}

type probeResult struct {
	Found bool         `json:"found"`
	Rect  browser.Rect `json:"rect"`
}

// Find resolves t. It returns (nil, nil) when no candidate matches anywhere;
// an error means the search itself could not run, for example because the
// session is gone.
func (l *Locator) Find(ctx context.Context, t Target) (*browser.Element, error) {
	if t.Scope != ScopeFramesOnly {
		main := browser.Frame{Main: true}
		for _, c := range t.Candidates {
			el, err := l.probeUntil(ctx, t, c, main, l.opts.CandidateTimeout)
			if err != nil || el != nil {
				return el, err
			}
		}
	}
	if t.Scope == ScopeMainOnly {
		return nil, nil
	}

	frames, err := l.eval.Frames(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing frames for %s: %w", t.Name, err)
	}
	for _, f := range frames {
		if f.Main {
			continue
		}
		if t.FrameURLPattern != "" && !strings.Contains(f.URL, t.FrameURLPattern) {
			continue
		}
		for _, c := range t.Candidates {
			el, err := l.probeUntil(ctx, t, c, f, l.opts.FrameCandidateTimeout)
			if err != nil || el != nil {
				return el, err
			}
		}
	}

	l.logger.Debug("Target not found", zap.String("target", t.Name), zap.Int("candidates", len(t.Candidates)))
	return nil, nil
}

// Require is Find with exhaustion turned into an ElementNotFoundError.
func (l *Locator) Require(ctx context.Context, t Target) (*browser.Element, error) {
	el, err := l.Find(ctx, t)
	if err != nil {
		return nil, err
	}
	if el == nil {
		return nil, browser.NotFound(t.Name)
	}
	return el, nil
}

// WaitVisible polls the main document until selector exists with a non-zero
// size or timeout elapses.
func (l *Locator) WaitVisible(ctx context.Context, selector string, timeout time.Duration) (bool, error) {
	el, err := l.probeUntil(ctx, Target{Name: selector}, selector, browser.Frame{Main: true}, timeout)
	if err != nil {
		return false, err
	}
	return el != nil, nil
}

func (l *Locator) probeUntil(ctx context.Context, t Target, candidate string, f browser.Frame, timeout time.Duration) (*browser.Element, error) {
	deadline := time.Now().Add(timeout)
	for {
		res, err := l.probe(ctx, candidate, f)
		switch {
		case err != nil && errors.Is(err, browser.ErrSessionUnavailable):
			return nil, err
		case err != nil:
			if cerr := ctx.Err(); cerr != nil {
				return nil, cerr
			}
			// Frames detach and documents navigate mid-search; treat as no match.
			l.logger.Debug("Probe failed", zap.String("candidate", candidate), zap.String("frame", f.URL), zap.Error(err))
		case res.Found && res.Rect.Visible():
			return &browser.Element{Target: t.Name, Selector: candidate, Frame: f, Rect: res.Rect}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := l.opts.PollInterval
		if wait > remaining {
			wait = remaining
		}
		if err := browser.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func (l *Locator) probe(ctx context.Context, candidate string, f browser.Frame) (probeResult, error) {
	script := fmt.Sprintf(`(() => {
	const el = %s;
	if (!el) return { found: false };
	const r = el.getBoundingClientRect();
	return { found: true, rect: { x: r.x, y: r.y, width: r.width, height: r.height } };
})()`, Expr(candidate))

	var res probeResult
	var err error
	if f.Main || f.ID == "" {
		err = l.eval.Evaluate(ctx, script, &res)
	} else {
		err = l.eval.EvaluateInFrame(ctx, f.ID, script, &res)
	}
	return res, err
}

// Expr returns a JavaScript expression that evaluates to the first element
// matching candidate in the current document, or null.
func Expr(candidate string) string {
	if text, ok := strings.CutPrefix(candidate, TextPrefix); ok {
		return fmt.Sprintf(`Array.from(document.querySelectorAll('button, [role="button"], [role="menuitem"], a, label'))
		.find(n => (n.innerText || n.textContent || "").trim().includes(%s)) || null`, quote(text))
	}
	return fmt.Sprintf(`document.querySelector(%s)`, quote(candidate))
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
