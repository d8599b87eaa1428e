package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/quill/internal/browser"
	"github.com/xkilldash9x/quill/internal/browser/locator"
)

// Page is the slice of a browser session the probes evaluate scripts in.
type Page interface {
	Evaluate(ctx context.Context, script string, out any) error
	EvaluateInFrame(ctx context.Context, frameID, script string, out any) error
}

// Finder resolves a logical target. It returns (nil, nil) when nothing
// matches.
type Finder interface {
	Find(ctx context.Context, t locator.Target) (*browser.Element, error)
}

// Prober observes the page while a response is produced.
type Prober interface {
	// Observe reports whether an artifact is showing and whether the chat
	// response looks complete.
	Observe(ctx context.Context) (Observation, error)
	ArtifactPresent(ctx context.Context) (bool, error)
	// SampleArtifact returns the artifact's current text, or "" when there
	// is none yet.
	SampleArtifact(ctx context.Context) (string, error)
}

// Completion signals, strongest first.
const (
	signalState     = "state"
	signalCopy      = "copy"
	signalHeuristic = "heuristic"
)

// DOMProber implements Prober with scripts evaluated in the page. The finder
// it is given should check each candidate once rather than wait for it.
type DOMProber struct {
	page    Page
	find    Finder
	targets Targets
	logger  *zap.Logger

	completionJS string
}

// NewDOMProber creates a prober for targets.
func NewDOMProber(page Page, find Finder, targets Targets, logger *zap.Logger) *DOMProber {
	return &DOMProber{
		page:         page,
		find:         find,
		targets:      targets,
		logger:       logger.Named("probe"),
		completionJS: completionScript(targets),
	}
}

type completionResult struct {
	Complete bool   `json:"complete"`
	Signal   string `json:"signal"`
}

func (p *DOMProber) Observe(ctx context.Context) (Observation, error) {
	artifact, err := p.ArtifactPresent(ctx)
	if err != nil {
		return Observation{}, err
	}

	var res completionResult
	if err := p.page.Evaluate(ctx, p.completionJS, &res); err != nil {
		return Observation{Artifact: artifact}, fmt.Errorf("completion probe: %w", err)
	}
	if res.Complete && res.Signal == signalHeuristic {
		p.logger.Debug("Completion inferred from page text and spinners, best effort")
	}
	return Observation{Artifact: artifact, Complete: res.Complete}, nil
}

func (p *DOMProber) ArtifactPresent(ctx context.Context) (bool, error) {
	el, err := p.find.Find(ctx, p.targets.ArtifactPanel)
	if err != nil {
		return false, err
	}
	return el != nil, nil
}

func (p *DOMProber) SampleArtifact(ctx context.Context) (string, error) {
	el, err := p.find.Find(ctx, p.targets.ArtifactContent)
	if err != nil || el == nil {
		return "", err
	}

	script := fmt.Sprintf(`(() => {
	const el = %s;
	return el ? (el.innerText || el.textContent || "") : "";
})()`, locator.Expr(el.Selector))

	var text string
	if el.InMainDocument() {
		err = p.page.Evaluate(ctx, script, &text)
	} else {
		err = p.page.EvaluateInFrame(ctx, el.Frame.ID, script, &text)
	}
	if err != nil {
		return "", fmt.Errorf("sampling artifact: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// statusTextLimit bounds the length of a node that can be a status line.
// Longer text is response content, even when it mentions a status word.
const statusTextLimit = 40

// completionScript renders the completion cascade: the streaming state
// attribute, then an enabled copy control next to the last response, then
// the localized text and spinner heuristic. The heuristic is best effort: a
// status is a short node that is exactly a known in-progress text, or starts
// with one and ends in an ellipsis, and any visible spinner means busy.
func completionScript(t Targets) string {
	var copySelectors []string
	for _, c := range t.CopyResponse.Candidates {
		if !strings.HasPrefix(c, locator.TextPrefix) {
			copySelectors = append(copySelectors, c)
		}
	}
	params, _ := json.Marshal(map[string]any{
		"attr":      t.StreamingAttr,
		"responses": t.ResponseSelectors,
		"users":     t.UserMessageSelectors,
		"spinners":  t.SpinnerSelectors,
		"texts":     t.InProgressTexts,
		"copy":      copySelectors,

		"statusLimit": statusTextLimit,
	})

	return fmt.Sprintf(`(() => {
	const cfg = %s;
	const visible = (el) => {
		if (!el) return false;
		const r = el.getBoundingClientRect();
		return r.width > 0 && r.height > 0;
	};
	const all = (sels) => {
		for (const s of sels || []) {
			try {
				const found = document.querySelectorAll(s);
				if (found.length) return Array.from(found);
			} catch (e) {}
		}
		return [];
	};
	const union = (sels) => {
		const out = new Set();
		for (const s of sels || []) {
			try {
				document.querySelectorAll(s).forEach((el) => out.add(el));
			} catch (e) {}
		}
		return Array.from(out);
	};
	const texts = (cfg.texts || []).map((s) => s.toLowerCase());
	const isStatus = (raw) => {
		const t = (raw || "").trim().toLowerCase();
		if (!t || t.length > cfg.statusLimit) return false;
		if (/^(\.{2,}|…)+$/.test(t)) return true;
		const bare = t.replace(/[\s.…]+$/, "");
		const trailing = /(\.\.\.|…)$/.test(t);
		return texts.some((s) => bare === s || (trailing && t.startsWith(s)));
	};

	if (cfg.attr) {
		const marked = document.querySelectorAll("[" + cfg.attr + "]");
		if (marked.length) {
			const last = marked[marked.length - 1];
			return last.getAttribute(cfg.attr) === "false"
				? { complete: true, signal: %q }
				: { complete: false, signal: "streaming" };
		}
	}

	const responses = all(cfg.responses);
	const lastResponse = responses[responses.length - 1];
	if (lastResponse) {
		const scope = lastResponse.parentElement || lastResponse;
		for (const s of cfg.copy || []) {
			try {
				const b = scope.querySelector(s);
				if (b && !b.disabled && visible(b)) return { complete: true, signal: %q };
			} catch (e) {}
		}
	}

	const users = all(cfg.users);
	const lastUser = users[users.length - 1];
	if (lastUser) {
		let n = lastUser.nextElementSibling || (lastUser.parentElement && lastUser.parentElement.nextElementSibling);
		while (n) {
			const text = (n.innerText || "").trim();
			if (text) {
				let busy = isStatus(text.split("\n")[0]);
				if (!busy) {
					for (const el of n.querySelectorAll("*")) {
						if (el.children.length === 0 && isStatus(el.textContent)) {
							busy = true;
							break;
						}
					}
				}
				const spinning = union(cfg.spinners).some(visible);
				return { complete: !busy && !spinning, signal: %q };
			}
			n = n.nextElementSibling;
		}
	}
	return { complete: false, signal: "none" };
})()`, params, signalState, signalCopy, signalHeuristic)
}
