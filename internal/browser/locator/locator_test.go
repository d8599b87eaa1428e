package locator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/quill/internal/browser"
)

type probe struct {
	frame    string
	selector string
}

// fakePage answers probe scripts from a static table of which selectors
// exist in which frame. The main document is keyed by "".
type fakePage struct {
	mu         sync.Mutex
	present    map[string][]string
	frames     []browser.Frame
	probes     []probe
	evalErr    error
	framesErr  error
	candidates []string
}

func (p *fakePage) answer(frame, script string, out any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.evalErr != nil {
		return p.evalErr
	}
	matched := ""
	for _, c := range p.candidates {
		if strings.Contains(script, quote(strings.TrimPrefix(c, TextPrefix))) {
			matched = c
			break
		}
	}
	p.probes = append(p.probes, probe{frame: frame, selector: matched})

	res := probeResult{}
	for _, s := range p.present[frame] {
		if s == matched {
			res = probeResult{Found: true, Rect: browser.Rect{X: 1, Y: 2, Width: 30, Height: 10}}
		}
	}
	raw, _ := json.Marshal(res)
	return json.Unmarshal(raw, out)
}

func (p *fakePage) Evaluate(_ context.Context, script string, out any) error {
	return p.answer("", script, out)
}

func (p *fakePage) EvaluateInFrame(_ context.Context, frameID, script string, out any) error {
	return p.answer(frameID, script, out)
}

func (p *fakePage) Frames(context.Context) ([]browser.Frame, error) {
	return p.frames, p.framesErr
}

func newLocator(t *testing.T, page *fakePage) *Locator {
	return New(page, Options{PollInterval: time.Millisecond}, zaptest.NewLogger(t))
}

func TestFind_CandidateOrderFallback(t *testing.T) {
	target := Target{Name: "copy control", Candidates: []string{"#a", "#b", "#c"}}
	page := &fakePage{candidates: target.Candidates, present: map[string][]string{"": {"#b", "#c"}}}

	el, err := newLocator(t, page).Find(context.Background(), target)
	require.NoError(t, err)
	require.NotNil(t, el)
	assert.Equal(t, "#b", el.Selector)
	assert.True(t, el.InMainDocument())
	assert.Equal(t, []probe{{"", "#a"}, {"", "#b"}}, page.probes, "#c must never be probed")
}

func TestFind_FrameFallbackWithURLFilter(t *testing.T) {
	target := Target{
		Name:            "upload action",
		Candidates:      []string{"#upload"},
		FrameURLPattern: "editor",
	}
	page := &fakePage{
		candidates: target.Candidates,
		frames: []browser.Frame{
			{ID: "main", URL: "https://app.example/", Main: true},
			{ID: "F1", URL: "https://ads.example/frame"},
			{ID: "F2", URL: "https://app.example/editor/frame"},
		},
		present: map[string][]string{"F1": {"#upload"}, "F2": {"#upload"}},
	}

	el, err := newLocator(t, page).Find(context.Background(), target)
	require.NoError(t, err)
	require.NotNil(t, el)
	assert.Equal(t, "F2", el.Frame.ID)
	assert.False(t, el.InMainDocument())

	for _, p := range page.probes {
		assert.NotEqual(t, "F1", p.frame, "frames outside the URL filter must not be searched")
	}
	assert.Equal(t, probe{"", "#upload"}, page.probes[0], "main document is searched first")
}

func TestFind_NotFoundIsNotAnError(t *testing.T) {
	target := Target{Name: "nothing", Candidates: []string{"#x", "text=Missing"}}
	page := &fakePage{candidates: target.Candidates, frames: []browser.Frame{{ID: "F1", URL: "about:blank"}}}

	l := newLocator(t, page)
	el, err := l.Find(context.Background(), target)
	require.NoError(t, err)
	assert.Nil(t, el)

	_, err = l.Require(context.Background(), target)
	var nf *browser.ElementNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nothing", nf.Target)
}

func TestFind_MainOnlySkipsFrames(t *testing.T) {
	target := Target{Name: "editor", Candidates: []string{"#editor"}, Scope: ScopeMainOnly}
	page := &fakePage{
		candidates: target.Candidates,
		frames:     []browser.Frame{{ID: "F1"}},
		present:    map[string][]string{"F1": {"#editor"}},
		framesErr:  errors.New("frames must not be listed"),
	}

	el, err := newLocator(t, page).Find(context.Background(), target)
	require.NoError(t, err)
	assert.Nil(t, el)
}

func TestFind_TextCandidate(t *testing.T) {
	target := Target{Name: "upload", Candidates: []string{"text=Upload a file"}}
	page := &fakePage{candidates: target.Candidates, present: map[string][]string{"": {"text=Upload a file"}}}

	el, err := newLocator(t, page).Find(context.Background(), target)
	require.NoError(t, err)
	require.NotNil(t, el)
	assert.Equal(t, "text=Upload a file", el.Selector)
}

func TestFind_SessionLossPropagates(t *testing.T) {
	target := Target{Name: "editor", Candidates: []string{"#editor"}}
	page := &fakePage{candidates: target.Candidates, evalErr: fmt.Errorf("evaluate: %w", browser.ErrSessionUnavailable)}

	_, err := newLocator(t, page).Find(context.Background(), target)
	assert.ErrorIs(t, err, browser.ErrSessionUnavailable)
}

func TestWaitVisible(t *testing.T) {
	page := &fakePage{candidates: []string{"#ready"}, present: map[string][]string{"": {"#ready"}}}
	l := newLocator(t, page)

	ok, err := l.WaitVisible(context.Background(), "#ready", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	page.present = nil
	ok, err = l.WaitVisible(context.Background(), "#ready", 5*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, len(page.probes), 2, "it should poll until the timeout")
}

func TestWaitVisible_Cancelled(t *testing.T) {
	page := &fakePage{candidates: []string{"#never"}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newLocator(t, page).WaitVisible(ctx, "#never", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
