package session

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

//go:embed evasions.js
var evasionsTemplate string

// Persona is the browser identity presented to the chat site.
type Persona struct {
	UserAgent string
	Platform  string
	Languages []string
	Width     int
	Height    int
}

// evasionsScript renders the evasion script for p.
func (p Persona) evasionsScript() string {
	langs, _ := json.Marshal(p.Languages)
	return strings.Replace(evasionsTemplate, "__LANGUAGES__", string(langs), 1)
}

// ApplyPersona returns the tasks that install p on the current tab: the user
// agent override, the fixed viewport and the evasion script on every new
// document.
func ApplyPersona(p Persona, logger *zap.Logger) chromedp.Tasks {
	logger.Debug("Applying browser persona",
		zap.String("user_agent", p.UserAgent),
		zap.Strings("languages", p.Languages),
	)

	tasks := chromedp.Tasks{}
	if p.UserAgent != "" {
		ua := emulation.SetUserAgentOverride(p.UserAgent).WithPlatform(p.Platform)
		if len(p.Languages) > 0 {
			ua = ua.WithAcceptLanguage(strings.Join(p.Languages, ","))
		}
		tasks = append(tasks, ua)
	}
	if p.Width > 0 && p.Height > 0 {
		tasks = append(tasks, chromedp.EmulateViewport(int64(p.Width), int64(p.Height)))
	}
	tasks = append(tasks, chromedp.ActionFunc(func(ctx context.Context) error {
		if _, err := page.AddScriptToEvaluateOnNewDocument(p.evasionsScript()).Do(ctx); err != nil {
			return fmt.Errorf("failed to inject evasions script: %w", err)
		}
		return nil
	}))
	return tasks
}
