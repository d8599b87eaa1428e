package session

import (
	"runtime"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/quill/internal/config"
)

// Flag is one browser command-line switch. A bool Value of true renders as
// a bare switch, false suppresses it.
type Flag struct {
	Name  string
	Value interface{}
}

// LaunchPlan is everything needed to start a browser in launch mode. It is
// plain data so the flag set can be inspected without starting anything.
type LaunchPlan struct {
	Binary    string
	Reduced   bool
	Headless  bool
	Width     int
	Height    int
	UserAgent string
	Flags     []Flag
}

// evasionFlags hide the automation markers a chat site is likely to check.
var evasionFlags = []Flag{
	{"disable-blink-features", "AutomationControlled"},
	{"disable-infobars", true},
	{"no-first-run", true},
	{"no-default-browser-check", true},
	{"disable-popup-blocking", true},
	{"disable-features", "Translate,OptimizationHints,MediaRouter"},
	{"lang", "ko-KR"},
}

// NewLaunchPlan builds the full plan for binary. A reduced plan keeps only
// what the automation needs to work, for browsers that refuse the full flag
// set.
func NewLaunchPlan(cfg config.BrowserConfig, binary string, reduced bool) LaunchPlan {
	p := LaunchPlan{
		Binary:    binary,
		Reduced:   reduced,
		Headless:  cfg.Headless,
		Width:     cfg.Viewport.Width,
		Height:    cfg.Viewport.Height,
		UserAgent: cfg.UserAgent,
	}

	if !reduced {
		p.Flags = append(p.Flags, evasionFlags...)
		for _, arg := range cfg.Args {
			name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
			if hasValue {
				p.Flags = append(p.Flags, Flag{name, value})
			} else {
				p.Flags = append(p.Flags, Flag{name, true})
			}
		}
	}

	if runtime.GOOS == "linux" {
		p.Flags = append(p.Flags,
			Flag{"no-sandbox", true},
			Flag{"disable-dev-shm-usage", true},
		)
	}
	return p
}

// Has reports whether the plan sets the named flag.
func (p LaunchPlan) Has(name string) bool {
	for _, f := range p.Flags {
		if f.Name == name {
			return true
		}
	}
	return false
}

// AllocatorOptions renders the plan as chromedp exec allocator options on
// top of the chromedp defaults, minus the automation switch.
func (p LaunchPlan) AllocatorOptions() []chromedp.ExecAllocatorOption {
	opts := make([]chromedp.ExecAllocatorOption, 0, len(chromedp.DefaultExecAllocatorOptions)+len(p.Flags)+5)
	opts = append(opts, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.Flag("enable-automation", false))

	if p.Binary != "" {
		opts = append(opts, chromedp.ExecPath(p.Binary))
	}
	opts = append(opts, chromedp.Flag("headless", p.Headless))
	if p.Width > 0 && p.Height > 0 {
		opts = append(opts, chromedp.WindowSize(p.Width, p.Height))
	}
	if p.UserAgent != "" && !p.Reduced {
		opts = append(opts, chromedp.UserAgent(p.UserAgent))
	}
	for _, f := range p.Flags {
		opts = append(opts, chromedp.Flag(f.Name, f.Value))
	}
	return opts
}
