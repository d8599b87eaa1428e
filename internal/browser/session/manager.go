package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quill/internal/browser"
	"github.com/xkilldash9x/quill/internal/config"
)

// Manager owns at most one browser session at a time and guarantees that
// everything it starts is released again.
type Manager struct {
	cfg     config.BrowserConfig
	input   config.InputConfig
	chatURL string
	logger  *zap.Logger

	mu      sync.Mutex
	current *Session

	// Seams for tests; nil means the real implementation.
	stat     func(string) (os.FileInfo, error)
	lookPath func(string) (string, error)
	portFree func(int) bool
	launcher func(ctx context.Context, plan LaunchPlan) (*Session, error)
}

// NewManager creates a session manager.
func NewManager(cfg *config.Config, logger *zap.Logger) *Manager {
	m := &Manager{
		cfg:     cfg.Browser,
		input:   cfg.Input,
		chatURL: cfg.Chat.URL,
		logger:  logger.Named("session_manager"),
	}
	m.launcher = m.launch
	return m
}

// Current returns the live session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.Alive() {
		return m.current
	}
	return nil
}

// Open establishes a session in the configured mode, reusing a live one.
func (m *Manager) Open(ctx context.Context) (*Session, error) {
	if s := m.Current(); s != nil {
		return s, nil
	}
	if m.cfg.Mode == config.ModeAttach {
		return m.OpenAttached(ctx)
	}
	return m.Initialize(ctx)
}

// Initialize launches a local browser. The configured binaries are tried in
// order and the first existing one is launched with the full flag set. If
// that fails, a browser found on PATH is launched with reduced flags.
func (m *Manager) Initialize(ctx context.Context) (*Session, error) {
	candidates := m.cfg.Binaries
	if len(candidates) == 0 {
		candidates = DefaultBinaries()
	}

	var primaryErr error
	binary, err := FindBrowserBinary(candidates, m.stat)
	if err == nil {
		s, err := m.launcher(ctx, NewLaunchPlan(m.cfg, binary, false))
		if err == nil {
			return m.adopt(s), nil
		}
		primaryErr = err
		m.logger.Warn("Browser launch failed, retrying with reduced flags", zap.String("binary", binary), zap.Error(err))
	} else {
		primaryErr = err
		m.logger.Warn("No configured browser binary found", zap.Strings("candidates", candidates))
	}
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}

	fallback, err := LookupSystemBinary(m.cfg.FallbackNames, m.lookPath)
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", errors.Join(primaryErr, err))
	}
	s, err := m.launcher(ctx, NewLaunchPlan(m.cfg, fallback, true))
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", errors.Join(primaryErr, err))
	}
	return m.adopt(s), nil
}

func (m *Manager) adopt(s *Session) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = s
	m.logger.Info("Browser session ready", zap.String("session_id", s.id), zap.Int("port", s.port))
	return s
}

func (m *Manager) newSession() *Session {
	id := uuid.New().String()
	s := &Session{
		id:             id,
		logger:         m.logger.Named("session").With(zap.String("session_id", id)),
		actionTimeout:  m.cfg.ActionTimeout,
		chooserTimeout: m.input.ChooserTimeout,
		cancelTarget:   chromedp.Cancel,
	}
	return s
}

// launch starts a browser from plan and returns a ready session, releasing
// everything it created when any step fails.
func (m *Manager) launch(ctx context.Context, plan LaunchPlan) (*Session, error) {
	log := m.logger.With(zap.String("binary", plan.Binary), zap.Bool("reduced", plan.Reduced))
	log.Info("Launching browser")

	s := m.newSession()
	allocCtx, allocCancel := chromedp.NewExecAllocator(Detach(ctx), plan.AllocatorOptions()...)
	s.browserCtx, s.browserCancel = chromedp.NewContext(allocCtx)
	s.tabCtx, s.tabCancel = chromedp.NewContext(s.browserCtx)
	s.allocCancel = allocCancel

	if err := m.start(ctx, s); err != nil {
		s.Close(ctx)
		return nil, err
	}

	if !plan.Reduced {
		persona := Persona{
			UserAgent: plan.UserAgent,
			Platform:  "Win32",
			Languages: []string{"ko-KR", "ko", "en-US", "en"},
			Width:     plan.Width,
			Height:    plan.Height,
		}
		if err := s.run(ctx, ApplyPersona(persona, log)); err != nil {
			s.Close(ctx)
			return nil, fmt.Errorf("apply persona: %w", err)
		}
	}

	if err := m.prepare(ctx, s); err != nil {
		s.Close(ctx)
		return nil, err
	}
	return s, nil
}

// start attaches to the page under the launch timeout. The first Run binds
// the CDP session to tabCtx, so tabCtx itself must not carry the timeout.
func (m *Manager) start(ctx context.Context, s *Session) error {
	timeout := m.cfg.LaunchTimeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}

	done := make(chan error, 1)
	go func() { done <- chromedp.Run(s.tabCtx) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("start browser: %w", err)
		}
	case <-timer.C:
		return fmt.Errorf("start browser: timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	s.alive.Store(true)
	return nil
}

// prepare grants clipboard access and opens the chat application.
func (m *Manager) prepare(ctx context.Context, s *Session) error {
	if err := m.grantClipboard(ctx, s); err != nil {
		return err
	}
	if m.chatURL == "" {
		return nil
	}
	return s.Navigate(ctx, m.chatURL)
}

func (m *Manager) grantClipboard(ctx context.Context, s *Session) error {
	perms := []cdpbrowser.PermissionType{
		cdpbrowser.PermissionTypeClipboardReadWrite,
		cdpbrowser.PermissionTypeClipboardSanitizedWrite,
	}
	origin := ""
	if u, err := url.Parse(m.chatURL); err == nil && u.Host != "" {
		origin = u.Scheme + "://" + u.Host
	}

	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		c := chromedp.FromContext(ctx)
		grant := cdpbrowser.GrantPermissions(perms)
		if origin != "" {
			grant = grant.WithOrigin(origin)
		}
		return grant.Do(cdp.WithExecutor(ctx, c.Browser))
	}))
	if err != nil {
		return fmt.Errorf("grant clipboard permissions: %w", err)
	}
	return nil
}

// OpenAttached spawns a full browser with a remote-debugging port and a
// persistent profile, connects to it, and opens the chat application in its
// existing tab when there is one.
func (m *Manager) OpenAttached(ctx context.Context) (*Session, error) {
	at := m.cfg.Attach

	port, err := FindFreePort(at.BasePort, at.PortRange, m.portFree)
	if err != nil {
		return nil, err
	}

	binary := at.Binary
	if binary == "" {
		candidates := m.cfg.Binaries
		if len(candidates) == 0 {
			candidates = DefaultBinaries()
		}
		if binary, err = FindBrowserBinary(candidates, m.stat); err != nil {
			if binary, err = LookupSystemBinary(m.cfg.FallbackNames, m.lookPath); err != nil {
				return nil, err
			}
		}
	}

	if err := os.MkdirAll(m.cfg.ProfileDir, 0o755); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	s := m.newSession()
	s.port = port
	s.profileDir = m.cfg.ProfileDir

	cmd := exec.Command(binary,
		"--remote-debugging-port="+strconv.Itoa(port),
		"--user-data-dir="+m.cfg.ProfileDir,
		"--no-first-run",
		"--no-default-browser-check",
	)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn browser %s: %w", binary, err)
	}
	s.cmd = cmd
	m.logger.Info("Spawned browser for attach", zap.String("binary", binary), zap.Int("port", port), zap.Int("pid", cmd.Process.Pid))

	if err := m.attach(ctx, s); err != nil {
		s.Close(ctx)
		return nil, err
	}
	return m.adopt(s), nil
}

func (m *Manager) attach(ctx context.Context, s *Session) error {
	at := m.cfg.Attach
	if err := browser.Sleep(ctx, at.SettleTime); err != nil {
		return err
	}

	ep := newDebugEndpoint(s.port)
	readyCtx := ctx
	if at.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		readyCtx, cancel = context.WithTimeout(ctx, at.ConnectTimeout)
		defer cancel()
	}
	if err := ep.waitReady(readyCtx, 500*time.Millisecond); err != nil {
		return err
	}

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(Detach(ctx), ep.wsURL())
	s.allocCancel = allocCancel

	prefer := ""
	if u, err := url.Parse(m.chatURL); err == nil {
		prefer = u.Host
	}
	tab, found, err := ep.firstPage(readyCtx, prefer)
	if err != nil {
		m.logger.Debug("Could not list open tabs, opening a new one", zap.Error(err))
	}
	if found {
		s.tabCtx, s.tabCancel = chromedp.NewContext(allocCtx, chromedp.WithTargetID(target.ID(tab.ID)))
		m.logger.Debug("Reusing open tab", zap.String("url", tab.URL))
	} else {
		s.tabCtx, s.tabCancel = chromedp.NewContext(allocCtx)
	}
	// The tab context is also the connection owner here.
	s.browserCtx = s.tabCtx

	if err := m.start(ctx, s); err != nil {
		return err
	}
	return m.prepare(ctx, s)
}

// Cleanup closes the current session. It never fails and is safe to call
// any number of times.
func (m *Manager) Cleanup(ctx context.Context) {
	m.mu.Lock()
	s := m.current
	m.current = nil
	m.mu.Unlock()

	if s != nil {
		s.Close(ctx)
	}
}
