package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quill/internal/browser"
)

// fileChooser intercepts the next native file dialog of the working page.
type fileChooser struct {
	s       *Session
	opened  chan cdp.BackendNodeID
	stop    context.CancelFunc
	timeout time.Duration
	once    sync.Once
}

// ArmFileChooser starts intercepting file dialogs. The returned chooser must
// be armed before the click that opens the dialog, otherwise the native
// dialog appears and blocks the page.
func (s *Session) ArmFileChooser(ctx context.Context) (browser.FileChooser, error) {
	if !s.Alive() {
		return nil, browser.ErrSessionUnavailable
	}

	listenCtx, stop := context.WithCancel(s.tabCtx)
	fc := &fileChooser{
		s:       s,
		opened:  make(chan cdp.BackendNodeID, 1),
		stop:    stop,
		timeout: s.chooserTimeout,
	}
	chromedp.ListenTarget(listenCtx, func(ev interface{}) {
		if e, ok := ev.(*page.EventFileChooserOpened); ok {
			select {
			case fc.opened <- e.BackendNodeID:
			default:
			}
		}
	})

	if err := s.run(ctx, page.SetInterceptFileChooserDialog(true)); err != nil {
		stop()
		return nil, fmt.Errorf("enable file chooser interception: %w", err)
	}
	return fc, nil
}

// Accept waits for the dialog and hands it paths.
func (fc *fileChooser) Accept(ctx context.Context, paths []string) error {
	abs := make([]string, 0, len(paths))
	for _, p := range paths {
		a, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", p, err)
		}
		abs = append(abs, a)
	}

	timeout := fc.timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var node cdp.BackendNodeID
	select {
	case node = <-fc.opened:
	case <-ctx.Done():
		return ctx.Err()
	case <-fc.s.tabCtx.Done():
		return browser.ErrSessionUnavailable
	case <-timer.C:
		return fmt.Errorf("file chooser did not open: %w after %s", browser.ErrTimingExceeded, timeout)
	}

	if err := fc.s.run(ctx, dom.SetFileInputFiles(abs).WithBackendNodeID(node)); err != nil {
		return fmt.Errorf("set input files: %w", err)
	}
	return nil
}

// Disarm stops the interception so later dialogs behave normally again.
func (fc *fileChooser) Disarm() {
	fc.once.Do(func() {
		fc.stop()
		if !fc.s.Alive() {
			return
		}
		if err := fc.s.run(Detach(fc.s.tabCtx), page.SetInterceptFileChooserDialog(false)); err != nil {
			fc.s.logger.Debug("Could not disable file chooser interception", zap.Error(err))
		}
	})
}
