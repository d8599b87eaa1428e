package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/xkilldash9x/quill/internal/browser"
)

// devtoolsTarget is one entry of the DevTools HTTP /json/list endpoint.
type devtoolsTarget struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	Title                string `json:"title"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// debugEndpoint talks to the DevTools HTTP endpoint of a browser on a local
// remote-debugging port.
type debugEndpoint struct {
	base   string
	client *http.Client
}

func newDebugEndpoint(port int) *debugEndpoint {
	return &debugEndpoint{
		base:   fmt.Sprintf("http://127.0.0.1:%d", port),
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// wsURL is the browser-level websocket address chromedp's remote allocator
// accepts.
func (e *debugEndpoint) wsURL() string {
	return "ws" + strings.TrimPrefix(e.base, "http")
}

func (e *debugEndpoint) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("devtools %s returned %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// waitReady polls /json/version until the browser answers or ctx ends.
func (e *debugEndpoint) waitReady(ctx context.Context, interval time.Duration) error {
	for {
		var v map[string]any
		if err := e.get(ctx, "/json/version", &v); err == nil {
			return nil
		}
		if err := browser.Sleep(ctx, interval); err != nil {
			return fmt.Errorf("devtools endpoint %s not ready: %w", e.base, err)
		}
	}
}

// firstPage returns the first open page target, preferring one whose URL
// contains prefer. ok is false when the browser has no page open.
func (e *debugEndpoint) firstPage(ctx context.Context, prefer string) (devtoolsTarget, bool, error) {
	var targets []devtoolsTarget
	if err := e.get(ctx, "/json/list", &targets); err != nil {
		return devtoolsTarget{}, false, err
	}
	var first *devtoolsTarget
	for i := range targets {
		t := &targets[i]
		if t.Type != "page" || strings.HasPrefix(t.URL, "devtools://") {
			continue
		}
		if prefer != "" && strings.Contains(t.URL, prefer) {
			return *t, true, nil
		}
		if first == nil {
			first = t
		}
	}
	if first == nil {
		return devtoolsTarget{}, false, nil
	}
	return *first, true, nil
}
