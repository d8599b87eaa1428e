package session

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/quill/internal/config"
)

func TestFindBrowserBinary(t *testing.T) {
	stat := statOf([]string{"/b", "/c"}, []string{"/a"})

	got, err := FindBrowserBinary([]string{"", "/a", "/b", "/c"}, stat)
	require.NoError(t, err)
	assert.Equal(t, "/b", got, "directories and blanks are skipped, first hit wins")

	_, err = FindBrowserBinary([]string{"/x"}, stat)
	assert.ErrorIs(t, err, ErrBrowserNotFound)
}

func TestLookupSystemBinary(t *testing.T) {
	look := func(name string) (string, error) {
		if name == "chromium" {
			return "/snap/bin/chromium", nil
		}
		return "", assert.AnError
	}

	got, err := LookupSystemBinary([]string{"google-chrome", "chromium"}, look)
	require.NoError(t, err)
	assert.Equal(t, "/snap/bin/chromium", got)

	_, err = LookupSystemBinary([]string{"google-chrome"}, look)
	assert.ErrorIs(t, err, ErrBrowserNotFound)
}

func TestFindFreePort(t *testing.T) {
	taken := map[int]bool{9222: true, 9223: true}
	free := func(p int) bool { return !taken[p] }

	port, err := FindFreePort(9222, 20, free)
	require.NoError(t, err)
	assert.Equal(t, 9224, port)

	_, err = FindFreePort(9222, 2, free)
	assert.ErrorIs(t, err, ErrNoFreePort)
}

func TestPortFree(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port

	assert.False(t, PortFree(port))
	require.NoError(t, l.Close())
	assert.True(t, PortFree(port))
}

func TestLaunchPlan(t *testing.T) {
	cfg := config.NewDefaultConfig().Browser
	cfg.Args = []string{"--force-dark-mode", "--proxy-server=http://127.0.0.1:8080"}
	cfg.UserAgent = "Mozilla/5.0 test"

	full := NewLaunchPlan(cfg, "/usr/bin/google-chrome", false)
	assert.True(t, full.Has("disable-blink-features"))
	assert.True(t, full.Has("force-dark-mode"))
	assert.Contains(t, full.Flags, Flag{"proxy-server", "http://127.0.0.1:8080"})
	assert.Equal(t, cfg.Viewport.Width, full.Width)

	reduced := NewLaunchPlan(cfg, "/usr/bin/chromium", true)
	assert.True(t, reduced.Reduced)
	assert.False(t, reduced.Has("disable-blink-features"))
	assert.False(t, reduced.Has("force-dark-mode"))
	assert.Less(t, len(reduced.AllocatorOptions()), len(full.AllocatorOptions()))
}

func TestPersonaScript(t *testing.T) {
	p := Persona{Languages: []string{"ko-KR", "en"}}
	script := p.evasionsScript()

	assert.Contains(t, script, `const languages = ["ko-KR","en"];`)
	assert.NotContains(t, script, "__LANGUAGES__")
	assert.Contains(t, script, "webdriver")
}

func newTestEndpoint(t *testing.T, h http.Handler) *debugEndpoint {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &debugEndpoint{base: srv.URL, client: srv.Client()}
}

func TestDebugEndpoint(t *testing.T) {
	t.Run("websocket url", func(t *testing.T) {
		e := newDebugEndpoint(9333)
		assert.Equal(t, "ws://127.0.0.1:9333", e.wsURL())
	})

	t.Run("waits until the version endpoint answers", func(t *testing.T) {
		var hits int32
		e := newTestEndpoint(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&hits, 1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"Browser": "Chrome/131"})
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, e.waitReady(ctx, 5*time.Millisecond))
		assert.EqualValues(t, 3, atomic.LoadInt32(&hits))
	})

	t.Run("gives up when ctx ends", func(t *testing.T) {
		e := newTestEndpoint(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, e.waitReady(ctx, 5*time.Millisecond), context.DeadlineExceeded)
	})

	list := func(targets ...devtoolsTarget) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasSuffix(r.URL.Path, "/json/list") {
				http.NotFound(w, r)
				return
			}
			_ = json.NewEncoder(w).Encode(targets)
		})
	}

	t.Run("prefers the chat tab and skips non-pages", func(t *testing.T) {
		e := newTestEndpoint(t, list(
			devtoolsTarget{ID: "sw", Type: "service_worker", URL: "https://claude.ai/sw.js"},
			devtoolsTarget{ID: "dt", Type: "page", URL: "devtools://devtools/bundled/inspector.html"},
			devtoolsTarget{ID: "news", Type: "page", URL: "https://news.example"},
			devtoolsTarget{ID: "chat", Type: "page", URL: "https://claude.ai/new"},
		))

		got, ok, err := e.firstPage(context.Background(), "claude.ai")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "chat", got.ID)

		got, ok, err = e.firstPage(context.Background(), "")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "news", got.ID)
	})

	t.Run("no pages open", func(t *testing.T) {
		e := newTestEndpoint(t, list(devtoolsTarget{ID: "bg", Type: "background_page"}))
		_, ok, err := e.firstPage(context.Background(), "claude.ai")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("http failure", func(t *testing.T) {
		e := newTestEndpoint(t, http.NotFoundHandler())
		_, _, err := e.firstPage(context.Background(), "")
		assert.ErrorContains(t, err, strconv.Itoa(http.StatusNotFound))
	})
}
