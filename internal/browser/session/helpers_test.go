package session

import (
	"context"
	"io/fs"
	"os"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// -- Fake file info --

// fakeFileInfo satisfies os.FileInfo for stat stubs.
type fakeFileInfo struct {
	name string
	dir  bool
}

func (f fakeFileInfo) Name() string       { return f.name }
func (f fakeFileInfo) Size() int64        { return 0 }
func (f fakeFileInfo) Mode() fs.FileMode  { return 0o755 }
func (f fakeFileInfo) ModTime() time.Time { return time.Time{} }
func (f fakeFileInfo) IsDir() bool        { return f.dir }
func (f fakeFileInfo) Sys() any           { return nil }

// statOf returns a stat func that knows only the given files and dirs.
func statOf(files []string, dirs []string) func(string) (os.FileInfo, error) {
	return func(p string) (os.FileInfo, error) {
		for _, f := range files {
			if f == p {
				return fakeFileInfo{name: p}, nil
			}
		}
		for _, d := range dirs {
			if d == p {
				return fakeFileInfo{name: p, dir: true}, nil
			}
		}
		return nil, os.ErrNotExist
	}
}

// -- Session without a browser --

// newLiveSession returns a session whose page context is a plain cancellable
// context, good enough for the primitives that never reach CDP.
func newLiveSession(t *testing.T) (*Session, context.CancelFunc) {
	t.Helper()
	tabCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        "test-session",
		logger:    zaptest.NewLogger(t),
		tabCtx:    tabCtx,
		tabCancel: cancel,
	}
	s.alive.Store(true)
	return s, cancel
}
