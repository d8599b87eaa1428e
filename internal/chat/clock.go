package chat

import (
	"context"
	"time"

	"github.com/xkilldash9x/quill/internal/browser"
)

// Clock is the time source of the protocol's waits.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx ends, returning ctx.Err() in that case.
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error { return browser.Sleep(ctx, d) }
