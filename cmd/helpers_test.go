// File: cmd/helpers_test.go
package cmd

import (
	"bytes"
	"context"
	"os"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/xkilldash9x/quill/internal/chat"
	"github.com/xkilldash9x/quill/internal/config"
	"github.com/xkilldash9x/quill/internal/imagegen"
	"github.com/xkilldash9x/quill/internal/orchestrator"
)

// fakeService records what the commands asked of the facade.
type fakeService struct {
	mu          sync.Mutex
	cfg         *config.Config
	attachments []chat.Attachment
	prompt      string
	completion  chat.Completion
	result      chat.Result
	sendErr     error
	images      map[string]string
	imagesErr   error
	prompts     []string
	cleanups    int
}

func (f *fakeService) SendPrompt(_ context.Context, a []chat.Attachment, prompt string) error {
	f.attachments, f.prompt = a, prompt
	return f.sendErr
}

func (f *fakeService) WaitForCompletion(context.Context) (chat.Completion, error) {
	return f.completion, nil
}

func (f *fakeService) DownloadResult(context.Context) (chat.Result, error) {
	return f.result, nil
}

func (f *fakeService) GenerateImages(_ context.Context, prompts []string, onProgress imagegen.ProgressFunc) (map[string]string, error) {
	f.prompts = prompts
	for i := range prompts {
		if _, ok := f.images[imagegen.Key(i)]; !ok {
			break
		}
		onProgress(i+1, len(prompts))
	}
	return f.images, f.imagesErr
}

func (f *fakeService) Cleanup(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
}

type fakeBrowser struct {
	opened   int
	cleanups int
	openErr  error
}

func (b *fakeBrowser) Open(context.Context) (orchestrator.Page, error) {
	b.opened++
	return nil, b.openErr
}

func (b *fakeBrowser) Cleanup(context.Context) { b.cleanups++ }

// stubService swaps the service and browser factories for the duration of
// the test and runs it from an empty directory, so no stray config.yaml or
// .env is picked up.
func stubService(t *testing.T, svc *fakeService, b *fakeBrowser) {
	t.Helper()
	t.Chdir(t.TempDir())

	prevService, prevBrowser := newService, newBrowser
	newService = func(cfg *config.Config, _ *zap.Logger) (generationService, error) {
		svc.cfg = cfg
		return svc, nil
	}
	newBrowser = func(*config.Config, *zap.Logger) orchestrator.Browser { return b }
	t.Cleanup(func() { newService, newBrowser = prevService, prevBrowser })
}

// executeCommand runs a fresh command tree and captures stdout and stderr
// separately.
func executeCommand(ctx context.Context, args ...string) (string, string, error) {
	root := NewRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	if err := os.WriteFile(name, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return name
}
