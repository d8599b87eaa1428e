// File: cmd/root_test.go
package cmd

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/quill/internal/config"
)

func TestRootCmd_VersionFlag(t *testing.T) {
	stubService(t, &fakeService{}, &fakeBrowser{})

	out, _, err := executeCommand(context.Background(), "--version")
	require.NoError(t, err)
	assert.Equal(t, "quill version "+Version+"\n", out)
}

func TestVersionCmd(t *testing.T) {
	stubService(t, &fakeService{}, &fakeBrowser{})

	out, _, err := executeCommand(context.Background(), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "quill version "+Version)
}

func TestRootCmd_NoArgs(t *testing.T) {
	stubService(t, &fakeService{}, &fakeBrowser{})

	out, _, err := executeCommand(context.Background())
	require.NoError(t, err)
	assert.Contains(t, out, "Quill drives an AI chat web app")
	assert.Contains(t, out, "generate")
	assert.Contains(t, out, "images")
}

func TestConfigFileAndEnvOverride(t *testing.T) {
	svc := &fakeService{images: map[string]string{"이미지1": "u1"}}
	stubService(t, svc, &fakeBrowser{})

	cfgPath := writeFile(t, "custom.yaml", `
chat:
  research_poll_ceiling: 7
images:
  provider: gemini
`)
	t.Setenv("QUILL_CHAT_URL", "https://chat.example/new")
	t.Setenv("QUILL_IMAGES_API_KEY", "secret")

	_, _, err := executeCommand(context.Background(), "--config", cfgPath, "images", "a")
	require.NoError(t, err)

	require.NotNil(t, svc.cfg)
	assert.Equal(t, 7, svc.cfg.Chat.ResearchPollCeiling)
	assert.Equal(t, config.ProviderGemini, svc.cfg.Images.Provider)
	assert.Equal(t, "https://chat.example/new", svc.cfg.Chat.URL)
	assert.Equal(t, "secret", svc.cfg.Images.APIKey)
	assert.Equal(t, 3, svc.cfg.Retry.MaxAttempts, "defaults survive")
}

func TestDotEnvIsLoaded(t *testing.T) {
	svc := &fakeService{images: map[string]string{"이미지1": "u1"}}
	stubService(t, svc, &fakeBrowser{})
	writeFile(t, ".env", "QUILL_IMAGES_API_KEY=from-dotenv\n")
	// godotenv never overrides a set variable.
	t.Setenv("QUILL_IMAGES_API_KEY", "")
	require.NoError(t, os.Unsetenv("QUILL_IMAGES_API_KEY"))

	_, _, err := executeCommand(context.Background(), "images", "a")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", svc.cfg.Images.APIKey)
}

func TestInvalidConfigIsRejected(t *testing.T) {
	stubService(t, &fakeService{}, &fakeBrowser{})
	cfgPath := writeFile(t, "bad.yaml", "browser:\n  mode: kiosk\n")

	_, _, err := executeCommand(context.Background(), "--config", cfgPath, "images", "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load or validate config")
	assert.Contains(t, err.Error(), "kiosk")
}

func TestMissingConfigFileIsAnError(t *testing.T) {
	stubService(t, &fakeService{}, &fakeBrowser{})

	_, _, err := executeCommand(context.Background(), "--config", "nope.yaml", "images", "a")
	assert.ErrorContains(t, err, "failed to initialize configuration")
}
