// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quill/internal/browser/session"
	"github.com/xkilldash9x/quill/internal/chat"
	"github.com/xkilldash9x/quill/internal/config"
	"github.com/xkilldash9x/quill/internal/imagegen"
	"github.com/xkilldash9x/quill/internal/observability"
	"github.com/xkilldash9x/quill/internal/orchestrator"
)

type contextKey string

const configKey contextKey = "config"

// generationService is the facade the commands drive.
type generationService interface {
	SendPrompt(ctx context.Context, attachments []chat.Attachment, prompt string) error
	WaitForCompletion(ctx context.Context) (chat.Completion, error)
	DownloadResult(ctx context.Context) (chat.Result, error)
	GenerateImages(ctx context.Context, prompts []string, onProgress imagegen.ProgressFunc) (map[string]string, error)
	Cleanup(ctx context.Context)
}

// Swappable in tests so no command needs a real browser or image API.
var (
	newBrowser = func(cfg *config.Config, logger *zap.Logger) orchestrator.Browser {
		return orchestrator.NewSessionBrowser(session.NewManager(cfg, logger))
	}
	newService = func(cfg *config.Config, logger *zap.Logger) (generationService, error) {
		o, err := orchestrator.New(cfg, logger, newBrowser(cfg, logger),
			orchestrator.WithReporter(observability.NewLogReporter(logger)))
		if err != nil {
			return nil, err
		}
		return o, nil
	}
)

// NewRootCommand builds the command tree. Each call returns an independent
// instance, so flag state never leaks between executions.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "quill",
		Short:         "Quill drives an AI chat web app to write blog posts and illustrates them.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(v, cfgFile); err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "quill"})
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "quill"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Starting quill", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "quill version %s\n" .Version}}`)

	rootCmd.AddCommand(newGenerateCmd())
	rootCmd.AddCommand(newImagesCmd())
	rootCmd.AddCommand(newBrowserCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the command tree under ctx.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		observability.GetLogger().Error("Command execution failed", zap.Error(err))
	}
	observability.Sync()
	return err
}

// initializeConfig loads .env, the config file and QUILL_* environment
// variables into v.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error reading .env file: %w", err)
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("QUILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

func configFrom(cmd *cobra.Command) (*config.Config, error) {
	cfg, ok := cmd.Context().Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return cfg, nil
}
