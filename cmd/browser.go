package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/quill/internal/observability"
)

func newBrowserCmd() *cobra.Command {
	browserCmd := &cobra.Command{
		Use:   "browser",
		Short: "Manage the automation browser",
	}

	browserCmd.AddCommand(&cobra.Command{
		Use:   "open",
		Short: "Open the browser with the dedicated profile and keep it open until interrupted",
		Long: `Opens the browser the same way generate does, so you can log in to the chat
app once. The session is stored in the profile directory. Press Ctrl+C to close.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			b := newBrowser(cfg, logger)
			defer b.Cleanup(ctx)

			if _, err := b.Open(ctx); err != nil {
				return fmt.Errorf("failed to open browser: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Browser open (%s mode, profile %s). Press Ctrl+C to close.\n", cfg.Browser.Mode, cfg.Browser.ProfileDir)

			<-ctx.Done()
			return nil
		},
	})
	return browserCmd
}
