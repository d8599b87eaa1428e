package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quill/internal/imagegen"
	"github.com/xkilldash9x/quill/internal/observability"
)

// imageEntry keeps the prompt order in the JSON output.
type imageEntry struct {
	Key    string `json:"key"`
	Prompt string `json:"prompt"`
	URL    string `json:"url"`
}

func newImagesCmd() *cobra.Command {
	var out string

	imagesCmd := &cobra.Command{
		Use:   "images [prompts...]",
		Short: "Generate one image per prompt with the configured provider",
		Long: `Generates images one after another, in the order given, and prints a JSON
list of {key, prompt, url}. Keys are 이미지1, 이미지2, ... On failure the
images made so far are still printed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, prompts []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			svc, err := newService(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize generation service: %w", err)
			}
			defer svc.Cleanup(ctx)

			images, genErr := svc.GenerateImages(ctx, prompts, func(index, total int) {
				fmt.Fprintf(cmd.ErrOrStderr(), "image %d/%d done\n", index, total)
			})

			entries := make([]imageEntry, 0, len(images))
			for i, p := range prompts {
				url, ok := images[imagegen.Key(i)]
				if !ok {
					break
				}
				entries = append(entries, imageEntry{Key: imagegen.Key(i), Prompt: p, URL: url})
			}
			if err := writeJSON(cmd, out, entries); err != nil {
				return err
			}
			if genErr != nil {
				logger.Error("Image generation stopped early", zap.Int("generated", len(entries)), zap.Int("requested", len(prompts)))
				return genErr
			}
			return nil
		},
	}

	imagesCmd.Flags().StringVarP(&out, "out", "o", "", "write the JSON result to this file instead of stdout")
	return imagesCmd
}

func writeJSON(cmd *cobra.Command, path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if path == "" {
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
		return err
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}
