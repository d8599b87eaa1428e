package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quill/internal/chat"
	"github.com/xkilldash9x/quill/internal/content"
	"github.com/xkilldash9x/quill/internal/observability"
)

type generateOptions struct {
	prompt     string
	promptFile string
	attach     []string
	out        string
	html       string
}

func newGenerateCmd() *cobra.Command {
	opts := &generateOptions{}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Submit a prompt with attachments to the chat app and save the response",
		Long: `Opens (or attaches to) the browser, uploads the attachments in the order
given, submits the prompt, waits for the response to finish and copies it out.

Attachments are given as role=path, where role is one of style_sample,
seo_guide or reference. A bare path is attached as a reference.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, opts)
		},
	}

	flags := generateCmd.Flags()
	flags.StringVarP(&opts.prompt, "prompt", "p", "", "prompt text")
	flags.StringVarP(&opts.promptFile, "prompt-file", "f", "", "read the prompt from a file")
	flags.StringArrayVarP(&opts.attach, "attach", "a", nil, "attachment as role=path (repeatable, order is kept)")
	flags.StringVarP(&opts.out, "out", "o", "", "write the response to this file instead of stdout")
	flags.StringVar(&opts.html, "html", "", "also write an HTML rendering of the response to this file")
	generateCmd.MarkFlagsMutuallyExclusive("prompt", "prompt-file")
	return generateCmd
}

func runGenerate(cmd *cobra.Command, opts *generateOptions) error {
	ctx := cmd.Context()
	logger := observability.GetLogger()

	prompt, err := readPrompt(opts)
	if err != nil {
		return err
	}
	attachments, err := parseAttachments(opts.attach)
	if err != nil {
		return err
	}

	cfg, err := configFrom(cmd)
	if err != nil {
		return err
	}
	svc, err := newService(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize generation service: %w", err)
	}
	defer svc.Cleanup(ctx)

	if err := svc.SendPrompt(ctx, attachments, prompt); err != nil {
		return err
	}
	completion, err := svc.WaitForCompletion(ctx)
	if err != nil {
		return err
	}
	if completion.Degraded {
		logger.Warn("Response may be incomplete; the wait ceiling was reached",
			zap.String("phase", string(completion.Phase)),
			zap.Duration("elapsed", completion.Elapsed))
	}

	result, err := svc.DownloadResult(ctx)
	if err != nil {
		return err
	}

	if opts.out == "" {
		fmt.Fprintln(cmd.OutOrStdout(), result.Text)
	} else if err := os.WriteFile(opts.out, []byte(result.Text), 0o644); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	if opts.html != "" {
		if err := os.WriteFile(opts.html, []byte(content.MarkdownToHTML(result.Text)), 0o644); err != nil {
			return fmt.Errorf("failed to write html: %w", err)
		}
	}

	logger.Info("Generation finished",
		zap.String("mode", string(result.Completion.Mode)),
		zap.Int("length", len(result.Text)),
		zap.String("out", opts.out))
	return nil
}

func readPrompt(opts *generateOptions) (string, error) {
	prompt := opts.prompt
	if opts.promptFile != "" {
		b, err := os.ReadFile(opts.promptFile)
		if err != nil {
			return "", fmt.Errorf("failed to read prompt file: %w", err)
		}
		prompt = string(b)
	}
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("a prompt is required (--prompt or --prompt-file)")
	}
	return prompt, nil
}

// parseAttachments turns role=path specs into attachments, keeping order.
func parseAttachments(specs []string) ([]chat.Attachment, error) {
	out := make([]chat.Attachment, 0, len(specs))
	for _, spec := range specs {
		role, path, found := strings.Cut(spec, "=")
		if !found {
			role, path = string(chat.RoleReference), spec
		}
		switch r := chat.Role(strings.TrimSpace(role)); r {
		case chat.RoleStyleSample, chat.RoleSEOGuide, chat.RoleReference:
			path = strings.TrimSpace(path)
			if path == "" {
				return nil, fmt.Errorf("attachment %q has no path", spec)
			}
			out = append(out, chat.Attachment{Path: path, Role: r})
		default:
			return nil, fmt.Errorf("attachment %q: unknown role %q (want style_sample, seo_guide or reference)", spec, role)
		}
	}
	return out, nil
}
