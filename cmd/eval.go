package cmd

import (
	"context"
	"fmt"
	"io"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/crawlkit/internal/config"
	"github.com/xkilldash9x/crawlkit/internal/crawler"
	"github.com/xkilldash9x/crawlkit/internal/observability"
)

func newEvalCmd() *cobra.Command {
	var pretty bool

	evalCmd := &cobra.Command{
		Use:   "eval <url> <expression>",
		Short: "Load a page and evaluate an expression in it",
		Long: `Loads the URL like crawl does, then evaluates the expression in the settled
page and prints the crawl result with the value in its "eval" field.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runEval(ctx, observability.GetLogger(), cfg, args[0], args[1], pretty, cmd.OutOrStdout())
		},
	}
	evalCmd.Flags().BoolVar(&pretty, "pretty", false, "Indent the JSON output")
	return evalCmd
}

func runEval(ctx context.Context, logger *zap.Logger, cfg *config.Config, rawURL, expr string, pretty bool, out io.Writer) error {
	result, err := crawler.Crawl(ctx, cfg, rawURL, crawler.CrawlOptions{
		Eval:   expr,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	if result.ScriptError != "" {
		logger.Warn("Script error during evaluation", zap.String("error", result.ScriptError))
	}

	var b []byte
	if pretty {
		b, err = json.MarshalIndent(result, "", "  ")
	} else {
		b, err = json.Marshal(result)
	}
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}
