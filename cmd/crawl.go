package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/crawlkit/internal/browser/frame"
	"github.com/xkilldash9x/crawlkit/internal/browser/network"
	"github.com/xkilldash9x/crawlkit/internal/config"
	"github.com/xkilldash9x/crawlkit/internal/crawler"
	"github.com/xkilldash9x/crawlkit/internal/observability"
	"github.com/xkilldash9x/crawlkit/internal/store"
)

// resultStore is the part of the store the crawl command needs.
type resultStore interface {
	SaveResult(ctx context.Context, r *crawler.Result) error
}

// storeProvider defines an interface for components that can create a
// result store. This abstraction allows tests to inject a mock store
// instead of a live database connection.
type storeProvider interface {
	Create(ctx context.Context, cfg config.Interface) (resultStore, func(), error)
}

// defaultStoreProvider connects to PostgreSQL.
type defaultStoreProvider struct{}

// NewStoreProvider is a factory function that creates a new defaultStoreProvider.
func NewStoreProvider() storeProvider {
	return &defaultStoreProvider{}
}

// Create connects to the PostgreSQL database using the provided configuration,
// makes sure the schema exists, and returns the store along with a cleanup
// function that closes the pool.
func (p *defaultStoreProvider) Create(ctx context.Context, cfg config.Interface) (resultStore, func(), error) {
	logger := observability.GetLogger()
	if cfg.Database().URL == "" {
		return nil, nil, fmt.Errorf("database URL is not configured (CRAWLKIT_DATABASE_URL)")
	}

	pool, err := pgxpool.New(ctx, cfg.Database().URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

type crawlOptions struct {
	outputPath  string
	persist     bool
	concurrency int
	userScript  string
	timeout     time.Duration
}

func newCrawlCmd(provider storeProvider) *cobra.Command {
	var opts crawlOptions

	crawlCmd := &cobra.Command{
		Use:   "crawl [urls...]",
		Short: "Load one or more pages and print a JSON result per page",
		Long: `Loads every URL in its own page, running page scripts and the user script
according to configuration, and writes one JSON document per line. Load
failures are reported in the result; the command fails only on setup errors.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.outputPath != "" {
				f, err := os.Create(opts.outputPath)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer f.Close()
				out = f
			}
			return runCrawl(ctx, observability.GetLogger(), cfg, args, opts, provider, out)
		},
	}

	crawlCmd.Flags().StringVarP(&opts.outputPath, "output", "o", "", "Write results to this file instead of stdout")
	crawlCmd.Flags().BoolVar(&opts.persist, "persist", false, "Save results to the configured database")
	crawlCmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "Pages loaded at once (default crawler.concurrency)")
	crawlCmd.Flags().StringVar(&opts.userScript, "user-script", "", "Path of a user script overriding script.user_script")
	crawlCmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Per-page navigation timeout (default crawler.navigation_timeout)")
	return crawlCmd
}

// runCrawl contains the core, testable logic of the crawl command.
func runCrawl(
	ctx context.Context,
	logger *zap.Logger,
	cfg *config.Config,
	urls []string,
	opts crawlOptions,
	provider storeProvider,
	out io.Writer,
) error {
	if opts.userScript != "" {
		cfg.ScriptCfg.UserScript = opts.userScript
	}
	if opts.timeout > 0 {
		cfg.CrawlerCfg.NavigationTimeout = opts.timeout
	}
	userScript, err := crawler.LoadUserScript(cfg.Script())
	if err != nil {
		return err
	}
	for _, raw := range urls {
		if _, err := crawler.ParseURL(raw); err != nil {
			return err
		}
	}

	var sink resultStore
	if opts.persist {
		s, cleanup, err := provider.Create(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize store: %w", err)
		}
		if cleanup != nil {
			defer cleanup()
		}
		sink = s
	}

	// One robots cache and page registry for the whole run.
	var robots *network.Robots
	if cfg.Crawler().RespectRobots {
		client, err := network.NewHTTPClient(cfg.Network(), logger)
		if err != nil {
			return fmt.Errorf("failed to create robots client: %w", err)
		}
		defer client.CloseIdleConnections()
		ua := cfg.Network().UserAgent
		if ua == "" {
			ua = config.DefaultUserAgent
		}
		robots = network.NewRobots(client, ua, cfg.Crawler().RobotsCacheTTL, logger)
	}
	registry := frame.NewRegistry()

	concurrency := opts.concurrency
	if concurrency <= 0 {
		concurrency = cfg.Crawler().Concurrency
	}

	var mu sync.Mutex
	encoder := json.NewEncoder(out)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, raw := range urls {
		g.Go(func() error {
			result, err := crawler.Crawl(gctx, cfg, raw, crawler.CrawlOptions{
				UserScript: userScript,
				Robots:     robots,
				Registry:   registry,
				Logger:     logger,
			})
			if err != nil {
				return fmt.Errorf("crawl of %s failed: %w", raw, err)
			}
			logger.Info("Crawl finished",
				zap.String("url", raw),
				zap.String("final_url", result.FinalURL),
				zap.Int("status", result.StatusCode),
				zap.String("error", result.Error),
				zap.Duration("duration", result.Duration))

			if sink != nil {
				if err := sink.SaveResult(gctx, result); err != nil {
					return fmt.Errorf("failed to save result for %s: %w", raw, err)
				}
			}

			mu.Lock()
			defer mu.Unlock()
			if err := encoder.Encode(result); err != nil {
				return fmt.Errorf("failed to write result: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}
