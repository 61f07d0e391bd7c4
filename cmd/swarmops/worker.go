package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/swarmops/internal/config"
	"github.com/ShayCichocki/swarmops/internal/metrics"
	"github.com/ShayCichocki/swarmops/internal/mirror"
	"github.com/ShayCichocki/swarmops/internal/oracle"
	"github.com/ShayCichocki/swarmops/internal/pipeline"
	"github.com/ShayCichocki/swarmops/internal/prompt"
	"github.com/ShayCichocki/swarmops/internal/queue"
	"github.com/ShayCichocki/swarmops/internal/registry"
	"github.com/ShayCichocki/swarmops/internal/weather"
	"github.com/ShayCichocki/swarmops/internal/worker"
)

var workerCount int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the worker pool over the main queue",
	Long: `Starts the worker pool. Each worker takes envelopes from the main queue and
routes them to the interpretation, escalation or allocation stage.

The Prometheus endpoint (/metrics, /healthz) is served on metrics.addr when
metrics are enabled. Stops cleanly on SIGINT or SIGTERM.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().IntVarP(&workerCount, "count", "n", 0, "number of workers (default: worker.count)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	key, err := config.GetAPIKey(cfg)
	if err != nil {
		return fmt.Errorf("%w (set %s or oracle.api_key)", err, providerKeyHint(cfg.Oracle.Provider))
	}
	orc, err := oracle.New(ctx, oracle.Config{
		Provider:   cfg.Oracle.Provider,
		Model:      cfg.Oracle.Model,
		APIKey:     key,
		BaseURL:    cfg.Oracle.BaseURL,
		MaxTokens:  cfg.Oracle.MaxTokens,
		System:     cfg.Oracle.System,
		AWSRegion:  cfg.Oracle.AWSRegion,
		AWSProfile: cfg.Oracle.AWSProfile,
		Timeout:    cfg.Oracle.Timeout,
	})
	if err != nil {
		return fmt.Errorf("create oracle: %w", err)
	}

	prompts, closePrompts := promptSource()
	defer closePrompts()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	tasks := queue.New(s, logger)
	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithNeighborRadius(cfg.Pipeline.NeighborRadiusKm),
	}
	if m != nil {
		opts = append(opts, pipeline.WithRecorder(m))
	}
	if cfg.Weather.Enabled {
		provider := weather.NewOpenWeather(cfg.Weather.BaseURL, cfg.Weather.APIKey, cfg.Weather.Timeout)
		opts = append(opts, pipeline.WithWeather(weather.NewCache(s, provider, cfg.Weather.CacheTTL, logger)))
	}
	if cfg.Mirror.Enabled {
		opts = append(opts, pipeline.WithMirror(mirror.NewFirebase(cfg.Mirror.URL, cfg.Mirror.AuthToken, cfg.Mirror.Timeout)))
	}

	p := pipeline.New(pipeline.RequiredConfig{
		Store:   s,
		Oracle:  orc,
		Prompts: prompts,
		Queue:   tasks,
		Agents:  registry.New(s, logger),
	}, opts...)

	count := cfg.Worker.Count
	if workerCount > 0 {
		count = workerCount
	}
	poolOpts := []worker.Option{
		worker.WithLogger(logger),
		worker.WithCount(count),
		worker.WithMaxAttempts(cfg.Worker.MaxAttempts),
		worker.WithPollWait(cfg.Worker.PollWait),
		worker.WithVisibilityTimeout(cfg.Worker.VisibilityTimeout),
		worker.WithRetryable(pipeline.Retryable),
	}
	if m != nil {
		poolOpts = append(poolOpts, worker.WithRecorder(m))
	}
	pool := worker.New(worker.RequiredConfig{Source: s, Tasks: tasks, Router: p}, poolOpts...)

	logger.Info("starting",
		zap.String("store", cfg.Store.Backend),
		zap.String("oracle", cfg.Oracle.Provider),
		zap.Int("workers", pool.Count()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	if m != nil {
		g.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr))
			return metrics.NewServer(cfg.Metrics.Addr, m).Run(gctx)
		})
	}
	return g.Wait()
}

// promptSource returns the directory templates (if configured) backed by
// the embedded defaults, and a func releasing any watcher.
func promptSource() (prompt.Source, func()) {
	if cfg.Pipeline.PromptsDir == "" {
		return prompt.Defaults(), func() {}
	}
	dir := prompt.NewDirSource(cfg.Pipeline.PromptsDir)
	if !cfg.Pipeline.WatchPrompts {
		return prompt.Chain{dir, prompt.Defaults()}, func() {}
	}
	w := prompt.NewWatcher(dir, logger)
	return prompt.Chain{w, prompt.Defaults()}, func() { w.Close() }
}

func providerKeyHint(provider string) string {
	switch provider {
	case oracle.ProviderOpenAI:
		return "OPENAI_API_KEY"
	default:
		return "ANTHROPIC_API_KEY"
	}
}

