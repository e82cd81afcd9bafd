package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/webbigdata/ohtani-feeds/internal/cache"
	"github.com/webbigdata/ohtani-feeds/internal/classifier"
	"github.com/webbigdata/ohtani-feeds/internal/config"
	"github.com/webbigdata/ohtani-feeds/internal/domain"
	"github.com/webbigdata/ohtani-feeds/internal/firehose"
	"github.com/webbigdata/ohtani-feeds/internal/httpserver"
	"github.com/webbigdata/ohtani-feeds/internal/rules"
	"github.com/webbigdata/ohtani-feeds/internal/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg == nil {
		return nil // help requested
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))

	repo, err := sqlite.NewRepository(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("create repository: %w", err)
	}
	defer repo.Close()
	logger.Info("database ready", "path", cfg.DatabasePath)

	var ruleSet *rules.Set
	if cfg.RulesPath != "" {
		ruleSet, err = rules.Load(cfg.RulesPath)
		if err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
		logger.Info("loaded rules", "path", cfg.RulesPath)
	} else {
		ruleSet, err = rules.Default()
		if err != nil {
			return fmt.Errorf("load embedded rules: %w", err)
		}
		logger.Info("using embedded rule set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cls domain.Classifier = classifier.Disabled{}
	if cfg.ClassifierURL != "" {
		cls = classifier.NewClient(cfg.ClassifierURL, classifier.Options{
			APIKey:      cfg.ClassifierAPIKey,
			MaxAttempts: cfg.ClassifierAttempts,
			RetryDelay:  cfg.ClassifierRetryDelay,
			Timeout:     cfg.ClassifierTimeout,
		})
	} else {
		logger.Warn("classifier endpoint not configured, fallback stage rejects ambiguous posts")
	}

	pipelineOpts := domain.PipelineOptions{
		Concurrency: cfg.ClassifierConcurrency,
	}
	if cfg.RedisAddr != "" {
		verdicts, err := cache.NewVerdictCache(ctx, cfg.RedisAddr, cfg.VerdictTTL)
		if err != nil {
			logger.Warn("verdict cache unavailable, continuing without it", "error", err)
		} else {
			defer verdicts.Close()
			pipelineOpts.VerdictCache = verdicts
			logger.Info("verdict cache connected", "addr", cfg.RedisAddr)
		}
	}

	pipeline := domain.NewPipeline(ruleSet, cls, logger, pipelineOpts)

	feedURI := domain.NewFeedURI(cfg.PublisherDID, cfg.FeedName)
	feedService, err := domain.NewFeedService([]string{feedURI}, pipeline, repo, repo, logger)
	if err != nil {
		return fmt.Errorf("create feed service: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start the firehose subscriber in the background
	subscriber := firehose.NewSubscriber(cfg.FirehoseURL, feedService, logger, firehose.Options{
		BatchMaxSize: cfg.BatchMaxSize,
		BatchMaxAge:  cfg.BatchMaxAge,
	})
	go func() {
		if err := subscriber.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("firehose subscriber exited with error", "error", err)
		}
	}()

	// Start background post cleanup
	go feedService.StartCleanupJob(ctx, time.Minute, cfg.RetentionAge, cfg.MaxRows)

	// Start the HTTP server
	server := httpserver.NewServer(cfg, feedService, logger)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited with error", "error", err)
		}
	}()

	logger.Info("server started", "port", cfg.Port, "feed", feedURI)

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()

	if err := server.Shutdown(context.Background()); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	return nil
}
