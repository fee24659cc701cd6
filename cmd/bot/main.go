package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"vnhis2image/internal/backend"
	"vnhis2image/internal/config"
	"vnhis2image/internal/extraction"
	"vnhis2image/internal/handlers"
	"vnhis2image/internal/httpclient"
	"vnhis2image/internal/prompt"
	"vnhis2image/internal/telegram"
	"vnhis2image/internal/textgroup"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := cfg.RequireTelegram(); err != nil {
		panic(err)
	}

	logger := newLogger(cfg)

	if err := prompt.CheckRegistry(); err != nil {
		logger.Error("template registry is inconsistent", "err", err)
		os.Exit(1)
	}

	tgHTTP := httpclient.New(httpclient.Options{
		PreferIPv4: cfg.PreferIPv4,
		Timeout:    cfg.HTTPTimeout,
	})
	// Backend calls are bounded by their contexts; /generate can outlive HTTPTimeout.
	apiHTTP := httpclient.New(httpclient.Options{
		PreferIPv4: cfg.PreferIPv4,
		UserAgent:  "vnhis2image-bot",
	})

	tg, err := telegram.New(telegram.Options{
		Token:      cfg.TelegramToken,
		HTTPClient: tgHTTP,
		Logger:     logger,
		Debug:      cfg.Debug,
	})
	if err != nil {
		logger.Error("telegram init failed", "err", err)
		os.Exit(1)
	}

	api := backend.New(backend.Options{
		BaseURL:        cfg.APIBase,
		HTTPClient:     apiHTTP,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})

	lang, err := prompt.ParseLanguage(cfg.Language)
	if err != nil {
		logger.Warn("falling back to vietnamese prompts", "err", err)
		lang = prompt.Vietnamese
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checkBackend(ctx, api, logger)

	handler := handlers.New(handlers.Options{
		Telegram: tg,
		Backend:  api,
		Extractor: extraction.New(extraction.Options{
			Client:   api,
			MinScore: cfg.NERMinScore,
			Logger:   logger,
		}),
		PollInterval:         cfg.PollInterval,
		GenerateTimeout:      cfg.GenerateTimeout,
		InterruptTimeout:     cfg.InterruptTimeout,
		Language:             lang,
		AspectRatio:          cfg.AspectRatio,
		SessionIdleTTL:       cfg.SessionIdleTTL,
		ProgressEditInterval: cfg.ProgressEditInterval,
		BaseContext:          ctx,
		Logger:               logger,
	})
	defer handler.Close()

	var workers errgroup.Group
	workers.SetLimit(cfg.MaxConcurrent)

	aggregator := textgroup.New(textgroup.Options{
		Debounce: cfg.TextMergeDebounce,
		OnFlush: func(group textgroup.Group) {
			if ctx.Err() != nil {
				return
			}
			workers.Go(func() error {
				reqCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
				defer cancel()

				handler.HandleTextGroup(reqCtx, group)
				return nil
			})
		},
	})
	handler.SetTextAggregator(aggregator)

	logger.Info("bot started", "username", tg.Username(), "api_base", api.BaseURL())

	updates := tg.Updates(telegram.UpdatesOptions{
		Timeout: 30 * time.Second,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		tg.StopUpdates()
		return nil
	})
	g.Go(func() error {
		defer stop()
		for {
			select {
			case <-gctx.Done():
				logger.Info("shutting down")
				return nil
			case update, ok := <-updates:
				if !ok {
					logger.Info("updates channel closed")
					return nil
				}

				workers.Go(func() error {
					reqCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
					defer cancel()

					if err := handler.HandleUpdate(reqCtx, update); err != nil && !errors.Is(err, context.Canceled) {
						logger.Error("handle update failed", "err", err)
					}
					return nil
				})
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error("bot stopped", "err", err)
	}
	_ = workers.Wait()
}

func checkBackend(ctx context.Context, api *backend.Client, logger *slog.Logger) {
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := api.Health(hctx)
	if err != nil {
		logger.Warn("backend health check failed", "err", err)
		return
	}
	logger.Info("backend healthy", "ok", health.OK, "ner_loaded", health.NERLoaded, "imagen_model", health.ImagenModel)
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}
