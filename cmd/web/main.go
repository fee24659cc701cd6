package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"vnhis2image/internal/backend"
	"vnhis2image/internal/config"
	"vnhis2image/internal/extraction"
	"vnhis2image/internal/generation"
	"vnhis2image/internal/httpclient"
	"vnhis2image/internal/prompt"
	"vnhis2image/internal/session"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))

	if err := prompt.CheckRegistry(); err != nil {
		logger.Error("template registry is inconsistent", "err", err)
		os.Exit(1)
	}

	api := backend.New(backend.Options{
		BaseURL: cfg.APIBase,
		HTTPClient: httpclient.New(httpclient.Options{
			PreferIPv4: cfg.PreferIPv4,
			UserAgent:  "vnhis2image-web",
		}),
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

	sess := session.New(session.Options{
		Extractor: extraction.New(extraction.Options{
			Client:   api,
			MinScore: cfg.NERMinScore,
			Logger:   logger,
		}),
		Controller: generation.New(generation.Options{
			Backend:          api,
			PollInterval:     cfg.PollInterval,
			GenerateTimeout:  cfg.GenerateTimeout,
			InterruptTimeout: cfg.InterruptTimeout,
			BaseContext:      ctx,
			Logger:           logger,
		}),
		Language:    lang,
		AspectRatio: cfg.AspectRatio,
		Logger:      logger,
	})

	s := &server{sess: sess, api: api, logger: logger}

	srv := &http.Server{
		Addr:              cfg.WebAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("web server started", "addr", cfg.WebAddr, "api_base", api.BaseURL())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sess.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func logLevel(v string) slog.Level {
	switch v {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
