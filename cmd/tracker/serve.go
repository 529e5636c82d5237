package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lead-tracking/internal/config"
	"lead-tracking/internal/logger"
	"lead-tracking/internal/server"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func runServe(ctx context.Context) error {
	cfg := config.Load()
	logger.Init(cfg)

	p, err := buildPipeline(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	p.start()

	metricsHandler, err := p.metrics.Handler("lead_tracking")
	if err != nil {
		return fmt.Errorf("metrics handler: %w", err)
	}

	h := server.NewHandler(cfg, p.dispatcher, p.attr, p.insp, p.queue, p.metrics)

	// 트래킹 요청은 짧은 JSON 이므로 timeout 을 짧게 둔다
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      h.Router(metricsHandler),
		ReadTimeout:  8 * time.Second,
		WriteTimeout: 8 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Str("store", cfg.StoreDriver).Msg("tracking server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown signal received")

		// 1) HTTP 종료 → 2) pipeline 종료 (conversion 대기, queue flush, beacon, archive)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		p.shutdown(shutdownCtx)

		log.Info().Msg("shutdown complete\n" + p.metrics.String())
		return errors.Join(errs...)
	})

	return g.Wait()
}
