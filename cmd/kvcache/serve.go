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

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"kvcache/internal/api"
	"kvcache/internal/config"
	"kvcache/internal/logs"
	"kvcache/internal/ttl"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the cache over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", "127.0.0.1:7070", "address to listen on")
	flags.Duration("cleanup-interval", time.Minute, "time between expiry sweeps")
	flags.Float64("rate-limit", 200, "requests per second, 0 disables limiting")
	flags.Int("rate-burst", 400, "request burst size")
	for _, name := range []string{"listen", "cleanup-interval", "rate-limit", "rate-burst"} {
		_ = a.loader.Viper.BindPFlag(name, flags.Lookup(name))
	}
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	b, err := a.openBacking()
	if err != nil {
		return err
	}
	defer func() {
		if err := b.close(); err != nil {
			a.logger.Error("failed to close store", logs.Err(err))
		}
		_ = a.logger.Sync()
	}()

	if err := b.Ready(ctx); err != nil {
		return fmt.Errorf("store %q unavailable: %w", a.cfg.StoreName, err)
	}

	var limiter *rate.Limiter
	if a.cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(a.cfg.RateLimit), a.cfg.RateBurst)
	}

	handler := api.NewHandler(b, a.metrics, a.logger)
	server := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           api.RegisterRoutes(mux.NewRouter(), handler, limiter),
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.loader.Watch(func(cfg *config.Config, e fsnotify.Event, err error) {
		if err != nil {
			a.logger.Warn("config reload failed", logs.String("file", e.Name), logs.Err(err))
			return
		}
		a.logger.SetLevel(cfg.Level())
		if limiter != nil && cfg.RateLimit > 0 {
			limiter.SetLimit(rate.Limit(cfg.RateLimit))
			limiter.SetBurst(cfg.RateBurst)
		}
		a.logger.Info("config reloaded", logs.String("file", e.Name))
	})

	g, ctx := errgroup.WithContext(ctx)

	cleaner := ttl.NewCleaner(b, a.cfg.CleanupInterval, a.logger)
	g.Go(func() error {
		cleaner.Start(ctx)
		return nil
	})

	g.Go(func() error {
		a.logger.Info("server started",
			logs.String("addr", a.cfg.Listen),
			logs.String("backend", a.cfg.Backend),
			logs.String("store", a.cfg.StoreName),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.logger.Info("shutting down")
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
