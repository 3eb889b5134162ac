package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/api"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/auth"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/config"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/events"
)

const (
	apiRateLimit = 20
	apiRateBurst = 40
)

// runServe runs the admin API, the reconcile poller and, when Redis is
// configured, the event consumer until SIGINT or SIGTERM.
func runServe(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	port := cmd.String("port", "", "Listen port (overrides PORT)")
	noPoller := cmd.Bool("no-poller", false, "Do not run the reconcile poller")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if *port != "" {
		cfg.Port = *port
	}
	setupLogging(stderr, cfg.LogLevel)
	_, _ = fmt.Fprintf(stdout, "%scredentiald %s starting...%s\n", ColorBold+ColorBlue, Version, ColorReset)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer svc.Close(context.Background())

	validator := auth.NewJWTValidator(cfg.JWTSecret)
	if validator == nil {
		log.Println("[credentiald] JWT_SECRET not set, admin API rejects every protected route")
	}
	server := api.NewServer(api.Deps{
		Issuer:     svc.pipeline,
		Tracker:    svc.tracker,
		Reconciler: svc.engine,
		Pending:    svc.store,
		Health:     svc.store.Ping,
	}, validator, api.WithRateLimit(apiRateLimit, apiRateBurst))

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("[credentiald] api: listening on :%s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		server.Limiter().RunJanitor(gctx)
		return nil
	})
	if !*noPoller {
		g.Go(func() error { return ignoreCanceled(svc.engine.Run(gctx, cfg.ReconcileInterval)) })
	}
	if consumer := newConsumer(svc); consumer != nil {
		g.Go(func() error { return ignoreCanceled(consumer.Run(gctx)) })
	} else {
		log.Println("[credentiald] REDIS_URL not set, event consumer disabled")
	}

	log.Println("[credentiald] ready, press ctrl+c to stop")
	err = g.Wait()
	log.Println("[credentiald] shutting down")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// runWorker runs the event consumer alone. It requires REDIS_URL.
func runWorker(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("worker", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	name := cmd.String("name", "", "Consumer name within the group (default: hostname)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if cfg.RedisURL == "" {
		_, _ = fmt.Fprintln(stderr, "Error: REDIS_URL is required for the worker")
		return 2
	}
	setupLogging(stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer svc.Close(context.Background())

	var opts []events.ConsumerOption
	if *name != "" {
		opts = append(opts, events.WithConsumerName(*name))
	}
	consumer := newConsumer(svc, opts...)
	_, _ = fmt.Fprintf(stdout, "credentiald worker consuming %s as group %s\n", cfg.EventStream, cfg.EventGroup)
	if err := ignoreCanceled(consumer.Run(ctx)); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// newConsumer returns nil when Redis is not configured.
func newConsumer(svc *services, opts ...events.ConsumerOption) *events.Consumer {
	if svc.redis == nil {
		return nil
	}
	if host, err := os.Hostname(); err == nil && len(opts) == 0 {
		opts = append(opts, events.WithConsumerName(host))
	}
	return events.NewConsumer(svc.redis, svc.cfg.EventStream, svc.cfg.EventGroup, svc.pipeline, opts...)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
