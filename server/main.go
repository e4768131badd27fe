package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gammadia/nimbus/cloud"
	"github.com/gammadia/nimbus/metrics"
	"github.com/gammadia/nimbus/pool"
	"github.com/gammadia/nimbus/reconcile"
	schedulerpkg "github.com/gammadia/nimbus/scheduler"
	"github.com/gammadia/nimbus/server/config"
	"github.com/gammadia/nimbus/server/flags"
	"github.com/gammadia/nimbus/server/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/samber/lo"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

// Global context for shutdown cascading, cancelled by the signal handler
var ctx, cancel = context.WithCancel(context.Background())

func main() {
	// Setup logger first as this will be used to report progress of the rest of the setup
	if err := log.Init(); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, err))
		os.Exit(1)
	}
	log.Info("Nimbus server starting up...", "version", version, "commit", commit)

	setupInterrupts()

	if err := run(); err != nil {
		log.Error("Server failed", "error", err)
		os.Exit(1)
	}
	log.Info("Shutdown completed. Bye!")
}

func run() error {
	startedAt := time.Now()

	cfg, err := config.Load(viper.GetString(flags.Config))
	if err != nil {
		return err
	}

	agentStore, err := createStore()
	if err != nil {
		return fmt.Errorf("failed to create store '%s': %w", viper.GetString(flags.Store), err)
	}
	defer agentStore.Close()

	registry := schedulerpkg.NewRegistry(agentStore, log.Component("registry"))
	if err := registry.Load(ctx); err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewPrometheusRecorder(promRegistry)

	workers := pool.New(log.Component("workers"))
	clouds, closeClouds, err := createClouds(cfg, registry, workers, recorder)
	if err != nil {
		return err
	}
	defer closeClouds()

	schedulerConfig := schedulerpkg.Config{
		Logger:                      log.Component("scheduler"),
		TickInterval:                viper.GetDuration(flags.TickInterval),
		ProvisioningFailureCooldown: viper.GetDuration(flags.ProvisioningFailureCooldown),
	}
	if err := schedulerpkg.Validate(schedulerConfig); err != nil {
		return fmt.Errorf("invalid scheduler config: %w", err)
	}
	scheduler := schedulerpkg.New(registry, schedulerConfig, lo.Map(clouds, func(c *cloud.Cloud, _ int) schedulerpkg.Cloud { return c })...)

	monitor := reconcile.New(registry, reconcile.Config{
		Period:       viper.GetDuration(flags.ReconcilePeriod),
		QueryTimeout: viper.GetDuration(flags.ReconcileQueryTimeout),
		Logger:       log.Component("reconcile"),
	}, reconcile.Clouds(clouds...)...)

	server := &http.Server{
		Addr: viper.GetString(flags.Listen),
		Handler: newRouter(&handlers{
			clouds:    clouds,
			scheduler: scheduler,
			registry:  registry,
			startedAt: startedAt,
		}, promRegistry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	events, unsubscribe := scheduler.Subscribe()
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		scheduler.Run()
		return nil
	})

	g.Go(func() error {
		listenEvents(gctx, events)
		return nil
	})

	g.Go(func() error {
		log.Info("Server listening", "address", server.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})

	// Orderly shutdown once a signal was received or a component failed
	g.Go(func() error {
		<-gctx.Done()

		monitor.Stop()

		scheduler.Shutdown()
		scheduler.Wait()

		// In-flight provisioning is cancelled and rolled back, explicit
		// requests still being served included
		for _, c := range clouds {
			c.Shutdown()
		}

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("Failed to shut down HTTP server gracefully", "error", err)
		}
		registry.Wait()
		workers.Wait()
		return nil
	})

	if err := monitor.Start(); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	return g.Wait()
}

// setupInterrupts handles Ctrl+C (SIGINT) with a double-tap pattern:
// - First signal: calls cancel() which cascades shutdown through ctx.Done() to all goroutines
// - Second signal: forces immediate exit (in case graceful shutdown hangs)
func setupInterrupts() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	go func() {
		<-sig
		log.Info("Shutdown signal received, attempting graceful shutdown")
		cancel()
		<-sig
		log.Warn("Second shutdown signal received, forcing exit")
		os.Exit(1)
	}()
}
