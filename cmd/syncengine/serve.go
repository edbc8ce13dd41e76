package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/zoff-tech/go-syncengine/pkg/adapter"
	"github.com/zoff-tech/go-syncengine/pkg/connectivity"
	"github.com/zoff-tech/go-syncengine/pkg/processor"
	"github.com/zoff-tech/go-syncengine/pkg/telemetry"
	"github.com/zoff-tech/go-syncengine/schema"
)

type serveOptions struct {
	*rootOptions
	once bool
}

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync worker until interrupted",
		Long: `Run the sync worker: claim due jobs, deliver them through the configured
target adapters and retry failures with backoff. A pass also starts whenever
the connectivity probe sees the network come back.

Example:
  syncengine serve --config /etc/syncengine
  syncengine serve --once`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.once, "once", false, "run a single pass and exit")

	return cmd
}

func runServe(cmd *cobra.Command, opts *serveOptions) error {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	cfg, repo, err := openStore(ctx, opts.rootOptions)
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			log.Printf("Error closing store: %v", err)
		}
	}()

	// Initialize telemetry (tracing and metrics)
	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		return withExitCode(exitCommandError, fmt.Errorf("initialize telemetry: %w", err))
	}
	defer shutdownTelemetry()

	adapters, err := adapter.NewRegistry(ctx, cfg.Targets)
	if err != nil {
		return withExitCode(exitCommandError, fmt.Errorf("initialize adapters: %w", err))
	}
	defer func() {
		if err := adapters.Close(); err != nil {
			log.Printf("Error closing adapters: %v", err)
		}
	}()
	log.Printf("Delivering to targets %v", adapters.Targets())

	p := processor.NewSyncProcessor(repo, adapters, cfg, processor.WithReconciler(logReconciled))

	if opts.once {
		stats := p.RunPass(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "succeeded=%d retried=%d failed=%d released=%d\n",
			stats.Succeeded, stats.Retried, stats.Failed, stats.Released)
		return nil
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Printf("Received %s, draining in-flight deliveries", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	monitor := connectivity.NewMonitorFromSettings(cfg.Connectivity)
	monitor.OnReconnect(p.Trigger)

	var wg conc.WaitGroup
	wg.Go(func() {
		if err := monitor.Run(ctx); err != nil {
			log.Printf("Connectivity monitor stopped: %v", err)
		}
	})
	err = p.Run(ctx)
	cancel()
	wg.Wait()
	return err
}

// logReconciled is the reconciliation hook of the standalone worker, which
// owns no business records of its own.
func logReconciled(ctx context.Context, entityType, entityID string, target schema.TargetSystem, externalRef string) error {
	log.Printf("Synced %s %s to %s as %q", entityType, entityID, target, externalRef)
	return nil
}
