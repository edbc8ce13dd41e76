package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/zoff-tech/go-syncengine/pkg/config"
	"github.com/zoff-tech/go-syncengine/pkg/engine"
	"github.com/zoff-tech/go-syncengine/pkg/store"
)

// Exit codes.
const (
	exitFailure      = 1 // command failed (job refused, delivery error)
	exitCommandError = 2 // bad configuration, store unreachable
	exitDuplicate    = 3 // enqueue hit an open job with the same key
)

var validFormats = []string{"text", "json"}

// Swapped in tests.
var loadSettings = config.LoadFromFile

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

func exitCode(err error) int {
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	return exitFailure
}

type rootOptions struct {
	configDir string
	format    string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "syncengine",
		Short: "Durable delivery of local changes to ERP, portal and remote stores",
		Long: `syncengine persists local mutations as sync jobs and delivers them to
external systems of record with retries, per-entity ordering and a full
attempt ledger.

Configuration is read from syncengine.yaml in --config (then the working
directory), merged with syncengine.<ENVIRONMENT>.yaml and overridden by
SYNCENGINE_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.format {
					return nil
				}
			}
			return withExitCode(exitCommandError, fmt.Errorf("invalid format %q: must be one of %v", opts.format, validFormats))
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configDir, "config", "c", ".", "directory containing syncengine.yaml")
	cmd.PersistentFlags().StringVar(&opts.format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newEnqueueCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newJobsCommand(opts))
	cmd.AddCommand(newHistoryCommand(opts))
	cmd.AddCommand(newCancelCommand(opts))
	cmd.AddCommand(newPendingCommand(opts))

	return cmd
}

// openStore loads the configuration and opens the configured job store.
func openStore(ctx context.Context, opts *rootOptions) (*config.Settings, store.Repository, error) {
	cfg, err := loadSettings(opts.configDir)
	if err != nil {
		return nil, nil, withExitCode(exitCommandError, err)
	}
	repo, err := store.NewRepository(ctx, cfg.Database)
	if err != nil {
		return nil, nil, withExitCode(exitCommandError, fmt.Errorf("open %s store: %w", cfg.Database.Type, err))
	}
	return cfg, repo, nil
}

// withEngine runs fn against an engine over the configured store.
func withEngine(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, e *engine.Engine) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	_, repo, err := openStore(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			log.Printf("Error closing store: %v", err)
		}
	}()
	return fn(ctx, engine.New(repo))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
