package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zoff-tech/go-syncengine/pkg/engine"
	"github.com/zoff-tech/go-syncengine/pkg/store"
	"github.com/zoff-tech/go-syncengine/schema"
)

type enqueueOptions struct {
	*rootOptions
	entityType  string
	entityID    string
	target      string
	operation   string
	payload     string
	payloadFile string
	version     int64
	owner       string
}

func newEnqueueCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &enqueueOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a mutation for delivery",
		Long: `Queue a mutation for delivery to a target system. The job id is printed.
Queuing the same entity, operation and version again while the first job is
still open prints the existing id and exits with status 3.

Example:
  syncengine enqueue --entity-type shipment --entity-id S-100 --target erp \
    --operation update --version 4 --payload '{"status":"delivered"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.entityType, "entity-type", "", "entity type, e.g. shipment (required)")
	cmd.Flags().StringVar(&opts.entityID, "entity-id", "", "entity id (required)")
	cmd.Flags().StringVar(&opts.target, "target", "", "target system: erp, regulatory_authority or remote_store (required)")
	cmd.Flags().StringVar(&opts.operation, "operation", "", "create, update or delete (required)")
	cmd.Flags().StringVar(&opts.payload, "payload", "", "JSON payload")
	cmd.Flags().StringVar(&opts.payloadFile, "payload-file", "", "read the JSON payload from a file")
	cmd.Flags().Int64Var(&opts.version, "version", 0, "logical revision of the entity")
	cmd.Flags().StringVar(&opts.owner, "owner", "", "owner used by pending counts")
	for _, name := range []string{"entity-type", "entity-id", "target", "operation"} {
		_ = cmd.MarkFlagRequired(name)
	}
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")

	return cmd
}

func runEnqueue(cmd *cobra.Command, opts *enqueueOptions) error {
	payload := []byte(opts.payload)
	if opts.payloadFile != "" {
		b, err := os.ReadFile(opts.payloadFile)
		if err != nil {
			return withExitCode(exitCommandError, err)
		}
		payload = b
	}

	req := engine.EnqueueRequest{
		EntityType: opts.entityType,
		EntityID:   opts.entityID,
		Target:     schema.TargetSystem(opts.target),
		Operation:  schema.Operation(opts.operation),
		Payload:    payload,
		Version:    opts.version,
		Owner:      opts.owner,
	}

	return withEngine(cmd, opts.rootOptions, func(ctx context.Context, e *engine.Engine) error {
		id, err := e.Enqueue(ctx, req)
		duplicate := errors.Is(err, store.ErrDuplicateIdempotencyKey)
		if err != nil && !duplicate {
			if errors.Is(err, engine.ErrInvalidRequest) {
				return withExitCode(exitCommandError, err)
			}
			return err
		}

		if opts.format == "json" {
			if werr := writeJSON(cmd.OutOrStdout(), map[string]any{"job_id": id, "duplicate": duplicate}); werr != nil {
				return werr
			}
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		if duplicate {
			return withExitCode(exitDuplicate, err)
		}
		return nil
	})
}

func newStatusCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a sync job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, rootOpts, func(ctx context.Context, e *engine.Engine) error {
				job, err := e.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				if rootOpts.format == "json" {
					return writeJSON(cmd.OutOrStdout(), job)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "id:\t%s\n", job.ID)
				fmt.Fprintf(w, "entity:\t%s %s\n", job.EntityType, job.EntityID)
				fmt.Fprintf(w, "target:\t%s\n", job.Target)
				fmt.Fprintf(w, "operation:\t%s (version %d, sequence %d)\n", job.Operation, job.Version, job.Sequence)
				fmt.Fprintf(w, "state:\t%s\n", job.State)
				fmt.Fprintf(w, "attempts:\t%d\n", job.AttemptCount)
				if !job.State.IsTerminal() {
					fmt.Fprintf(w, "next attempt:\t%s\n", formatTime(job.NextAttemptAt))
				}
				if job.LastError != "" {
					fmt.Fprintf(w, "last error:\t%s\n", job.LastError)
				}
				if job.ExternalRef != "" {
					fmt.Fprintf(w, "external ref:\t%s\n", job.ExternalRef)
				}
				return w.Flush()
			})
		},
	}
}

func newJobsCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs <entity-id>",
		Short: "List the sync jobs of an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, rootOpts, func(ctx context.Context, e *engine.Engine) error {
				jobs, err := e.ListJobs(ctx, args[0])
				if err != nil {
					return err
				}
				if rootOpts.format == "json" {
					return writeJSON(cmd.OutOrStdout(), jobs)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTARGET\tSEQ\tOPERATION\tSTATE\tATTEMPTS\tREF")
				for _, job := range jobs {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%d\t%s\n",
						job.ID, job.Target, job.Sequence, job.Operation, job.State, job.AttemptCount, job.ExternalRef)
				}
				return w.Flush()
			})
		},
	}
}

func newHistoryCommand(rootOpts *rootOptions) *cobra.Command {
	var export bool

	cmd := &cobra.Command{
		Use:   "history <job-id>",
		Short: "Show the attempt ledger of a job",
		Long: `Show every delivery attempt of a job. With --export the full ledger,
including unredacted request and response snapshots, is written as JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, rootOpts, func(ctx context.Context, e *engine.Engine) error {
				if export {
					return e.Export(ctx, args[0], cmd.OutOrStdout())
				}
				records, err := e.History(ctx, args[0])
				if err != nil {
					return err
				}
				if rootOpts.format == "json" {
					return writeJSON(cmd.OutOrStdout(), records)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ATTEMPT\tTIME\tOUTCOME\tERROR")
				for _, rec := range records {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", rec.AttemptNumber, formatTime(rec.Timestamp), rec.Outcome, rec.Error)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&export, "export", false, "write the full ledger as JSON")

	return cmd
}

func newCancelCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or retrying job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, rootOpts, func(ctx context.Context, e *engine.Engine) error {
				if err := e.Cancel(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
				return nil
			})
		},
	}
}

func newPendingCommand(rootOpts *rootOptions) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Count jobs still waiting for delivery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, rootOpts, func(ctx context.Context, e *engine.Engine) error {
				n, err := e.PendingCount(ctx, owner)
				if err != nil {
					return err
				}
				if rootOpts.format == "json" {
					return writeJSON(cmd.OutOrStdout(), map[string]int{"pending": n})
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "only count jobs of this owner")

	return cmd
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
