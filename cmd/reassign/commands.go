package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hackgods/appointment-reassignment/internal/app"
	"github.com/hackgods/appointment-reassignment/internal/config"
	"github.com/hackgods/appointment-reassignment/internal/logger"
	"github.com/hackgods/appointment-reassignment/internal/workflow"
)

type rootFlags struct {
	snapshot string
	mode     string
	replies  []string
	verbose  bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "reassign",
		Short:         "Reassign appointments of unavailable providers",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&flags.snapshot, "snapshot", "", "JSON snapshot to run against an in-memory store")
	root.PersistentFlags().StringVar(&flags.mode, "mode", "", "decision mode: template, tool_calling or rule_based")
	root.PersistentFlags().StringSliceVar(&flags.replies, "reply", nil, "scripted offer replies, in order (yes/no)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log workflow stages to stderr")

	root.AddCommand(runCmd(flags))
	root.AddCommand(declineCmd(flags))
	root.AddCommand(acceptCmd(flags))
	root.AddCommand(cancelCmd(flags))
	root.AddCommand(backfillMetricsCmd(flags))
	root.AddCommand(backfillSweepCmd(flags))
	return root
}

// withApp loads configuration, applies the flag overrides, builds the
// engine and hands it to fn.
func withApp(cmd *cobra.Command, flags *rootFlags, fn func(ctx context.Context, a *app.App) (any, error)) error {
	if flags.snapshot != "" {
		os.Setenv("STORE_DRIVER", config.StoreMemory)
		os.Setenv("SNAPSHOT_FILE", flags.snapshot)
	}
	if flags.mode != "" {
		os.Setenv("DECISION_MODE", flags.mode)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	log := logger.Nop()
	if flags.verbose {
		if log, err = logger.New(cfg.Env); err != nil {
			return fmt.Errorf("logger init: %w", err)
		}
		defer log.Sync()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log, app.Options{ConsentReplies: flags.replies})
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := fn(ctx, a)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runCmd(flags *rootFlags) *cobra.Command {
	var ev workflow.Event
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Mark a provider unavailable and reassign the affected appointments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app.App) (any, error) {
				return a.Engine.Run(ctx, ev)
			})
		},
	}
	cmd.Flags().StringVar(&ev.ProviderID, "provider", "", "unavailable provider id")
	cmd.Flags().StringVar(&ev.StartDate, "start", "", "first unavailable date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&ev.EndDate, "end", "", "last unavailable date (YYYY-MM-DD), defaults to --start")
	cmd.Flags().StringVar(&ev.Reason, "reason", "", "reason for the unavailability")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("start")
	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		if ev.EndDate == "" {
			ev.EndDate = ev.StartDate
		}
	}
	return cmd
}

func declineCmd(flags *rootFlags) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "decline",
		Short: "Record a patient declining their new provider and offer the next candidates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app.App) (any, error) {
				return a.Engine.HandleDecline(ctx, id)
			})
		},
	}
	cmd.Flags().StringVar(&id, "appointment", "", "appointment id")
	_ = cmd.MarkFlagRequired("appointment")
	return cmd
}

func acceptCmd(flags *rootFlags) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "accept",
		Short: "Confirm a reassigned appointment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app.App) (any, error) {
				return a.Engine.Accept(ctx, id)
			})
		},
	}
	cmd.Flags().StringVar(&id, "appointment", "", "appointment id")
	_ = cmd.MarkFlagRequired("appointment")
	return cmd
}

func cancelCmd(flags *rootFlags) *cobra.Command {
	var id, reason string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel an appointment, waitlist the patient and backfill the slot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app.App) (any, error) {
				return a.Engine.Cancel(ctx, id, reason)
			})
		},
	}
	cmd.Flags().StringVar(&id, "appointment", "", "appointment id")
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	_ = cmd.MarkFlagRequired("appointment")
	return cmd
}

func backfillMetricsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill-metrics",
		Short: "Print freed slot fill rate and preserved revenue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app.App) (any, error) {
				return a.Backfill.Metrics(ctx)
			})
		},
	}
}

func backfillSweepCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill-sweep",
		Short: "Retry every available freed slot against the waitlist once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app.App) (any, error) {
				return a.Backfill.Sweep(ctx)
			})
		},
	}
}
