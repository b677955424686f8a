package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"hub-sync-service/internal/entity"
	"hub-sync-service/internal/sync"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Direction   string
	EntityTypes []string
	Since       string
}

func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle",
		Long: `Run one sync cycle and print its report.

Exit status is 0 when every selected type completed cleanly, 1 when records
failed or types were deferred or interrupted, and 2 when a fatal error
stopped the cycle before any type completed.

Example:
  hubsync sync
  hubsync sync --direction push --entity-type contacts --since 2024-01-01
  hubsync sync --direction pull --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Direction, "direction", "", "pull, push or bidirectional (default from config)")
	cmd.Flags().StringSliceVar(&opts.EntityTypes, "entity-type", nil, "limit the cycle to these entity types (repeatable)")
	cmd.Flags().StringVar(&opts.Since, "since", "", "ISO 8601 time replacing the stored watermarks")

	return cmd
}

func runSync(cmd *cobra.Command, opts *SyncOptions) error {
	cycle, err := parseCycleOptions(opts)
	if err != nil {
		return WrapExitError(ExitFatal, "invalid arguments", err)
	}

	a, err := newApp(cmd.Context(), opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	if cycle.Direction == "" {
		cycle.Direction, _ = entity.ParseDirection(a.cfg.Sync.Direction)
	}
	if len(cycle.EntityTypes) == 0 {
		cycle.EntityTypes = a.cfg.Sync.EntityFilter()
	}

	if err := a.preflight(cmd.Context()); err != nil {
		return err
	}

	report, err := a.manager.RunCycle(cmd.Context(), cycle)
	if err != nil {
		return WrapExitError(ExitFatal, "sync failed", err)
	}
	if err := printReport(cmd.OutOrStdout(), opts.Format, report); err != nil {
		return err
	}
	return reportExitError(report)
}

func parseCycleOptions(opts *SyncOptions) (sync.CycleOptions, error) {
	var cycle sync.CycleOptions
	if opts.Direction != "" {
		dir, err := entity.ParseDirection(opts.Direction)
		if err != nil {
			return cycle, err
		}
		cycle.Direction = dir
	}
	reg := entity.DefaultRegistry()
	for _, name := range opts.EntityTypes {
		et := entity.EntityType(name)
		if _, ok := reg.Schema(et); !ok {
			return cycle, fmt.Errorf("unknown entity type %q", name)
		}
		cycle.EntityTypes = append(cycle.EntityTypes, et)
	}
	if opts.Since != "" {
		since, err := parseSince(opts.Since)
		if err != nil {
			return cycle, err
		}
		cycle.Since = since
	}
	return cycle, nil
}

// parseSince accepts a full ISO 8601 timestamp or a plain date (UTC).
func parseSince(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid --since %q: want an ISO 8601 date or timestamp", s)
}
