package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type FailuresOptions struct {
	*RootOptions
	EntityType string
	Direction  string
}

// NewFailuresCommand lists the failure ledger: records the next cycle will
// retry.
func NewFailuresCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FailuresOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "failures",
		Short: "List records waiting for retry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts.RootOptions)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.Migrate(cmd.Context()); err != nil {
				return WrapExitError(ExitFatal, "failed to prepare tables", err)
			}
			entries, err := a.store.ListFailures(cmd.Context(), opts.EntityType, opts.Direction)
			if err != nil {
				return WrapExitError(ExitFatal, "failed to read failure ledger", err)
			}

			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return writeJSON(out, "ok", entries, "")
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "No pending failures")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TYPE\tDIRECTION\tSOURCE ID\tCAUSE\tATTEMPTS\tLAST ATTEMPT\tMESSAGE")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					e.EntityType, e.Direction, e.SourceID, e.Cause, e.AttemptCount,
					e.LastAttemptedAt.Format(time.RFC3339), e.Message)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&opts.EntityType, "entity-type", "", "only this entity type")
	cmd.Flags().StringVar(&opts.Direction, "direction", "", "only pull or push failures")

	return cmd
}
