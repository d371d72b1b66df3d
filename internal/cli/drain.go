package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/engine"
)

// drainReport is the text rendering of a DrainResult.
type drainReport engine.DrainResult

func (r drainReport) String() string {
	return fmt.Sprintf("attempted %d, succeeded %d, failed %d, held %d, quarantined %d",
		r.Attempted, r.Succeeded, r.Failed, r.Held, r.Quarantined)
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Drain the pending queue once",
		Long: `Apply every ready queued job to the remote once, then exit.

Jobs that fail stay queued with a backoff; run "tillsync queue" to inspect
them. Exits 1 when any job failed.

Example:
  tillsync drain --config ./tillsync.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(rootOpts, cmd)
		},
	}
	return cmd
}

func runDrain(opts *RootOptions, cmd *cobra.Command) error {
	a, err := openApp(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	ctx := commandContext(cmd)

	b, err := a.backend(ctx, opts)
	if err != nil {
		return err
	}
	defer b.Close()

	res, err := a.processor(b).Drain(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "drain failed", err)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}
	out.VerboseLog("drained %s into remote", a.cfg.Local.Path)
	if opts.Format == "json" {
		if err := out.Success(res); err != nil {
			return err
		}
	} else if err := out.Success(drainReport(res)); err != nil {
		return err
	}

	if res.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d job(s) failed", res.Failed))
	}
	return nil
}
