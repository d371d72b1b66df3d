package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/store"
)

// QueueOptions holds flags for the queue command.
type QueueOptions struct {
	*RootOptions
	Failing bool
}

// queueReport is the text rendering of QueueStats.
type queueReport struct {
	store.QueueStats
	failingOnly bool
}

func (r queueReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "depth %d, failing %d, quarantined %d", r.Depth, r.Failing, r.Quarantined)
	if r.Oldest != nil {
		fmt.Fprintf(&b, ", oldest %s", r.Oldest.UTC().Format(time.RFC3339))
	}
	for _, j := range r.Jobs {
		if r.failingOnly && j.LastError == "" {
			continue
		}
		state := "pending"
		switch {
		case j.Quarantined:
			state = "quarantined"
		case j.LastError != "":
			state = fmt.Sprintf("retry %d", j.RetryCount)
		}
		fmt.Fprintf(&b, "\n%-36s  %-17s  %-12s  %s", j.ID, j.Kind, state, j.Entity)
		if j.LastError != "" {
			fmt.Fprintf(&b, "\n    last error: %s", j.LastError)
		}
	}
	return b.String()
}

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show pending operations",
		Long: `List the pending operation queue: depth, jobs that are failing or
quarantined, and the last error of each.

Example:
  tillsync queue --config ./tillsync.yaml
  tillsync queue --failing --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueue(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Failing, "failing", false, "only list jobs with a last error")
	return cmd
}

func runQueue(opts *QueueOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	stats, err := a.store.Stats(commandContext(cmd))
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read queue", err)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if opts.Format == "json" {
		if opts.Failing {
			stats.Jobs = failingJobs(stats.Jobs)
		}
		return out.Success(stats)
	}
	return out.Success(queueReport{QueueStats: stats, failingOnly: opts.Failing})
}

func failingJobs(jobs []store.JobStatus) []store.JobStatus {
	out := []store.JobStatus{}
	for _, j := range jobs {
		if j.LastError != "" {
			out = append(out, j)
		}
	}
	return out
}

// NewRequeueCommand creates the requeue command.
func NewRequeueCommand(rootOpts *RootOptions) *cobra.Command {
	return jobCommand(rootOpts, "requeue",
		"Release a job from quarantine",
		`Reset a job's retry budget and make it eligible for the next drain.

Example:
  tillsync requeue 0190a5c4-...`,
		"requeued",
		func(ctx context.Context, st *store.Store, id string) error { return st.Requeue(ctx, id) },
	)
}

// NewDiscardCommand creates the discard command.
func NewDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	return jobCommand(rootOpts, "discard",
		"Drop a job without applying it",
		`Remove a job from the queue. The change it carried never reaches the
remote and the local record stays marked unsynced.

Example:
  tillsync discard 0190a5c4-...`,
		"discarded",
		func(ctx context.Context, st *store.Store, id string) error { return st.Discard(ctx, id) },
	)
}

// jobResult is the output of requeue and discard.
type jobResult struct {
	JobID  string `json:"job_id"`
	Action string `json:"action"`
}

func (r jobResult) String() string { return fmt.Sprintf("%s %s", r.Action, r.JobID) }

func jobCommand(rootOpts *RootOptions, use, short, long, action string, fn func(context.Context, *store.Store, string) error) *cobra.Command {
	return &cobra.Command{
		Use:           use + " <job-id>",
		Short:         short,
		Long:          long,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			jobID := args[0]
			if err := fn(commandContext(cmd), a.store, jobID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return WrapExitError(ExitCommandError, "no such job", err)
				}
				return WrapExitError(ExitFailure, use+" failed", err)
			}
			a.logger.Info("job "+action, "job_id", jobID)

			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Success(jobResult{JobID: jobID, Action: action})
		},
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
