package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/tillsync/internal/hooks"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine until interrupted",
		Long: `Start the sync engine for this terminal.

The engine drains the pending operation queue to the remote whenever it is
reachable: at startup, every sync.interval, and after every local write.
With a tenant and a broker configured, the local order and table caches are
also kept fresh from change notifications.

Example:
  tillsync run --config ./tillsync.yaml
  tillsync run -c /etc/tillsync.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(rootOpts, cmd)
		},
	}
	return cmd
}

func runEngine(opts *RootOptions, cmd *cobra.Command) error {
	a, err := openApp(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := a.backend(ctx, opts)
	if err != nil {
		return err
	}
	defer b.Close()

	proc := a.processor(b)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return proc.Run(gctx)
	})

	if a.cfg.Tenant != "" {
		g.Go(func() error {
			return watchCaches(gctx, a, b)
		})
	}

	a.logger.Info("sync engine started", "store", a.cfg.Local.Path, "tenant", a.cfg.Tenant)
	fmt.Fprintln(cmd.OutOrStdout(), "Sync engine started. Press Ctrl-C to stop.")

	if err := g.Wait(); err != nil && err != context.Canceled && err != context.DeadlineExceeded {
		return WrapExitError(ExitFailure, "sync engine error", err)
	}

	a.logger.Info("sync engine stopped gracefully")
	return nil
}

// watchCaches keeps the tenant's order and table caches fresh until ctx is
// done.
func watchCaches(ctx context.Context, a *app, b *Backend) error {
	fopts := []hooks.Option{hooks.WithLogger(a.logger)}
	if b.Subscriber != nil {
		fopts = append(fopts, hooks.WithSubscriber(b.Subscriber))
	}
	f := hooks.NewFactory(a.store, b.Remote, fopts...)

	tables, err := f.Tables(ctx, a.cfg.Tenant)
	if err != nil {
		return fmt.Errorf("watch tables: %w", err)
	}
	defer closeLogged(a.logger, "tables", tables.Close)

	orders, err := f.Orders(ctx, a.cfg.Tenant, hooks.OrderView{})
	if err != nil {
		return fmt.Errorf("watch orders: %w", err)
	}
	defer closeLogged(a.logger, "orders", orders.Close)

	<-ctx.Done()
	return ctx.Err()
}

func closeLogged(logger *slog.Logger, what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logger.Warn("error closing watcher", "watcher", what, "error", err)
	}
}
