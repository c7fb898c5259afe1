package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/acksell/portalsync/mutqueue"
	"github.com/spf13/cobra"
)

// QueueOptions holds flags for the queue command.
type QueueOptions struct {
	*RootOptions
	Failed bool
}

func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show queued creates",
		Long: `List records waiting to be written to the remote, oldest first.

Entries the remote rejected, or that failed too often, are parked as failed
and stay until retried or discarded.

Example:
  portalsync queue
  portalsync queue --failed --format json
  portalsync queue retry tmp_01J9Z6Q3XK2M8V4T7R5N0B1C2D`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), rootOpts, func(ctx context.Context, q *mutqueue.Queue) error {
				list := q.All
				if opts.Failed {
					list = q.Failed
				}
				entries, err := list(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "reading queue failed", err)
				}
				return printer{format: opts.Format, w: cmd.OutOrStdout()}.entries(entries)
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Failed, "failed", false, "only show parked entries")

	cmd.AddCommand(newQueueEntryCommand(rootOpts, "retry", "Requeue a parked create", (*mutqueue.Queue).Retry))
	cmd.AddCommand(newQueueEntryCommand(rootOpts, "discard", "Drop a queued create", (*mutqueue.Queue).Discard))
	cmd.AddCommand(newQueueFlushCommand(rootOpts))

	return cmd
}

func newQueueEntryCommand(rootOpts *RootOptions, name, short string, op func(*mutqueue.Queue, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:           name + " <temp-id>",
		Short:         short,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), rootOpts, func(ctx context.Context, q *mutqueue.Queue) error {
				err := op(q, ctx, args[0])
				if errors.Is(err, mutqueue.ErrNotFound) {
					return NewExitError(ExitFailure, fmt.Sprintf("no queued entry %s", args[0]))
				}
				if err != nil {
					return WrapExitError(ExitFailure, name+" failed", err)
				}
				printer{format: rootOpts.Format, w: cmd.OutOrStdout()}.line("%s %s", name, args[0])
				return nil
			})
		},
	}
}

func newQueueFlushCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Write pending creates to the remote now",
		Long: `Run one flush cycle without waiting for connectivity to be detected.

Entries are written oldest first. The cycle stops at the first transient
failure; rejected entries are parked and the cycle moves on.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := openClient(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer closeClient(client, rootOpts)

			client.Signal.Set(true)
			res := client.Flusher.DrainNow(ctx)

			p := printer{format: rootOpts.Format, w: cmd.OutOrStdout()}
			if rootOpts.Format == "json" {
				if err := p.json(res.Flushed); err != nil {
					return err
				}
			} else {
				for _, f := range res.Flushed {
					p.line("%s -> %s/%s", f.TempID, f.Collection, f.ID)
				}
				for _, id := range res.Parked {
					p.line("%s parked", id)
				}
			}
			if res.Err != nil {
				return WrapExitError(ExitFailure, "flush stopped", res.Err)
			}
			return nil
		},
	}
}

// withQueue opens the local store for a queue-only command.
func withQueue(ctx context.Context, opts *RootOptions, fn func(context.Context, *mutqueue.Queue) error) error {
	client, err := openClient(ctx, opts)
	if err != nil {
		return err
	}
	defer closeClient(client, opts)
	return fn(ctx, client.Queue)
}
