package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/acksell/portalsync/livesync"
	"github.com/acksell/portalsync/record"
	"github.com/acksell/portalsync/remote"
	"github.com/spf13/cobra"
)

// ReadOptions holds flags shared by list and get.
type ReadOptions struct {
	*RootOptions
	Limit int
	Wait  time.Duration
}

func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list <collection>",
		Short: "Print cached records of a collection",
		Long: `Print the records of a collection from the local cache, in collection order.

The cache answers without touching the network. With --wait the command also
subscribes to the remote and prints its first fresher result, or the cached
one if none arrives in time.

Example:
  portalsync list signals --limit 20
  portalsync list events --wait 5s --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := collectionArg(rootOpts, args[0]); err != nil {
				return err
			}
			recs, err := readQuery(cmd.Context(), opts, remote.Query{Collection: args[0], Limit: opts.Limit})
			if err != nil {
				return err
			}
			return printer{format: opts.Format, w: cmd.OutOrStdout()}.records(recs)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "maximum number of records (0 for all)")
	cmd.Flags().DurationVar(&opts.Wait, "wait", 0, "wait this long for a fresher result from the remote")

	return cmd
}

func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "get <collection> <id>",
		Short: "Print one cached record",
		Long: `Print a single record from the local cache.

Example:
  portalsync get signals 01J9Z6Q3XK2M8V4T7R5N0B1C2D
  portalsync get ideas 42 --wait 3s`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := collectionArg(rootOpts, args[0]); err != nil {
				return err
			}
			recs, err := readQuery(cmd.Context(), opts, remote.Query{Collection: args[0], ID: args[1]})
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%s/%s not found", args[0], args[1]))
			}
			p := printer{format: opts.Format, w: cmd.OutOrStdout()}
			if opts.Format == "json" {
				return p.json(recs[0])
			}
			return p.records(recs)
		},
	}

	cmd.Flags().DurationVar(&opts.Wait, "wait", 0, "wait this long for a fresher result from the remote")

	return cmd
}

func readQuery(ctx context.Context, opts *ReadOptions, q remote.Query) ([]record.Record, error) {
	client, err := openClient(ctx, opts.RootOptions)
	if err != nil {
		return nil, err
	}
	defer closeClient(client, opts.RootOptions)

	sub := client.Read(ctx, q)
	defer sub.Close()
	if opts.Wait <= 0 {
		return sub.Initial, nil
	}

	recs := sub.Initial
	err = whileSyncing(ctx, client, func(ctx context.Context) error {
		latest, err := awaitUpdate(ctx, sub.Updates(), opts.Wait)
		if latest != nil {
			recs = latest
		}
		return err
	})
	if err != nil {
		return nil, WrapExitError(ExitFailure, "read failed", err)
	}
	return recs, nil
}

// awaitUpdate returns the records of the first push, or nil if none
// arrives within wait.
func awaitUpdate(ctx context.Context, updates <-chan livesync.Update, wait time.Duration) ([]record.Record, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case u, ok := <-updates:
		if !ok {
			return nil, nil
		}
		return u.Records, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
