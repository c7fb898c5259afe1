package cli

import (
	"context"

	"github.com/acksell/portalsync/remote"
	"github.com/spf13/cobra"
)

func NewResyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resync <collection>",
		Short: "Replace the cached collection with the remote's",
		Long: `Fetch the whole collection from the remote and replace the cached copy,
dropping records the remote no longer has.

Example:
  portalsync resync settlements --remote dynamodb`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := collectionArg(rootOpts, args[0]); err != nil {
				return err
			}
			ctx := cmd.Context()
			client, err := openClient(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer closeClient(client, rootOpts)

			q := remote.Query{Collection: args[0]}
			err = whileSyncing(ctx, client, func(ctx context.Context) error {
				return client.Resync(ctx, q)
			})
			if err != nil {
				return WrapExitError(ExitFailure, "resync failed", err)
			}
			n := client.Store.Count(ctx, args[0])
			p := printer{format: rootOpts.Format, w: cmd.OutOrStdout()}
			if rootOpts.Format == "json" {
				return p.json(map[string]any{"collection": args[0], "records": n})
			}
			p.line("%s: %d records", args[0], n)
			return nil
		},
	}
}
