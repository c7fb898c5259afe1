package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	JSON    string
	Strings bool
}

func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue <collection> [key=value...]",
		Short: "Queue a new record",
		Long: `Queue a record for creation on the remote and print its temporary id.

Values are parsed as YAML scalars or flow collections, so votes=3 is a number,
urgent=true a boolean and tags=[road,lights] a list. Use --strings to keep
every value a string, or --json to pass the whole payload at once.

The record is written by the next run (or queue flush) that finds the remote
reachable.

Example:
  portalsync enqueue signals title="Broken streetlight" votes=1
  portalsync enqueue ideas --json '{"title":"More benches","tags":["park"]}'`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := collectionArg(rootOpts, args[0]); err != nil {
				return err
			}
			payload, err := parsePayload(opts.JSON, args[1:], opts.Strings)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid payload", err)
			}

			ctx := cmd.Context()
			client, err := openClient(ctx, opts.RootOptions)
			if err != nil {
				return err
			}
			defer closeClient(client, opts.RootOptions)

			tempID, err := client.Create(ctx, args[0], payload)
			if err != nil {
				return WrapExitError(ExitFailure, "enqueue failed", err)
			}
			p := printer{format: opts.Format, w: cmd.OutOrStdout()}
			if opts.Format == "json" {
				return p.json(map[string]string{"tempId": tempID})
			}
			p.line("%s", tempID)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.JSON, "json", "", "payload as a JSON object")
	cmd.Flags().BoolVar(&opts.Strings, "strings", false, "do not parse values, keep them as strings")

	return cmd
}

// parsePayload builds a record payload from a JSON object and key=value
// pairs. Pairs override keys of the JSON object.
func parsePayload(raw string, pairs []string, strs bool) (map[string]any, error) {
	payload := make(map[string]any)
	if raw != "" {
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&payload); err != nil {
			return nil, fmt.Errorf("--json: %w", err)
		}
	}

	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%q is not key=value", pair)
		}
		if strs {
			payload[key] = value
			continue
		}
		v, err := parseValue(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		payload[key] = v
	}
	return payload, nil
}

func parseValue(s string) (any, error) {
	if s == "" {
		return "", nil
	}
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}
