// Package cli implements the portalsync command line.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Remote backends.
const (
	RemoteMemory   = "memory"
	RemoteDynamoDB = "dynamodb"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// RootOptions holds global flags and the settings resolved from them.
type RootOptions struct {
	ConfigPath string
	DataDir    string
	InMemory   bool
	Remote     string
	LogLevel   string
	Format     string

	// Config is loaded before any subcommand runs.
	Config Config
	Logger *log.Logger
}

// NewRootCommand creates the root command of the portalsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "portalsync",
		Short: "Offline data layer of the citizen reporting portal",
		Long: `portalsync keeps a local cache of the portal's collections (signals, ideas,
events, settlements) in step with the remote store, and queues records created
while offline until the remote can take them.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.resolve(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default: nearest "+ConfigFileName+")")
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "", "directory of the local database")
	cmd.PersistentFlags().BoolVar(&opts.InMemory, "memory", false, "keep the local database in memory")
	cmd.PersistentFlags().StringVar(&opts.Remote, "remote", "", "remote backend (memory|dynamodb)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewResyncCommand(opts))

	return cmd
}

// resolve validates the flags and fills unset ones from the config file.
func (o *RootOptions) resolve(cmd *cobra.Command) error {
	if !slices.Contains(ValidFormats, o.Format) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", o.Format, ValidFormats))
	}

	logger := log.New()
	logger.SetOutput(cmd.ErrOrStderr())
	lvl, err := log.ParseLevel(o.LogLevel)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid log level", err)
	}
	logger.SetLevel(lvl)
	o.Logger = logger

	cfg, err := LoadConfig(o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	o.Config = cfg

	if o.DataDir == "" {
		o.DataDir = cfg.DataDir
	}
	if o.DataDir == "" && !o.InMemory {
		o.DataDir = defaultDataDir()
	}
	if o.Remote == "" {
		o.Remote = cfg.Remote
	}
	if o.Remote == "" {
		o.Remote = RemoteMemory
	}
	if o.Remote != RemoteMemory && o.Remote != RemoteDynamoDB {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid remote %q: must be %s or %s", o.Remote, RemoteMemory, RemoteDynamoDB))
	}
	return nil
}

func defaultDataDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".portalsync"
	}
	return filepath.Join(dir, "portalsync")
}
