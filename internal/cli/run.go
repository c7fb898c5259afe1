package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/acksell/portalsync"
	"github.com/acksell/portalsync/livesync"
	"github.com/acksell/portalsync/metrics"
	"github.com/acksell/portalsync/remote"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	MetricsAddr      string
	ResubscribeAfter time.Duration
}

const defaultResubscribeAfter = 30 * time.Second

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Keep the cache in sync and flush queued creates",
		Long: `Run the data layer until interrupted.

The configured queries (every collection by default) are kept live in the
local cache, and records queued while offline are written to the remote as
soon as it is reachable.

Example:
  portalsync run --remote dynamodb
  portalsync run --metrics-addr :9090 --log-level debug`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSync(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().DurationVar(&opts.ResubscribeAfter, "resubscribe-after", defaultResubscribeAfter,
		"reopen a failed live query after this long if connectivity does not flip first")

	return cmd
}

func runSync(ctx context.Context, opts *RunOptions) error {
	client, err := openClient(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeClient(client, opts.RootOptions)

	addr := opts.MetricsAddr
	if addr == "" {
		addr = opts.Config.MetricsAddr
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(ctx) })
	if addr != "" {
		g.Go(func() error { return serveMetrics(ctx, addr) })
	}
	for _, q := range watchQueries(opts.Config) {
		g.Go(func() error {
			logger := opts.Logger.WithField("query", q.Shape())
			watch(ctx, client, q, opts.ResubscribeAfter, logger)
			return nil
		})
	}

	opts.Logger.WithField("remote", opts.Remote).WithField("dataDir", opts.DataDir).Info("portalsync running")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "sync stopped", err)
	}
	return nil
}

func watchQueries(cfg Config) []remote.Query {
	if len(cfg.Watch) > 0 {
		qs := make([]remote.Query, 0, len(cfg.Watch))
		for _, w := range cfg.Watch {
			qs = append(qs, remote.Query{Collection: w.Collection, Limit: w.Limit})
		}
		return qs
	}
	defs := cfg.definitions()
	qs := make([]remote.Query, 0, len(defs))
	for _, d := range defs {
		qs = append(qs, remote.Query{Collection: d.Name})
	}
	return qs
}

// watch keeps q live until ctx is done. A subscription whose session failed
// is replaced on the next online transition, or after retryAfter while the
// remote stays reachable.
func watch(ctx context.Context, client *portalsync.Client, q remote.Query, retryAfter time.Duration, logger log.FieldLogger) {
	if retryAfter <= 0 {
		retryAfter = defaultResubscribeAfter
	}
	transitions, cancel := client.Signal.Subscribe()
	defer cancel()

	for {
		err := follow(ctx, client.Read(ctx, q), logger)
		if err == nil {
			return
		}
		logger.WithError(err).WithField("retryAfter", retryAfter).Warn("live query failed, serving cache until resubscribed")

		// Only a flip after the failure counts.
		select {
		case <-transitions:
		default:
		}
		timer := time.NewTimer(retryAfter)
		wait := true
		for wait {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case online := <-transitions:
				wait = !online
			case <-timer.C:
				wait = false
			}
		}
		timer.Stop()
	}
}

// follow logs updates of sub until ctx is done or the subscription ends. It
// returns the session error if the subscription failed.
func follow(ctx context.Context, sub *livesync.Subscription, logger log.FieldLogger) error {
	defer sub.Close()
	logger.WithField("records", len(sub.Initial)).Debug("serving from cache")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Failed():
			return sub.Err()
		case u, ok := <-sub.Updates():
			if !ok {
				return nil
			}
			logger.WithField("records", len(u.Records)).WithField("resync", u.Resync).Info("query updated")
		}
	}
}

func serveMetrics(ctx context.Context, addr string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(metrics.Collectors()...)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
