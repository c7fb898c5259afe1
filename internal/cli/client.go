package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/acksell/portalsync"
	"github.com/acksell/portalsync/collection"
	"github.com/acksell/portalsync/connectivity"
	"github.com/acksell/portalsync/remote"
	"github.com/acksell/portalsync/remote/ddbremote"
	"github.com/acksell/portalsync/remote/memremote"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"golang.org/x/sync/errgroup"
)

// openClient opens the local store and connects it to the configured
// remote. Nothing touches the network until the client runs.
func openClient(ctx context.Context, opts *RootOptions) (*portalsync.Client, error) {
	defs := opts.Config.definitions()
	set, err := collection.NewSet(defs...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid collections", err)
	}

	rem, signal, probe, err := openRemote(ctx, opts, set)
	if err != nil {
		return nil, err
	}

	client, err := portalsync.Open(portalsync.Options{
		DataDir:       opts.DataDir,
		InMemory:      opts.InMemory,
		Collections:   defs,
		MaxAttempts:   opts.Config.MaxAttempts,
		ResyncAfter:   opts.Config.ResyncAfter,
		Probe:         probe,
		ProbeInterval: opts.Config.ProbeInterval,
		Logger:        opts.Logger,
	}, rem, signal)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open local store", err)
	}
	return client, nil
}

func openRemote(ctx context.Context, opts *RootOptions, set *collection.Set) (remote.Store, *connectivity.Signal, connectivity.ProbeFunc, error) {
	switch opts.Remote {
	case RemoteDynamoDB:
		return openDynamoDB(ctx, opts, set)
	default:
		// The in-process remote is always reachable.
		rem := memremote.New(memremote.Options{Collections: set, Logger: opts.Logger})
		return rem, connectivity.NewSignal(true), nil, nil
	}
}

func openDynamoDB(ctx context.Context, opts *RootOptions, set *collection.Set) (remote.Store, *connectivity.Signal, connectivity.ProbeFunc, error) {
	dcfg := opts.Config.DynamoDB
	if dcfg.Table == "" {
		return nil, nil, nil, NewExitError(ExitCommandError, "dynamodb.table must be set in "+ConfigFileName)
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if dcfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(dcfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, nil, nil, WrapExitError(ExitCommandError, "failed to load AWS config", err)
	}

	var endpoint *string
	if dcfg.Endpoint != "" {
		endpoint = aws.String(dcfg.Endpoint)
	}
	ddb := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		o.BaseEndpoint = endpoint
	})
	streams := dynamodbstreams.NewFromConfig(awsCfg, func(o *dynamodbstreams.Options) {
		o.BaseEndpoint = endpoint
	})

	store, err := ddbremote.New(ddb, streams, ddbremote.Options{
		Table:        dcfg.Table,
		StreamARN:    dcfg.StreamARN,
		Collections:  set,
		PollInterval: dcfg.PollInterval,
		Logger:       opts.Logger,
	})
	if err != nil {
		return nil, nil, nil, WrapExitError(ExitCommandError, "invalid dynamodb settings", err)
	}

	probe := connectivity.STSProbe(sts.NewFromConfig(awsCfg))
	if endpoint != nil {
		// Local endpoints have no STS; ask the table instead.
		probe = tableProbe(ddb, dcfg.Table)
	}
	return store, connectivity.NewSignal(false), probe, nil
}

func tableProbe(ddb ddbremote.DynamoDBAPI, table string) connectivity.ProbeFunc {
	return func(ctx context.Context) error {
		_, err := ddb.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
		return err
	}
}

// whileSyncing runs fn with the client's reconciler started, and stops it
// once fn returns. Queued creates are left for run and queue flush. The
// remote is assumed reachable; a failing watch leaves the cache as it is.
func whileSyncing(ctx context.Context, client *portalsync.Client, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client.Signal.Set(true)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := client.Reconciler.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return fn(ctx)
	})
	return g.Wait()
}

func closeClient(client *portalsync.Client, opts *RootOptions) {
	if err := client.Close(); err != nil {
		opts.Logger.WithError(err).Warn("closing local store failed")
	}
}

func collectionArg(opts *RootOptions, name string) error {
	for _, d := range opts.Config.definitions() {
		if d.Name == name {
			return nil
		}
	}
	return NewExitError(ExitCommandError, fmt.Sprintf("unknown collection %q", name))
}
