package ddbremote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/acksell/portalsync/remote"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	streamtypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
)

const recordsPerPoll = 1000

// watcher polls the table stream on behalf of one query. It is used by a
// single goroutine at a time, apart from Close.
type watcher struct {
	store     *Store
	q         remote.Query
	streamARN string

	// shards maps open shard ids to their next iterator.
	shards map[string]*string
	// closed holds shards that were fully read.
	closed map[string]bool
	sent   bool

	once sync.Once
	done chan struct{}
}

func (w *watcher) Next(ctx context.Context) (remote.Snapshot, error) {
	select {
	case <-w.done:
		return remote.Snapshot{}, remote.ErrClosed
	default:
	}
	if w.sent {
		if err := w.waitForChange(ctx); err != nil {
			return remote.Snapshot{}, err
		}
	}
	recs, err := w.store.Query(ctx, w.q)
	if err != nil {
		return remote.Snapshot{}, err
	}
	w.sent = true
	return remote.Snapshot{Records: recs}, nil
}

func (w *watcher) Close() error {
	w.once.Do(func() { close(w.done) })
	return nil
}

// waitForChange polls until the stream carries a change relevant to the
// query.
func (w *watcher) waitForChange(ctx context.Context) error {
	ticker := time.NewTicker(w.store.pollInterval)
	defer ticker.Stop()
	for {
		changed, err := w.poll(ctx)
		if err != nil {
			return err
		}
		if changed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.done:
			return remote.ErrClosed
		case <-ticker.C:
		}
	}
}

// poll reads every open shard once. It reads all shards even after finding
// a change so their iterators stay current.
func (w *watcher) poll(ctx context.Context) (bool, error) {
	var changed, reshard bool
	for id, iter := range w.shards {
		res, err := w.store.streams.GetRecords(ctx, &dynamodbstreams.GetRecordsInput{
			ShardIterator: iter,
			Limit:         aws.Int32(recordsPerPoll),
		})
		if err != nil {
			return false, fmt.Errorf("read stream shard %s: %w", id, classify(err))
		}
		for _, rec := range res.Records {
			if w.relevant(rec) {
				changed = true
			}
		}
		if res.NextShardIterator == nil {
			// The shard was split or retired; its children carry on.
			delete(w.shards, id)
			w.closed[id] = true
			reshard = true
			continue
		}
		w.shards[id] = res.NextShardIterator
	}
	if reshard {
		if err := w.openShards(ctx, false); err != nil {
			return false, err
		}
	}
	return changed, nil
}

func (w *watcher) relevant(rec streamtypes.Record) bool {
	if rec.Dynamodb == nil {
		return false
	}
	pk, ok := rec.Dynamodb.Keys[AttrPK].(*streamtypes.AttributeValueMemberS)
	if !ok || pk.Value != w.q.Collection {
		return false
	}
	if w.q.ID == "" {
		return true
	}
	sk, ok := rec.Dynamodb.Keys[AttrSK].(*streamtypes.AttributeValueMemberS)
	return ok && sk.Value == w.q.ID
}

// openShards starts reading every open shard not yet tracked. On the first
// call reading starts at the stream head; shards discovered later are read
// from their beginning, since they were created after the watch started.
func (w *watcher) openShards(ctx context.Context, initial bool) error {
	iterType := streamtypes.ShardIteratorTypeTrimHorizon
	if initial {
		iterType = streamtypes.ShardIteratorTypeLatest
	}

	var start *string
	for {
		res, err := w.store.streams.DescribeStream(ctx, &dynamodbstreams.DescribeStreamInput{
			StreamArn:             &w.streamARN,
			ExclusiveStartShardId: start,
		})
		if err != nil {
			return fmt.Errorf("describe stream: %w", classify(err))
		}
		if res.StreamDescription == nil {
			return fmt.Errorf("describe stream %s: empty description", w.streamARN)
		}
		for _, shard := range res.StreamDescription.Shards {
			id := aws.ToString(shard.ShardId)
			if _, tracked := w.shards[id]; tracked || w.closed[id] {
				continue
			}
			if initial && shard.SequenceNumberRange != nil && shard.SequenceNumberRange.EndingSequenceNumber != nil {
				// Already closed before the watch started.
				w.closed[id] = true
				continue
			}
			it, err := w.store.streams.GetShardIterator(ctx, &dynamodbstreams.GetShardIteratorInput{
				StreamArn:         &w.streamARN,
				ShardId:           shard.ShardId,
				ShardIteratorType: iterType,
			})
			if err != nil {
				return fmt.Errorf("shard iterator %s: %w", id, classify(err))
			}
			w.shards[id] = it.ShardIterator
		}
		start = res.StreamDescription.LastEvaluatedShardId
		if start == nil {
			return nil
		}
	}
}
