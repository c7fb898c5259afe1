// Package ddbremote implements remote.Store on a single DynamoDB table.
//
// Items are keyed by pk (collection name) and sk (record id). List queries
// run against a GSI per ordering, hash key pk and range key the ordering
// attribute. Changes are observed through the table's DynamoDB stream,
// which must be enabled (any view type; only keys are read).
package ddbremote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/acksell/portalsync/collection"
	"github.com/acksell/portalsync/record"
	"github.com/acksell/portalsync/remote"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	log "github.com/sirupsen/logrus"
)

const (
	defaultPageSize     = 100
	defaultPollInterval = time.Second
)

type Options struct {
	Table string
	// StreamARN of the table's stream. Looked up with DescribeTable when
	// empty.
	StreamARN   string
	Collections *collection.Set
	// PollInterval is the delay between stream polls of a watcher.
	PollInterval time.Duration
	// Now stamps createdAt and updatedAt on create. Defaults to time.Now.
	Now    func() time.Time
	Logger log.FieldLogger
}

// Store is a remote.Store backed by DynamoDB.
type Store struct {
	ddb          DynamoDBAPI
	streams      StreamsAPI
	table        string
	streamARN    string
	collections  *collection.Set
	pollInterval time.Duration
	now          func() time.Time
	log          log.FieldLogger
}

var _ remote.Store = (*Store)(nil)

// New returns a store. streams may be nil, in which case Watch fails.
func New(ddb DynamoDBAPI, streams StreamsAPI, opts Options) (*Store, error) {
	if opts.Table == "" {
		return nil, errors.New("ddbremote: table name is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Store{
		ddb:          ddb,
		streams:      streams,
		table:        opts.Table,
		streamARN:    opts.StreamARN,
		collections:  opts.Collections,
		pollInterval: opts.PollInterval,
		now:          opts.Now,
		log:          opts.Logger.WithField("component", "ddbremote").WithField("table", opts.Table),
	}, nil
}

// Create puts the record under id unless an item with that key exists.
func (s *Store) Create(ctx context.Context, collectionName, id string, rec record.Record) (record.Record, error) {
	if id == "" {
		return record.Record{}, remote.Rejected(fmt.Errorf("create %s: id is required", collectionName))
	}
	ts := s.now().UnixMilli()
	stored := record.Record{ID: id, CreatedAt: ts, UpdatedAt: ts, Fields: rec.Fields}
	item, err := marshalItem(collectionName, stored)
	if err != nil {
		return record.Record{}, remote.Rejected(err)
	}

	expr, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name(AttrPK))).
		Build()
	if err != nil {
		return record.Record{}, fmt.Errorf("failed to build condition expression: %w", err)
	}
	_, err = s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 &s.table,
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return record.Record{}, fmt.Errorf("create %s/%s: %w", collectionName, id, classify(err))
	}
	return stored, nil
}

func (s *Store) Get(ctx context.Context, collectionName, id string) (record.Record, error) {
	res, err := s.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.table,
		Key:            itemKey(collectionName, id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return record.Record{}, fmt.Errorf("get %s/%s: %w", collectionName, id, classify(err))
	}
	if res.Item == nil {
		return record.Record{}, fmt.Errorf("get %s/%s: %w", collectionName, id, remote.ErrNotFound)
	}
	return unmarshalItem(res.Item)
}

// Query returns the records of q in collection order. A single-record query
// that finds nothing returns an empty result.
func (s *Store) Query(ctx context.Context, q remote.Query) ([]record.Record, error) {
	if err := q.Validate(); err != nil {
		return nil, remote.Rejected(err)
	}
	if q.ID != "" {
		r, err := s.Get(ctx, q.Collection, q.ID)
		if errors.Is(err, remote.ErrNotFound) {
			return []record.Record{}, nil
		}
		if err != nil {
			return nil, err
		}
		return []record.Record{r}, nil
	}

	def := s.collections.Lookup(q.Collection)
	index := def.RemoteIndex
	if index == "" {
		index = DefaultIndex
	}
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.KeyEqual(expression.Key(AttrPK), expression.Value(q.Collection))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build query expression: %w", err)
	}

	pageSize := int32(defaultPageSize)
	if q.Limit > 0 && q.Limit < defaultPageSize {
		pageSize = int32(q.Limit)
	}

	recs := []record.Record{}
	var cursor map[string]types.AttributeValue
	for {
		res, err := s.ddb.Query(ctx, &dynamodb.QueryInput{
			TableName:                 &s.table,
			IndexName:                 &index,
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ScanIndexForward:          aws.Bool(def.Ascending),
			Limit:                     &pageSize,
			ExclusiveStartKey:         cursor,
		})
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", q.Shape(), classify(err))
		}
		for _, item := range res.Items {
			r, err := unmarshalItem(item)
			if err != nil {
				s.log.WithError(err).WithField("collection", q.Collection).Warn("skipping malformed item")
				continue
			}
			recs = append(recs, r)
			if q.Limit > 0 && len(recs) >= q.Limit {
				return recs, nil
			}
		}
		if res.LastEvaluatedKey == nil {
			return recs, nil
		}
		cursor = res.LastEvaluatedKey
	}
}

// Watch returns a watcher whose first snapshot is the current query result
// and which re-queries whenever the table stream reports a change that may
// affect it.
func (s *Store) Watch(ctx context.Context, q remote.Query) (remote.Watcher, error) {
	if err := q.Validate(); err != nil {
		return nil, remote.Rejected(err)
	}
	if s.streams == nil {
		return nil, remote.Rejected(errors.New("watch: no streams client configured"))
	}
	arn, err := s.streamArn(ctx)
	if err != nil {
		return nil, err
	}
	w := &watcher{
		store:     s,
		q:         q,
		streamARN: arn,
		shards:    make(map[string]*string),
		closed:    make(map[string]bool),
		done:      make(chan struct{}),
	}
	// Position at the stream head before the initial query, so no change
	// between the two is missed.
	if err := w.openShards(ctx, true); err != nil {
		return nil, err
	}
	return w, nil
}

func (s *Store) streamArn(ctx context.Context) (string, error) {
	if s.streamARN != "" {
		return s.streamARN, nil
	}
	res, err := s.ddb.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: &s.table})
	if err != nil {
		return "", fmt.Errorf("describe table: %w", classify(err))
	}
	if res.Table == nil || res.Table.LatestStreamArn == nil {
		return "", remote.Rejected(fmt.Errorf("table %s has no stream enabled", s.table))
	}
	return aws.ToString(res.Table.LatestStreamArn), nil
}
