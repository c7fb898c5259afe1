package ddbremote

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	streamtypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
)

// fakeDynamo is a single-table, single-shard stand-in for DynamoDB and its
// stream. It understands just the requests the store issues.
type fakeDynamo struct {
	mu      sync.Mutex
	items   map[string]map[string]types.AttributeValue
	changes []streamtypes.Record
	// indexes maps GSI names to their range attribute.
	indexes map[string]string

	putErr   error
	queries  int
	pageSize int32
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{
		items: make(map[string]map[string]types.AttributeValue),
		indexes: map[string]string{
			DefaultIndex:    "updatedAt",
			"byScheduledAt": "scheduledAt",
		},
	}
}

const fakeStreamARN = "arn:aws:dynamodb:eu-north-1:000000000000:table/portal/stream/2024-01-01T00:00:00.000"

func keyString(item map[string]types.AttributeValue) string {
	return stringAttr(item[AttrPK]) + "\x00" + stringAttr(item[AttrSK])
}

func stringAttr(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func numberAttr(av types.AttributeValue) float64 {
	if n, ok := av.(*types.AttributeValueMemberN); ok {
		f, _ := strconv.ParseFloat(n.Value, 64)
		return f
	}
	return 0
}

func (f *fakeDynamo) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}
	key := keyString(params.Item)
	if _, exists := f.items[key]; exists && params.ConditionExpression != nil {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	f.items[key] = params.Item
	f.changes = append(f.changes, streamtypes.Record{
		EventName: streamtypes.OperationTypeInsert,
		Dynamodb: &streamtypes.StreamRecord{
			Keys: map[string]streamtypes.AttributeValue{
				AttrPK: &streamtypes.AttributeValueMemberS{Value: stringAttr(params.Item[AttrPK])},
				AttrSK: &streamtypes.AttributeValueMemberS{Value: stringAttr(params.Item[AttrSK])},
			},
		},
	})
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[keyString(params.Key)]}, nil
}

func (f *fakeDynamo) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++

	rangeAttr, ok := f.indexes[aws.ToString(params.IndexName)]
	if !ok {
		return nil, fmt.Errorf("unknown index %q", aws.ToString(params.IndexName))
	}
	// The key condition has a single value placeholder: the partition.
	var partition string
	for _, v := range params.ExpressionAttributeValues {
		partition = stringAttr(v)
	}

	var matched []map[string]types.AttributeValue
	for _, item := range f.items {
		if stringAttr(item[AttrPK]) != partition {
			continue
		}
		if _, indexed := item[rangeAttr]; !indexed {
			continue
		}
		matched = append(matched, item)
	}
	slices.SortFunc(matched, func(a, b map[string]types.AttributeValue) int {
		c := numberAttr(a[rangeAttr]) - numberAttr(b[rangeAttr])
		switch {
		case c < 0:
			return -1
		case c > 0:
			return 1
		}
		return strings.Compare(stringAttr(a[AttrSK]), stringAttr(b[AttrSK]))
	})
	if !aws.ToBool(params.ScanIndexForward) {
		slices.Reverse(matched)
	}

	start := 0
	if params.ExclusiveStartKey != nil {
		after := keyString(params.ExclusiveStartKey)
		for i, item := range matched {
			if keyString(item) == after {
				start = i + 1
			}
		}
	}
	limit := int(aws.ToInt32(params.Limit))
	if f.pageSize > 0 && int(f.pageSize) < limit {
		limit = int(f.pageSize)
	}
	end := min(start+limit, len(matched))
	out := &dynamodb.QueryOutput{Items: matched[start:end]}
	if end < len(matched) {
		last := matched[end-1]
		out.LastEvaluatedKey = map[string]types.AttributeValue{AttrPK: last[AttrPK], AttrSK: last[AttrSK]}
	}
	return out, nil
}

func (f *fakeDynamo) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{
		TableName:       params.TableName,
		LatestStreamArn: aws.String(fakeStreamARN),
	}}, nil
}

func (f *fakeDynamo) DescribeStream(ctx context.Context, params *dynamodbstreams.DescribeStreamInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.DescribeStreamOutput, error) {
	return &dynamodbstreams.DescribeStreamOutput{StreamDescription: &streamtypes.StreamDescription{
		StreamArn: params.StreamArn,
		Shards: []streamtypes.Shard{{
			ShardId:             aws.String("shard-0"),
			SequenceNumberRange: &streamtypes.SequenceNumberRange{StartingSequenceNumber: aws.String("0")},
		}},
	}}, nil
}

func (f *fakeDynamo) GetShardIterator(ctx context.Context, params *dynamodbstreams.GetShardIteratorInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetShardIteratorOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos := 0
	if params.ShardIteratorType == streamtypes.ShardIteratorTypeLatest {
		pos = len(f.changes)
	}
	return &dynamodbstreams.GetShardIteratorOutput{ShardIterator: aws.String(strconv.Itoa(pos))}, nil
}

func (f *fakeDynamo) GetRecords(ctx context.Context, params *dynamodbstreams.GetRecordsInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetRecordsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos, err := strconv.Atoi(aws.ToString(params.ShardIterator))
	if err != nil {
		return nil, &streamtypes.ExpiredIteratorException{Message: aws.String("bad iterator")}
	}
	recs := f.changes[pos:]
	return &dynamodbstreams.GetRecordsOutput{
		Records:           recs,
		NextShardIterator: aws.String(strconv.Itoa(len(f.changes))),
	}, nil
}
