package ddbremote

import (
	"encoding/json"
	"fmt"

	"github.com/acksell/portalsync/record"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Key attributes of the single table. The partition key is the collection
// name and the sort key the record id.
const (
	AttrPK = "pk"
	AttrSK = "sk"
)

// DefaultIndex is the GSI (hash pk, range updatedAt) serving collections
// without a RemoteIndex.
const DefaultIndex = "byUpdatedAt"

func itemKey(collectionName, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		AttrPK: &types.AttributeValueMemberS{Value: collectionName},
		AttrSK: &types.AttributeValueMemberS{Value: id},
	}
}

// marshalItem converts a record into a table item.
func marshalItem(collectionName string, r record.Record) (map[string]types.AttributeValue, error) {
	m := r.Map()
	delete(m, record.AttrID)
	item, err := attributevalue.MarshalMap(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s/%s: %w", collectionName, r.ID, err)
	}
	for k, v := range itemKey(collectionName, r.ID) {
		item[k] = v
	}
	return item, nil
}

// unmarshalItem is the inverse of marshalItem.
func unmarshalItem(item map[string]types.AttributeValue) (record.Record, error) {
	var m map[string]any
	err := attributevalue.UnmarshalMapWithOptions(item, &m, func(o *attributevalue.DecoderOptions) {
		o.UseNumber = true
	})
	if err != nil {
		return record.Record{}, fmt.Errorf("unmarshal item: %w", err)
	}
	m[record.AttrID] = m[AttrSK]
	delete(m, AttrPK)
	delete(m, AttrSK)
	return record.FromMap(record.Normalize(jsonNumbers(m)).(map[string]any))
}

// jsonNumbers rewrites attributevalue.Number values as json.Number so that
// record.Normalize picks integer or float types for them.
func jsonNumbers(v any) any {
	switch t := v.(type) {
	case attributevalue.Number:
		return json.Number(t)
	case map[string]any:
		for k, val := range t {
			t[k] = jsonNumbers(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = jsonNumbers(val)
		}
		return t
	default:
		return v
	}
}
