// Package record defines the document type shared by the local cache, the
// mutation queue and the remote store.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Reserved attribute names. They are lifted out of Fields on decode and are
// never written into Fields.
const (
	AttrID        = "id"
	AttrCreatedAt = "createdAt"
	AttrUpdatedAt = "updatedAt"
)

// Record is a domain document (signal, idea, event, settlement).
// Timestamps are milliseconds since the Unix epoch.
type Record struct {
	ID        string
	CreatedAt int64
	UpdatedAt int64
	Fields    map[string]any
}

// New returns a record with the given id and payload, stamped with now for
// both timestamps. Reserved keys in fields are ignored.
func New(id string, fields map[string]any, now time.Time) Record {
	ms := now.UnixMilli()
	return Record{
		ID:        id,
		CreatedAt: ms,
		UpdatedAt: ms,
		Fields:    withoutReserved(fields),
	}
}

// Get returns a payload field.
func (r Record) Get(name string) (any, bool) {
	switch name {
	case AttrID:
		return r.ID, true
	case AttrCreatedAt:
		return r.CreatedAt, true
	case AttrUpdatedAt:
		return r.UpdatedAt, true
	}
	v, ok := r.Fields[name]
	return v, ok
}

// Map flattens the record into a single attribute map.
func (r Record) Map() map[string]any {
	m := make(map[string]any, len(r.Fields)+3)
	for k, v := range r.Fields {
		m[k] = v
	}
	m[AttrID] = r.ID
	m[AttrCreatedAt] = r.CreatedAt
	m[AttrUpdatedAt] = r.UpdatedAt
	return m
}

// FromMap is the inverse of Map.
func FromMap(m map[string]any) (Record, error) {
	var r Record
	id, ok := m[AttrID].(string)
	if !ok || id == "" {
		return Record{}, fmt.Errorf("record %q attribute missing or not a string", AttrID)
	}
	r.ID = id
	var err error
	if r.CreatedAt, err = millis(m[AttrCreatedAt]); err != nil {
		return Record{}, fmt.Errorf("record %s: %s: %w", id, AttrCreatedAt, err)
	}
	if r.UpdatedAt, err = millis(m[AttrUpdatedAt]); err != nil {
		return Record{}, fmt.Errorf("record %s: %s: %w", id, AttrUpdatedAt, err)
	}
	r.Fields = withoutReserved(m)
	return r, nil
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Map())
}

func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return err
	}
	decoded, err := FromMap(Normalize(m).(map[string]any))
	if err != nil {
		return err
	}
	*r = decoded
	return nil
}

// Newer reports whether r should replace other under last-write-wins.
// Equal timestamps count as newer so a repeated snapshot overwrites in place.
func (r Record) Newer(other Record) bool {
	return r.UpdatedAt >= other.UpdatedAt
}

// Normalize converts json.Number values (recursively) into int64 when
// integral and float64 otherwise, so payloads round-trip through the local
// cache with the same Go types the remote marshallers expect.
func Normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, val := range t {
			t[k] = Normalize(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = Normalize(val)
		}
		return t
	default:
		return v
	}
}

func millis(v any) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("timestamp %v is not integral", t)
		}
		return int64(t), nil
	case json.Number:
		return t.Int64()
	default:
		return 0, fmt.Errorf("unexpected timestamp type %T", v)
	}
}

func withoutReserved(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch k {
		case AttrID, AttrCreatedAt, AttrUpdatedAt:
			continue
		}
		out[k] = v
	}
	return out
}

// MaxUpdatedAt returns the highest UpdatedAt among recs, or 0.
func MaxUpdatedAt(recs []Record) int64 {
	var max int64
	for _, r := range recs {
		if r.UpdatedAt > max {
			max = r.UpdatedAt
		}
	}
	return max
}
