package localstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/acksell/portalsync/record"
)

// Key layout. Every key starts with a one-byte table marker followed by the
// separator:
//
//	record rows:  r 0x00 [collection] 0x00 [id]
//	order index:  o 0x00 [collection] 0x00 [order value] 0x00 [id]
//	meta rows:    m 0x00 [key]
//
// Collection names and ids are escaped so they never contain the separator.
// Order values are encoded so that byte order matches value order.

const keySeparator byte = 0x00

const (
	tableRecords byte = 'r'
	tableOrder   byte = 'o'
	tableMeta    byte = 'm'
)

// Order value type markers. Missing values sort first.
const (
	orderTypeNull   byte = 0x01
	orderTypeNumber byte = 'N'
	orderTypeString byte = 'S'
)

func recordPrefix(collection string) []byte {
	var buf bytes.Buffer
	buf.WriteByte(tableRecords)
	buf.WriteByte(keySeparator)
	buf.Write(escapeBytes([]byte(collection)))
	buf.WriteByte(keySeparator)
	return buf.Bytes()
}

func recordKey(collection, id string) []byte {
	return append(recordPrefix(collection), escapeBytes([]byte(id))...)
}

func orderPrefix(collection string) []byte {
	var buf bytes.Buffer
	buf.WriteByte(tableOrder)
	buf.WriteByte(keySeparator)
	buf.Write(escapeBytes([]byte(collection)))
	buf.WriteByte(keySeparator)
	return buf.Bytes()
}

func orderKey(collection string, orderValue []byte, id string) []byte {
	key := orderPrefix(collection)
	key = append(key, orderValue...)
	key = append(key, keySeparator)
	return append(key, escapeBytes([]byte(id))...)
}

func metaKey(key string) []byte {
	return append([]byte{tableMeta, keySeparator}, key...)
}

// encodeOrderValue encodes the attribute a collection is ordered by.
func encodeOrderValue(r record.Record, attr string) ([]byte, error) {
	v, ok := r.Get(attr)
	if !ok || v == nil {
		return []byte{orderTypeNull}, nil
	}
	switch t := v.(type) {
	case string:
		return append([]byte{orderTypeString}, escapeBytes([]byte(t))...), nil
	case int64:
		return encodeNumber(float64(t)), nil
	case int:
		return encodeNumber(float64(t)), nil
	case float64:
		return encodeNumber(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("order attribute %q: %w", attr, err)
		}
		return encodeNumber(f), nil
	default:
		// Values that have no natural order sort with missing ones.
		return []byte{orderTypeNull}, nil
	}
}

// encodeNumber encodes a number for lexicographic ordering.
// Format: [type byte][sign byte][magnitude bytes]
// Positive numbers: 0x80 + big-endian float64 with the sign bit flipped.
// Negative numbers: 0x7F + big-endian float64 with all bits inverted.
func encodeNumber(f float64) []byte {
	bits := math.Float64bits(f)
	buf := make([]byte, 10)
	buf[0] = orderTypeNumber
	if f >= 0 {
		buf[1] = 0x80
		bits ^= 1 << 63
	} else {
		buf[1] = 0x7F
		bits = ^bits
	}
	binary.BigEndian.PutUint64(buf[2:], bits)
	return buf
}

// escapeBytes escapes 0x00 and 0x01 so the separator stays unambiguous.
// 0x00 becomes 0x01 0x01 and 0x01 becomes 0x01 0x02.
func escapeBytes(b []byte) []byte {
	var buf bytes.Buffer
	for _, c := range b {
		switch c {
		case 0x00:
			buf.WriteByte(0x01)
			buf.WriteByte(0x01)
		case 0x01:
			buf.WriteByte(0x01)
			buf.WriteByte(0x02)
		default:
			buf.WriteByte(c)
		}
	}
	return buf.Bytes()
}

func incrementBytes(b []byte) []byte {
	result := make([]byte, len(b))
	copy(result, b)
	for i := len(result) - 1; i >= 0; i-- {
		if result[i] < 0xFF {
			result[i]++
			return result[:i+1]
		}
	}
	// All 0xFF: no upper bound shorter than the key space end.
	return append(result, 0xFF)
}

func encodeRecord(r record.Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", r.ID, err)
	}
	return data, nil
}

func decodeRecord(data []byte) (record.Record, error) {
	var r record.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return record.Record{}, fmt.Errorf("decode record: %w", err)
	}
	return r, nil
}
