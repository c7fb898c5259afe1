package record

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_JSON(t *testing.T) {
	r := Record{
		ID:        "sig-1",
		CreatedAt: 1000,
		UpdatedAt: 2000,
		Fields: map[string]any{
			"title":    "Pothole",
			"severity": int64(3),
			"lat":      59.33,
			"tags":     []any{"road", "urgent"},
		},
	}
	data, err := json.Marshal(r)
	require.NoError(t, err)

	var got Record
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, r, got)
}

func TestRecord_ReservedKeysStayOutOfFields(t *testing.T) {
	r := New("a", map[string]any{"id": "spoofed", "updatedAt": 1, "title": "x"}, time.UnixMilli(42))
	assert.Equal(t, "a", r.ID)
	assert.Equal(t, int64(42), r.UpdatedAt)
	assert.Equal(t, map[string]any{"title": "x"}, r.Fields)
}

func TestFromMap(t *testing.T) {
	t.Run("missing id", func(t *testing.T) {
		_, err := FromMap(map[string]any{"title": "x"})
		require.Error(t, err)
	})
	t.Run("fractional timestamp", func(t *testing.T) {
		_, err := FromMap(map[string]any{"id": "x", "updatedAt": 1.5})
		require.Error(t, err)
	})
	t.Run("missing timestamps default to zero", func(t *testing.T) {
		r, err := FromMap(map[string]any{"id": "x"})
		require.NoError(t, err)
		assert.Zero(t, r.UpdatedAt)
		assert.Empty(t, r.Fields)
	})
}

func TestRecord_Get(t *testing.T) {
	r := Record{ID: "e1", UpdatedAt: 7, Fields: map[string]any{"scheduledAt": int64(99)}}
	v, ok := r.Get("scheduledAt")
	require.True(t, ok)
	assert.Equal(t, int64(99), v)

	v, ok = r.Get(AttrUpdatedAt)
	require.True(t, ok)
	assert.Equal(t, int64(7), v)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestMaxUpdatedAt(t *testing.T) {
	assert.Zero(t, MaxUpdatedAt(nil))
	assert.Equal(t, int64(9), MaxUpdatedAt([]Record{{UpdatedAt: 3}, {UpdatedAt: 9}, {UpdatedAt: 5}}))
}
