package collection

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/acksell/portalsync/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet_Lookup(t *testing.T) {
	s, err := NewSet(Defaults...)
	require.NoError(t, err)

	events := s.Lookup("events")
	assert.Equal(t, "scheduledAt", events.Order())
	assert.True(t, events.Ascending)

	unknown := s.Lookup("comments")
	assert.Equal(t, "comments", unknown.Name)
	assert.Equal(t, "updatedAt", unknown.Order())
	assert.False(t, unknown.Ascending)

	assert.Equal(t, []string{"events", "ideas", "settlements", "signals"}, s.Names())
}

func TestNewSet_Invalid(t *testing.T) {
	_, err := NewSet(Definition{Name: "a"}, Definition{Name: "a"})
	require.Error(t, err)

	_, err = NewSet(Definition{})
	require.Error(t, err)

	_, err = NewSet(Definition{Name: "x", OrderBy: "id"})
	require.Error(t, err)
}

func TestNilSet(t *testing.T) {
	var s *Set
	assert.Equal(t, "signals", s.Lookup("signals").Name)
	assert.Nil(t, s.Names())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collections.yaml")
	err := os.WriteFile(path, []byte(`
collections:
  - name: signals
  - name: events
    orderBy: scheduledAt
    ascending: true
    remoteIndex: byScheduledAt
`), 0o644)
	require.NoError(t, err)

	defs, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, Definition{Name: "events", OrderBy: "scheduledAt", Ascending: true, RemoteIndex: "byScheduledAt"}, defs[1])

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestDefinition_Sort(t *testing.T) {
	recs := []record.Record{
		{ID: "b", UpdatedAt: 200},
		{ID: "a", UpdatedAt: 200},
		{ID: "c", UpdatedAt: 300},
		{ID: "d", UpdatedAt: 100},
	}
	Definition{Name: "signals"}.Sort(recs)
	assert.Equal(t, []string{"c", "b", "a", "d"}, ids(recs))

	events := []record.Record{
		{ID: "late", Fields: map[string]any{"scheduledAt": int64(300)}},
		{ID: "named", Fields: map[string]any{"scheduledAt": "tbd"}},
		{ID: "unscheduled"},
		{ID: "early", Fields: map[string]any{"scheduledAt": 100.5}},
	}
	Definition{Name: "events", OrderBy: "scheduledAt", Ascending: true}.Sort(events)
	assert.Equal(t, []string{"unscheduled", "early", "late", "named"}, ids(events))
}

func ids(recs []record.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
