// Package collection describes the record collections the cache knows about
// and how each one is ordered.
package collection

import (
	"cmp"
	"fmt"
	"os"
	"slices"
	"sort"

	"github.com/acksell/portalsync/record"
	"gopkg.in/yaml.v3"
)

// Definition describes a single collection.
type Definition struct {
	Name string `yaml:"name" json:"name"`
	// OrderBy is the attribute lists are sorted by. Defaults to updatedAt.
	OrderBy string `yaml:"orderBy,omitempty" json:"orderBy,omitempty"`
	// Ascending flips the default newest-first order.
	Ascending bool `yaml:"ascending,omitempty" json:"ascending,omitempty"`
	// RemoteIndex is the DynamoDB GSI serving OrderBy. Empty uses the
	// table's default updatedAt index.
	RemoteIndex string `yaml:"remoteIndex,omitempty" json:"remoteIndex,omitempty"`
}

// Order returns the effective ordering attribute.
func (d Definition) Order() string {
	if d.OrderBy == "" {
		return record.AttrUpdatedAt
	}
	return d.OrderBy
}

func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("collection name is required")
	}
	if d.Order() == record.AttrID {
		return fmt.Errorf("collection %s: cannot order by %q", d.Name, record.AttrID)
	}
	return nil
}

// Defaults are the portal's collections.
var Defaults = []Definition{
	{Name: "signals"},
	{Name: "ideas"},
	{Name: "events", OrderBy: "scheduledAt", Ascending: true, RemoteIndex: "byScheduledAt"},
	{Name: "settlements"},
}

// Set is a lookup of definitions by name. Unknown collections resolve to a
// default updatedAt-descending definition, so callers never need to check.
type Set struct {
	defs map[string]Definition
}

func NewSet(defs ...Definition) (*Set, error) {
	s := &Set{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.defs[d.Name]; dup {
			return nil, fmt.Errorf("duplicate collection %q", d.Name)
		}
		s.defs[d.Name] = d
	}
	return s, nil
}

// Lookup returns the definition for name.
func (s *Set) Lookup(name string) Definition {
	if s != nil {
		if d, ok := s.defs[name]; ok {
			return d
		}
	}
	return Definition{Name: name}
}

// Names returns the configured collection names, sorted.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.defs))
	for n := range s.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// File is the YAML layout of a collections file.
type File struct {
	Collections []Definition `yaml:"collections" json:"collections"`
}

// LoadFile reads definitions from a YAML file.
func LoadFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read collections file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse collections file %s: %w", path, err)
	}
	return f.Collections, nil
}

// Compare orders two records the way lists of this collection are sorted.
// Missing order values sort before numbers, numbers before strings, and
// ties are broken by id.
func (d Definition) Compare(a, b record.Record) int {
	c := compareValues(orderValue(a, d.Order()), orderValue(b, d.Order()))
	if c == 0 {
		c = cmp.Compare(a.ID, b.ID)
	}
	if !d.Ascending {
		c = -c
	}
	return c
}

// Sort sorts recs in place in collection order.
func (d Definition) Sort(recs []record.Record) {
	slices.SortStableFunc(recs, d.Compare)
}

func orderValue(r record.Record, attr string) any {
	v, ok := r.Get(attr)
	if !ok {
		return nil
	}
	return record.Normalize(v)
}

func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch av := a.(type) {
	case string:
		return cmp.Compare(av, b.(string))
	case nil:
		return 0
	default:
		return cmp.Compare(toFloat(a), toFloat(b))
	}
}

// rank groups values by type: missing, number, string. Other types are
// treated as missing.
func rank(v any) int {
	switch v.(type) {
	case int64, int, float64:
		return 1
	case string:
		return 2
	}
	return 0
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case float64:
		return n
	}
	return 0
}
