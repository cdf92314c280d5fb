// Package schema holds point-in-time snapshots of the destination database
// schema and the cache that keeps them fresh.
package schema

import (
	"slices"
	"sort"
	"strings"
	"time"
)

// Column describes one destination column as it existed when the snapshot
// was taken.
type Column struct {
	Name         string `json:"name" yaml:"name"`
	SQLType      string `json:"sqlType" yaml:"type"`
	Nullable     bool   `json:"nullable" yaml:"nullable,omitempty"`
	DefaultExpr  string `json:"defaultExpr,omitempty" yaml:"default,omitempty"`
	IsPrimaryKey bool   `json:"isPrimaryKey,omitempty" yaml:"primary_key,omitempty"`
}

// IsGenerated reports whether the database fills the column itself
// (serial or identity primary keys).
func (c Column) IsGenerated() bool {
	return c.IsPrimaryKey && strings.HasPrefix(strings.ToLower(c.DefaultExpr), "nextval(")
}

// Table is a destination table and its columns in ordinal order.
type Table struct {
	Name    string   `json:"name" yaml:"name"`
	Columns []Column `json:"columns" yaml:"columns"`
}

// Column returns the named column.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// clone returns a deep copy so callers cannot mutate snapshot internals.
func (t Table) clone() Table {
	return Table{Name: t.Name, Columns: slices.Clone(t.Columns)}
}

// Snapshot is an immutable copy of the destination schema. It is built once
// and never modified; refreshes replace it wholesale.
type Snapshot struct {
	tables    map[string]Table
	names     []string
	FetchedAt time.Time `json:"fetchedAt"`
	Version   uint64    `json:"version"`
}

// NewSnapshot builds a snapshot from tables. The input is copied.
func NewSnapshot(tables []Table, fetchedAt time.Time) *Snapshot {
	s := &Snapshot{
		tables:    make(map[string]Table, len(tables)),
		names:     make([]string, 0, len(tables)),
		FetchedAt: fetchedAt,
	}
	for _, t := range tables {
		if _, dup := s.tables[t.Name]; !dup {
			s.names = append(s.names, t.Name)
		}
		s.tables[t.Name] = t.clone()
	}
	sort.Strings(s.names)
	return s
}

// emptySnapshot is served before anything has been fetched.
var emptySnapshot = NewSnapshot(nil, time.Time{})

// Table returns a copy of the named table.
func (s *Snapshot) Table(name string) (Table, bool) {
	t, ok := s.tables[name]
	if !ok {
		return Table{}, false
	}
	return t.clone(), true
}

// Has reports whether the named table exists.
func (s *Snapshot) Has(name string) bool {
	_, ok := s.tables[name]
	return ok
}

// TableNames returns all table names in sorted order.
func (s *Snapshot) TableNames() []string {
	return slices.Clone(s.names)
}

// Tables returns copies of all tables sorted by name.
func (s *Snapshot) Tables() []Table {
	out := make([]Table, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, s.tables[name].clone())
	}
	return out
}

// Len returns the number of tables.
func (s *Snapshot) Len() int {
	return len(s.names)
}

// IsEmpty reports whether the snapshot was never fetched.
func (s *Snapshot) IsEmpty() bool {
	return s.FetchedAt.IsZero()
}

// Age returns how old the snapshot is at now.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.FetchedAt)
}

// withVersion returns a copy of s sharing its immutable tables.
func (s *Snapshot) withVersion(v uint64) *Snapshot {
	cp := *s
	cp.Version = v
	return &cp
}

// RestoreSnapshot rebuilds a persisted snapshot with its original version.
func RestoreSnapshot(tables []Table, fetchedAt time.Time, version uint64) *Snapshot {
	return NewSnapshot(tables, fetchedAt).withVersion(version)
}
