package models

import (
	"fmt"
	"strings"
)

// LogicalType is a warehouse-independent column type.
type LogicalType string

const (
	TypeInteger   LogicalType = "integer"
	TypeFloat     LogicalType = "float"
	TypeBoolean   LogicalType = "boolean"
	TypeString    LogicalType = "string"
	TypeTimestamp LogicalType = "timestamp"
	// TypeVariant holds semi-structured values. They are serialized to JSON
	// text on materialization and parsed back by the warehouse.
	TypeVariant LogicalType = "variant"
)

// ParseLogicalType validates a type name from a schema message.
func ParseLogicalType(s string) (LogicalType, bool) {
	switch t := LogicalType(strings.ToLower(s)); t {
	case TypeInteger, TypeFloat, TypeBoolean, TypeString, TypeTimestamp, TypeVariant:
		return t, true
	}
	return "", false
}

// Column is one typed column of a stream schema.
type Column struct {
	Name       string      `json:"name"`
	Type       LogicalType `json:"type"`
	Nullable   bool        `json:"nullable"`
	PrimaryKey bool        `json:"primary_key,omitempty"`
}

// SafeColumnName returns the quoted upper-case identifier used on the
// warehouse side. Column identity is case-insensitive.
func SafeColumnName(name string) string {
	return fmt.Sprintf(`"%s"`, strings.ToUpper(name))
}

// TableNameOf maps a stream name to its destination table identifier.
// Separators allowed in stream names are not valid in table names.
func TableNameOf(stream string) string {
	r := strings.NewReplacer(".", "_", "-", "_")
	return strings.ToUpper(r.Replace(stream))
}

// Schema is the registry entry of one stream: its current ordered column set.
// Column order is declaration order and append-only.
type Schema struct {
	Stream  string
	Table   string
	columns []Column
	index   map[string]int // upper-cased name -> position in columns
	version int
}

// NewSchema creates a stream schema from a schema declaration.
func NewSchema(stream string, columns []Column) (*Schema, error) {
	s := &Schema{
		Stream:  stream,
		Table:   TableNameOf(stream),
		index:   map[string]int{},
		version: 1,
	}

	for _, col := range columns {
		key := strings.ToUpper(col.Name)
		if _, ok := s.index[key]; ok {
			return nil, &SchemaConflictError{
				Stream: stream,
				Column: col.Name,
				Reason: "duplicate column name in declaration",
			}
		}
		s.index[key] = len(s.columns)
		s.columns = append(s.columns, col)
	}

	return s, nil
}

// Columns returns a copy of the current column set in declaration order.
func (x *Schema) Columns() []Column {
	cols := make([]Column, len(x.columns))
	copy(cols, x.columns)
	return cols
}

// Merge applies a re-declaration to the schema. New columns are appended as
// nullable, integer widens to float, a changed key subset is adopted, any
// other type change is a conflict. Returns true if the column set changed.
func (x *Schema) Merge(columns []Column) (bool, error) {
	changed := false

	for _, col := range columns {
		key := strings.ToUpper(col.Name)
		pos, ok := x.index[key]
		if !ok {
			col.Nullable = true
			x.index[key] = len(x.columns)
			x.columns = append(x.columns, col)
			changed = true
			continue
		}

		current := x.columns[pos]
		switch {
		case current.Type == col.Type:
		case current.Type == TypeInteger && col.Type == TypeFloat:
			x.columns[pos].Type = TypeFloat
			changed = true
		case current.Type == TypeFloat && col.Type == TypeInteger:
			// Already wide enough.
		default:
			return false, &SchemaConflictError{
				Stream: x.Stream,
				Column: col.Name,
				Have:   current.Type,
				Want:   col.Type,
				Reason: "incompatible type re-declaration",
			}
		}

		// A re-declared key subset switches the load mode for later batches.
		if current.PrimaryKey != col.PrimaryKey {
			x.columns[pos].PrimaryKey = col.PrimaryKey
			x.columns[pos].Nullable = col.Nullable
			changed = true
		}
	}

	if changed {
		x.version++
	}
	return changed, nil
}

// Changed reports whether Merge would modify the column set, without
// applying it. The pipeline seals the stream's open batch before applying
// an effective schema change.
func (x *Schema) Changed(columns []Column) (bool, error) {
	for _, col := range columns {
		pos, ok := x.index[strings.ToUpper(col.Name)]
		if !ok {
			return true, nil
		}

		current := x.columns[pos]
		switch {
		case current.Type == col.Type:
		case current.Type == TypeInteger && col.Type == TypeFloat:
			return true, nil
		case current.Type == TypeFloat && col.Type == TypeInteger:
		default:
			return false, &SchemaConflictError{
				Stream: x.Stream,
				Column: col.Name,
				Have:   current.Type,
				Want:   col.Type,
				Reason: "incompatible type re-declaration",
			}
		}

		if current.PrimaryKey != col.PrimaryKey {
			return true, nil
		}
	}
	return false, nil
}

// Snapshot freezes the current column set for a sealed batch.
func (x *Schema) Snapshot() *SchemaVersion {
	return &SchemaVersion{
		Stream:  x.Stream,
		Table:   x.Table,
		ID:      fmt.Sprintf("v%d", x.version),
		Columns: x.Columns(),
	}
}

// SchemaVersion is an immutable snapshot of a stream schema taken when a
// batch is sealed. It drives both the file header and the pre-load diff
// against the live table.
type SchemaVersion struct {
	Stream  string
	Table   string
	ID      string
	Columns []Column
}

// PrimaryKeys returns primary key column names in declaration order.
func (x *SchemaVersion) PrimaryKeys() []string {
	var keys []string
	for _, col := range x.Columns {
		if col.PrimaryKey {
			keys = append(keys, col.Name)
		}
	}
	return keys
}

// HasPrimaryKey reports whether the stream declared a primary key subset.
func (x *SchemaVersion) HasPrimaryKey() bool {
	return len(x.PrimaryKeys()) > 0
}

// TableColumn is one column of a live warehouse table.
type TableColumn struct {
	Name string
	Type string
}

// Diff returns the columns present in the snapshot but missing from the
// live table, in declaration order. Drops are never proposed; live columns
// unknown to the snapshot are left alone.
func (x *SchemaVersion) Diff(live []TableColumn) []Column {
	existing := map[string]bool{}
	for _, col := range live {
		existing[strings.ToUpper(col.Name)] = true
	}

	var missing []Column
	for _, col := range x.Columns {
		if !existing[strings.ToUpper(col.Name)] {
			missing = append(missing, col)
		}
	}
	return missing
}
