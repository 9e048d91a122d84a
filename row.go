package spandb

import (
	"fmt"
	"time"

	"github.com/spandb/spandb.go/pkg/protocol"
	"github.com/spandb/spandb.go/pkg/status"
)

// Row is one result row. Column values are decoded wire values; use Column
// or ColumnByName to copy them into typed Go variables.
type Row struct {
	fields []protocol.Field
	index  map[string]int
	values []any
}

func newRow(fields []protocol.Field, index map[string]int, values []any) *Row {
	return &Row{fields: fields, index: index, values: values}
}

// Size returns the number of columns.
func (r *Row) Size() int { return len(r.values) }

// ColumnNames returns the column names in result order.
func (r *Row) ColumnNames() []string {
	names := make([]string, len(r.fields))
	for i, f := range r.fields {
		names[i] = f.Name
	}
	return names
}

// ColumnValue returns the raw decoded value of column i.
func (r *Row) ColumnValue(i int) any {
	return r.values[i]
}

// Column copies the value of column i into dest, which must be a pointer to
// a supported Go type.
func (r *Row) Column(i int, dest any) error {
	if i < 0 || i >= len(r.values) {
		return status.Errorf(status.InvalidArgument, "column index %d out of range [0, %d)", i, len(r.values))
	}
	if err := assignValue(dest, r.values[i]); err != nil {
		name := fmt.Sprintf("%d", i)
		if i < len(r.fields) {
			name = r.fields[i].Name
		}
		return status.Errorf(status.InvalidArgument, "column %s: %v", name, err)
	}
	return nil
}

// ColumnByName copies the named column's value into dest.
func (r *Row) ColumnByName(name string, dest any) error {
	i, ok := r.index[name]
	if !ok {
		return status.Errorf(status.InvalidArgument, "no column named %s", name)
	}
	return r.Column(i, dest)
}

// assignValue converts a decoded wire value into the Go variable dest
// points at. CBOR integers may arrive as int64 or uint64 and timestamps as
// time.Time or RFC 3339 strings, so both forms are accepted.
func assignValue(dest, v any) error {
	switch d := dest.(type) {
	case *any:
		*d = v
		return nil
	case *string:
		if s, ok := v.(string); ok {
			*d = s
			return nil
		}
	case *int64:
		switch n := v.(type) {
		case int64:
			*d = n
			return nil
		case uint64:
			*d = int64(n)
			return nil
		case int:
			*d = int64(n)
			return nil
		}
	case *float64:
		switch n := v.(type) {
		case float64:
			*d = n
			return nil
		case int64:
			*d = float64(n)
			return nil
		case uint64:
			*d = float64(n)
			return nil
		}
	case *bool:
		if b, ok := v.(bool); ok {
			*d = b
			return nil
		}
	case *[]byte:
		if b, ok := v.([]byte); ok {
			*d = b
			return nil
		}
	case *time.Time:
		switch t := v.(type) {
		case time.Time:
			*d = t
			return nil
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, t)
			if err != nil {
				return fmt.Errorf("cannot parse %q as timestamp: %w", t, err)
			}
			*d = parsed
			return nil
		}
	case *[]any:
		if l, ok := v.([]any); ok {
			*d = l
			return nil
		}
	default:
		return fmt.Errorf("unsupported destination type %T", dest)
	}
	if v == nil {
		return fmt.Errorf("column is NULL, use a pointer-to-pointer or *any destination")
	}
	return fmt.Errorf("cannot assign %T to %T", v, dest)
}
