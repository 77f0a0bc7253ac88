package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	dsql "github.com/quarrydb/quarry/dialect/sql"
	"github.com/quarrydb/quarry/schema"
)

// Record is a structured result row: the root record's field values
// plus any eager-loaded related records. A related entry is nil when
// the OUTER-joined relation had no matching row.
type Record struct {
	// Type is the record type name.
	Type string
	// Related holds eager-loaded records keyed by relation name.
	Related map[string]*Record

	fields []string
	values map[string]any
}

func newRecord(typ string) *Record {
	return &Record{
		Type:    typ,
		Related: make(map[string]*Record),
		values:  make(map[string]any),
	}
}

func (r *Record) set(name string, v any) {
	if _, ok := r.values[name]; !ok {
		r.fields = append(r.fields, name)
	}
	r.values[name] = v
}

// Fields returns the record's field names in select order.
func (r *Record) Fields() []string {
	out := make([]string, len(r.fields))
	copy(out, r.fields)
	return out
}

// Get returns the named field value and whether it is present.
func (r *Record) Get(name string) (any, bool) {
	v, ok := r.values[name]
	return v, ok
}

// Value returns the named field value, or nil.
func (r *Record) Value(name string) any {
	return r.values[name]
}

// scanDest returns a scan destination for one plan column.
func scanDest(c OutCol) any {
	if c.Field == nil {
		return new(any)
	}
	switch c.Field.Kind {
	case schema.String:
		return &dsql.NullString{}
	case schema.Int:
		return &dsql.NullInt64{}
	case schema.Float:
		return &dsql.NullFloat64{}
	case schema.Bool:
		return &dsql.NullBool{}
	case schema.Time:
		return &dsql.NullTime{}
	default:
		return new(any)
	}
}

// destValue converts a scanned destination back to a plain Go value,
// with nil for SQL NULL.
func destValue(c OutCol, dest any) any {
	switch d := dest.(type) {
	case *dsql.NullString:
		if !d.Valid {
			return nil
		}
		return d.String
	case *dsql.NullInt64:
		if !d.Valid {
			return nil
		}
		return d.Int64
	case *dsql.NullFloat64:
		if !d.Valid {
			return nil
		}
		return d.Float64
	case *dsql.NullBool:
		if !d.Valid {
			return nil
		}
		return d.Bool
	case *dsql.NullTime:
		if !d.Valid {
			return nil
		}
		return d.Time
	case *any:
		v := *d
		if v == nil {
			return nil
		}
		if c.Field != nil && c.Field.Kind == schema.UUID {
			switch raw := v.(type) {
			case string:
				if id, err := uuid.Parse(raw); err == nil {
					return id
				}
			case []byte:
				if id, err := uuid.ParseBytes(raw); err == nil {
					return id
				}
			}
		}
		if t, ok := v.(time.Time); ok {
			return t
		}
		return v
	}
	return dest
}

// mapRecords reconstructs structured records from the rows, using the
// select plan's provenance to route column ranges into the root record
// and its eager-loaded relations.
func mapRecords(s *state, plan []OutCol, rows dsql.ColumnScanner) ([]*Record, error) {
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		dests := make([]any, len(plan))
		for i, c := range plan {
			dests[i] = scanDest(c)
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, fmt.Errorf("query: scan %s row: %w", s.rootName, err)
		}
		root := newRecord(s.rootName)
		related := make(map[string]*Record)
		relNull := make(map[string]bool)
		var relOrder []string
		for i, c := range plan {
			v := destValue(c, dests[i])
			switch c.Provenance {
			case ProvRelated:
				rec, ok := related[c.RelPath]
				if !ok {
					rp, err := s.reg.ResolvePath(s.rootName, c.RelPath)
					if err != nil {
						return nil, err
					}
					rec = newRecord(rp.Terminal().Name)
					related[c.RelPath] = rec
					relOrder = append(relOrder, c.RelPath)
				}
				fieldName := c.Name[strings.LastIndex(c.Name, ".")+1:]
				rec.set(fieldName, v)
				if c.Field.PrimaryKey && v == nil {
					relNull[c.RelPath] = true
				}
			default:
				root.set(c.Name, v)
			}
		}
		// Attach related records to their parents, nil where the outer
		// join found no row. Parents always precede children in the
		// plan because eager-load paths are prefix-expanded.
		for _, path := range relOrder {
			rec := related[path]
			if relNull[path] {
				rec = nil
			}
			parent := root
			name := path
			if i := strings.LastIndex(path, "."); i >= 0 {
				parent = related[path[:i]]
				name = path[i+1:]
				if parent == nil || relNull[path[:i]] {
					continue
				}
			}
			parent.Related[name] = rec
		}
		out = append(out, root)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// mapMaps reconstructs flat name-keyed rows (values mode).
func mapMaps(plan []OutCol, rows dsql.ColumnScanner) ([]map[string]any, error) {
	defer rows.Close()
	var out []map[string]any
	for rows.Next() {
		dests := make([]any, len(plan))
		for i, c := range plan {
			dests[i] = scanDest(c)
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, fmt.Errorf("query: scan values row: %w", err)
		}
		m := make(map[string]any, len(plan))
		for i, c := range plan {
			m[c.Name] = destValue(c, dests[i])
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// mapLists reconstructs flat positional rows (values-list mode).
func mapLists(plan []OutCol, rows dsql.ColumnScanner) ([][]any, error) {
	defer rows.Close()
	var out [][]any
	for rows.Next() {
		dests := make([]any, len(plan))
		for i, c := range plan {
			dests[i] = scanDest(c)
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, fmt.Errorf("query: scan values row: %w", err)
		}
		row := make([]any, len(plan))
		for i, c := range plan {
			row[i] = destValue(c, dests[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
