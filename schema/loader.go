package schema

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/go-openapi/inflect"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// The YAML catalog document has the shape:
//
//	types:
//	  Author:
//	    fields:
//	      - {name: id, kind: int, pk: true}
//	      - {name: name, kind: string}
//	  Book:
//	    table: books
//	    fields:
//	      - {name: id, kind: int, pk: true}
//	      - {name: title, kind: string}
//	      - {name: author_id, kind: int, nullable: true}
//	    relations:
//	      - {name: author, target: Author, local: author_id, remote: id, nullable: true}
//
// Table names default to the underscored plural of the type name.
// Relation cardinality defaults to to-one; set "many: true" for to-many.

type catalogDoc struct {
	Types map[string]typeDoc `yaml:"types"`
}

type typeDoc struct {
	Table     string        `yaml:"table"`
	Fields    []fieldDoc    `yaml:"fields"`
	Relations []relationDoc `yaml:"relations"`
}

type fieldDoc struct {
	Name     string `yaml:"name"`
	Column   string `yaml:"column"`
	Kind     string `yaml:"kind"`
	Nullable bool   `yaml:"nullable"`
	PK       bool   `yaml:"pk"`
}

type relationDoc struct {
	Name     string `yaml:"name"`
	Target   string `yaml:"target"`
	Local    string `yaml:"local"`
	Remote   string `yaml:"remote"`
	Many     bool   `yaml:"many"`
	Nullable bool   `yaml:"nullable"`
}

var kindNames = map[string]Kind{
	"string": String,
	"int":    Int,
	"float":  Float,
	"bool":   Bool,
	"time":   Time,
	"uuid":   UUID,
	"bytes":  Bytes,
}

// DefaultTable derives a table name from a record type name, e.g.
// "OrderItem" becomes "order_items".
func DefaultTable(typeName string) string {
	return inflect.Pluralize(inflect.Underscore(typeName))
}

// DisplayName derives a human-readable name from a snake_case catalog
// name, e.g. "author_id" becomes "Author Id".
func DisplayName(name string) string {
	return cases.Title(language.Und).String(strings.ReplaceAll(name, "_", " "))
}

// LoadYAML parses a YAML catalog document and returns a validated
// Registry.
func LoadYAML(data []byte) (*Registry, error) {
	var doc catalogDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("schema: parse catalog: %w", err)
	}
	if len(doc.Types) == 0 {
		return nil, fmt.Errorf("schema: catalog declares no types")
	}
	// YAML maps are unordered; register in sorted-name order so registry
	// iteration order is stable.
	names := make([]string, 0, len(doc.Types))
	for name := range doc.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	types := make([]*Type, 0, len(names))
	for _, name := range names {
		td := doc.Types[name]
		t, err := buildType(name, td)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return NewRegistry(types...)
}

// LoadYAMLFile reads and parses a YAML catalog file.
func LoadYAMLFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("schema: open catalog: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("schema: read catalog: %w", err)
	}
	return LoadYAML(data)
}

func buildType(name string, td typeDoc) (*Type, error) {
	table := td.Table
	if table == "" {
		table = DefaultTable(name)
	}
	fields := make([]*Field, 0, len(td.Fields))
	for _, fd := range td.Fields {
		if fd.Name == "" {
			return nil, fmt.Errorf("schema: type %s: field with empty name", name)
		}
		kind, ok := kindNames[fd.Kind]
		if !ok {
			return nil, fmt.Errorf("schema: type %s: field %q has unknown kind %q", name, fd.Name, fd.Kind)
		}
		fields = append(fields, &Field{
			Name:       fd.Name,
			Column:     fd.Column,
			Kind:       kind,
			Nullable:   fd.Nullable,
			PrimaryKey: fd.PK,
		})
	}
	relations := make([]*Relation, 0, len(td.Relations))
	for _, rd := range td.Relations {
		if rd.Name == "" || rd.Target == "" {
			return nil, fmt.Errorf("schema: type %s: relation with empty name or target", name)
		}
		card := ToOne
		if rd.Many {
			card = ToMany
		}
		relations = append(relations, &Relation{
			Name:         rd.Name,
			Target:       rd.Target,
			Cardinality:  card,
			Nullable:     rd.Nullable,
			LocalColumn:  rd.Local,
			RemoteColumn: rd.Remote,
		})
	}
	return NewType(name, table, fields, relations)
}
