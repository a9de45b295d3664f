package schema

import (
	"context"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// IDPath is the path of the identity field every schema has, declared or not.
const IDPath = "_id"

// Schema represents the fields and index definitions for an entity or an
// embedded sub-document. A sub-document schema may be embedded in several
// schemas and also back a model of its own, so fields are shared by pointer.
type Schema struct {
	Fields  []*Field `yaml:"fields"`
	Indexes []Index  `yaml:"indexes,omitempty"`
	// DiscriminatorKey is the field that tells apart models sharing a collection.
	DiscriminatorKey string `yaml:"discriminator_key,omitempty"`

	mu sync.Mutex
	id *Field
}

// Subject is the entity a validator runs against: a document or an update.
type Subject interface {
	Schema() *Schema
}

// CheckFunc reports whether subject is valid for the field the validator is
// attached to. A non-nil error means the check itself could not run.
type CheckFunc func(ctx context.Context, subject Subject) (bool, error)

// Validator is a check attached to a field together with the classification
// and message template of the error it produces.
type Validator struct {
	Kind    string
	Message string
	Code    interface{}
	Check   CheckFunc
}

type validatorList struct {
	mu   sync.RWMutex
	list []Validator
}

// AddValidator attaches v to the field. Validators accumulate; adding one never
// replaces another.
func (f *Field) AddValidator(v Validator) {
	f.validators.mu.Lock()
	f.validators.list = append(f.validators.list, v)
	f.validators.mu.Unlock()
}

// Validators returns a copy of the validators attached to the field.
func (f *Field) Validators() []Validator {
	f.validators.mu.RLock()
	defer f.validators.mu.RUnlock()
	return append([]Validator(nil), f.validators.list...)
}

// IsSubdocument reports whether the field embeds one or more sub-documents.
func (f *Field) IsSubdocument() bool {
	return f.Schema != nil
}

// Field returns the top-level field named name, or nil. The implicit identity
// field is returned for IDPath when the schema does not declare one.
func (s *Schema) Field(name string) *Field {
	for _, f := range s.Fields {
		if f.Name == name {
			return f
		}
	}
	if name == IDPath {
		return s.idField()
	}
	return nil
}

func (s *Schema) idField() *Field {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == nil {
		s.id = &Field{Name: IDPath, Type: "objectid"}
	}
	return s.id
}

// Path looks up a dotted path declared directly on this schema. It descends
// through nested objects but never into sub-document schemas. Returns nil when
// no field matches.
func (s *Schema) Path(path string) *Field {
	parts := strings.Split(path, ".")
	field := s.Field(parts[0])
	for _, part := range parts[1:] {
		if field == nil || len(field.Fields) == 0 {
			return nil
		}
		var next *Field
		for _, nested := range field.Fields {
			if nested.Name == part {
				next = nested
				break
			}
		}
		field = next
	}
	return field
}

// AllIndexes returns every index declared on the schema: field-level indexes,
// the explicit index list, and the indexes of nested objects and embedded
// sub-documents with keys prefixed by their path. The implicit identity index
// is not included.
func (s *Schema) AllIndexes() []Index {
	return s.collectIndexes("")
}

func (s *Schema) collectIndexes(prefix string) []Index {
	var indexes []Index
	for _, f := range s.Fields {
		indexes = append(indexes, f.collectIndexes(prefix, prefix)...)
	}
	for _, index := range s.Indexes {
		indexes = append(indexes, index.withPrefix(prefix))
	}
	return indexes
}

// collectIndexes returns the field's indexes. prefix is the path of the field's
// parent; schemaPrefix is the path of the sub-document it belongs to, which
// partial filters are relative to.
func (f *Field) collectIndexes(schemaPrefix, prefix string) []Index {
	path := prefix + f.Name
	var indexes []Index
	if f.Unique.Enabled || f.Index != nil {
		index := Index{
			Keys:   []string{path},
			Unique: f.Unique,
			Sparse: f.Sparse,
		}
		if f.Index != nil {
			if f.Index.Unique.Enabled {
				index.Unique = f.Index.Unique
			}
			index.Sparse = index.Sparse || f.Index.Sparse
			index.CaseInsensitive = f.Index.CaseInsensitive
			index.PartialFilter = f.Index.PartialFilter.withPrefix(schemaPrefix)
			index.Direction = f.Index.Direction
		}
		indexes = append(indexes, index)
	}
	for _, nested := range f.Fields {
		indexes = append(indexes, nested.collectIndexes(schemaPrefix, path+".")...)
	}
	if f.Schema != nil {
		indexes = append(indexes, f.Schema.collectIndexes(path+".")...)
	}
	return indexes
}

func (i Index) withPrefix(prefix string) Index {
	if prefix == "" {
		return i
	}
	keys := make([]string, len(i.Keys))
	for n, key := range i.Keys {
		keys[n] = prefix + key
	}
	i.Keys = keys
	i.PartialFilter = i.PartialFilter.withPrefix(prefix)
	return i
}

// withPrefix returns the filter with prefix added to every field name, for a
// filter declared inside a sub-document schema.
func (f Filter) withPrefix(prefix string) Filter {
	if prefix == "" || f == nil {
		return f
	}
	return Filter(prefixFilter(prefix, bson.D(f)))
}

// prefixFilter descends into logical operators; operator values of a field are
// left as they are.
func prefixFilter(prefix string, filter bson.D) bson.D {
	out := make(bson.D, 0, len(filter))
	for _, e := range filter {
		if !strings.HasPrefix(e.Key, "$") {
			out = append(out, bson.E{Key: prefix + e.Key, Value: e.Value})
			continue
		}
		if clauses, ok := e.Value.(bson.A); ok {
			prefixed := make(bson.A, len(clauses))
			for n, clause := range clauses {
				if sub, ok := clause.(bson.D); ok {
					clause = prefixFilter(prefix, sub)
				}
				prefixed[n] = clause
			}
			e = bson.E{Key: e.Key, Value: prefixed}
		}
		out = append(out, e)
	}
	return out
}

// ReplaceIndexes discards every index declared on the schema, including
// field-level and sub-document ones, and uses indexes instead. Field-level
// options that are not index declarations, like UniqueCaseInsensitive, are kept.
func (s *Schema) ReplaceIndexes(indexes []Index) {
	s.clearIndexes()
	s.Indexes = append([]Index(nil), indexes...)
}

func (s *Schema) clearIndexes() {
	s.Indexes = nil
	for _, f := range s.Fields {
		f.clearIndexes()
	}
}

func (f *Field) clearIndexes() {
	f.Unique = Unique{}
	f.Index = nil
	for _, nested := range f.Fields {
		nested.clearIndexes()
	}
	if f.Schema != nil {
		f.Schema.clearIndexes()
	}
}
