package uniqueness

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/square/unique-validator/schema"
)

// IndexDescriptor is a unique index as the checks see it.
type IndexDescriptor struct {
	// Fields are the index keys in declaration order.
	Fields          []string
	CaseInsensitive bool
	// PartialFilter is nil unless the index only covers matching documents.
	PartialFilter bson.D
	Message       string
	Kind          string
	Code          interface{}
}

// ExtractUniqueIndexes returns a descriptor for every unique index of s. The
// identity index comes first; schemas never declare it, so it is synthesized
// unless an explicit unique index on _id alone exists.
func ExtractUniqueIndexes(s *schema.Schema, opts Options) []IndexDescriptor {
	opts = opts.withDefaults()
	indexes := s.AllIndexes()

	var descriptors []IndexDescriptor
	if !coversID(indexes) {
		id := schema.Index{Keys: []string{schema.IDPath}, Unique: schema.Unique{Enabled: true}}
		descriptors = append(descriptors, describe(s, id, opts))
	}
	for _, index := range indexes {
		if !index.Unique.Enabled {
			continue
		}
		descriptors = append(descriptors, describe(s, index, opts))
	}
	return descriptors
}

func coversID(indexes []schema.Index) bool {
	for _, index := range indexes {
		if index.Unique.Enabled && len(index.Keys) == 1 && index.Keys[0] == schema.IDPath {
			return true
		}
	}
	return false
}

func describe(s *schema.Schema, index schema.Index, opts Options) IndexDescriptor {
	d := IndexDescriptor{
		Fields:          append([]string(nil), index.Keys...),
		CaseInsensitive: index.CaseInsensitive,
		PartialFilter:   index.PartialFilter.D(),
		Message:         opts.Message,
		Kind:            opts.Type,
		Code:            opts.Code,
	}
	if len(d.PartialFilter) == 0 {
		d.PartialFilter = nil
	}
	// A string unique option replaces the message only, never the kind.
	if index.Unique.Message != "" {
		d.Message = index.Unique.Message
	}
	// The field-level flag only applies to single-field indexes.
	if !d.CaseInsensitive && len(index.Keys) == 1 {
		if ref, ok := ResolveField(s, index.Keys[0]); ok && ref.Field.UniqueCaseInsensitive {
			d.CaseInsensitive = true
		}
	}
	return d
}
