package schema

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"gopkg.in/yaml.v2"
)

// Configuration structures describe entity schemas independently of the model runtime.
// They are loaded from YAML and turned into models by the caller.

// Config represents the schema configurations for entities.
type Config struct {
	// A map of entity names to their schema configurations.
	Entities map[string]EntitySchema `yaml:"entities"`
}

// EntitySchema represents the schema for a specific entity.
type EntitySchema struct {
	// Collection is the backing collection name. Defaults to the entity name.
	Collection string  `yaml:"collection,omitempty"`
	Schema     *Schema `yaml:"schema,omitempty"`
	// Discriminators are the names of models that share this entity's collection
	// and are told apart by Schema.DiscriminatorKey.
	Discriminators []string `yaml:"discriminators,omitempty"`
}

// Field represents a single field in the schema.
// Only the name is required.
type Field struct {
	// Name is the name of the field in the schema.
	Name string `yaml:"name"`
	// Type is the type of the field: string, int, double, bool, date, objectid or object.
	// Empty means any type.
	Type string `yaml:"type,omitempty"`
	// Unique declares a single-field unique index on the field.
	Unique Unique `yaml:"unique,omitempty"`
	// UniqueCaseInsensitive makes uniqueness checks on this field ignore letter case.
	UniqueCaseInsensitive bool `yaml:"unique_case_insensitive,omitempty"`
	// Sparse marks the field-level index as sparse.
	Sparse bool `yaml:"sparse,omitempty"`
	// Index carries full index options for a field-level index. Keys are ignored.
	Index *Index `yaml:"index,omitempty"`
	// Fields declares a nested object. Its paths are dotted but it is not a sub-document.
	Fields []*Field `yaml:"fields,omitempty"`
	// Schema declares an embedded sub-document, or an array of them when Array is set.
	Schema *Schema `yaml:"schema,omitempty"`
	Array  bool    `yaml:"array,omitempty"`
	// Description is a human-readable description of the field.
	Description string `yaml:"description,omitempty"`

	validators validatorList
}

// Index represents an index definition for a field or fields in the schema.
type Index struct {
	// Keys is a list of field names to be indexed, in declaration order.
	Keys []string `yaml:"keys"`
	// Unique indicates if the index is unique. A string value doubles as the violation message.
	Unique Unique `yaml:"unique,omitempty"`
	// Direction contains the sort order of each key: 1 for ascending, -1 for descending.
	// If set, the number of keys and directions must match.
	Direction []int `yaml:"direction,omitempty"`
	// Sparse indicates if the index is a sparse index.
	Sparse bool `yaml:"sparse,omitempty"`
	// CaseInsensitive compares values of every key ignoring letter case.
	CaseInsensitive bool `yaml:"case_insensitive,omitempty"`
	// PartialFilter restricts the index to the documents that match it.
	PartialFilter Filter `yaml:"partial_filter,omitempty"`
	// Name is set for indexes read from a live collection.
	Name string `yaml:"name,omitempty"`
}

func (i Index) String() string {
	return fmt.Sprintf("Index{Keys: %v, Unique: %v, Direction: %v}", i.Keys, i.Unique.Enabled, i.Direction)
}

// Unique is the unique option of a field or an index. In YAML it is either a bool
// or a string; a non-empty string enables uniqueness and is used as the message.
type Unique struct {
	Enabled bool
	Message string
}

// UniqueMessage returns an enabled Unique option with a custom violation message.
func UniqueMessage(msg string) Unique {
	return Unique{Enabled: true, Message: msg}
}

func (u *Unique) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var b bool
	if err := unmarshal(&b); err == nil {
		*u = Unique{Enabled: b}
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return errors.Wrap(errInvalidUnique, err.Error())
	}
	*u = Unique{Enabled: s != "", Message: s}
	return nil
}

func (u Unique) MarshalYAML() (interface{}, error) {
	if u.Message != "" {
		return u.Message, nil
	}
	return u.Enabled, nil
}

// Filter is a query filter in key order, e.g. a partial filter expression.
type Filter bson.D

func (f *Filter) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var ms yaml.MapSlice
	if err := unmarshal(&ms); err != nil {
		return errors.Wrap(errInvalidFilter, err.Error())
	}
	*f = Filter(mapSliceToD(ms))
	return nil
}

// D returns the filter as a bson.D. A nil filter returns nil.
func (f Filter) D() bson.D {
	if f == nil {
		return nil
	}
	return bson.D(f)
}

func mapSliceToD(ms yaml.MapSlice) bson.D {
	d := make(bson.D, 0, len(ms))
	for _, item := range ms {
		d = append(d, bson.E{Key: fmt.Sprint(item.Key), Value: yamlValue(item.Value)})
	}
	return d
}

func yamlValue(v interface{}) interface{} {
	switch t := v.(type) {
	case yaml.MapSlice:
		return mapSliceToD(t)
	case []interface{}:
		a := make(bson.A, len(t))
		for i := range t {
			a[i] = yamlValue(t[i])
		}
		return a
	default:
		return v
	}
}

// LoadConfig reads and validates a YAML schema configuration file.
func LoadConfig(file string) (Config, error) {
	var cfg Config
	bytes, err := os.ReadFile(file)
	if err != nil {
		return cfg, errors.Wrapf(err, "cannot read config file %s", file)
	}
	if err := yaml.UnmarshalStrict(bytes, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "cannot decode YAML in %s", file)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks every entity schema in the config.
func (c Config) Validate() error {
	for entity, es := range c.Entities {
		if es.Schema == nil {
			continue
		}
		if err := es.Schema.Validate(); err != nil {
			return errors.Wrapf(err, "invalid schema for entity %s", entity)
		}
		if len(es.Discriminators) > 0 && es.Schema.DiscriminatorKey == "" {
			return errors.Wrapf(errNoDiscriminatorKey, "entity %s", entity)
		}
	}
	return nil
}

// Validate checks field and index declarations, recursing into nested objects
// and sub-document schemas.
func (s *Schema) Validate() error {
	for _, field := range s.Fields {
		if err := field.validate(); err != nil {
			return err
		}
	}
	for _, index := range s.Indexes {
		if err := index.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (f *Field) validate() error {
	if f.Name == "" {
		return errors.Wrapf(errFieldNameEmpty, "field of type %s has an empty name", f.Type)
	}
	if strings.HasPrefix(f.Name, "$") {
		return errors.Wrapf(errFieldNameOperator, "field %s", f.Name)
	}
	switch f.Type {
	case "", "string", "int", "double", "bool", "date", "objectid", "object":
	default:
		return errors.Wrapf(errInvalidFieldType, "field %s is of type %q", f.Name, f.Type)
	}
	if len(f.Fields) > 0 && f.Schema != nil {
		return errors.Wrapf(errNestedAndSchema, "field %s", f.Name)
	}
	if f.Array && f.Schema == nil {
		return errors.Wrapf(errArrayWithoutSchema, "field %s", f.Name)
	}
	for _, nested := range f.Fields {
		if err := nested.validate(); err != nil {
			return errors.Wrapf(err, "in nested object %s", f.Name)
		}
	}
	if f.Schema != nil {
		if err := f.Schema.Validate(); err != nil {
			return errors.Wrapf(err, "in sub-document %s", f.Name)
		}
	}
	return nil
}

// Validate handles all index configuration errors up front.
func (i Index) Validate() error {
	if len(i.Keys) == 0 {
		return errors.Wrapf(errNoKeysForIndex, "index: %s", i)
	}
	if len(i.Keys) > 30 {
		return errors.Wrapf(errTooManyKeysForIndex, "index: %s", i)
	}
	if len(i.Direction) > 0 && len(i.Keys) != len(i.Direction) {
		return errors.Wrapf(errKeysAndDirectionsDoNotMatch, "index: %s", i)
	}
	for _, direction := range i.Direction {
		if direction != 1 && direction != -1 {
			return errors.Wrapf(errInvalidIndexDirection, "index: %s", i)
		}
	}
	seen := make(map[string]struct{}, len(i.Keys))
	for _, key := range i.Keys {
		if _, ok := seen[key]; ok {
			return errors.Wrapf(errDuplicateIndexKey, "key %s in index: %s", key, i)
		}
		seen[key] = struct{}{}
	}
	return nil
}
