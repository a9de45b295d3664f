package model

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/square/unique-validator/schema"
)

const defaultValidationConcurrency = 8

var errNoDiscriminatorKey = errors.New("schema has no discriminator key")

// Model binds a schema to the collection that stores its documents.
type Model struct {
	name   string
	schema *schema.Schema
	coll   Collection

	// Set for discriminator models only.
	base               *Model
	discriminatorValue string

	concurrency int
}

// New returns a model named name whose documents live in coll.
func New(name string, s *schema.Schema, coll Collection) *Model {
	return &Model{
		name:        name,
		schema:      s,
		coll:        coll,
		concurrency: defaultValidationConcurrency,
	}
}

// Discriminator returns a model that shares m's schema and collection but only
// sees documents whose discriminator key equals name.
func (m *Model) Discriminator(name string) (*Model, error) {
	key := m.schema.DiscriminatorKey
	if key == "" {
		return nil, errors.Wrapf(errNoDiscriminatorKey, "model %s", m.name)
	}
	return &Model{
		name:               name,
		schema:             m.schema,
		coll:               scopedCollection{Collection: m.coll, key: key, value: name},
		base:               m,
		discriminatorValue: name,
		concurrency:        m.concurrency,
	}, nil
}

func (m *Model) Name() string {
	return m.name
}

func (m *Model) Schema() *schema.Schema {
	return m.schema
}

// Collection returns the handle for this model's documents. For a discriminator
// it is scoped to the discriminator value.
func (m *Model) Collection() Collection {
	return m.coll
}

// Base returns the model a discriminator was derived from, or nil.
func (m *Model) Base() *Model {
	return m.base
}

func (m *Model) IsDiscriminator() bool {
	return m.base != nil
}

// SetValidationConcurrency bounds how many field checks run at once. n < 1 means
// no bound.
func (m *Model) SetValidationConcurrency(n int) {
	m.concurrency = n
}

// New returns a document that has not been persisted. An _id is assigned when
// values has none, as the driver would on insert.
func (m *Model) New(values bson.D) *Document {
	values = append(bson.D(nil), values...)
	if _, ok := lookup(values, schema.IDPath); !ok {
		values = append(bson.D{{Key: schema.IDPath, Value: bson.NewObjectID()}}, values...)
	}
	if m.discriminatorValue != "" {
		values = setPath(values, m.schema.DiscriminatorKey, m.discriminatorValue)
	}
	return &Document{
		model:    m,
		schema:   m.schema,
		values:   values,
		isNew:    true,
		modified: map[string]struct{}{},
	}
}

// Hydrate returns a document loaded from the collection: persisted and unmodified.
func (m *Model) Hydrate(values bson.D) *Document {
	return &Document{
		model:    m,
		schema:   m.schema,
		values:   values,
		modified: map[string]struct{}{},
	}
}

// Load reads the document identified by id from the model's collection and
// hydrates it. The error's cause is ErrNotFound when no such document exists.
func (m *Model) Load(ctx context.Context, id interface{}) (*Document, error) {
	values, err := m.coll.FindOne(ctx, bson.D{{Key: schema.IDPath, Value: id}})
	if err != nil {
		return nil, errors.Wrapf(err, "cannot load %s %v", m.name, id)
	}
	return m.Hydrate(values), nil
}

// NewUpdate returns a query-style partial update of the documents matching filter.
func (m *Model) NewUpdate(filter, update bson.D) *Update {
	return &Update{
		model:  m,
		Filter: filter,
		Update: update,
	}
}
