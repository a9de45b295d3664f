// Package memdb is an in-memory collection for tests. It evaluates the filters
// uniqueness checks produce and enforces unique indexes on writes the way the
// database does, so tests can tell the pre-check from the backstop.
package memdb

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/square/unique-validator/model"
	"github.com/square/unique-validator/schema"
)

var (
	ErrDuplicateKey = errors.New("E11000 duplicate key error")
	ErrNotFound     = model.ErrNotFound
)

// Collection holds documents in insertion order.
type Collection struct {
	name string

	mu      sync.RWMutex
	docs    []bson.D
	indexes []schema.Index
	queries []bson.D
	err     error
}

var _ model.Collection = (*Collection)(nil)

func New(name string) *Collection {
	return &Collection{name: name}
}

func (c *Collection) Name() string {
	return c.name
}

// CreateIndex makes later writes enforce index when it is unique.
func (c *Collection) CreateIndex(index schema.Index) {
	c.mu.Lock()
	c.indexes = append(c.indexes, index)
	c.mu.Unlock()
}

// FailWith makes every count return err, or succeed again when err is nil.
func (c *Collection) FailWith(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *Collection) CountDocuments(ctx context.Context, filter bson.D) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, filter)
	if c.err != nil {
		return 0, c.err
	}
	var n int64
	for _, doc := range c.docs {
		if Match(doc, filter) {
			n++
		}
	}
	return n, nil
}

// Queries returns every filter counted so far.
func (c *Collection) Queries() []bson.D {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]bson.D(nil), c.queries...)
}

// Len returns the number of stored documents.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}

// Insert stores doc unless it violates a unique index.
func (c *Collection) Insert(doc bson.D) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkUnique(doc, -1); err != nil {
		return err
	}
	c.docs = append(c.docs, clone(doc).(bson.D))
	return nil
}

// Replace swaps the document with the same _id for doc.
func (c *Collection) Replace(doc bson.D) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := firstValue(doc, schema.IDPath)
	for i, existing := range c.docs {
		if valuesEqual(firstValue(existing, schema.IDPath), id) {
			if err := c.checkUnique(doc, i); err != nil {
				return err
			}
			c.docs[i] = clone(doc).(bson.D)
			return nil
		}
	}
	return errors.Wrapf(ErrNotFound, "_id %v", id)
}

// FindOne returns a copy of the first document matching filter.
func (c *Collection) FindOne(ctx context.Context, filter bson.D) (bson.D, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, doc := range c.docs {
		if Match(doc, filter) {
			return clone(doc).(bson.D), nil
		}
	}
	return nil, ErrNotFound
}

// clone deep-copies documents and arrays so stored documents never share
// memory with the documents callers keep mutating.
func clone(v interface{}) interface{} {
	switch t := v.(type) {
	case bson.D:
		out := make(bson.D, len(t))
		for i, e := range t {
			out[i] = bson.E{Key: e.Key, Value: clone(e.Value)}
		}
		return out
	case bson.A:
		out := make(bson.A, len(t))
		for i, elem := range t {
			out[i] = clone(elem)
		}
		return out
	}
	return v
}

func (c *Collection) checkUnique(doc bson.D, skip int) error {
	for _, index := range c.indexes {
		if !index.Unique.Enabled {
			continue
		}
		if pf := index.PartialFilter.D(); pf != nil && !Match(doc, pf) {
			continue
		}
		key := indexKey(doc, index)
		if index.Sparse && allMissing(key) {
			continue
		}
		for i, existing := range c.docs {
			if i == skip {
				continue
			}
			if pf := index.PartialFilter.D(); pf != nil && !Match(existing, pf) {
				continue
			}
			if sameKey(key, indexKey(existing, index), index.CaseInsensitive) {
				return errors.Wrapf(ErrDuplicateKey, "collection: %s index: %s", c.name, schema.IndexName(index))
			}
		}
	}
	return nil
}

func indexKey(doc bson.D, index schema.Index) []interface{} {
	keys := schema.KeyDocument(index)
	values := make([]interface{}, len(keys))
	for i, k := range keys {
		values[i] = firstValue(doc, k.Key)
	}
	return values
}

func firstValue(doc bson.D, path string) interface{} {
	values := lookupValues(doc, strings.Split(path, "."))
	if len(values) == 0 {
		return nil
	}
	return values[0]
}

func allMissing(key []interface{}) bool {
	for _, v := range key {
		if v != nil {
			return false
		}
	}
	return true
}

func sameKey(a, b []interface{}, caseInsensitive bool) bool {
	for i := range a {
		as, aok := a[i].(string)
		bs, bok := b[i].(string)
		if caseInsensitive && aok && bok {
			if !strings.EqualFold(as, bs) {
				return false
			}
			continue
		}
		if !valuesEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// Save validates doc, then inserts or replaces it and marks it saved. A
// validation failure is returned as is; a write failure is the raw index error.
func Save(ctx context.Context, coll *Collection, doc *model.Document) error {
	if err := model.Validate(ctx, doc); err != nil {
		return err
	}
	var err error
	if doc.IsNew() {
		err = coll.Insert(doc.Values())
	} else {
		err = coll.Replace(doc.Values())
	}
	if err != nil {
		return err
	}
	doc.MarkSaved()
	return nil
}

// UpdateOne validates u, then applies it to the first matching document.
func UpdateOne(ctx context.Context, coll *Collection, u *model.Update) error {
	if err := model.ValidateUpdate(ctx, u); err != nil {
		return err
	}
	target, err := coll.FindOne(ctx, u.Filter)
	if err != nil {
		return err
	}
	updated := append(bson.D(nil), target...)
	for _, e := range u.Update {
		switch {
		case e.Key == "$set":
			set, ok := e.Value.(bson.D)
			if !ok {
				return fmt.Errorf("$set must be a document, got %T", e.Value)
			}
			for _, s := range set {
				updated = setField(updated, s.Key, s.Value)
			}
		case strings.HasPrefix(e.Key, "$"):
			return fmt.Errorf("unsupported update operator %s", e.Key)
		default:
			updated = setField(updated, e.Key, e.Value)
		}
	}
	return coll.Replace(updated)
}

// setField sets a field in a document, creating intermediate docs for dotted paths.
func setField(doc bson.D, path string, val interface{}) bson.D {
	first, rest, nested := strings.Cut(path, ".")
	for i, e := range doc {
		if e.Key != first {
			continue
		}
		if !nested {
			doc[i].Value = val
			return doc
		}
		sub, ok := e.Value.(bson.D)
		if !ok {
			sub = bson.D{}
		}
		doc[i].Value = setField(append(bson.D(nil), sub...), rest, val)
		return doc
	}
	if !nested {
		return append(doc, bson.E{Key: path, Value: val})
	}
	return append(doc, bson.E{Key: first, Value: setField(bson.D{}, rest, val)})
}
