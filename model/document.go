package model

import (
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/square/unique-validator/schema"
)

// Target is what a validation runs against. It is either a *Document (a new or
// modified document, possibly a sub-document) or an *Update (a query-style
// partial update). No other implementations exist.
type Target interface {
	schema.Subject
	target()
}

// Document is a document of a model, or a view of a sub-document embedded in one.
// Documents are not safe for concurrent mutation; validation only reads them.
type Document struct {
	model    *Model
	schema   *schema.Schema
	values   bson.D
	isNew    bool
	modified map[string]struct{}

	// Sub-documents only.
	sub   bool
	owner *Document
	path  string
}

var _ Target = (*Document)(nil)

func (*Document) target() {}

// NewSubdocument returns a sub-document that is not embedded in any document,
// as when a sub-document schema is validated on its own.
func NewSubdocument(s *schema.Schema, values bson.D) *Document {
	return &Document{
		schema:   s,
		values:   values,
		isNew:    true,
		modified: map[string]struct{}{},
		sub:      true,
	}
}

func (d *Document) Schema() *schema.Schema {
	return d.schema
}

// Model returns the model of the document, or of its owner for a sub-document.
// Nil for a sub-document without an owner.
func (d *Document) Model() *Model {
	if d.owner != nil {
		return d.owner.model
	}
	return d.model
}

// Values returns the document's values. For a sub-document these are the
// embedded values, with paths relative to the sub-document.
func (d *Document) Values() bson.D {
	return d.values
}

// ID returns the _id value, or nil.
func (d *Document) ID() interface{} {
	v, _ := lookup(d.values, schema.IDPath)
	return v
}

// Get returns the value at a dotted path. Numeric segments index arrays.
func (d *Document) Get(path string) (interface{}, bool) {
	return lookup(d.values, path)
}

// Set writes the value at a dotted path and marks the path modified. On a
// sub-document view the write goes through to the owner.
func (d *Document) Set(path string, value interface{}) {
	if d.owner != nil {
		d.owner.Set(d.path+"."+path, value)
		if embedded, ok := d.owner.Get(d.path); ok {
			if values, ok := embedded.(bson.D); ok {
				d.values = values
			}
		}
		return
	}
	d.values = setPath(d.values, path, value)
	d.modified[path] = struct{}{}
}

// IsNew reports whether the document has never been persisted. A sub-document
// is new when its owner is.
func (d *Document) IsNew() bool {
	if d.owner != nil {
		return d.owner.isNew
	}
	return d.isNew
}

// IsModified reports whether path, one of its ancestors, or one of its
// descendants was set since the document was loaded.
func (d *Document) IsModified(path string) bool {
	if d.owner != nil {
		return d.owner.IsModified(d.path + "." + path)
	}
	for m := range d.modified {
		if m == path || strings.HasPrefix(path, m+".") || strings.HasPrefix(m, path+".") {
			return true
		}
	}
	return false
}

// MarkSaved records that the document was written: it is no longer new and has
// no modified paths.
func (d *Document) MarkSaved() {
	d.isNew = false
	d.modified = map[string]struct{}{}
}

// IsSubdocument reports whether the document is embedded in another, or was
// created as a standalone sub-document.
func (d *Document) IsSubdocument() bool {
	return d.sub
}

// Owner returns the top-level document: itself for a top-level document, the
// embedding document for a sub-document, and nil for a sub-document that has no
// owner.
func (d *Document) Owner() *Document {
	if !d.sub {
		return d
	}
	return d.owner
}

// Path returns where a sub-document sits in its owner, like "contacts.0".
func (d *Document) Path() string {
	return d.path
}

func (d *Document) subdocument(s *schema.Schema, path string, values bson.D) *Document {
	return &Document{
		schema: s,
		values: values,
		sub:    true,
		owner:  d.Owner(),
		path:   path,
	}
}

// Update is a query-style partial update: the filter that selects the target
// documents and the update payload, with fields either at the top level or
// under $set.
type Update struct {
	model  *Model
	Filter bson.D
	Update bson.D
}

var _ Target = (*Update)(nil)

func (*Update) target() {}

func (u *Update) Schema() *schema.Schema {
	return u.model.schema
}

func (u *Update) Model() *Model {
	return u.model
}

// Value returns the new value of path. A top-level value wins over one under $set.
func (u *Update) Value(path string) (interface{}, bool) {
	if v, ok := lookup(u.Update, path); ok && !strings.HasPrefix(path, "$") {
		return v, true
	}
	set, ok := lookup(u.Update, "$set")
	if !ok {
		return nil, false
	}
	return lookup(set, path)
}

// Paths returns the paths the update writes, in payload order.
func (u *Update) Paths() []string {
	var paths []string
	seen := map[string]struct{}{}
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			paths = append(paths, p)
		}
	}
	for _, e := range u.Update {
		if !strings.HasPrefix(e.Key, "$") {
			add(e.Key)
			continue
		}
		if e.Key != "$set" {
			continue
		}
		if set, ok := e.Value.(bson.D); ok {
			for _, s := range set {
				add(s.Key)
			}
		}
		if set, ok := e.Value.(bson.M); ok {
			for k := range set {
				add(k)
			}
		}
	}
	return paths
}

// lookup resolves a dotted path. A key equal to the whole path wins, so update
// payloads may use literal dotted keys.
func lookup(v interface{}, path string) (interface{}, bool) {
	if d, ok := v.(bson.D); ok {
		for _, e := range d {
			if e.Key == path {
				return e.Value, true
			}
		}
	}
	head, rest, nested := strings.Cut(path, ".")
	next, ok := child(v, head)
	if !ok || !nested {
		return next, ok
	}
	return lookup(next, rest)
}

func child(v interface{}, key string) (interface{}, bool) {
	switch t := v.(type) {
	case bson.D:
		for _, e := range t {
			if e.Key == key {
				return e.Value, true
			}
		}
	case bson.M:
		val, ok := t[key]
		return val, ok
	case map[string]interface{}:
		val, ok := t[key]
		return val, ok
	case bson.A:
		return index([]interface{}(t), key)
	case []interface{}:
		return index(t, key)
	}
	return nil, false
}

func index(a []interface{}, key string) (interface{}, bool) {
	i, err := strconv.Atoi(key)
	if err != nil || i < 0 || i >= len(a) {
		return nil, false
	}
	return a[i], true
}

// setPath sets a value in a document, creating intermediate documents for
// dotted paths. Numeric segments index existing arrays.
func setPath(doc bson.D, path string, val interface{}) bson.D {
	head, rest, nested := strings.Cut(path, ".")
	if !nested {
		for i, e := range doc {
			if e.Key == head {
				doc[i].Value = val
				return doc
			}
		}
		return append(doc, bson.E{Key: head, Value: val})
	}
	for i, e := range doc {
		if e.Key == head {
			doc[i].Value = setIn(e.Value, rest, val)
			return doc
		}
	}
	return append(doc, bson.E{Key: head, Value: setPath(bson.D{}, rest, val)})
}

func setIn(container interface{}, path string, val interface{}) interface{} {
	if a, ok := container.(bson.A); ok {
		head, rest, nested := strings.Cut(path, ".")
		i, err := strconv.Atoi(head)
		if err == nil && i >= 0 && i < len(a) {
			if nested {
				a[i] = setIn(a[i], rest, val)
			} else {
				a[i] = val
			}
			return a
		}
	}
	sub, ok := container.(bson.D)
	if !ok {
		sub = bson.D{}
	}
	return setPath(sub, path, val)
}
