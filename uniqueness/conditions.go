package uniqueness

import (
	"strings"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/square/unique-validator/model"
	"github.com/square/unique-validator/schema"
)

// Outcome says whether a conflict query must run, or why it need not.
// Every skip counts as valid.
type Outcome int

const (
	Check Outcome = iota
	// SkipNoContext: a sub-document validated without an owning document.
	SkipNoContext
	// SkipUndeclared: the validator's path is not declared on the entity's schema.
	SkipUndeclared
	// SkipUnmodified: a persisted document whose index fields did not change.
	SkipUnmodified
	// SkipAbsent: the field has no value.
	SkipAbsent
	// SkipOutOfScope: the entity is provably outside the partial filter.
	SkipOutOfScope
	// SkipUnresolved: an update neither sets nor pins an index field.
	SkipUnresolved
)

func (o Outcome) String() string {
	switch o {
	case Check:
		return "check"
	case SkipNoContext:
		return "no document context"
	case SkipUndeclared:
		return "path not declared on schema"
	case SkipUnmodified:
		return "index fields not modified"
	case SkipAbsent:
		return "no value"
	case SkipOutOfScope:
		return "outside partial filter"
	case SkipUnresolved:
		return "index field not resolvable from update"
	}
	return "unknown"
}

var (
	errNoModel        = errors.New("document has no model")
	errUnknownSubject = errors.New("unsupported validation subject")
)

// ConflictQuery is the count that decides a uniqueness check: the value is
// unique iff no document of Collection matches Filter.
type ConflictQuery struct {
	Filter     bson.D
	Collection model.Collection
}

// BuildConflictQuery derives the query that finds documents conflicting with
// the entity on index d, for the validator attached to path.
func BuildConflictQuery(d IndexDescriptor, path string, subject schema.Subject) (ConflictQuery, Outcome, error) {
	switch t := subject.(type) {
	case *model.Update:
		return buildForUpdate(d, path, t)
	case *model.Document:
		return buildForDocument(d, path, t)
	}
	return ConflictQuery{}, Check, errors.Wrapf(errUnknownSubject, "%T", subject)
}

func buildForUpdate(d IndexDescriptor, path string, u *model.Update) (ConflictQuery, Outcome, error) {
	// Index fields the update leaves alone keep the value the filter pins them to.
	value := func(key string) (interface{}, bool) {
		if v, ok := u.Value(key); ok {
			return v, true
		}
		return equality(u.Filter, key)
	}

	var c conditions
	for _, name := range d.Fields {
		v, ok := value(name)
		if name == path && (!ok || v == nil) {
			return ConflictQuery{}, SkipAbsent, nil
		}
		if !ok {
			return ConflictQuery{}, SkipUnresolved, nil
		}
		c.add(name, d.match(v))
	}

	// Exclude the update target, which matches the filter.
	for _, e := range u.Filter {
		if strings.HasPrefix(e.Key, "$") {
			continue
		}
		c.add(e.Key, exclusion(e.Value))
	}

	if d.PartialFilter != nil {
		if partialScope(d.PartialFilter, value) == outOfScope {
			return ConflictQuery{}, SkipOutOfScope, nil
		}
		c.merge(d.PartialFilter)
	}

	m := u.Model()
	if m == nil {
		return ConflictQuery{}, Check, errNoModel
	}
	return ConflictQuery{Filter: c.D(), Collection: collectionFor(m, d)}, Check, nil
}

func buildForDocument(d IndexDescriptor, path string, doc *model.Document) (ConflictQuery, Outcome, error) {
	owner := doc.Owner()
	if owner == nil {
		return ConflictQuery{}, SkipNoContext, nil
	}
	// Sub-document schemas are shared, so validators registered through one
	// embedding schema also run on standalone documents and other embeddings.
	if _, ok := ResolveField(owner.Schema(), path); !ok {
		return ConflictQuery{}, SkipUndeclared, nil
	}
	if doc.IsSubdocument() && !strings.HasPrefix(path, position(doc.Path())+".") {
		return ConflictQuery{}, SkipUndeclared, nil
	}

	if !owner.IsNew() && !anyModified(doc, d.Fields) {
		return ConflictQuery{}, SkipUnmodified, nil
	}

	value := func(key string) (interface{}, bool) {
		return read(doc, key)
	}
	if v, ok := value(path); !ok || v == nil {
		return ConflictQuery{}, SkipAbsent, nil
	}
	if d.PartialFilter != nil && partialScope(d.PartialFilter, value) == outOfScope {
		return ConflictQuery{}, SkipOutOfScope, nil
	}

	var c conditions
	for _, name := range d.Fields {
		v, _ := value(name)
		c.add(name, d.match(v))
	}
	if !owner.IsNew() {
		if id := owner.ID(); id != nil {
			c.add(schema.IDPath, bson.D{{Key: "$ne", Value: id}})
		}
	}
	if d.PartialFilter != nil {
		c.merge(d.PartialFilter)
	}

	m := doc.Model()
	if m == nil {
		return ConflictQuery{}, Check, errNoModel
	}
	return ConflictQuery{Filter: c.D(), Collection: collectionFor(m, d)}, Check, nil
}

// read returns the value of an index field for doc. Paths inside a
// sub-document are relative to it; other paths are read from the owner.
func read(doc *model.Document, key string) (interface{}, bool) {
	if rel, ok := local(doc, key); ok {
		return doc.Get(rel)
	}
	return doc.Owner().Get(key)
}

// local returns key relative to doc when doc is a sub-document containing it.
func local(doc *model.Document, key string) (string, bool) {
	if !doc.IsSubdocument() {
		return key, true
	}
	return strings.CutPrefix(key, position(doc.Path())+".")
}

// position drops array positions from a sub-document path: "contacts.0" is
// declared as "contacts".
func position(path string) string {
	parts := strings.Split(path, ".")
	kept := parts[:0]
	for _, p := range parts {
		if p != "" && strings.Trim(p, "0123456789") == "" {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, ".")
}

// anyModified reports whether one of paths changed. Paths inside a sub-document
// are checked at its own position, since index paths carry none.
func anyModified(doc *model.Document, paths []string) bool {
	for _, p := range paths {
		var modified bool
		if rel, ok := local(doc, p); ok {
			modified = doc.IsModified(rel)
		} else {
			modified = doc.Owner().IsModified(p)
		}
		if modified {
			return true
		}
	}
	return false
}

// collectionFor picks the collection to count in. A discriminator's unique
// index covers the whole collection unless a partial filter scopes it.
func collectionFor(m *model.Model, d IndexDescriptor) model.Collection {
	if m.IsDiscriminator() && d.PartialFilter == nil {
		return m.Base().Collection()
	}
	return m.Collection()
}

// match returns the condition for an index field value: a case-insensitive
// anchored regex for strings when the index ignores case, the value otherwise.
func (d IndexDescriptor) match(v interface{}) interface{} {
	s, ok := v.(string)
	if !d.CaseInsensitive || !ok {
		return v
	}
	return bson.Regex{Pattern: "^" + escapeRegex(s) + "$", Options: "i"}
}

func exclusion(v interface{}) interface{} {
	if isOperatorDoc(v) {
		return bson.D{{Key: "$not", Value: v}}
	}
	return bson.D{{Key: "$ne", Value: v}}
}

const regexMeta = `\^$.|?*+()[]{}-/#`

// escapeRegex escapes every character with a meaning in PCRE outside or inside
// a character class, so the value is matched literally.
func escapeRegex(s string) string {
	var b strings.Builder
	b.Grow(len(s) * 2)
	for _, r := range s {
		if strings.ContainsRune(regexMeta, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// conditions accumulates a filter. A key constrained twice is moved under
// $and so neither constraint overwrites the other.
type conditions struct {
	filter bson.D
	and    bson.A
	anded  map[string]bool
}

func (c *conditions) add(key string, v interface{}) {
	if c.anded[key] {
		c.and = append(c.and, bson.D{{Key: key, Value: v}})
		return
	}
	for i, e := range c.filter {
		if e.Key != key {
			continue
		}
		c.filter = append(c.filter[:i], c.filter[i+1:]...)
		c.and = append(c.and, bson.D{{Key: key, Value: e.Value}}, bson.D{{Key: key, Value: v}})
		if c.anded == nil {
			c.anded = map[string]bool{}
		}
		c.anded[key] = true
		return
	}
	c.filter = append(c.filter, bson.E{Key: key, Value: v})
}

func (c *conditions) merge(filter bson.D) {
	for _, e := range filter {
		if sub, ok := e.Value.(bson.A); ok && e.Key == "$and" {
			c.and = append(c.and, sub...)
			continue
		}
		c.add(e.Key, e.Value)
	}
}

// D returns the filter. It is never nil so an empty query still encodes as {}.
func (c *conditions) D() bson.D {
	f := append(bson.D{}, c.filter...)
	if len(c.and) > 0 {
		f = append(f, bson.E{Key: "$and", Value: c.and})
	}
	return f
}
