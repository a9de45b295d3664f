package uniqueness

import (
	"strings"
	"sync"

	"github.com/golang/groupcache/lru"

	"github.com/square/unique-validator/schema"
)

const resolverCacheSize = 1024

// FieldRef is a resolved field path.
type FieldRef struct {
	Field *schema.Field
	// Subdocument is set when the path crosses into an embedded sub-document schema.
	Subdocument bool
}

type resolverKey struct {
	schema *schema.Schema
	path   string
}

// lru.Cache is not safe for concurrent use.
var resolved = struct {
	sync.Mutex
	cache *lru.Cache
}{cache: lru.New(resolverCacheSize)}

// ResolveField maps a dotted path to the field it names. The first segment is
// looked up on s; when that field embeds a sub-document schema the rest of the
// path is resolved there. If that yields nothing, the full path is looked up
// directly on s, which covers nested objects. Found fields are cached per
// (schema, path).
func ResolveField(s *schema.Schema, path string) (FieldRef, bool) {
	key := resolverKey{schema: s, path: path}
	resolved.Lock()
	v, ok := resolved.cache.Get(key)
	resolved.Unlock()
	if ok {
		return v.(FieldRef), true
	}

	ref, ok := resolveField(s, path)
	if !ok {
		return FieldRef{}, false
	}
	resolved.Lock()
	resolved.cache.Add(key, ref)
	resolved.Unlock()
	return ref, true
}

func resolveField(s *schema.Schema, path string) (FieldRef, bool) {
	if ref, ok := descend(s, path); ok {
		return ref, true
	}
	if f := s.Path(path); f != nil {
		return FieldRef{Field: f}, true
	}
	return FieldRef{}, false
}

// descend recurses once per path segment; schemas nest as a tree.
func descend(s *schema.Schema, path string) (FieldRef, bool) {
	head, rest, nested := strings.Cut(path, ".")
	f := s.Field(head)
	if f == nil {
		return FieldRef{}, false
	}
	if !nested {
		return FieldRef{Field: f}, true
	}
	if f.Schema == nil {
		return FieldRef{}, false
	}
	ref, ok := resolveField(f.Schema, rest)
	if !ok {
		return FieldRef{}, false
	}
	ref.Subdocument = true
	return ref, true
}
