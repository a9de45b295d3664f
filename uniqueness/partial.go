package uniqueness

import (
	"reflect"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

type scope int

const (
	inScope scope = iota
	maybeInScope
	outOfScope
)

// partialScope decides whether an entity falls under a partial filter. It is
// not a filter evaluator: only plain equality conditions against known values
// can rule the entity out. Operator-valued conditions and unknown values are
// treated as possibly matching, so a check is never skipped on a guess.
func partialScope(filter bson.D, value func(key string) (interface{}, bool)) scope {
	result := inScope
	for _, e := range filter {
		if strings.HasPrefix(e.Key, "$") || isOperatorDoc(e.Value) {
			result = maybeInScope
			continue
		}
		v, known := value(e.Key)
		if !known || isOperatorDoc(v) {
			result = maybeInScope
			continue
		}
		if !sameValue(v, e.Value) {
			return outOfScope
		}
	}
	return result
}

func isOperatorDoc(v interface{}) bool {
	switch t := v.(type) {
	case bson.D:
		return len(t) > 0 && strings.HasPrefix(t[0].Key, "$")
	case bson.M:
		for k := range t {
			if strings.HasPrefix(k, "$") {
				return true
			}
		}
	case bson.Regex:
		return true
	}
	return false
}

// equality returns the value a filter pins key to with a plain equality condition.
func equality(filter bson.D, key string) (interface{}, bool) {
	for _, e := range filter {
		if e.Key == key && !isOperatorDoc(e.Value) {
			return e.Value, true
		}
	}
	return nil, false
}

func sameValue(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, ok := toFloat64(a); ok {
		if bf, ok := toFloat64(b); ok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
