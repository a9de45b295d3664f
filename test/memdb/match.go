package memdb

import (
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Match checks if a document matches the given filter. It supports the subset
// of the query language uniqueness checks produce: equality (including null and
// array element semantics), $ne, $eq, $in, $nin, $exists, $not, $regex via
// bson.Regex, $and, $or and $nor.
func Match(doc bson.D, filter bson.D) bool {
	for _, fe := range filter {
		switch fe.Key {
		case "$and":
			for _, sub := range subFilters(fe.Value) {
				if !Match(doc, sub) {
					return false
				}
			}
		case "$or":
			matched := false
			for _, sub := range subFilters(fe.Value) {
				if Match(doc, sub) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		case "$nor":
			for _, sub := range subFilters(fe.Value) {
				if Match(doc, sub) {
					return false
				}
			}
		default:
			values := lookupValues(doc, strings.Split(fe.Key, "."))
			if !matchFieldValue(values, fe.Value) {
				return false
			}
		}
	}
	return true
}

func subFilters(v interface{}) []bson.D {
	arr, ok := v.(bson.A)
	if !ok {
		return nil
	}
	filters := make([]bson.D, 0, len(arr))
	for _, sub := range arr {
		if d, ok := sub.(bson.D); ok {
			filters = append(filters, d)
		}
	}
	return filters
}

// lookupValues resolves a dotted path. Arrays met on the way are traversed, so
// "contacts.email" yields the email of every contact. A missing path yields no
// values.
func lookupValues(v interface{}, parts []string) []interface{} {
	if len(parts) == 0 {
		return []interface{}{v}
	}
	switch t := v.(type) {
	case bson.D:
		for _, e := range t {
			if e.Key == parts[0] {
				return lookupValues(e.Value, parts[1:])
			}
		}
	case bson.A:
		if i, err := strconv.Atoi(parts[0]); err == nil {
			if i >= 0 && i < len(t) {
				return lookupValues(t[i], parts[1:])
			}
			return nil
		}
		var out []interface{}
		for _, elem := range t {
			out = append(out, lookupValues(elem, parts)...)
		}
		return out
	}
	return nil
}

func matchFieldValue(values []interface{}, filterVal interface{}) bool {
	if ops, ok := filterVal.(bson.D); ok && len(ops) > 0 && strings.HasPrefix(ops[0].Key, "$") {
		return matchOperators(values, ops)
	}
	return anyEqual(values, filterVal)
}

func matchOperators(values []interface{}, ops bson.D) bool {
	for _, op := range ops {
		if !applyOperator(values, op.Key, op.Value) {
			return false
		}
	}
	return true
}

func applyOperator(values []interface{}, op string, opVal interface{}) bool {
	switch op {
	case "$eq":
		return anyEqual(values, opVal)
	case "$ne":
		return !anyEqual(values, opVal)
	case "$in":
		arr, _ := opVal.(bson.A)
		for _, v := range arr {
			if anyEqual(values, v) {
				return true
			}
		}
		return false
	case "$nin":
		arr, _ := opVal.(bson.A)
		for _, v := range arr {
			if anyEqual(values, v) {
				return false
			}
		}
		return true
	case "$exists":
		want, _ := opVal.(bool)
		return (len(values) > 0) == want
	case "$not":
		return !matchFieldValue(values, opVal)
	default:
		return false
	}
}

// anyEqual reports whether any resolved value equals want. An array value
// matches when one of its elements does. A null want also matches a missing field.
func anyEqual(values []interface{}, want interface{}) bool {
	if want == nil && len(values) == 0 {
		return true
	}
	for _, v := range values {
		if valuesEqual(v, want) {
			return true
		}
		if arr, ok := v.(bson.A); ok {
			for _, elem := range arr {
				if valuesEqual(elem, want) {
					return true
				}
			}
		}
	}
	return false
}

func valuesEqual(a, b interface{}) bool {
	if re, ok := b.(bson.Regex); ok {
		s, ok := a.(string)
		return ok && regexMatch(re, s)
	}
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	// Numeric comparison: normalize to float64
	if af, ok := toFloat64(a); ok {
		if bf, ok := toFloat64(b); ok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}

func regexMatch(re bson.Regex, s string) bool {
	pattern := re.Pattern
	if strings.Contains(re.Options, "i") {
		pattern = "(?i)" + pattern
	}
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return compiled.MatchString(s)
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
