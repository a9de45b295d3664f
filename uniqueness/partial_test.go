package uniqueness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestPartialScope(t *testing.T) {
	values := map[string]interface{}{
		"active": true,
		"type":   "TypeB",
		"count":  int32(3),
		"filter": bson.D{{Key: "$in", Value: bson.A{1, 2}}},
	}
	value := func(key string) (interface{}, bool) {
		v, ok := values[key]
		return v, ok
	}

	tests := []struct {
		name     string
		filter   bson.D
		expected scope
	}{
		{name: "empty", filter: bson.D{}, expected: inScope},
		{name: "equal", filter: bson.D{{Key: "active", Value: true}}, expected: inScope},
		{name: "numeric types", filter: bson.D{{Key: "count", Value: 3.0}}, expected: inScope},
		{name: "all equal", filter: bson.D{{Key: "active", Value: true}, {Key: "type", Value: "TypeB"}}, expected: inScope},
		{name: "different", filter: bson.D{{Key: "active", Value: false}}, expected: outOfScope},
		{name: "one different", filter: bson.D{{Key: "active", Value: true}, {Key: "type", Value: "TypeA"}}, expected: outOfScope},
		{name: "unknown value", filter: bson.D{{Key: "region", Value: "us"}}, expected: maybeInScope},
		{name: "operator condition", filter: bson.D{{Key: "count", Value: bson.D{{Key: "$gt", Value: 5}}}}, expected: maybeInScope},
		{name: "logical operator", filter: bson.D{{Key: "$or", Value: bson.A{bson.D{{Key: "active", Value: false}}}}}, expected: maybeInScope},
		{name: "operator value", filter: bson.D{{Key: "filter", Value: 1}}, expected: maybeInScope},
		{
			name:     "unknown then different",
			filter:   bson.D{{Key: "region", Value: "us"}, {Key: "type", Value: "TypeA"}},
			expected: outOfScope,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, partialScope(test.filter, value))
		})
	}
}

func TestIsOperatorDoc(t *testing.T) {
	assert.True(t, isOperatorDoc(bson.D{{Key: "$ne", Value: 1}}))
	assert.True(t, isOperatorDoc(bson.M{"$in": bson.A{1}}))
	assert.True(t, isOperatorDoc(bson.Regex{Pattern: "^a"}))
	assert.False(t, isOperatorDoc(bson.D{{Key: "zip", Value: "1"}}))
	assert.False(t, isOperatorDoc(bson.D{}))
	assert.False(t, isOperatorDoc("$ne"))
	assert.False(t, isOperatorDoc(nil))
}

func TestEquality(t *testing.T) {
	filter := bson.D{
		{Key: "email", Value: "john@example.com"},
		{Key: "age", Value: bson.D{{Key: "$gt", Value: 18}}},
		{Key: "deleted", Value: nil},
	}

	v, ok := equality(filter, "email")
	assert.True(t, ok)
	assert.Equal(t, "john@example.com", v)

	_, ok = equality(filter, "age")
	assert.False(t, ok, "operator conditions pin no value")

	v, ok = equality(filter, "deleted")
	assert.True(t, ok)
	assert.Nil(t, v)

	_, ok = equality(filter, "username")
	assert.False(t, ok)
}

func TestEscapeRegex(t *testing.T) {
	tests := map[string]string{
		"john.smith@gmail.com": `john\.smith@gmail\.com`,
		"a+b*c?":               `a\+b\*c\?`,
		"(x)[y]{z}":            `\(x\)\[y\]\{z\}`,
		`^a|b$`:                `\^a\|b\$`,
		`back\slash`:           `back\\slash`,
		"a-b/c#d":              `a\-b\/c\#d`,
		"plain":                "plain",
		"ünïcødé":              "ünïcødé",
	}
	for in, expected := range tests {
		assert.Equal(t, expected, escapeRegex(in), in)
	}
}
