package schema

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

const (
	defaultIndexDirection = 1

	// Collation strengths 1 and 2 compare base characters only, so values that
	// differ only in letter case collide in the index.
	maxCaseInsensitiveStrength = 2

	idIndexName = "_id_"
)

var (
	errNoKeysForIndex              = errors.New("no keys defined for index")
	errTooManyKeysForIndex         = errors.New("too many keys defined for index; max is 30")
	errKeysAndDirectionsDoNotMatch = errors.New("number of keys and directions do not match for index")
	errInvalidIndexDirection       = errors.New("invalid direction for key(s) in index; must be 1 or -1")
	errDuplicateIndexKey           = errors.New("key appears more than once in index")
	errInvalidFieldType            = errors.New("unsupported field type; only string, int, double, bool, date, objectid, object are supported")
	errFieldNameEmpty              = errors.New("field name cannot be empty")
	errFieldNameOperator           = errors.New("field name cannot start with $")
	errNestedAndSchema             = errors.New("field cannot declare both nested fields and a sub-document schema")
	errArrayWithoutSchema          = errors.New("array field must declare a sub-document schema")
	errNoDiscriminatorKey          = errors.New("discriminators require a discriminator_key")
	errInvalidUnique               = errors.New("unique must be a bool or a message string")
	errInvalidFilter               = errors.New("partial_filter must be a mapping")
)

// indexSpec is one document of the listIndexes command output.
type indexSpec struct {
	Name                    string `bson:"name"`
	Key                     bson.D `bson:"key"`
	Unique                  bool   `bson:"unique"`
	Sparse                  bool   `bson:"sparse"`
	PartialFilterExpression bson.D `bson:"partialFilterExpression"`
	Collation               *struct {
		Locale   string `bson:"locale"`
		Strength int    `bson:"strength"`
	} `bson:"collation"`
}

// ReadIndexes returns the indexes that exist on coll, converted to Index
// definitions. The identity index is reported as unique. Case-insensitive
// collations set CaseInsensitive so uniqueness checks match the database.
func ReadIndexes(ctx context.Context, coll *mongo.Collection) ([]Index, error) {
	cursor, err := coll.Indexes().List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to list indexes")
	}
	defer cursor.Close(ctx)

	var ret []Index
	for cursor.Next(ctx) {
		var spec indexSpec
		if err := cursor.Decode(&spec); err != nil {
			return nil, errors.Wrap(err, "Failed to decode index description")
		}
		if spec.Name == "" {
			return nil, fmt.Errorf("Failed to get index name for index from collection %s: %+v", coll.Name(), spec)
		}
		ret = append(ret, fromSpec(spec))
	}
	if err := cursor.Err(); err != nil {
		return nil, errors.Wrap(err, "Mongo cursor error when inspecting indexes")
	}

	return ret, nil
}

func fromSpec(spec indexSpec) Index {
	index := Index{
		Name:   spec.Name,
		Unique: Unique{Enabled: spec.Unique || spec.Name == idIndexName},
		Sparse: spec.Sparse,
	}
	if len(spec.PartialFilterExpression) > 0 {
		index.PartialFilter = Filter(spec.PartialFilterExpression)
	}
	if spec.Collation != nil && spec.Collation.Strength > 0 && spec.Collation.Strength <= maxCaseInsensitiveStrength {
		index.CaseInsensitive = true
	}

	// Directions are only kept when every key is an ordinary ascending or
	// descending key; text and geo keys have string values.
	directions := make([]int, 0, len(spec.Key))
	for _, e := range spec.Key {
		index.Keys = append(index.Keys, e.Key)
		switch v := e.Value.(type) {
		case int32:
			directions = append(directions, int(v))
		case int64:
			directions = append(directions, int(v))
		case float64:
			directions = append(directions, int(v))
		}
	}
	if len(directions) == len(index.Keys) {
		index.Direction = directions
	}
	return index
}

// IndexName returns the name the index would have if it were created from this
// definition, or its live name when it was read from a collection.
func IndexName(index Index) string {
	if index.Name != "" {
		return index.Name
	}
	if len(index.Keys) == 0 {
		return ""
	}

	indexNamePrefix := "SL"
	if index.Unique.Enabled {
		indexNamePrefix = "IL"
	} else if index.Sparse {
		indexNamePrefix = "SPARSE"
	}

	// If no direction is specified, we don't need to add it to the index name.
	if len(index.Direction) == 0 {
		return fmt.Sprintf("%s_%s", indexNamePrefix, strings.Join(index.Keys, "_"))
	}

	direction := intSliceToString(index.Direction)
	return fmt.Sprintf("%s_%s_%s", indexNamePrefix, strings.Join(index.Keys, "_"), strings.Join(direction, "_"))
}

func intSliceToString(slice []int) []string {
	stringSlice := make([]string, len(slice))
	for i, num := range slice {
		stringSlice[i] = strconv.Itoa(num)
	}

	return stringSlice
}

// KeyDocument returns the index keys and directions in declaration order.
// Key order determines how the index is stored, so this is a bson.D and never a map.
func KeyDocument(index Index) bson.D {
	keys := bson.D{}
	if len(index.Direction) == 0 {
		for _, key := range index.Keys {
			keys = append(keys, bson.E{Key: key, Value: defaultIndexDirection})
		}
	} else {
		for i, key := range index.Keys {
			keys = append(keys, bson.E{Key: key, Value: index.Direction[i]})
		}
	}

	return keys
}
