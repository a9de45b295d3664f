package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/square/unique-validator/test/mock"
)

func TestScopedCollection(t *testing.T) {
	tests := []struct {
		name     string
		filter   bson.D
		expected bson.D
	}{
		{
			name:   "prepends the discriminator",
			filter: bson.D{{Key: "username", Value: "JohnSmith"}},
			expected: bson.D{
				{Key: "type", Value: "TypeB"},
				{Key: "username", Value: "JohnSmith"},
			},
		},
		{
			name: "filter on the discriminator key",
			filter: bson.D{
				{Key: "username", Value: "JohnSmith"},
				{Key: "type", Value: "TypeB"},
			},
			expected: bson.D{
				{Key: "type", Value: "TypeB"},
				{Key: "$and", Value: bson.A{bson.D{
					{Key: "username", Value: "JohnSmith"},
					{Key: "type", Value: "TypeB"},
				}}},
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			rec := &mock.Recorder{Count: 1}
			coll := scopedCollection{Collection: rec, key: "type", value: "TypeB"}

			n, err := coll.CountDocuments(context.Background(), test.filter)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
			assert.Equal(t, "recorder", coll.Name())
			assert.Equal(t, []bson.D{test.expected}, rec.Filters())
		})
	}
}
