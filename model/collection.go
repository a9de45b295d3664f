// Copyright 2018-2020, Square, Inc.

package model

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ErrNotFound is returned by FindOne when no document matches the filter.
var ErrNotFound = errors.New("no document matches filter")

// Collection is the handle validators query. Implementations must honor ctx;
// nothing in this module imposes a timeout of its own.
type Collection interface {
	Name() string
	CountDocuments(ctx context.Context, filter bson.D) (int64, error)
	// FindOne returns the first document matching filter, or ErrNotFound.
	FindOne(ctx context.Context, filter bson.D) (bson.D, error)
}

// MongoCollection adapts a *mongo.Collection.
type MongoCollection struct {
	coll *mongo.Collection
}

var _ Collection = MongoCollection{}

func NewMongoCollection(coll *mongo.Collection) MongoCollection {
	return MongoCollection{coll: coll}
}

func (c MongoCollection) Name() string {
	return c.coll.Name()
}

// CountDocuments stops counting at the first match. Callers only distinguish
// zero from non-zero.
func (c MongoCollection) CountDocuments(ctx context.Context, filter bson.D) (int64, error) {
	n, err := c.coll.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count documents in %s", c.coll.Name())
	}
	return n, nil
}

func (c MongoCollection) FindOne(ctx context.Context, filter bson.D) (bson.D, error) {
	var doc bson.D
	err := c.coll.FindOne(ctx, filter).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, errors.Wrapf(ErrNotFound, "in %s", c.coll.Name())
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find document in %s", c.coll.Name())
	}
	return doc, nil
}

// scopedCollection restricts every query to one discriminator value, the way a
// discriminator model only sees its own documents.
type scopedCollection struct {
	Collection
	key   string
	value string
}

func (c scopedCollection) CountDocuments(ctx context.Context, filter bson.D) (int64, error) {
	return c.Collection.CountDocuments(ctx, c.scope(filter))
}

func (c scopedCollection) FindOne(ctx context.Context, filter bson.D) (bson.D, error) {
	return c.Collection.FindOne(ctx, c.scope(filter))
}

func (c scopedCollection) scope(filter bson.D) bson.D {
	scoped := bson.D{{Key: c.key, Value: c.value}}
	for _, e := range filter {
		if e.Key == c.key {
			// Keys must not repeat within a filter document.
			return append(scoped, bson.E{Key: "$and", Value: bson.A{filter}})
		}
	}
	return append(scoped, filter...)
}
