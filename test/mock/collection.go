// Copyright 2017-2020, Square, Inc.

package mock

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// ErrNotFound is returned by finds that have no document to return.
var ErrNotFound = errors.New("mock: no document")

// Collection is a model.Collection whose behavior is set per test.
type Collection struct {
	NameFunc           func() string
	CountDocumentsFunc func(ctx context.Context, filter bson.D) (int64, error)
	FindOneFunc        func(ctx context.Context, filter bson.D) (bson.D, error)
}

func (c Collection) Name() string {
	if c.NameFunc != nil {
		return c.NameFunc()
	}
	return "mock"
}

func (c Collection) CountDocuments(ctx context.Context, filter bson.D) (int64, error) {
	if c.CountDocumentsFunc != nil {
		return c.CountDocumentsFunc(ctx, filter)
	}
	return 0, nil
}

func (c Collection) FindOne(ctx context.Context, filter bson.D) (bson.D, error) {
	if c.FindOneFunc != nil {
		return c.FindOneFunc(ctx, filter)
	}
	return nil, ErrNotFound
}

// Recorder is a Collection that returns Count for every count and Doc for
// every find, and keeps the filters it was asked for. Safe for concurrent use.
type Recorder struct {
	Count int64
	Doc   bson.D

	mu      sync.Mutex
	filters []bson.D
}

func (r *Recorder) Name() string {
	return "recorder"
}

func (r *Recorder) CountDocuments(ctx context.Context, filter bson.D) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters = append(r.filters, filter)
	return r.Count, nil
}

func (r *Recorder) FindOne(ctx context.Context, filter bson.D) (bson.D, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters = append(r.filters, filter)
	if r.Doc == nil {
		return nil, ErrNotFound
	}
	return r.Doc, nil
}

// Filters returns the filters queried so far.
func (r *Recorder) Filters() []bson.D {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bson.D(nil), r.filters...)
}
