// Package test has helpers for tests that need a real MongoDB.
package test

import (
	"context"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	DefaultURI = "mongodb://localhost:27017"
	Database   = "uniqueness_test"
)

// DbCollections connects to the test MongoDB and returns a handle per name in
// the test database. The URI is read from UNIQCHECK_TEST_MONGO_URI. An error
// means no server is reachable; integration tests skip on it.
func DbCollections(names []string) (*mongo.Client, map[string]*mongo.Collection, error) {
	uri := os.Getenv("UNIQCHECK_TEST_MONGO_URI")
	if uri == "" {
		uri = DefaultURI
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri).SetServerSelectionTimeout(2 * time.Second))
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, nil, err
	}
	colls := make(map[string]*mongo.Collection, len(names))
	for _, name := range names {
		colls[name] = client.Database(Database).Collection(name)
	}
	return client, colls, nil
}
