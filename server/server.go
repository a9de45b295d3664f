// Copyright 2018-2020, Square, Inc.

// Package server boots the uniqueness checks for a schema config: it connects to
// the datasource, builds a model per entity, and registers the uniqueness plugin
// on every entity schema.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/square/unique-validator/model"
	"github.com/square/unique-validator/schema"
	"github.com/square/unique-validator/uniqueness"
)

const pingRetryWait = 500 * time.Millisecond

var errUnknownEntity = errors.New("entity not in schema config")

// Config is what the server needs to boot.
type Config struct {
	// ConfigFile is the YAML schema config.
	ConfigFile string
	URI        string
	Database   string
	// LiveIndexes replaces the configured indexes of each entity with the
	// indexes that exist on its collection.
	LiveIndexes bool
	// Plugin options applied to every entity schema.
	Options uniqueness.Options
}

type Server struct {
	cfg      Config
	logger   *zap.Logger
	client   *mongo.Client
	models   map[string]*model.Model
	stopChan chan struct{}
}

func NewServer(cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Boot loads the schema config, connects to the datasource, and builds the models.
// ctx bounds the time spent waiting for the datasource.
func (s *Server) Boot(ctx context.Context) error {
	schemas, err := schema.LoadConfig(s.cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("cannot load config: %s", err)
	}
	s.logger.Info("schema config loaded", zap.String("file", s.cfg.ConfigFile), zap.Int("entities", len(schemas.Entities)))

	client, err := mongo.Connect(options.Client().ApplyURI(s.cfg.URI))
	if err != nil {
		return fmt.Errorf("cannot connect to datasource: %s", err)
	}
	s.client = client
	if err := s.connectToDatasource(ctx); err != nil {
		return err
	}
	db := client.Database(s.cfg.Database)

	if s.cfg.LiveIndexes {
		if err := s.readLiveIndexes(ctx, db, schemas); err != nil {
			return err
		}
	}

	opts := s.cfg.Options
	if opts.Logger == nil {
		opts.Logger = s.logger
	}
	s.models, err = Models(schemas, func(name string) model.Collection {
		return model.NewMongoCollection(db.Collection(name))
	}, opts)
	return err
}

// Model returns the model registered for an entity or discriminator name.
func (s *Server) Model(name string) (*model.Model, error) {
	m, ok := s.models[name]
	if !ok {
		return nil, errors.Wrapf(errUnknownEntity, "%s", name)
	}
	return m, nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping")
	close(s.stopChan)
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func (s *Server) stopped() bool {
	select {
	case <-s.stopChan:
		return true
	default:
		return false
	}
}

func (s *Server) connectToDatasource(ctx context.Context) error {
	firstError := true
	for !s.stopped() {
		err := s.client.Ping(ctx, nil)
		if err == nil {
			s.logger.Info("connected to datasource", zap.String("database", s.cfg.Database))
			return nil
		}
		if firstError {
			s.logger.Warn("cannot reach datasource, retrying until successful",
				zap.Duration("retry_wait", pingRetryWait), zap.Error(err))
			firstError = false
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(err, "datasource not reachable")
		case <-time.After(pingRetryWait):
		}
	}
	return nil
}

// readLiveIndexes swaps the declared indexes of each entity for those of its
// collection. Declared unique indexes the collection lacks are logged, since
// their fields are not checked from then on.
func (s *Server) readLiveIndexes(ctx context.Context, db *mongo.Database, cfg schema.Config) error {
	for entity, es := range cfg.Entities {
		if es.Schema == nil {
			continue
		}
		name := collectionName(entity, es)
		indexes, err := schema.ReadIndexes(ctx, db.Collection(name))
		if err != nil {
			return errors.Wrapf(err, "cannot read indexes of entity %s", entity)
		}
		for _, index := range missingIndexes(es.Schema.AllIndexes(), indexes) {
			s.logger.Warn("unique index not found on collection, not checking it",
				zap.String("entity", entity), zap.String("collection", name),
				zap.String("index", schema.IndexName(index)), zap.Any("keys", schema.KeyDocument(index)))
		}
		es.Schema.ReplaceIndexes(indexes)
	}
	return nil
}

// missingIndexes returns the unique indexes of configured that have no index
// with the same key document in live.
func missingIndexes(configured, live []schema.Index) []schema.Index {
	var missing []schema.Index
	for _, index := range configured {
		if !index.Unique.Enabled {
			continue
		}
		keys := schema.KeyDocument(index)
		found := false
		for _, l := range live {
			if sameKeys(keys, schema.KeyDocument(l)) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, index)
		}
	}
	return missing
}

func sameKeys(a, b bson.D) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key != b[i].Key || a[i].Value != b[i].Value {
			return false
		}
	}
	return true
}

// Models builds a model for every entity of cfg, plus one per discriminator,
// and registers the uniqueness plugin on every entity schema. open returns the
// collection handle for a collection name.
func Models(cfg schema.Config, open func(collection string) model.Collection, opts uniqueness.Options) (map[string]*model.Model, error) {
	models := map[string]*model.Model{}
	for entity, es := range cfg.Entities {
		s := es.Schema
		if s == nil {
			s = &schema.Schema{}
		}
		if err := uniqueness.Plugin(s, opts); err != nil {
			return nil, errors.Wrapf(err, "cannot register uniqueness checks for entity %s", entity)
		}
		if _, ok := models[entity]; ok {
			return nil, fmt.Errorf("entity %s is also a discriminator name", entity)
		}
		m := model.New(entity, s, open(collectionName(entity, es)))
		models[entity] = m
		for _, name := range es.Discriminators {
			if _, ok := models[name]; ok {
				return nil, fmt.Errorf("discriminator %s of entity %s is already a model", name, entity)
			}
			d, err := m.Discriminator(name)
			if err != nil {
				return nil, err
			}
			models[name] = d
		}
	}
	return models, nil
}

func collectionName(entity string, es schema.EntitySchema) string {
	if es.Collection != "" {
		return es.Collection
	}
	return entity
}
