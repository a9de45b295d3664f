// Copyright 2018-2020, Square, Inc.

// uniqcheck checks a document or an update against the unique indexes of an
// entity before it is written. It exits 0 when the write would not violate a
// unique index, 1 when it would, and 2 when the check could not be done.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"

	"github.com/square/unique-validator/model"
	"github.com/square/unique-validator/server"
	"github.com/square/unique-validator/uniqueness"
)

const (
	exitValid     = 0
	exitViolation = 1
	exitError     = 2
)

type args struct {
	Config      string        `arg:"required,env:UNIQCHECK_CONFIG" help:"YAML schema config file"`
	URI         string        `arg:"env:UNIQCHECK_MONGO_URI" default:"mongodb://localhost:27017" help:"MongoDB connection URI"`
	Database    string        `arg:"required,env:UNIQCHECK_DATABASE" help:"database name"`
	Entity      string        `arg:"required" help:"entity or discriminator name"`
	Doc         string        `help:"extended JSON file with the document to insert, or the new values of --id"`
	ID          string        `help:"hex _id of the stored document that --doc modifies"`
	Filter      string        `help:"extended JSON file with the filter of an update"`
	Update      string        `help:"extended JSON file with the update payload"`
	LiveIndexes bool          `arg:"--live-indexes" help:"check against the indexes on the collection instead of the configured ones"`
	Timeout     time.Duration `default:"10s" help:"time limit for connecting and checking"`
	Debug       bool          `help:"log debug messages"`
}

func (args) Description() string {
	return "Checks a document or an update against the unique indexes of an entity."
}

var errNoSubject = errors.New("one of --doc or --filter with --update is required")

func main() {
	var a args
	arg.MustParse(&a)

	logger, err := newLogger(a.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitError)
	}
	defer logger.Sync()

	os.Exit(run(a, logger, os.Stdout))
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func run(a args, logger *zap.Logger, stdout io.Writer) int {
	ctx, cancel := context.WithTimeout(context.Background(), a.Timeout)
	defer cancel()

	s := server.NewServer(server.Config{
		ConfigFile:  a.Config,
		URI:         a.URI,
		Database:    a.Database,
		LiveIndexes: a.LiveIndexes,
	}, logger)
	defer s.Stop(context.Background())
	if err := s.Boot(ctx); err != nil {
		logger.Error("boot failed", zap.Error(err))
		return exitError
	}
	m, err := s.Model(a.Entity)
	if err != nil {
		logger.Error("unknown entity", zap.Error(err))
		return exitError
	}

	err = check(ctx, m, a)
	stats := uniqueness.CurrentStats()
	logger.Debug("uniqueness checks done",
		zap.Int64("checks", stats.Checks), zap.Int64("skips", stats.Skips),
		zap.Int64("violations", stats.Violations), zap.Int64("failures", stats.Failures))
	return report(stdout, logger, err)
}

// check validates the document or update a describes on model m.
func check(ctx context.Context, m *model.Model, a args) error {
	switch {
	case a.Filter != "" && a.Update != "":
		filter, err := readDoc(a.Filter)
		if err != nil {
			return err
		}
		update, err := readDoc(a.Update)
		if err != nil {
			return err
		}
		return model.ValidateUpdate(ctx, m.NewUpdate(filter, update))
	case a.Doc != "":
		values, err := readDoc(a.Doc)
		if err != nil {
			return err
		}
		doc, err := document(ctx, m, values, a.ID)
		if err != nil {
			return err
		}
		return model.Validate(ctx, doc)
	}
	return errNoSubject
}

// document returns a new document, or with id the stored document id modified
// at every top-level field of values.
func document(ctx context.Context, m *model.Model, values bson.D, id string) (*model.Document, error) {
	if id == "" {
		return m.New(values), nil
	}
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid --id %s", id)
	}
	// Index fields --doc leaves out keep their stored values.
	doc, err := m.Load(ctx, oid)
	if err != nil {
		return nil, err
	}
	for _, e := range values {
		if e.Key == "_id" {
			continue
		}
		doc.Set(e.Key, e.Value)
	}
	return doc, nil
}

func readDoc(file string) (bson.D, error) {
	bytes, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read %s", file)
	}
	var d bson.D
	if err := bson.UnmarshalExtJSON(bytes, false, &d); err != nil {
		return nil, errors.Wrapf(err, "cannot decode extended JSON in %s", file)
	}
	return d, nil
}

type violation struct {
	Path    string      `json:"path"`
	Value   string      `json:"value"`
	Message string      `json:"message"`
	Kind    string      `json:"kind"`
	Code    interface{} `json:"code,omitempty"`
}

// report writes the violations in err as JSON and returns the exit code.
func report(w io.Writer, logger *zap.Logger, err error) int {
	if err == nil {
		return exitValid
	}
	var verr *model.ValidationError
	if !errors.As(err, &verr) {
		logger.Error("check failed", zap.Error(err))
		return exitError
	}

	keys := make([]string, 0, len(verr.Errors))
	for k := range verr.Errors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	code := exitViolation
	out := make(map[string]violation, len(keys))
	for _, k := range keys {
		e := verr.Errors[k]
		if e.Kind == model.KindCheckFailed {
			logger.Error("check could not run", zap.String("path", k), zap.Error(e.Reason))
			code = exitError
		}
		out[k] = violation{
			Path:    e.Path,
			Value:   model.FormatValue(e.Value),
			Message: e.Message,
			Kind:    e.Kind,
			Code:    e.Code,
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logger.Error("cannot write report", zap.Error(err))
		return exitError
	}
	return code
}
