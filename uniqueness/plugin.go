// Package uniqueness validates fields covered by unique indexes before a write,
// so duplicates are reported per field instead of as a duplicate key error from
// the database.
//
// The check counts documents that would conflict with the entity being saved or
// updated. It is not atomic with the write: two concurrent writes can both pass,
// and the unique index in the database still rejects the second.
package uniqueness

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/square/unique-validator/model"
	"github.com/square/unique-validator/schema"
)

// Plugin attaches a uniqueness validator to every field of every unique index
// of s, including the identity index. Fields that cannot be resolved on s are
// skipped. Applying the plugin again adds validators configured with the new
// options next to the existing ones.
func Plugin(s *schema.Schema, options ...Options) error {
	var opts Options
	if len(options) > 0 {
		opts = options[0]
	}
	if err := opts.validate(); err != nil {
		return err
	}
	opts = opts.withDefaults()

	for _, d := range ExtractUniqueIndexes(s, opts) {
		for _, path := range d.Fields {
			ref, ok := ResolveField(s, path)
			if !ok {
				opts.Logger.Debug("unique index path not found on schema, not validating it",
					zap.String("path", path), zap.Strings("index", d.Fields))
				continue
			}
			ref.Field.AddValidator(schema.Validator{
				Kind:    d.Kind,
				Message: d.Message,
				Code:    d.Code,
				Check:   newCheck(d, path, ref.Field, opts.Logger),
			})
			opts.Logger.Debug("uniqueness validator registered",
				zap.String("path", path), zap.Strings("index", d.Fields),
				zap.Bool("subdocument", ref.Subdocument),
				zap.Bool("case_insensitive", d.CaseInsensitive), zap.Bool("partial", d.PartialFilter != nil))
		}
	}
	return nil
}

// newCheck returns the check for path of index d. field is the field path
// resolved to on the schema the plugin was applied to.
func newCheck(d IndexDescriptor, path string, field *schema.Field, logger *zap.Logger) schema.CheckFunc {
	return func(ctx context.Context, subject schema.Subject) (bool, error) {
		counters.checks.Add(1)

		if !declared(subject, path, field) {
			counters.skips.Add(1)
			logger.Debug("uniqueness check skipped", zap.String("path", path), zap.Stringer("reason", SkipUndeclared))
			return true, nil
		}

		q, outcome, err := BuildConflictQuery(d, path, subject)
		if err != nil {
			counters.failures.Add(1)
			return false, errors.Wrapf(err, "cannot build uniqueness query for %s", path)
		}
		if outcome != Check {
			counters.skips.Add(1)
			logger.Debug("uniqueness check skipped", zap.String("path", path), zap.Stringer("reason", outcome))
			return true, nil
		}

		logger.Debug("counting conflicting documents",
			zap.String("path", path), zap.String("collection", q.Collection.Name()), zap.Any("filter", q.Filter))
		n, err := q.Collection.CountDocuments(ctx, q.Filter)
		if err != nil {
			counters.failures.Add(1)
			logger.Error("uniqueness query failed",
				zap.String("path", path), zap.String("collection", q.Collection.Name()), zap.Error(err))
			return false, errors.Wrapf(err, "uniqueness query for %s failed", path)
		}
		if n > 0 {
			counters.violations.Add(1)
			return false, nil
		}
		return true, nil
	}
}

// declared reports whether path names field on the schema of the entity being
// validated. A sub-document schema is shared by every schema embedding it, so
// its validators also run for entities of schemas that declare path as a
// different field, or not at all. Entities without a schema are left to
// BuildConflictQuery.
func declared(subject schema.Subject, path string, field *schema.Field) bool {
	var s *schema.Schema
	switch t := subject.(type) {
	case *model.Update:
		s = t.Schema()
	case *model.Document:
		if owner := t.Owner(); owner != nil {
			s = owner.Schema()
		}
	}
	if s == nil {
		return true
	}
	ref, ok := ResolveField(s, path)
	return ok && ref.Field == field
}
