// Copyright 2018-2020, Square, Inc.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"

	"github.com/square/unique-validator/model"
	"github.com/square/unique-validator/schema"
	"github.com/square/unique-validator/test/memdb"
	"github.com/square/unique-validator/uniqueness"
)

const (
	storedID = "5f1d7a3b9c8e4a0012345678"
	otherID  = "5f1d7a3b9c8e4a0087654321"
)

func objectID(t *testing.T, hex string) bson.ObjectID {
	t.Helper()
	id, err := bson.ObjectIDFromHex(hex)
	require.NoError(t, err)
	return id
}

func setup(t *testing.T) (*model.Model, *memdb.Collection) {
	t.Helper()
	uniqueness.ResetDefaults()
	s := &schema.Schema{Fields: []*schema.Field{
		{Name: "username", Type: "string", Unique: schema.Unique{Enabled: true}},
		{Name: "email", Type: "string", Unique: schema.Unique{Enabled: true}},
	}}
	require.NoError(t, uniqueness.Plugin(s, uniqueness.Options{Code: 11000}))
	coll := memdb.New("users")
	m := model.New("users", s, coll)

	require.NoError(t, memdb.Save(context.Background(), coll, m.New(bson.D{
		{Key: "_id", Value: objectID(t, storedID)},
		{Key: "username", Value: "JohnSmith"},
		{Key: "email", Value: "john@example.com"},
	})))
	require.NoError(t, memdb.Save(context.Background(), coll, m.New(bson.D{
		{Key: "_id", Value: objectID(t, otherID)},
		{Key: "username", Value: "JaneDoe"},
		{Key: "email", Value: "jane@example.com"},
	})))
	return m, coll
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(file, []byte(content), 0644))
	return file
}

func TestCheck(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		args       func(t *testing.T) args
		violations []string
	}{
		{
			name: "new unique document",
			args: func(t *testing.T) args {
				return args{Doc: writeFile(t, "doc.json", `{"username": "Other", "email": "other@example.com"}`)}
			},
		},
		{
			name: "new duplicate document",
			args: func(t *testing.T) args {
				return args{Doc: writeFile(t, "doc.json", `{"username": "JohnSmith", "email": "john@example.com"}`)}
			},
			violations: []string{"username", "email"},
		},
		{
			name: "stored document keeps its values",
			args: func(t *testing.T) args {
				return args{
					Doc: writeFile(t, "doc.json", `{"username": "JohnSmith", "email": "john@example.com"}`),
					ID:  storedID,
				}
			},
		},
		{
			name: "stored document takes a duplicate",
			args: func(t *testing.T) args {
				return args{
					Doc: writeFile(t, "doc.json", `{"username": "JohnSmith"}`),
					ID:  otherID,
				}
			},
			violations: []string{"username"},
		},
		{
			name: "update",
			args: func(t *testing.T) args {
				return args{
					Filter: writeFile(t, "filter.json", `{"_id": {"$oid": "`+storedID+`"}}`),
					Update: writeFile(t, "update.json", `{"$set": {"email": "new@example.com"}}`),
				}
			},
		},
		{
			name: "duplicate update",
			args: func(t *testing.T) args {
				return args{
					Filter: writeFile(t, "filter.json", `{"username": "Other"}`),
					Update: writeFile(t, "update.json", `{"$set": {"email": "john@example.com"}}`),
				}
			},
			violations: []string{"email"},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := check(ctx, m, test.args(t))
			if len(test.violations) == 0 {
				require.NoError(t, err)
				return
			}
			var verr *model.ValidationError
			require.True(t, errors.As(err, &verr), "expected a validation error, got %v", err)
			assert.Len(t, verr.Errors, len(test.violations))
			for _, path := range test.violations {
				assert.Contains(t, verr.Errors, path)
			}
		})
	}
}

func TestCheck_Errors(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()

	assert.Equal(t, errNoSubject, check(ctx, m, args{}))
	assert.Equal(t, errNoSubject, check(ctx, m, args{Filter: "filter.json"}), "an update needs both files")
	assert.Error(t, check(ctx, m, args{Doc: "does-not-exist.json"}))
	assert.Error(t, check(ctx, m, args{Doc: writeFile(t, "doc.json", `{"username": `)}))
	assert.Error(t, check(ctx, m, args{Doc: writeFile(t, "doc.json", `{}`), ID: "not-hex"}))

	err := check(ctx, m, args{Doc: writeFile(t, "doc.json", `{}`), ID: "5f1d7a3b9c8e4a00ffffffff"})
	assert.Equal(t, model.ErrNotFound, errors.Cause(err))
}

func TestCheck_CompoundIndex(t *testing.T) {
	uniqueness.ResetDefaults()
	s := &schema.Schema{
		Fields: []*schema.Field{
			{Name: "tenant", Type: "string"},
			{Name: "username", Type: "string"},
		},
		Indexes: []schema.Index{{Keys: []string{"tenant", "username"}, Unique: schema.Unique{Enabled: true}}},
	}
	require.NoError(t, uniqueness.Plugin(s))
	coll := memdb.New("users")
	m := model.New("users", s, coll)
	ctx := context.Background()
	require.NoError(t, memdb.Save(ctx, coll, m.New(bson.D{
		{Key: "tenant", Value: "acme"}, {Key: "username", Value: "JohnSmith"},
	})))
	require.NoError(t, memdb.Save(ctx, coll, m.New(bson.D{
		{Key: "_id", Value: objectID(t, otherID)}, {Key: "tenant", Value: "acme"}, {Key: "username", Value: "JaneDoe"},
	})))

	// The stored tenant is part of the key even though --doc leaves it out.
	err := check(ctx, m, args{Doc: writeFile(t, "doc.json", `{"username": "JohnSmith"}`), ID: otherID})
	var verr *model.ValidationError
	require.True(t, errors.As(err, &verr), "expected a validation error, got %v", err)
	assert.Contains(t, verr.Errors, "username")

	require.NoError(t, check(ctx, m, args{Doc: writeFile(t, "doc.json", `{"username": "Other"}`), ID: otherID}))
}

func TestDocument(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()

	doc, err := document(ctx, m, bson.D{{Key: "username", Value: "a"}}, "")
	require.NoError(t, err)
	assert.True(t, doc.IsNew())
	assert.NotNil(t, doc.ID())

	doc, err = document(ctx, m, bson.D{{Key: "_id", Value: "ignored"}, {Key: "username", Value: "a"}}, storedID)
	require.NoError(t, err)
	assert.False(t, doc.IsNew())
	assert.Equal(t, storedID, doc.ID().(bson.ObjectID).Hex())
	assert.True(t, doc.IsModified("username"))
	assert.False(t, doc.IsModified("email"))
	email, _ := doc.Get("email")
	assert.Equal(t, "john@example.com", email)
}

func TestReport(t *testing.T) {
	logger := zap.NewNop()

	var out bytes.Buffer
	assert.Equal(t, exitValid, report(&out, logger, nil))
	assert.Empty(t, out.String())

	assert.Equal(t, exitError, report(&out, logger, errors.New("boom")))
	assert.Empty(t, out.String())

	verr := &model.ValidationError{Model: "users", Errors: map[string]*model.ValidatorError{
		"username": {Path: "username", Value: "JohnSmith", Message: "taken", Kind: "unique", Code: 11000},
		"contacts.0.email": {Path: "email", Value: "a@example.com", Message: "taken", Kind: "unique"},
	}}
	assert.Equal(t, exitViolation, report(&out, logger, errors.Wrap(verr, "validate")))
	var got map[string]violation
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, map[string]violation{
		"username":         {Path: "username", Value: "JohnSmith", Message: "taken", Kind: "unique", Code: float64(11000)},
		"contacts.0.email": {Path: "email", Value: "a@example.com", Message: "taken", Kind: "unique"},
	}, got)

	out.Reset()
	id := objectID(t, storedID)
	verr.Errors = map[string]*model.ValidatorError{
		"_id": {Path: "_id", Value: id, Message: "taken", Kind: "unique"},
	}
	assert.Equal(t, exitViolation, report(&out, logger, verr))
	got = nil
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, storedID, got["_id"].Value)

	out.Reset()
	verr.Errors["email"] = &model.ValidatorError{
		Path: "email", Value: "x", Message: "cannot validate", Kind: model.KindCheckFailed, Reason: errors.New("timeout"),
	}
	assert.Equal(t, exitError, report(&out, logger, verr))
	assert.Contains(t, out.String(), `"kind": "check"`)
}
