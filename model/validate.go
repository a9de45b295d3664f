package model

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
	"golang.org/x/sync/errgroup"

	"github.com/square/unique-validator/schema"
)

// KindCheckFailed classifies a ValidatorError whose check could not run, as
// opposed to one that ran and found the value invalid.
const KindCheckFailed = "check"

// ValidatorError is the failure of one field.
type ValidatorError struct {
	// Path is the field path. For a sub-document it is relative to the
	// sub-document; the key in ValidationError.Errors is the full path.
	Path    string
	Value   interface{}
	Message string
	Kind    string
	Code    interface{}
	// Reason is set when the check itself failed, e.g. the count query errored.
	Reason error
}

func (e *ValidatorError) Error() string {
	return e.Message
}

func (e *ValidatorError) Unwrap() error {
	return e.Reason
}

// ValidationError aggregates the failures of one validation, keyed by full path.
type ValidationError struct {
	Model  string
	Errors map[string]*ValidatorError
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Errors))
	for k := range e.Errors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	msgs := make([]string, len(keys))
	for i, k := range keys {
		msgs[i] = k + ": " + e.Errors[k].Message
	}
	prefix := "validation failed"
	if e.Model != "" {
		prefix = e.Model + " " + prefix
	}
	return prefix + ": " + strings.Join(msgs, ", ")
}

// FormatMessage renders a message template. {PATH}, {VALUE} and {TYPE} are
// replaced by the path, the value, and the error kind.
func FormatMessage(template, path string, value interface{}, kind string) string {
	return strings.NewReplacer(
		"{PATH}", path,
		"{VALUE}", FormatValue(value),
		"{TYPE}", kind,
	).Replace(template)
}

// FormatValue renders a field value the way messages show it: identifiers as
// hex and regexes as their pattern.
func FormatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bson.ObjectID:
		return t.Hex()
	case bson.Regex:
		return t.Pattern
	case fmt.Stringer:
		return t.String()
	}
	return fmt.Sprint(v)
}

type job struct {
	key        string
	path       string
	subject    Target
	value      interface{}
	validators []schema.Validator
}

// Validate runs every validator attached to the fields of doc and its embedded
// sub-documents. Field checks run concurrently and independently; every
// failure is reported in the returned *ValidationError.
func Validate(ctx context.Context, doc *Document) error {
	var jobs []job
	collectJobs(doc, doc.schema.Fields, "", &jobs)
	if !doc.IsSubdocument() && !declares(doc.schema, schema.IDPath) {
		addJob(doc, doc.schema.Field(schema.IDPath), schema.IDPath, &jobs)
	}
	return run(ctx, doc.Model(), jobs)
}

// ValidateUpdate runs the validators of the fields an update writes.
func ValidateUpdate(ctx context.Context, u *Update) error {
	var jobs []job
	for _, path := range u.Paths() {
		field := fieldAt(u.Schema(), path)
		if field == nil {
			continue
		}
		validators := field.Validators()
		if len(validators) == 0 {
			continue
		}
		value, _ := u.Value(path)
		jobs = append(jobs, job{key: path, path: path, subject: u, value: value, validators: validators})
	}
	return run(ctx, u.model, jobs)
}

func collectJobs(d *Document, fields []*schema.Field, prefix string, jobs *[]job) {
	for _, f := range fields {
		local := prefix + f.Name
		switch {
		case len(f.Fields) > 0:
			collectJobs(d, f.Fields, local+".", jobs)
		case f.IsSubdocument() && f.Array:
			v, _ := d.Get(local)
			for i, elem := range asArray(v) {
				if values, ok := elem.(bson.D); ok {
					sub := d.subdocument(f.Schema, ownerPath(d, local+"."+strconv.Itoa(i)), values)
					collectJobs(sub, f.Schema.Fields, "", jobs)
				}
			}
		case f.IsSubdocument():
			v, _ := d.Get(local)
			if values, ok := v.(bson.D); ok {
				sub := d.subdocument(f.Schema, ownerPath(d, local), values)
				collectJobs(sub, f.Schema.Fields, "", jobs)
			}
		}
		addJob(d, f, local, jobs)
	}
}

func addJob(d *Document, f *schema.Field, local string, jobs *[]job) {
	validators := f.Validators()
	if len(validators) == 0 {
		return
	}
	value, _ := d.Get(local)
	*jobs = append(*jobs, job{
		key:        ownerPath(d, local),
		path:       local,
		subject:    d,
		value:      value,
		validators: validators,
	})
}

func run(ctx context.Context, m *Model, jobs []job) error {
	if len(jobs) == 0 {
		return nil
	}
	var (
		mu     sync.Mutex
		failed = map[string]*ValidatorError{}
	)
	g := new(errgroup.Group)
	concurrency := defaultValidationConcurrency
	if m != nil {
		concurrency = m.concurrency
	}
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			if verr := j.check(ctx); verr != nil {
				mu.Lock()
				if _, ok := failed[j.key]; !ok {
					failed[j.key] = verr
				}
				mu.Unlock()
			}
			return nil // one field never aborts the others
		})
	}
	g.Wait()

	if len(failed) == 0 {
		return nil
	}
	verr := &ValidationError{Errors: failed}
	if m != nil {
		verr.Model = m.name
	}
	return verr
}

// check runs the field's validators in order and returns the first failure.
func (j job) check(ctx context.Context) *ValidatorError {
	for _, v := range j.validators {
		ok, err := v.Check(ctx, j.subject)
		if err != nil {
			return &ValidatorError{
				Path:    j.path,
				Value:   j.value,
				Message: fmt.Sprintf("cannot validate `%s`: %s", j.path, err),
				Kind:    KindCheckFailed,
				Code:    v.Code,
				Reason:  err,
			}
		}
		if !ok {
			return &ValidatorError{
				Path:    j.path,
				Value:   j.value,
				Message: FormatMessage(v.Message, j.path, j.value, v.Kind),
				Kind:    v.Kind,
				Code:    v.Code,
			}
		}
	}
	return nil
}

func ownerPath(d *Document, local string) string {
	if d.path == "" {
		return local
	}
	return d.path + "." + local
}

func declares(s *schema.Schema, name string) bool {
	for _, f := range s.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

func asArray(v interface{}) []interface{} {
	switch t := v.(type) {
	case bson.A:
		return t
	case []interface{}:
		return t
	}
	return nil
}

// fieldAt finds the field an update path writes, descending into sub-document
// schemas. Array positions ("contacts.0.email", "contacts.$.email") are skipped.
func fieldAt(s *schema.Schema, path string) *schema.Field {
	if f := s.Path(path); f != nil {
		return f
	}
	head, rest, nested := strings.Cut(path, ".")
	if !nested {
		return nil
	}
	f := s.Field(head)
	if f == nil || f.Schema == nil {
		return nil
	}
	if f.Array {
		pos, after, ok := strings.Cut(rest, ".")
		if _, err := strconv.Atoi(pos); (err == nil || pos == "$") && ok {
			rest = after
		}
	}
	return fieldAt(f.Schema, rest)
}
