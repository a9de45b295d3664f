package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"gopkg.in/yaml.v2"
)

const usersConfig = `
entities:
  users:
    collection: people
    discriminators: [TypeA, TypeB]
    schema:
      discriminator_key: type
      fields:
        - name: username
          type: string
          unique: true
        - name: email
          type: string
          unique: "Email {VALUE} is taken"
          unique_case_insensitive: true
        - name: type
          type: string
        - name: address
          fields:
            - name: zip
              type: string
              unique: true
        - name: contacts
          array: true
          schema:
            fields:
              - name: email
                type: string
                unique: true
      indexes:
        - keys: [username, email]
          unique: true
          direction: [1, -1]
          partial_filter:
            type: TypeB
            age: {$gte: 18}
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))
	return file
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, usersConfig))
	require.NoError(t, err)

	require.Contains(t, cfg.Entities, "users")
	users := cfg.Entities["users"]
	assert.Equal(t, "people", users.Collection)
	assert.Equal(t, []string{"TypeA", "TypeB"}, users.Discriminators)

	s := users.Schema
	require.NotNil(t, s)
	assert.Equal(t, "type", s.DiscriminatorKey)
	assert.Equal(t, Unique{Enabled: true}, s.Field("username").Unique)
	assert.Equal(t, UniqueMessage("Email {VALUE} is taken"), s.Field("email").Unique)
	assert.True(t, s.Field("email").UniqueCaseInsensitive)
	assert.True(t, s.Field("contacts").Array)
	require.NotNil(t, s.Field("contacts").Schema)

	require.Len(t, s.Indexes, 1)
	index := s.Indexes[0]
	assert.Equal(t, []string{"username", "email"}, index.Keys)
	assert.Equal(t, []int{1, -1}, index.Direction)
	assert.Equal(t, bson.D{
		{Key: "type", Value: "TypeB"},
		{Key: "age", Value: bson.D{{Key: "$gte", Value: 18}}},
	}, index.PartialFilter.D())
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name     string
		config   string
		expected error
	}{
		{
			name: "bad direction",
			config: `
entities:
  users:
    schema:
      fields: [{name: username}]
      indexes: [{keys: [username], direction: [2]}]
`,
			expected: errInvalidIndexDirection,
		},
		{
			name: "empty field name",
			config: `
entities:
  users:
    schema:
      fields: [{name: "", type: string}]
`,
			expected: errFieldNameEmpty,
		},
		{
			name: "unsupported type",
			config: `
entities:
  users:
    schema:
      fields: [{name: age, type: uint}]
`,
			expected: errInvalidFieldType,
		},
		{
			name: "array without schema",
			config: `
entities:
  users:
    schema:
      fields: [{name: tags, array: true}]
`,
			expected: errArrayWithoutSchema,
		},
		{
			name: "invalid sub-document index",
			config: `
entities:
  users:
    schema:
      fields:
        - name: contact
          schema:
            fields: [{name: email}]
            indexes: [{keys: []}]
`,
			expected: errNoKeysForIndex,
		},
		{
			name: "discriminators without key",
			config: `
entities:
  users:
    discriminators: [TypeA]
    schema:
      fields: [{name: username}]
`,
			expected: errNoDiscriminatorKey,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, test.config))
			require.Error(t, err)
			assert.Equal(t, test.expected, errors.Cause(err))
		})
	}
}

func TestLoadConfig_UnknownKey(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "entities:\n  users:\n    schemas: {}\n"))
	assert.Error(t, err)
}

func TestUniqueYAML(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		expected Unique
	}{
		{name: "true", yaml: "unique: true", expected: Unique{Enabled: true}},
		{name: "false", yaml: "unique: false", expected: Unique{}},
		{name: "message", yaml: "unique: taken", expected: UniqueMessage("taken")},
		{name: "empty message", yaml: `unique: ""`, expected: Unique{}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var v struct {
				Unique Unique `yaml:"unique"`
			}
			require.NoError(t, yaml.Unmarshal([]byte(test.yaml), &v))
			assert.Equal(t, test.expected, v.Unique)

			out, err := yaml.Marshal(v)
			require.NoError(t, err)
			var back struct {
				Unique Unique `yaml:"unique"`
			}
			require.NoError(t, yaml.Unmarshal(out, &back))
			assert.Equal(t, test.expected.Enabled, back.Unique.Enabled)
		})
	}
}

func TestUniqueYAML_Invalid(t *testing.T) {
	var v struct {
		Unique Unique `yaml:"unique"`
	}
	err := yaml.Unmarshal([]byte("unique: [a, b]"), &v)
	require.Error(t, err)
	assert.Equal(t, errInvalidUnique, errors.Cause(err))
}
