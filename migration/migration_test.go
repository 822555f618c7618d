package migration

import (
	"sort"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func Test_ParseID(t *testing.T) {
	tt := []struct {
		name  string
		id    string
		value uint64
		err   error
	}{
		{name: "zero padded sequence", id: "001", value: 1},
		{name: "plain sequence", id: "42", value: 42},
		{name: "long sequence", id: "000000010", value: 10},
		{name: "empty", id: "", err: ErrMalformedID},
		{name: "letters", id: "abc", err: ErrMalformedID},
		{name: "mixed", id: "001a", err: ErrMalformedID},
		{name: "negative", id: "-1", err: ErrMalformedID},
		{name: "too long", id: "1234567890123456789", err: ErrMalformedID},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			v, err := ParseID(tc.id)
			if tc.err != nil {
				assert.True(t, errors.Is(err, tc.err))
				return
			}

			assert.NoError(t, err)
			assert.Equal(t, tc.value, v)
		})
	}
}

func Test_NewValidatesLikeDiscovery(t *testing.T) {
	t.Run("valid migration", func(t *testing.T) {
		m, err := New("001", "Create users", []string{"CREATE TABLE users (id INTEGER, name VARCHAR)"}, []string{"DROP TABLE users"})
		assert.NoError(t, err)
		assert.Equal(t, "001_create_users", m.Key)
		assert.Equal(t, "001", m.ID())
		assert.Equal(t, "Create users", m.Description())
	})

	t.Run("malformed id", func(t *testing.T) {
		_, err := New("first", "Create users", []string{"CREATE TABLE users (id INTEGER)"}, []string{"DROP TABLE users"})
		assert.True(t, errors.Is(err, ErrMalformedID))
	})

	t.Run("missing rollback", func(t *testing.T) {
		_, err := New("001", "Create users", []string{"CREATE TABLE users (id INTEGER)"}, nil)
		assert.True(t, errors.Is(err, ErrMissingOperation))
	})

	t.Run("missing migrate", func(t *testing.T) {
		_, err := New("001", "Create users", nil, []string{"DROP TABLE users"})
		assert.True(t, errors.Is(err, ErrMissingOperation))
	})
}

func Test_ModulesCanBeSortedByID(t *testing.T) {
	m1, err := New("010", "Foo", []string{"CREATE foo"}, []string{"DROP foo"})
	assert.NoError(t, err)

	m2, err := New("002", "Bar", []string{"CREATE bar"}, []string{"DROP bar"})
	assert.NoError(t, err)

	m3, err := New("1", "Baz", []string{"CREATE baz"}, []string{"DROP baz"})
	assert.NoError(t, err)

	modules := Modules{m1, m2, m3}
	sort.Sort(modules)

	assert.Equal(t, []string{"1_baz", "002_bar", "010_foo"}, modules.Keys())
}

func Test_ChecksumChangesWithEitherDirection(t *testing.T) {
	m1, err := New("001", "Create users", []string{"CREATE TABLE users (id INTEGER)"}, []string{"DROP TABLE users"})
	assert.NoError(t, err)

	same, err := New("001", "Create users", []string{"CREATE TABLE users (id INTEGER)"}, []string{"DROP TABLE users"})
	assert.NoError(t, err)

	editedUp, err := New("001", "Create users", []string{"CREATE TABLE users (id INTEGER, name VARCHAR)"}, []string{"DROP TABLE users"})
	assert.NoError(t, err)

	editedDown, err := New("001", "Create users", []string{"CREATE TABLE users (id INTEGER)"}, []string{"DROP TABLE IF EXISTS users"})
	assert.NoError(t, err)

	assert.Equal(t, m1.Checksum(), same.Checksum())
	assert.NotEqual(t, m1.Checksum(), editedUp.Checksum())
	assert.NotEqual(t, m1.Checksum(), editedDown.Checksum())
	assert.Equal(t, m1.Checksum(), ChecksumOf(m1))
}
