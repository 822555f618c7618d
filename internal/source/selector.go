package source

import (
	"context"
	"strings"
	"unicode"

	"github.com/denismitr/duckup/migration"
	"github.com/pkg/errors"
)

var (
	ErrDuplicateID       = errors.New("duplicate migration id")
	ErrNotAMigrationFile = errors.New("not a migration file")
	ErrFolderInvalid     = errors.New("migrations folder is invalid")
)

type Filter struct {
	Keys []string
}

// Selector produces the ordered candidate modules for a run. Selection is
// pure and repeatable: no database access happens here.
type Selector interface {
	Select(ctx context.Context, f Filter) (migration.Modules, error)
}

// Source is a selector that can also scaffold new migrations.
type Source interface {
	Selector

	IsValid() bool
	AlreadyExists(id, name string) bool
	Create(name string) (key string, err error)
}

// Validate enforces the discovery invariants before any database access:
// every id parses and no two modules share the same numeric id.
func Validate(modules migration.Modules) error {
	seen := make(map[uint64]string, len(modules))

	for i := range modules {
		v, err := migration.ParseID(modules[i].ID())
		if err != nil {
			return err
		}

		if prev, ok := seen[v]; ok {
			return errors.Wrapf(ErrDuplicateID, "[%s] and [%s]", prev, migration.KeyOf(modules[i]))
		}

		seen[v] = migration.KeyOf(modules[i])
	}

	return nil
}

func filterModules(modules migration.Modules, f Filter) migration.Modules {
	if len(f.Keys) == 0 {
		return modules
	}

	wanted := make(map[string]struct{}, len(f.Keys))
	for _, k := range f.Keys {
		wanted[k] = struct{}{}
	}

	var result migration.Modules
	for i := range modules {
		if _, ok := wanted[migration.KeyOf(modules[i])]; ok {
			result = append(result, modules[i])
		}
	}

	return result
}

func ucFirst(s string) string {
	r := []rune(s)

	if len(r) == 0 {
		return ""
	}

	f := string(unicode.ToUpper(r[0]))

	return f + string(r[1:])
}

func nameFromKeySegments(segments []string) string {
	return ucFirst(strings.Join(segments, " "))
}
