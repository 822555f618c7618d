package source

import (
	"context"
	"sort"

	"github.com/denismitr/duckup/migration"
	"github.com/pkg/errors"
)

var ErrNoModules = errors.New("no migration modules registered")

// Registry is an explicit in-memory collection of modules. Registration
// validates ids eagerly, so a duplicate or malformed id fails before the
// runner ever touches the database.
type Registry struct {
	modules migration.Modules
}

var _ Selector = (*Registry)(nil)

func NewRegistry(modules ...migration.Module) (*Registry, error) {
	r := new(Registry)

	for _, m := range modules {
		if err := r.Add(m); err != nil {
			return nil, err
		}
	}

	return r, nil
}

func (r *Registry) Add(m migration.Module) error {
	v, err := migration.ParseID(m.ID())
	if err != nil {
		return err
	}

	for i := range r.modules {
		existing, _ := migration.ParseID(r.modules[i].ID())
		if existing == v {
			return errors.Wrapf(
				ErrDuplicateID,
				"[%s] and [%s]",
				migration.KeyOf(r.modules[i]), migration.KeyOf(m),
			)
		}
	}

	r.modules = append(r.modules, m)
	return nil
}

func (r *Registry) Select(_ context.Context, f Filter) (migration.Modules, error) {
	if len(r.modules) == 0 {
		return nil, ErrNoModules
	}

	result := make(migration.Modules, len(r.modules))
	copy(result, r.modules)
	sort.Sort(result)

	return filterModules(result, f), nil
}
