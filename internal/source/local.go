package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/denismitr/duckup/internal/logger"
	"github.com/denismitr/duckup/migration"
	"github.com/pkg/errors"
)

const DefaultMigrationsFolder = "./migrations"

const (
	sqlExtension = "sql"

	migrateFileSuffix                = "migrate"
	rollbackFileSuffix               = "rollback"
	defaultMigrateFileFullExtension  = ".migrate.sql"
	defaultRollbackFileFullExtension = ".rollback.sql"

	createdIDWidth = 3
)

var keyRegexp = regexp.MustCompile(`^(?P<id>\d+)(?:_(?P<name>\w[\w-]*))?$`)

// LocalFSSource discovers migrations from a folder holding
// NNN_name.migrate.sql and NNN_name.rollback.sql pairs.
type LocalFSSource struct {
	folder string
	lg     logger.Logger
}

var _ Source = (*LocalFSSource)(nil)

func NewLocalFSSource(folder string, lg logger.Logger) (*LocalFSSource, error) {
	info, err := os.Stat(folder)
	if err != nil {
		return nil, errors.Wrapf(ErrFolderInvalid, "[%s]: %s", folder, err.Error())
	}

	if !info.IsDir() {
		return nil, errors.Wrapf(ErrFolderInvalid, "[%s] exists but is not a directory", folder)
	}

	return &LocalFSSource{
		folder: folder,
		lg:     lg,
	}, nil
}

func (lfs *LocalFSSource) IsValid() bool {
	info, err := os.Stat(lfs.folder)
	if os.IsNotExist(err) {
		return false
	}

	return info.IsDir()
}

func (lfs *LocalFSSource) AlreadyExists(id, name string) bool {
	key := migration.CreateKeyFromIDAndName(id, name)
	filename := filepath.Join(lfs.folder, key+defaultMigrateFileFullExtension)
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return !info.IsDir()
}

// Create scaffolds an empty migrate/rollback pair using the next free
// sequence number, zero padded to three digits the way the existing files
// in the folder are.
func (lfs *LocalFSSource) Create(name string) (string, error) {
	keys, err := lfs.keysFromFolder()
	if err != nil {
		return "", err
	}

	var max uint64
	for key := range keys {
		id, _, err := splitKey(key)
		if err != nil {
			return "", err
		}

		v, err := migration.ParseID(id)
		if err != nil {
			return "", err
		}

		if v > max {
			max = v
		}
	}

	id := fmt.Sprintf("%0*d", createdIDWidth, max+1)
	key := migration.CreateKeyFromIDAndName(id, name)

	for _, ext := range []string{defaultMigrateFileFullExtension, defaultRollbackFileFullExtension} {
		filename := filepath.Join(lfs.folder, key+ext)
		f, err := os.Create(filename)
		if err != nil {
			return "", errors.Wrapf(err, "could not create file [%s]", filename)
		}

		if cErr := f.Close(); cErr != nil {
			return "", errors.Wrapf(cErr, "could not close file [%s]", filename)
		}
	}

	return key, nil
}

func (lfs *LocalFSSource) Select(ctx context.Context, f Filter) (migration.Modules, error) {
	keys, err := lfs.keysFromFolder()
	if err != nil {
		return nil, err
	}

	modulesCh := make(chan migration.Module)
	errorsCh := make(chan error)
	var wg sync.WaitGroup

	for k := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			m, err := lfs.readOne(key)
			if err != nil {
				errorsCh <- errors.Wrapf(err, "with key [%s]", key)
				return
			}

			modulesCh <- m
		}(k)
	}

	go func() {
		wg.Wait()
		close(modulesCh)
		close(errorsCh)
	}()

	var result migration.Modules

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case m, ok := <-modulesCh:
			if !ok {
				sort.Sort(result)
				if err := Validate(result); err != nil {
					return nil, err
				}
				return filterModules(result, f), nil
			}

			result = append(result, m)
		case err, ok := <-errorsCh:
			if ok {
				lfs.lg.Error(err)
				return nil, err
			}
		}
	}
}

func (lfs *LocalFSSource) keysFromFolder() (map[string]struct{}, error) {
	files, err := os.ReadDir(lfs.folder)
	if err != nil {
		return nil, errors.Wrapf(ErrFolderInvalid, "could not read keys from folder [%s]: %s", lfs.folder, err.Error())
	}

	keys := make(map[string]struct{})

	for i := range files {
		if files[i].IsDir() {
			continue
		}

		key, err := convertLocalFilePathToKey(files[i].Name())
		if err != nil {
			// foreign files (README, editor leftovers) live in
			// migration folders all the time, skip them quietly
			lfs.lg.Debugf("skipping file %s: %s", files[i].Name(), err.Error())
			continue
		}

		if _, _, err := splitKey(key); err != nil {
			return nil, errors.Wrapf(err, "file [%s]", files[i].Name())
		}

		keys[key] = struct{}{}
	}

	return keys, nil
}

func (lfs *LocalFSSource) readOne(key string) (*migration.Migration, error) {
	up := filepath.Join(lfs.folder, key+defaultMigrateFileFullExtension)
	down := filepath.Join(lfs.folder, key+defaultRollbackFileFullExtension)

	migrateContents, err := os.ReadFile(up)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(migration.ErrMissingOperation, "no migrate file for [%s]", key)
		}
		return nil, err
	}

	rollbackContents, err := os.ReadFile(down)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(migration.ErrMissingOperation, "no rollback file for [%s]", key)
		}
		return nil, err
	}

	return lfs.createMigration(key, migrateContents, rollbackContents)
}

func (lfs *LocalFSSource) createMigration(
	key string,
	migrateContents,
	rollbackContents []byte,
) (*migration.Migration, error) {
	id, name, err := splitKey(key)
	if err != nil {
		return nil, err
	}

	return migration.New(
		id,
		name,
		scriptsFromContents(migrateContents),
		scriptsFromContents(rollbackContents),
	)
}

func splitKey(key string) (id string, name string, err error) {
	matches := keyRegexp.FindStringSubmatch(key)
	if len(matches) < 2 {
		return "", "", errors.Wrapf(migration.ErrMalformedID, "[%s]", key)
	}

	id = matches[1]
	if len(matches) > 2 && matches[2] != "" {
		name = nameFromKeySegments(strings.Split(matches[2], "_"))
	}

	return id, name, nil
}

// scriptsFromContents splits a file on semicolons into individual
// statements so a failing statement is reported on its own.
func scriptsFromContents(contents []byte) []string {
	var result []string

	for _, chunk := range strings.Split(string(contents), ";") {
		script := strings.TrimSpace(chunk)
		if script == "" {
			continue
		}

		result = append(result, script)
	}

	return result
}

func convertLocalFilePathToKey(path string) (string, error) {
	_, name := filepath.Split(path)
	base := filepath.Base(name)
	segments := strings.Split(base, ".")

	if len(segments) != 3 {
		return "", errors.Wrapf(ErrNotAMigrationFile, "[%s]", path)
	}

	if segments[2] != sqlExtension || !(segments[1] == migrateFileSuffix || segments[1] == rollbackFileSuffix) {
		return "", errors.Wrapf(ErrNotAMigrationFile, "[%s]", path)
	}

	return segments[0], nil
}
