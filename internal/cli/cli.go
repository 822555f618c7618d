package cli

import (
	"context"
	"os"

	"github.com/denismitr/duckup"
	"github.com/denismitr/duckup/internal/source"
	"github.com/denismitr/duckup/migration"
	"github.com/pkg/errors"
)

var (
	ErrFolderInvalid        = errors.New("migrations folder is invalid")
	ErrSourceTypeIsNotValid = errors.New("source type is not valid")
)

type (
	CloserFunc func() error

	Config struct {
		DatabaseURL      string
		MigrationsFolder string
		HistoryTable     string
		TolerateOrphans  bool
		PrintSQL         bool
		Verbose          bool
	}

	ActionConfig struct {
		Steps  int
		Target string
	}

	App struct {
		source   source.Source
		migrator *duckup.Migrator
	}
)

func NewFromYaml(path string, overrides func(*Config)) (*App, CloserFunc, error) {
	cfg, err := createConfigFromYaml(path)
	if err != nil {
		return nil, nil, err
	}

	if overrides != nil {
		overrides(&cfg)
	}

	return New(cfg)
}

func New(cfg Config) (*App, CloserFunc, error) {
	if err := os.MkdirAll(cfg.MigrationsFolder, 0o755); err != nil {
		return nil, nil, errors.Wrapf(ErrFolderInvalid, "[%s]: %s", cfg.MigrationsFolder, err.Error())
	}

	m, closer, err := createMigrator(cfg)
	if err != nil {
		return nil, nil, err
	}

	s := m.Source()
	if s == nil {
		return nil, nil, ErrSourceTypeIsNotValid
	}

	return &App{
		source:   s,
		migrator: m,
	}, CloserFunc(closer), nil
}

func (app *App) CreateMigration(name string) (string, error) {
	if !app.source.IsValid() {
		return "", ErrFolderInvalid
	}

	return app.source.Create(name)
}

func (app *App) Migrate(ctx context.Context, cfg ActionConfig) (migration.Modules, error) {
	return app.migrator.Migrate(ctx, configurators(cfg)...)
}

func (app *App) Rollback(ctx context.Context, cfg ActionConfig) (migration.Modules, error) {
	return app.migrator.Rollback(ctx, configurators(cfg)...)
}

func (app *App) Refresh(ctx context.Context, cfg ActionConfig) (migration.Modules, migration.Modules, error) {
	return app.migrator.Refresh(ctx, configurators(cfg)...)
}

// List pairs every discoverable migration with its history record, if any.
func (app *App) List(ctx context.Context) (migration.Modules, []migration.Record, error) {
	modules, err := app.source.Select(ctx, source.Filter{})
	if err != nil {
		return nil, nil, err
	}

	records, err := app.migrator.Records(ctx)
	if err != nil {
		return nil, nil, err
	}

	return modules, records, nil
}

func configurators(cfg ActionConfig) []duckup.ActionConfigurator {
	var result []duckup.ActionConfigurator
	if cfg.Steps > 0 {
		result = append(result, duckup.WithSteps(cfg.Steps))
	}

	if cfg.Target != "" {
		result = append(result, duckup.WithTarget(cfg.Target))
	}

	return result
}

// InitCfg writes a starter configuration file.
func InitCfg(path string) error {
	if FileExists(path) {
		return errors.Errorf("config file [%s] already exists", path)
	}

	if err := os.WriteFile(path, []byte(configFileStub), 0o644); err != nil {
		return errors.Wrap(err, "could not create config file")
	}

	return nil
}

func FileExists(path string) bool {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}
	return !info.IsDir()
}
