package cli

import (
	"log"
	"os"
	"strings"

	"github.com/denismitr/duckup"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/xo/dburl"
	"gopkg.in/yaml.v2"
	_ "modernc.org/sqlite"
)

type (
	migrations struct {
		LocalFolder  string `yaml:"local_folder"`
		DatabaseURL  string `yaml:"database_url"`
		HistoryTable string `yaml:"history_table"`
	}

	configFile struct {
		Version    string     `yaml:"version"`
		Migrations migrations `yaml:"migrations"`
	}
)

const configFileStub = `version: "1"

migrations:
  # sqlite3:path/to.db (cgo driver) or
  # sqlite://path/to.db (pure Go driver);
  # %%VAR%% reads the value from the environment
  database_url: sqlite3:duckup.db
  local_folder: ./migrations
  history_table: migrations
`

func createConfigFromYaml(path string) (Config, error) {
	var cfg Config

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "could not read duckup configuration file")
	}

	var cfgFile configFile
	if err := yaml.Unmarshal(b, &cfgFile); err != nil {
		return cfg, errors.Wrap(err, "could not parse duckup configuration file")
	}

	cfg.DatabaseURL = expandEnvValue(cfgFile.Migrations.DatabaseURL)
	cfg.MigrationsFolder = expandEnvValue(cfgFile.Migrations.LocalFolder)
	cfg.HistoryTable = cfgFile.Migrations.HistoryTable

	if cfg.DatabaseURL == "" {
		return cfg, errors.New("database url was not defined")
	}

	if cfg.MigrationsFolder == "" {
		return cfg, errors.New("migrations folder was not defined")
	}

	return cfg, nil
}

func expandEnvValue(v string) string {
	if strings.HasPrefix(v, "%%") && strings.HasSuffix(v, "%%") {
		return os.Getenv(strings.ReplaceAll(v, "%%", ""))
	}

	return v
}

// resolveDriver maps a database url onto a registered embedded driver and
// its DSN. sqlite3:// selects the cgo driver, sqlite:// the pure Go one.
func resolveDriver(databaseURL string) (driverName, dsn string, err error) {
	if strings.HasPrefix(databaseURL, "sqlite://") {
		return "sqlite", strings.TrimPrefix(databaseURL, "sqlite://"), nil
	}

	u, err := dburl.Parse(databaseURL)
	if err != nil {
		return "", "", errors.Wrapf(err, "could not parse database url [%s]", databaseURL)
	}

	if u.Driver != "sqlite3" {
		return "", "", errors.Errorf("unsupported driver [%s]: duckup targets embedded databases", u.Driver)
	}

	return u.Driver, u.DSN, nil
}

func createMigrator(cfg Config) (*duckup.Migrator, duckup.CloserFunc, error) {
	driverName, dsn, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "could not open database [%s]", dsn)
	}

	opts := []duckup.OptionFunc{
		duckup.UseColorLogger(log.New(os.Stdout, "", 0), cfg.PrintSQL, cfg.Verbose),
		duckup.UseDB(db.DB, driverName),
		duckup.UseLocalFolderSource(cfg.MigrationsFolder),
		duckup.UseFileLock(lockPathFor(dsn)),
	}

	if cfg.HistoryTable != "" {
		opts = append(opts, duckup.UseHistoryTable(cfg.HistoryTable))
	}

	if cfg.TolerateOrphans {
		opts = append(opts, duckup.TolerateOrphans())
	}

	return duckup.NewMigrator(opts...)
}

func lockPathFor(dsn string) string {
	path := dsn
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	return path + ".lock"
}
