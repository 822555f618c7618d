package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/denismitr/duckup"
	"github.com/denismitr/duckup/internal/cli"
	"github.com/logrusorgru/aurora/v3"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const runTimeout = 120 * time.Second

const defaultConfigPath = "duckup.yml"

// set through -ldflags at release time
var version = "dev"

type flags struct {
	config   string
	db       string
	folder   string
	table    string
	steps    int
	target   string
	orphans  bool
	printSQL bool
	verbose  bool
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fail(err.Error())
	}
}

func rootCmd() *cobra.Command {
	f := new(flags)

	root := &cobra.Command{
		Use:           "duckup",
		Short:         "Schema migrations for embedded databases",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&f.config, "config", "c", defaultConfigPath, "path to the config file")
	root.PersistentFlags().StringVar(&f.db, "db", "", "database url, overrides the config file")
	root.PersistentFlags().StringVar(&f.folder, "folder", "", "migrations folder, overrides the config file")
	root.PersistentFlags().StringVar(&f.table, "table", "", "history table name, overrides the config file")
	root.PersistentFlags().BoolVar(&f.orphans, "tolerate-orphans", false, "do not fail on history records without a matching migration")
	root.PersistentFlags().BoolVar(&f.printSQL, "sql", false, "print executed bookkeeping sql")
	root.PersistentFlags().BoolVarP(&f.verbose, "verbose", "v", false, "print debug output")

	root.AddCommand(
		migrateCmd(f),
		rollbackCmd(f),
		refreshCmd(f),
		createCmd(f),
		listCmd(f),
		initCmd(f),
		versionCmd(),
	)

	return root
}

func migrateCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(f, func(ctx context.Context, app *cli.App) error {
				migrated, err := app.Migrate(ctx, cli.ActionConfig{Steps: f.steps, Target: f.target})
				if err != nil {
					if errorsIsNothingToDo(err) {
						success("Nothing to migrate")
						return nil
					}

					return err
				}

				success("Migrated %d migration(s)", len(migrated))
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&f.steps, "steps", 0, "apply at most this many migrations")
	cmd.Flags().StringVar(&f.target, "target", "", "migrate up to and including this id")

	return cmd
}

func rollbackCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Revert applied migrations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(f, func(ctx context.Context, app *cli.App) error {
				rolledBack, err := app.Rollback(ctx, cli.ActionConfig{Steps: f.steps, Target: f.target})
				if err != nil {
					if errorsIsNothingToDo(err) {
						success("Nothing to roll back")
						return nil
					}

					return err
				}

				success("Rolled back %d migration(s)", len(rolledBack))
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&f.steps, "steps", 0, "revert at most this many migrations")
	cmd.Flags().StringVar(&f.target, "target", "", "roll back down to but not including this id")

	return cmd
}

func refreshCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Roll migrations back and apply them again",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(f, func(ctx context.Context, app *cli.App) error {
				rolledBack, migrated, err := app.Refresh(ctx, cli.ActionConfig{})
				if err != nil {
					if errorsIsNothingToDo(err) {
						success("Nothing to refresh")
						return nil
					}

					return err
				}

				success("Rolled back %d and migrated %d migration(s)", len(rolledBack), len(migrated))
				return nil
			})
		},
	}
}

func createCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Scaffold an empty migrate/rollback pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(f, func(_ context.Context, app *cli.App) error {
				key, err := app.CreateMigration(args[0])
				if err != nil {
					return err
				}

				success("Created migration [%s]", key)
				return nil
			})
		},
	}
}

func listCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show discoverable migrations and their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(f, func(ctx context.Context, app *cli.App) error {
				modules, records, err := app.List(ctx)
				if err != nil {
					return err
				}

				if len(modules) == 0 {
					success("No migrations found")
					return nil
				}

				applied := make(map[string]struct{}, len(records))
				for _, r := range records {
					applied[r.ID] = struct{}{}
				}

				for _, m := range modules {
					if _, ok := applied[m.ID()]; ok {
						fmt.Println(aurora.Green("applied  "), m.ID(), m.Description())
					} else {
						fmt.Println(aurora.Yellow("pending  "), m.ID(), m.Description())
					}
				}

				return nil
			})
		},
	}
}

func initCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.InitCfg(f.config); err != nil {
				return err
			}

			success("Created config file [%s]", f.config)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the duckup version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("duckup", version)
		},
	}
}

func withApp(f *flags, run func(context.Context, *cli.App) error) (err error) {
	app, closer, err := buildApp(f)
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := closer(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	return run(ctx, app)
}

func buildApp(f *flags) (*cli.App, cli.CloserFunc, error) {
	overrides := func(cfg *cli.Config) {
		if f.db != "" {
			cfg.DatabaseURL = f.db
		}
		if f.folder != "" {
			cfg.MigrationsFolder = f.folder
		}
		if f.table != "" {
			cfg.HistoryTable = f.table
		}
		cfg.TolerateOrphans = f.orphans
		cfg.PrintSQL = f.printSQL
		cfg.Verbose = f.verbose
	}

	if cli.FileExists(f.config) {
		return cli.NewFromYaml(f.config, overrides)
	}

	cfg := cli.Config{}
	overrides(&cfg)

	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("database not specified: pass --db or create %s", f.config)
	}

	if cfg.MigrationsFolder == "" {
		cfg.MigrationsFolder = "./migrations"
	}

	return cli.New(cfg)
}

func errorsIsNothingToDo(err error) bool {
	return errors.Is(err, duckup.ErrNoPendingMigrations) ||
		errors.Is(err, duckup.ErrNoAppliedMigrations)
}

func success(format string, args ...interface{}) {
	fmt.Println(aurora.Green("duckup: "), fmt.Sprintf(format, args...))
}

func fail(msg string) {
	fmt.Println(aurora.Red("duckup: "), msg)
	os.Exit(1)
}
