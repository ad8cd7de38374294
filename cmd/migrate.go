package cmd

import (
	"fmt"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/topiclaw/internal/config"
	"github.com/nextlevelbuilder/topiclaw/internal/store"
)

// migrateStore selects which SQLite store to migrate: "state" or "topics".
var migrateStore string

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Store migration management",
		Long: "Migrations are embedded in the binary and applied automatically on " +
			"startup; this command exists for inspection and manual recovery.",
	}

	cmd.PersistentFlags().StringVar(&migrateStore, "store", "", "store to operate on: state or topics (default: both)")

	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateDownCmd())
	cmd.AddCommand(migrateVersionCmd())
	cmd.AddCommand(migrateForceCmd())

	return cmd
}

// eachMigrator runs fn once per selected store with a fresh migrator.
func eachMigrator(fn func(kind string, m *migrate.Migrate) error) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	paths := map[string]string{
		"state":  cfg.Stores.StateDB,
		"topics": cfg.Stores.TopicsDB,
	}
	kinds := []string{"state", "topics"}
	if migrateStore != "" {
		if _, ok := paths[migrateStore]; !ok {
			return fmt.Errorf("unknown store %q (want state or topics)", migrateStore)
		}
		kinds = []string{migrateStore}
	}

	for _, kind := range kinds {
		m, err := store.Migrator(paths[kind], kind)
		if err != nil {
			return fmt.Errorf("%s store: %w", kind, err)
		}
		err = fn(kind, m)
		m.Close()
		if err != nil {
			return fmt.Errorf("%s store: %w", kind, err)
		}
	}
	return nil
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return eachMigrator(func(kind string, m *migrate.Migrate) error {
				if err := m.Up(); err != nil && err != migrate.ErrNoChange {
					return fmt.Errorf("migrate up: %w", err)
				}
				v, dirty, _ := m.Version()
				fmt.Printf("%s: version %d, dirty %v\n", kind, v, dirty)
				return nil
			})
		},
	}
}

func migrateDownCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (default: 1 step)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps <= 0 {
				steps = 1
			}
			return eachMigrator(func(kind string, m *migrate.Migrate) error {
				if err := m.Steps(-steps); err != nil && err != migrate.ErrNoChange {
					return fmt.Errorf("migrate down: %w", err)
				}
				v, dirty, _ := m.Version()
				fmt.Printf("%s: version %d, dirty %v\n", kind, v, dirty)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "number of steps to roll back")
	return cmd
}

func migrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show current migration version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return eachMigrator(func(kind string, m *migrate.Migrate) error {
				v, dirty, err := m.Version()
				if err == migrate.ErrNilVersion {
					fmt.Printf("%s: no migrations applied\n", kind)
					return nil
				}
				if err != nil {
					return fmt.Errorf("get version: %w", err)
				}
				fmt.Printf("%s: version %d, dirty %v\n", kind, v, dirty)
				return nil
			})
		},
	}
}

func migrateForceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force <version>",
		Short: "Force set migration version (no migration applied)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version: %w", err)
			}
			if migrateStore == "" {
				return fmt.Errorf("force requires --store state or --store topics")
			}
			return eachMigrator(func(kind string, m *migrate.Migrate) error {
				if err := m.Force(version); err != nil {
					return fmt.Errorf("force version: %w", err)
				}
				fmt.Printf("%s: forced to version %d\n", kind, version)
				return nil
			})
		},
	}
}
