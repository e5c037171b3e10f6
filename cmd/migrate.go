package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chatrelay/internal/config"
)

var migrationsDir string

func resolveMigrationsDir() string {
	if migrationsDir != "" {
		return migrationsDir
	}
	if v := os.Getenv("CHATRELAY_MIGRATIONS_DIR"); v != "" {
		return v
	}
	if _, err := os.Stat("migrations"); err == nil {
		return "migrations"
	}
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate [up|down|version|force <v>] [tenant-id...]",
		Short: "Apply schema migrations to tenant databases",
		Long:  "Applies the migrations in ./migrations to each tenant's data store. Without tenant ids, every configured tenant is migrated. 'version' prints the current schema version, 'force <v>' marks a dirty database as being at version v.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := args[0]
			rest := args[1:]
			forceVersion := -1
			switch action {
			case "up", "down", "version":
			case "force":
				if len(rest) == 0 {
					return errors.New("force requires a version argument")
				}
				v, err := strconv.Atoi(rest[0])
				if err != nil {
					return fmt.Errorf("force version %q: %w", rest[0], err)
				}
				forceVersion = v
				rest = rest[1:]
			default:
				return fmt.Errorf("action must be up, down, version or force, got %q", action)
			}

			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ids := rest
			if len(ids) == 0 {
				ids = cfg.TenantIDs()
			}
			if len(ids) == 0 {
				return errors.New("no tenants configured")
			}

			for _, id := range ids {
				if err := migrateTenant(cfg, id, action, forceVersion); err != nil {
					return fmt.Errorf("tenant %s: %w", id, err)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&migrationsDir, "migrations", "", "migrations directory (default: ./migrations or $CHATRELAY_MIGRATIONS_DIR)")
	return cmd
}

func migrateTenant(cfg *config.Config, id, action string, forceVersion int) error {
	tcfg, ok := cfg.TenantByID(id)
	if !ok {
		return errors.New("not configured")
	}
	dsn, err := cfg.ResolveDSN(tcfg)
	if err != nil {
		return err
	}
	driver := cfg.ResolveDriver(tcfg)
	if driver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return err
		}
		dsn = "sqlite://" + dsn
	}

	m, err := migrate.New("file://"+resolveMigrationsDir(), dsn)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	switch action {
	case "version":
		v, dirty, verr := m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			slog.Info("no migrations applied", "tenant", id, "driver", driver)
			return nil
		}
		if verr != nil {
			return verr
		}
		slog.Info("schema version", "tenant", id, "version", v, "dirty", dirty, "driver", driver)
		return nil
	case "force":
		if err := m.Force(forceVersion); err != nil {
			return err
		}
		slog.Info("schema version forced", "tenant", id, "version", forceVersion, "driver", driver)
		return nil
	case "up":
		err = m.Up()
	default:
		err = m.Steps(-1)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	if errors.Is(err, migrate.ErrNoChange) {
		slog.Info("schema already current", "tenant", id)
	} else {
		slog.Info("migration applied", "tenant", id, "direction", action, "driver", driver)
	}
	return nil
}
