package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/gateway"
	"github.com/nextlevelbuilder/chatrelay/internal/pipeline"
	"github.com/nextlevelbuilder/chatrelay/internal/responder"
	"github.com/nextlevelbuilder/chatrelay/internal/sender"
	"github.com/nextlevelbuilder/chatrelay/internal/store/sqlstore"
	"github.com/nextlevelbuilder/chatrelay/internal/sweep"
	"github.com/nextlevelbuilder/chatrelay/internal/tenant"
	"github.com/nextlevelbuilder/chatrelay/internal/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook gateway and ingest pipeline",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if len(cfg.Tenants) == 0 {
		slog.Warn("no tenants configured, all webhooks will be unroutable")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	router := tenant.NewRouter(tenant.NewRegistry(), tenantOpener(cfg), slog.Default())
	defer router.CloseAll()

	b := bus.New(256)
	defer b.Close()

	rsp := responder.NewOpenAI(
		cfg.Responder.APIKey,
		cfg.Responder.APIBase,
		cfg.Responder.Model,
		cfg.Responder.SystemPrompt,
		time.Duration(cfg.Responder.TimeoutSec)*time.Second,
	)
	snd := sender.NewHTTP(
		cfg.Provider.APIBase,
		func(tenantID string) (string, bool) {
			t, ok := cfg.TenantByID(tenantID)
			return t.SendToken, ok
		},
		cfg.Provider.SendRPS,
		cfg.Provider.SendBurst,
		time.Duration(cfg.Provider.TimeoutSec)*time.Second,
		slog.Default(),
	)

	p := pipeline.New(cfg, router, b, rsp, snd, slog.Default())
	defer p.Close()

	srv := gateway.New(cfg, b, router, slog.Default())
	sweeper := sweep.New(router, b, cfg.Registry.SweepSchedule(), cfg.Registry.MaxIdle(), slog.Default())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(ctx) })
	g.Go(func() error { return p.RunConsumer(ctx) })
	g.Go(func() error { return sweeper.Run(ctx) })
	g.Go(func() error {
		return config.Watch(ctx, resolveConfigPath(), cfg, func(next *config.Config) {
			slog.Info("configuration reloaded", "tenants", len(next.Tenants))
		})
	})

	slog.Info("chatrelay running", "version", Version, "tenants", len(cfg.Tenants))
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

// tenantOpener dials a tenant's effective store per config, applying the
// schema before the connection is handed to the registry.
func tenantOpener(cfg *config.Config) tenant.Opener {
	return func(ctx context.Context, tenantID string) (*sql.DB, string, error) {
		tcfg, ok := cfg.TenantByID(tenantID)
		if !ok {
			return nil, "", fmt.Errorf("unknown tenant %q", tenantID)
		}
		driver := cfg.ResolveDriver(tcfg)
		dsn, err := cfg.ResolveDSN(tcfg)
		if err != nil {
			return nil, "", err
		}
		var schemaName string
		if driver == "postgres" && tcfg.DSN == "" {
			schemaName = "tenant_" + config.SchemaSafe(tenantID)
		}
		db, err := sqlstore.Open(ctx, driver, dsn, schemaName)
		if err != nil {
			return nil, "", err
		}
		return db, driver, nil
	}
}
