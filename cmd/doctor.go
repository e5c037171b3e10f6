package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/store/sqlstore"
	"github.com/nextlevelbuilder/chatrelay/internal/wire"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("chatrelay doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults + env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Secrets:")
	fmt.Printf("    %-16s %s\n", "App secret:", presence(cfg.Gateway.AppSecret))
	fmt.Printf("    %-16s %s\n", "Admin token:", presence(cfg.Gateway.AdminToken))
	fmt.Printf("    %-16s %s\n", "Responder key:", presence(cfg.Responder.APIKey))

	fmt.Println()
	fmt.Printf("  Tenants (%d):\n", len(cfg.Tenants))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, t := range cfg.Tenants {
		driver := cfg.ResolveDriver(t)
		dsn, err := cfg.ResolveDSN(t)
		if err != nil {
			fmt.Printf("    %-16s %s (%s)\n", t.ID+":", "DSN ERROR", err)
			continue
		}
		var schemaName string
		if driver == "postgres" && t.DSN == "" {
			schemaName = "tenant_" + config.SchemaSafe(t.ID)
		}
		db, err := sqlstore.Open(ctx, driver, dsn, schemaName)
		if err != nil {
			fmt.Printf("    %-16s %s store FAILED: %s\n", t.ID+":", driver, err)
			continue
		}
		db.Close()
		fmt.Printf("    %-16s %s store OK, send token %s\n", t.ID+":", driver, presence(t.SendToken))
	}

	if cfg.Gateway.AppSecret != "" {
		fmt.Println()
		sample := []byte(`{"message_id":"doctor","from":"+10000000000","to":"+10000000001","text":{"body":"ping"}}`)
		fmt.Println("  Sample signed webhook:")
		fmt.Printf("    curl -s -X POST http://127.0.0.1:%d/webhook \\\n", cfg.Gateway.Port)
		fmt.Printf("      -H 'Content-Type: application/json' \\\n")
		fmt.Printf("      -H '%s: %s' \\\n", wire.SignatureHeader, wire.Sign(cfg.Gateway.AppSecret, sample))
		fmt.Printf("      -d '%s'\n", sample)
	}
}

func presence(secret string) string {
	if secret == "" {
		return "MISSING"
	}
	return "set"
}
