package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         18820,
			MaxBodyBytes: 256 * 1024,
		},
		Database: DatabaseConfig{
			Driver:  "sqlite",
			DataDir: "~/.chatrelay/tenants",
		},
		Coalesce: CoalesceConfig{
			QuietPeriodMs: 3000,
		},
		Responder: ResponderConfig{
			APIBase:      "https://api.openai.com/v1",
			Model:        "gpt-4o-mini",
			HistoryLimit: 30,
			TimeoutSec:   60,
		},
		Provider: ProviderConfig{
			TimeoutSec: 30,
			SendRPS:    1.0,
			SendBurst:  5,
		},
		Registry: RegistryConfig{
			MaxIdleMinutes: 30,
			SweepCron:      "*/5 * * * *",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error — defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, cfg.validate()
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values. Secrets come from env only.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("CHATRELAY_HOST", &c.Gateway.Host)
	if v := os.Getenv("CHATRELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	envStr("CHATRELAY_APP_SECRET", &c.Gateway.AppSecret)
	envStr("CHATRELAY_ADMIN_TOKEN", &c.Gateway.AdminToken)

	envStr("CHATRELAY_POSTGRES_DSN", &c.Database.SharedDSN)
	envStr("CHATRELAY_DB_DRIVER", &c.Database.Driver)
	envStr("CHATRELAY_DATA_DIR", &c.Database.DataDir)

	envStr("CHATRELAY_RESPONDER_API_KEY", &c.Responder.APIKey)
	envStr("CHATRELAY_RESPONDER_API_BASE", &c.Responder.APIBase)
	envStr("CHATRELAY_RESPONDER_MODEL", &c.Responder.Model)

	envStr("CHATRELAY_PROVIDER_API_BASE", &c.Provider.APIBase)

	if v := os.Getenv("CHATRELAY_QUIET_PERIOD_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Coalesce.QuietPeriodMs = ms
		}
	}

	// Telemetry
	envStr("CHATRELAY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CHATRELAY_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CHATRELAY_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("CHATRELAY_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CHATRELAY_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Per-tenant secrets: CHATRELAY_TENANT_DSN_<ID> and CHATRELAY_SEND_TOKEN_<ID>,
	// with the id uppercased and dashes mapped to underscores.
	for i := range c.Tenants {
		suffix := envSuffix(c.Tenants[i].ID)
		envStr("CHATRELAY_TENANT_DSN_"+suffix, &c.Tenants[i].DSN)
		envStr("CHATRELAY_SEND_TOKEN_"+suffix, &c.Tenants[i].SendToken)
	}
}

func envSuffix(id string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(id))
}

// validate rejects configs that cannot possibly serve traffic.
func (c *Config) validate() error {
	seen := make(map[string]string)
	for _, t := range c.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenant with empty id")
		}
		if len(t.Numbers) == 0 {
			return fmt.Errorf("tenant %s: no gateway numbers", t.ID)
		}
		switch t.SignaturePolicy {
		case "", "enforce", "log":
		default:
			return fmt.Errorf("tenant %s: unknown signature_policy %q", t.ID, t.SignaturePolicy)
		}
		for _, n := range t.Numbers {
			norm := NormalizeAddress(n)
			if owner, dup := seen[norm]; dup {
				return fmt.Errorf("gateway number %s claimed by both %s and %s", n, owner, t.ID)
			}
			seen[norm] = t.ID
		}
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
