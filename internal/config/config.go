package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Config is the root configuration for the chatrelay backend.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Database  DatabaseConfig  `json:"database"`
	Tenants   []TenantConfig  `json:"tenants,omitempty"`
	Coalesce  CoalesceConfig  `json:"coalesce,omitempty"`
	Handoff   HandoffConfig   `json:"handoff,omitempty"`
	Responder ResponderConfig `json:"responder,omitempty"`
	Provider  ProviderConfig  `json:"provider,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Registry  RegistryConfig  `json:"registry,omitempty"`
	mu        sync.RWMutex
}

// GatewayConfig configures the inbound webhook HTTP listener.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	// AppSecret signs inbound webhooks (HMAC-SHA256). From env
	// CHATRELAY_APP_SECRET only, never persisted in config.json.
	AppSecret string `json:"-"`

	// AdminToken guards the /api endpoints. From env CHATRELAY_ADMIN_TOKEN only.
	AdminToken string `json:"-"`

	MaxBodyBytes int64 `json:"max_body_bytes,omitempty"` // webhook body cap (default 256 KiB)
}

// DatabaseConfig selects the default tenant store backend.
// SharedDSN is NEVER read from config.json (secret) — only from env
// CHATRELAY_POSTGRES_DSN.
type DatabaseConfig struct {
	Driver    string `json:"driver,omitempty"`   // "sqlite" (default) or "postgres"
	DataDir   string `json:"data_dir,omitempty"` // sqlite: per-tenant files live here
	SharedDSN string `json:"-"`                  // postgres: shared cluster, per-tenant schema
}

// TenantConfig describes one company account served by this deployment.
type TenantConfig struct {
	ID      string   `json:"id"`
	Numbers []string `json:"numbers"` // gateway numbers that route to this tenant

	// Driver/DSN override the deployment default. Empty DSN with driver
	// "postgres" means the shared cluster namespaced by a per-tenant schema.
	Driver string `json:"driver,omitempty"`
	DSN    string `json:"-"` // dedicated store DSN, env CHATRELAY_TENANT_DSN_<ID> only

	// SendToken authenticates outbound sends for this tenant.
	// Env CHATRELAY_SEND_TOKEN_<ID> only.
	SendToken string `json:"-"`

	// AutomationDefault is the initial automation state for new conversations.
	// nil = enabled.
	AutomationDefault *bool `json:"automation_default,omitempty"`

	// SignaturePolicy: "enforce" (default, reject on mismatch) or "log"
	// (warn and continue — some provider sandboxes omit signing).
	SignaturePolicy string `json:"signature_policy,omitempty"`

	// HandoffPhrases override the deployment-wide phrase set.
	HandoffPhrases []string `json:"handoff_phrases,omitempty"`
}

// AutomationEnabled reports the initial automation state for new conversations.
func (t TenantConfig) AutomationEnabled() bool {
	if t.AutomationDefault == nil {
		return true
	}
	return *t.AutomationDefault
}

// CoalesceConfig tunes inbound fragment merging.
type CoalesceConfig struct {
	QuietPeriodMs int `json:"quiet_period_ms,omitempty"` // default 3000
}

// QuietPeriod returns the configured quiet period as a duration.
func (c CoalesceConfig) QuietPeriod() time.Duration {
	if c.QuietPeriodMs <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.QuietPeriodMs) * time.Millisecond
}

// HandoffConfig configures the automated→human transition trigger. The
// phrase check runs against the agent's own about-to-be-sent reply; turning
// TriggerOnInbound on extends it to contact messages as well.
type HandoffConfig struct {
	// Extra phrases checked (case-insensitive substring), on top of the
	// built-in defaults.
	Phrases []string `json:"phrases,omitempty"`

	// TriggerOnInbound also hands off when a contact's own message contains
	// a phrase. Off by default: everyday text like "mi operador de telefonía"
	// would otherwise silence the bot for that contact.
	TriggerOnInbound bool `json:"trigger_on_inbound,omitempty"`

	// AckReply is sent once when a handoff triggers, telling the contact a
	// person will take over. Empty = send nothing.
	AckReply string `json:"ack_reply,omitempty"`
}

// ResponderConfig configures the automated conversational agent client
// (OpenAI-compatible chat completions endpoint).
type ResponderConfig struct {
	APIBase string `json:"api_base,omitempty"`
	APIKey  string `json:"-"` // env CHATRELAY_RESPONDER_API_KEY only
	Model   string `json:"model,omitempty"`

	SystemPrompt string `json:"system_prompt,omitempty"`
	HistoryLimit int    `json:"history_limit,omitempty"` // max turns carried (default 30)
	TimeoutSec   int    `json:"timeout_sec,omitempty"`   // default 60

	// FallbackReply is sent best-effort when the agent call fails.
	// Empty = send nothing on failure.
	FallbackReply string `json:"fallback_reply,omitempty"`
}

// ProviderConfig configures the outbound messaging provider client.
type ProviderConfig struct {
	APIBase    string  `json:"api_base,omitempty"`
	TimeoutSec int     `json:"timeout_sec,omitempty"` // default 30
	SendRPS    float64 `json:"send_rps,omitempty"`    // per-tenant send rate (default 1.0)
	SendBurst  int     `json:"send_burst,omitempty"`  // default 5
}

// RegistryConfig tunes tenant connection lifecycle.
type RegistryConfig struct {
	MaxIdleMinutes int    `json:"max_idle_minutes,omitempty"` // evict after (default 30)
	SweepCron      string `json:"sweep_cron,omitempty"`       // gronx expression (default "*/5 * * * *")
}

// MaxIdle returns the idle eviction threshold.
func (r RegistryConfig) MaxIdle() time.Duration {
	if r.MaxIdleMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(r.MaxIdleMinutes) * time.Minute
}

// SweepSchedule returns the eviction cron expression.
func (r RegistryConfig) SweepSchedule() string {
	if r.SweepCron == "" {
		return "*/5 * * * *"
	}
	return r.SweepCron
}

// TelemetryConfig configures OpenTelemetry export for traces.
// When enabled, spans are exported to an OTLP-compatible backend.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"` // default "chatrelay"
	Headers     map[string]string `json:"headers,omitempty"`
}

// TenantByID returns the tenant config for an id.
func (c *Config) TenantByID(id string) (TenantConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.Tenants {
		if t.ID == id {
			return t, true
		}
	}
	return TenantConfig{}, false
}

// TenantByNumber resolves the tenant that owns a gateway number.
// Used to attribute inbound events addressed to a shared gateway number.
func (c *Config) TenantByNumber(number string) (TenantConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	norm := NormalizeAddress(number)
	for _, t := range c.Tenants {
		for _, n := range t.Numbers {
			if NormalizeAddress(n) == norm {
				return t, true
			}
		}
	}
	return TenantConfig{}, false
}

// TenantIDs returns the ids of all configured tenants.
func (c *Config) TenantIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.Tenants))
	for _, t := range c.Tenants {
		ids = append(ids, t.ID)
	}
	return ids
}

// ResolveDriver returns the effective store driver for a tenant.
func (c *Config) ResolveDriver(t TenantConfig) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if t.Driver != "" {
		return t.Driver
	}
	if c.Database.Driver != "" {
		return c.Database.Driver
	}
	return "sqlite"
}

// ResolveDSN returns the effective DSN (or sqlite path) for a tenant.
// Postgres tenants without a dedicated DSN get the shared cluster DSN with a
// per-tenant search_path, so no cross-tenant query is possible on the handle.
func (c *Config) ResolveDSN(t TenantConfig) (string, error) {
	driver := c.ResolveDriver(t)
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch driver {
	case "sqlite":
		if t.DSN != "" {
			return t.DSN, nil
		}
		dir := c.Database.DataDir
		if dir == "" {
			dir = "~/.chatrelay/tenants"
		}
		return filepath.Join(ExpandHome(dir), t.ID+".db"), nil
	case "postgres":
		if t.DSN != "" {
			return t.DSN, nil
		}
		if c.Database.SharedDSN == "" {
			return "", fmt.Errorf("tenant %s: postgres driver requires CHATRELAY_POSTGRES_DSN or a dedicated DSN", t.ID)
		}
		sep := "?"
		if strings.Contains(c.Database.SharedDSN, "?") {
			sep = "&"
		}
		return c.Database.SharedDSN + sep + "search_path=tenant_" + SchemaSafe(t.ID), nil
	default:
		return "", fmt.Errorf("tenant %s: unknown store driver %q", t.ID, driver)
	}
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the config watcher to swap in a reloaded config.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Database = src.Database
	c.Tenants = src.Tenants
	c.Coalesce = src.Coalesce
	c.Handoff = src.Handoff
	c.Responder = src.Responder
	c.Provider = src.Provider
	c.Telemetry = src.Telemetry
	c.Registry = src.Registry
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with secret fields masked.
// Used by the admin API so secrets never leave the process.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	data, err := json.Marshal(c)
	c.mu.RUnlock()
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}
	// The json:"-" tags already stripped the secret values in the round
	// trip; reinstate a marker for each secret that is set so operators can
	// see what is configured without seeing the value.
	c.mu.RLock()
	cp.Gateway.AppSecret = mask(c.Gateway.AppSecret)
	cp.Gateway.AdminToken = mask(c.Gateway.AdminToken)
	cp.Database.SharedDSN = mask(c.Database.SharedDSN)
	cp.Responder.APIKey = mask(c.Responder.APIKey)
	for i := range cp.Tenants {
		if i < len(c.Tenants) {
			cp.Tenants[i].DSN = mask(c.Tenants[i].DSN)
			cp.Tenants[i].SendToken = mask(c.Tenants[i].SendToken)
		}
	}
	c.mu.RUnlock()
	return cp
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return secretMask
}

// NormalizeAddress canonicalizes a contact/gateway address for comparison:
// trims whitespace and a leading "+" so "+52 1000" and "521000" match.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "+")
	return strings.ReplaceAll(addr, " ", "")
}

// SchemaSafe lowercases a tenant id and replaces characters that are not
// valid in an unquoted Postgres schema name.
func SchemaSafe(id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
