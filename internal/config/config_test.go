package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadJSON5WithComments(t *testing.T) {
	path := writeConfig(t, `{
		// local dev setup
		gateway: { host: "127.0.0.1", port: 9000 },
		tenants: [
			{ id: "acme", numbers: ["+5210009999"], signature_policy: "log" },
		],
		coalesce: { quiet_period_ms: 500 },
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Host != "127.0.0.1" || cfg.Gateway.Port != 9000 {
		t.Fatalf("gateway = %+v", cfg.Gateway)
	}
	if got := cfg.Coalesce.QuietPeriod().Milliseconds(); got != 500 {
		t.Fatalf("quiet period = %dms", got)
	}
	// Defaults survive partial files.
	if cfg.Responder.Model != "gpt-4o-mini" {
		t.Fatalf("responder model = %q", cfg.Responder.Model)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Port != 18820 {
		t.Fatalf("port = %d", cfg.Gateway.Port)
	}
}

func TestEnvOverridesAndSecrets(t *testing.T) {
	path := writeConfig(t, `{
		tenants: [{ id: "mi-tienda", numbers: ["111"] }],
	}`)
	t.Setenv("CHATRELAY_PORT", "7777")
	t.Setenv("CHATRELAY_APP_SECRET", "super-secret")
	t.Setenv("CHATRELAY_SEND_TOKEN_MI_TIENDA", "tok-123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Port != 7777 {
		t.Fatalf("port = %d", cfg.Gateway.Port)
	}
	if cfg.Gateway.AppSecret != "super-secret" {
		t.Fatalf("app secret = %q", cfg.Gateway.AppSecret)
	}
	tcfg, ok := cfg.TenantByID("mi-tienda")
	if !ok || tcfg.SendToken != "tok-123" {
		t.Fatalf("tenant = %+v ok=%v", tcfg, ok)
	}
}

func TestValidateRejectsDuplicateNumbers(t *testing.T) {
	path := writeConfig(t, `{
		tenants: [
			{ id: "a", numbers: ["+52 100 0999 9"] },
			{ id: "b", numbers: ["+5210009999"] },
		],
	}`)
	if _, err := Load(path); err == nil {
		t.Fatal("duplicate gateway number accepted")
	}
}

func TestTenantByNumberNormalizes(t *testing.T) {
	cfg := Default()
	cfg.Tenants = []TenantConfig{{ID: "acme", Numbers: []string{"+52 100 09999"}}}

	tcfg, ok := cfg.TenantByNumber("5210009999")
	if !ok || tcfg.ID != "acme" {
		t.Fatalf("lookup = %+v ok=%v", tcfg, ok)
	}
	if _, ok := cfg.TenantByNumber("0000"); ok {
		t.Fatal("unknown number resolved")
	}
}

func TestResolveDSN(t *testing.T) {
	cfg := Default()
	cfg.Database.DataDir = "/var/lib/chatrelay"
	cfg.Database.SharedDSN = "postgres://app@db:5432/chat"

	sqliteTenant := TenantConfig{ID: "acme"}
	dsn, err := cfg.ResolveDSN(sqliteTenant)
	if err != nil {
		t.Fatalf("sqlite dsn: %v", err)
	}
	if dsn != "/var/lib/chatrelay/acme.db" {
		t.Fatalf("sqlite dsn = %q", dsn)
	}

	pgTenant := TenantConfig{ID: "mi-tienda", Driver: "postgres"}
	dsn, err = cfg.ResolveDSN(pgTenant)
	if err != nil {
		t.Fatalf("postgres dsn: %v", err)
	}
	if !strings.HasSuffix(dsn, "search_path=tenant_mi_tienda") {
		t.Fatalf("postgres dsn = %q", dsn)
	}

	cfg.Database.SharedDSN = ""
	if _, err := cfg.ResolveDSN(pgTenant); err == nil {
		t.Fatal("postgres without DSN accepted")
	}
}

func TestMaskedCopyHidesSecrets(t *testing.T) {
	cfg := Default()
	cfg.Gateway.AppSecret = "shh"
	cfg.Database.SharedDSN = "postgres://user:pw@db/x"
	cfg.Responder.APIKey = "sk-123"
	cfg.Tenants = []TenantConfig{{ID: "a", Numbers: []string{"1"}, SendToken: "tok", DSN: "dsn"}}

	masked := cfg.MaskedCopy()
	for name, v := range map[string]string{
		"app secret":  masked.Gateway.AppSecret,
		"shared dsn":  masked.Database.SharedDSN,
		"api key":     masked.Responder.APIKey,
		"send token":  masked.Tenants[0].SendToken,
		"tenant dsn":  masked.Tenants[0].DSN,
	} {
		if v == "" || !strings.Contains(v, "*") {
			t.Fatalf("%s not masked: %q", name, v)
		}
	}
	// The original is untouched.
	if cfg.Gateway.AppSecret != "shh" {
		t.Fatal("original mutated")
	}
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"+52 1 555 000 1": "5215550001",
		"5215550001":      "5215550001",
		" +521000 ":       "521000",
	}
	for in, want := range cases {
		if got := NormalizeAddress(in); got != want {
			t.Fatalf("NormalizeAddress(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSchemaSafe(t *testing.T) {
	if got := SchemaSafe("mi-tienda.mx"); got != "mi_tienda_mx" {
		t.Fatalf("SchemaSafe = %q", got)
	}
}
