package infra

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validYAML = `
app:
  name: otc-book
  version: 0.1.0

server:
  addr: ":8080"

engine:
  expiry_sec: 3600
  grace_sec: 1800
  max_batch: 10
  max_retries: 2
  fee_asset: FEE
  address: engine
  max_page_size: 100

assets:
  - symbol: FEE
    allowed: true
  - symbol: TKA
    allowed: true

db:
  path: data/test.db

logging:
  level: debug
  dir: logs
`

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %s", cfg.Server.Addr)
	}
	if cfg.Engine.ExpirySec != 3600 || cfg.Engine.GraceSec != 1800 {
		t.Errorf("windows = %d / %d", cfg.Engine.ExpirySec, cfg.Engine.GraceSec)
	}
	if cfg.Engine.FeeAsset != "FEE" || cfg.Engine.MaxPageSize != 100 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if len(cfg.Assets) != 2 || cfg.Assets[1].Symbol != "TKA" || !cfg.Assets[1].Allowed {
		t.Errorf("assets = %+v", cfg.Assets)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %s", cfg.Logging.Level)
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("OTCBOOK_ADDR", ":9999")
	t.Setenv("OTCBOOK_DB_PATH", "/tmp/override.db")
	t.Setenv("OTCBOOK_LOG_LEVEL", "warn")

	cfg, err := LoadConfig(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Errorf("addr = %s, want env override", cfg.Server.Addr)
	}
	if cfg.DB.Path != "/tmp/override.db" {
		t.Errorf("db path = %s, want env override", cfg.DB.Path)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("log level = %s, want env override", cfg.Logging.Level)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate string // replace this line of the valid YAML
		with   string
	}{
		{"missing addr", `addr: ":8080"`, `addr: ""`},
		{"missing fee asset", "fee_asset: FEE", `fee_asset: ""`},
		{"negative batch", "max_batch: 10", "max_batch: -1"},
		{"negative expiry", "expiry_sec: 3600", "expiry_sec: -1"},
		{"fee asset not listed", "fee_asset: FEE", "fee_asset: GHOST"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			yaml := strings.Replace(validYAML, tc.mutate, tc.with, 1)
			if yaml == validYAML {
				t.Fatalf("mutation %q did not apply", tc.mutate)
			}
			if _, err := LoadConfig(writeConfig(t, yaml)); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	t.Run("no assets", func(t *testing.T) {
		yaml := validYAML[:strings.Index(validYAML, "assets:")] + `
assets: []

db:
  path: data/test.db
`
		if _, err := LoadConfig(writeConfig(t, yaml)); err == nil {
			t.Error("expected validation error for empty assets")
		}
	})
}
