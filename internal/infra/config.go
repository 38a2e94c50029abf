package infra

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds every application setting. Loaded from YAML, then
// overridden from the environment for deployment-sensitive values.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Server struct {
		Addr      string `yaml:"addr"`
		PprofAddr string `yaml:"pprof_addr"`
	} `yaml:"server"`

	Engine struct {
		ExpirySec     int             `yaml:"expiry_sec"`
		GraceSec      int             `yaml:"grace_sec"`
		MaxBatch      int             `yaml:"max_batch"`
		MaxRetries    int             `yaml:"max_retries"`
		FeeAsset      string          `yaml:"fee_asset"`
		FeeMultiplier decimal.Decimal `yaml:"fee_multiplier"`
		BandLow       decimal.Decimal `yaml:"band_low"`
		BandHigh      decimal.Decimal `yaml:"band_high"`
		Address       string          `yaml:"address"`
		MaxPageSize   int             `yaml:"max_page_size"`
	} `yaml:"engine"`

	Assets []AssetConfig `yaml:"assets"`

	DB struct {
		Path string `yaml:"path"`
	} `yaml:"db"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// AssetConfig declares one token ledger the engine serves.
type AssetConfig struct {
	Symbol  string `yaml:"symbol"`
	Allowed bool   `yaml:"allowed"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server address is required")
	}
	if c.Engine.FeeAsset == "" {
		return fmt.Errorf("engine fee asset is required")
	}
	if c.Engine.MaxBatch < 0 || c.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine batch and retry limits must not be negative")
	}
	if c.Engine.ExpirySec < 0 || c.Engine.GraceSec < 0 {
		return fmt.Errorf("expiry and grace must not be negative")
	}
	if c.Engine.MaxPageSize < 0 {
		return fmt.Errorf("max page size must not be negative")
	}
	if len(c.Assets) == 0 {
		return fmt.Errorf("at least one asset is required")
	}
	feeListed := false
	for _, a := range c.Assets {
		if a.Symbol == "" {
			return fmt.Errorf("asset symbol must not be empty")
		}
		if a.Symbol == c.Engine.FeeAsset {
			feeListed = true
		}
	}
	if !feeListed {
		return fmt.Errorf("fee asset %q must be listed under assets", c.Engine.FeeAsset)
	}
	return nil
}

// overrideWithEnv applies environment overrides when present.
func overrideWithEnv(cfg *Config) {
	if addr := os.Getenv("OTCBOOK_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if path := os.Getenv("OTCBOOK_DB_PATH"); path != "" {
		cfg.DB.Path = path
	}
	if level := os.Getenv("OTCBOOK_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}
