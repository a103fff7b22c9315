// Package config loads the settlement service configuration from a TOML file
// with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents runtime configuration for the settlement service.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`
	DatabaseURL   string `toml:"DatabaseURL"`

	ChainRPCURL      string   `toml:"ChainRPCURL"`
	ChainID          int64    `toml:"ChainID"`
	CollectionRef    string   `toml:"CollectionRef"`
	ChainTimeout     duration `toml:"ChainTimeout"`
	ChainMaxAttempts int      `toml:"ChainMaxAttempts"`

	RequestTTL    duration `toml:"RequestTTL"`
	NonceBackend  string   `toml:"NonceBackend"`
	NonceDataDir  string   `toml:"NonceDataDir"`
	SweepInterval duration `toml:"SweepInterval"`

	ReconInterval duration `toml:"ReconInterval"`

	OperatorJWTSecret string `toml:"OperatorJWTSecret"`
	OperatorJWTIssuer string `toml:"OperatorJWTIssuer"`

	LogFile       string `toml:"LogFile"`
	LogMaxSizeMB  int    `toml:"LogMaxSizeMB"`
	LogMaxBackups int    `toml:"LogMaxBackups"`
}

// Nonce backends accepted in NonceBackend.
const (
	NonceBackendMemory  = "memory"
	NonceBackendDB      = "db"
	NonceBackendLevelDB = "leveldb"
)

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Load reads the TOML file at path (when it exists), applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("decode config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.ListenAddress, "VEILMARKET_LISTEN")
	setString(&c.Environment, "VEILMARKET_ENV")
	setString(&c.DatabaseURL, "VEILMARKET_DATABASE_URL")
	setString(&c.ChainRPCURL, "VEILMARKET_CHAIN_RPC_URL")
	setInt64(&c.ChainID, "VEILMARKET_CHAIN_ID")
	setString(&c.CollectionRef, "VEILMARKET_COLLECTION_REF")
	setInt(&c.ChainMaxAttempts, "VEILMARKET_CHAIN_MAX_ATTEMPTS")
	setString(&c.NonceBackend, "VEILMARKET_NONCE_BACKEND")
	setString(&c.NonceDataDir, "VEILMARKET_NONCE_DATA_DIR")
	setString(&c.OperatorJWTSecret, "VEILMARKET_OPERATOR_JWT_SECRET")
	setString(&c.OperatorJWTIssuer, "VEILMARKET_OPERATOR_JWT_ISSUER")
	setString(&c.LogFile, "VEILMARKET_LOG_FILE")
	setDuration(&c.RequestTTL, "VEILMARKET_REQUEST_TTL")
	setDuration(&c.ChainTimeout, "VEILMARKET_CHAIN_TIMEOUT")
	setDuration(&c.SweepInterval, "VEILMARKET_SWEEP_INTERVAL")
	setDuration(&c.ReconInterval, "VEILMARKET_RECON_INTERVAL")
}

func (c *Config) applyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = ":8546"
	}
	if c.Environment == "" {
		c.Environment = "dev"
	}
	if c.RequestTTL.Duration <= 0 {
		c.RequestTTL.Duration = 5 * time.Minute
	}
	if c.ChainTimeout.Duration <= 0 {
		c.ChainTimeout.Duration = 30 * time.Second
	}
	if c.ChainMaxAttempts <= 0 {
		c.ChainMaxAttempts = 3
	}
	if c.SweepInterval.Duration <= 0 {
		c.SweepInterval.Duration = time.Minute
	}
	if c.ReconInterval.Duration <= 0 {
		c.ReconInterval.Duration = 15 * time.Minute
	}
	if c.NonceBackend == "" {
		c.NonceBackend = NonceBackendMemory
	}
}

func (c *Config) validate() error {
	switch c.NonceBackend {
	case NonceBackendMemory, NonceBackendDB:
	case NonceBackendLevelDB:
		if strings.TrimSpace(c.NonceDataDir) == "" {
			return fmt.Errorf("config: NonceDataDir required for leveldb nonce backend")
		}
	default:
		return fmt.Errorf("config: unknown nonce backend %q", c.NonceBackend)
	}
	if strings.TrimSpace(c.ChainRPCURL) == "" {
		return fmt.Errorf("config: ChainRPCURL required")
	}
	if strings.TrimSpace(c.CollectionRef) == "" {
		return fmt.Errorf("config: CollectionRef required")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = parsed
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			dst.Duration = parsed
		}
	}
}
