package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "veilmarket.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
ChainRPCURL = "http://localhost:8545"
CollectionRef = "col-1"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8546", cfg.ListenAddress)
	require.Equal(t, 5*time.Minute, cfg.RequestTTL.Duration)
	require.Equal(t, 30*time.Second, cfg.ChainTimeout.Duration)
	require.Equal(t, 3, cfg.ChainMaxAttempts)
	require.Equal(t, 15*time.Minute, cfg.ReconInterval.Duration)
	require.Equal(t, NonceBackendMemory, cfg.NonceBackend)
}

func TestLoadParsesDurationsAndValues(t *testing.T) {
	path := writeConfigFile(t, `
ListenAddress = ":9000"
ChainRPCURL = "http://node:8545"
ChainID = 1887
CollectionRef = "col-1"
ChainTimeout = "10s"
RequestTTL = "2m"
ReconInterval = "1h"
NonceBackend = "db"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ListenAddress)
	require.Equal(t, int64(1887), cfg.ChainID)
	require.Equal(t, 10*time.Second, cfg.ChainTimeout.Duration)
	require.Equal(t, 2*time.Minute, cfg.RequestTTL.Duration)
	require.Equal(t, time.Hour, cfg.ReconInterval.Duration)
	require.Equal(t, NonceBackendDB, cfg.NonceBackend)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfigFile(t, `
ChainRPCURL = "http://file:8545"
CollectionRef = "col-file"
`)
	t.Setenv("VEILMARKET_CHAIN_RPC_URL", "http://env:8545")
	t.Setenv("VEILMARKET_COLLECTION_REF", "col-env")
	t.Setenv("VEILMARKET_REQUEST_TTL", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "http://env:8545", cfg.ChainRPCURL)
	require.Equal(t, "col-env", cfg.CollectionRef)
	require.Equal(t, 90*time.Second, cfg.RequestTTL.Duration)
}

func TestLoadValidation(t *testing.T) {
	_, err := Load(writeConfigFile(t, `CollectionRef = "col-1"`))
	require.ErrorContains(t, err, "ChainRPCURL")

	_, err = Load(writeConfigFile(t, `ChainRPCURL = "http://x"`))
	require.ErrorContains(t, err, "CollectionRef")

	_, err = Load(writeConfigFile(t, `
ChainRPCURL = "http://x"
CollectionRef = "col-1"
NonceBackend = "redis"
`))
	require.ErrorContains(t, err, "nonce backend")

	_, err = Load(writeConfigFile(t, `
ChainRPCURL = "http://x"
CollectionRef = "col-1"
NonceBackend = "leveldb"
`))
	require.ErrorContains(t, err, "NonceDataDir")
}

func TestLoadMissingFileUsesDefaultsAndEnv(t *testing.T) {
	t.Setenv("VEILMARKET_CHAIN_RPC_URL", "http://env:8545")
	t.Setenv("VEILMARKET_COLLECTION_REF", "col-env")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	require.Equal(t, "http://env:8545", cfg.ChainRPCURL)
	require.Equal(t, ":8546", cfg.ListenAddress)
}
