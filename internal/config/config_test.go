package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitAccountNo(t *testing.T) {
	cano, code, err := SplitAccountNo("12345678-01")
	require.NoError(t, err)
	assert.Equal(t, "12345678", cano)
	assert.Equal(t, "01", code)

	cano, code, err = SplitAccountNo("1234567801")
	require.NoError(t, err)
	assert.Equal(t, "12345678", cano)
	assert.Equal(t, "01", code)

	_, _, err = SplitAccountNo("1234-01")
	assert.Error(t, err)

	_, _, err = SplitAccountNo("abcdefgh-01")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := &Config{DatabasePath: "x.db", DataDir: "./data"}
	assert.NoError(t, cfg.Validate())

	cfg.AccountNo = "12345678-01"
	assert.NoError(t, cfg.Validate())

	cfg.AccountNo = "bogus"
	assert.Error(t, cfg.Validate())

	assert.False(t, cfg.HasCredentials())
	cfg.AppKey, cfg.AppSecret, cfg.AccountNo = "k", "s", "12345678-01"
	assert.True(t, cfg.HasCredentials())
}

func TestDerivedPaths(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/trader"}
	assert.Equal(t, "/var/lib/trader/token_cache.json", cfg.TokenCachePath())
	assert.Equal(t, "/var/lib/trader/strategy_state.json", cfg.StrategyStatePath())
	assert.Equal(t, "/var/lib/trader/kospi_master.csv", cfg.MasterFilePath("KOSPI"))
}
