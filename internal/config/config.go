package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Port     int
	DevMode  bool
	LogLevel string
	Timezone string // cron + report timezone, default Asia/Seoul

	DatabasePath string
	DataDir      string // token cache, strategy state, master-file cache

	// Brokerage (KIS OpenAPI) credentials and endpoints.
	AppKey      string
	AppSecret   string
	AccountNo   string // "12345678-01" (CANO-product code)
	Simulated   bool   // paper-trading endpoints and transaction ids
	BaseURL     string
	WSBaseURL   string
	UserID      string
	WebhookURL  string
	ExtendedKR  bool // allow KR extended session (09:00-18:00)
	ExtendedUS  bool // allow US extended session (04:00-20:00 ET)
}

// Load reads configuration from environment variables. A .env file in
// the working directory is folded in first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	simulated := getEnvAsBool("KIS_SIMULATED", true)

	baseURL := getEnv("KIS_BASE_URL", "")
	wsURL := getEnv("KIS_WS_URL", "")
	if baseURL == "" {
		if simulated {
			baseURL = "https://openapivts.koreainvestment.com:29443"
		} else {
			baseURL = "https://openapi.koreainvestment.com:9443"
		}
	}
	if wsURL == "" {
		if simulated {
			wsURL = "ws://ops.koreainvestment.com:31000"
		} else {
			wsURL = "ws://ops.koreainvestment.com:21000"
		}
	}

	cfg := &Config{
		Port:     getEnvAsInt("PORT", 8001),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Timezone: getEnv("TIMEZONE", "Asia/Seoul"),

		DatabasePath: getEnv("DATABASE_PATH", "./data/trader.db"),
		DataDir:      getEnv("DATA_DIR", "./data"),

		AppKey:     getEnv("KIS_APP_KEY", ""),
		AppSecret:  getEnv("KIS_APP_SECRET", ""),
		AccountNo:  getEnv("KIS_ACCOUNT_NO", ""),
		Simulated:  simulated,
		BaseURL:    baseURL,
		WSBaseURL:  wsURL,
		UserID:     getEnv("USER_ID", "local"),
		WebhookURL: getEnv("WEBHOOK_URL", ""),
		ExtendedKR: getEnvAsBool("EXTENDED_HOURS_KR", false),
		ExtendedUS: getEnvAsBool("EXTENDED_HOURS_US", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present. Brokerage
// credentials are deliberately optional: read-only paths must keep
// working without them and trading calls fail with a tagged result.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.AccountNo != "" {
		if _, _, err := SplitAccountNo(c.AccountNo); err != nil {
			return err
		}
	}
	return nil
}

// HasCredentials reports whether live brokerage calls are possible.
func (c *Config) HasCredentials() bool {
	return c.AppKey != "" && c.AppSecret != "" && c.AccountNo != ""
}

// SplitAccountNo splits "12345678-01" into the 8-digit CANO and the
// 2-digit product code. A bare 10-digit string is accepted too.
func SplitAccountNo(accountNo string) (cano, productCode string, err error) {
	s := strings.ReplaceAll(strings.TrimSpace(accountNo), "-", "")
	if len(s) != 10 {
		return "", "", fmt.Errorf("account number %q must be 8+2 digits", accountNo)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", "", fmt.Errorf("account number %q must be numeric", accountNo)
		}
	}
	return s[:8], s[8:], nil
}

// TokenCachePath is the on-disk location of the {token, expiry} JSON.
func (c *Config) TokenCachePath() string {
	return filepath.Join(c.DataDir, "token_cache.json")
}

// StrategyStatePath is the on-disk location of the strategy-state blob.
func (c *Config) StrategyStatePath() string {
	return filepath.Join(c.DataDir, "strategy_state.json")
}

// MasterFilePath is the cached ranking snapshot for one KR exchange.
func (c *Config) MasterFilePath(exchange string) string {
	return filepath.Join(c.DataDir, strings.ToLower(exchange)+"_master.csv")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
