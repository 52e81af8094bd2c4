package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrMissingPrivateKey is returned by Validate when no wallet key is configured.
var ErrMissingPrivateKey = errors.New("SPHERON_PRIVATE_KEY environment variable is required")

type Config struct {
	Port             string
	PrivateKey       string
	Network          string
	MarketplaceURL   string
	ProviderProxyURL string
	EscrowToken      string
	SkipTLSVerify    bool

	DatabasePath string
	DatabaseURL  string

	WebUIService string
	WebUIPort    int

	DeployRateLimit  int
	DeployRateWindow time.Duration
	RedisAddr        string
	RedisPassword    string
	TrustedProxies   []string

	VaultAddr       string
	VaultToken      string
	VaultSecretPath string
	VaultSecretKey  string

	NewRelicLicense string
	NewRelicAppName string
	NewRelicEnabled bool
}

func Load() *Config {
	return &Config{
		Port:             getEnv("PORT", "5000"),
		PrivateKey:       strings.TrimSpace(os.Getenv("SPHERON_PRIVATE_KEY")),
		Network:          getEnv("SPHERON_NETWORK", "testnet"),
		MarketplaceURL:   strings.TrimRight(getEnv("MARKETPLACE_URL", "http://localhost:3001"), "/"),
		ProviderProxyURL: getEnv("PROVIDER_PROXY_URL", "https://provider-proxy.spheron.network"),
		EscrowToken:      getEnv("ESCROW_TOKEN", "CST"),
		SkipTLSVerify:    getEnvBool("SKIP_TLS_VERIFY", false),

		DatabasePath: getEnv("DATABASE_PATH", "./deployments.db"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),

		WebUIService: os.Getenv("WEBUI_SERVICE"),
		WebUIPort:    getEnvInt("WEBUI_PORT", 0),

		DeployRateLimit:  getEnvInt("DEPLOY_RATE_LIMIT", 5),
		DeployRateWindow: getEnvDuration("DEPLOY_RATE_WINDOW", time.Minute),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		TrustedProxies:   getEnvList("TRUSTED_PROXIES"),

		VaultAddr:       os.Getenv("VAULT_ADDR"),
		VaultToken:      os.Getenv("VAULT_TOKEN"),
		VaultSecretPath: getEnv("VAULT_SECRET_PATH", "secret/data/webui-deployer"),
		VaultSecretKey:  getEnv("VAULT_SECRET_KEY", "private_key"),

		NewRelicLicense: getEnv("NEW_RELIC_LICENSE_KEY", ""),
		NewRelicAppName: getEnv("NEW_RELIC_APP_NAME", "webui-deployer"),
		NewRelicEnabled: getEnvBool("NEW_RELIC_ENABLED", false),
	}
}

// Validate reports configuration that must stop the process from starting.
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return ErrMissingPrivateKey
	}
	return nil
}

// UsesPostgres reports whether records go to PostgreSQL instead of SQLite.
func (c *Config) UsesPostgres() bool {
	return c.DatabaseURL != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(defaultValue)))
	if err != nil {
		return false
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(getEnv(key, strconv.Itoa(defaultValue)))
	if err != nil || value < 0 {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, defaultValue.String()))
	if err != nil || value <= 0 {
		return defaultValue
	}
	return value
}

// getEnvList splits a comma-separated value, dropping empty entries.
func getEnvList(key string) []string {
	var values []string
	for _, v := range strings.Split(getEnv(key, ""), ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return values
}
