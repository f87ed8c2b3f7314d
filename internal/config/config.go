// Package config provides configuration loading for the securequery CLI
// and gateway.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	// Store configuration for the data and control-plane database.
	Store StoreConfig `mapstructure:"store"`

	// Auth configuration.
	Auth AuthConfig `mapstructure:"auth"`

	// Crypto configuration for the column cipher.
	Crypto CryptoConfig `mapstructure:"crypto"`

	// Logging configuration.
	Logging LoggingConfig `mapstructure:"logging"`

	// Server configuration (for the gateway).
	Server ServerConfig `mapstructure:"server"`
}

// StoreConfig holds database configuration.
type StoreConfig struct {
	// Driver is postgres, sqlite or duckdb.
	Driver string `mapstructure:"driver"`

	// DSN is the driver-specific connection string.
	DSN string `mapstructure:"dsn"`

	// Timeout bounds every store call.
	Timeout time.Duration `mapstructure:"timeout"`

	MaxOpenConns int `mapstructure:"maxOpenConns"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// JWTSecret signs gateway session tokens.
	JWTSecret string `mapstructure:"jwtSecret"`

	// TokenTTL bounds session token lifetime.
	TokenTTL time.Duration `mapstructure:"tokenTTL"`
}

// CryptoConfig holds the column cipher configuration.
type CryptoConfig struct {
	// MasterPassphrase derives the key that wraps column keys. Set it
	// through SECUREQUERY_CRYPTO_MASTERPASSPHRASE rather than a file.
	MasterPassphrase string `mapstructure:"masterPassphrase"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:  "sqlite",
			DSN:     "securequery.db",
			Timeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			TokenTTL: time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

// Load loads configuration from file and environment. A .env file in
// the working directory is read first so local development secrets
// never land in the config file.
func Load(configPath string) (*Config, error) {
	// Missing .env is fine.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".securequery"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SECUREQUERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "securequery.db")
	v.SetDefault("store.timeout", "30s")
	v.SetDefault("store.maxOpenConns", 0)
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenTTL", "1h")
	v.SetDefault("crypto.masterPassphrase", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", "30s")
	v.SetDefault("server.writeTimeout", "30s")
}
