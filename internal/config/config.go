package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full application configuration, read from configs/config.yaml
// with environment-variable overrides (PESAWIRE_SERVER_PORT and friends).
type Config struct {
	Server struct {
		Port string `mapstructure:"port"`
		Env  string `mapstructure:"env"`
	} `mapstructure:"server"`
	DB struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"db"`
	Ledger struct {
		URL       string `mapstructure:"url"`
		AuthToken string `mapstructure:"auth_token"`
	} `mapstructure:"ledger"`
	Oracle struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"oracle"`
}

// Load reads and validates the configuration.
func Load() (*Config, error) {
	v := viper.New()
	v.AddConfigPath("./configs")
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("PESAWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.env", "development")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No file is fine as long as the environment supplies the rest.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DB.DSN == "" {
		return nil, errors.New("db.dsn (or PESAWIRE_DB_DSN) is required")
	}
	if cfg.Ledger.URL == "" {
		return nil, errors.New("ledger.url (or PESAWIRE_LEDGER_URL) is required")
	}
	if cfg.Oracle.URL == "" {
		return nil, errors.New("oracle.url (or PESAWIRE_ORACLE_URL) is required")
	}
	return &cfg, nil
}
