package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the settings shared by the CLI and the map store
type Config struct {
	// Database settings. DSN, when set, is used verbatim instead of the
	// individual fields.
	DSN        string `yaml:"dsn"`
	DBHost     string `yaml:"db_host"`
	DBPort     int    `yaml:"db_port"`
	DBName     string `yaml:"db_name"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBSchema   string `yaml:"db_schema"`

	// Write settings
	BatchSize        int `yaml:"batch_size"`         // rows buffered per table before a COPY
	ReserveBlockSize int `yaml:"reserve_block_size"` // ids fetched per sequence round trip

	// Logging and metrics
	Verbose         bool          `yaml:"verbose"`
	LogFile         string        `yaml:"log_file"` // empty = console only
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DBHost:           "localhost",
		DBPort:           5432,
		DBName:           "hoot",
		DBUser:           "hoot",
		DBPassword:       "",
		DBSchema:         "public",
		BatchSize:        500,
		ReserveBlockSize: 1,
		MetricsInterval:  30 * time.Second,
	}
}

// Load reads a YAML file on top of the defaults
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

// ConnectionString returns a PostgreSQL connection string
func (c *Config) ConnectionString() string {
	if c.DSN != "" {
		return c.DSN
	}
	connStr := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBName, c.DBUser,
	)
	if c.DBPassword != "" {
		connStr += fmt.Sprintf(" password=%s", c.DBPassword)
	}
	if c.DBSchema != "" && c.DBSchema != "public" {
		connStr += fmt.Sprintf(" search_path=%s", c.DBSchema)
	}
	return connStr
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.DSN == "" && c.DBName == "" {
		return fmt.Errorf("database name is required")
	}
	if c.DBPort < 1 || c.DBPort > 65535 {
		return fmt.Errorf("invalid database port %d", c.DBPort)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}
	if c.ReserveBlockSize < 1 {
		return fmt.Errorf("reserve block size must be at least 1")
	}
	return nil
}
