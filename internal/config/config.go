// Package config provides configuration management for the poolaudit tools.
// It handles loading configuration from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultStratumHost is the pool endpoint audited when none is given
	DefaultStratumHost = "stratum.bitaxeluck.com"
	// DefaultStratumPort is the solo port of the default pool
	DefaultStratumPort = 3334
	// DefaultAuditWallet is a syntactically valid placeholder payout address
	DefaultAuditWallet = "bc1qaudit000000000000000000000000000000000"
	// DefaultIngestURL is the InfluxDB v2 host the agent writes to
	DefaultIngestURL = "https://influx.bitaxeluck.com"
)

// AuditConfig holds the configuration of the stratumaudit probe
type AuditConfig struct {
	// Service identification
	ServiceName string
	Version     string

	// Pool endpoint
	Host string
	Port int

	// Probe timing
	ConnectTimeout time.Duration
	ReceiveTimeout time.Duration
	WriteTimeout   time.Duration
	JobTimeout     time.Duration

	// Authorize credentials
	Wallet string
	Worker string

	// Report output
	OutputDir string

	// Optional Kafka sink for the JSON result
	KafkaBrokers []string
	KafkaTopic   string

	// Logging
	LogLevel  string
	LogFormat string
}

// AgentConfig holds the configuration of the axeagent metrics forwarder
type AgentConfig struct {
	// Service identification
	ServiceName string
	Version     string

	// Devices
	DeviceIPs   []string
	MinerNames  []string
	Interval    time.Duration
	Verbose     bool
	MaxWorkers  int
	MaxFailures int

	// Device HTTP
	DeviceTimeout time.Duration

	// Ingestion endpoint
	IngestURL    string
	IngestToken  string
	IngestOrg    string
	IngestBucket string
	WriteTimeout time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

// LoadAudit loads the probe configuration from environment variables
func LoadAudit() (*AuditConfig, error) {
	cfg := &AuditConfig{
		ServiceName: getEnv("SERVICE_NAME", "stratumaudit"),
		Version:     getEnv("VERSION", "1.0.0"),

		Host: getEnv("AUDIT_HOST", DefaultStratumHost),
		Port: getEnvInt("AUDIT_PORT", DefaultStratumPort),

		ConnectTimeout: getEnvDuration("AUDIT_CONNECT_TIMEOUT", 30*time.Second),
		ReceiveTimeout: getEnvDuration("AUDIT_RECEIVE_TIMEOUT", 5*time.Second),
		WriteTimeout:   getEnvDuration("AUDIT_WRITE_TIMEOUT", 30*time.Second),
		JobTimeout:     getEnvDuration("AUDIT_JOB_TIMEOUT", 15*time.Second),

		Wallet: getEnv("AUDIT_WALLET", DefaultAuditWallet),
		Worker: getEnv("AUDIT_WORKER", "audit"),

		OutputDir: getEnv("AUDIT_OUTPUT_DIR", "."),

		KafkaBrokers: getEnvSlice("AUDIT_KAFKA_BROKERS", nil),
		KafkaTopic:   getEnv("AUDIT_KAFKA_TOPIC", "pool-audits"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate performs basic validation of the probe configuration
func (c *AuditConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("AUDIT_HOST cannot be empty")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("AUDIT_PORT must be between 1 and 65535")
	}

	if c.ConnectTimeout <= 0 || c.ReceiveTimeout <= 0 || c.JobTimeout <= 0 {
		return fmt.Errorf("probe timeouts must be positive")
	}

	if c.Wallet == "" || c.Worker == "" {
		return fmt.Errorf("AUDIT_WALLET and AUDIT_WORKER cannot be empty")
	}

	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("AUDIT_KAFKA_TOPIC is required when brokers are set")
	}

	return nil
}

// Username returns the "<wallet>.<worker>" login sent with mining.authorize
func (c *AuditConfig) Username() string {
	return c.Wallet + "." + c.Worker
}

// LoadAgent loads the agent configuration from environment variables.
// Device IPs and the token are usually supplied by flags, so required
// fields are checked by Validate once flags have been applied.
func LoadAgent() *AgentConfig {
	cfg := &AgentConfig{
		ServiceName: getEnv("SERVICE_NAME", "axeagent"),
		Version:     getEnv("VERSION", "1.0.0"),

		DeviceIPs:   getEnvSlice("BITAXE_IP", nil),
		MinerNames:  getEnvSlice("MINER_NAMES", nil),
		Interval:    getEnvDuration("INTERVAL", 10*time.Second),
		Verbose:     getEnvBool("VERBOSE", false),
		MaxWorkers:  getEnvInt("MAX_WORKERS", 10),
		MaxFailures: getEnvInt("MAX_CONSECUTIVE_ERRORS", 5),

		DeviceTimeout: getEnvDuration("DEVICE_TIMEOUT", 5*time.Second),

		IngestURL:    getEnv("INFLUX_URL", DefaultIngestURL),
		IngestToken:  getEnv("BITAXELUCK_TOKEN", ""),
		IngestOrg:    getEnv("INFLUX_ORG", "hashluck"),
		IngestBucket: getEnv("INFLUX_BUCKET", "miners"),
		WriteTimeout: getEnvDuration("WRITE_TIMEOUT", 10*time.Second),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}

	if cfg.Verbose {
		cfg.LogLevel = "debug"
	}

	return cfg
}

// Validate performs validation of the agent configuration
func (c *AgentConfig) Validate() error {
	if len(c.DeviceIPs) == 0 {
		return fmt.Errorf("--bitaxe-ip is required (or set BITAXE_IP environment variable)")
	}

	if c.IngestToken == "" {
		return fmt.Errorf("--token is required (or set BITAXELUCK_TOKEN environment variable)")
	}

	if c.Interval <= 0 {
		return fmt.Errorf("INTERVAL must be positive")
	}

	if c.MaxWorkers <= 0 {
		return fmt.Errorf("MAX_WORKERS must be positive")
	}

	if c.MaxFailures <= 0 {
		return fmt.Errorf("MAX_CONSECUTIVE_ERRORS must be positive")
	}

	if c.IngestURL == "" || c.IngestOrg == "" || c.IngestBucket == "" {
		return fmt.Errorf("INFLUX_URL, INFLUX_ORG and INFLUX_BUCKET cannot be empty")
	}

	return nil
}

// ParseList splits a comma-separated list, trimming entries and dropping empty ones
func ParseList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if parsed, err := strconv.ParseBool(value); err == nil {
		return parsed
	}
	// any other non-empty value switches the flag on
	return true
}

// getEnvDuration accepts Go durations ("15s") or bare integers meaning seconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		if parts := ParseList(value); len(parts) > 0 {
			return parts
		}
	}
	return defaultValue
}
