// Package config loads gateway configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tradewire/fixengine/internal/session"
)

// Config holds configuration for the FIX gateway.
type Config struct {
	// Service name
	ServiceName string

	// HTTP port for healthz and metrics
	HTTPPort int

	// Log level: debug, info, warn, error
	LogLevel string

	// Exchange FIX endpoint (host:port, TLS)
	ExchangeAddr string

	// Trusted CA bundle for the exchange endpoint; empty uses system roots
	TLSCAFile string

	// Session identity
	BeginString  string
	SenderCompID string
	TargetCompID string
	Username     string
	Password     string

	// Session timers and bounds
	HeartbeatSec    int
	LogonTimeoutSec int
	LogoutSec       int
	RecoverySec     int
	RecoveryMaxGap  int
	MalformedLimit  int

	// Hot path sizing
	QueueSize int
	PoolSize  int

	// Local data directory (sqlite audit + sequence store)
	DataDir string

	// Kafka brokers (comma-separated); empty disables audit export
	KafkaBrokers string

	// Regulatory identifiers injected on order flow
	OrderCapacity string
	AlgorithmID   string

	// Audit trail buffering
	AuditBuffer int
}

// LoadConfig loads configuration from environment variables with defaults.
func LoadConfig(serviceName string) *Config {
	return &Config{
		ServiceName:     serviceName,
		HTTPPort:        getEnvAsInt("PORT_HTTP", 8080),
		LogLevel:        getEnvAsString("LOG_LEVEL", "info"),
		ExchangeAddr:    getEnvAsString("EXCHANGE_ADDR", "127.0.0.1:9443"),
		TLSCAFile:       getEnvAsString("TLS_CA_FILE", ""),
		BeginString:     getEnvAsString("FIX_BEGIN_STRING", "FIX.4.4"),
		SenderCompID:    getEnvAsString("FIX_SENDER_COMP_ID", "TRADEWIRE"),
		TargetCompID:    getEnvAsString("FIX_TARGET_COMP_ID", "EXCH"),
		Username:        getEnvAsString("FIX_USERNAME", ""),
		Password:        getEnvAsString("FIX_PASSWORD", ""),
		HeartbeatSec:    getEnvAsInt("FIX_HEARTBEAT_SEC", 30),
		LogonTimeoutSec: getEnvAsInt("FIX_LOGON_TIMEOUT_SEC", 10),
		LogoutSec:       getEnvAsInt("FIX_LOGOUT_TIMEOUT_SEC", 10),
		RecoverySec:     getEnvAsInt("FIX_RECOVERY_TIMEOUT_SEC", 30),
		RecoveryMaxGap:  getEnvAsInt("FIX_RECOVERY_MAX_GAP", 1000),
		MalformedLimit:  getEnvAsInt("FIX_MALFORMED_LIMIT", 10),
		QueueSize:       getEnvAsInt("FIX_QUEUE_SIZE", 1024),
		PoolSize:        getEnvAsInt("FIX_POOL_SIZE", 4096),
		DataDir:         getEnvAsString("DATA_DIR", "./data"),
		KafkaBrokers:    getEnvAsString("KAFKA_BROKERS", ""),
		OrderCapacity:   getEnvAsString("MIFID_ORDER_CAPACITY", "A"),
		AlgorithmID:     getEnvAsString("MIFID_ALGORITHM_ID", ""),
		AuditBuffer:     getEnvAsInt("AUDIT_BUFFER", 4096),
	}
}

// SessionID identifies the single session this gateway runs.
func (c *Config) SessionID() string {
	return c.SenderCompID + "-" + c.TargetCompID
}

// SessionConfig builds the session parameter set.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		SessionID:         c.SessionID(),
		BeginString:       c.BeginString,
		SenderCompID:      c.SenderCompID,
		TargetCompID:      c.TargetCompID,
		Username:          c.Username,
		Password:          c.Password,
		HeartbeatInterval: time.Duration(c.HeartbeatSec) * time.Second,
		LogonTimeout:      time.Duration(c.LogonTimeoutSec) * time.Second,
		LogoutTimeout:     time.Duration(c.LogoutSec) * time.Second,
		RecoveryTimeout:   time.Duration(c.RecoverySec) * time.Second,
		RecoveryMaxGap:    uint64(c.RecoveryMaxGap),
		MalformedLimit:    c.MalformedLimit,
		QueueSize:         c.QueueSize,
	}
}

// Brokers returns the Kafka broker list, empty when export is disabled.
func (c *Config) Brokers() []string {
	if c.KafkaBrokers == "" {
		return nil
	}
	brokers := strings.Split(c.KafkaBrokers, ",")
	for i := range brokers {
		brokers[i] = strings.TrimSpace(brokers[i])
	}
	return brokers
}

// HTTPAddr returns the HTTP server address.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

func getEnvAsString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
