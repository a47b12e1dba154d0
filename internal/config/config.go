// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/XertroV/cgf-server/internal/consts"
)

// Config is the process configuration, read from the environment once at
// startup. Secret material (blob store, token verifier, dedicated server
// account) lives in flat files next to the binary, not in the environment.
type Config struct {
	HostName string // CGF_HOST_NAME
	Port     int    // CGF_PORT
	HTTPPort int    // CGF_HTTP_PORT, status + websocket API
	DBName   string // CGF_DB_NAME

	// LocalDev comes from CFG_LOCAL_DEV. The CFG_ prefix is a historical
	// typo that deployed configs depend on, so it stays.
	LocalDev bool

	EnableLegacyAuth bool // ENABLE_LEGACY_AUTH

	LogLevel string // LOG_LEVEL

	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Load reads the environment and returns the resulting Config.
func Load() *Config {
	return &Config{
		HostName:         getEnv("CGF_HOST_NAME", "0.0.0.0"),
		Port:             getEnvInt("CGF_PORT", 15277),
		HTTPPort:         getEnvInt("CGF_HTTP_PORT", 15278),
		DBName:           getEnv("CGF_DB_NAME", "cgf_db"),
		LocalDev:         getEnvBool("CFG_LOCAL_DEV", false),
		EnableLegacyAuth: getEnvBool("ENABLE_LEGACY_AUTH", false),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnvInt("POSTGRES_PORT", 5432),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getEnvInt("REDIS_DB", 0),
	}
}

// Addr is the TCP listen address for the game protocol.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HostName, c.Port)
}

// HTTPAddr is the listen address for the status/websocket API.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HostName, c.HTTPPort)
}

// DSN builds the Postgres connection string. CGF_DB_NAME doubles as the
// database name.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		c.PostgresUser, c.PostgresPassword, c.PostgresHost, c.PostgresPort, c.DBName)
}

// MaintainNMaps is the target size of the random map pool.
func (c *Config) MaintainNMaps() int {
	if c.LocalDev {
		return consts.MaintainNMapsLocalDev
	}
	return consts.MaintainNMaps
}

// getEnv is a helper to read an environment variable or return a default value.
func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvInt is a helper to parse an environment variable as integer, else a default value.
func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

// getEnvBool treats "true" (any case, surrounding space ignored) as true.
func getEnvBool(key string, def bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	return strings.ToLower(strings.TrimSpace(s)) == "true"
}
