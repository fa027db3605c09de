// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/kanshi/internal/model"
)

// Storage backends.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Catalog settings.
	EndpointsFile   string // Endpoint catalog, JSON or YAML.
	PermissionsFile string // Agent permission table, JSON or YAML.
	CatalogTTL      time.Duration

	// Storage settings.
	Storage     string // "memory", "postgres" or "sqlite"
	DatabaseURL string
	SQLitePath  string
	AuditMax    int // In-memory audit log bound; 0 is unbounded.

	// Redis settings. Empty uses the in-memory rate limit store.
	RedisURL string

	// Dispatch settings.
	AgentRateLimit  int
	AgentRateWindow time.Duration
	FallbackAgent   model.AgentID
	HistoryLimit    int

	// LLM settings.
	OllamaURL     string
	OllamaModel   string
	LLMMaxRetries int
	ActionTimeout time.Duration

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration
	APIKeys           map[string]string // user id -> API key, from "user:key,user2:key2".
	AuthDisabled      bool

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.
	TokenRateLimit      int   // Token exchange attempts per IP per minute.
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	str := envStr
	num := func(key string, def int) int {
		v, err := envInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	dur := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	flag := func(key string, def bool) bool {
		v, err := envBool(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := Config{
		Port:                num("KANSHI_PORT", 8080),
		ReadTimeout:         dur("KANSHI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        dur("KANSHI_WRITE_TIMEOUT", 180*time.Second),
		EndpointsFile:       str("KANSHI_ENDPOINTS_FILE", "config/endpoints.yaml"),
		PermissionsFile:     str("KANSHI_PERMISSIONS_FILE", "config/permissions.yaml"),
		CatalogTTL:          dur("KANSHI_CATALOG_TTL", 60*time.Second),
		Storage:             strings.ToLower(str("KANSHI_STORAGE", StorageMemory)),
		DatabaseURL:         str("DATABASE_URL", ""),
		SQLitePath:          str("KANSHI_SQLITE_PATH", "kanshi.db"),
		AuditMax:            num("KANSHI_AUDIT_MAX_ENTRIES", 10000),
		RedisURL:            str("REDIS_URL", ""),
		AgentRateLimit:      num("KANSHI_AGENT_RATE_LIMIT", 10),
		AgentRateWindow:     dur("KANSHI_AGENT_RATE_WINDOW", 60*time.Second),
		FallbackAgent:       model.AgentID(strings.ToLower(str("KANSHI_FALLBACK_AGENT", string(model.AgentSupport)))),
		HistoryLimit:        num("KANSHI_HISTORY_LIMIT", 10),
		OllamaURL:           str("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:         str("OLLAMA_MODEL", "llama3.1"),
		LLMMaxRetries:       num("KANSHI_LLM_MAX_RETRIES", 2),
		ActionTimeout:       dur("KANSHI_ACTION_TIMEOUT", 15*time.Second),
		JWTPrivateKeyPath:   str("KANSHI_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:    str("KANSHI_JWT_PUBLIC_KEY", ""),
		JWTExpiration:       dur("KANSHI_JWT_EXPIRATION", 24*time.Hour),
		AuthDisabled:        flag("KANSHI_AUTH_DISABLED", false),
		OTELEndpoint:        str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:         str("OTEL_SERVICE_NAME", "kanshi"),
		OTELInsecure:        flag("KANSHI_OTEL_INSECURE", false),
		LogLevel:            str("KANSHI_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(num("KANSHI_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		TokenRateLimit:      num("KANSHI_TOKEN_RATE_LIMIT", 20),
	}

	keys, err := parseAPIKeys(os.Getenv("KANSHI_API_KEYS"))
	if err != nil {
		errs = append(errs, err)
	}
	cfg.APIKeys = keys

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("KANSHI_PORT must be in 1..65535, got %d", c.Port))
	}
	switch c.Storage {
	case StorageMemory:
	case StoragePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when KANSHI_STORAGE=postgres"))
		}
	case StorageSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("KANSHI_SQLITE_PATH is required when KANSHI_STORAGE=sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("KANSHI_STORAGE must be memory, postgres or sqlite, got %q", c.Storage))
	}
	if c.EndpointsFile == "" || c.PermissionsFile == "" {
		errs = append(errs, errors.New("KANSHI_ENDPOINTS_FILE and KANSHI_PERMISSIONS_FILE are required"))
	}
	if c.AgentRateLimit <= 0 {
		errs = append(errs, errors.New("KANSHI_AGENT_RATE_LIMIT must be positive"))
	}
	if c.AgentRateWindow <= 0 {
		errs = append(errs, errors.New("KANSHI_AGENT_RATE_WINDOW must be positive"))
	}
	if !c.FallbackAgent.Valid() {
		errs = append(errs, fmt.Errorf("KANSHI_FALLBACK_AGENT %q is not a known agent", c.FallbackAgent))
	}
	if c.LLMMaxRetries < 0 {
		errs = append(errs, errors.New("KANSHI_LLM_MAX_RETRIES must not be negative"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, errors.New("KANSHI_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if !c.AuthDisabled && len(c.APIKeys) == 0 {
		errs = append(errs, errors.New("KANSHI_API_KEYS is required unless KANSHI_AUTH_DISABLED=true"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// parseAPIKeys parses "user:key,user2:key2".
func parseAPIKeys(raw string) (map[string]string, error) {
	out := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		user, key, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || user == "" || key == "" {
			return nil, fmt.Errorf("KANSHI_API_KEYS entry %q must be user:key", pair)
		}
		out[user] = key
	}
	return out, nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
